// internal/core/domain/funnel/delivery.go
package funnel

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	"course-funnel-bot/internal/types/messaging"
	"course-funnel-bot/pkg/logger"
)

// deliver отправляет содержимое позиции. fresh=false - повторная отправка
// (возврат пользователя или повтор события): дожимающие сообщения не ставятся заново.
func (e *Engine) deliver(ctx context.Context, u *models.User, f *models.Funnel, stage models.Stage, fresh bool) error {
	def := &f.Definition
	texts := messagesFor(def)

	switch stage.Kind {
	case models.StageAwaitingName:
		return e.send(ctx, u, messaging.Message{Text: texts.AskName})

	case models.StageAwaitingPhone:
		return e.send(ctx, u, messaging.Message{Text: texts.AskPhone, RequestPhone: true})

	case models.StageInLesson:
		return e.sendLesson(ctx, u, f, stage.Lesson)

	case models.StageInQuestion:
		q, ok := def.Question(stage.Step)
		if !ok {
			return fmt.Errorf("%w: шаг %d", ErrUnknownQuestion, stage.Step)
		}
		return e.send(ctx, u, questionMessage(q))

	case models.StageWaitingSubscription:
		return e.send(ctx, u, gateMessage(def.Gate))

	case models.StageLessonScheduled:
		if !fresh {
			return nil
		}
		return e.send(ctx, u, messaging.Message{Text: texts.NextLessonSoon})

	case models.StagePitchScheduled:
		if !fresh {
			return nil
		}
		return e.send(ctx, u, messaging.Message{Text: texts.Finished})

	case models.StageAwaitingPayment:
		return e.sendPitch(ctx, u, f, fresh)
	}
	return nil
}

// resume повторно отправляет текущий шаг вернувшемуся пользователю
func (e *Engine) resume(ctx context.Context, u *models.User, f *models.Funnel) error {
	return e.deliver(ctx, u, f, u.Stage, false)
}

func (e *Engine) sendLesson(ctx context.Context, u *models.User, f *models.Funnel, n int) error {
	lesson, ok := f.Definition.Lesson(n)
	if !ok {
		return fmt.Errorf("урок %d не найден в воронке %s", n, f.Slug)
	}

	var buttons [][]messaging.Button
	if lesson.AutoAdvance {
		at := e.now().Add(time.Duration(lesson.AutoAdvanceMinutes) * time.Minute)
		if err := e.schedule(ctx, u, models.EventLessonComplete, at, models.EventPayload{FunnelID: f.ID, Lesson: n}); err != nil {
			return err
		}
	} else {
		buttons = [][]messaging.Button{messaging.Row(messaging.Button{
			Text:         messagesFor(&f.Definition).WatchedButton,
			CallbackData: WatchedData(n),
		})}
	}

	logger.Debug("📚 [Funnel] Урок %d пользователю %d", n, u.TelegramID)
	return e.sendContent(ctx, u, lesson.MediaType, lesson.Media, lessonText(lesson), buttons)
}

func (e *Engine) sendPitch(ctx context.Context, u *models.User, f *models.Funnel, fresh bool) error {
	pitch := f.Definition.Pitch

	if fresh {
		at := e.now()
		for _, fu := range pitch.FollowUps {
			at = at.Add(time.Duration(fu.DelayHours) * time.Hour)
			if err := e.schedule(ctx, u, models.EventMessage, at, models.EventPayload{FunnelID: f.ID, Text: fu.Text}); err != nil {
				return err
			}
		}
	}

	buttons, err := e.offerButtons(ctx, &f.Definition)
	if err != nil {
		return err
	}
	text := pitch.Text
	if text == "" {
		text = messagesFor(&f.Definition).Offer
	}

	logger.Info("💰 [Funnel] Питч пользователю %d", u.TelegramID)
	return e.sendContent(ctx, u, pitch.MediaType, pitch.Media, text, buttons)
}

// offerButtons строит кнопки оплаты: строка на каждый тариф и шлюз
func (e *Engine) offerButtons(ctx context.Context, def *models.FunnelDefinition) ([][]messaging.Button, error) {
	var plans []*models.Plan
	if len(def.Payment.Plans) == 0 {
		active, err := e.plans.ListActive(ctx)
		if err != nil {
			return nil, fmt.Errorf("ошибка загрузки тарифов: %w", err)
		}
		plans = active
	} else {
		for _, code := range def.Payment.Plans {
			p, err := e.plans.GetByCode(ctx, code)
			if err != nil {
				return nil, fmt.Errorf("ошибка загрузки тарифа %s: %w", code, err)
			}
			if p == nil || !p.IsActive {
				logger.Warn("⚠️ [Funnel] Тариф %s недоступен", code)
				continue
			}
			plans = append(plans, p)
		}
	}

	var rows [][]messaging.Button
	for _, p := range plans {
		for _, gw := range e.enabledGateways(def) {
			rows = append(rows, messaging.Row(messaging.Button{
				Text:         fmt.Sprintf("%s · %s · %s", p.Name, FormatAmount(p.EffectivePrice()), gatewayTitle(gw)),
				CallbackData: PayData(p.Code, gw),
			}))
		}
	}
	return rows, nil
}

func (e *Engine) enabledGateways(def *models.FunnelDefinition) []string {
	if len(def.Payment.Gateways) == 0 {
		return e.gateways
	}
	if len(e.gateways) == 0 {
		return def.Payment.Gateways
	}

	enabled := make(map[string]bool, len(e.gateways))
	for _, gw := range e.gateways {
		enabled[gw] = true
	}
	var result []string
	for _, gw := range def.Payment.Gateways {
		if enabled[gw] {
			result = append(result, gw)
		}
	}
	return result
}

func (e *Engine) send(ctx context.Context, u *models.User, msg messaging.Message) error {
	if err := e.sender.SendMessage(ctx, u.TelegramID, msg); err != nil {
		return fmt.Errorf("ошибка отправки сообщения %d: %w", u.TelegramID, err)
	}
	return nil
}

func (e *Engine) sendContent(ctx context.Context, u *models.User, mediaType, media, text string, buttons [][]messaging.Button) error {
	if media == "" {
		return e.send(ctx, u, messaging.Message{Text: text, Buttons: buttons})
	}
	if mediaType == "" {
		mediaType = messaging.MediaVideo
	}
	if err := e.sender.SendMedia(ctx, u.TelegramID, messaging.Media{Type: mediaType, Source: media}, text, buttons); err != nil {
		return fmt.Errorf("ошибка отправки медиа %d: %w", u.TelegramID, err)
	}
	return nil
}

func questionMessage(q models.CustDevQuestion) messaging.Message {
	msg := messaging.Message{Text: q.Text}
	if q.Kind == models.AnswerChoice {
		for i, opt := range q.Options {
			msg.Buttons = append(msg.Buttons, messaging.Row(messaging.Button{
				Text:         opt,
				CallbackData: AnswerData(q.Step, i),
			}))
		}
	}
	return msg
}

func gateMessage(gate models.Gate) messaging.Message {
	prompt := gate.Prompt
	if prompt == "" {
		prompt = defaultGatePrompt
	}

	var rows [][]messaging.Button
	if gate.ChannelURL != "" {
		rows = append(rows, messaging.Row(messaging.Button{Text: subscribeButtonText, URL: gate.ChannelURL}))
	}
	rows = append(rows, messaging.Row(messaging.Button{Text: subscribedButton, CallbackData: ActionSubscribed}))
	return messaging.Message{Text: prompt, Buttons: rows}
}

func trimAnswer(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

// matchOption принимает номер варианта из кнопки или текст варианта
func matchOption(options []string, raw string) (string, error) {
	value := trimAnswer(raw)
	if i, err := strconv.Atoi(value); err == nil && i >= 0 && i < len(options) {
		return options[i], nil
	}
	for _, opt := range options {
		if strings.EqualFold(opt, value) {
			return opt, nil
		}
	}
	return "", ErrInvalidAnswer
}
