// internal/delivery/telegram/app/bot/router.go
package bot

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"course-funnel-bot/internal/core/domain/funnel"
	"course-funnel-bot/internal/core/domain/payment"
	telegram_http "course-funnel-bot/internal/delivery/telegram/app/http_client"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	"course-funnel-bot/internal/types/messaging"
	"course-funnel-bot/pkg/logger"
)

const (
	slowDownText       = "Слишком часто, подождите немного"
	unknownCourseText  = "Курс по этой ссылке не найден. Проверьте ссылку или напишите /start."
	foreignContactText = "Пожалуйста, отправьте свой номер кнопкой ниже."
	paymentUnavailable = "Оплата этим способом сейчас недоступна, попробуйте другой."
)

func (b *TelegramBot) handleMessage(ctx context.Context, msg *telegram_http.Message) error {
	from := msg.From
	text := strings.TrimSpace(msg.Text)

	if command, arg, ok := parseCommand(text); ok && command == "start" {
		_, err := b.deps.Funnel.Start(ctx, profileOf(from), arg)
		if errors.Is(err, funnel.ErrUnknownFunnel) {
			return b.reply(ctx, from.ID, unknownCourseText)
		}
		return err
	}
	if command, _, ok := parseCommand(text); ok && command == "stats" && b.isAdmin(from.ID) {
		return b.sendStats(ctx, from.ID)
	}

	u, err := b.deps.Funnel.Lookup(ctx, from.ID)
	if err != nil {
		return err
	}
	if u == nil {
		_, err := b.deps.Funnel.Start(ctx, profileOf(from), "")
		return err
	}

	if command, _, ok := parseCommand(text); ok {
		switch command {
		case "plans":
			return b.deps.Funnel.Offer(ctx, u.ID)
		case "status":
			return b.sendPosition(ctx, u)
		}
	}

	if msg.Contact != nil {
		if msg.Contact.UserID != 0 && msg.Contact.UserID != from.ID {
			return b.deps.Sender.SendMessage(ctx, from.ID, messaging.Message{Text: foreignContactText, RequestPhone: true})
		}
		return b.deps.Funnel.HandleRegistrationInput(ctx, u.ID, funnel.FieldPhone, msg.Contact.PhoneNumber)
	}

	switch u.Kind {
	case models.StageAwaitingName:
		return b.deps.Funnel.HandleRegistrationInput(ctx, u.ID, funnel.FieldName, text)
	case models.StageAwaitingPhone:
		return b.deps.Funnel.HandleRegistrationInput(ctx, u.ID, funnel.FieldPhone, text)
	case models.StageInQuestion:
		return b.deps.Funnel.AnswerQuestion(ctx, u.ID, u.Step, text)
	}
	return b.sendPosition(ctx, u)
}

func (b *TelegramBot) handleCallback(ctx context.Context, cq *telegram_http.CallbackQuery) error {
	if err := b.deps.Callbacks.AnswerCallback(ctx, cq.ID, ""); err != nil {
		logger.Debug("[Bot] answerCallbackQuery: %v", err)
	}

	u, err := b.deps.Funnel.Lookup(ctx, cq.From.ID)
	if err != nil {
		return err
	}
	if u == nil {
		_, err := b.deps.Funnel.Start(ctx, profileOf(&cq.From), "")
		return err
	}

	cb, err := funnel.ParseCallback(cq.Data)
	if err != nil {
		logger.Debug("[Bot] Неизвестная кнопка %q от %d", cq.Data, cq.From.ID)
		return nil
	}

	switch cb.Action {
	case funnel.ActionWatched:
		return b.deps.Funnel.AcknowledgeLesson(ctx, u.ID, cb.Lesson)
	case funnel.ActionAnswer:
		return b.deps.Funnel.AnswerQuestion(ctx, u.ID, cb.Step, cb.Option)
	case funnel.ActionSubscribed:
		return b.deps.Funnel.ConfirmSubscription(ctx, u.ID)
	case funnel.ActionPlans:
		return b.deps.Funnel.Offer(ctx, u.ID)
	case funnel.ActionPay:
		return b.checkout(ctx, u, cb.Plan, cb.Gateway)
	}
	return nil
}

func (b *TelegramBot) checkout(ctx context.Context, u *models.User, plan, gateway string) error {
	co, err := b.deps.Checkout.StartCheckout(ctx, u.ID, plan, gateway)
	if err != nil {
		if errors.Is(err, payment.ErrGatewayDisabled) || errors.Is(err, payment.ErrPlanUnavailable) {
			return b.reply(ctx, u.TelegramID, paymentUnavailable)
		}
		return err
	}

	logger.Info("💳 [Bot] Пользователь %d открыл оплату %s (%s)", u.TelegramID, co.Plan.Code, gateway)
	return b.deps.Sender.SendMessage(ctx, u.TelegramID, messaging.Message{
		Text:    fmt.Sprintf("Тариф «%s»: %s\nНажмите кнопку, чтобы перейти к оплате.", co.Plan.Name, funnel.FormatAmount(co.Transaction.Amount)),
		Buttons: [][]messaging.Button{messaging.Row(messaging.Button{Text: "Оплатить", URL: co.URL})},
	})
}

func (b *TelegramBot) handleChatMember(ctx context.Context, upd *telegram_http.ChatMemberUpdated) error {
	if b.deps.Invites == nil || strconv.FormatInt(upd.Chat.ID, 10) != b.deps.Invites.ChannelID() {
		return nil
	}
	if !upd.Joined() || upd.InviteLink == nil {
		return nil
	}

	var userID int64
	u, err := b.deps.Funnel.Lookup(ctx, upd.NewChatMember.User.ID)
	if err != nil {
		return err
	}
	if u != nil {
		userID = u.ID
	}

	inv, err := b.deps.Invites.MarkUsed(ctx, upd.InviteLink.InviteLink, userID)
	if err != nil {
		return err
	}
	if inv != nil {
		logger.Info("🚪 [Bot] Пользователь %d вошёл в канал по приглашению", upd.NewChatMember.User.ID)
	}
	return nil
}

func (b *TelegramBot) sendPosition(ctx context.Context, u *models.User) error {
	text, err := b.deps.Funnel.Position(ctx, u.ID)
	if err != nil {
		return err
	}
	return b.reply(ctx, u.TelegramID, text)
}

func (b *TelegramBot) reply(ctx context.Context, chatID int64, text string) error {
	return b.deps.Sender.SendMessage(ctx, chatID, messaging.Message{Text: text})
}

func (b *TelegramBot) isAdmin(telegramID int64) bool {
	return b.deps.Stats != nil && b.deps.Admins(telegramID)
}

func (b *TelegramBot) sendStats(ctx context.Context, chatID int64) error {
	text, err := b.deps.Stats.Text(ctx)
	if err != nil {
		logger.Error("❌ [Bot] Ошибка сбора статистики: %v", err)
		return b.reply(ctx, chatID, "Статистика сейчас недоступна")
	}
	return b.reply(ctx, chatID, text)
}

// parseCommand разбирает "/cmd@bot arg"
func parseCommand(text string) (string, string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return "", "", false
	}
	command := strings.ToLower(fields[0])
	if at := strings.IndexByte(command, '@'); at >= 0 {
		command = command[:at]
	}
	return command, strings.Join(fields[1:], " "), true
}

func profileOf(u *telegram_http.User) funnel.Profile {
	return funnel.Profile{TelegramID: u.ID, Username: u.Username, FirstName: u.FirstName}
}

func rateKey(telegramID int64) string {
	return "ratelimit:tg:" + strconv.FormatInt(telegramID, 10)
}
