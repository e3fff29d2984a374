// internal/core/domain/funnel/engine.go
package funnel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	answer_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/answer"
	plan_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/plan"
	event_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/scheduled_event"
	users_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/users"
	"course-funnel-bot/internal/types/messaging"
	"course-funnel-bot/pkg/logger"
)

// Dependencies зависимости движка воронки
type Dependencies struct {
	Users       users_repo.UserRepository
	Answers     answer_repo.AnswerRepository
	Events      event_repo.EventRepository
	Plans       plan_repo.PlanRepository
	Definitions *Definitions
	Sender      messaging.Sender
	Channel     messaging.Channel
	Gateways    []string // включённые платёжные шлюзы
	Now         func() time.Time
}

// Profile - данные пользователя из платформы
type Profile struct {
	TelegramID int64
	Username   string
	FirstName  string
}

// Engine продвигает пользователя по урокам, анкете и питчу.
// Каждая смена позиции - условное обновление по текущему значению,
// поэтому повторные нажатия и параллельные события планировщика безопасны.
type Engine struct {
	users    users_repo.UserRepository
	answers  answer_repo.AnswerRepository
	events   event_repo.EventRepository
	plans    plan_repo.PlanRepository
	defs     *Definitions
	sender   messaging.Sender
	channel  messaging.Channel
	gateways []string
	now      func() time.Time
}

// NewEngine создает движок воронки
func NewEngine(deps Dependencies) (*Engine, error) {
	switch {
	case deps.Users == nil, deps.Answers == nil, deps.Events == nil, deps.Plans == nil:
		return nil, fmt.Errorf("репозитории обязательны")
	case deps.Definitions == nil:
		return nil, fmt.Errorf("Definitions обязателен")
	case deps.Sender == nil || deps.Channel == nil:
		return nil, fmt.Errorf("Sender и Channel обязательны")
	}

	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	return &Engine{
		users:    deps.Users,
		answers:  deps.Answers,
		events:   deps.Events,
		plans:    deps.Plans,
		defs:     deps.Definitions,
		sender:   deps.Sender,
		channel:  deps.Channel,
		gateways: deps.Gateways,
		now:      now,
	}, nil
}

// Lookup находит пользователя по идентификатору платформы;
// nil без ошибки - пользователь ещё не заходил
func (e *Engine) Lookup(ctx context.Context, telegramID int64) (*models.User, error) {
	return e.users.FindByTelegramID(ctx, telegramID)
}

// Start обрабатывает вход в воронку (/start с необязательным slug).
// Новый пользователь получает воронку и запрос имени, существующий - свою позицию.
func (e *Engine) Start(ctx context.Context, p Profile, slug string) (*models.User, error) {
	var target *models.Funnel
	if slug != "" {
		f, err := e.defs.BySlug(ctx, slug)
		if err != nil {
			return nil, err
		}
		target = f
	}

	u, created, err := e.users.GetOrCreate(ctx, &models.User{
		TelegramID: p.TelegramID,
		Username:   p.Username,
		FirstName:  p.FirstName,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка регистрации пользователя: %w", err)
	}

	if u.IsBlocked {
		if err := e.users.SetBlocked(ctx, u.ID, false); err != nil {
			logger.Warn("⚠️ [Funnel] Не удалось снять отметку блокировки %d: %v", u.TelegramID, err)
		}
		u.IsBlocked = false
	}

	if created || u.FunnelID == nil {
		if target == nil {
			if target, err = e.defs.Default(ctx); err != nil {
				return nil, err
			}
		}
		if err := e.users.AssignFunnel(ctx, u.ID, target.ID, u.Stage); err != nil {
			return nil, fmt.Errorf("ошибка назначения воронки: %w", err)
		}
		u.FunnelID = &target.ID
		logger.Info("👤 [Funnel] Пользователь %d вошёл в воронку %s", u.TelegramID, target.Slug)

		texts := messagesFor(&target.Definition)
		if err := e.send(ctx, u, messaging.Message{Text: texts.Welcome}); err != nil {
			return u, err
		}
		return u, e.resume(ctx, u, target)
	}

	if target != nil && target.ID != *u.FunnelID && u.Kind != models.StagePaid {
		return u, e.switchFunnel(ctx, u, target)
	}

	f, err := e.defs.ByID(ctx, *u.FunnelID)
	if err != nil {
		return nil, err
	}
	if err := e.send(ctx, u, messaging.Message{Text: Describe(u.Stage, &f.Definition)}); err != nil {
		return u, err
	}
	return u, e.resume(ctx, u, f)
}

// switchFunnel переводит пользователя в другую воронку. Ответы анкеты сохраняются.
func (e *Engine) switchFunnel(ctx context.Context, u *models.User, target *models.Funnel) error {
	if n, err := e.events.CancelPending(ctx, u.ID, nil); err != nil {
		return fmt.Errorf("ошибка отмены событий при смене воронки: %w", err)
	} else if n > 0 {
		logger.Debug("🗑️ [Funnel] Отменено %d событий пользователя %d", n, u.TelegramID)
	}

	stage := u.Stage
	first, hasLessons := target.Definition.NextLesson(0)
	if u.IsRegistered() && hasLessons {
		stage = models.LessonScheduled(first.Number)
	}
	if err := e.users.AssignFunnel(ctx, u.ID, target.ID, stage); err != nil {
		return fmt.Errorf("ошибка смены воронки: %w", err)
	}
	u.FunnelID = &target.ID
	u.Stage = stage
	logger.Info("🔀 [Funnel] Пользователь %d переключён на воронку %s", u.TelegramID, target.Slug)

	if !u.IsRegistered() || !hasLessons {
		return e.resume(ctx, u, target)
	}
	return e.advance(ctx, u, target, stage, e.lessonStage(ctx, u, target, first.Number), true)
}

// HandleRegistrationInput принимает имя или телефон
func (e *Engine) HandleRegistrationInput(ctx context.Context, userID int64, field, value string) error {
	u, f, err := e.load(ctx, userID)
	if err != nil {
		return err
	}
	texts := messagesFor(&f.Definition)

	switch field {
	case FieldName:
		if u.Kind != models.StageAwaitingName {
			return nil
		}
		name, err := NormalizeName(value)
		if err != nil {
			return errors.Join(err, e.send(ctx, u, messaging.Message{Text: texts.InvalidName}))
		}
		ok, err := e.users.SaveName(ctx, u.ID, name, models.AwaitingPhone())
		if err != nil || !ok {
			return err
		}
		u.FullName = name
		u.Stage = models.AwaitingPhone()
		return e.deliver(ctx, u, f, u.Stage, true)

	case FieldPhone:
		if u.Kind != models.StageAwaitingPhone {
			return nil
		}
		phone, err := NormalizePhone(value)
		if err != nil {
			return errors.Join(err, e.send(ctx, u, messaging.Message{Text: texts.InvalidPhone, RequestPhone: true}))
		}

		first, ok := f.Definition.NextLesson(0)
		if !ok {
			return fmt.Errorf("в воронке %s нет уроков", f.Slug)
		}
		to := e.lessonStage(ctx, u, f, first.Number)
		applied, err := e.users.SavePhone(ctx, u.ID, phone, to)
		if err != nil || !applied {
			return err
		}
		u.Phone = phone
		u.Stage = to
		logger.Info("✅ [Funnel] Пользователь %d зарегистрирован", u.TelegramID)

		if err := e.send(ctx, u, messaging.Message{Text: texts.Registered, RemoveKeyboard: true}); err != nil {
			return err
		}
		return e.deliver(ctx, u, f, to, true)
	}
	return fmt.Errorf("%w: %s", ErrUnknownField, field)
}

// AcknowledgeLesson - пользователь нажал "посмотрел". Повтор для пройденного урока игнорируется.
func (e *Engine) AcknowledgeLesson(ctx context.Context, userID int64, lesson int) error {
	u, f, err := e.load(ctx, userID)
	if err != nil {
		return err
	}
	if u.Stage != models.InLesson(lesson) {
		logger.Debug("[Funnel] Повторное подтверждение урока %d от %d в позиции %s", lesson, u.TelegramID, u.Stage)
		return nil
	}
	return e.afterLesson(ctx, u, f, lesson)
}

// AnswerQuestion сохраняет ответ анкеты и двигает пользователя дальше
func (e *Engine) AnswerQuestion(ctx context.Context, userID int64, step int, answer string) error {
	u, f, err := e.load(ctx, userID)
	if err != nil {
		return err
	}
	if u.Kind != models.StageInQuestion || u.Step != step {
		return nil
	}

	q, ok := f.Definition.Question(step)
	if !ok {
		return fmt.Errorf("%w: шаг %d", ErrUnknownQuestion, step)
	}
	value, err := normalizeAnswer(q, answer)
	if err != nil {
		hint := emptyAnswerText
		if q.Kind == models.AnswerChoice {
			hint = invalidChoiceText
		}
		return errors.Join(err, e.send(ctx, u, messaging.Message{Text: hint}))
	}

	if err := e.answers.Save(ctx, &models.CustDevAnswer{
		UserID:   u.ID,
		FunnelID: f.ID,
		Lesson:   u.Lesson,
		Step:     step,
		Answer:   value,
	}); err != nil {
		return err
	}
	if q.ProfileField != "" {
		if err := e.users.SetProfileField(ctx, u.ID, q.ProfileField, value); err != nil {
			return err
		}
	}

	if next, ok := f.Definition.NextQuestion(u.Lesson, step); ok {
		return e.advance(ctx, u, f, u.Stage, models.InQuestion(u.Lesson, next.Step), true)
	}
	return e.nextLesson(ctx, u, f, u.Lesson)
}

// ConfirmSubscription повторно проверяет подписку на канал и открывает отложенный урок
func (e *Engine) ConfirmSubscription(ctx context.Context, userID int64) error {
	u, f, err := e.load(ctx, userID)
	if err != nil {
		return err
	}
	if u.Kind != models.StageWaitingSubscription {
		return nil
	}

	member, err := e.channel.IsMember(ctx, f.Definition.Gate.ChannelID, u.TelegramID)
	if err != nil {
		return fmt.Errorf("ошибка проверки подписки: %w", err)
	}
	if !member {
		return errors.Join(ErrNotSubscribed, e.deliver(ctx, u, f, u.Stage, false))
	}
	return e.advance(ctx, u, f, u.Stage, models.InLesson(u.Lesson), true)
}

// AdvanceFromSchedule - точка входа планировщика для наступивших событий.
// Результат совпадает с немедленным переходом, который событие заменило.
func (e *Engine) AdvanceFromSchedule(ctx context.Context, ev *models.ScheduledEvent) error {
	u, f, err := e.load(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if ev.Payload.FunnelID != 0 && ev.Payload.FunnelID != f.ID {
		logger.Debug("[Funnel] Событие %d относится к прежней воронке, пропускаем", ev.ID)
		return nil
	}
	if u.IsBlocked {
		return nil
	}

	// повторная попытка: переход уже выполнен, но отправка не удалась
	retry := ev.Attempts > 0
	n := ev.Payload.Lesson

	switch ev.EventType {
	case models.EventLesson:
		switch {
		case u.Stage == models.LessonScheduled(n):
			return e.advance(ctx, u, f, u.Stage, e.lessonStage(ctx, u, f, n), true)
		case retry && (u.Stage == models.InLesson(n) || u.Stage == models.WaitingSubscription(n)):
			return e.deliver(ctx, u, f, u.Stage, false)
		}
	case models.EventLessonComplete:
		if u.Stage == models.InLesson(n) {
			return e.afterLesson(ctx, u, f, n)
		}
	case models.EventPitch:
		switch {
		case u.Kind == models.StagePitchScheduled:
			return e.advance(ctx, u, f, u.Stage, models.AwaitingPayment(), true)
		case retry && u.Kind == models.StageAwaitingPayment:
			return e.deliver(ctx, u, f, u.Stage, false)
		}
	default:
		return fmt.Errorf("%w: %s", ErrUnsupported, ev.EventType)
	}

	logger.Debug("[Funnel] Событие %d (%s) устарело для позиции %s", ev.ID, ev.EventType, u.Stage)
	return nil
}

// MarkPaid переводит пользователя в оплаченные и снимает дожимающие события
func (e *Engine) MarkPaid(ctx context.Context, userID int64) error {
	if err := e.users.SetPaid(ctx, userID, true); err != nil {
		return fmt.Errorf("ошибка отметки оплаты: %w", err)
	}
	if _, err := e.events.CancelPending(ctx, userID, []string{
		models.EventPitch, models.EventMessage, models.EventLesson, models.EventLessonComplete,
	}); err != nil {
		return fmt.Errorf("ошибка отмены событий после оплаты: %w", err)
	}

	for attempt := 0; attempt < 3; attempt++ {
		u, err := e.users.FindByID(ctx, userID)
		if err != nil {
			return err
		}
		if u == nil {
			return ErrUnknownUser
		}
		if u.Kind == models.StagePaid {
			return nil
		}
		ok, err := e.users.CompareAndSetStage(ctx, userID, u.Stage, models.Paid())
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("не удалось перевести пользователя %d в оплаченные", userID)
}

// MarkUnpaid снимает признак оплаты после истечения или отмены подписки
func (e *Engine) MarkUnpaid(ctx context.Context, userID int64) error {
	if err := e.users.SetPaid(ctx, userID, false); err != nil {
		return fmt.Errorf("ошибка снятия оплаты: %w", err)
	}
	_, err := e.users.CompareAndSetStage(ctx, userID, models.Paid(), models.AwaitingPayment())
	return err
}

// Position возвращает описание текущей позиции пользователя
func (e *Engine) Position(ctx context.Context, userID int64) (string, error) {
	u, f, err := e.load(ctx, userID)
	if err != nil {
		return "", err
	}
	return Describe(u.Stage, &f.Definition), nil
}

// Offer отправляет список тарифов с кнопками оплаты
func (e *Engine) Offer(ctx context.Context, userID int64) error {
	u, f, err := e.load(ctx, userID)
	if err != nil {
		return err
	}
	buttons, err := e.offerButtons(ctx, &f.Definition)
	if err != nil {
		return err
	}
	return e.send(ctx, u, messaging.Message{Text: messagesFor(&f.Definition).Offer, Buttons: buttons})
}

func (e *Engine) load(ctx context.Context, userID int64) (*models.User, *models.Funnel, error) {
	u, err := e.users.FindByID(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("ошибка загрузки пользователя %d: %w", userID, err)
	}
	if u == nil {
		return nil, nil, ErrUnknownUser
	}

	var f *models.Funnel
	if u.FunnelID != nil {
		f, err = e.defs.ByID(ctx, *u.FunnelID)
	} else {
		f, err = e.defs.Default(ctx)
	}
	if err != nil {
		return nil, nil, err
	}
	return u, f, nil
}

// advance выполняет условный переход from -> to и отправляет содержимое новой позиции
func (e *Engine) advance(ctx context.Context, u *models.User, f *models.Funnel, from, to models.Stage, fresh bool) error {
	ok, err := e.users.CompareAndSetStage(ctx, u.ID, from, to)
	if err != nil {
		return fmt.Errorf("ошибка перехода %s -> %s: %w", from, to, err)
	}
	if !ok {
		logger.Debug("[Funnel] Позиция пользователя %d уже изменилась, переход %s -> %s пропущен", u.TelegramID, from, to)
		return nil
	}
	u.Stage = to
	logger.Debug("➡️ [Funnel] %d: %s -> %s", u.TelegramID, from, to)
	return e.deliver(ctx, u, f, to, fresh)
}

func (e *Engine) afterLesson(ctx context.Context, u *models.User, f *models.Funnel, lesson int) error {
	if q, ok := f.Definition.NextQuestion(lesson, 0); ok {
		return e.advance(ctx, u, f, u.Stage, models.InQuestion(lesson, q.Step), true)
	}
	return e.nextLesson(ctx, u, f, lesson)
}

// nextLesson выдаёт следующий урок сразу или по таймеру, а после последнего - питч
func (e *Engine) nextLesson(ctx context.Context, u *models.User, f *models.Funnel, after int) error {
	next, ok := f.Definition.NextLesson(after)
	if !ok {
		return e.finishLessons(ctx, u, f)
	}
	if next.DelayHours == 0 {
		return e.advance(ctx, u, f, u.Stage, e.lessonStage(ctx, u, f, next.Number), true)
	}

	at := e.now().Add(time.Duration(next.DelayHours) * time.Hour)
	if err := e.schedule(ctx, u, models.EventLesson, at, models.EventPayload{FunnelID: f.ID, Lesson: next.Number}); err != nil {
		return err
	}
	return e.advance(ctx, u, f, u.Stage, models.LessonScheduled(next.Number), true)
}

func (e *Engine) finishLessons(ctx context.Context, u *models.User, f *models.Funnel) error {
	if f.Definition.Pitch.DelayHours == 0 {
		return e.advance(ctx, u, f, u.Stage, models.AwaitingPayment(), true)
	}

	at := e.now().Add(time.Duration(f.Definition.Pitch.DelayHours) * time.Hour)
	if err := e.schedule(ctx, u, models.EventPitch, at, models.EventPayload{FunnelID: f.ID}); err != nil {
		return err
	}
	return e.advance(ctx, u, f, u.Stage, models.PitchScheduled(), true)
}

// lessonStage проверяет гейт подписки перед уроком
func (e *Engine) lessonStage(ctx context.Context, u *models.User, f *models.Funnel, lesson int) models.Stage {
	gate := f.Definition.Gate
	if gate.RequireSubscriptionBeforeLesson == 0 || gate.RequireSubscriptionBeforeLesson != lesson {
		return models.InLesson(lesson)
	}

	member, err := e.channel.IsMember(ctx, gate.ChannelID, u.TelegramID)
	if err != nil {
		logger.Warn("⚠️ [Funnel] Не удалось проверить подписку %d на %s: %v", u.TelegramID, gate.ChannelID, err)
		return models.WaitingSubscription(lesson)
	}
	if member {
		return models.InLesson(lesson)
	}
	return models.WaitingSubscription(lesson)
}

func (e *Engine) schedule(ctx context.Context, u *models.User, eventType string, at time.Time, payload models.EventPayload) error {
	ev := &models.ScheduledEvent{
		UserID:      u.ID,
		EventType:   eventType,
		ScheduledAt: at,
		Payload:     payload,
	}
	if err := e.events.Create(ctx, ev); err != nil {
		return fmt.Errorf("ошибка планирования события %s: %w", eventType, err)
	}
	logger.Debug("⏰ [Funnel] Событие %s для %d запланировано на %s", eventType, u.TelegramID, at.Format(time.RFC3339))
	return nil
}

func normalizeAnswer(q models.CustDevQuestion, raw string) (string, error) {
	if q.Kind != models.AnswerChoice {
		value := trimAnswer(raw)
		if value == "" {
			return "", ErrInvalidAnswer
		}
		return value, nil
	}
	return matchOption(q.Options, raw)
}
