// internal/delivery/telegram/app/bot/bot.go
package bot

import (
	"context"
	"errors"
	"time"

	"course-funnel-bot/internal/core/domain/funnel"
	"course-funnel-bot/internal/core/domain/payment"
	telegram_http "course-funnel-bot/internal/delivery/telegram/app/http_client"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	"course-funnel-bot/internal/types/messaging"
	"course-funnel-bot/pkg/logger"
)

// Funnel - операции воронки, вызываемые из чата
type Funnel interface {
	Lookup(ctx context.Context, telegramID int64) (*models.User, error)
	Start(ctx context.Context, p funnel.Profile, slug string) (*models.User, error)
	HandleRegistrationInput(ctx context.Context, userID int64, field, value string) error
	AcknowledgeLesson(ctx context.Context, userID int64, lesson int) error
	AnswerQuestion(ctx context.Context, userID int64, step int, answer string) error
	ConfirmSubscription(ctx context.Context, userID int64) error
	Offer(ctx context.Context, userID int64) error
	Position(ctx context.Context, userID int64) (string, error)
}

// Checkout - создание заказа на оплату
type Checkout interface {
	StartCheckout(ctx context.Context, userID int64, planCode, gateway string) (*payment.Checkout, error)
}

// Invites - отметка входа по приглашению
type Invites interface {
	MarkUsed(ctx context.Context, link string, userID int64) (*models.InviteLink, error)
	ChannelID() string
}

// CallbackAnswerer снимает индикатор загрузки с inline-кнопки
type CallbackAnswerer interface {
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// RateLimiter - ограничение частоты запросов пользователя
type RateLimiter interface {
	CheckRateLimit(ctx context.Context, key string, limit int, window time.Duration) (bool, int, error)
}

// Stats - отчёт по воронке для администраторов
type Stats interface {
	Text(ctx context.Context) (string, error)
}

// Dependencies зависимости для TelegramBot
type Dependencies struct {
	Funnel    Funnel
	Checkout  Checkout
	Invites   Invites
	Sender    messaging.Sender
	Callbacks CallbackAnswerer
	Limiter   RateLimiter
	RateLimit int // сообщений в минуту, 0 - без ограничения

	Stats  Stats
	Admins func(telegramID int64) bool
}

// TelegramBot - маршрутизация входящих обновлений в воронку и оплату
type TelegramBot struct {
	deps Dependencies
}

// Commands - меню команд бота
var Commands = []telegram_http.BotCommand{
	{Command: "start", Description: "Начать или продолжить курс"},
	{Command: "status", Description: "Где я сейчас"},
	{Command: "plans", Description: "Тарифы и оплата"},
}

// NewTelegramBot создает новый экземпляр TelegramBot
func NewTelegramBot(deps Dependencies) *TelegramBot {
	if deps.Limiter == nil {
		deps.Limiter = NewLocalLimiter()
	}
	if deps.Admins == nil {
		deps.Admins = func(int64) bool { return false }
	}
	return &TelegramBot{deps: deps}
}

// HandleUpdate обрабатывает обновление от Telegram
func (b *TelegramBot) HandleUpdate(ctx context.Context, update telegram_http.Update) error {
	switch {
	case update.ChatMember != nil:
		return b.handleChatMember(ctx, update.ChatMember)

	case update.CallbackQuery != nil:
		cq := update.CallbackQuery
		if !b.allow(ctx, cq.From.ID) {
			return b.deps.Callbacks.AnswerCallback(ctx, cq.ID, slowDownText)
		}
		return handled(b.handleCallback(ctx, cq))

	case update.Message != nil:
		msg := update.Message
		if msg.From == nil || msg.From.IsBot || (msg.Chat.Type != "" && msg.Chat.Type != "private") {
			return nil
		}
		if !b.allow(ctx, msg.From.ID) {
			logger.Debug("[Bot] Пользователь %d превысил лимит сообщений", msg.From.ID)
			return nil
		}
		return handled(b.handleMessage(ctx, msg))
	}
	return nil
}

func (b *TelegramBot) allow(ctx context.Context, telegramID int64) bool {
	if b.deps.RateLimit <= 0 {
		return true
	}
	ok, _, err := b.deps.Limiter.CheckRateLimit(ctx, rateKey(telegramID), b.deps.RateLimit, time.Minute)
	if err != nil {
		logger.Warn("⚠️ [Bot] Ошибка проверки лимита: %v", err)
		return true
	}
	return ok
}

// handled убирает ошибки ввода: пользователь уже получил подсказку
func handled(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, funnel.ErrInvalidName),
		errors.Is(err, funnel.ErrInvalidPhone),
		errors.Is(err, funnel.ErrInvalidAnswer),
		errors.Is(err, funnel.ErrNotSubscribed):
		logger.Debug("[Bot] %v", err)
		return nil
	}
	return err
}
