// internal/core/domain/subscription/service.go
package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	plan_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/plan"
	subscription_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/subscription"
	users_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/users"
	"course-funnel-bot/internal/types/messaging"
	"course-funnel-bot/pkg/logger"
)

// AccessRevoker исключает пользователя из закрытого канала
type AccessRevoker interface {
	Revoke(ctx context.Context, telegramID int64) error
}

// PaidMarker снимает с пользователя признак оплаты
type PaidMarker interface {
	MarkUnpaid(ctx context.Context, userID int64) error
}

// Dependencies зависимости сервиса подписок
type Dependencies struct {
	Subscriptions subscription_repo.SubscriptionRepository
	Users         users_repo.UserRepository
	Plans         plan_repo.PlanRepository
	Access        AccessRevoker
	Paid          PaidMarker
	Sender        messaging.Sender
	Now           func() time.Time
}

// Service сервис управления подписками
type Service struct {
	subRepo  subscription_repo.SubscriptionRepository
	userRepo users_repo.UserRepository
	planRepo plan_repo.PlanRepository
	access   AccessRevoker
	paid     PaidMarker
	sender   messaging.Sender
	now      func() time.Time

	plans map[int64]*models.Plan
	mu    sync.RWMutex
}

// NewService создает новый сервис подписок
func NewService(deps Dependencies) *Service {
	now := deps.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		subRepo:  deps.Subscriptions,
		userRepo: deps.Users,
		planRepo: deps.Plans,
		access:   deps.Access,
		paid:     deps.Paid,
		sender:   deps.Sender,
		now:      now,
		plans:    make(map[int64]*models.Plan),
	}
}

// GetPlan возвращает тариф по идентификатору, кэшируя его в памяти
func (s *Service) GetPlan(ctx context.Context, id int64) (*models.Plan, error) {
	s.mu.RLock()
	plan, exists := s.plans[id]
	s.mu.RUnlock()
	if exists {
		return plan, nil
	}

	plan, err := s.planRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения плана: %w", err)
	}
	if plan == nil {
		return nil, fmt.Errorf("план не найден: %d", id)
	}

	s.mu.Lock()
	s.plans[id] = plan
	s.mu.Unlock()
	return plan, nil
}

// Activate создает подписку по проведённой транзакции. Повтор возвращает
// уже созданную подписку; остаток прежней активной подписки переносится.
func (s *Service) Activate(ctx context.Context, tx *models.Transaction) (*models.Subscription, bool, error) {
	plan, err := s.GetPlan(ctx, tx.PlanID)
	if err != nil {
		return nil, false, err
	}

	sub, created, err := s.subRepo.Activate(ctx, models.ActivateParams{
		UserID:        tx.UserID,
		TransactionID: tx.ID,
		PlanID:        plan.ID,
		DurationDays:  plan.DurationDays,
		Now:           s.now(),
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		logger.Info("💎 [Subscription] Подписка %d активна до %s (пользователь %d)",
			sub.ID, sub.EndDate.Format("2006-01-02"), sub.UserID)
	}
	return sub, created, nil
}

// Deactivate выключает подписку отменённой транзакции
func (s *Service) Deactivate(ctx context.Context, transactionID int64) (*models.Subscription, error) {
	sub, err := s.subRepo.DeactivateByTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if sub != nil {
		logger.Info("🔕 [Subscription] Подписка %d отключена после отмены оплаты", sub.ID)
	}
	return sub, nil
}

// Active возвращает активную подписку пользователя или nil
func (s *Service) Active(ctx context.Context, userID int64) (*models.Subscription, error) {
	return s.subRepo.GetActiveByUser(ctx, userID)
}

// ProcessReminders отправляет напоминания о скором окончании.
// Если пройдено несколько порогов сразу, уходит одно сообщение по ближайшему,
// а отмечаются все пройденные.
func (s *Service) ProcessReminders(ctx context.Context, batch int) (int, error) {
	now := s.now()
	horizon := now.AddDate(0, 0, maxThreshold())

	subs, err := s.subRepo.ListExpiring(ctx, horizon, batch)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, sub := range subs {
		if sub.IsExpired(now) {
			continue
		}
		crossed := crossedThresholds(sub, now)
		if len(crossed) == 0 {
			continue
		}

		if err := s.remind(ctx, sub, crossed[0]); err != nil {
			logger.Warn("⚠️ [Subscription] Напоминание по подписке %d не отправлено: %v", sub.ID, err)
			continue
		}
		if _, err := s.subRepo.MarkRemindersSent(ctx, sub.ID, crossed); err != nil {
			logger.Error("❌ [Subscription] Не удалось отметить напоминания подписки %d: %v", sub.ID, err)
			continue
		}
		sent++
	}
	return sent, nil
}

// ProcessExpired закрывает доступ по истёкшим подпискам.
// Подписка отмечается обработанной только после успешного исключения из канала.
func (s *Service) ProcessExpired(ctx context.Context, batch int) (int, error) {
	subs, err := s.subRepo.ListExpiredUnhandled(ctx, s.now(), batch)
	if err != nil {
		return 0, err
	}

	handled := 0
	for _, sub := range subs {
		if err := s.expire(ctx, sub); err != nil {
			logger.Warn("⚠️ [Subscription] Подписка %d не закрыта: %v", sub.ID, err)
			continue
		}
		handled++
	}
	return handled, nil
}

func (s *Service) expire(ctx context.Context, sub *models.Subscription) error {
	u, err := s.userRepo.FindByID(ctx, sub.UserID)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("пользователь %d не найден", sub.UserID)
	}

	if err := s.access.Revoke(ctx, u.TelegramID); err != nil {
		return err
	}

	ok, err := s.subRepo.MarkExpired(ctx, sub.ID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	if err := s.paid.MarkUnpaid(ctx, u.ID); err != nil {
		logger.Warn("⚠️ [Subscription] Не удалось снять оплату с %d: %v", u.TelegramID, err)
	}
	if err := s.sender.SendMessage(ctx, u.TelegramID, expiredMessage()); err != nil {
		logger.Warn("⚠️ [Subscription] Уведомление об окончании %d не доставлено: %v", u.TelegramID, err)
	}

	logger.Info("⌛ [Subscription] Подписка %d истекла, доступ закрыт", sub.ID)
	return nil
}

func (s *Service) remind(ctx context.Context, sub *models.Subscription, days int) error {
	u, err := s.userRepo.FindByID(ctx, sub.UserID)
	if err != nil {
		return err
	}
	if u == nil {
		return fmt.Errorf("пользователь %d не найден", sub.UserID)
	}
	return s.sender.SendMessage(ctx, u.TelegramID, reminderMessage(days, sub.EndDate))
}

// crossedThresholds - пороги, до которых осталось не больше N дней и
// напоминание по которым ещё не отправлено; по возрастанию
func crossedThresholds(sub *models.Subscription, now time.Time) []int {
	left := sub.EndDate.Sub(now)
	var crossed []int
	for _, days := range models.ReminderThresholds {
		if left <= time.Duration(days)*24*time.Hour && !sub.ReminderSent(days) {
			crossed = append(crossed, days)
		}
	}
	sort.Ints(crossed)
	return crossed
}

func maxThreshold() int {
	max := 0
	for _, d := range models.ReminderThresholds {
		if d > max {
			max = d
		}
	}
	return max
}
