// application/services/fulfilment/service.go
package fulfilment

import (
	"context"
	"errors"
	"fmt"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	payment_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/payment"
	subscription_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/subscription"
	users_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/users"
	"course-funnel-bot/internal/types/messaging"
	"course-funnel-bot/pkg/logger"
)

// Subscriptions - операции с подписками, нужные выдаче доступа
type Subscriptions interface {
	Activate(ctx context.Context, tx *models.Transaction) (*models.Subscription, bool, error)
	Deactivate(ctx context.Context, transactionID int64) (*models.Subscription, error)
	Active(ctx context.Context, userID int64) (*models.Subscription, error)
}

// Access - выдача и отзыв доступа к каналу
type Access interface {
	IssueInvite(ctx context.Context, sub *models.Subscription) (*models.InviteLink, bool, error)
	InviteOrFallback(ctx context.Context, sub *models.Subscription) (string, bool, error)
	Revoke(ctx context.Context, telegramID int64) error
}

// Funnel - отметка оплаты в воронке
type Funnel interface {
	MarkPaid(ctx context.Context, userID int64) error
	MarkUnpaid(ctx context.Context, userID int64) error
}

// Dependencies зависимости сервиса выдачи доступа
type Dependencies struct {
	Subscriptions    Subscriptions
	SubscriptionRepo subscription_repo.SubscriptionRepository
	Transactions     payment_repo.TransactionRepository
	Users            users_repo.UserRepository
	Access           Access
	Funnel           Funnel
	Sender           messaging.Sender
}

// Service связывает проведённую оплату с подпиской, приглашением и воронкой.
// Все шаги идемпотентны: подписка привязана к транзакции, приглашение к подписке.
type Service struct {
	deps Dependencies
}

// NewService создает сервис выдачи доступа
func NewService(deps Dependencies) *Service {
	return &Service{deps: deps}
}

// Fulfil выдаёт доступ по проведённой транзакции. Пользователь получает
// сообщение только если подписка или приглашение созданы этим вызовом.
func (s *Service) Fulfil(ctx context.Context, tx *models.Transaction) error {
	sub, created, err := s.deps.Subscriptions.Activate(ctx, tx)
	if errors.Is(err, subscription_repo.ErrTransactionNotPerformed) {
		logger.Warn("⚠️ [Fulfilment] Транзакция %d больше не проведена, доступ не выдаётся", tx.ID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("ошибка активации подписки: %w", err)
	}
	if !sub.IsActive {
		logger.Debug("[Fulfilment] Подписка по транзакции %d уже неактивна", tx.ID)
		return nil
	}

	u, err := s.user(ctx, tx.UserID)
	if err != nil {
		return err
	}

	link, fresh, inviteErr := s.deps.Access.InviteOrFallback(ctx, sub)
	if inviteErr != nil {
		logger.Warn("⚠️ [Fulfilment] Приглашение по подписке %d не выдано: %v", sub.ID, inviteErr)
	}

	if err := s.deps.Funnel.MarkPaid(ctx, u.ID); err != nil {
		return fmt.Errorf("ошибка отметки оплаты: %w", err)
	}

	if created || fresh {
		s.notify(ctx, u.TelegramID, paidMessage(sub, link))
	}
	if created {
		logger.Info("🎉 [Fulfilment] Доступ выдан пользователю %d (транзакция %d)", u.TelegramID, tx.ID)
	}
	return inviteErr
}

// Revoke забирает доступ после отмены проведённой транзакции
func (s *Service) Revoke(ctx context.Context, tx *models.Transaction) error {
	sub, err := s.deps.Subscriptions.Deactivate(ctx, tx.ID)
	if err != nil {
		return fmt.Errorf("ошибка отключения подписки: %w", err)
	}
	if sub == nil {
		return nil
	}

	// у пользователя может быть более поздняя подписка по другой оплате
	active, err := s.deps.Subscriptions.Active(ctx, tx.UserID)
	if err != nil {
		return err
	}
	if active != nil {
		logger.Info("ℹ️ [Fulfilment] У пользователя %d осталась подписка %d, доступ сохранён", tx.UserID, active.ID)
		return nil
	}

	u, err := s.user(ctx, tx.UserID)
	if err != nil {
		return err
	}
	if err := s.deps.Access.Revoke(ctx, u.TelegramID); err != nil {
		logger.Warn("⚠️ [Fulfilment] Не удалось исключить %d из канала: %v", u.TelegramID, err)
	}
	if err := s.deps.Funnel.MarkUnpaid(ctx, u.ID); err != nil {
		return fmt.Errorf("ошибка снятия оплаты: %w", err)
	}
	s.notify(ctx, u.TelegramID, refundMessage())

	logger.Info("↩️ [Fulfilment] Доступ пользователя %d отозван после отмены транзакции %d", u.TelegramID, tx.ID)
	return nil
}

// Recover довыдаёт доступ, если процесс упал между оплатой и выдачей
func (s *Service) Recover(ctx context.Context, batch int) (int, error) {
	recovered := 0

	txs, err := s.deps.Transactions.ListPerformedWithoutSubscription(ctx, batch)
	if err != nil {
		return 0, err
	}
	for _, tx := range txs {
		if err := s.Fulfil(ctx, tx); err != nil {
			logger.Warn("⚠️ [Fulfilment] Повторная выдача по транзакции %d: %v", tx.ID, err)
			continue
		}
		recovered++
	}

	subs, err := s.deps.SubscriptionRepo.ListActiveWithoutInvite(ctx, batch)
	if err != nil {
		return recovered, err
	}
	for _, sub := range subs {
		inv, fresh, err := s.deps.Access.IssueInvite(ctx, sub)
		if err != nil {
			logger.Warn("⚠️ [Fulfilment] Приглашение по подписке %d снова не выдано: %v", sub.ID, err)
			continue
		}
		if !fresh {
			continue
		}
		u, err := s.user(ctx, sub.UserID)
		if err != nil {
			logger.Warn("⚠️ [Fulfilment] %v", err)
			continue
		}
		s.notify(ctx, u.TelegramID, inviteMessage(inv.Link))
		recovered++
	}

	if recovered > 0 {
		logger.Info("🩹 [Fulfilment] Восстановлено выдач: %d", recovered)
	}
	return recovered, nil
}

func (s *Service) user(ctx context.Context, userID int64) (*models.User, error) {
	u, err := s.deps.Users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки пользователя %d: %w", userID, err)
	}
	if u == nil {
		return nil, fmt.Errorf("пользователь %d не найден", userID)
	}
	return u, nil
}

func (s *Service) notify(ctx context.Context, chatID int64, msg messaging.Message) {
	if err := s.deps.Sender.SendMessage(ctx, chatID, msg); err != nil {
		logger.Warn("⚠️ [Fulfilment] Сообщение %d не доставлено: %v", chatID, err)
	}
}
