// internal/infrastructure/persistence/postgres/repository/subscription/repository.go
package subscription

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"

	"github.com/jmoiron/sqlx"
)

const subColumns = `id, user_id, transaction_id, plan_id, start_date, end_date, is_active,
	reminder_5d_sent, reminder_3d_sent, reminder_1d_sent, expiry_handled, created_at, updated_at`

// ErrTransactionNotPerformed - транзакция не в состоянии "проведена"
var ErrTransactionNotPerformed = errors.New("транзакция не проведена")

// SubscriptionRepository интерфейс репозитория подписок
type SubscriptionRepository interface {
	// Activate создает подписку по транзакции и деактивирует прежнюю активную.
	// Повторный вызов для той же транзакции возвращает существующую подписку и false.
	Activate(ctx context.Context, params models.ActivateParams) (*models.Subscription, bool, error)
	GetByID(ctx context.Context, id int64) (*models.Subscription, error)
	GetByTransactionID(ctx context.Context, transactionID int64) (*models.Subscription, error)
	GetActiveByUser(ctx context.Context, userID int64) (*models.Subscription, error)

	// ListExpiring - активные подписки, заканчивающиеся до before
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]*models.Subscription, error)
	// ListExpiredUnhandled - активные подписки с прошедшим end_date
	ListExpiredUnhandled(ctx context.Context, now time.Time, limit int) ([]*models.Subscription, error)
	ListActiveWithoutInvite(ctx context.Context, limit int) ([]*models.Subscription, error)

	MarkRemindersSent(ctx context.Context, id int64, thresholds []int) (bool, error)
	MarkExpired(ctx context.Context, id int64) (bool, error)
	DeactivateByTransaction(ctx context.Context, transactionID int64) (*models.Subscription, error)
	CountActive(ctx context.Context) (int, error)
}

type subscriptionRepositoryImpl struct {
	db *sqlx.DB
}

// NewSubscriptionRepository создает новый репозиторий подписок
func NewSubscriptionRepository(db *sqlx.DB) SubscriptionRepository {
	return &subscriptionRepositoryImpl{db: db}
}

func (r *subscriptionRepositoryImpl) Activate(ctx context.Context, p models.ActivateParams) (*models.Subscription, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback()

	// Блокируем строку пользователя: активации одного пользователя идут по очереди
	if _, err := tx.ExecContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, p.UserID); err != nil {
		return nil, false, fmt.Errorf("ошибка блокировки пользователя: %w", err)
	}

	// Блокируем транзакцию: отмена после проведения дождётся фиксации подписки,
	// а уже отменённая транзакция подписку не получит
	var state models.TxState
	err = tx.GetContext(ctx, &state, `SELECT state FROM transactions WHERE id = $1 FOR UPDATE`, p.TransactionID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, ErrTransactionNotPerformed
	case err != nil:
		return nil, false, fmt.Errorf("ошибка блокировки транзакции: %w", err)
	case state != models.TxPerformed:
		return nil, false, ErrTransactionNotPerformed
	}

	var existing models.Subscription
	err = tx.GetContext(ctx, &existing, `SELECT `+subColumns+` FROM subscriptions WHERE transaction_id = $1`, p.TransactionID)
	if err == nil {
		return &existing, false, tx.Commit()
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("ошибка поиска подписки по транзакции: %w", err)
	}

	var priorEnd *time.Time
	var end time.Time
	err = tx.QueryRowxContext(ctx, `
		UPDATE subscriptions SET is_active = FALSE, updated_at = NOW()
		WHERE user_id = $1 AND is_active
		RETURNING end_date`, p.UserID).Scan(&end)
	switch {
	case err == nil:
		priorEnd = &end
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, false, fmt.Errorf("ошибка деактивации прежней подписки: %w", err)
	}

	start, endDate := models.SubscriptionPeriod(p.Now, priorEnd, p.DurationDays)

	var created models.Subscription
	err = tx.QueryRowxContext(ctx, `
		INSERT INTO subscriptions (user_id, transaction_id, plan_id, start_date, end_date, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)
		RETURNING `+subColumns,
		p.UserID, p.TransactionID, p.PlanID, start, endDate).StructScan(&created)
	if err != nil {
		return nil, false, fmt.Errorf("ошибка создания подписки: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("ошибка фиксации подписки: %w", err)
	}
	return &created, true, nil
}

func (r *subscriptionRepositoryImpl) GetByID(ctx context.Context, id int64) (*models.Subscription, error) {
	return r.getOne(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE id = $1`, id)
}

func (r *subscriptionRepositoryImpl) GetByTransactionID(ctx context.Context, transactionID int64) (*models.Subscription, error) {
	return r.getOne(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE transaction_id = $1`, transactionID)
}

func (r *subscriptionRepositoryImpl) GetActiveByUser(ctx context.Context, userID int64) (*models.Subscription, error) {
	return r.getOne(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE user_id = $1 AND is_active`, userID)
}

func (r *subscriptionRepositoryImpl) getOne(ctx context.Context, query string, arg interface{}) (*models.Subscription, error) {
	var s models.Subscription
	if err := r.db.GetContext(ctx, &s, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка получения подписки: %w", err)
	}
	return &s, nil
}

func (r *subscriptionRepositoryImpl) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*models.Subscription, error) {
	return r.list(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE is_active AND NOT expiry_handled AND end_date <= $1
		  AND NOT (reminder_5d_sent AND reminder_3d_sent AND reminder_1d_sent)
		ORDER BY end_date
		LIMIT $2`, before, limit)
}

func (r *subscriptionRepositoryImpl) ListExpiredUnhandled(ctx context.Context, now time.Time, limit int) ([]*models.Subscription, error) {
	return r.list(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE is_active AND NOT expiry_handled AND end_date <= $1
		ORDER BY end_date
		LIMIT $2`, now, limit)
}

func (r *subscriptionRepositoryImpl) ListActiveWithoutInvite(ctx context.Context, limit int) ([]*models.Subscription, error) {
	return r.list(ctx, `
		SELECT `+subColumns+` FROM subscriptions s
		WHERE s.is_active
		  AND NOT EXISTS (SELECT 1 FROM invite_links i WHERE i.subscription_id = s.id)
		ORDER BY s.created_at
		LIMIT $1`, limit)
}

func (r *subscriptionRepositoryImpl) list(ctx context.Context, query string, args ...interface{}) ([]*models.Subscription, error) {
	var subs []*models.Subscription
	if err := r.db.SelectContext(ctx, &subs, query, args...); err != nil {
		return nil, fmt.Errorf("ошибка получения подписок: %w", err)
	}
	return subs, nil
}

// MarkRemindersSent выставляет флаги порогов; false, если все они уже стояли
func (r *subscriptionRepositoryImpl) MarkRemindersSent(ctx context.Context, id int64, thresholds []int) (bool, error) {
	var r5, r3, r1 bool
	for _, d := range thresholds {
		switch d {
		case 5:
			r5 = true
		case 3:
			r3 = true
		case 1:
			r1 = true
		}
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET reminder_5d_sent = reminder_5d_sent OR $2,
			reminder_3d_sent = reminder_3d_sent OR $3,
			reminder_1d_sent = reminder_1d_sent OR $4,
			updated_at = NOW()
		WHERE id = $1
		  AND (($2 AND NOT reminder_5d_sent) OR ($3 AND NOT reminder_3d_sent) OR ($4 AND NOT reminder_1d_sent))`,
		id, r5, r3, r1)
	if err != nil {
		return false, fmt.Errorf("ошибка отметки напоминаний: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *subscriptionRepositoryImpl) MarkExpired(ctx context.Context, id int64) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET is_active = FALSE, expiry_handled = TRUE, updated_at = NOW()
		WHERE id = $1 AND NOT expiry_handled`, id)
	if err != nil {
		return false, fmt.Errorf("ошибка отметки истечения подписки: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *subscriptionRepositoryImpl) DeactivateByTransaction(ctx context.Context, transactionID int64) (*models.Subscription, error) {
	var s models.Subscription
	err := r.db.GetContext(ctx, &s, `
		UPDATE subscriptions SET is_active = FALSE, updated_at = NOW()
		WHERE transaction_id = $1
		RETURNING `+subColumns, transactionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка деактивации подписки: %w", err)
	}
	return &s, nil
}

func (r *subscriptionRepositoryImpl) CountActive(ctx context.Context) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM subscriptions WHERE is_active`); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта подписок: %w", err)
	}
	return n, nil
}
