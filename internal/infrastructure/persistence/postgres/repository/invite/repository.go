// internal/infrastructure/persistence/postgres/repository/invite/repository.go
package invite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"

	"github.com/jmoiron/sqlx"
)

const inviteColumns = `id, user_id, subscription_id, link, is_used, expires_at, created_at, used_at`

// InviteRepository - пригласительные ссылки, одна на подписку
type InviteRepository interface {
	GetBySubscription(ctx context.Context, subscriptionID int64) (*models.InviteLink, error)
	// CreateIfAbsent сохраняет ссылку; при существующей для подписки возвращает её и false
	CreateIfAbsent(ctx context.Context, invite *models.InviteLink) (*models.InviteLink, bool, error)
	// Rotate заменяет неиспользованную ссылку новой
	Rotate(ctx context.Context, id int64, oldLink, newLink string, expiresAt time.Time) (bool, error)
	MarkUsed(ctx context.Context, link string, at time.Time) (*models.InviteLink, error)
}

type inviteRepositoryImpl struct {
	db *sqlx.DB
}

func NewInviteRepository(db *sqlx.DB) InviteRepository {
	return &inviteRepositoryImpl{db: db}
}

func (r *inviteRepositoryImpl) GetBySubscription(ctx context.Context, subscriptionID int64) (*models.InviteLink, error) {
	var inv models.InviteLink
	err := r.db.GetContext(ctx, &inv, `SELECT `+inviteColumns+` FROM invite_links WHERE subscription_id = $1`, subscriptionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка получения приглашения: %w", err)
	}
	return &inv, nil
}

func (r *inviteRepositoryImpl) CreateIfAbsent(ctx context.Context, inv *models.InviteLink) (*models.InviteLink, bool, error) {
	var created models.InviteLink
	err := r.db.QueryRowxContext(ctx, `
		INSERT INTO invite_links (user_id, subscription_id, link, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (subscription_id) DO NOTHING
		RETURNING `+inviteColumns,
		inv.UserID, inv.SubscriptionID, inv.Link, inv.ExpiresAt).StructScan(&created)
	if err == nil {
		return &created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("ошибка сохранения приглашения: %w", err)
	}

	existing, err := r.GetBySubscription(ctx, inv.SubscriptionID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *inviteRepositoryImpl) Rotate(ctx context.Context, id int64, oldLink, newLink string, expiresAt time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE invite_links SET link = $3, expires_at = $4, created_at = NOW()
		WHERE id = $1 AND link = $2 AND NOT is_used`, id, oldLink, newLink, expiresAt)
	if err != nil {
		return false, fmt.Errorf("ошибка замены приглашения: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *inviteRepositoryImpl) MarkUsed(ctx context.Context, link string, at time.Time) (*models.InviteLink, error) {
	var inv models.InviteLink
	err := r.db.GetContext(ctx, &inv, `
		UPDATE invite_links SET is_used = TRUE, used_at = $2
		WHERE link = $1 AND NOT is_used
		RETURNING `+inviteColumns, link, at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка отметки приглашения: %w", err)
	}
	return &inv, nil
}
