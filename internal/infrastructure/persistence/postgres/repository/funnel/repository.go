// internal/infrastructure/persistence/postgres/repository/funnel/repository.go
package funnel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"

	"github.com/jmoiron/sqlx"
)

const funnelColumns = `id, slug, name, version, is_default, definition, created_at, updated_at`

// FunnelRepository интерфейс репозитория воронок
type FunnelRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Funnel, error)
	GetBySlug(ctx context.Context, slug string) (*models.Funnel, error)
	GetDefault(ctx context.Context) (*models.Funnel, error)
	List(ctx context.Context) ([]*models.Funnel, error)
	// Upsert сохраняет определение; существующий slug получает новую версию
	Upsert(ctx context.Context, funnel *models.Funnel) error
	SetDefault(ctx context.Context, id int64) error
}

type funnelRepositoryImpl struct {
	db *sqlx.DB
}

// NewFunnelRepository создает новый репозиторий воронок
func NewFunnelRepository(db *sqlx.DB) FunnelRepository {
	return &funnelRepositoryImpl{db: db}
}

func (r *funnelRepositoryImpl) GetByID(ctx context.Context, id int64) (*models.Funnel, error) {
	return r.getOne(ctx, `SELECT `+funnelColumns+` FROM funnels WHERE id = $1`, id)
}

func (r *funnelRepositoryImpl) GetBySlug(ctx context.Context, slug string) (*models.Funnel, error) {
	return r.getOne(ctx, `SELECT `+funnelColumns+` FROM funnels WHERE slug = $1`, slug)
}

func (r *funnelRepositoryImpl) GetDefault(ctx context.Context) (*models.Funnel, error) {
	return r.getOne(ctx, `SELECT `+funnelColumns+` FROM funnels WHERE is_default`)
}

func (r *funnelRepositoryImpl) getOne(ctx context.Context, query string, args ...interface{}) (*models.Funnel, error) {
	var f models.Funnel
	if err := r.db.GetContext(ctx, &f, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка получения воронки: %w", err)
	}
	return &f, nil
}

func (r *funnelRepositoryImpl) List(ctx context.Context) ([]*models.Funnel, error) {
	var funnels []*models.Funnel
	if err := r.db.SelectContext(ctx, &funnels, `SELECT `+funnelColumns+` FROM funnels ORDER BY id`); err != nil {
		return nil, fmt.Errorf("ошибка получения списка воронок: %w", err)
	}
	return funnels, nil
}

func (r *funnelRepositoryImpl) Upsert(ctx context.Context, funnel *models.Funnel) error {
	query := `
	INSERT INTO funnels (slug, name, version, is_default, definition)
	VALUES ($1, $2, 1, FALSE, $3)
	ON CONFLICT (slug) DO UPDATE
		SET name = EXCLUDED.name,
			definition = EXCLUDED.definition,
			version = funnels.version + 1,
			updated_at = NOW()
	RETURNING id, version, is_default, created_at, updated_at`

	err := r.db.QueryRowxContext(ctx, query, funnel.Slug, funnel.Name, funnel.Definition).
		Scan(&funnel.ID, &funnel.Version, &funnel.IsDefault, &funnel.CreatedAt, &funnel.UpdatedAt)
	if err != nil {
		return fmt.Errorf("ошибка сохранения воронки %s: %w", funnel.Slug, err)
	}
	return nil
}

func (r *funnelRepositoryImpl) SetDefault(ctx context.Context, id int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE funnels SET is_default = FALSE WHERE is_default AND id <> $1`, id); err != nil {
		return fmt.Errorf("ошибка сброса воронки по умолчанию: %w", err)
	}

	result, err := tx.ExecContext(ctx, `UPDATE funnels SET is_default = TRUE, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка установки воронки по умолчанию: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("воронка %d не найдена", id)
	}

	return tx.Commit()
}
