// internal/infrastructure/persistence/postgres/repository/plan/repository.go
package plan

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"

	"github.com/jmoiron/sqlx"
)

const planColumns = `id, code, name, duration_days, price, discount_percent, is_active, created_at`

// PlanRepository - каталог тарифов
type PlanRepository interface {
	GetByID(ctx context.Context, id int64) (*models.Plan, error)
	GetByCode(ctx context.Context, code string) (*models.Plan, error)
	ListActive(ctx context.Context) ([]*models.Plan, error)
}

type planRepositoryImpl struct {
	db *sqlx.DB
}

func NewPlanRepository(db *sqlx.DB) PlanRepository {
	return &planRepositoryImpl{db: db}
}

func (r *planRepositoryImpl) GetByID(ctx context.Context, id int64) (*models.Plan, error) {
	return r.getOne(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id)
}

func (r *planRepositoryImpl) GetByCode(ctx context.Context, code string) (*models.Plan, error) {
	return r.getOne(ctx, `SELECT `+planColumns+` FROM plans WHERE code = $1`, code)
}

func (r *planRepositoryImpl) getOne(ctx context.Context, query string, arg interface{}) (*models.Plan, error) {
	var p models.Plan
	if err := r.db.GetContext(ctx, &p, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка получения тарифа: %w", err)
	}
	return &p, nil
}

func (r *planRepositoryImpl) ListActive(ctx context.Context) ([]*models.Plan, error) {
	var plans []*models.Plan
	err := r.db.SelectContext(ctx, &plans,
		`SELECT `+planColumns+` FROM plans WHERE is_active ORDER BY duration_days`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения тарифов: %w", err)
	}
	return plans, nil
}
