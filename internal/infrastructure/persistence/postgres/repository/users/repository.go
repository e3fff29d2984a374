// internal/infrastructure/persistence/postgres/repository/users/repository.go
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"

	"github.com/jmoiron/sqlx"
)

const userColumns = `id, telegram_id, username, first_name, full_name, phone, funnel_id,
	stage_kind, stage_lesson, stage_step, profile, is_paid, is_blocked, created_at, updated_at`

// UserRepository интерфейс репозитория пользователей
type UserRepository interface {
	// GetOrCreate находит пользователя по telegram_id или создает нового
	GetOrCreate(ctx context.Context, user *models.User) (*models.User, bool, error)
	FindByID(ctx context.Context, id int64) (*models.User, error)
	FindByTelegramID(ctx context.Context, telegramID int64) (*models.User, error)

	// CompareAndSetStage меняет позицию, только если текущая равна from
	CompareAndSetStage(ctx context.Context, userID int64, from, to models.Stage) (bool, error)
	// SaveName сохраняет имя при позиции awaiting_name и переводит в next
	SaveName(ctx context.Context, userID int64, name string, next models.Stage) (bool, error)
	// SavePhone сохраняет телефон при позиции awaiting_phone и переводит в next
	SavePhone(ctx context.Context, userID int64, phone string, next models.Stage) (bool, error)
	SetProfileField(ctx context.Context, userID int64, key, value string) error

	// AssignFunnel закрывает текущее назначение и открывает новое
	AssignFunnel(ctx context.Context, userID, funnelID int64, stage models.Stage) error
	ActiveProgress(ctx context.Context, userID int64) (*models.UserFunnelProgress, error)

	SetPaid(ctx context.Context, userID int64, paid bool) error
	SetBlocked(ctx context.Context, userID int64, blocked bool) error

	// CountByStage - число пользователей по видам позиции
	CountByStage(ctx context.Context) (map[models.StageKind]int, error)
}

// userRepositoryImpl реализация UserRepository
type userRepositoryImpl struct {
	db *sqlx.DB
}

// NewUserRepository создает новый репозиторий пользователей
func NewUserRepository(db *sqlx.DB) UserRepository {
	return &userRepositoryImpl{db: db}
}

func (r *userRepositoryImpl) GetOrCreate(ctx context.Context, user *models.User) (*models.User, bool, error) {
	// xmax = 0 только у только что вставленной строки
	query := `
	INSERT INTO users (telegram_id, username, first_name, stage_kind, stage_lesson, stage_step)
	VALUES ($1, $2, $3, $4, 0, 0)
	ON CONFLICT (telegram_id) DO UPDATE
		SET username = EXCLUDED.username,
			first_name = EXCLUDED.first_name,
			updated_at = NOW()
	RETURNING ` + userColumns + `, (xmax = 0) AS inserted`

	var row struct {
		models.User
		Inserted bool `db:"inserted"`
	}
	err := r.db.QueryRowxContext(ctx, query,
		user.TelegramID, user.Username, user.FirstName, models.StageAwaitingName,
	).StructScan(&row)
	if err != nil {
		return nil, false, fmt.Errorf("ошибка создания пользователя: %w", err)
	}

	u := row.User
	return &u, row.Inserted, nil
}

func (r *userRepositoryImpl) FindByID(ctx context.Context, id int64) (*models.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r *userRepositoryImpl) FindByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	return r.findOne(ctx, `SELECT `+userColumns+` FROM users WHERE telegram_id = $1`, telegramID)
}

func (r *userRepositoryImpl) findOne(ctx context.Context, query string, arg interface{}) (*models.User, error) {
	var user models.User
	if err := r.db.GetContext(ctx, &user, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка получения пользователя: %w", err)
	}
	return &user, nil
}

func (r *userRepositoryImpl) CompareAndSetStage(ctx context.Context, userID int64, from, to models.Stage) (bool, error) {
	query := `
	UPDATE users
	SET stage_kind = $2, stage_lesson = $3, stage_step = $4, updated_at = NOW()
	WHERE id = $1 AND stage_kind = $5 AND stage_lesson = $6 AND stage_step = $7`

	result, err := r.db.ExecContext(ctx, query,
		userID, to.Kind, to.Lesson, to.Step, from.Kind, from.Lesson, from.Step)
	if err != nil {
		return false, fmt.Errorf("ошибка смены позиции пользователя: %w", err)
	}
	return affected(result)
}

func (r *userRepositoryImpl) SaveName(ctx context.Context, userID int64, name string, next models.Stage) (bool, error) {
	query := `
	UPDATE users
	SET full_name = $2, stage_kind = $3, stage_lesson = $4, stage_step = $5, updated_at = NOW()
	WHERE id = $1 AND stage_kind = $6`

	result, err := r.db.ExecContext(ctx, query,
		userID, name, next.Kind, next.Lesson, next.Step, models.StageAwaitingName)
	if err != nil {
		return false, fmt.Errorf("ошибка сохранения имени: %w", err)
	}
	return affected(result)
}

func (r *userRepositoryImpl) SavePhone(ctx context.Context, userID int64, phone string, next models.Stage) (bool, error) {
	query := `
	UPDATE users
	SET phone = $2, stage_kind = $3, stage_lesson = $4, stage_step = $5, updated_at = NOW()
	WHERE id = $1 AND stage_kind = $6`

	result, err := r.db.ExecContext(ctx, query,
		userID, phone, next.Kind, next.Lesson, next.Step, models.StageAwaitingPhone)
	if err != nil {
		return false, fmt.Errorf("ошибка сохранения телефона: %w", err)
	}
	return affected(result)
}

func (r *userRepositoryImpl) SetProfileField(ctx context.Context, userID int64, key, value string) error {
	query := `
	UPDATE users
	SET profile = profile || jsonb_build_object($2::text, $3::text), updated_at = NOW()
	WHERE id = $1`

	if _, err := r.db.ExecContext(ctx, query, userID, key, value); err != nil {
		return fmt.Errorf("ошибка записи поля профиля %s: %w", key, err)
	}
	return nil
}

func (r *userRepositoryImpl) AssignFunnel(ctx context.Context, userID, funnelID int64, stage models.Stage) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `
		UPDATE user_funnel_progress SET is_active = FALSE, ended_at = $2
		WHERE user_id = $1 AND is_active`, userID, now); err != nil {
		return fmt.Errorf("ошибка закрытия назначения воронки: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO user_funnel_progress (user_id, funnel_id, is_active, started_at)
		VALUES ($1, $2, TRUE, $3)`, userID, funnelID, now); err != nil {
		return fmt.Errorf("ошибка назначения воронки: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE users
		SET funnel_id = $2, stage_kind = $3, stage_lesson = $4, stage_step = $5, updated_at = NOW()
		WHERE id = $1`, userID, funnelID, stage.Kind, stage.Lesson, stage.Step); err != nil {
		return fmt.Errorf("ошибка обновления воронки пользователя: %w", err)
	}

	return tx.Commit()
}

func (r *userRepositoryImpl) ActiveProgress(ctx context.Context, userID int64) (*models.UserFunnelProgress, error) {
	var p models.UserFunnelProgress
	err := r.db.GetContext(ctx, &p, `
		SELECT id, user_id, funnel_id, is_active, started_at, ended_at
		FROM user_funnel_progress WHERE user_id = $1 AND is_active`, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка получения назначения воронки: %w", err)
	}
	return &p, nil
}

func (r *userRepositoryImpl) SetPaid(ctx context.Context, userID int64, paid bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET is_paid = $2, updated_at = NOW() WHERE id = $1`, userID, paid)
	if err != nil {
		return fmt.Errorf("ошибка обновления статуса оплаты: %w", err)
	}
	return nil
}

func (r *userRepositoryImpl) SetBlocked(ctx context.Context, userID int64, blocked bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE users SET is_blocked = $2, updated_at = NOW() WHERE id = $1`, userID, blocked)
	if err != nil {
		return fmt.Errorf("ошибка обновления блокировки: %w", err)
	}
	return nil
}

func (r *userRepositoryImpl) CountByStage(ctx context.Context) (map[models.StageKind]int, error) {
	var rows []struct {
		Kind  models.StageKind `db:"stage_kind"`
		Count int              `db:"count"`
	}
	err := r.db.SelectContext(ctx, &rows,
		`SELECT stage_kind, COUNT(*) AS count FROM users GROUP BY stage_kind`)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта пользователей: %w", err)
	}

	counts := make(map[models.StageKind]int, len(rows))
	for _, row := range rows {
		counts[row.Kind] = row.Count
	}
	return counts, nil
}

func affected(result sql.Result) (bool, error) {
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ошибка получения количества строк: %w", err)
	}
	return rows > 0, nil
}
