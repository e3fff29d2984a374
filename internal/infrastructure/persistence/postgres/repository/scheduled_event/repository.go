// internal/infrastructure/persistence/postgres/repository/scheduled_event/repository.go
package scheduled_event

import (
	"context"
	"fmt"
	"time"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const eventColumns = `id, user_id, event_type, scheduled_at, payload, sent, sent_at, cancelled,
	attempts, last_error, dead, created_at`

// EventRepository - очередь отложенных событий
type EventRepository interface {
	Create(ctx context.Context, event *models.ScheduledEvent) error
	// ListDue возвращает неотправленные события со scheduled_at <= now
	ListDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledEvent, error)
	// MarkSent переводит sent false -> true; повторный вызов возвращает false
	MarkSent(ctx context.Context, id int64, at time.Time) (bool, error)
	// RecordFailure увеличивает attempts; при достижении maxAttempts (>0) событие становится dead
	RecordFailure(ctx context.Context, id int64, errMsg string, maxAttempts int) (bool, error)
	// CancelPending отменяет ожидающие события пользователя указанных типов (все при пустом списке)
	CancelPending(ctx context.Context, userID int64, eventTypes []string) (int64, error)
	ListPendingByUser(ctx context.Context, userID int64) ([]*models.ScheduledEvent, error)
}

type eventRepositoryImpl struct {
	db *sqlx.DB
}

// NewEventRepository создает новый репозиторий событий
func NewEventRepository(db *sqlx.DB) EventRepository {
	return &eventRepositoryImpl{db: db}
}

func (r *eventRepositoryImpl) Create(ctx context.Context, e *models.ScheduledEvent) error {
	query := `
	INSERT INTO scheduled_events (user_id, event_type, scheduled_at, payload)
	VALUES ($1, $2, $3, $4)
	RETURNING id, created_at`

	err := r.db.QueryRowxContext(ctx, query, e.UserID, e.EventType, e.ScheduledAt, e.Payload).
		Scan(&e.ID, &e.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка создания события %s: %w", e.EventType, err)
	}
	return nil
}

func (r *eventRepositoryImpl) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledEvent, error) {
	var events []*models.ScheduledEvent
	err := r.db.SelectContext(ctx, &events, `
		SELECT `+eventColumns+` FROM scheduled_events
		WHERE NOT sent AND NOT cancelled AND NOT dead AND scheduled_at <= $1
		ORDER BY scheduled_at, id
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка выборки событий: %w", err)
	}
	return events, nil
}

func (r *eventRepositoryImpl) MarkSent(ctx context.Context, id int64, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE scheduled_events SET sent = TRUE, sent_at = $2
		WHERE id = $1 AND NOT sent`, id, at)
	if err != nil {
		return false, fmt.Errorf("ошибка отметки события %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

func (r *eventRepositoryImpl) RecordFailure(ctx context.Context, id int64, errMsg string, maxAttempts int) (bool, error) {
	var dead bool
	err := r.db.QueryRowxContext(ctx, `
		UPDATE scheduled_events
		SET attempts = attempts + 1,
			last_error = $2,
			dead = ($3 > 0 AND attempts + 1 >= $3)
		WHERE id = $1 AND NOT sent
		RETURNING dead`, id, errMsg, maxAttempts).Scan(&dead)
	if err != nil {
		return false, fmt.Errorf("ошибка записи неудачи события %d: %w", id, err)
	}
	return dead, nil
}

func (r *eventRepositoryImpl) CancelPending(ctx context.Context, userID int64, eventTypes []string) (int64, error) {
	query := `UPDATE scheduled_events SET cancelled = TRUE
		WHERE user_id = $1 AND NOT sent AND NOT cancelled`
	args := []interface{}{userID}
	if len(eventTypes) > 0 {
		query += ` AND event_type = ANY($2)`
		args = append(args, pq.Array(eventTypes))
	}

	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("ошибка отмены событий пользователя %d: %w", userID, err)
	}
	return result.RowsAffected()
}

func (r *eventRepositoryImpl) ListPendingByUser(ctx context.Context, userID int64) ([]*models.ScheduledEvent, error) {
	var events []*models.ScheduledEvent
	err := r.db.SelectContext(ctx, &events, `
		SELECT `+eventColumns+` FROM scheduled_events
		WHERE user_id = $1 AND NOT sent AND NOT cancelled AND NOT dead
		ORDER BY scheduled_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения событий пользователя: %w", err)
	}
	return events, nil
}
