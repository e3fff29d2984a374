// internal/infrastructure/persistence/postgres/repository/answer/repository.go
package answer

import (
	"context"
	"fmt"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"

	"github.com/jmoiron/sqlx"
)

// AnswerRepository хранит ответы на квалифицирующие вопросы (только добавление)
type AnswerRepository interface {
	Save(ctx context.Context, answer *models.CustDevAnswer) error
	ListByUser(ctx context.Context, userID int64) ([]*models.CustDevAnswer, error)
}

type answerRepositoryImpl struct {
	db *sqlx.DB
}

func NewAnswerRepository(db *sqlx.DB) AnswerRepository {
	return &answerRepositoryImpl{db: db}
}

func (r *answerRepositoryImpl) Save(ctx context.Context, a *models.CustDevAnswer) error {
	query := `
	INSERT INTO custdev_answers (user_id, funnel_id, lesson, step, answer)
	VALUES ($1, $2, $3, $4, $5)
	RETURNING id, created_at`

	err := r.db.QueryRowxContext(ctx, query, a.UserID, a.FunnelID, a.Lesson, a.Step, a.Answer).
		Scan(&a.ID, &a.CreatedAt)
	if err != nil {
		return fmt.Errorf("ошибка сохранения ответа: %w", err)
	}
	return nil
}

func (r *answerRepositoryImpl) ListByUser(ctx context.Context, userID int64) ([]*models.CustDevAnswer, error) {
	var answers []*models.CustDevAnswer
	err := r.db.SelectContext(ctx, &answers, `
		SELECT id, user_id, funnel_id, lesson, step, answer, created_at
		FROM custdev_answers WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения ответов: %w", err)
	}
	return answers, nil
}
