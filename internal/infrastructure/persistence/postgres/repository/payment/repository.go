// internal/infrastructure/persistence/postgres/repository/payment/repository.go
package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

const txColumns = `id, order_id, user_id, plan_id, amount, gateway, gateway_tx_id, gateway_time,
	state, reason, create_time, perform_time, cancel_time, updated_at`

// TransactionRepository интерфейс репозитория транзакций.
// Все переходы состояния - одиночные условные UPDATE по текущему state.
type TransactionRepository interface {
	// CreateIfAbsent вставляет заказ; если order_id уже есть, возвращает существующий и false
	CreateIfAbsent(ctx context.Context, tx *models.Transaction) (*models.Transaction, bool, error)
	GetByID(ctx context.Context, id int64) (*models.Transaction, error)
	GetByOrderID(ctx context.Context, orderID string) (*models.Transaction, error)
	GetByGatewayTxID(ctx context.Context, gateway, gatewayTxID string) (*models.Transaction, error)

	MarkPending(ctx context.Context, orderID, gatewayTxID string, gatewayTime int64) (bool, error)
	MarkPerformed(ctx context.Context, orderID string, at time.Time) (bool, error)
	MarkCancelled(ctx context.Context, orderID string, reason int, at time.Time) (bool, error)
	MarkCancelledAfterPerform(ctx context.Context, orderID string, reason int, at time.Time) (bool, error)

	ListByGatewayPeriod(ctx context.Context, gateway string, from, to time.Time) ([]*models.Transaction, error)
	// ListPerformedWithoutSubscription - проведённые транзакции, по которым не выдан доступ
	ListPerformedWithoutSubscription(ctx context.Context, limit int) ([]*models.Transaction, error)
}

// transactionRepositoryImpl реализация TransactionRepository
type transactionRepositoryImpl struct {
	db *sqlx.DB
}

// NewTransactionRepository создает новый репозиторий транзакций
func NewTransactionRepository(db *sqlx.DB) TransactionRepository {
	return &transactionRepositoryImpl{db: db}
}

func (r *transactionRepositoryImpl) CreateIfAbsent(ctx context.Context, t *models.Transaction) (*models.Transaction, bool, error) {
	query := `
	INSERT INTO transactions (order_id, user_id, plan_id, amount, gateway, state, create_time)
	VALUES ($1, $2, $3, $4, $5, $6, $7)
	ON CONFLICT (order_id) DO NOTHING
	RETURNING ` + txColumns

	var created models.Transaction
	err := r.db.QueryRowxContext(ctx, query,
		t.OrderID, t.UserID, t.PlanID, t.Amount, t.Gateway, models.TxCreated, t.CreateTime,
	).StructScan(&created)
	if err == nil {
		return &created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("ошибка создания транзакции: %w", err)
	}

	existing, err := r.GetByOrderID(ctx, t.OrderID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("транзакция %s не найдена после конфликта", t.OrderID)
	}
	return existing, false, nil
}

func (r *transactionRepositoryImpl) GetByID(ctx context.Context, id int64) (*models.Transaction, error) {
	return r.getOne(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = $1`, id)
}

func (r *transactionRepositoryImpl) GetByOrderID(ctx context.Context, orderID string) (*models.Transaction, error) {
	return r.getOne(ctx, `SELECT `+txColumns+` FROM transactions WHERE order_id = $1`, orderID)
}

func (r *transactionRepositoryImpl) GetByGatewayTxID(ctx context.Context, gateway, gatewayTxID string) (*models.Transaction, error) {
	return r.getOne(ctx, `SELECT `+txColumns+` FROM transactions WHERE gateway = $1 AND gateway_tx_id = $2`,
		gateway, gatewayTxID)
}

func (r *transactionRepositoryImpl) getOne(ctx context.Context, query string, args ...interface{}) (*models.Transaction, error) {
	var t models.Transaction
	if err := r.db.GetContext(ctx, &t, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("ошибка получения транзакции: %w", err)
	}
	return &t, nil
}

func (r *transactionRepositoryImpl) MarkPending(ctx context.Context, orderID, gatewayTxID string, gatewayTime int64) (bool, error) {
	query := `
	UPDATE transactions
	SET state = $2, gateway_tx_id = $3, gateway_time = $4, updated_at = NOW()
	WHERE order_id = $1 AND state = $5`

	return r.exec(ctx, "pending", query, orderID, models.TxPending, gatewayTxID, gatewayTime, models.TxCreated)
}

func (r *transactionRepositoryImpl) MarkPerformed(ctx context.Context, orderID string, at time.Time) (bool, error) {
	query := `
	UPDATE transactions
	SET state = $2, perform_time = $3, updated_at = NOW()
	WHERE order_id = $1 AND state = ANY($4)`

	return r.exec(ctx, "performed", query, orderID, models.TxPerformed, at,
		pq.Array([]int{int(models.TxCreated), int(models.TxPending)}))
}

func (r *transactionRepositoryImpl) MarkCancelled(ctx context.Context, orderID string, reason int, at time.Time) (bool, error) {
	query := `
	UPDATE transactions
	SET state = $2, reason = $3, cancel_time = $4, updated_at = NOW()
	WHERE order_id = $1 AND state = ANY($5)`

	return r.exec(ctx, "cancelled", query, orderID, models.TxCancelled, reason, at,
		pq.Array([]int{int(models.TxCreated), int(models.TxPending)}))
}

func (r *transactionRepositoryImpl) MarkCancelledAfterPerform(ctx context.Context, orderID string, reason int, at time.Time) (bool, error) {
	query := `
	UPDATE transactions
	SET state = $2, reason = $3, cancel_time = $4, updated_at = NOW()
	WHERE order_id = $1 AND state = $5`

	return r.exec(ctx, "cancelled_after_perform", query, orderID, models.TxCancelledAfterPerform, reason, at,
		models.TxPerformed)
}

func (r *transactionRepositoryImpl) exec(ctx context.Context, target, query string, args ...interface{}) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("ошибка перевода транзакции в %s: %w", target, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ошибка получения количества строк: %w", err)
	}
	return rows > 0, nil
}

func (r *transactionRepositoryImpl) ListByGatewayPeriod(ctx context.Context, gateway string, from, to time.Time) ([]*models.Transaction, error) {
	var txs []*models.Transaction
	err := r.db.SelectContext(ctx, &txs, `
		SELECT `+txColumns+` FROM transactions
		WHERE gateway = $1 AND gateway_tx_id IS NOT NULL AND create_time BETWEEN $2 AND $3
		ORDER BY create_time`, gateway, from, to)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения выписки: %w", err)
	}
	return txs, nil
}

func (r *transactionRepositoryImpl) ListPerformedWithoutSubscription(ctx context.Context, limit int) ([]*models.Transaction, error) {
	var txs []*models.Transaction
	err := r.db.SelectContext(ctx, &txs, `
		SELECT `+txColumns+` FROM transactions t
		WHERE t.state = $1
		  AND NOT EXISTS (SELECT 1 FROM subscriptions s WHERE s.transaction_id = t.id)
		ORDER BY t.perform_time
		LIMIT $2`, models.TxPerformed, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка поиска транзакций без подписки: %w", err)
	}
	return txs, nil
}
