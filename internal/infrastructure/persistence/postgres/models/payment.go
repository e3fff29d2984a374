// internal/infrastructure/persistence/postgres/models/payment.go
package models

import "time"

// TxState - состояние платёжной транзакции.
// Значения совпадают с кодами состояний Payme.
type TxState int

const (
	TxCreated               TxState = 0
	TxPending               TxState = 1
	TxPerformed             TxState = 2
	TxCancelled             TxState = -1
	TxCancelledAfterPerform TxState = -2
)

func (s TxState) String() string {
	switch s {
	case TxCreated:
		return "created"
	case TxPending:
		return "pending"
	case TxPerformed:
		return "performed"
	case TxCancelled:
		return "cancelled"
	case TxCancelledAfterPerform:
		return "cancelled_after_perform"
	}
	return "unknown"
}

// IsTerminal - состояние больше не меняется, кроме отмены после проведения
func (s TxState) IsTerminal() bool {
	return s == TxPerformed || s == TxCancelled || s == TxCancelledAfterPerform
}

// Шлюзы
const (
	GatewayPayme = "payme"
	GatewayClick = "click"
)

// Transaction - одна попытка оплаты, ключ идемпотентности order_id
type Transaction struct {
	ID          int64      `db:"id" json:"id"`
	OrderID     string     `db:"order_id" json:"order_id"`
	UserID      int64      `db:"user_id" json:"user_id"`
	PlanID      int64      `db:"plan_id" json:"plan_id"`
	Amount      int64      `db:"amount" json:"amount"` // в тийинах
	Gateway     string     `db:"gateway" json:"gateway"`
	GatewayTxID *string    `db:"gateway_tx_id" json:"gateway_tx_id,omitempty"`
	GatewayTime *int64     `db:"gateway_time" json:"gateway_time,omitempty"` // мс, время шлюза
	State       TxState    `db:"state" json:"state"`
	Reason      *int       `db:"reason" json:"reason,omitempty"`
	CreateTime  time.Time  `db:"create_time" json:"create_time"`
	PerformTime *time.Time `db:"perform_time" json:"perform_time,omitempty"`
	CancelTime  *time.Time `db:"cancel_time" json:"cancel_time,omitempty"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// TableName возвращает имя таблицы
func (Transaction) TableName() string {
	return "transactions"
}

// ExternalID возвращает идентификатор транзакции шлюза или пустую строку
func (t *Transaction) ExternalID() string {
	if t.GatewayTxID == nil {
		return ""
	}
	return *t.GatewayTxID
}
