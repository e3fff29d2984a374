// internal/core/domain/payment/types.go
package payment

import (
	"context"
	"errors"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
)

var (
	ErrOrderNotFound       = errors.New("заказ не найден")
	ErrAmountMismatch      = errors.New("сумма не совпадает с заказом")
	ErrInvalidState        = errors.New("недопустимое состояние транзакции")
	ErrAlreadyPaid         = errors.New("заказ уже оплачен")
	ErrOrderCancelled      = errors.New("заказ отменён")
	ErrPlanUnavailable     = errors.New("тариф недоступен")
	ErrTransactionTimeout  = errors.New("истекло время ожидания транзакции")
	ErrGatewayTxMismatch   = errors.New("заказ занят другой транзакцией шлюза")
	ErrTransactionNotFound = errors.New("транзакция шлюза не найдена")
	ErrGatewayDisabled     = errors.New("платёжный шлюз не подключен")
)

// Причины отмены (коды Payme)
const (
	ReasonReceiversNotFound = 1
	ReasonProcessingError   = 2
	ReasonExecutionError    = 3
	ReasonTimeout           = 4
	ReasonRefund            = 5
	ReasonUnknown           = 10
)

// Operation - операция над заказом после проверки подписи шлюза
type Operation int

const (
	OpCheck Operation = iota
	OpBegin
	OpPerform
	OpCancel
	OpStatus
)

func (o Operation) String() string {
	switch o {
	case OpCheck:
		return "check"
	case OpBegin:
		return "begin"
	case OpPerform:
		return "perform"
	case OpCancel:
		return "cancel"
	case OpStatus:
		return "status"
	}
	return "unknown"
}

// VerifiedOrderOp - запрос шлюза, прошедший проверку подлинности.
// Адаптеры создают его только после проверки подписи или учётных данных.
type VerifiedOrderOp struct {
	Op          Operation
	Gateway     string
	OrderID     string
	Amount      int64 // в тийинах, 0 - не проверять
	GatewayTxID string
	GatewayTime int64 // мс
	Reason      int
}

// CreateOrder - параметры нового заказа
type CreateOrder struct {
	OrderID string
	UserID  int64
	PlanID  int64
	Amount  int64
	Gateway string
}

// Fulfiller выдаёт и отзывает доступ по проведённой транзакции.
// Вызывается повторно на каждый повтор perform, поэтому обязан быть идемпотентным.
type Fulfiller interface {
	Fulfil(ctx context.Context, tx *models.Transaction) error
	Revoke(ctx context.Context, tx *models.Transaction) error
}

// CheckoutLinker строит ссылку на оплату заказа в конкретном шлюзе
type CheckoutLinker interface {
	CheckoutURL(tx *models.Transaction) (string, error)
}

// Checkout - созданный заказ и ссылка на оплату
type Checkout struct {
	Transaction *models.Transaction
	Plan        *models.Plan
	URL         string
}
