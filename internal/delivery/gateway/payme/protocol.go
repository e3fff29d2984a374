// internal/delivery/gateway/payme/protocol.go
package payme

import (
	"encoding/json"
)

// Методы Merchant API
const (
	MethodCheckPerform = "CheckPerformTransaction"
	MethodCreate       = "CreateTransaction"
	MethodPerform      = "PerformTransaction"
	MethodCancel       = "CancelTransaction"
	MethodCheck        = "CheckTransaction"
	MethodGetStatement = "GetStatement"
)

// Коды ошибок Payme
const (
	CodeInvalidAuth    = -32504
	CodeNotPost        = -32300
	CodeMethodNotFound = -32601
	CodeInvalidRequest = -32600
	CodeParseError     = -32700
	CodeSystemError    = -32400
	CodeInvalidAmount  = -31001
	CodeTxNotFound     = -31003
	CodeCannotCancel   = -31007
	CodeCannotPerform  = -31008
	CodeOrderNotFound  = -31050
	CodeOrderBusy      = -31099
)

type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int               `json:"code"`
	Message map[string]string `json:"message"`
	Data    string            `json:"data,omitempty"`
}

// Account - поля заказа, которые Payme передаёт в account
type Account struct {
	OrderID string `json:"order_id" validate:"required"`
}

type checkPerformParams struct {
	Amount  int64   `json:"amount" validate:"gt=0"`
	Account Account `json:"account" validate:"required"`
}

type createParams struct {
	ID      string  `json:"id" validate:"required"`
	Time    int64   `json:"time" validate:"gt=0"`
	Amount  int64   `json:"amount" validate:"gt=0"`
	Account Account `json:"account" validate:"required"`
}

type txParams struct {
	ID string `json:"id" validate:"required"`
}

type cancelParams struct {
	ID     string `json:"id" validate:"required"`
	Reason int    `json:"reason"`
}

type statementParams struct {
	From int64 `json:"from" validate:"gte=0"`
	To   int64 `json:"to" validate:"gtfield=From"`
}

type checkPerformResult struct {
	Allow bool `json:"allow"`
}

type createResult struct {
	CreateTime  int64  `json:"create_time"`
	Transaction string `json:"transaction"`
	State       int    `json:"state"`
}

type performResult struct {
	Transaction string `json:"transaction"`
	PerformTime int64  `json:"perform_time"`
	State       int    `json:"state"`
}

type cancelResult struct {
	Transaction string `json:"transaction"`
	CancelTime  int64  `json:"cancel_time"`
	State       int    `json:"state"`
}

type checkResult struct {
	CreateTime  int64  `json:"create_time"`
	PerformTime int64  `json:"perform_time"`
	CancelTime  int64  `json:"cancel_time"`
	Transaction string `json:"transaction"`
	State       int    `json:"state"`
	Reason      *int   `json:"reason"`
}

type statementEntry struct {
	ID          string  `json:"id"`
	Time        int64   `json:"time"`
	Amount      int64   `json:"amount"`
	Account     Account `json:"account"`
	CreateTime  int64   `json:"create_time"`
	PerformTime int64   `json:"perform_time"`
	CancelTime  int64   `json:"cancel_time"`
	Transaction string  `json:"transaction"`
	State       int     `json:"state"`
	Reason      *int    `json:"reason"`
}

type statementResult struct {
	Transactions []statementEntry `json:"transactions"`
}

func newError(code int, data string) *rpcError {
	return &rpcError{Code: code, Message: messages(code), Data: data}
}

func messages(code int) map[string]string {
	switch code {
	case CodeInvalidAuth:
		return localized("Недостаточно привилегий", "Huquqlar yetarli emas", "Insufficient privileges")
	case CodeNotPost:
		return localized("Метод запроса должен быть POST", "So'rov usuli POST bo'lishi kerak", "Request method must be POST")
	case CodeMethodNotFound:
		return localized("Метод не найден", "Metod topilmadi", "Method not found")
	case CodeInvalidRequest, CodeParseError:
		return localized("Неверный запрос", "Noto'g'ri so'rov", "Invalid request")
	case CodeInvalidAmount:
		return localized("Неверная сумма", "Noto'g'ri summa", "Invalid amount")
	case CodeTxNotFound:
		return localized("Транзакция не найдена", "Tranzaksiya topilmadi", "Transaction not found")
	case CodeCannotCancel:
		return localized("Невозможно отменить транзакцию", "Tranzaksiyani bekor qilib bo'lmaydi", "Unable to cancel transaction")
	case CodeCannotPerform:
		return localized("Невозможно выполнить операцию", "Amalni bajarib bo'lmaydi", "Unable to perform operation")
	case CodeOrderNotFound:
		return localized("Заказ не найден", "Buyurtma topilmadi", "Order not found")
	case CodeOrderBusy:
		return localized("Заказ ожидает оплаты", "Buyurtma to'lovni kutmoqda", "Order is awaiting payment")
	}
	return localized("Системная ошибка", "Tizim xatosi", "System error")
}

func localized(ru, uz, en string) map[string]string {
	return map[string]string{"ru": ru, "uz": uz, "en": en}
}
