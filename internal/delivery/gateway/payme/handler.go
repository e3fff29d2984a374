// internal/delivery/gateway/payme/handler.go
package payme

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"course-funnel-bot/internal/core/domain/payment"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	"course-funnel-bot/pkg/logger"
)

// Route - путь колбэка Merchant API
const Route = "/payments/payme"

const authLogin = "Paycom"

// Ledger - операции сверки, которые использует адаптер
type Ledger interface {
	Apply(ctx context.Context, op payment.VerifiedOrderOp) (*models.Transaction, error)
	FindByGatewayTx(ctx context.Context, gateway, gatewayTxID string) (*models.Transaction, error)
	Statement(ctx context.Context, gateway string, from, to time.Time) ([]*models.Transaction, error)
}

// Config - настройки мерчанта
type Config struct {
	MerchantID  string
	Key         string
	CheckoutURL string
	Timeout     time.Duration
	MaxBodySize int64
}

// Handler - JSON-RPC эндпоинт Payme Merchant API
type Handler struct {
	ledger   Ledger
	config   Config
	validate *validator.Validate
	now      func() time.Time
}

// NewHandler создает обработчик Payme
func NewHandler(ledger Ledger, cfg Config) *Handler {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 1 << 20
	}
	return &Handler{
		ledger:   ledger,
		config:   cfg,
		validate: validator.New(),
		now:      time.Now,
	}
}

// RegisterRoutes регистрирует маршрут колбэка
func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Post(Route, h.ServeHTTP)
}

// ServeHTTP обрабатывает запрос Payme. Ответ всегда HTTP 200, ошибки в теле.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.write(w, response{Error: newError(CodeNotPost, "")})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.config.MaxBodySize))
	if err != nil {
		h.write(w, response{Error: newError(CodeParseError, "")})
		return
	}

	var req request
	if !h.authorized(r) {
		// id возвращаем, только если тело удалось разобрать
		_ = json.Unmarshal(body, &req)
		logger.Warn("⚠️ [Payme] Отклонён запрос %s с неверной авторизацией от %s", req.Method, r.RemoteAddr)
		h.write(w, response{ID: req.ID, Error: newError(CodeInvalidAuth, "")})
		return
	}

	if err := json.Unmarshal(body, &req); err != nil {
		h.write(w, response{Error: newError(CodeParseError, "")})
		return
	}

	resp := response{ID: req.ID}

	resp.Result, resp.Error = h.dispatch(r.Context(), req)
	if resp.Error != nil {
		logger.Debug("[Payme] %s -> %d", req.Method, resp.Error.Code)
	}
	h.write(w, resp)
}

func (h *Handler) dispatch(ctx context.Context, req request) (interface{}, *rpcError) {
	switch req.Method {
	case MethodCheckPerform:
		var p checkPerformParams
		if e := h.decode(req.Params, &p); e != nil {
			return nil, e
		}
		return h.checkPerform(ctx, p)
	case MethodCreate:
		var p createParams
		if e := h.decode(req.Params, &p); e != nil {
			return nil, e
		}
		return h.create(ctx, p)
	case MethodPerform:
		var p txParams
		if e := h.decode(req.Params, &p); e != nil {
			return nil, e
		}
		return h.perform(ctx, p)
	case MethodCancel:
		var p cancelParams
		if e := h.decode(req.Params, &p); e != nil {
			return nil, e
		}
		return h.cancel(ctx, p)
	case MethodCheck:
		var p txParams
		if e := h.decode(req.Params, &p); e != nil {
			return nil, e
		}
		return h.check(ctx, p)
	case MethodGetStatement:
		var p statementParams
		if e := h.decode(req.Params, &p); e != nil {
			return nil, e
		}
		return h.statement(ctx, p)
	}
	return nil, newError(CodeMethodNotFound, req.Method)
}

func (h *Handler) checkPerform(ctx context.Context, p checkPerformParams) (interface{}, *rpcError) {
	_, err := h.ledger.Apply(ctx, payment.VerifiedOrderOp{
		Op:      payment.OpCheck,
		Gateway: models.GatewayPayme,
		OrderID: p.Account.OrderID,
		Amount:  p.Amount,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return checkPerformResult{Allow: true}, nil
}

func (h *Handler) create(ctx context.Context, p createParams) (interface{}, *rpcError) {
	orderID := p.Account.OrderID

	existing, err := h.ledger.FindByGatewayTx(ctx, models.GatewayPayme, p.ID)
	switch {
	case err == nil:
		if existing.State != models.TxPending {
			return nil, newError(CodeCannotPerform, "")
		}
		orderID = existing.OrderID
	case errors.Is(err, payment.ErrTransactionNotFound):
		// новая транзакция, пришедшая позже таймаута, не создаётся
		if h.config.Timeout > 0 && h.now().Sub(time.UnixMilli(p.Time)) > h.config.Timeout {
			return nil, newError(CodeCannotPerform, "")
		}
	default:
		return nil, mapError(err)
	}

	tx, err := h.ledger.Apply(ctx, payment.VerifiedOrderOp{
		Op:          payment.OpBegin,
		Gateway:     models.GatewayPayme,
		OrderID:     orderID,
		Amount:      p.Amount,
		GatewayTxID: p.ID,
		GatewayTime: p.Time,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return createResult{
		CreateTime:  tx.CreateTime.UnixMilli(),
		Transaction: strconv.FormatInt(tx.ID, 10),
		State:       int(tx.State),
	}, nil
}

func (h *Handler) perform(ctx context.Context, p txParams) (interface{}, *rpcError) {
	tx, e := h.find(ctx, p.ID)
	if e != nil {
		return nil, e
	}
	tx, err := h.ledger.Apply(ctx, payment.VerifiedOrderOp{
		Op:      payment.OpPerform,
		Gateway: models.GatewayPayme,
		OrderID: tx.OrderID,
	})
	if err != nil {
		return nil, mapError(err)
	}
	return performResult{
		Transaction: strconv.FormatInt(tx.ID, 10),
		PerformTime: millis(tx.PerformTime),
		State:       int(tx.State),
	}, nil
}

func (h *Handler) cancel(ctx context.Context, p cancelParams) (interface{}, *rpcError) {
	tx, e := h.find(ctx, p.ID)
	if e != nil {
		return nil, e
	}
	tx, err := h.ledger.Apply(ctx, payment.VerifiedOrderOp{
		Op:      payment.OpCancel,
		Gateway: models.GatewayPayme,
		OrderID: tx.OrderID,
		Reason:  p.Reason,
	})
	if err != nil {
		if errors.Is(err, payment.ErrInvalidState) {
			return nil, newError(CodeCannotCancel, "")
		}
		return nil, mapError(err)
	}
	return cancelResult{
		Transaction: strconv.FormatInt(tx.ID, 10),
		CancelTime:  millis(tx.CancelTime),
		State:       int(tx.State),
	}, nil
}

func (h *Handler) check(ctx context.Context, p txParams) (interface{}, *rpcError) {
	tx, e := h.find(ctx, p.ID)
	if e != nil {
		return nil, e
	}
	return checkResult{
		CreateTime:  tx.CreateTime.UnixMilli(),
		PerformTime: millis(tx.PerformTime),
		CancelTime:  millis(tx.CancelTime),
		Transaction: strconv.FormatInt(tx.ID, 10),
		State:       int(tx.State),
		Reason:      tx.Reason,
	}, nil
}

func (h *Handler) statement(ctx context.Context, p statementParams) (interface{}, *rpcError) {
	txs, err := h.ledger.Statement(ctx, models.GatewayPayme, time.UnixMilli(p.From), time.UnixMilli(p.To))
	if err != nil {
		return nil, mapError(err)
	}

	result := statementResult{Transactions: make([]statementEntry, 0, len(txs))}
	for _, tx := range txs {
		var gatewayTime int64
		if tx.GatewayTime != nil {
			gatewayTime = *tx.GatewayTime
		}
		result.Transactions = append(result.Transactions, statementEntry{
			ID:          tx.ExternalID(),
			Time:        gatewayTime,
			Amount:      tx.Amount,
			Account:     Account{OrderID: tx.OrderID},
			CreateTime:  tx.CreateTime.UnixMilli(),
			PerformTime: millis(tx.PerformTime),
			CancelTime:  millis(tx.CancelTime),
			Transaction: strconv.FormatInt(tx.ID, 10),
			State:       int(tx.State),
			Reason:      tx.Reason,
		})
	}
	return result, nil
}

func (h *Handler) find(ctx context.Context, gatewayTxID string) (*models.Transaction, *rpcError) {
	tx, err := h.ledger.FindByGatewayTx(ctx, models.GatewayPayme, gatewayTxID)
	if err != nil {
		return nil, mapError(err)
	}
	return tx, nil
}

func (h *Handler) decode(raw json.RawMessage, dst interface{}) *rpcError {
	if len(raw) == 0 {
		return newError(CodeInvalidRequest, "params")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return newError(CodeInvalidRequest, "params")
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			if verrs[0].Field() == "Amount" {
				return newError(CodeInvalidAmount, "amount")
			}
			return newError(CodeInvalidRequest, verrs[0].Field())
		}
		return newError(CodeInvalidRequest, "params")
	}
	return nil
}

func (h *Handler) authorized(r *http.Request) bool {
	if h.config.Key == "" {
		return false
	}
	login, password, ok := r.BasicAuth()
	if !ok || login != authLogin {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(h.config.Key)) == 1
}

func (h *Handler) write(w http.ResponseWriter, resp response) {
	resp.JSONRPC = "2.0"
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Warn("⚠️ [Payme] Ошибка записи ответа: %v", err)
	}
}

// mapError переводит ошибки сверки в коды Payme
func mapError(err error) *rpcError {
	switch {
	case errors.Is(err, payment.ErrOrderNotFound), errors.Is(err, payment.ErrPlanUnavailable):
		return newError(CodeOrderNotFound, "order_id")
	case errors.Is(err, payment.ErrAmountMismatch):
		return newError(CodeInvalidAmount, "amount")
	case errors.Is(err, payment.ErrTransactionNotFound):
		return newError(CodeTxNotFound, "")
	case errors.Is(err, payment.ErrGatewayTxMismatch):
		return newError(CodeOrderBusy, "order_id")
	case errors.Is(err, payment.ErrAlreadyPaid),
		errors.Is(err, payment.ErrOrderCancelled),
		errors.Is(err, payment.ErrTransactionTimeout),
		errors.Is(err, payment.ErrInvalidState):
		return newError(CodeCannotPerform, "")
	}
	logger.Error("❌ [Payme] Внутренняя ошибка: %v", err)
	return newError(CodeSystemError, "")
}

func millis(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.UnixMilli()
}
