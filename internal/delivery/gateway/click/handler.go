// internal/delivery/gateway/click/handler.go
package click

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"course-funnel-bot/internal/core/domain/payment"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	"course-funnel-bot/pkg/logger"
)

// Маршруты SHOP-API
const (
	PrepareRoute  = "/payments/click/prepare"
	CompleteRoute = "/payments/click/complete"
)

// Ledger - операции сверки, которые использует адаптер
type Ledger interface {
	Apply(ctx context.Context, op payment.VerifiedOrderOp) (*models.Transaction, error)
	Status(ctx context.Context, orderID string) (*models.Transaction, error)
}

// Config - настройки сервиса Click
type Config struct {
	ServiceID   string
	MerchantID  string
	SecretKey   string
	CheckoutURL string
	ReturnURL   string
	MaxBodySize int64
}

// Handler - колбэки Click SHOP-API
type Handler struct {
	ledger   Ledger
	config   Config
	validate *validator.Validate
}

// NewHandler создает обработчик Click
func NewHandler(ledger Ledger, cfg Config) *Handler {
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = 64 << 10
	}
	return &Handler{ledger: ledger, config: cfg, validate: validator.New()}
}

// RegisterRoutes регистрирует маршруты Prepare и Complete
func (h *Handler) RegisterRoutes(router chi.Router) {
	router.Post(PrepareRoute, h.handle(ActionPrepare))
	router.Post(CompleteRoute, h.handle(ActionComplete))
}

func (h *Handler) handle(action int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, h.config.MaxBodySize)
		if err := r.ParseForm(); err != nil {
			h.write(w, Response{Error: ErrBadRequest, ErrorNote: errorNotes[ErrBadRequest]})
			return
		}

		req, err := parseRequest(r.PostForm)
		if err != nil {
			h.write(w, Response{Error: ErrBadRequest, ErrorNote: errorNotes[ErrBadRequest]})
			return
		}

		resp := h.process(r.Context(), action, req)
		if resp.Error != ErrSuccess {
			logger.Debug("[Click] action=%d order=%s -> %d", action, req.MerchantTransID, resp.Error)
		}
		h.write(w, resp)
	}
}

func (h *Handler) process(ctx context.Context, action int, req Request) Response {
	resp := Response{MerchantTransID: req.MerchantTransID}
	resp.ClickTransID, _ = strconv.ParseInt(req.ClickTransID, 10, 64)

	fail := func(code int) Response {
		resp.Error = code
		resp.ErrorNote = errorNotes[code]
		return resp
	}

	if err := h.validate.Struct(req); err != nil {
		return fail(ErrBadRequest)
	}
	if req.Action != action {
		return fail(ErrActionNotFound)
	}
	if req.ServiceID != h.config.ServiceID || !h.verify(req) {
		logger.Warn("⚠️ [Click] Неверная подпись для заказа %s", req.MerchantTransID)
		return fail(ErrSignCheck)
	}

	amount, err := toTiyin(req.Amount)
	if err != nil {
		return fail(ErrIncorrectAmount)
	}

	if action == ActionPrepare {
		return h.prepare(ctx, req, amount, resp, fail)
	}
	return h.complete(ctx, req, amount, resp, fail)
}

func (h *Handler) prepare(ctx context.Context, req Request, amount int64, resp Response, fail func(int) Response) Response {
	if req.Error < 0 {
		return fail(ErrTxCancelled)
	}
	tx, err := h.ledger.Apply(ctx, payment.VerifiedOrderOp{
		Op:          payment.OpBegin,
		Gateway:     models.GatewayClick,
		OrderID:     req.MerchantTransID,
		Amount:      amount,
		GatewayTxID: req.ClickTransID,
		GatewayTime: signTimeMillis(req.SignTime),
	})
	if err != nil {
		return fail(mapError(err))
	}

	resp.MerchantPrepareID = tx.ID
	resp.ErrorNote = errorNotes[ErrSuccess]
	return resp
}

func (h *Handler) complete(ctx context.Context, req Request, amount int64, resp Response, fail func(int) Response) Response {
	tx, err := h.ledger.Status(ctx, req.MerchantTransID)
	if err != nil {
		return fail(mapError(err))
	}
	if tx.Gateway != models.GatewayClick {
		return fail(ErrOrderNotFound)
	}
	if strconv.FormatInt(tx.ID, 10) != req.MerchantPrepareID || tx.ExternalID() != req.ClickTransID {
		return fail(ErrTxNotFound)
	}
	if tx.Amount != amount {
		return fail(ErrIncorrectAmount)
	}

	// Click сообщает об отказе оплаты: отменяем заказ
	if req.Error < 0 {
		if _, err := h.ledger.Apply(ctx, payment.VerifiedOrderOp{
			Op:      payment.OpCancel,
			Gateway: models.GatewayClick,
			OrderID: tx.OrderID,
			Reason:  payment.ReasonProcessingError,
		}); err != nil {
			logger.Error("❌ [Click] Не удалось отменить заказ %s: %v", tx.OrderID, err)
		}
		return fail(ErrTxCancelled)
	}

	tx, err = h.ledger.Apply(ctx, payment.VerifiedOrderOp{
		Op:      payment.OpPerform,
		Gateway: models.GatewayClick,
		OrderID: tx.OrderID,
	})
	if err != nil {
		return fail(mapError(err))
	}

	resp.MerchantConfirmID = tx.ID
	resp.ErrorNote = errorNotes[ErrSuccess]
	return resp
}

func (h *Handler) verify(req Request) bool {
	if h.config.SecretKey == "" {
		return false
	}
	expected := Sign(req, h.config.SecretKey)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(req.SignString)) == 1
}

func (h *Handler) write(w http.ResponseWriter, resp Response) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Warn("⚠️ [Click] Ошибка записи ответа: %v", err)
	}
}

// CheckoutURL строит ссылку на оплату заказа в Click
func (h *Handler) CheckoutURL(tx *models.Transaction) (string, error) {
	if h.config.ServiceID == "" || h.config.MerchantID == "" {
		return "", errors.New("не заданы CLICK_SERVICE_ID и CLICK_MERCHANT_ID")
	}
	base := h.config.CheckoutURL
	if base == "" {
		base = "https://my.click.uz/services/pay"
	}
	q := url.Values{}
	q.Set("service_id", h.config.ServiceID)
	q.Set("merchant_id", h.config.MerchantID)
	q.Set("amount", fromTiyin(tx.Amount))
	q.Set("transaction_param", tx.OrderID)
	if h.config.ReturnURL != "" {
		q.Set("return_url", h.config.ReturnURL)
	}
	return base + "?" + q.Encode(), nil
}

func parseRequest(form url.Values) (Request, error) {
	action, err := strconv.Atoi(form.Get("action"))
	if err != nil {
		return Request{}, err
	}
	code := 0
	if raw := form.Get("error"); raw != "" {
		if code, err = strconv.Atoi(raw); err != nil {
			return Request{}, err
		}
	}
	return Request{
		ClickTransID:      form.Get("click_trans_id"),
		ServiceID:         form.Get("service_id"),
		ClickPaydocID:     form.Get("click_paydoc_id"),
		MerchantTransID:   form.Get("merchant_trans_id"),
		MerchantPrepareID: form.Get("merchant_prepare_id"),
		Amount:            form.Get("amount"),
		Action:            action,
		Error:             code,
		ErrorNote:         form.Get("error_note"),
		SignTime:          form.Get("sign_time"),
		SignString:        form.Get("sign_string"),
	}, nil
}

// mapError переводит ошибки сверки в коды Click
func mapError(err error) int {
	switch {
	case errors.Is(err, payment.ErrOrderNotFound), errors.Is(err, payment.ErrPlanUnavailable):
		return ErrOrderNotFound
	case errors.Is(err, payment.ErrAmountMismatch):
		return ErrIncorrectAmount
	case errors.Is(err, payment.ErrAlreadyPaid):
		return ErrAlreadyPaid
	case errors.Is(err, payment.ErrOrderCancelled), errors.Is(err, payment.ErrTransactionTimeout):
		return ErrTxCancelled
	case errors.Is(err, payment.ErrGatewayTxMismatch), errors.Is(err, payment.ErrTransactionNotFound):
		return ErrTxNotFound
	case errors.Is(err, payment.ErrInvalidState):
		return ErrBadRequest
	}
	logger.Error("❌ [Click] Внутренняя ошибка: %v", err)
	return ErrUpdateFailed
}
