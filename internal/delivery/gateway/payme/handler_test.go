package payme

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"course-funnel-bot/internal/core/domain/payment"
	storage "course-funnel-bot/internal/infrastructure/persistence/in_memory_storage"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
)

const testKey = "test-key"

type countingFulfiller struct {
	fulfilled int
	revoked   int
}

func (f *countingFulfiller) Fulfil(ctx context.Context, tx *models.Transaction) error {
	f.fulfilled++
	return nil
}

func (f *countingFulfiller) Revoke(ctx context.Context, tx *models.Transaction) error {
	f.revoked++
	return nil
}

type paymeEnv struct {
	router    chi.Router
	handler   *Handler
	ledger    *payment.Reconciler
	fulfiller *countingFulfiller
	now       time.Time
}

func newPaymeEnv(t *testing.T) *paymeEnv {
	t.Helper()
	env := &paymeEnv{
		fulfiller: &countingFulfiller{},
		now:       time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return env.now }

	store := storage.NewStorage()
	store.SetClock(clock)
	plan := store.AddPlan(models.Plan{Code: "month", Name: "Месяц", DurationDays: 30, Price: 5000000, IsActive: true})

	ledger, err := payment.NewReconciler(payment.Dependencies{
		Transactions: store.Transactions(),
		Plans:        store.Plans(),
		Fulfiller:    env.fulfiller,
		Timeouts:     map[string]time.Duration{models.GatewayPayme: 12 * time.Hour},
		Now:          clock,
	})
	require.NoError(t, err)
	env.ledger = ledger

	_, _, err = ledger.Create(context.Background(), payment.CreateOrder{
		OrderID: "order-1",
		UserID:  1,
		PlanID:  plan.ID,
		Amount:  plan.Price,
		Gateway: models.GatewayPayme,
	})
	require.NoError(t, err)

	env.handler = NewHandler(ledger, Config{MerchantID: "merchant", Key: testKey, Timeout: 12 * time.Hour})
	env.handler.now = clock
	env.router = chi.NewRouter()
	env.handler.RegisterRoutes(env.router)
	return env
}

func (env *paymeEnv) call(t *testing.T, method string, params interface{}) response {
	t.Helper()
	return env.callWithKey(t, testKey, method, params)
}

func (env *paymeEnv) callWithKey(t *testing.T, key, method string, params interface{}) response {
	t.Helper()
	rawParams, err := json.Marshal(params)
	require.NoError(t, err)
	body, err := json.Marshal(request{JSONRPC: "2.0", ID: json.RawMessage("1"), Method: method, Params: rawParams})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, Route, bytes.NewReader(body))
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("Paycom:"+key)))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func resultMap(t *testing.T, resp response) map[string]interface{} {
	t.Helper()
	require.Nil(t, resp.Error, "unexpected error: %+v", resp.Error)
	m, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	return m
}

func TestRejectsWrongKey(t *testing.T) {
	env := newPaymeEnv(t)
	resp := env.callWithKey(t, "wrong", MethodCheckPerform, map[string]interface{}{
		"amount": 5000000, "account": map[string]string{"order_id": "order-1"},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidAuth, resp.Error.Code)
}

func TestCheckPerformTransaction(t *testing.T) {
	env := newPaymeEnv(t)

	resp := env.call(t, MethodCheckPerform, map[string]interface{}{
		"amount": 5000000, "account": map[string]string{"order_id": "order-1"},
	})
	assert.Equal(t, true, resultMap(t, resp)["allow"])

	resp = env.call(t, MethodCheckPerform, map[string]interface{}{
		"amount": 100, "account": map[string]string{"order_id": "order-1"},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidAmount, resp.Error.Code)

	resp = env.call(t, MethodCheckPerform, map[string]interface{}{
		"amount": 5000000, "account": map[string]string{"order_id": "missing"},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeOrderNotFound, resp.Error.Code)
	assert.Equal(t, "order_id", resp.Error.Data)
}

func TestFullPaymentFlow(t *testing.T) {
	env := newPaymeEnv(t)
	created := map[string]interface{}{
		"id": "payme-tx-1", "time": env.now.UnixMilli(), "amount": 5000000,
		"account": map[string]string{"order_id": "order-1"},
	}

	first := resultMap(t, env.call(t, MethodCreate, created))
	assert.EqualValues(t, models.TxPending, first["state"])

	again := resultMap(t, env.call(t, MethodCreate, created))
	assert.Equal(t, first["transaction"], again["transaction"])
	assert.Equal(t, first["create_time"], again["create_time"])

	performed := resultMap(t, env.call(t, MethodPerform, map[string]string{"id": "payme-tx-1"}))
	assert.EqualValues(t, models.TxPerformed, performed["state"])
	assert.EqualValues(t, env.now.UnixMilli(), performed["perform_time"])

	env.now = env.now.Add(time.Minute)
	replay := resultMap(t, env.call(t, MethodPerform, map[string]string{"id": "payme-tx-1"}))
	assert.Equal(t, performed["perform_time"], replay["perform_time"])

	check := resultMap(t, env.call(t, MethodCheck, map[string]string{"id": "payme-tx-1"}))
	assert.EqualValues(t, models.TxPerformed, check["state"])
	assert.Nil(t, check["reason"])

	cancelled := resultMap(t, env.call(t, MethodCancel, map[string]interface{}{"id": "payme-tx-1", "reason": payment.ReasonRefund}))
	assert.EqualValues(t, models.TxCancelledAfterPerform, cancelled["state"])
	assert.Equal(t, 1, env.fulfiller.revoked)
	assert.GreaterOrEqual(t, env.fulfiller.fulfilled, 1)
}

func TestSecondGatewayTransactionIsBusy(t *testing.T) {
	env := newPaymeEnv(t)
	resultMap(t, env.call(t, MethodCreate, map[string]interface{}{
		"id": "payme-tx-1", "time": env.now.UnixMilli(), "amount": 5000000,
		"account": map[string]string{"order_id": "order-1"},
	}))

	resp := env.call(t, MethodCreate, map[string]interface{}{
		"id": "payme-tx-2", "time": env.now.UnixMilli(), "amount": 5000000,
		"account": map[string]string{"order_id": "order-1"},
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeOrderBusy, resp.Error.Code)
}

func TestPendingTimeout(t *testing.T) {
	env := newPaymeEnv(t)
	params := map[string]interface{}{
		"id": "payme-tx-1", "time": env.now.UnixMilli(), "amount": 5000000,
		"account": map[string]string{"order_id": "order-1"},
	}
	resultMap(t, env.call(t, MethodCreate, params))

	env.now = env.now.Add(13 * time.Hour)
	resp := env.call(t, MethodPerform, map[string]string{"id": "payme-tx-1"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeCannotPerform, resp.Error.Code)

	check := resultMap(t, env.call(t, MethodCheck, map[string]string{"id": "payme-tx-1"}))
	assert.EqualValues(t, models.TxCancelled, check["state"])
	assert.EqualValues(t, payment.ReasonTimeout, check["reason"])
	assert.Zero(t, env.fulfiller.fulfilled)
}

func TestUnknownTransactionAndMethod(t *testing.T) {
	env := newPaymeEnv(t)

	resp := env.call(t, MethodPerform, map[string]string{"id": "nope"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeTxNotFound, resp.Error.Code)

	resp = env.call(t, "ChangePassword", map[string]string{"password": "x"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeMethodNotFound, resp.Error.Code)
}

func TestGetStatement(t *testing.T) {
	env := newPaymeEnv(t)
	resultMap(t, env.call(t, MethodCreate, map[string]interface{}{
		"id": "payme-tx-1", "time": env.now.UnixMilli(), "amount": 5000000,
		"account": map[string]string{"order_id": "order-1"},
	}))

	res := resultMap(t, env.call(t, MethodGetStatement, map[string]int64{
		"from": env.now.Add(-time.Hour).UnixMilli(),
		"to":   env.now.Add(time.Hour).UnixMilli(),
	}))
	txs, ok := res["transactions"].([]interface{})
	require.True(t, ok)
	require.Len(t, txs, 1)
	entry := txs[0].(map[string]interface{})
	assert.Equal(t, "payme-tx-1", entry["id"])
	assert.Equal(t, "order-1", entry["account"].(map[string]interface{})["order_id"])
}

func TestParseError(t *testing.T) {
	env := newPaymeEnv(t)
	req := httptest.NewRequest(http.MethodPost, Route, bytes.NewReader([]byte("{broken")))
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("Paycom:"+testKey)))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
}

func TestAuthCheckedBeforeParsing(t *testing.T) {
	env := newPaymeEnv(t)

	// битое тело без авторизации
	req := httptest.NewRequest(http.MethodPost, Route, bytes.NewReader([]byte("{broken")))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	var resp response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidAuth, resp.Error.Code)

	// корректное тело с чужим ключом: id сохраняется
	body := []byte(`{"jsonrpc":"2.0","id":42,"method":"CheckTransaction","params":{"id":"x"}}`)
	req = httptest.NewRequest(http.MethodPost, Route, bytes.NewReader(body))
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte("Paycom:wrong")))
	rec = httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)

	resp = response{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidAuth, resp.Error.Code)
	assert.JSONEq(t, "42", string(resp.ID))
}

func TestCheckoutURL(t *testing.T) {
	h := NewHandler(nil, Config{MerchantID: "m1"})
	url, err := h.CheckoutURL(&models.Transaction{OrderID: "abc", Amount: 500})
	require.NoError(t, err)

	encoded := url[len(defaultCheckoutURL)+1:]
	decoded, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	assert.Equal(t, "m=m1;ac.order_id=abc;a=500", string(decoded))
}
