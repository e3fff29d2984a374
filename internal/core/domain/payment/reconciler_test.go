package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storage "course-funnel-bot/internal/infrastructure/persistence/in_memory_storage"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
)

type fakeFulfiller struct {
	fulfilled []string
	revoked   []string
	err       error
}

func (f *fakeFulfiller) Fulfil(ctx context.Context, tx *models.Transaction) error {
	f.fulfilled = append(f.fulfilled, tx.OrderID)
	return f.err
}

func (f *fakeFulfiller) Revoke(ctx context.Context, tx *models.Transaction) error {
	f.revoked = append(f.revoked, tx.OrderID)
	return nil
}

type fakeLinker struct{}

func (fakeLinker) CheckoutURL(tx *models.Transaction) (string, error) {
	return "https://pay.example/" + tx.OrderID, nil
}

type reconcilerEnv struct {
	r         *Reconciler
	store     *storage.Storage
	fulfiller *fakeFulfiller
	month     *models.Plan
	now       time.Time
}

func newReconcilerEnv(t *testing.T) *reconcilerEnv {
	t.Helper()
	env := &reconcilerEnv{
		store:     storage.NewStorage(),
		fulfiller: &fakeFulfiller{},
		now:       time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC),
	}
	env.month = env.store.AddPlan(models.Plan{Code: "month", Name: "1 oy", DurationDays: 30, Price: 19900000, IsActive: true})

	r, err := NewReconciler(Dependencies{
		Transactions: env.store.Transactions(),
		Plans:        env.store.Plans(),
		Fulfiller:    env.fulfiller,
		Checkouts:    map[string]CheckoutLinker{models.GatewayPayme: fakeLinker{}},
		Timeouts:     map[string]time.Duration{models.GatewayPayme: 12 * time.Hour},
		Now:          func() time.Time { return env.now },
	})
	require.NoError(t, err)
	env.r = r
	return env
}

func (env *reconcilerEnv) order(t *testing.T, orderID string) *models.Transaction {
	t.Helper()
	tx, created, err := env.r.Create(context.Background(), CreateOrder{
		OrderID: orderID,
		UserID:  1,
		PlanID:  env.month.ID,
		Amount:  env.month.Price,
		Gateway: models.GatewayPayme,
	})
	require.NoError(t, err)
	require.True(t, created)
	return tx
}

func TestCreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newReconcilerEnv(t)
	first := env.order(t, "order-1")

	again, created, err := env.r.Create(ctx, CreateOrder{OrderID: "order-1", UserID: 1, PlanID: env.month.ID, Amount: env.month.Price, Gateway: models.GatewayPayme})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	_, _, err = env.r.Create(ctx, CreateOrder{OrderID: "order-1", UserID: 1, PlanID: env.month.ID, Amount: 1, Gateway: models.GatewayPayme})
	assert.ErrorIs(t, err, ErrAmountMismatch)

	stored, err := env.r.Status(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, env.month.Price, stored.Amount)
	assert.Equal(t, models.TxCreated, stored.State)
}

func TestCheckCanPerform(t *testing.T) {
	ctx := context.Background()
	env := newReconcilerEnv(t)
	env.order(t, "order-2")

	_, err := env.r.CheckCanPerform(ctx, "order-2", env.month.Price)
	assert.NoError(t, err)

	_, err = env.r.CheckCanPerform(ctx, "order-2", 100)
	assert.ErrorIs(t, err, ErrAmountMismatch)

	_, err = env.r.CheckCanPerform(ctx, "missing", env.month.Price)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	// проверка ничего не меняет
	tx, _ := env.r.Status(ctx, "order-2")
	assert.Equal(t, models.TxCreated, tx.State)
}

func TestPerformTwiceKeepsFirstResult(t *testing.T) {
	ctx := context.Background()
	env := newReconcilerEnv(t)
	env.order(t, "order-3")

	_, err := env.r.Begin(ctx, "order-3", "payme-tx-1", env.now.UnixMilli(), env.month.Price)
	require.NoError(t, err)

	first, err := env.r.Perform(ctx, "order-3")
	require.NoError(t, err)
	require.NotNil(t, first.PerformTime)
	t0 := *first.PerformTime

	env.now = env.now.Add(time.Minute)
	second, err := env.r.Perform(ctx, "order-3")
	require.NoError(t, err)
	assert.Equal(t, t0, *second.PerformTime)
	assert.Equal(t, models.TxPerformed, second.State)
	assert.Equal(t, "payme-tx-1", second.ExternalID())

	// хук выдачи вызывается на каждый повтор и сам обеспечивает идемпотентность
	assert.Equal(t, []string{"order-3", "order-3"}, env.fulfiller.fulfilled)
}

func TestFulfilmentErrorDoesNotFailPerform(t *testing.T) {
	env := newReconcilerEnv(t)
	env.order(t, "order-4")
	env.fulfiller.err = errors.New("telegram down")

	tx, err := env.r.Perform(context.Background(), "order-4")
	require.NoError(t, err)
	assert.Equal(t, models.TxPerformed, tx.State)
}

func TestBeginRejectsForeignGatewayTx(t *testing.T) {
	ctx := context.Background()
	env := newReconcilerEnv(t)
	env.order(t, "order-5")

	_, err := env.r.Begin(ctx, "order-5", "tx-a", env.now.UnixMilli(), env.month.Price)
	require.NoError(t, err)

	tx, err := env.r.Begin(ctx, "order-5", "tx-a", env.now.UnixMilli(), env.month.Price)
	require.NoError(t, err)
	assert.Equal(t, models.TxPending, tx.State)

	_, err = env.r.Begin(ctx, "order-5", "tx-b", env.now.UnixMilli(), env.month.Price)
	assert.ErrorIs(t, err, ErrGatewayTxMismatch)
}

func TestCancelBeforeAndAfterPerform(t *testing.T) {
	ctx := context.Background()
	env := newReconcilerEnv(t)

	env.order(t, "order-6")
	tx, err := env.r.Cancel(ctx, "order-6", ReasonUnknown)
	require.NoError(t, err)
	assert.Equal(t, models.TxCancelled, tx.State)
	assert.Empty(t, env.fulfiller.revoked)

	_, err = env.r.Perform(ctx, "order-6")
	assert.ErrorIs(t, err, ErrOrderCancelled)

	env.order(t, "order-7")
	_, err = env.r.Perform(ctx, "order-7")
	require.NoError(t, err)

	tx, err = env.r.Cancel(ctx, "order-7", ReasonRefund)
	require.NoError(t, err)
	assert.Equal(t, models.TxCancelledAfterPerform, tx.State)
	require.NotNil(t, tx.Reason)
	assert.Equal(t, ReasonRefund, *tx.Reason)
	assert.Equal(t, []string{"order-7"}, env.fulfiller.revoked)

	// повтор отмены - без повторного отзыва
	tx, err = env.r.Cancel(ctx, "order-7", ReasonRefund)
	require.NoError(t, err)
	assert.Equal(t, models.TxCancelledAfterPerform, tx.State)
	assert.Len(t, env.fulfiller.revoked, 1)
}

func TestPendingTimeout(t *testing.T) {
	ctx := context.Background()
	env := newReconcilerEnv(t)
	env.order(t, "order-8")

	_, err := env.r.Begin(ctx, "order-8", "tx-late", env.now.UnixMilli(), env.month.Price)
	require.NoError(t, err)

	env.now = env.now.Add(13 * time.Hour)
	tx, err := env.r.Perform(ctx, "order-8")
	assert.ErrorIs(t, err, ErrTransactionTimeout)
	assert.Equal(t, models.TxCancelled, tx.State)
	assert.Equal(t, ReasonTimeout, *tx.Reason)
	assert.Empty(t, env.fulfiller.fulfilled)
}

func TestApplyChecksGateway(t *testing.T) {
	env := newReconcilerEnv(t)
	env.order(t, "order-9")

	_, err := env.r.Apply(context.Background(), VerifiedOrderOp{Op: OpPerform, Gateway: models.GatewayClick, OrderID: "order-9"})
	assert.ErrorIs(t, err, ErrOrderNotFound)

	tx, err := env.r.Apply(context.Background(), VerifiedOrderOp{Op: OpCheck, Gateway: models.GatewayPayme, OrderID: "order-9", Amount: env.month.Price})
	require.NoError(t, err)
	assert.Equal(t, models.TxCreated, tx.State)
}

func TestStartCheckout(t *testing.T) {
	ctx := context.Background()
	env := newReconcilerEnv(t)

	co, err := env.r.StartCheckout(ctx, 42, "month", models.GatewayPayme)
	require.NoError(t, err)
	assert.Equal(t, env.month.Price, co.Transaction.Amount)
	assert.Equal(t, int64(42), co.Transaction.UserID)
	assert.Equal(t, "https://pay.example/"+co.Transaction.OrderID, co.URL)
	assert.Len(t, co.Transaction.OrderID, 36)

	_, err = env.r.StartCheckout(ctx, 42, "month", models.GatewayClick)
	assert.ErrorIs(t, err, ErrGatewayDisabled)

	_, err = env.r.StartCheckout(ctx, 42, "lifetime", models.GatewayPayme)
	assert.ErrorIs(t, err, ErrPlanUnavailable)
}

func TestRegisterCheckoutEnablesGateway(t *testing.T) {
	env := newReconcilerEnv(t)
	env.r.RegisterCheckout(models.GatewayClick, fakeLinker{})

	co, err := env.r.StartCheckout(context.Background(), 7, "month", models.GatewayClick)
	require.NoError(t, err)
	assert.Equal(t, models.GatewayClick, co.Transaction.Gateway)
}
