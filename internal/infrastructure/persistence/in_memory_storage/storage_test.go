package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/repository/subscription"
)

func TestUserStageCompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := NewStorage()
	users := s.Users()

	u, created, err := users.GetOrCreate(ctx, &models.User{TelegramID: 42, FirstName: "Ali"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, models.AwaitingName(), u.Stage)

	again, created, err := users.GetOrCreate(ctx, &models.User{TelegramID: 42})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u.ID, again.ID)

	ok, err := users.SaveName(ctx, u.ID, "Ali Valiyev", models.AwaitingPhone())
	require.NoError(t, err)
	assert.True(t, ok)

	// повторное имя уже не принимается
	ok, err = users.SaveName(ctx, u.ID, "Other", models.AwaitingPhone())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = users.CompareAndSetStage(ctx, u.ID, models.InLesson(1), models.InLesson(2))
	require.NoError(t, err)
	assert.False(t, ok)

	stored, err := users.FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ali Valiyev", stored.FullName)
	assert.Equal(t, models.AwaitingPhone(), stored.Stage)
}

func TestTransactionTransitions(t *testing.T) {
	ctx := context.Background()
	s := NewStorage()
	txs := s.Transactions()

	tx, created, err := txs.CreateIfAbsent(ctx, &models.Transaction{OrderID: "o-1", UserID: 1, Amount: 100, Gateway: models.GatewayPayme})
	require.NoError(t, err)
	assert.True(t, created)

	_, created, err = txs.CreateIfAbsent(ctx, &models.Transaction{OrderID: "o-1", Amount: 500})
	require.NoError(t, err)
	assert.False(t, created)

	ok, _ := txs.MarkPending(ctx, "o-1", "gw-1", 1000)
	assert.True(t, ok)
	ok, _ = txs.MarkPending(ctx, "o-1", "gw-2", 1000)
	assert.False(t, ok)

	ok, _ = txs.MarkPerformed(ctx, "o-1", time.Now())
	assert.True(t, ok)
	ok, _ = txs.MarkPerformed(ctx, "o-1", time.Now())
	assert.False(t, ok)

	ok, _ = txs.MarkCancelled(ctx, "o-1", 5, time.Now())
	assert.False(t, ok)
	ok, _ = txs.MarkCancelledAfterPerform(ctx, "o-1", 5, time.Now())
	assert.True(t, ok)

	got, err := txs.GetByGatewayTxID(ctx, models.GatewayPayme, "gw-1")
	require.NoError(t, err)
	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, models.TxCancelledAfterPerform, got.State)
	assert.Equal(t, int64(100), got.Amount)
}

func performedTx(t *testing.T, s *Storage, orderID string) *models.Transaction {
	t.Helper()
	ctx := context.Background()
	tx, _, err := s.Transactions().CreateIfAbsent(ctx, &models.Transaction{
		OrderID: orderID, UserID: 1, PlanID: 1, Amount: 100, Gateway: models.GatewayPayme,
	})
	require.NoError(t, err)
	ok, err := s.Transactions().MarkPerformed(ctx, orderID, time.Now())
	require.NoError(t, err)
	require.True(t, ok)
	return tx
}

func TestSubscriptionActivateRequiresPerformedTransaction(t *testing.T) {
	ctx := context.Background()
	s := NewStorage()
	tx := performedTx(t, s, "order-9")
	ok, err := s.Transactions().MarkCancelledAfterPerform(ctx, "order-9", 5, time.Now())
	require.NoError(t, err)
	require.True(t, ok)

	_, _, err = s.Subscriptions().Activate(ctx, models.ActivateParams{UserID: 1, TransactionID: tx.ID, DurationDays: 30, Now: time.Now()})
	assert.ErrorIs(t, err, subscription.ErrTransactionNotPerformed)

	_, _, err = s.Subscriptions().Activate(ctx, models.ActivateParams{UserID: 1, TransactionID: 404, DurationDays: 30, Now: time.Now()})
	assert.ErrorIs(t, err, subscription.ErrTransactionNotPerformed)

	active, err := s.Subscriptions().GetActiveByUser(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestSubscriptionActivateCarriesOverRemainingDays(t *testing.T) {
	ctx := context.Background()
	s := NewStorage()
	subs := s.Subscriptions()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tx1 := performedTx(t, s, "order-1")
	tx2 := performedTx(t, s, "order-2")

	first, created, err := subs.Activate(ctx, models.ActivateParams{UserID: 1, TransactionID: tx1.ID, DurationDays: 30, Now: now})
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := subs.Activate(ctx, models.ActivateParams{UserID: 1, TransactionID: tx2.ID, DurationDays: 30, Now: now.AddDate(0, 0, 10)})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, first.EndDate.AddDate(0, 0, 30), second.EndDate)

	replay, created, err := subs.Activate(ctx, models.ActivateParams{UserID: 1, TransactionID: tx2.ID, DurationDays: 30, Now: now})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, second.ID, replay.ID)

	active, err := subs.GetActiveByUser(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestEventFailureBecomesDead(t *testing.T) {
	ctx := context.Background()
	s := NewStorage()
	events := s.Events()
	now := time.Now()

	e := &models.ScheduledEvent{UserID: 1, EventType: models.EventLesson, ScheduledAt: now.Add(-time.Minute)}
	require.NoError(t, events.Create(ctx, e))

	dead, err := events.RecordFailure(ctx, e.ID, "boom", 2)
	require.NoError(t, err)
	assert.False(t, dead)

	due, _ := events.ListDue(ctx, now, 10)
	assert.Len(t, due, 1)

	dead, err = events.RecordFailure(ctx, e.ID, "boom", 2)
	require.NoError(t, err)
	assert.True(t, dead)

	due, _ = events.ListDue(ctx, now, 10)
	assert.Empty(t, due)
}

func TestInviteMarkUsedOnce(t *testing.T) {
	ctx := context.Background()
	s := NewStorage()
	invites := s.Invites()

	inv, created, err := invites.CreateIfAbsent(ctx, &models.InviteLink{UserID: 1, SubscriptionID: 7, Link: "https://t.me/+a", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.True(t, created)

	used, err := invites.MarkUsed(ctx, inv.Link, time.Now())
	require.NoError(t, err)
	require.NotNil(t, used)
	assert.True(t, used.IsUsed)

	used, err = invites.MarkUsed(ctx, inv.Link, time.Now())
	require.NoError(t, err)
	assert.Nil(t, used)

	ok, err := invites.Rotate(ctx, inv.ID, inv.Link, "https://t.me/+b", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, ok)
}
