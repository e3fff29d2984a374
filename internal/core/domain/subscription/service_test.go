package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storage "course-funnel-bot/internal/infrastructure/persistence/in_memory_storage"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	"course-funnel-bot/internal/types/messaging"
)

type sentMessage struct {
	chatID int64
	msg    messaging.Message
}

type fakeSender struct {
	sent []sentMessage
	fail error
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID int64, msg messaging.Message) error {
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sentMessage{chatID: chatID, msg: msg})
	return nil
}

func (f *fakeSender) SendMedia(ctx context.Context, chatID int64, media messaging.Media, caption string, buttons [][]messaging.Button) error {
	return f.SendMessage(ctx, chatID, messaging.Message{Text: caption, Buttons: buttons})
}

type fakeRevoker struct {
	revoked []int64
	fail    error
}

func (f *fakeRevoker) Revoke(ctx context.Context, telegramID int64) error {
	if f.fail != nil {
		return f.fail
	}
	f.revoked = append(f.revoked, telegramID)
	return nil
}

type fakePaid struct {
	unpaid []int64
}

func (f *fakePaid) MarkUnpaid(ctx context.Context, userID int64) error {
	f.unpaid = append(f.unpaid, userID)
	return nil
}

type testEnv struct {
	store   *storage.Storage
	service *Service
	sender  *fakeSender
	revoker *fakeRevoker
	paid    *fakePaid
	now     time.Time
	user    *models.User
	plan    *models.Plan
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   storage.NewStorage(),
		sender:  &fakeSender{},
		revoker: &fakeRevoker{},
		paid:    &fakePaid{},
		now:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	env.store.SetClock(func() time.Time { return env.now })
	env.plan = env.store.AddPlan(models.Plan{Code: "month", Name: "Месяц", DurationDays: 30, Price: 19900000, IsActive: true})

	u, _, err := env.store.Users().GetOrCreate(context.Background(), &models.User{TelegramID: 555, FirstName: "Ali"})
	require.NoError(t, err)
	env.user = u

	env.service = NewService(Dependencies{
		Subscriptions: env.store.Subscriptions(),
		Users:         env.store.Users(),
		Plans:         env.store.Plans(),
		Access:        env.revoker,
		Paid:          env.paid,
		Sender:        env.sender,
		Now:           func() time.Time { return env.now },
	})
	return env
}

func (e *testEnv) performedTx(t *testing.T, orderID string) *models.Transaction {
	t.Helper()
	ctx := context.Background()
	tx, _, err := e.store.Transactions().CreateIfAbsent(ctx, &models.Transaction{
		OrderID: orderID, UserID: e.user.ID, PlanID: e.plan.ID, Amount: e.plan.Price, Gateway: models.GatewayPayme,
	})
	require.NoError(t, err)
	ok, err := e.store.Transactions().MarkPerformed(ctx, orderID, e.now)
	require.NoError(t, err)
	require.True(t, ok)
	return tx
}

func (e *testEnv) activate(t *testing.T, orderID string) *models.Subscription {
	t.Helper()
	sub, _, err := e.service.Activate(context.Background(), e.performedTx(t, orderID))
	require.NoError(t, err)
	return sub
}

func TestActivateUsesPlanDurationAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	tx := env.performedTx(t, "order-11")

	sub, created, err := env.service.Activate(ctx, tx)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, env.now.AddDate(0, 0, 30), sub.EndDate)

	again, created, err := env.service.Activate(ctx, tx)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, sub.ID, again.ID)

	active, err := env.service.Active(ctx, env.user.ID)
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, sub.ID, active.ID)
}

func TestActivateUnknownPlan(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.service.Activate(context.Background(), &models.Transaction{ID: 1, UserID: env.user.ID, PlanID: 999})
	assert.Error(t, err)
}

func TestRemindersFireOncePerThreshold(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activate(t, "order-1")

	// 4 дня до конца: пройден только порог 5
	env.now = env.now.AddDate(0, 0, 26)
	sent, err := env.service.ProcessReminders(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, env.sender.sent, 1)
	assert.Contains(t, env.sender.sent[0].msg.Text, "5 дней")
	assert.Equal(t, int64(555), env.sender.sent[0].chatID)

	sent, err = env.service.ProcessReminders(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Len(t, env.sender.sent, 1)

	// 20 часов до конца: пройдены 3 и 1, уходит одно сообщение по ближайшему
	env.now = env.now.Add(3*24*time.Hour + 4*time.Hour)
	sent, err = env.service.ProcessReminders(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, env.sender.sent, 2)
	assert.Contains(t, env.sender.sent[1].msg.Text, "1 день")

	sub, err := env.service.Active(ctx, env.user.ID)
	require.NoError(t, err)
	assert.True(t, sub.Reminder5dSent)
	assert.True(t, sub.Reminder3dSent)
	assert.True(t, sub.Reminder1dSent)
}

func TestReminderNotMarkedWhenSendFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.activate(t, "order-1")
	env.now = env.now.AddDate(0, 0, 28)

	env.sender.fail = errors.New("network down")
	sent, err := env.service.ProcessReminders(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, sent)

	sub, err := env.service.Active(ctx, env.user.ID)
	require.NoError(t, err)
	assert.False(t, sub.Reminder3dSent)

	env.sender.fail = nil
	sent, err = env.service.ProcessReminders(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	assert.Contains(t, env.sender.sent[0].msg.Text, "3 дня")
}

func TestExpiryRevokesOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := env.activate(t, "order-1")
	env.now = sub.EndDate.Add(time.Minute)

	handled, err := env.service.ProcessExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
	assert.Equal(t, []int64{555}, env.revoker.revoked)
	assert.Equal(t, []int64{env.user.ID}, env.paid.unpaid)
	require.Len(t, env.sender.sent, 1)

	stored, err := env.store.Subscriptions().GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, stored.IsActive)
	assert.True(t, stored.ExpiryHandled)

	handled, err = env.service.ProcessExpired(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, handled)
	assert.Len(t, env.revoker.revoked, 1)
}

func TestExpiryRetriedWhenRevokeFails(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	sub := env.activate(t, "order-1")
	env.now = sub.EndDate.Add(time.Hour)

	env.revoker.fail = errors.New("telegram 502")
	handled, err := env.service.ProcessExpired(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, handled)

	stored, err := env.store.Subscriptions().GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, stored.IsActive)
	assert.False(t, stored.ExpiryHandled)

	env.revoker.fail = nil
	handled, err = env.service.ProcessExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)
}

func TestExpiredSubscriptionGetsNoReminder(t *testing.T) {
	env := newTestEnv(t)
	sub := env.activate(t, "order-1")
	env.now = sub.EndDate.Add(time.Hour)

	sent, err := env.service.ProcessReminders(context.Background(), 100)
	require.NoError(t, err)
	assert.Zero(t, sent)
	assert.Empty(t, env.sender.sent)
}

func TestDeactivate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	created := env.activate(t, "order-42")

	sub, err := env.service.Deactivate(ctx, created.TransactionID)
	require.NoError(t, err)
	require.NotNil(t, sub)
	assert.False(t, sub.IsActive)

	active, err := env.service.Active(ctx, env.user.ID)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestDaysText(t *testing.T) {
	assert.Equal(t, "1 день", daysText(1))
	assert.Equal(t, "3 дня", daysText(3))
	assert.Equal(t, "5 дней", daysText(5))
	assert.Equal(t, "11 дней", daysText(11))
	assert.Equal(t, "21 день", daysText(21))
}
