package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"course-funnel-bot/internal/core/domain/funnel"
	storage "course-funnel-bot/internal/infrastructure/persistence/in_memory_storage"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	"course-funnel-bot/internal/types/messaging"
)

type fakeAdvancer struct {
	mu    sync.Mutex
	seen  []int64
	fails map[int64]error
}

func (a *fakeAdvancer) AdvanceFromSchedule(ctx context.Context, ev *models.ScheduledEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.seen = append(a.seen, ev.ID)
	return a.fails[ev.ID]
}

type fakeSender struct {
	sent []messaging.Message
	err  error
}

func (s *fakeSender) SendMessage(ctx context.Context, chatID int64, msg messaging.Message) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) SendMedia(ctx context.Context, chatID int64, media messaging.Media, caption string, buttons [][]messaging.Button) error {
	return s.err
}

type dispatchEnv struct {
	store    *storage.Storage
	advancer *fakeAdvancer
	sender   *fakeSender
	user     *models.User
	now      time.Time
}

func newDispatchEnv(t *testing.T) *dispatchEnv {
	t.Helper()
	env := &dispatchEnv{
		store:    storage.NewStorage(),
		advancer: &fakeAdvancer{fails: map[int64]error{}},
		sender:   &fakeSender{},
		now:      time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC),
	}
	env.store.SetClock(func() time.Time { return env.now })

	u, _, err := env.store.Users().GetOrCreate(context.Background(), &models.User{TelegramID: 777, FirstName: "Aziz"})
	require.NoError(t, err)
	env.user = u
	return env
}

func (env *dispatchEnv) dispatcher(maxAttempts int) *Dispatcher {
	return NewDispatcher(env.store.Events(), env.store.Users(), env.advancer, env.sender,
		DispatcherConfig{BatchSize: 10, MaxAttempts: maxAttempts}, func() time.Time { return env.now })
}

func (env *dispatchEnv) event(t *testing.T, eventType string, at time.Time, payload models.EventPayload) *models.ScheduledEvent {
	t.Helper()
	ev := &models.ScheduledEvent{UserID: env.user.ID, EventType: eventType, ScheduledAt: at, Payload: payload}
	require.NoError(t, env.store.Events().Create(context.Background(), ev))
	return ev
}

func (env *dispatchEnv) pending(t *testing.T) []int64 {
	t.Helper()
	events, err := env.store.Events().ListPendingByUser(context.Background(), env.user.ID)
	require.NoError(t, err)
	ids := make([]int64, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}
	return ids
}

func TestDispatchOnlyDueEvents(t *testing.T) {
	ctx := context.Background()
	env := newDispatchEnv(t)
	due := env.event(t, models.EventLesson, env.now.Add(-time.Hour), models.EventPayload{Lesson: 2})
	future := env.event(t, models.EventLesson, env.now.Add(time.Hour), models.EventPayload{Lesson: 3})

	res, err := env.dispatcher(0).DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, []int64{due.ID}, env.advancer.seen)
	assert.Equal(t, []int64{future.ID}, env.pending(t))

	// повторный проход не трогает отправленное событие
	res, err = env.dispatcher(0).DispatchDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)
	assert.Len(t, env.advancer.seen, 1)
}

func TestFailureIsRetriedThenDead(t *testing.T) {
	ctx := context.Background()
	env := newDispatchEnv(t)
	bad := env.event(t, models.EventPitch, env.now, models.EventPayload{})
	good := env.event(t, models.EventLesson, env.now, models.EventPayload{Lesson: 2})
	env.advancer.fails[bad.ID] = errors.New("telegram timeout")

	d := env.dispatcher(2)

	res, err := d.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{Sent: 1, Failed: 1}, res)
	assert.Equal(t, []int64{bad.ID}, env.pending(t))

	res, err = d.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{Failed: 1, Dead: 1}, res)
	assert.Empty(t, env.pending(t))

	res, err = d.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, DispatchResult{}, res)
	assert.Equal(t, []int64{bad.ID, good.ID, bad.ID}, env.advancer.seen)
}

func TestUnlimitedRetries(t *testing.T) {
	ctx := context.Background()
	env := newDispatchEnv(t)
	ev := env.event(t, models.EventPitch, env.now, models.EventPayload{})
	env.advancer.fails[ev.ID] = errors.New("down")

	d := env.dispatcher(0)
	for i := 0; i < 5; i++ {
		_, err := d.DispatchDue(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []int64{ev.ID}, env.pending(t))
}

func TestMessageEventSentDirectly(t *testing.T) {
	ctx := context.Background()
	env := newDispatchEnv(t)
	env.event(t, models.EventMessage, env.now, models.EventPayload{Text: "Осталось 2 места"})

	_, err := env.dispatcher(0).DispatchDue(ctx)
	require.NoError(t, err)

	require.Len(t, env.sender.sent, 1)
	assert.Equal(t, "Осталось 2 места", env.sender.sent[0].Text)
	assert.Equal(t, funnel.ActionPlans, env.sender.sent[0].Buttons[0][0].CallbackData)
	assert.Empty(t, env.advancer.seen)
	assert.Empty(t, env.pending(t))
}

func TestMessageSkippedForPaidUser(t *testing.T) {
	ctx := context.Background()
	env := newDispatchEnv(t)
	require.NoError(t, env.store.Users().SetPaid(ctx, env.user.ID, true))
	env.event(t, models.EventMessage, env.now, models.EventPayload{Text: "Скидка"})

	res, err := env.dispatcher(0).DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Empty(t, env.sender.sent)
}

func TestBlockedUserClosesEvent(t *testing.T) {
	ctx := context.Background()
	env := newDispatchEnv(t)
	env.sender.err = fmt.Errorf("send: %w", messaging.ErrBotBlocked)
	env.event(t, models.EventMessage, env.now, models.EventPayload{Text: "Привет"})

	res, err := env.dispatcher(0).DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Empty(t, env.pending(t))

	u, err := env.store.Users().FindByID(ctx, env.user.ID)
	require.NoError(t, err)
	assert.True(t, u.IsBlocked)
}

type openChannel struct{}

func (openChannel) IsMember(ctx context.Context, channelID string, userID int64) (bool, error) {
	return true, nil
}

func (openChannel) CreateInvite(ctx context.Context, channelID string, ttl time.Duration) (string, error) {
	return "https://t.me/+invite", nil
}

func (openChannel) RevokeInvite(ctx context.Context, channelID, link string) error { return nil }

func (openChannel) RemoveMember(ctx context.Context, channelID string, userID int64) error {
	return nil
}

func TestDelayedLessonDeliveredByEngine(t *testing.T) {
	ctx := context.Background()
	store := storage.NewStorage()
	store.SeedDefaultPlans()
	sender := &fakeSender{}
	now := time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store.SetClock(clock)

	defs := funnel.NewDefinitions(store.Funnels(), nil)
	_, err := defs.Import(ctx, models.FunnelDefinition{
		Slug:      "main",
		Name:      "Main course",
		IsDefault: true,
		Lessons: []models.Lesson{
			{Number: 1, Text: "lesson one"},
			{Number: 2, Text: "lesson two", DelayHours: 24},
		},
		Pitch:   models.Pitch{Text: "Join the private channel"},
		Payment: models.PaymentParams{Plans: []string{"month"}, Gateways: []string{models.GatewayPayme}},
	})
	require.NoError(t, err)

	engine, err := funnel.NewEngine(funnel.Dependencies{
		Users:       store.Users(),
		Answers:     store.Answers(),
		Events:      store.Events(),
		Plans:       store.Plans(),
		Definitions: defs,
		Sender:      sender,
		Channel:     openChannel{},
		Gateways:    []string{models.GatewayPayme},
		Now:         clock,
	})
	require.NoError(t, err)

	u, err := engine.Start(ctx, funnel.Profile{TelegramID: 501, FirstName: "Aziz"}, "")
	require.NoError(t, err)
	require.NoError(t, engine.HandleRegistrationInput(ctx, u.ID, funnel.FieldName, "Aziz Karimov"))
	require.NoError(t, engine.HandleRegistrationInput(ctx, u.ID, funnel.FieldPhone, "90 123 45 67"))
	require.NoError(t, engine.AcknowledgeLesson(ctx, u.ID, 1))

	pending, err := store.Events().ListPendingByUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	lessonEvent := pending[0]

	dispatcher := NewDispatcher(store.Events(), store.Users(), engine, sender, DispatcherConfig{BatchSize: 10}, clock)

	// до срока урок не уходит
	res, err := dispatcher.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Sent)

	now = now.Add(25 * time.Hour)
	before := len(sender.sent)
	res, err = dispatcher.DispatchDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Zero(t, res.Failed)

	stored, err := store.Users().FindByID(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.InLesson(2), stored.Stage)
	require.Greater(t, len(sender.sent), before)
	assert.Contains(t, sender.sent[len(sender.sent)-1].Text, "lesson two")

	// событие отмечено отправленным: повторная отметка не проходит
	marked, err := store.Events().MarkSent(ctx, lessonEvent.ID, now)
	require.NoError(t, err)
	assert.False(t, marked)
	pending, err = store.Events().ListPendingByUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
