package funnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
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
	media  *messaging.Media
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sentMessage
	fail error
}

func (f *fakeSender) SendMessage(ctx context.Context, chatID int64, msg messaging.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sentMessage{chatID: chatID, msg: msg})
	return nil
}

func (f *fakeSender) SendMedia(ctx context.Context, chatID int64, media messaging.Media, caption string, buttons [][]messaging.Button) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.sent = append(f.sent, sentMessage{chatID: chatID, msg: messaging.Message{Text: caption, Buttons: buttons}, media: &media})
	return nil
}

func (f *fakeSender) last() sentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeChannel struct {
	members map[int64]bool
}

func (c *fakeChannel) IsMember(ctx context.Context, channelID string, userID int64) (bool, error) {
	return c.members[userID], nil
}

func (c *fakeChannel) CreateInvite(ctx context.Context, channelID string, ttl time.Duration) (string, error) {
	return "https://t.me/+invite", nil
}

func (c *fakeChannel) RevokeInvite(ctx context.Context, channelID, link string) error { return nil }

func (c *fakeChannel) RemoveMember(ctx context.Context, channelID string, userID int64) error {
	return nil
}

type testEnv struct {
	engine  *Engine
	store   *storage.Storage
	defs    *Definitions
	sender  *fakeSender
	channel *fakeChannel
	now     time.Time
}

func (env *testEnv) clock() time.Time { return env.now }

func testDefinition() models.FunnelDefinition {
	return models.FunnelDefinition{
		Slug:      "main",
		Name:      "Main course",
		IsDefault: true,
		Lessons: []models.Lesson{
			{Number: 1, Title: "Intro", Text: "lesson one"},
			{Number: 2, Text: "lesson two", DelayHours: 24},
			{Number: 3, Text: "lesson three"},
		},
		Questions: []models.CustDevQuestion{
			{Step: 1, AfterLesson: 2, Text: "Your level?", Kind: models.AnswerChoice, Options: []string{"beginner", "pro"}, ProfileField: "level"},
			{Step: 2, AfterLesson: 2, Text: "Your goal?", Kind: models.AnswerText},
		},
		Pitch: models.Pitch{
			Text:      "Join the private channel",
			FollowUps: []models.FollowUp{{DelayHours: 2, Text: "Last chance"}},
		},
		Payment: models.PaymentParams{Plans: []string{"month"}, Gateways: []string{"payme", "click"}},
	}
}

func newTestEnv(t *testing.T, defs ...models.FunnelDefinition) *testEnv {
	t.Helper()
	ctx := context.Background()

	env := &testEnv{
		store:   storage.NewStorage(),
		sender:  &fakeSender{},
		channel: &fakeChannel{members: map[int64]bool{}},
		now:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	env.store.SeedDefaultPlans()
	env.defs = NewDefinitions(env.store.Funnels(), nil)

	if len(defs) == 0 {
		defs = []models.FunnelDefinition{testDefinition()}
	}
	for _, def := range defs {
		_, err := env.defs.Import(ctx, def)
		require.NoError(t, err)
	}

	engine, err := NewEngine(Dependencies{
		Users:       env.store.Users(),
		Answers:     env.store.Answers(),
		Events:      env.store.Events(),
		Plans:       env.store.Plans(),
		Definitions: env.defs,
		Sender:      env.sender,
		Channel:     env.channel,
		Gateways:    []string{models.GatewayPayme, models.GatewayClick},
		Now:         env.clock,
	})
	require.NoError(t, err)
	env.engine = engine
	return env
}

// register проводит пользователя через регистрацию до первого урока
func (env *testEnv) register(t *testing.T, telegramID int64) *models.User {
	t.Helper()
	ctx := context.Background()

	u, err := env.engine.Start(ctx, Profile{TelegramID: telegramID, FirstName: "Aziz"}, "")
	require.NoError(t, err)
	require.NoError(t, env.engine.HandleRegistrationInput(ctx, u.ID, FieldName, "Aziz Karimov"))
	require.NoError(t, env.engine.HandleRegistrationInput(ctx, u.ID, FieldPhone, "90 123 45 67"))
	return env.user(t, u.ID)
}

func (env *testEnv) user(t *testing.T, id int64) *models.User {
	t.Helper()
	u, err := env.store.Users().FindByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, u)
	return u
}

func TestRegistrationFlow(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	u, err := env.engine.Start(ctx, Profile{TelegramID: 100, FirstName: "Aziz"}, "")
	require.NoError(t, err)
	assert.Equal(t, models.AwaitingName(), env.user(t, u.ID).Stage)
	assert.Equal(t, defaultMessages.AskName, env.sender.last().msg.Text)

	require.NoError(t, env.engine.HandleRegistrationInput(ctx, u.ID, FieldName, "Aziz Karimov"))
	stored := env.user(t, u.ID)
	assert.Equal(t, "Aziz Karimov", stored.FullName)
	assert.Equal(t, models.AwaitingPhone(), stored.Stage)
	assert.True(t, env.sender.last().msg.RequestPhone)

	require.NoError(t, env.engine.HandleRegistrationInput(ctx, u.ID, FieldPhone, "90 123 45 67"))
	stored = env.user(t, u.ID)
	assert.Equal(t, "+998901234567", stored.Phone)
	assert.Equal(t, models.InLesson(1), stored.Stage)

	lesson := env.sender.last()
	assert.Contains(t, lesson.msg.Text, "lesson one")
	require.Len(t, lesson.msg.Buttons, 1)
	assert.Equal(t, WatchedData(1), lesson.msg.Buttons[0][0].CallbackData)
}

func TestInvalidRegistrationInputKeepsStage(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	u, err := env.engine.Start(ctx, Profile{TelegramID: 101}, "")
	require.NoError(t, err)

	err = env.engine.HandleRegistrationInput(ctx, u.ID, FieldName, "R2D2")
	assert.ErrorIs(t, err, ErrInvalidName)
	assert.Equal(t, models.AwaitingName(), env.user(t, u.ID).Stage)
	assert.Equal(t, defaultMessages.InvalidName, env.sender.last().msg.Text)

	// телефон в позиции ожидания имени игнорируется
	require.NoError(t, env.engine.HandleRegistrationInput(ctx, u.ID, FieldPhone, "+998901234567"))
	assert.Equal(t, models.AwaitingName(), env.user(t, u.ID).Stage)
}

func TestDelayedLessonIsScheduled(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	u := env.register(t, 102)

	require.NoError(t, env.engine.AcknowledgeLesson(ctx, u.ID, 1))
	assert.Equal(t, models.LessonScheduled(2), env.user(t, u.ID).Stage)

	pending, err := env.store.Events().ListPendingByUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, models.EventLesson, pending[0].EventType)
	assert.Equal(t, env.now.Add(24*time.Hour), pending[0].ScheduledAt)
	assert.Equal(t, 2, pending[0].Payload.Lesson)

	require.NoError(t, env.engine.AdvanceFromSchedule(ctx, pending[0]))
	assert.Equal(t, models.InLesson(2), env.user(t, u.ID).Stage)
	assert.Contains(t, env.sender.last().msg.Text, "lesson two")
}

func TestAcknowledgeReplayIsNoop(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	u := env.register(t, 103)

	require.NoError(t, env.engine.AcknowledgeLesson(ctx, u.ID, 1))
	sent := env.sender.count()

	require.NoError(t, env.engine.AcknowledgeLesson(ctx, u.ID, 1))
	assert.Equal(t, sent, env.sender.count())

	pending, err := env.store.Events().ListPendingByUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestQuestionsAfterLesson(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	u := env.register(t, 104)

	require.NoError(t, env.engine.AcknowledgeLesson(ctx, u.ID, 1))
	pending, _ := env.store.Events().ListPendingByUser(ctx, u.ID)
	require.NoError(t, env.engine.AdvanceFromSchedule(ctx, pending[0]))

	require.NoError(t, env.engine.AcknowledgeLesson(ctx, u.ID, 2))
	assert.Equal(t, models.InQuestion(2, 1), env.user(t, u.ID).Stage)
	assert.Len(t, env.sender.last().msg.Buttons, 2)

	err := env.engine.AnswerQuestion(ctx, u.ID, 1, "7")
	assert.ErrorIs(t, err, ErrInvalidAnswer)

	require.NoError(t, env.engine.AnswerQuestion(ctx, u.ID, 1, "1"))
	stored := env.user(t, u.ID)
	assert.Equal(t, models.InQuestion(2, 2), stored.Stage)
	assert.Equal(t, "pro", stored.Profile["level"])

	require.NoError(t, env.engine.AnswerQuestion(ctx, u.ID, 2, "  earn   more  "))
	assert.Equal(t, models.InLesson(3), env.user(t, u.ID).Stage)

	answers, err := env.store.Answers().ListByUser(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, answers, 2)
	assert.Equal(t, "earn more", answers[1].Answer)

	// повтор ответа на пройденный вопрос ничего не меняет
	require.NoError(t, env.engine.AnswerQuestion(ctx, u.ID, 2, "again"))
	answers, _ = env.store.Answers().ListByUser(ctx, u.ID)
	assert.Len(t, answers, 2)
}

func TestPitchAndMarkPaid(t *testing.T) {
	ctx := context.Background()
	def := testDefinition()
	def.Lessons = def.Lessons[:1]
	def.Questions = nil
	env := newTestEnv(t, def)
	u := env.register(t, 105)

	require.NoError(t, env.engine.AcknowledgeLesson(ctx, u.ID, 1))
	assert.Equal(t, models.AwaitingPayment(), env.user(t, u.ID).Stage)

	pitch := env.sender.last()
	assert.Equal(t, "Join the private channel", pitch.msg.Text)
	require.Len(t, pitch.msg.Buttons, 2)
	assert.Equal(t, PayData("month", models.GatewayPayme), pitch.msg.Buttons[0][0].CallbackData)
	assert.Contains(t, pitch.msg.Buttons[0][0].Text, "199 000 сум")

	pending, _ := env.store.Events().ListPendingByUser(ctx, u.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, models.EventMessage, pending[0].EventType)
	assert.Equal(t, env.now.Add(2*time.Hour), pending[0].ScheduledAt)

	require.NoError(t, env.engine.MarkPaid(ctx, u.ID))
	stored := env.user(t, u.ID)
	assert.True(t, stored.IsPaid)
	assert.Equal(t, models.Paid(), stored.Stage)

	pending, _ = env.store.Events().ListPendingByUser(ctx, u.ID)
	assert.Empty(t, pending)

	require.NoError(t, env.engine.MarkUnpaid(ctx, u.ID))
	stored = env.user(t, u.ID)
	assert.False(t, stored.IsPaid)
	assert.Equal(t, models.AwaitingPayment(), stored.Stage)
}

func TestDelayedPitch(t *testing.T) {
	ctx := context.Background()
	def := testDefinition()
	def.Lessons = def.Lessons[:1]
	def.Questions = nil
	def.Pitch.DelayHours = 3
	env := newTestEnv(t, def)
	u := env.register(t, 106)

	require.NoError(t, env.engine.AcknowledgeLesson(ctx, u.ID, 1))
	assert.Equal(t, models.PitchScheduled(), env.user(t, u.ID).Stage)

	pending, _ := env.store.Events().ListPendingByUser(ctx, u.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, models.EventPitch, pending[0].EventType)

	require.NoError(t, env.engine.AdvanceFromSchedule(ctx, pending[0]))
	assert.Equal(t, models.AwaitingPayment(), env.user(t, u.ID).Stage)

	// первое выполнение уже перевело позицию: повтор без ошибки ничего не шлёт
	sent := env.sender.count()
	require.NoError(t, env.engine.AdvanceFromSchedule(ctx, pending[0]))
	assert.Equal(t, sent, env.sender.count())
}

func TestSubscriptionGate(t *testing.T) {
	ctx := context.Background()
	def := testDefinition()
	def.Lessons[1].DelayHours = 0
	def.Gate = models.Gate{RequireSubscriptionBeforeLesson: 2, ChannelID: "@companion", ChannelURL: "https://t.me/companion"}
	env := newTestEnv(t, def)
	u := env.register(t, 107)

	require.NoError(t, env.engine.AcknowledgeLesson(ctx, u.ID, 1))
	assert.Equal(t, models.WaitingSubscription(2), env.user(t, u.ID).Stage)

	prompt := env.sender.last().msg
	require.Len(t, prompt.Buttons, 2)
	assert.Equal(t, "https://t.me/companion", prompt.Buttons[0][0].URL)
	assert.Equal(t, ActionSubscribed, prompt.Buttons[1][0].CallbackData)

	err := env.engine.ConfirmSubscription(ctx, u.ID)
	assert.ErrorIs(t, err, ErrNotSubscribed)
	assert.Equal(t, models.WaitingSubscription(2), env.user(t, u.ID).Stage)

	env.channel.members[107] = true
	require.NoError(t, env.engine.ConfirmSubscription(ctx, u.ID))
	assert.Equal(t, models.InLesson(2), env.user(t, u.ID).Stage)
	assert.Contains(t, env.sender.last().msg.Text, "lesson two")
}

func TestAutoAdvanceLesson(t *testing.T) {
	ctx := context.Background()
	def := testDefinition()
	def.Lessons[0].AutoAdvance = true
	def.Lessons[0].AutoAdvanceMinutes = 15
	env := newTestEnv(t, def)
	u := env.register(t, 108)

	assert.Empty(t, env.sender.last().msg.Buttons)
	pending, _ := env.store.Events().ListPendingByUser(ctx, u.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, models.EventLessonComplete, pending[0].EventType)
	assert.Equal(t, env.now.Add(15*time.Minute), pending[0].ScheduledAt)

	require.NoError(t, env.engine.AdvanceFromSchedule(ctx, pending[0]))
	assert.Equal(t, models.LessonScheduled(2), env.user(t, u.ID).Stage)
}

func TestReentryReportsPosition(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	u := env.register(t, 109)

	again, err := env.engine.Start(ctx, Profile{TelegramID: 109}, "")
	require.NoError(t, err)
	assert.Equal(t, u.ID, again.ID)

	stored := env.user(t, u.ID)
	assert.Equal(t, models.InLesson(1), stored.Stage)
	assert.Equal(t, "Aziz Karimov", stored.FullName)

	pos, err := env.engine.Position(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "📚 Вы на уроке 1 из 3.", pos)
}

func TestSwitchFunnelKeepsAnswers(t *testing.T) {
	ctx := context.Background()
	other := testDefinition()
	other.Slug = "webinar"
	other.IsDefault = false
	other.Lessons = []models.Lesson{{Number: 1, Text: "webinar intro"}}
	other.Questions = nil
	env := newTestEnv(t, testDefinition(), other)
	u := env.register(t, 110)

	require.NoError(t, env.store.Answers().Save(ctx, &models.CustDevAnswer{UserID: u.ID, FunnelID: *u.FunnelID, Step: 1, Answer: "pro"}))
	require.NoError(t, env.engine.AcknowledgeLesson(ctx, u.ID, 1))

	_, err := env.engine.Start(ctx, Profile{TelegramID: 110}, "webinar")
	require.NoError(t, err)

	stored := env.user(t, u.ID)
	assert.NotEqual(t, *u.FunnelID, *stored.FunnelID)
	assert.Equal(t, models.InLesson(1), stored.Stage)
	assert.Contains(t, env.sender.last().msg.Text, "webinar intro")

	pending, _ := env.store.Events().ListPendingByUser(ctx, u.ID)
	assert.Empty(t, pending)
	answers, _ := env.store.Answers().ListByUser(ctx, u.ID)
	assert.Len(t, answers, 1)

	progress, err := env.store.Users().ActiveProgress(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, *stored.FunnelID, progress.FunnelID)
}

func TestStartWithUnknownSlug(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.engine.Start(context.Background(), Profile{TelegramID: 111}, "missing")
	assert.ErrorIs(t, err, ErrUnknownFunnel)

	u, err := env.store.Users().FindByTelegramID(context.Background(), 111)
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestSendFailureSurfaces(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	u := env.register(t, 112)

	env.sender.fail = errors.New("network down")
	err := env.engine.AcknowledgeLesson(ctx, u.ID, 1)
	require.Error(t, err)
	// переход зафиксирован, событие на урок 2 поставлено
	assert.Equal(t, models.LessonScheduled(2), env.user(t, u.ID).Stage)
}

func TestScheduledLessonRetryResends(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	u := env.register(t, 113)
	require.NoError(t, env.engine.AcknowledgeLesson(ctx, u.ID, 1))

	pending, _ := env.store.Events().ListPendingByUser(ctx, u.ID)
	ev := pending[0]

	env.sender.fail = fmt.Errorf("timeout")
	require.Error(t, env.engine.AdvanceFromSchedule(ctx, ev))
	assert.Equal(t, models.InLesson(2), env.user(t, u.ID).Stage)

	env.sender.fail = nil
	ev.Attempts = 1
	require.NoError(t, env.engine.AdvanceFromSchedule(ctx, ev))
	assert.Contains(t, env.sender.last().msg.Text, "lesson two")
}

func TestLookupUnknownUser(t *testing.T) {
	env := newTestEnv(t)

	u, err := env.engine.Lookup(context.Background(), 999)
	require.NoError(t, err)
	assert.Nil(t, u)

	registered := env.register(t, 112)
	u, err = env.engine.Lookup(context.Background(), 112)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, registered.ID, u.ID)
}
