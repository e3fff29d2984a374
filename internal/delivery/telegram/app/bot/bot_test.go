package bot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"course-funnel-bot/internal/core/domain/funnel"
	"course-funnel-bot/internal/core/domain/payment"
	telegram_http "course-funnel-bot/internal/delivery/telegram/app/http_client"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	"course-funnel-bot/internal/types/messaging"
)

type fakeFunnel struct {
	mu    sync.Mutex
	users map[int64]*models.User
	calls []string
	err   error
}

func newFakeFunnel() *fakeFunnel {
	return &fakeFunnel{users: make(map[int64]*models.User)}
}

func (f *fakeFunnel) record(format string, args ...interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
	return f.err
}

func (f *fakeFunnel) Lookup(ctx context.Context, telegramID int64) (*models.User, error) {
	return f.users[telegramID], nil
}

func (f *fakeFunnel) Start(ctx context.Context, p funnel.Profile, slug string) (*models.User, error) {
	if slug == "missing" {
		return nil, funnel.ErrUnknownFunnel
	}
	return nil, f.record("start:%d:%s", p.TelegramID, slug)
}

func (f *fakeFunnel) HandleRegistrationInput(ctx context.Context, userID int64, field, value string) error {
	return f.record("input:%d:%s:%s", userID, field, value)
}

func (f *fakeFunnel) AcknowledgeLesson(ctx context.Context, userID int64, lesson int) error {
	return f.record("watched:%d:%d", userID, lesson)
}

func (f *fakeFunnel) AnswerQuestion(ctx context.Context, userID int64, step int, answer string) error {
	return f.record("answer:%d:%d:%s", userID, step, answer)
}

func (f *fakeFunnel) ConfirmSubscription(ctx context.Context, userID int64) error {
	return f.record("subscribed:%d", userID)
}

func (f *fakeFunnel) Offer(ctx context.Context, userID int64) error {
	return f.record("offer:%d", userID)
}

func (f *fakeFunnel) Position(ctx context.Context, userID int64) (string, error) {
	return "Урок 2 из 3", f.record("position:%d", userID)
}

type fakeSender struct {
	mu   sync.Mutex
	sent []messaging.Message
}

func (s *fakeSender) SendMessage(ctx context.Context, chatID int64, msg messaging.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *fakeSender) SendMedia(ctx context.Context, chatID int64, media messaging.Media, caption string, buttons [][]messaging.Button) error {
	return nil
}

type fakeCallbacks struct {
	answered []string
}

func (c *fakeCallbacks) AnswerCallback(ctx context.Context, callbackID, text string) error {
	c.answered = append(c.answered, callbackID)
	return nil
}

type fakeCheckout struct{}

func (fakeCheckout) StartCheckout(ctx context.Context, userID int64, planCode, gateway string) (*payment.Checkout, error) {
	if gateway != models.GatewayPayme {
		return nil, payment.ErrGatewayDisabled
	}
	return &payment.Checkout{
		Transaction: &models.Transaction{OrderID: "o-1", Amount: 19900000},
		Plan:        &models.Plan{Code: planCode, Name: "Месяц"},
		URL:         "https://checkout.paycom.uz/xyz",
	}, nil
}

type fakeInvites struct {
	used []string
}

func (i *fakeInvites) MarkUsed(ctx context.Context, link string, userID int64) (*models.InviteLink, error) {
	i.used = append(i.used, fmt.Sprintf("%s:%d", link, userID))
	return &models.InviteLink{Link: link, UserID: userID}, nil
}

func (i *fakeInvites) ChannelID() string { return "-100500" }

type botEnv struct {
	bot       *TelegramBot
	funnel    *fakeFunnel
	sender    *fakeSender
	callbacks *fakeCallbacks
	invites   *fakeInvites
}

func newBotEnv(rateLimit int) *botEnv {
	env := &botEnv{
		funnel:    newFakeFunnel(),
		sender:    &fakeSender{},
		callbacks: &fakeCallbacks{},
		invites:   &fakeInvites{},
	}
	env.bot = NewTelegramBot(Dependencies{
		Funnel:    env.funnel,
		Checkout:  fakeCheckout{},
		Invites:   env.invites,
		Sender:    env.sender,
		Callbacks: env.callbacks,
		RateLimit: rateLimit,
	})
	return env
}

func (env *botEnv) addUser(telegramID int64, stage models.Stage) *models.User {
	u := &models.User{ID: telegramID * 10, TelegramID: telegramID, Stage: stage}
	env.funnel.users[telegramID] = u
	return u
}

func textUpdate(from int64, text string) telegram_http.Update {
	return telegram_http.Update{Message: &telegram_http.Message{
		From: &telegram_http.User{ID: from, FirstName: "Ali"},
		Chat: telegram_http.Chat{ID: from, Type: "private"},
		Text: text,
	}}
}

func callbackUpdate(from int64, data string) telegram_http.Update {
	return telegram_http.Update{CallbackQuery: &telegram_http.CallbackQuery{
		ID:   "cb-" + data,
		From: telegram_http.User{ID: from},
		Data: data,
	}}
}

func TestStartWithSlug(t *testing.T) {
	env := newBotEnv(0)
	require.NoError(t, env.bot.HandleUpdate(context.Background(), textUpdate(5, "/start marketing")))
	assert.Equal(t, []string{"start:5:marketing"}, env.funnel.calls)
}

func TestStartWithUnknownSlug(t *testing.T) {
	env := newBotEnv(0)
	require.NoError(t, env.bot.HandleUpdate(context.Background(), textUpdate(5, "/start missing")))
	require.Len(t, env.sender.sent, 1)
	assert.Equal(t, unknownCourseText, env.sender.sent[0].Text)
}

func TestFirstMessageWithoutStartRegisters(t *testing.T) {
	env := newBotEnv(0)
	require.NoError(t, env.bot.HandleUpdate(context.Background(), textUpdate(5, "привет")))
	assert.Equal(t, []string{"start:5:"}, env.funnel.calls)
}

func TestTextRoutedByStage(t *testing.T) {
	ctx := context.Background()
	env := newBotEnv(0)

	env.addUser(1, models.AwaitingName())
	env.addUser(2, models.AwaitingPhone())
	env.addUser(3, models.InQuestion(2, 4))
	env.addUser(4, models.AwaitingPayment())

	require.NoError(t, env.bot.HandleUpdate(ctx, textUpdate(1, "  Ali Valiyev ")))
	require.NoError(t, env.bot.HandleUpdate(ctx, textUpdate(2, "901234567")))
	require.NoError(t, env.bot.HandleUpdate(ctx, textUpdate(3, "Таргетолог")))
	require.NoError(t, env.bot.HandleUpdate(ctx, textUpdate(4, "что дальше?")))

	assert.Equal(t, []string{
		"input:10:name:Ali Valiyev",
		"input:20:phone:901234567",
		"answer:30:4:Таргетолог",
		"position:40",
	}, env.funnel.calls)
	require.Len(t, env.sender.sent, 1)
	assert.Equal(t, "Урок 2 из 3", env.sender.sent[0].Text)
}

func TestContactSharing(t *testing.T) {
	ctx := context.Background()
	env := newBotEnv(0)
	env.addUser(7, models.AwaitingPhone())

	own := textUpdate(7, "")
	own.Message.Contact = &telegram_http.Contact{PhoneNumber: "+998901234567", UserID: 7}
	require.NoError(t, env.bot.HandleUpdate(ctx, own))

	foreign := textUpdate(7, "")
	foreign.Message.Contact = &telegram_http.Contact{PhoneNumber: "+998900000000", UserID: 8}
	require.NoError(t, env.bot.HandleUpdate(ctx, foreign))

	assert.Equal(t, []string{"input:70:phone:+998901234567"}, env.funnel.calls)
	require.Len(t, env.sender.sent, 1)
	assert.True(t, env.sender.sent[0].RequestPhone)
}

func TestCommands(t *testing.T) {
	ctx := context.Background()
	env := newBotEnv(0)
	env.addUser(9, models.InLesson(1))

	require.NoError(t, env.bot.HandleUpdate(ctx, textUpdate(9, "/plans")))
	require.NoError(t, env.bot.HandleUpdate(ctx, textUpdate(9, "/status@course_bot")))
	assert.Equal(t, []string{"offer:90", "position:90"}, env.funnel.calls)
}

type fakeStats struct {
	calls int
}

func (s *fakeStats) Text(ctx context.Context) (string, error) {
	s.calls++
	return "📊 Статистика воронки", nil
}

func TestStatsOnlyForAdmins(t *testing.T) {
	ctx := context.Background()
	env := newBotEnv(0)
	stats := &fakeStats{}
	env.bot.deps.Stats = stats
	env.bot.deps.Admins = func(id int64) bool { return id == 1 }
	env.addUser(2, models.InLesson(1))

	require.NoError(t, env.bot.HandleUpdate(ctx, textUpdate(1, "/stats")))
	require.Len(t, env.sender.sent, 1)
	assert.Equal(t, "📊 Статистика воронки", env.sender.sent[0].Text)
	assert.Empty(t, env.funnel.calls)

	// обычный пользователь получает свою позицию
	require.NoError(t, env.bot.HandleUpdate(ctx, textUpdate(2, "/stats")))
	assert.Equal(t, 1, stats.calls)
	assert.Equal(t, []string{"position:20"}, env.funnel.calls)
}

func TestCallbacks(t *testing.T) {
	ctx := context.Background()
	env := newBotEnv(0)
	env.addUser(3, models.InLesson(2))

	for _, data := range []string{
		funnel.WatchedData(2),
		funnel.AnswerData(1, 0),
		funnel.ActionSubscribed,
		funnel.ActionPlans,
		"garbage:::",
	} {
		require.NoError(t, env.bot.HandleUpdate(ctx, callbackUpdate(3, data)))
	}

	assert.Equal(t, []string{"watched:30:2", "answer:30:1:0", "subscribed:30", "offer:30"}, env.funnel.calls)
	assert.Len(t, env.callbacks.answered, 5)
}

func TestPayCallbackSendsCheckoutLink(t *testing.T) {
	ctx := context.Background()
	env := newBotEnv(0)
	env.addUser(3, models.AwaitingPayment())

	require.NoError(t, env.bot.HandleUpdate(ctx, callbackUpdate(3, funnel.PayData("month", models.GatewayPayme))))
	require.Len(t, env.sender.sent, 1)
	msg := env.sender.sent[0]
	assert.Contains(t, msg.Text, "199 000 сум")
	assert.Equal(t, "https://checkout.paycom.uz/xyz", msg.Buttons[0][0].URL)

	require.NoError(t, env.bot.HandleUpdate(ctx, callbackUpdate(3, funnel.PayData("month", "stripe"))))
	require.Len(t, env.sender.sent, 2)
	assert.Equal(t, paymentUnavailable, env.sender.sent[1].Text)
}

func TestInputErrorsAreHandled(t *testing.T) {
	env := newBotEnv(0)
	env.addUser(1, models.AwaitingName())
	env.funnel.err = funnel.ErrInvalidName

	assert.NoError(t, env.bot.HandleUpdate(context.Background(), textUpdate(1, "123")))
}

func TestRateLimit(t *testing.T) {
	ctx := context.Background()
	env := newBotEnv(2)
	env.addUser(1, models.InLesson(1))

	for i := 0; i < 4; i++ {
		require.NoError(t, env.bot.HandleUpdate(ctx, textUpdate(1, "/plans")))
	}
	assert.Len(t, env.funnel.calls, 2)

	require.NoError(t, env.bot.HandleUpdate(ctx, callbackUpdate(1, funnel.ActionPlans)))
	assert.Len(t, env.funnel.calls, 2)
	assert.Equal(t, []string{"cb-plans"}, env.callbacks.answered)
}

func TestGroupMessagesIgnored(t *testing.T) {
	env := newBotEnv(0)
	upd := textUpdate(1, "/start")
	upd.Message.Chat.Type = "supergroup"

	require.NoError(t, env.bot.HandleUpdate(context.Background(), upd))
	assert.Empty(t, env.funnel.calls)
}

func TestChatMemberJoinMarksInviteUsed(t *testing.T) {
	ctx := context.Background()
	env := newBotEnv(0)
	env.addUser(12, models.Paid())

	join := telegram_http.Update{ChatMember: &telegram_http.ChatMemberUpdated{
		Chat:          telegram_http.Chat{ID: -100500, Type: "channel"},
		OldChatMember: telegram_http.ChatMember{Status: "left", User: telegram_http.User{ID: 12}},
		NewChatMember: telegram_http.ChatMember{Status: "member", User: telegram_http.User{ID: 12}},
		InviteLink:    &telegram_http.ChatInviteLink{InviteLink: "https://t.me/+abc"},
	}}
	require.NoError(t, env.bot.HandleUpdate(ctx, join))
	assert.Equal(t, []string{"https://t.me/+abc:120"}, env.invites.used)

	other := join
	other.ChatMember = &telegram_http.ChatMemberUpdated{
		Chat:          telegram_http.Chat{ID: -999},
		OldChatMember: join.ChatMember.OldChatMember,
		NewChatMember: join.ChatMember.NewChatMember,
		InviteLink:    join.ChatMember.InviteLink,
	}
	require.NoError(t, env.bot.HandleUpdate(ctx, other))
	assert.Len(t, env.invites.used, 1)
}

func TestWebhookSecret(t *testing.T) {
	env := newBotEnv(0)
	router := chi.NewRouter()
	NewWebhookHandler(env.bot, "s3cret").RegisterRoutes(router)

	body, err := json.Marshal(textUpdate(5, "/start"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, WebhookRoute, bytes.NewReader(body))
	req.Header.Set(secretHeader, "wrong")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Empty(t, env.funnel.calls)

	req = httptest.NewRequest(http.MethodPost, WebhookRoute, bytes.NewReader(body))
	req.Header.Set(secretHeader, "s3cret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"start:5:"}, env.funnel.calls)
}

type scriptedSource struct {
	mu      sync.Mutex
	batches [][]telegram_http.Update
	offsets []int64
}

func (s *scriptedSource) GetUpdates(ctx context.Context, offset int64, timeout int) ([]telegram_http.Update, error) {
	s.mu.Lock()
	s.offsets = append(s.offsets, offset)
	if len(s.batches) > 0 {
		batch := s.batches[0]
		s.batches = s.batches[1:]
		s.mu.Unlock()
		return batch, nil
	}
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestPollingAdvancesOffset(t *testing.T) {
	env := newBotEnv(0)
	first := textUpdate(5, "/start")
	first.UpdateID = 100
	second := textUpdate(6, "/start")
	second.UpdateID = 101

	source := &scriptedSource{batches: [][]telegram_http.Update{{first, second}}}
	poller := NewPollingClient(env.bot, source)
	require.NoError(t, poller.Start(context.Background()))
	require.Error(t, poller.Start(context.Background()))

	require.Eventually(t, func() bool {
		source.mu.Lock()
		defer source.mu.Unlock()
		return len(source.offsets) >= 2
	}, time.Second, 10*time.Millisecond)
	poller.Stop()

	assert.False(t, poller.IsRunning())
	assert.Equal(t, []int64{0, 102}, source.offsets[:2])
	assert.Equal(t, []string{"start:5:", "start:6:"}, env.funnel.calls)
}

func TestLocalLimiterWindow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewLocalLimiter()
	l.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _, _ := l.CheckRateLimit(ctx, "k", 1, time.Minute)
	assert.True(t, ok)
	ok, count, _ := l.CheckRateLimit(ctx, "k", 1, time.Minute)
	assert.False(t, ok)
	assert.Equal(t, 2, count)

	now = now.Add(time.Minute)
	ok, _, _ = l.CheckRateLimit(ctx, "k", 1, time.Minute)
	assert.True(t, ok)
}
