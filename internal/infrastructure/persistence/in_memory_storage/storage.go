// internal/infrastructure/persistence/in_memory_storage/storage.go
package storage

import (
	"sync"
	"time"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/repository/answer"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/repository/funnel"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/repository/invite"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/repository/payment"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/repository/plan"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/repository/scheduled_event"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/repository/subscription"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/repository/users"
)

// Storage - in-memory реализация хранилища с теми же гарантиями условных обновлений,
// что и PostgreSQL. Используется в тестах и при DB_ENABLED=false.
type Storage struct {
	mu sync.Mutex

	now func() time.Time

	users    map[int64]*models.User
	progress []*models.UserFunnelProgress
	funnels  map[int64]*models.Funnel
	answers  []*models.CustDevAnswer
	plans    map[int64]*models.Plan
	txs      map[int64]*models.Transaction
	subs     map[int64]*models.Subscription
	events   map[int64]*models.ScheduledEvent
	invites  map[int64]*models.InviteLink

	seq int64
}

// NewStorage создает пустое хранилище
func NewStorage() *Storage {
	return &Storage{
		now:     func() time.Time { return time.Now().UTC() },
		users:   make(map[int64]*models.User),
		funnels: make(map[int64]*models.Funnel),
		plans:   make(map[int64]*models.Plan),
		txs:     make(map[int64]*models.Transaction),
		subs:    make(map[int64]*models.Subscription),
		events:  make(map[int64]*models.ScheduledEvent),
		invites: make(map[int64]*models.InviteLink),
	}
}

// SetClock подменяет источник времени для created_at/updated_at
func (s *Storage) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Storage) nextID() int64 {
	s.seq++
	return s.seq
}

// AddPlan добавляет тариф в каталог
func (s *Storage) AddPlan(p models.Plan) *models.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()

	p.ID = s.nextID()
	p.CreatedAt = s.now()
	s.plans[p.ID] = &p
	cp := p
	return &cp
}

// SeedDefaultPlans заполняет каталог тарифами по умолчанию
func (s *Storage) SeedDefaultPlans() {
	s.AddPlan(models.Plan{Code: "month", Name: "1 oy", DurationDays: 30, Price: 19900000, IsActive: true})
	s.AddPlan(models.Plan{Code: "quarter", Name: "3 oy", DurationDays: 90, Price: 59700000, DiscountPercent: 15, IsActive: true})
	s.AddPlan(models.Plan{Code: "year", Name: "1 yil", DurationDays: 365, Price: 238800000, DiscountPercent: 30, IsActive: true})
}

func (s *Storage) Users() users.UserRepository                        { return &userStore{s} }
func (s *Storage) Funnels() funnel.FunnelRepository                   { return &funnelStore{s} }
func (s *Storage) Answers() answer.AnswerRepository                   { return &answerStore{s} }
func (s *Storage) Plans() plan.PlanRepository                         { return &planStore{s} }
func (s *Storage) Transactions() payment.TransactionRepository        { return &txStore{s} }
func (s *Storage) Subscriptions() subscription.SubscriptionRepository { return &subStore{s} }
func (s *Storage) Events() scheduled_event.EventRepository            { return &eventStore{s} }
func (s *Storage) Invites() invite.InviteRepository                   { return &inviteStore{s} }
