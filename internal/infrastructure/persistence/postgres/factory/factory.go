// internal/infrastructure/persistence/postgres/factory/factory.go
package postgres_factory

import (
	"fmt"
	"sync"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/database"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/repository/answer"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/repository/funnel"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/repository/invite"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/repository/payment"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/repository/plan"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/repository/scheduled_event"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/repository/subscription"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/repository/users"
	"course-funnel-bot/pkg/logger"

	"github.com/jmoiron/sqlx"
)

// RepositoryFactory фабрика для создания репозиториев PostgreSQL.
// Каждый репозиторий создаётся один раз при первом запросе.
type RepositoryFactory struct {
	db *database.DatabaseService

	userRepository         users.UserRepository
	funnelRepository       funnel.FunnelRepository
	answerRepository       answer.AnswerRepository
	planRepository         plan.PlanRepository
	transactionRepository  payment.TransactionRepository
	subscriptionRepository subscription.SubscriptionRepository
	eventRepository        scheduled_event.EventRepository
	inviteRepository       invite.InviteRepository
	mu                     sync.Mutex
}

// RepositoryDependencies зависимости для фабрики репозиториев
type RepositoryDependencies struct {
	DatabaseService *database.DatabaseService
}

// NewRepositoryFactory создает новую фабрику репозиториев
func NewRepositoryFactory(deps RepositoryDependencies) (*RepositoryFactory, error) {
	if deps.DatabaseService == nil {
		return nil, fmt.Errorf("DatabaseService не может быть nil")
	}
	logger.Info("🏗️  Фабрика репозиториев PostgreSQL создана")
	return &RepositoryFactory{db: deps.DatabaseService}, nil
}

func (rf *RepositoryFactory) conn() (*sqlx.DB, error) {
	db := rf.db.GetDB()
	if db == nil {
		return nil, fmt.Errorf("соединение с базой данных не установлено")
	}
	return db, nil
}

// lazy создает репозиторий под блокировкой фабрики
func lazy[T comparable](rf *RepositoryFactory, slot *T, name string, build func(*sqlx.DB) T) (T, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	var zero T
	if *slot == zero {
		db, err := rf.conn()
		if err != nil {
			return zero, err
		}
		*slot = build(db)
		logger.Debug("[Factory] %s создан", name)
	}
	return *slot, nil
}

// CreateUserRepository создает или возвращает репозиторий пользователей
func (rf *RepositoryFactory) CreateUserRepository() (users.UserRepository, error) {
	return lazy(rf, &rf.userRepository, "UserRepository", users.NewUserRepository)
}

// CreateFunnelRepository создает или возвращает репозиторий воронок
func (rf *RepositoryFactory) CreateFunnelRepository() (funnel.FunnelRepository, error) {
	return lazy(rf, &rf.funnelRepository, "FunnelRepository", funnel.NewFunnelRepository)
}

// CreateAnswerRepository создает или возвращает репозиторий ответов CustDev
func (rf *RepositoryFactory) CreateAnswerRepository() (answer.AnswerRepository, error) {
	return lazy(rf, &rf.answerRepository, "AnswerRepository", answer.NewAnswerRepository)
}

// CreatePlanRepository создает или возвращает репозиторий тарифов
func (rf *RepositoryFactory) CreatePlanRepository() (plan.PlanRepository, error) {
	return lazy(rf, &rf.planRepository, "PlanRepository", plan.NewPlanRepository)
}

// CreateTransactionRepository создает или возвращает репозиторий транзакций
func (rf *RepositoryFactory) CreateTransactionRepository() (payment.TransactionRepository, error) {
	return lazy(rf, &rf.transactionRepository, "TransactionRepository", payment.NewTransactionRepository)
}

// CreateSubscriptionRepository создает или возвращает репозиторий подписок
func (rf *RepositoryFactory) CreateSubscriptionRepository() (subscription.SubscriptionRepository, error) {
	return lazy(rf, &rf.subscriptionRepository, "SubscriptionRepository", subscription.NewSubscriptionRepository)
}

// CreateEventRepository создает или возвращает репозиторий отложенных событий
func (rf *RepositoryFactory) CreateEventRepository() (scheduled_event.EventRepository, error) {
	return lazy(rf, &rf.eventRepository, "EventRepository", scheduled_event.NewEventRepository)
}

// CreateInviteRepository создает или возвращает репозиторий приглашений
func (rf *RepositoryFactory) CreateInviteRepository() (invite.InviteRepository, error) {
	return lazy(rf, &rf.inviteRepository, "InviteRepository", invite.NewInviteRepository)
}
