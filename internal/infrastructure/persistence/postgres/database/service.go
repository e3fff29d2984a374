// internal/infrastructure/persistence/postgres/database/service.go
package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"course-funnel-bot/internal/infrastructure/config"
	"course-funnel-bot/internal/infrastructure/persistence/postgres"
	"course-funnel-bot/pkg/logger"

	"github.com/jmoiron/sqlx"
)

// DatabaseService управляет жизненным циклом пула соединений
type DatabaseService struct {
	config *config.Config
	db     *sqlx.DB
	mu     sync.RWMutex
	state  ServiceState
}

// ServiceState состояние сервиса
type ServiceState string

const (
	StateStopped  ServiceState = "stopped"
	StateStarting ServiceState = "starting"
	StateRunning  ServiceState = "running"
	StateStopping ServiceState = "stopping"
	StateError    ServiceState = "error"
)

// NewDatabaseService создает новый сервис базы данных
func NewDatabaseService(cfg *config.Config) *DatabaseService {
	return &DatabaseService{
		config: cfg,
		state:  StateStopped,
	}
}

// NewWithDB оборачивает уже открытое соединение (тесты, CLI)
func NewWithDB(db *sqlx.DB) *DatabaseService {
	return &DatabaseService{db: db, state: StateRunning}
}

// Start подключается к PostgreSQL и применяет миграции, если включено
func (ds *DatabaseService) Start(ctx context.Context) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.state == StateRunning {
		return fmt.Errorf("database service already running")
	}

	logger.Info("🔄 Запуск сервиса базы данных...")
	ds.state = StateStarting

	db, err := postgres.Connect(ctx, ds.config)
	if err != nil {
		ds.state = StateError
		return err
	}

	ds.db = db
	ds.state = StateRunning
	return nil
}

// Stop закрывает пул соединений
func (ds *DatabaseService) Stop() error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.state != StateRunning {
		return nil
	}

	logger.Info("🛑 Остановка сервиса базы данных...")
	ds.state = StateStopping

	if ds.db != nil {
		if err := ds.db.Close(); err != nil {
			ds.state = StateError
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	ds.db = nil
	ds.state = StateStopped
	logger.Info("✅ Сервис базы данных остановлен")
	return nil
}

// GetDB возвращает соединение с базой данных
func (ds *DatabaseService) GetDB() *sqlx.DB {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.db
}

// State возвращает состояние сервиса
func (ds *DatabaseService) State() ServiceState {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.state
}

// Ping проверяет доступность базы (health-check HTTP сервера)
func (ds *DatabaseService) Ping(ctx context.Context) error {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	if ds.state != StateRunning || ds.db == nil {
		return fmt.Errorf("database service is %s", ds.state)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return ds.db.PingContext(ctx)
}

// GetStats возвращает статистику пула
func (ds *DatabaseService) GetStats() map[string]interface{} {
	ds.mu.RLock()
	defer ds.mu.RUnlock()

	stats := map[string]interface{}{
		"state":     ds.state,
		"connected": ds.db != nil,
	}
	if ds.db != nil {
		s := ds.db.Stats()
		stats["open_connections"] = s.OpenConnections
		stats["in_use"] = s.InUse
		stats["idle"] = s.Idle
		stats["wait_count"] = s.WaitCount
	}
	return stats
}
