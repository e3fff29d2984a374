// application/bootstrap/builder.go
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"course-funnel-bot/internal/delivery/httpserver"
	telegram_http "course-funnel-bot/internal/delivery/telegram/app/http_client"
	"course-funnel-bot/internal/infrastructure/cache/redis"
	"course-funnel-bot/internal/infrastructure/config"
	storage "course-funnel-bot/internal/infrastructure/persistence/in_memory_storage"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/database"
	"course-funnel-bot/pkg/logger"
)

// AppBuilder строитель приложения
type AppBuilder struct {
	config   *config.Config
	options  []AppOption
	telegram *telegram_http.TelegramClient
	store    *storage.Storage
	now      func() time.Time
}

// AppOption опция для настройки приложения после сборки
type AppOption func(*Application) error

// NewAppBuilder создает новый строитель приложений
func NewAppBuilder() *AppBuilder {
	return &AppBuilder{}
}

// WithConfig устанавливает конфигурацию
func (b *AppBuilder) WithConfig(cfg *config.Config) *AppBuilder {
	b.config = cfg
	return b
}

// WithConfigFile загружает конфигурацию из файла
func (b *AppBuilder) WithConfigFile(path string) *AppBuilder {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		logger.Warn("⚠️ [Builder] Ошибка загрузки конфигурации: %v", err)
		return b
	}
	b.config = cfg
	return b
}

// WithOption добавляет опцию настройки
func (b *AppBuilder) WithOption(option AppOption) *AppBuilder {
	b.options = append(b.options, option)
	return b
}

// WithTelegramClient подменяет клиент Bot API (тесты, локальный сервер API)
func (b *AppBuilder) WithTelegramClient(client *telegram_http.TelegramClient) *AppBuilder {
	b.telegram = client
	return b
}

// WithMemoryStore использует in-memory хранилище вместо PostgreSQL
func (b *AppBuilder) WithMemoryStore(store *storage.Storage) *AppBuilder {
	b.store = store
	return b
}

// WithClock задает источник времени
func (b *AppBuilder) WithClock(now func() time.Time) *AppBuilder {
	b.now = now
	return b
}

// Build собирает приложение: хранилище, кэш, сервисы и транспорт
func (b *AppBuilder) Build(ctx context.Context) (*Application, error) {
	if b.config == nil {
		return nil, errors.New("конфигурация не задана")
	}
	cfg := b.config
	now := b.now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}

	app := &Application{config: cfg, stopChan: make(chan struct{})}
	checks := make(map[string]httpserver.HealthChecker)

	// 1. Хранилище
	repos, err := b.buildStorage(ctx, app, checks, now)
	if err != nil {
		return nil, err
	}

	// 2. Redis (необязателен)
	if cfg.Redis.Enabled {
		cache := redis.NewCache(cfg.Redis)
		if err := cache.Ping(ctx); err != nil {
			logger.Warn("⚠️ [Builder] Redis недоступен, работаем без кэша: %v", err)
			_ = cache.Close()
		} else {
			app.cache = cache
			checks["redis"] = cache
			logger.Info("✅ [Builder] Redis подключен")
		}
	}

	// 3. Bot API
	tg := b.telegram
	if tg == nil {
		tg = telegram_http.NewTelegramClient(telegram_http.BaseURL(cfg.Telegram.APIURL, cfg.Telegram.BotToken))
	}

	// 4. Сервисы и транспорт
	c, err := wire(cfg, repos, app.cache, tg, checks, now)
	if err != nil {
		app.closeResources()
		return nil, err
	}
	app.components = c

	if err := seedFunnel(ctx, c.definitions, cfg.FunnelFile); err != nil {
		app.closeResources()
		return nil, fmt.Errorf("импорт воронки: %w", err)
	}

	for _, option := range b.options {
		if err := option(app); err != nil {
			app.closeResources()
			return nil, fmt.Errorf("применение опции: %w", err)
		}
	}

	logger.Info("✅ [Builder] Приложение собрано")
	return app, nil
}

func (b *AppBuilder) buildStorage(ctx context.Context, app *Application, checks map[string]httpserver.HealthChecker,
	now func() time.Time) (*repositories, error) {

	if b.store == nil && b.config.Database.Enabled {
		db := database.NewDatabaseService(b.config)
		if err := db.Start(ctx); err != nil {
			return nil, fmt.Errorf("подключение к базе данных: %w", err)
		}
		repos, err := postgresRepositories(db)
		if err != nil {
			_ = db.Stop()
			return nil, err
		}
		app.db = db
		checks["database"] = db
		return repos, nil
	}

	store := b.store
	if store == nil {
		logger.Warn("⚠️ [Builder] DB_ENABLED=false, данные хранятся в памяти процесса")
		store = storage.NewStorage()
		store.SeedDefaultPlans()
	}
	if b.now != nil {
		store.SetClock(now)
	}
	return memoryRepositories(store), nil
}
