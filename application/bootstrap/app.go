// application/bootstrap/app.go
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"course-funnel-bot/internal/delivery/telegram/app/bot"
	telegram_http "course-funnel-bot/internal/delivery/telegram/app/http_client"
	"course-funnel-bot/internal/infrastructure/cache/redis"
	"course-funnel-bot/internal/infrastructure/config"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/database"
	"course-funnel-bot/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

// Application - собранное приложение и его жизненный цикл
type Application struct {
	config     *config.Config
	components *components
	db         *database.DatabaseService
	cache      *redis.Cache

	mu        sync.RWMutex
	running   bool
	startTime time.Time
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// Run запускает планировщик, HTTP сервер и прием обновлений.
// Блокируется до отмены ctx, вызова Stop или падения HTTP сервера.
func (app *Application) Run(ctx context.Context) error {
	app.mu.Lock()
	if app.running {
		app.mu.Unlock()
		return errors.New("приложение уже запущено")
	}
	app.running = true
	app.startTime = time.Now()
	app.mu.Unlock()

	logger.Info("🚀 Запуск приложения...")
	logger.Status(app.config.Summary())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c := app.components
	c.scheduler.Start(ctx)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- c.server.Start()
	}()

	if err := c.telegram.SetMyCommands(ctx, bot.Commands); err != nil {
		logger.Warn("⚠️ Не удалось установить меню команд: %v", err)
	}

	if err := app.startUpdates(ctx); err != nil {
		app.shutdownWithTimeout(shutdownTimeout)
		return err
	}

	logger.Info("✅ Приложение запущено и работает")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("🛑 Получен сигнал завершения...")
	case <-app.stopChan:
		logger.Info("🛑 Остановка по запросу...")
	case err := <-serverErr:
		if err != nil {
			runErr = fmt.Errorf("HTTP сервер: %w", err)
			logger.Error("❌ %v", runErr)
		}
	}

	app.shutdownWithTimeout(shutdownTimeout)
	return runErr
}

// startUpdates включает вебхук или long polling в зависимости от режима
func (app *Application) startUpdates(ctx context.Context) error {
	c := app.components
	tg := app.config.Telegram

	if app.config.IsWebhookMode() {
		if tg.WebhookURL == "" {
			logger.Info("ℹ️ TG_WEBHOOK_URL не задан, вебхук должен быть зарегистрирован вручную")
			return nil
		}
		if err := c.telegram.SetWebhook(ctx, tg.WebhookURL, tg.WebhookSecret, telegram_http.AllowedUpdates); err != nil {
			return fmt.Errorf("регистрация вебхука: %w", err)
		}
		logger.Info("🔗 Вебхук зарегистрирован: %s", tg.WebhookURL)
		return nil
	}

	// getUpdates не работает при установленном вебхуке
	if err := c.telegram.DeleteWebhook(ctx); err != nil {
		logger.Warn("⚠️ Не удалось снять вебхук: %v", err)
	}
	return c.poller.Start(ctx)
}

// shutdownWithTimeout выполняет graceful shutdown с таймаутом
func (app *Application) shutdownWithTimeout(timeout time.Duration) {
	logger.Info("⏳ Начинаем graceful shutdown (таймаут: %v)...", timeout)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		app.shutdown(ctx)
		close(done)
	}()

	select {
	case <-done:
		logger.Info("✅ Graceful shutdown завершен успешно")
	case <-ctx.Done():
		logger.Warn("⚠️ Таймаут graceful shutdown, принудительное завершение")
	}
}

// shutdown останавливает компоненты в обратном порядке запуска
func (app *Application) shutdown(ctx context.Context) {
	app.mu.Lock()
	defer app.mu.Unlock()

	if !app.running {
		return
	}

	c := app.components
	if c.poller != nil {
		c.poller.Stop()
	}
	if err := c.server.Shutdown(ctx); err != nil {
		logger.Warn("⚠️ Ошибка остановки HTTP сервера: %v", err)
	}
	c.scheduler.Stop()
	app.closeResources()

	app.running = false
	logger.Info("✅ Приложение остановлено. Время работы: %v", time.Since(app.startTime).Round(time.Second))
}

func (app *Application) closeResources() {
	if app.cache != nil {
		if err := app.cache.Close(); err != nil {
			logger.Warn("⚠️ Ошибка закрытия Redis: %v", err)
		}
	}
	if app.db != nil {
		if err := app.db.Stop(); err != nil {
			logger.Warn("⚠️ Ошибка остановки базы данных: %v", err)
		}
	}
}

// Stop просит Run завершиться
func (app *Application) Stop() {
	app.stopOnce.Do(func() { close(app.stopChan) })
}

// Handler - HTTP обработчик приложения (колбэки шлюзов, вебхук, /health)
func (app *Application) Handler() http.Handler {
	return app.components.server.Handler()
}

// Status возвращает состояние приложения
func (app *Application) Status() map[string]interface{} {
	app.mu.RLock()
	defer app.mu.RUnlock()

	status := map[string]interface{}{
		"running": app.running,
		"config":  app.config.Summary(),
		"jobs":    app.components.scheduler.Jobs(),
	}
	if app.running {
		status["uptime"] = time.Since(app.startTime).String()
		status["startTime"] = app.startTime.Format(time.RFC3339)
	}
	if app.db != nil {
		status["database"] = string(app.db.State())
	}
	return status
}
