// internal/delivery/telegram/app/bot/polling.go
package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	telegram_http "course-funnel-bot/internal/delivery/telegram/app/http_client"
	"course-funnel-bot/pkg/logger"
)

// UpdateSource - источник обновлений long polling
type UpdateSource interface {
	GetUpdates(ctx context.Context, offset int64, timeout int) ([]telegram_http.Update, error)
}

// PollingClient - клиент для polling обновлений
type PollingClient struct {
	bot     *TelegramBot
	source  UpdateSource
	offset  int64
	timeout int
	backoff time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPollingClient создает новый polling клиент
func NewPollingClient(bot *TelegramBot, source UpdateSource) *PollingClient {
	return &PollingClient{
		bot:     bot,
		source:  source,
		timeout: 30,
		backoff: 3 * time.Second,
	}
}

// Start запускает polling обновлений
func (pc *PollingClient) Start(ctx context.Context) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.running {
		return fmt.Errorf("polling already running")
	}

	ctx, pc.cancel = context.WithCancel(ctx)
	pc.done = make(chan struct{})
	pc.running = true
	logger.Info("🔄 [Bot] Запуск long polling")

	go pc.pollLoop(ctx)
	return nil
}

// Stop останавливает polling и ждёт завершения текущего запроса
func (pc *PollingClient) Stop() {
	pc.mu.Lock()
	if !pc.running {
		pc.mu.Unlock()
		return
	}
	pc.running = false
	pc.cancel()
	done := pc.done
	pc.mu.Unlock()

	<-done
	logger.Info("🛑 [Bot] Long polling остановлен")
}

// IsRunning проверяет работает ли polling
func (pc *PollingClient) IsRunning() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.running
}

// pollLoop основной цикл polling
func (pc *PollingClient) pollLoop(ctx context.Context) {
	defer close(pc.done)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := pc.fetchUpdates(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("⚠️ [Bot] Ошибка получения обновлений: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pc.backoff):
			}
		}
	}
}

// fetchUpdates получает и обрабатывает одну пачку обновлений
func (pc *PollingClient) fetchUpdates(ctx context.Context) error {
	updates, err := pc.source.GetUpdates(ctx, pc.offset, pc.timeout)
	if err != nil {
		return err
	}
	for _, update := range updates {
		if err := pc.bot.HandleUpdate(ctx, update); err != nil {
			logger.Error("❌ [Bot] Ошибка обработки обновления %d: %v", update.UpdateID, err)
		}
		pc.offset = update.UpdateID + 1
	}
	return nil
}
