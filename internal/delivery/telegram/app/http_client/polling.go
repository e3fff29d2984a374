// internal/delivery/telegram/app/http_client/polling.go
package http_client

import (
	"context"
	"net/http"
	"time"
)

// AllowedUpdates - типы обновлений, которые нужны боту.
// chat_member приходит только если указан явно.
var AllowedUpdates = []string{"message", "callback_query", "chat_member"}

// PollingClient клиент для polling запросов с увеличенным таймаутом
type PollingClient struct {
	api *TelegramClient
}

// NewPollingClient создает новый клиент для polling
func NewPollingClient(baseURL string) *PollingClient {
	api := NewTelegramClient(baseURL)
	api.httpClient = &http.Client{
		Timeout: 35 * time.Second, // Больше чем timeout=30 в Telegram long-polling
	}
	return &PollingClient{api: api}
}

// GetUpdates ждёт обновления начиная с offset
func (c *PollingClient) GetUpdates(ctx context.Context, offset int64, timeout int) ([]Update, error) {
	var updates []Update
	err := c.api.Call(ctx, "getUpdates", map[string]interface{}{
		"offset":          offset,
		"timeout":         timeout,
		"allowed_updates": AllowedUpdates,
	}, &updates)
	return updates, err
}

// SetTimeout устанавливает таймаут для клиента
func (c *PollingClient) SetTimeout(timeout time.Duration) {
	c.api.SetTimeout(timeout)
}
