// internal/delivery/telegram/app/bot/webhook.go
package bot

import (
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	telegram_http "course-funnel-bot/internal/delivery/telegram/app/http_client"
	"course-funnel-bot/pkg/logger"
)

// WebhookRoute - путь вебхука бота
const WebhookRoute = "/telegram/webhook"

const secretHeader = "X-Telegram-Bot-Api-Secret-Token"

// WebhookHandler принимает обновления от Telegram
type WebhookHandler struct {
	bot     *TelegramBot
	secret  string
	maxBody int64
}

// NewWebhookHandler создает обработчик вебхука
func NewWebhookHandler(bot *TelegramBot, secret string) *WebhookHandler {
	return &WebhookHandler{bot: bot, secret: secret, maxBody: 1 << 20}
}

// RegisterRoutes регистрирует маршрут вебхука
func (h *WebhookHandler) RegisterRoutes(router chi.Router) {
	router.Post(WebhookRoute, h.ServeHTTP)
}

// ServeHTTP обрабатывает обновление. Ошибка обработки не возвращается Telegram,
// иначе он будет повторять одно и то же обновление.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(secretHeader)
	if h.secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
		logger.Warn("⚠️ [Bot] Вебхук с неверным секретом от %s", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, h.maxBody))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	var update telegram_http.Update
	if err := json.Unmarshal(body, &update); err != nil {
		logger.Warn("⚠️ [Bot] Не удалось разобрать обновление: %v", err)
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if err := h.bot.HandleUpdate(r.Context(), update); err != nil {
		logger.Error("❌ [Bot] Ошибка обработки обновления %d: %v", update.UpdateID, err)
	}
	w.WriteHeader(http.StatusOK)
}
