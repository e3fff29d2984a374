// internal/delivery/telegram/app/http_client/telegram.go
package http_client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"course-funnel-bot/internal/types/messaging"
	"course-funnel-bot/pkg/logger"
)

// DefaultAPIURL - адрес Bot API по умолчанию
const DefaultAPIURL = "https://api.telegram.org"

// APIError - ответ Bot API с ok=false
type APIError struct {
	Method      string
	Code        int
	Description string
	RetryAfter  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: %d %s", e.Method, e.Code, e.Description)
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters,omitempty"`
}

// TelegramClient клиент для работы с Telegram API
type TelegramClient struct {
	httpClient *http.Client
	baseURL    string
}

// BaseURL собирает адрес методов бота
func BaseURL(apiURL, token string) string {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return strings.TrimRight(apiURL, "/") + "/bot" + token + "/"
}

// NewTelegramClient создает новый клиент Telegram
func NewTelegramClient(baseURL string) *TelegramClient {
	return &TelegramClient{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: baseURL,
	}
}

// Call вызывает метод Bot API; result может быть nil
func (c *TelegramClient) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("ошибка сериализации %s: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+method, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ошибка запроса %s: %w", method, err)
	}
	defer resp.Body.Close()

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("ошибка разбора ответа %s (HTTP %d): %w", method, resp.StatusCode, err)
	}
	if !body.OK {
		apiErr := &APIError{Method: method, Code: body.ErrorCode, Description: body.Description}
		if body.Parameters != nil {
			apiErr.RetryAfter = body.Parameters.RetryAfter
		}
		return apiErr
	}

	if result != nil && len(body.Result) > 0 {
		if err := json.Unmarshal(body.Result, result); err != nil {
			return fmt.Errorf("ошибка разбора результата %s: %w", method, err)
		}
	}
	return nil
}

// SendMessage отправляет текстовое сообщение
func (c *TelegramClient) SendMessage(ctx context.Context, chatID int64, msg messaging.Message) error {
	params := map[string]interface{}{
		"chat_id":                  chatID,
		"text":                     msg.Text,
		"disable_web_page_preview": true,
	}
	if markup := replyMarkup(msg); markup != nil {
		params["reply_markup"] = markup
	}
	return sendError(c.Call(ctx, "sendMessage", params, nil))
}

// SendMedia отправляет фото, видео или документ с подписью
func (c *TelegramClient) SendMedia(ctx context.Context, chatID int64, media messaging.Media, caption string, buttons [][]messaging.Button) error {
	method, field := "sendVideo", "video"
	switch media.Type {
	case messaging.MediaPhoto:
		method, field = "sendPhoto", "photo"
	case messaging.MediaDocument:
		method, field = "sendDocument", "document"
	}

	params := map[string]interface{}{
		"chat_id": chatID,
		field:     media.Source,
	}
	if caption != "" {
		params["caption"] = caption
	}
	if markup := replyMarkup(messaging.Message{Buttons: buttons}); markup != nil {
		params["reply_markup"] = markup
	}
	return sendError(c.Call(ctx, method, params, nil))
}

// AnswerCallback снимает "часики" с нажатой кнопки
func (c *TelegramClient) AnswerCallback(ctx context.Context, callbackID, text string) error {
	params := map[string]interface{}{"callback_query_id": callbackID}
	if text != "" {
		params["text"] = text
	}
	return c.Call(ctx, "answerCallbackQuery", params, nil)
}

// IsMember проверяет, состоит ли пользователь в канале
func (c *TelegramClient) IsMember(ctx context.Context, channelID string, userID int64) (bool, error) {
	var member ChatMember
	err := c.Call(ctx, "getChatMember", map[string]interface{}{
		"chat_id": channelID,
		"user_id": userID,
	}, &member)
	if err != nil {
		var apiErr *APIError
		// пользователь ни разу не заходил в канал
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusBadRequest && strings.Contains(apiErr.Description, "user not found") {
			return false, nil
		}
		return false, err
	}
	return isMemberStatus(member), nil
}

// CreateInvite создает одноразовую ссылку с ограниченным сроком действия
func (c *TelegramClient) CreateInvite(ctx context.Context, channelID string, ttl time.Duration) (string, error) {
	params := map[string]interface{}{
		"chat_id":      channelID,
		"member_limit": 1,
	}
	if ttl > 0 {
		params["expire_date"] = time.Now().Add(ttl).Unix()
	}

	var link ChatInviteLink
	if err := c.Call(ctx, "createChatInviteLink", params, &link); err != nil {
		return "", err
	}
	if link.InviteLink == "" {
		return "", errors.New("telegram вернул пустую ссылку")
	}
	return link.InviteLink, nil
}

// RevokeInvite отзывает ссылку-приглашение
func (c *TelegramClient) RevokeInvite(ctx context.Context, channelID, link string) error {
	return c.Call(ctx, "revokeChatInviteLink", map[string]interface{}{
		"chat_id":     channelID,
		"invite_link": link,
	}, nil)
}

// RemoveMember исключает участника: бан и сразу разбан
func (c *TelegramClient) RemoveMember(ctx context.Context, channelID string, userID int64) error {
	if err := c.Call(ctx, "banChatMember", map[string]interface{}{
		"chat_id": channelID,
		"user_id": userID,
	}, nil); err != nil {
		return err
	}

	err := c.Call(ctx, "unbanChatMember", map[string]interface{}{
		"chat_id":        channelID,
		"user_id":        userID,
		"only_if_banned": true,
	}, nil)
	if err != nil {
		logger.Error("❌ [Telegram] Пользователь %d забанен, но не разбанен: %v", userID, err)
		return fmt.Errorf("ошибка разбана %d: %w", userID, err)
	}
	return nil
}

// SetMyCommands устанавливает меню команд
func (c *TelegramClient) SetMyCommands(ctx context.Context, commands []BotCommand) error {
	return c.Call(ctx, "setMyCommands", map[string]interface{}{"commands": commands}, nil)
}

// SetWebhook регистрирует вебхук с секретным токеном
func (c *TelegramClient) SetWebhook(ctx context.Context, url, secret string, allowed []string) error {
	return c.Call(ctx, "setWebhook", map[string]interface{}{
		"url":             url,
		"secret_token":    secret,
		"allowed_updates": allowed,
	}, nil)
}

// DeleteWebhook отключает вебхук перед long polling
func (c *TelegramClient) DeleteWebhook(ctx context.Context) error {
	return c.Call(ctx, "deleteWebhook", map[string]interface{}{}, nil)
}

// SetTimeout устанавливает таймаут для клиента
func (c *TelegramClient) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

// GetBaseURL возвращает базовый URL
func (c *TelegramClient) GetBaseURL() string {
	return c.baseURL
}

// sendError: 403 на отправку - пользователь остановил бота
func sendError(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusForbidden {
		return fmt.Errorf("%w: %s", messaging.ErrBotBlocked, apiErr.Description)
	}
	return err
}

type inlineKeyboard struct {
	InlineKeyboard [][]messaging.Button `json:"inline_keyboard"`
}

type keyboardButton struct {
	Text           string `json:"text"`
	RequestContact bool   `json:"request_contact,omitempty"`
}

type replyKeyboard struct {
	Keyboard        [][]keyboardButton `json:"keyboard"`
	ResizeKeyboard  bool               `json:"resize_keyboard"`
	OneTimeKeyboard bool               `json:"one_time_keyboard"`
}

type removeKeyboard struct {
	RemoveKeyboard bool `json:"remove_keyboard"`
}

func replyMarkup(msg messaging.Message) interface{} {
	switch {
	case msg.RequestPhone:
		return replyKeyboard{
			Keyboard:        [][]keyboardButton{{{Text: "📱 Поделиться номером", RequestContact: true}}},
			ResizeKeyboard:  true,
			OneTimeKeyboard: true,
		}
	case len(msg.Buttons) > 0:
		return inlineKeyboard{InlineKeyboard: msg.Buttons}
	case msg.RemoveKeyboard:
		return removeKeyboard{RemoveKeyboard: true}
	}
	return nil
}

var (
	_ messaging.Sender  = (*TelegramClient)(nil)
	_ messaging.Channel = (*TelegramClient)(nil)
)
