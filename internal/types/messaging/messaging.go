// internal/types/messaging/messaging.go
package messaging

import (
	"context"
	"errors"
	"time"
)

// ErrBotBlocked - пользователь остановил бота, отправка невозможна
var ErrBotBlocked = errors.New("бот заблокирован пользователем")

// Типы медиа
const (
	MediaPhoto    = "photo"
	MediaVideo    = "video"
	MediaDocument = "document"
)

// Button - inline-кнопка: либо callback, либо ссылка
type Button struct {
	Text         string `json:"text"`
	CallbackData string `json:"callback_data,omitempty"`
	URL          string `json:"url,omitempty"`
}

// Message - исходящее сообщение
type Message struct {
	Text           string
	Buttons        [][]Button
	RequestPhone   bool // reply-клавиатура с кнопкой "поделиться контактом"
	RemoveKeyboard bool
}

// Media - вложение: file_id платформы или URL
type Media struct {
	Type   string
	Source string
}

// Sender - отправка сообщений пользователю
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, msg Message) error
	SendMedia(ctx context.Context, chatID int64, media Media, caption string, buttons [][]Button) error
}

// Channel - операции с каналом
type Channel interface {
	IsMember(ctx context.Context, channelID string, userID int64) (bool, error)
	CreateInvite(ctx context.Context, channelID string, ttl time.Duration) (string, error)
	RevokeInvite(ctx context.Context, channelID, link string) error
	// RemoveMember исключает участника и сразу снимает бан, чтобы он мог вернуться
	RemoveMember(ctx context.Context, channelID string, userID int64) error
}

// Row - вспомогательная функция для одной строки кнопок
func Row(buttons ...Button) []Button {
	return buttons
}
