// internal/infrastructure/persistence/postgres/models/scheduled_event.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Типы отложенных событий
const (
	EventLesson         = "lesson"          // выдать урок
	EventLessonComplete = "lesson_complete" // автозавершение урока
	EventPitch          = "pitch"           // выдать питч
	EventMessage        = "message"         // прямая отправка текста
)

// EventPayload - данные события
type EventPayload struct {
	FunnelID int64  `json:"funnel_id,omitempty"`
	Lesson   int    `json:"lesson,omitempty"`
	Text     string `json:"text,omitempty"`
}

// Value реализует driver.Valuer
func (p EventPayload) Value() (driver.Value, error) {
	return json.Marshal(p)
}

// Scan реализует sql.Scanner
func (p *EventPayload) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*p = EventPayload{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("неподдерживаемый тип payload: %T", src)
	}
	return json.Unmarshal(data, p)
}

// ScheduledEvent - отложенное действие, выполняется циклом планировщика
type ScheduledEvent struct {
	ID          int64        `db:"id" json:"id"`
	UserID      int64        `db:"user_id" json:"user_id"`
	EventType   string       `db:"event_type" json:"event_type"`
	ScheduledAt time.Time    `db:"scheduled_at" json:"scheduled_at"`
	Payload     EventPayload `db:"payload" json:"payload"`
	Sent        bool         `db:"sent" json:"sent"`
	SentAt      *time.Time   `db:"sent_at" json:"sent_at,omitempty"`
	Cancelled   bool         `db:"cancelled" json:"cancelled"`
	Attempts    int          `db:"attempts" json:"attempts"`
	LastError   *string      `db:"last_error" json:"last_error,omitempty"`
	Dead        bool         `db:"dead" json:"dead"`
	CreatedAt   time.Time    `db:"created_at" json:"created_at"`
}

// IsDue - событие готово к выполнению
func (e *ScheduledEvent) IsDue(now time.Time) bool {
	return !e.Sent && !e.Cancelled && !e.Dead && !e.ScheduledAt.After(now)
}
