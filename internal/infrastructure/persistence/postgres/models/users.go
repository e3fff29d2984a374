// internal/infrastructure/persistence/postgres/models/users.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// User - участник воронки
type User struct {
	ID         int64   `db:"id" json:"id"`
	TelegramID int64   `db:"telegram_id" json:"telegram_id"`
	Username   string  `db:"username" json:"username"`
	FirstName  string  `db:"first_name" json:"first_name"`
	FullName   string  `db:"full_name" json:"full_name"`
	Phone      string  `db:"phone" json:"phone"`
	FunnelID   *int64  `db:"funnel_id" json:"funnel_id,omitempty"` // активная воронка
	Profile    Profile `db:"profile" json:"profile"`               // поля из ответов CustDev
	IsPaid     bool    `db:"is_paid" json:"is_paid"`
	IsBlocked  bool    `db:"is_blocked" json:"is_blocked"`

	Stage

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// DisplayName возвращает имя для обращения
func (u *User) DisplayName() string {
	if u.FullName != "" {
		return u.FullName
	}
	if u.FirstName != "" {
		return u.FirstName
	}
	return u.Username
}

// Profile - JSONB поле с ответами, записанными в профиль
type Profile map[string]string

// Value реализует driver.Valuer
func (p Profile) Value() (driver.Value, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p)
}

// Scan реализует sql.Scanner
func (p *Profile) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*p = Profile{}
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("неподдерживаемый тип profile: %T", src)
	}
	out := Profile{}
	if err := json.Unmarshal(data, &out); err != nil {
		return err
	}
	*p = out
	return nil
}

// UserFunnelProgress - назначение пользователя на воронку
type UserFunnelProgress struct {
	ID        int64      `db:"id" json:"id"`
	UserID    int64      `db:"user_id" json:"user_id"`
	FunnelID  int64      `db:"funnel_id" json:"funnel_id"`
	IsActive  bool       `db:"is_active" json:"is_active"`
	StartedAt time.Time  `db:"started_at" json:"started_at"`
	EndedAt   *time.Time `db:"ended_at" json:"ended_at,omitempty"`
}

// CustDevAnswer - ответ на квалифицирующий вопрос (только добавление)
type CustDevAnswer struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	FunnelID  int64     `db:"funnel_id" json:"funnel_id"`
	Lesson    int       `db:"lesson" json:"lesson"`
	Step      int       `db:"step" json:"step"`
	Answer    string    `db:"answer" json:"answer"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}
