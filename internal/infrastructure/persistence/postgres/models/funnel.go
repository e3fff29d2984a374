// internal/infrastructure/persistence/postgres/models/funnel.go
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Funnel - именованное версионированное описание воронки
type Funnel struct {
	ID         int64            `db:"id" json:"id"`
	Slug       string           `db:"slug" json:"slug"`
	Name       string           `db:"name" json:"name"`
	Version    int              `db:"version" json:"version"`
	IsDefault  bool             `db:"is_default" json:"is_default"`
	Definition FunnelDefinition `db:"definition" json:"definition"`
	CreatedAt  time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time        `db:"updated_at" json:"updated_at"`
}

// FunnelDefinition - уроки, вопросы, питч и правила воронки
type FunnelDefinition struct {
	Slug      string            `yaml:"slug" json:"slug" validate:"required,max=64"`
	Name      string            `yaml:"name" json:"name" validate:"required"`
	IsDefault bool              `yaml:"default" json:"default"`
	Messages  FunnelMessages    `yaml:"messages" json:"messages"`
	Lessons   []Lesson          `yaml:"lessons" json:"lessons" validate:"required,min=1,dive"`
	Questions []CustDevQuestion `yaml:"questions" json:"questions" validate:"dive"`
	Pitch     Pitch             `yaml:"pitch" json:"pitch"`
	Gate      Gate              `yaml:"gate" json:"gate"`
	Payment   PaymentParams     `yaml:"payment" json:"payment"`
}

// FunnelMessages - тексты служебных сообщений
type FunnelMessages struct {
	Welcome        string `yaml:"welcome" json:"welcome"`
	AskName        string `yaml:"ask_name" json:"ask_name"`
	AskPhone       string `yaml:"ask_phone" json:"ask_phone"`
	InvalidName    string `yaml:"invalid_name" json:"invalid_name"`
	InvalidPhone   string `yaml:"invalid_phone" json:"invalid_phone"`
	Registered     string `yaml:"registered" json:"registered"`
	NextLessonSoon string `yaml:"next_lesson_soon" json:"next_lesson_soon"`
	WatchedButton  string `yaml:"watched_button" json:"watched_button"`
	Finished       string `yaml:"finished" json:"finished"`
	Offer          string `yaml:"offer" json:"offer"`
	Paid           string `yaml:"paid" json:"paid"`
}

// Lesson - урок воронки
type Lesson struct {
	Number    int    `yaml:"number" json:"number" validate:"min=1"`
	Title     string `yaml:"title" json:"title"`
	Text      string `yaml:"text" json:"text" validate:"required_without=Media"`
	MediaType string `yaml:"media_type" json:"media_type,omitempty" validate:"omitempty,oneof=photo video document"`
	Media     string `yaml:"media" json:"media,omitempty" validate:"required_with=MediaType"`

	// Задержка перед выдачей после завершения предыдущего шага
	DelayHours int `yaml:"delay_hours" json:"delay_hours" validate:"min=0"`

	// Без кнопки "посмотрел": урок завершается сам через AutoAdvanceMinutes
	AutoAdvance        bool `yaml:"auto_advance" json:"auto_advance"`
	AutoAdvanceMinutes int  `yaml:"auto_advance_minutes" json:"auto_advance_minutes" validate:"min=0"`
}

// Варианты ответа
const (
	AnswerChoice = "choice"
	AnswerText   = "text"
)

// CustDevQuestion - квалифицирующий вопрос после урока
type CustDevQuestion struct {
	Step         int      `yaml:"step" json:"step" validate:"min=1"`
	AfterLesson  int      `yaml:"after_lesson" json:"after_lesson" validate:"min=1"`
	Text         string   `yaml:"text" json:"text" validate:"required"`
	Kind         string   `yaml:"kind" json:"kind" validate:"oneof=choice text"`
	Options      []string `yaml:"options" json:"options,omitempty" validate:"required_if=Kind choice"`
	ProfileField string   `yaml:"profile_field" json:"profile_field,omitempty"`
}

// Pitch - финальное предложение
type Pitch struct {
	Text       string     `yaml:"text" json:"text"`
	MediaType  string     `yaml:"media_type" json:"media_type,omitempty" validate:"omitempty,oneof=photo video document"`
	Media      string     `yaml:"media" json:"media,omitempty"`
	DelayHours int        `yaml:"delay_hours" json:"delay_hours" validate:"min=0"`
	FollowUps  []FollowUp `yaml:"follow_ups" json:"follow_ups,omitempty" validate:"dive"`
}

// FollowUp - дожимающее сообщение после питча
type FollowUp struct {
	DelayHours int    `yaml:"delay_hours" json:"delay_hours" validate:"min=1"`
	Text       string `yaml:"text" json:"text" validate:"required"`
}

// Gate - обязательная подписка на канал-спутник перед уроком
type Gate struct {
	RequireSubscriptionBeforeLesson int    `yaml:"require_subscription_before_lesson" json:"require_subscription_before_lesson" validate:"min=0"`
	ChannelID                       string `yaml:"channel_id" json:"channel_id" validate:"required_with=RequireSubscriptionBeforeLesson"`
	ChannelURL                      string `yaml:"channel_url" json:"channel_url"`
	Prompt                          string `yaml:"prompt" json:"prompt"`
}

// PaymentParams - тарифы и шлюзы воронки
type PaymentParams struct {
	Plans    []string `yaml:"plans" json:"plans"`
	Gateways []string `yaml:"gateways" json:"gateways" validate:"dive,oneof=payme click"`
}

// Lesson возвращает урок по номеру
func (d *FunnelDefinition) Lesson(n int) (Lesson, bool) {
	for _, l := range d.Lessons {
		if l.Number == n {
			return l, true
		}
	}
	return Lesson{}, false
}

// LastLesson возвращает номер последнего урока
func (d *FunnelDefinition) LastLesson() int {
	last := 0
	for _, l := range d.Lessons {
		if l.Number > last {
			last = l.Number
		}
	}
	return last
}

// NextLesson возвращает следующий урок после n
func (d *FunnelDefinition) NextLesson(n int) (Lesson, bool) {
	var (
		next  Lesson
		found bool
	)
	for _, l := range d.Lessons {
		if l.Number > n && (!found || l.Number < next.Number) {
			next, found = l, true
		}
	}
	return next, found
}

// Question возвращает вопрос по шагу
func (d *FunnelDefinition) Question(step int) (CustDevQuestion, bool) {
	for _, q := range d.Questions {
		if q.Step == step {
			return q, true
		}
	}
	return CustDevQuestion{}, false
}

// NextQuestion возвращает следующий вопрос после урока с шагом больше afterStep
func (d *FunnelDefinition) NextQuestion(afterLesson, afterStep int) (CustDevQuestion, bool) {
	var (
		next  CustDevQuestion
		found bool
	)
	for _, q := range d.Questions {
		if q.AfterLesson != afterLesson || q.Step <= afterStep {
			continue
		}
		if !found || q.Step < next.Step {
			next, found = q, true
		}
	}
	return next, found
}

// Value реализует driver.Valuer
func (d FunnelDefinition) Value() (driver.Value, error) {
	return json.Marshal(d)
}

// Scan реализует sql.Scanner
func (d *FunnelDefinition) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("неподдерживаемый тип definition: %T", src)
	}
	return json.Unmarshal(data, d)
}
