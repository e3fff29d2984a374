// internal/infrastructure/persistence/postgres/models/subscription.go
package models

import "time"

// Пороги напоминаний (дней до окончания)
var ReminderThresholds = []int{5, 3, 1}

// Subscription - доступ к каналу, полученный одной проведённой транзакцией
type Subscription struct {
	ID             int64     `db:"id" json:"id"`
	UserID         int64     `db:"user_id" json:"user_id"`
	TransactionID  int64     `db:"transaction_id" json:"transaction_id"`
	PlanID         int64     `db:"plan_id" json:"plan_id"`
	StartDate      time.Time `db:"start_date" json:"start_date"`
	EndDate        time.Time `db:"end_date" json:"end_date"`
	IsActive       bool      `db:"is_active" json:"is_active"`
	Reminder5dSent bool      `db:"reminder_5d_sent" json:"reminder_5d_sent"`
	Reminder3dSent bool      `db:"reminder_3d_sent" json:"reminder_3d_sent"`
	Reminder1dSent bool      `db:"reminder_1d_sent" json:"reminder_1d_sent"`
	ExpiryHandled  bool      `db:"expiry_handled" json:"expiry_handled"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// ReminderSent проверяет флаг напоминания для порога
func (s *Subscription) ReminderSent(days int) bool {
	switch days {
	case 5:
		return s.Reminder5dSent
	case 3:
		return s.Reminder3dSent
	case 1:
		return s.Reminder1dSent
	}
	return true
}

// SetReminderSent выставляет флаг напоминания для порога
func (s *Subscription) SetReminderSent(days int) {
	switch days {
	case 5:
		s.Reminder5dSent = true
	case 3:
		s.Reminder3dSent = true
	case 1:
		s.Reminder1dSent = true
	}
}

// IsExpired - срок истёк на момент now
func (s *Subscription) IsExpired(now time.Time) bool {
	return !now.Before(s.EndDate)
}

// SubscriptionPeriod вычисляет период новой подписки.
// Остаток предыдущей активной подписки переносится на новую.
func SubscriptionPeriod(now time.Time, priorEnd *time.Time, durationDays int) (time.Time, time.Time) {
	base := now
	if priorEnd != nil && priorEnd.After(now) {
		base = *priorEnd
	}
	return now, base.AddDate(0, 0, durationDays)
}

// ActivateParams - параметры создания подписки по транзакции
type ActivateParams struct {
	UserID        int64
	TransactionID int64
	PlanID        int64
	DurationDays  int
	Now           time.Time
}
