// internal/infrastructure/persistence/postgres/models/invite.go
package models

import "time"

// InviteLink - одноразовая ссылка в закрытый канал
type InviteLink struct {
	ID             int64      `db:"id" json:"id"`
	UserID         int64      `db:"user_id" json:"user_id"`
	SubscriptionID int64      `db:"subscription_id" json:"subscription_id"`
	Link           string     `db:"link" json:"link"`
	IsUsed         bool       `db:"is_used" json:"is_used"`
	ExpiresAt      time.Time  `db:"expires_at" json:"expires_at"`
	CreatedAt      time.Time  `db:"created_at" json:"created_at"`
	UsedAt         *time.Time `db:"used_at" json:"used_at,omitempty"`
}

// IsUsable - ссылку ещё можно отправить пользователю
func (i *InviteLink) IsUsable(now time.Time) bool {
	return !i.IsUsed && now.Before(i.ExpiresAt)
}
