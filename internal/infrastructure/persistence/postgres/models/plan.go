// internal/infrastructure/persistence/postgres/models/plan.go
package models

import "time"

// Plan - тариф подписки (статический каталог)
type Plan struct {
	ID              int64     `db:"id" json:"id"`
	Code            string    `db:"code" json:"code"`
	Name            string    `db:"name" json:"name"`
	DurationDays    int       `db:"duration_days" json:"duration_days"`
	Price           int64     `db:"price" json:"price"` // в тийинах
	DiscountPercent int       `db:"discount_percent" json:"discount_percent"`
	IsActive        bool      `db:"is_active" json:"is_active"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// EffectivePrice возвращает цену с учётом скидки
func (p *Plan) EffectivePrice() int64 {
	if p.DiscountPercent <= 0 {
		return p.Price
	}
	if p.DiscountPercent >= 100 {
		return 0
	}
	return p.Price * int64(100-p.DiscountPercent) / 100
}

// Duration возвращает срок действия
func (p *Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}
