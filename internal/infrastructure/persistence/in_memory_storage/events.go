// internal/infrastructure/persistence/in_memory_storage/events.go
package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
)

type eventStore struct{ s *Storage }

func copyEvent(e *models.ScheduledEvent) *models.ScheduledEvent {
	cp := *e
	if e.SentAt != nil {
		v := *e.SentAt
		cp.SentAt = &v
	}
	if e.LastError != nil {
		v := *e.LastError
		cp.LastError = &v
	}
	return &cp
}

func (r *eventStore) Create(ctx context.Context, e *models.ScheduledEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e.ID = r.s.nextID()
	e.CreatedAt = r.s.now()
	r.s.events[e.ID] = copyEvent(e)
	return nil
}

func (r *eventStore) ListDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var result []*models.ScheduledEvent
	for _, e := range r.s.events {
		if e.IsDue(now) {
			result = append(result, copyEvent(e))
		}
	}
	sortEvents(result)
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (r *eventStore) MarkSent(ctx context.Context, id int64, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.events[id]
	if !ok || e.Sent {
		return false, nil
	}
	e.Sent = true
	e.SentAt = &at
	return true, nil
}

func (r *eventStore) RecordFailure(ctx context.Context, id int64, errMsg string, maxAttempts int) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	e, ok := r.s.events[id]
	if !ok || e.Sent {
		return false, fmt.Errorf("ошибка записи неудачи события %d: событие не найдено", id)
	}
	e.Attempts++
	e.LastError = &errMsg
	e.Dead = maxAttempts > 0 && e.Attempts >= maxAttempts
	return e.Dead, nil
}

func (r *eventStore) CancelPending(ctx context.Context, userID int64, eventTypes []string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	wanted := make(map[string]bool, len(eventTypes))
	for _, t := range eventTypes {
		wanted[t] = true
	}

	var n int64
	for _, e := range r.s.events {
		if e.UserID != userID || e.Sent || e.Cancelled {
			continue
		}
		if len(wanted) > 0 && !wanted[e.EventType] {
			continue
		}
		e.Cancelled = true
		n++
	}
	return n, nil
}

func (r *eventStore) ListPendingByUser(ctx context.Context, userID int64) ([]*models.ScheduledEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var result []*models.ScheduledEvent
	for _, e := range r.s.events {
		if e.UserID == userID && !e.Sent && !e.Cancelled && !e.Dead {
			result = append(result, copyEvent(e))
		}
	}
	sortEvents(result)
	return result, nil
}

func sortEvents(events []*models.ScheduledEvent) {
	sort.Slice(events, func(i, j int) bool {
		if events[i].ScheduledAt.Equal(events[j].ScheduledAt) {
			return events[i].ID < events[j].ID
		}
		return events[i].ScheduledAt.Before(events[j].ScheduledAt)
	})
}

type inviteStore struct{ s *Storage }

func (r *inviteStore) GetBySubscription(ctx context.Context, subscriptionID int64) (*models.InviteLink, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, inv := range r.s.invites {
		if inv.SubscriptionID == subscriptionID {
			cp := *inv
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *inviteStore) CreateIfAbsent(ctx context.Context, inv *models.InviteLink) (*models.InviteLink, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, existing := range r.s.invites {
		if existing.SubscriptionID == inv.SubscriptionID {
			cp := *existing
			return &cp, false, nil
		}
	}

	created := &models.InviteLink{
		ID:             r.s.nextID(),
		UserID:         inv.UserID,
		SubscriptionID: inv.SubscriptionID,
		Link:           inv.Link,
		ExpiresAt:      inv.ExpiresAt,
		CreatedAt:      r.s.now(),
	}
	r.s.invites[created.ID] = created
	cp := *created
	return &cp, true, nil
}

func (r *inviteStore) Rotate(ctx context.Context, id int64, oldLink, newLink string, expiresAt time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	inv, ok := r.s.invites[id]
	if !ok || inv.Link != oldLink || inv.IsUsed {
		return false, nil
	}
	inv.Link = newLink
	inv.ExpiresAt = expiresAt
	inv.CreatedAt = r.s.now()
	return true, nil
}

func (r *inviteStore) MarkUsed(ctx context.Context, link string, at time.Time) (*models.InviteLink, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, inv := range r.s.invites {
		if inv.Link == link && !inv.IsUsed {
			inv.IsUsed = true
			inv.UsedAt = &at
			cp := *inv
			return &cp, nil
		}
	}
	return nil, nil
}
