// internal/infrastructure/persistence/in_memory_storage/payments.go
package storage

import (
	"context"
	"sort"
	"time"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/repository/subscription"
)

type txStore struct{ s *Storage }

func copyTx(t *models.Transaction) *models.Transaction {
	cp := *t
	if t.GatewayTxID != nil {
		v := *t.GatewayTxID
		cp.GatewayTxID = &v
	}
	if t.GatewayTime != nil {
		v := *t.GatewayTime
		cp.GatewayTime = &v
	}
	if t.Reason != nil {
		v := *t.Reason
		cp.Reason = &v
	}
	if t.PerformTime != nil {
		v := *t.PerformTime
		cp.PerformTime = &v
	}
	if t.CancelTime != nil {
		v := *t.CancelTime
		cp.CancelTime = &v
	}
	return &cp
}

func (r *txStore) byOrder(orderID string) *models.Transaction {
	for _, t := range r.s.txs {
		if t.OrderID == orderID {
			return t
		}
	}
	return nil
}

func (r *txStore) CreateIfAbsent(ctx context.Context, t *models.Transaction) (*models.Transaction, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if existing := r.byOrder(t.OrderID); existing != nil {
		return copyTx(existing), false, nil
	}

	created := &models.Transaction{
		ID:         r.s.nextID(),
		OrderID:    t.OrderID,
		UserID:     t.UserID,
		PlanID:     t.PlanID,
		Amount:     t.Amount,
		Gateway:    t.Gateway,
		State:      models.TxCreated,
		CreateTime: t.CreateTime,
		UpdatedAt:  r.s.now(),
	}
	r.s.txs[created.ID] = created
	return copyTx(created), true, nil
}

func (r *txStore) GetByID(ctx context.Context, id int64) (*models.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if t, ok := r.s.txs[id]; ok {
		return copyTx(t), nil
	}
	return nil, nil
}

func (r *txStore) GetByOrderID(ctx context.Context, orderID string) (*models.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if t := r.byOrder(orderID); t != nil {
		return copyTx(t), nil
	}
	return nil, nil
}

func (r *txStore) GetByGatewayTxID(ctx context.Context, gateway, gatewayTxID string) (*models.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, t := range r.s.txs {
		if t.Gateway == gateway && t.GatewayTxID != nil && *t.GatewayTxID == gatewayTxID {
			return copyTx(t), nil
		}
	}
	return nil, nil
}

// transition применяет mutate, если состояние заказа входит в from
func (r *txStore) transition(orderID string, from []models.TxState, mutate func(*models.Transaction)) bool {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	t := r.byOrder(orderID)
	if t == nil {
		return false
	}
	for _, st := range from {
		if t.State == st {
			mutate(t)
			t.UpdatedAt = r.s.now()
			return true
		}
	}
	return false
}

func (r *txStore) MarkPending(ctx context.Context, orderID, gatewayTxID string, gatewayTime int64) (bool, error) {
	return r.transition(orderID, []models.TxState{models.TxCreated}, func(t *models.Transaction) {
		t.State = models.TxPending
		t.GatewayTxID = &gatewayTxID
		t.GatewayTime = &gatewayTime
	}), nil
}

func (r *txStore) MarkPerformed(ctx context.Context, orderID string, at time.Time) (bool, error) {
	return r.transition(orderID, []models.TxState{models.TxCreated, models.TxPending}, func(t *models.Transaction) {
		t.State = models.TxPerformed
		t.PerformTime = &at
	}), nil
}

func (r *txStore) MarkCancelled(ctx context.Context, orderID string, reason int, at time.Time) (bool, error) {
	return r.transition(orderID, []models.TxState{models.TxCreated, models.TxPending}, func(t *models.Transaction) {
		t.State = models.TxCancelled
		t.Reason = &reason
		t.CancelTime = &at
	}), nil
}

func (r *txStore) MarkCancelledAfterPerform(ctx context.Context, orderID string, reason int, at time.Time) (bool, error) {
	return r.transition(orderID, []models.TxState{models.TxPerformed}, func(t *models.Transaction) {
		t.State = models.TxCancelledAfterPerform
		t.Reason = &reason
		t.CancelTime = &at
	}), nil
}

func (r *txStore) ListByGatewayPeriod(ctx context.Context, gateway string, from, to time.Time) ([]*models.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var result []*models.Transaction
	for _, t := range r.s.txs {
		if t.Gateway != gateway || t.GatewayTxID == nil {
			continue
		}
		if t.CreateTime.Before(from) || t.CreateTime.After(to) {
			continue
		}
		result = append(result, copyTx(t))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreateTime.Before(result[j].CreateTime) })
	return result, nil
}

func (r *txStore) ListPerformedWithoutSubscription(ctx context.Context, limit int) ([]*models.Transaction, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	granted := make(map[int64]bool, len(r.s.subs))
	for _, sub := range r.s.subs {
		granted[sub.TransactionID] = true
	}

	var result []*models.Transaction
	for _, t := range r.s.txs {
		if t.State == models.TxPerformed && !granted[t.ID] {
			result = append(result, copyTx(t))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

type subStore struct{ s *Storage }

func (r *subStore) Activate(ctx context.Context, p models.ActivateParams) (*models.Subscription, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if t, ok := r.s.txs[p.TransactionID]; !ok || t.State != models.TxPerformed {
		return nil, false, subscription.ErrTransactionNotPerformed
	}

	for _, sub := range r.s.subs {
		if sub.TransactionID == p.TransactionID {
			cp := *sub
			return &cp, false, nil
		}
	}

	now := r.s.now()
	var priorEnd *time.Time
	for _, sub := range r.s.subs {
		if sub.UserID == p.UserID && sub.IsActive {
			sub.IsActive = false
			sub.UpdatedAt = now
			end := sub.EndDate
			priorEnd = &end
		}
	}

	start, end := models.SubscriptionPeriod(p.Now, priorEnd, p.DurationDays)
	created := &models.Subscription{
		ID:            r.s.nextID(),
		UserID:        p.UserID,
		TransactionID: p.TransactionID,
		PlanID:        p.PlanID,
		StartDate:     start,
		EndDate:       end,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	r.s.subs[created.ID] = created
	cp := *created
	return &cp, true, nil
}

func (r *subStore) GetByID(ctx context.Context, id int64) (*models.Subscription, error) {
	return r.first(func(s *models.Subscription) bool { return s.ID == id })
}

func (r *subStore) GetByTransactionID(ctx context.Context, transactionID int64) (*models.Subscription, error) {
	return r.first(func(s *models.Subscription) bool { return s.TransactionID == transactionID })
}

func (r *subStore) GetActiveByUser(ctx context.Context, userID int64) (*models.Subscription, error) {
	return r.first(func(s *models.Subscription) bool { return s.UserID == userID && s.IsActive })
}

func (r *subStore) first(match func(*models.Subscription) bool) (*models.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, sub := range r.s.subs {
		if match(sub) {
			cp := *sub
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *subStore) list(limit int, match func(*models.Subscription) bool) []*models.Subscription {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var result []*models.Subscription
	for _, sub := range r.s.subs {
		if match(sub) {
			cp := *sub
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].EndDate.Before(result[j].EndDate) })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (r *subStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*models.Subscription, error) {
	return r.list(limit, func(s *models.Subscription) bool {
		allSent := s.Reminder5dSent && s.Reminder3dSent && s.Reminder1dSent
		return s.IsActive && !s.ExpiryHandled && !s.EndDate.After(before) && !allSent
	}), nil
}

func (r *subStore) ListExpiredUnhandled(ctx context.Context, now time.Time, limit int) ([]*models.Subscription, error) {
	return r.list(limit, func(s *models.Subscription) bool {
		return s.IsActive && !s.ExpiryHandled && !s.EndDate.After(now)
	}), nil
}

func (r *subStore) ListActiveWithoutInvite(ctx context.Context, limit int) ([]*models.Subscription, error) {
	r.s.mu.Lock()
	invited := make(map[int64]bool, len(r.s.invites))
	for _, inv := range r.s.invites {
		invited[inv.SubscriptionID] = true
	}
	r.s.mu.Unlock()

	return r.list(limit, func(s *models.Subscription) bool {
		return s.IsActive && !invited[s.ID]
	}), nil
}

func (r *subStore) MarkRemindersSent(ctx context.Context, id int64, thresholds []int) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	sub, ok := r.s.subs[id]
	if !ok {
		return false, nil
	}
	changed := false
	for _, d := range thresholds {
		if !sub.ReminderSent(d) {
			sub.SetReminderSent(d)
			changed = true
		}
	}
	if changed {
		sub.UpdatedAt = r.s.now()
	}
	return changed, nil
}

func (r *subStore) MarkExpired(ctx context.Context, id int64) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	sub, ok := r.s.subs[id]
	if !ok || sub.ExpiryHandled {
		return false, nil
	}
	sub.IsActive = false
	sub.ExpiryHandled = true
	sub.UpdatedAt = r.s.now()
	return true, nil
}

func (r *subStore) DeactivateByTransaction(ctx context.Context, transactionID int64) (*models.Subscription, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, sub := range r.s.subs {
		if sub.TransactionID == transactionID {
			sub.IsActive = false
			sub.UpdatedAt = r.s.now()
			cp := *sub
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *subStore) CountActive(ctx context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	n := 0
	for _, sub := range r.s.subs {
		if sub.IsActive {
			n++
		}
	}
	return n, nil
}
