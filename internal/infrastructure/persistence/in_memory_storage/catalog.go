// internal/infrastructure/persistence/in_memory_storage/catalog.go
package storage

import (
	"context"
	"fmt"
	"sort"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
)

type funnelStore struct{ s *Storage }

func (r *funnelStore) GetByID(ctx context.Context, id int64) (*models.Funnel, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if f, ok := r.s.funnels[id]; ok {
		cp := *f
		return &cp, nil
	}
	return nil, nil
}

func (r *funnelStore) GetBySlug(ctx context.Context, slug string) (*models.Funnel, error) {
	return r.find(func(f *models.Funnel) bool { return f.Slug == slug })
}

func (r *funnelStore) GetDefault(ctx context.Context) (*models.Funnel, error) {
	return r.find(func(f *models.Funnel) bool { return f.IsDefault })
}

func (r *funnelStore) find(match func(*models.Funnel) bool) (*models.Funnel, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, f := range r.s.funnels {
		if match(f) {
			cp := *f
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *funnelStore) List(ctx context.Context) ([]*models.Funnel, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	result := make([]*models.Funnel, 0, len(r.s.funnels))
	for _, f := range r.s.funnels {
		cp := *f
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (r *funnelStore) Upsert(ctx context.Context, f *models.Funnel) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	now := r.s.now()
	for _, existing := range r.s.funnels {
		if existing.Slug == f.Slug {
			existing.Name = f.Name
			existing.Definition = f.Definition
			existing.Version++
			existing.UpdatedAt = now
			*f = *existing
			return nil
		}
	}

	f.ID = r.s.nextID()
	f.Version = 1
	f.IsDefault = false
	f.CreatedAt = now
	f.UpdatedAt = now
	cp := *f
	r.s.funnels[f.ID] = &cp
	return nil
}

func (r *funnelStore) SetDefault(ctx context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	target, ok := r.s.funnels[id]
	if !ok {
		return fmt.Errorf("воронка %d не найдена", id)
	}
	for _, f := range r.s.funnels {
		f.IsDefault = false
	}
	target.IsDefault = true
	return nil
}

type answerStore struct{ s *Storage }

func (r *answerStore) Save(ctx context.Context, a *models.CustDevAnswer) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	a.ID = r.s.nextID()
	a.CreatedAt = r.s.now()
	cp := *a
	r.s.answers = append(r.s.answers, &cp)
	return nil
}

func (r *answerStore) ListByUser(ctx context.Context, userID int64) ([]*models.CustDevAnswer, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var result []*models.CustDevAnswer
	for _, a := range r.s.answers {
		if a.UserID == userID {
			cp := *a
			result = append(result, &cp)
		}
	}
	return result, nil
}

type planStore struct{ s *Storage }

func (r *planStore) GetByID(ctx context.Context, id int64) (*models.Plan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if p, ok := r.s.plans[id]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (r *planStore) GetByCode(ctx context.Context, code string) (*models.Plan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, p := range r.s.plans {
		if p.Code == code {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *planStore) ListActive(ctx context.Context) ([]*models.Plan, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	var result []*models.Plan
	for _, p := range r.s.plans {
		if p.IsActive {
			cp := *p
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DurationDays < result[j].DurationDays })
	return result, nil
}
