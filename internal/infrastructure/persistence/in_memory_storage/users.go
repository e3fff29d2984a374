// internal/infrastructure/persistence/in_memory_storage/users.go
package storage

import (
	"context"
	"fmt"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
)

type userStore struct{ s *Storage }

func copyUser(u *models.User) *models.User {
	cp := *u
	cp.Profile = make(models.Profile, len(u.Profile))
	for k, v := range u.Profile {
		cp.Profile[k] = v
	}
	if u.FunnelID != nil {
		id := *u.FunnelID
		cp.FunnelID = &id
	}
	return &cp
}

func (r *userStore) GetOrCreate(ctx context.Context, user *models.User) (*models.User, bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, u := range r.s.users {
		if u.TelegramID == user.TelegramID {
			u.Username = user.Username
			u.FirstName = user.FirstName
			u.UpdatedAt = r.s.now()
			return copyUser(u), false, nil
		}
	}

	now := r.s.now()
	u := &models.User{
		ID:         r.s.nextID(),
		TelegramID: user.TelegramID,
		Username:   user.Username,
		FirstName:  user.FirstName,
		Profile:    models.Profile{},
		Stage:      models.AwaitingName(),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	r.s.users[u.ID] = u
	return copyUser(u), true, nil
}

func (r *userStore) FindByID(ctx context.Context, id int64) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if u, ok := r.s.users[id]; ok {
		return copyUser(u), nil
	}
	return nil, nil
}

func (r *userStore) FindByTelegramID(ctx context.Context, telegramID int64) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, u := range r.s.users {
		if u.TelegramID == telegramID {
			return copyUser(u), nil
		}
	}
	return nil, nil
}

func (r *userStore) CompareAndSetStage(ctx context.Context, userID int64, from, to models.Stage) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[userID]
	if !ok || u.Stage != from {
		return false, nil
	}
	u.Stage = to
	u.UpdatedAt = r.s.now()
	return true, nil
}

func (r *userStore) SaveName(ctx context.Context, userID int64, name string, next models.Stage) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[userID]
	if !ok || u.Kind != models.StageAwaitingName {
		return false, nil
	}
	u.FullName = name
	u.Stage = next
	u.UpdatedAt = r.s.now()
	return true, nil
}

func (r *userStore) SavePhone(ctx context.Context, userID int64, phone string, next models.Stage) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[userID]
	if !ok || u.Kind != models.StageAwaitingPhone {
		return false, nil
	}
	u.Phone = phone
	u.Stage = next
	u.UpdatedAt = r.s.now()
	return true, nil
}

func (r *userStore) SetProfileField(ctx context.Context, userID int64, key, value string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[userID]
	if !ok {
		return fmt.Errorf("пользователь %d не найден", userID)
	}
	if u.Profile == nil {
		u.Profile = models.Profile{}
	}
	u.Profile[key] = value
	return nil
}

func (r *userStore) AssignFunnel(ctx context.Context, userID, funnelID int64, stage models.Stage) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	u, ok := r.s.users[userID]
	if !ok {
		return fmt.Errorf("пользователь %d не найден", userID)
	}

	now := r.s.now()
	for _, p := range r.s.progress {
		if p.UserID == userID && p.IsActive {
			p.IsActive = false
			ended := now
			p.EndedAt = &ended
		}
	}
	r.s.progress = append(r.s.progress, &models.UserFunnelProgress{
		ID: r.s.nextID(), UserID: userID, FunnelID: funnelID, IsActive: true, StartedAt: now,
	})

	id := funnelID
	u.FunnelID = &id
	u.Stage = stage
	u.UpdatedAt = now
	return nil
}

func (r *userStore) ActiveProgress(ctx context.Context, userID int64) (*models.UserFunnelProgress, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	for _, p := range r.s.progress {
		if p.UserID == userID && p.IsActive {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (r *userStore) SetPaid(ctx context.Context, userID int64, paid bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if u, ok := r.s.users[userID]; ok {
		u.IsPaid = paid
	}
	return nil
}

func (r *userStore) SetBlocked(ctx context.Context, userID int64, blocked bool) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	if u, ok := r.s.users[userID]; ok {
		u.IsBlocked = blocked
	}
	return nil
}

func (r *userStore) CountByStage(ctx context.Context) (map[models.StageKind]int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	counts := make(map[models.StageKind]int)
	for _, u := range r.s.users {
		counts[u.Kind]++
	}
	return counts, nil
}
