// internal/core/domain/access/manager.go
package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	invite_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/invite"
	"course-funnel-bot/internal/types/messaging"
	"course-funnel-bot/pkg/logger"
)

var ErrNoChannel = errors.New("закрытый канал не настроен")

const defaultInviteTTL = 24 * time.Hour

// Config параметры доступа к закрытому каналу
type Config struct {
	ChannelID    string
	StaticInvite string        // запасная постоянная ссылка
	InviteTTL    time.Duration // срок жизни одноразовой ссылки
}

// Manager выдаёт одноразовые приглашения и отзывает доступ к каналу
type Manager struct {
	invites invite_repo.InviteRepository
	channel messaging.Channel
	config  Config
	now     func() time.Time
}

// NewManager создает менеджер доступа
func NewManager(invites invite_repo.InviteRepository, channel messaging.Channel, cfg Config, now func() time.Time) *Manager {
	if cfg.InviteTTL <= 0 {
		cfg.InviteTTL = defaultInviteTTL
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{invites: invites, channel: channel, config: cfg, now: now}
}

// IssueInvite возвращает приглашение для подписки. Повторный вызов отдаёт
// существующую ссылку, просроченная неиспользованная ссылка заменяется новой.
func (m *Manager) IssueInvite(ctx context.Context, sub *models.Subscription) (*models.InviteLink, bool, error) {
	if m.config.ChannelID == "" {
		return nil, false, ErrNoChannel
	}

	existing, err := m.invites.GetBySubscription(ctx, sub.ID)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if existing.IsUsed || existing.IsUsable(m.now()) {
			return existing, false, nil
		}
		return m.rotate(ctx, existing)
	}

	link, err := m.channel.CreateInvite(ctx, m.config.ChannelID, m.config.InviteTTL)
	if err != nil {
		return nil, false, fmt.Errorf("ошибка создания приглашения: %w", err)
	}

	inv, created, err := m.invites.CreateIfAbsent(ctx, &models.InviteLink{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Link:           link,
		ExpiresAt:      m.now().Add(m.config.InviteTTL),
	})
	if err != nil {
		m.revokeLink(ctx, link)
		return nil, false, err
	}
	if !created {
		// параллельный вызов сохранил свою ссылку раньше
		m.revokeLink(ctx, link)
		return inv, false, nil
	}

	logger.Info("🎟️ [Access] Приглашение для подписки %d выдано", sub.ID)
	return inv, true, nil
}

func (m *Manager) rotate(ctx context.Context, existing *models.InviteLink) (*models.InviteLink, bool, error) {
	link, err := m.channel.CreateInvite(ctx, m.config.ChannelID, m.config.InviteTTL)
	if err != nil {
		return nil, false, fmt.Errorf("ошибка обновления приглашения: %w", err)
	}

	expiresAt := m.now().Add(m.config.InviteTTL)
	ok, err := m.invites.Rotate(ctx, existing.ID, existing.Link, link, expiresAt)
	if err != nil {
		m.revokeLink(ctx, link)
		return nil, false, err
	}
	if !ok {
		m.revokeLink(ctx, link)
		current, err := m.invites.GetBySubscription(ctx, existing.SubscriptionID)
		return current, false, err
	}

	m.revokeLink(ctx, existing.Link)
	logger.Info("🔄 [Access] Просроченное приглашение подписки %d заменено", existing.SubscriptionID)

	rotated := *existing
	rotated.Link = link
	rotated.ExpiresAt = expiresAt
	return &rotated, true, nil
}

// InviteOrFallback выдаёт ссылку, а при сбое - статическую запасную
func (m *Manager) InviteOrFallback(ctx context.Context, sub *models.Subscription) (string, bool, error) {
	inv, fresh, err := m.IssueInvite(ctx, sub)
	if err == nil {
		return inv.Link, fresh, nil
	}
	if m.config.StaticInvite == "" {
		return "", false, err
	}
	logger.Warn("⚠️ [Access] Приглашение для подписки %d не выдано, отдаём запасную ссылку: %v", sub.ID, err)
	return m.config.StaticInvite, true, nil
}

// Revoke исключает пользователя из канала с возможностью вернуться позже
func (m *Manager) Revoke(ctx context.Context, telegramID int64) error {
	if m.config.ChannelID == "" {
		return ErrNoChannel
	}
	if err := m.channel.RemoveMember(ctx, m.config.ChannelID, telegramID); err != nil {
		return fmt.Errorf("ошибка исключения %d из канала: %w", telegramID, err)
	}
	logger.Info("🔒 [Access] Пользователь %d исключён из канала", telegramID)
	return nil
}

// MarkUsed отмечает вход по приглашению; nil - ссылка не наша или уже отмечена
func (m *Manager) MarkUsed(ctx context.Context, link string, userID int64) (*models.InviteLink, error) {
	inv, err := m.invites.MarkUsed(ctx, link, m.now())
	if err != nil || inv == nil {
		return inv, err
	}
	if inv.UserID != userID {
		logger.Warn("⚠️ [Access] Приглашение подписки %d использовал другой пользователь (%d)", inv.SubscriptionID, userID)
	}
	return inv, nil
}

// ChannelID - идентификатор закрытого канала
func (m *Manager) ChannelID() string {
	return m.config.ChannelID
}

func (m *Manager) revokeLink(ctx context.Context, link string) {
	if err := m.channel.RevokeInvite(ctx, m.config.ChannelID, link); err != nil {
		logger.Warn("⚠️ [Access] Не удалось отозвать ссылку: %v", err)
	}
}
