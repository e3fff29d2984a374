// application/scheduler/dispatcher.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"course-funnel-bot/internal/core/domain/funnel"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	event_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/scheduled_event"
	users_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/users"
	"course-funnel-bot/internal/types/messaging"
	"course-funnel-bot/pkg/logger"
)

// Advancer - переходы воронки по наступившим событиям
type Advancer interface {
	AdvanceFromSchedule(ctx context.Context, ev *models.ScheduledEvent) error
}

// DispatcherConfig параметры доставки
type DispatcherConfig struct {
	BatchSize   int
	MaxAttempts int // 0 - повторять без ограничения
}

// Dispatcher выбирает наступившие события и выполняет их.
// Событие отмечается отправленным только после успешного действия.
type Dispatcher struct {
	events event_repo.EventRepository
	users  users_repo.UserRepository
	funnel Advancer
	sender messaging.Sender
	config DispatcherConfig
	now    func() time.Time
}

// NewDispatcher создает диспетчер событий
func NewDispatcher(events event_repo.EventRepository, users users_repo.UserRepository, funnel Advancer,
	sender messaging.Sender, cfg DispatcherConfig, now func() time.Time) *Dispatcher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{events: events, users: users, funnel: funnel, sender: sender, config: cfg, now: now}
}

// DispatchResult итог одного прохода
type DispatchResult struct {
	Sent   int
	Failed int
	Dead   int
}

// DispatchDue обрабатывает одну пачку наступивших событий. Ошибка одного
// события не прерывает обработку остальных.
func (d *Dispatcher) DispatchDue(ctx context.Context) (DispatchResult, error) {
	var res DispatchResult

	due, err := d.events.ListDue(ctx, d.now(), d.config.BatchSize)
	if err != nil {
		return res, fmt.Errorf("ошибка выборки событий: %w", err)
	}

	for _, ev := range due {
		if ctx.Err() != nil {
			break
		}

		err := d.dispatch(ctx, ev)
		if errors.Is(err, messaging.ErrBotBlocked) {
			logger.Warn("🚫 [Scheduler] Пользователь %d заблокировал бота, событие %d закрыто", ev.UserID, ev.ID)
			if bErr := d.users.SetBlocked(ctx, ev.UserID, true); bErr != nil {
				logger.Error("❌ [Scheduler] Не удалось отметить блокировку %d: %v", ev.UserID, bErr)
			}
			err = nil
		}

		if err != nil {
			res.Failed++
			dead, rErr := d.events.RecordFailure(ctx, ev.ID, err.Error(), d.config.MaxAttempts)
			if rErr != nil {
				logger.Error("❌ [Scheduler] Не удалось записать ошибку события %d: %v", ev.ID, rErr)
			}
			if dead {
				res.Dead++
				logger.Error("💀 [Scheduler] Событие %d (%s) исчерпало попытки: %v", ev.ID, ev.EventType, err)
			} else {
				logger.Warn("⚠️ [Scheduler] Событие %d (%s) не выполнено, повтор на следующем шаге: %v", ev.ID, ev.EventType, err)
			}
			continue
		}

		if _, err := d.events.MarkSent(ctx, ev.ID, d.now()); err != nil {
			// действие выполнено: повтор даст дубль, но не потерю
			logger.Error("❌ [Scheduler] Не удалось отметить событие %d: %v", ev.ID, err)
			continue
		}
		res.Sent++
	}

	if len(due) > 0 {
		logger.Info("📬 [Scheduler] События: выполнено %d, ошибок %d, отброшено %d", res.Sent, res.Failed, res.Dead)
	}
	return res, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, ev *models.ScheduledEvent) error {
	if ev.EventType == models.EventMessage {
		return d.sendMessage(ctx, ev)
	}
	return d.funnel.AdvanceFromSchedule(ctx, ev)
}

// sendMessage - прямая отправка дожимающего сообщения
func (d *Dispatcher) sendMessage(ctx context.Context, ev *models.ScheduledEvent) error {
	u, err := d.users.FindByID(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if u == nil || u.IsPaid || u.IsBlocked || ev.Payload.Text == "" {
		return nil
	}
	if ev.Payload.FunnelID != 0 && u.FunnelID != nil && *u.FunnelID != ev.Payload.FunnelID {
		return nil
	}

	return d.sender.SendMessage(ctx, u.TelegramID, messaging.Message{
		Text:    ev.Payload.Text,
		Buttons: [][]messaging.Button{messaging.Row(messaging.Button{Text: "💳 Тарифы", CallbackData: funnel.ActionPlans})},
	})
}
