// application/scheduler/jobs.go
package scheduler

import (
	"context"
	"errors"
	"time"

	"course-funnel-bot/pkg/logger"
)

// Lifecycle - напоминания и истечение подписок
type Lifecycle interface {
	ProcessReminders(ctx context.Context, batch int) (int, error)
	ProcessExpired(ctx context.Context, batch int) (int, error)
}

// Recoverer досоздаёт недовыданные подписки и приглашения
type Recoverer interface {
	Recover(ctx context.Context, batch int) (int, error)
}

// JobsConfig интервалы задач
type JobsConfig struct {
	EventsEvery    time.Duration
	LifecycleEvery time.Duration
	RecoveryEvery  time.Duration
	BatchSize      int
}

// Имена задач
const (
	JobScheduledEvents       = "scheduled-events"
	JobSubscriptionLifecycle = "subscription-lifecycle"
	JobGrantRecovery         = "grant-recovery"
)

// EventsJob доставляет наступившие события воронки
func EventsJob(d *Dispatcher, every time.Duration) *Job {
	return &Job{
		Name:        JobScheduledEvents,
		Description: "Доставка отложенных уроков, питчей и сообщений",
		Schedule:    Every(every),
		Quiet:       true,
		Handler: func(ctx context.Context) error {
			_, err := d.DispatchDue(ctx)
			return err
		},
	}
}

// LifecycleJob рассылает напоминания и закрывает доступ по истёкшим подпискам
func LifecycleJob(l Lifecycle, every time.Duration, batch int) *Job {
	return &Job{
		Name:        JobSubscriptionLifecycle,
		Description: "Напоминания за 5/3/1 день и истечение подписок",
		Schedule:    Every(every),
		Handler: func(ctx context.Context) error {
			reminded, rErr := l.ProcessReminders(ctx, batch)
			expired, eErr := l.ProcessExpired(ctx, batch)
			if reminded > 0 || expired > 0 {
				logger.Info("⏰ [Scheduler] Напоминаний: %d, истекло подписок: %d", reminded, expired)
			}
			return errors.Join(rErr, eErr)
		},
	}
}

// RecoveryJob повторяет выдачу после сбоев между оплатой и приглашением
func RecoveryJob(r Recoverer, every time.Duration, batch int) *Job {
	return &Job{
		Name:        JobGrantRecovery,
		Description: "Восстановление выдачи доступа после сбоев",
		Schedule:    Every(every),
		Quiet:       true,
		Handler: func(ctx context.Context) error {
			n, err := r.Recover(ctx, batch)
			if n > 0 {
				logger.Info("🩹 [Scheduler] Восстановлено выдач: %d", n)
			}
			return err
		},
	}
}

// RegisterJobs регистрирует все задачи приложения
func RegisterJobs(s *Scheduler, cfg JobsConfig, d *Dispatcher, l Lifecycle, r Recoverer) {
	if cfg.EventsEvery <= 0 {
		cfg.EventsEvery = 5 * time.Second
	}
	if cfg.LifecycleEvery <= 0 {
		cfg.LifecycleEvery = time.Hour
	}
	if cfg.RecoveryEvery <= 0 {
		cfg.RecoveryEvery = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}

	s.Register(EventsJob(d, cfg.EventsEvery))
	if l != nil {
		s.Register(LifecycleJob(l, cfg.LifecycleEvery, cfg.BatchSize))
	}
	if r != nil {
		s.Register(RecoveryJob(r, cfg.RecoveryEvery, cfg.BatchSize))
	}
}
