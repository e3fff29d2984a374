// application/services/stats/service.go
package stats

import (
	"context"
	"fmt"
	"time"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	payment_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/payment"
	subscription_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/subscription"
	users_repo "course-funnel-bot/internal/infrastructure/persistence/postgres/repository/users"
)

const reportWindow = 24 * time.Hour

// GatewayTotals - проведённые платежи шлюза за окно отчёта
type GatewayTotals struct {
	Gateway   string
	Performed int
	Amount    int64
}

// Report - срез воронки для администратора
type Report struct {
	Stages        map[models.StageKind]int
	Users         int
	Paid          int
	ActiveSubs    int
	Gateways      []GatewayTotals
	WindowStarted time.Time
}

// Service собирает статистику воронки
type Service struct {
	users    users_repo.UserRepository
	subs     subscription_repo.SubscriptionRepository
	txs      payment_repo.TransactionRepository
	gateways []string
	now      func() time.Time
}

// NewService создает сервис статистики
func NewService(
	users users_repo.UserRepository,
	subs subscription_repo.SubscriptionRepository,
	txs payment_repo.TransactionRepository,
	gateways []string,
	now func() time.Time,
) *Service {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{users: users, subs: subs, txs: txs, gateways: gateways, now: now}
}

// Report считает позиции пользователей, активные подписки и оплаты за сутки
func (s *Service) Report(ctx context.Context) (*Report, error) {
	stages, err := s.users.CountByStage(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта позиций: %w", err)
	}
	active, err := s.subs.CountActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка подсчёта подписок: %w", err)
	}

	now := s.now()
	report := &Report{
		Stages:        stages,
		Paid:          stages[models.StagePaid],
		ActiveSubs:    active,
		WindowStarted: now.Add(-reportWindow),
	}
	for _, n := range stages {
		report.Users += n
	}

	for _, gateway := range s.gateways {
		txs, err := s.txs.ListByGatewayPeriod(ctx, gateway, report.WindowStarted, now)
		if err != nil {
			return nil, fmt.Errorf("ошибка выборки транзакций %s: %w", gateway, err)
		}
		totals := GatewayTotals{Gateway: gateway}
		for _, tx := range txs {
			if tx.State != models.TxPerformed {
				continue
			}
			totals.Performed++
			totals.Amount += tx.Amount
		}
		report.Gateways = append(report.Gateways, totals)
	}
	return report, nil
}

// Text возвращает отчёт в виде сообщения для чата
func (s *Service) Text(ctx context.Context) (string, error) {
	report, err := s.Report(ctx)
	if err != nil {
		return "", err
	}
	return Format(report), nil
}
