// application/services/stats/format.go
package stats

import (
	"fmt"
	"strings"

	"course-funnel-bot/internal/core/domain/funnel"
	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
)

var stageOrder = []struct {
	kind  models.StageKind
	title string
}{
	{models.StageAwaitingName, "Ждём имя"},
	{models.StageAwaitingPhone, "Ждём телефон"},
	{models.StageInLesson, "Смотрят урок"},
	{models.StageLessonScheduled, "Урок по таймеру"},
	{models.StageInQuestion, "Отвечают на вопросы"},
	{models.StageWaitingSubscription, "Ждём подписку"},
	{models.StagePitchScheduled, "Ждут предложение"},
	{models.StageAwaitingPayment, "Ждём оплату"},
	{models.StagePaid, "Оплатили"},
}

// Format собирает текст отчёта
func Format(r *Report) string {
	var b strings.Builder
	b.WriteString("📊 Статистика воронки\n\n")
	fmt.Fprintf(&b, "👥 Пользователей: %d\n", r.Users)
	for _, st := range stageOrder {
		if n := r.Stages[st.kind]; n > 0 {
			fmt.Fprintf(&b, "   • %s: %d\n", st.title, n)
		}
	}
	fmt.Fprintf(&b, "\n💎 Активных подписок: %d\n", r.ActiveSubs)

	if len(r.Gateways) > 0 {
		b.WriteString("\n💳 Оплаты за 24 часа:\n")
		for _, g := range r.Gateways {
			fmt.Fprintf(&b, "   • %s: %d на %s\n", gatewayName(g.Gateway), g.Performed, funnel.FormatAmount(g.Amount))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func gatewayName(gateway string) string {
	switch gateway {
	case models.GatewayPayme:
		return "Payme"
	case models.GatewayClick:
		return "Click"
	}
	return gateway
}
