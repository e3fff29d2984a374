// internal/core/domain/subscription/messages.go
package subscription

import (
	"fmt"
	"time"

	"course-funnel-bot/internal/types/messaging"
)

var renewButton = [][]messaging.Button{messaging.Row(messaging.Button{Text: "💳 Продлить", CallbackData: "plans"})}

func reminderMessage(days int, end time.Time) messaging.Message {
	return messaging.Message{
		Text: fmt.Sprintf("⏰ Подписка заканчивается через %s (%s). Продлите, чтобы не потерять доступ к каналу.",
			daysText(days), end.Format("02.01.2006")),
		Buttons: renewButton,
	}
}

func expiredMessage() messaging.Message {
	return messaging.Message{
		Text:    "🔒 Подписка закончилась, доступ к каналу закрыт. Продлить можно в любой момент.",
		Buttons: renewButton,
	}
}

func daysText(days int) string {
	switch {
	case days%10 == 1 && days%100 != 11:
		return fmt.Sprintf("%d день", days)
	case days%10 >= 2 && days%10 <= 4 && (days%100 < 10 || days%100 >= 20):
		return fmt.Sprintf("%d дня", days)
	}
	return fmt.Sprintf("%d дней", days)
}
