// application/services/fulfilment/messages.go
package fulfilment

import (
	"fmt"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
	"course-funnel-bot/internal/types/messaging"
)

func paidMessage(sub *models.Subscription, link string) messaging.Message {
	text := fmt.Sprintf("✅ Оплата получена! Доступ открыт до %s.", sub.EndDate.Format("02.01.2006"))
	if link == "" {
		return messaging.Message{Text: text + "\n\nСсылку на канал пришлём в ближайшее время."}
	}
	return messaging.Message{
		Text:    text + "\n\nВаша ссылка на закрытый канал:",
		Buttons: channelButton(link),
	}
}

func inviteMessage(link string) messaging.Message {
	return messaging.Message{
		Text:    "🔑 Ваша ссылка на закрытый канал:",
		Buttons: channelButton(link),
	}
}

func refundMessage() messaging.Message {
	return messaging.Message{Text: "↩️ Платёж отменён, доступ к каналу закрыт."}
}

func channelButton(link string) [][]messaging.Button {
	return [][]messaging.Button{messaging.Row(messaging.Button{Text: "Войти в канал", URL: link})}
}
