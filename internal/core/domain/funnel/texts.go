// internal/core/domain/funnel/texts.go
package funnel

import (
	"fmt"
	"strconv"
	"strings"

	"course-funnel-bot/internal/infrastructure/persistence/postgres/models"
)

var defaultMessages = models.FunnelMessages{
	Welcome:        "👋 Добро пожаловать на курс!",
	AskName:        "Как вас зовут? Напишите имя и фамилию.",
	AskPhone:       "Отправьте номер телефона кнопкой ниже или напишите его в формате +998 90 123 45 67.",
	InvalidName:    "Не похоже на имя. Напишите, пожалуйста, имя и фамилию буквами.",
	InvalidPhone:   "Не получилось распознать номер. Пример: +998 90 123 45 67.",
	Registered:     "✅ Регистрация завершена. Начинаем!",
	NextLessonSoon: "⏳ Следующий урок откроется совсем скоро, мы пришлём его сюда.",
	WatchedButton:  "✅ Посмотрел",
	Finished:       "🎉 Все уроки пройдены! Скоро пришлём специальное предложение.",
	Offer:          "Выберите тариф и способ оплаты:",
	Paid:           "🎉 Оплата получена, спасибо!",
}

const (
	defaultGatePrompt   = "Чтобы открыть следующий урок, подпишитесь на наш канал и нажмите «Я подписался»."
	subscribedButton    = "✅ Я подписался"
	invalidChoiceText   = "Выберите один из вариантов кнопкой ниже."
	emptyAnswerText     = "Ответ не может быть пустым."
	subscribeButtonText = "📢 Перейти в канал"
)

// messagesFor дополняет тексты воронки значениями по умолчанию
func messagesFor(def *models.FunnelDefinition) models.FunnelMessages {
	m := def.Messages
	fill := func(dst *string, fallback string) {
		if *dst == "" {
			*dst = fallback
		}
	}
	fill(&m.Welcome, defaultMessages.Welcome)
	fill(&m.AskName, defaultMessages.AskName)
	fill(&m.AskPhone, defaultMessages.AskPhone)
	fill(&m.InvalidName, defaultMessages.InvalidName)
	fill(&m.InvalidPhone, defaultMessages.InvalidPhone)
	fill(&m.Registered, defaultMessages.Registered)
	fill(&m.NextLessonSoon, defaultMessages.NextLessonSoon)
	fill(&m.WatchedButton, defaultMessages.WatchedButton)
	fill(&m.Finished, defaultMessages.Finished)
	fill(&m.Offer, defaultMessages.Offer)
	fill(&m.Paid, defaultMessages.Paid)
	return m
}

// Describe возвращает понятное описание позиции пользователя
func Describe(stage models.Stage, def *models.FunnelDefinition) string {
	total := def.LastLesson()
	switch stage.Kind {
	case models.StageAwaitingName:
		return "📝 Регистрация: ждём ваше имя."
	case models.StageAwaitingPhone:
		return "📝 Регистрация: ждём номер телефона."
	case models.StageInLesson:
		return fmt.Sprintf("📚 Вы на уроке %d из %d.", stage.Lesson, total)
	case models.StageLessonScheduled:
		return fmt.Sprintf("⏳ Урок %d из %d скоро откроется.", stage.Lesson, total)
	case models.StageInQuestion:
		return fmt.Sprintf("📋 Небольшая анкета после урока %d, вопрос %d.", stage.Lesson, stage.Step)
	case models.StageWaitingSubscription:
		return fmt.Sprintf("📢 Подпишитесь на канал, чтобы открыть урок %d.", stage.Lesson)
	case models.StagePitchScheduled:
		return "🎓 Все уроки пройдены, скоро пришлём специальное предложение."
	case models.StageAwaitingPayment:
		return "🎓 Все уроки пройдены, осталось выбрать тариф."
	case models.StagePaid:
		return "💎 Доступ к закрытому каналу оплачен."
	}
	return "Позиция неизвестна, нажмите /start."
}

// FormatAmount форматирует сумму в тийинах как "199 000 сум"
func FormatAmount(tiyin int64) string {
	digits := strconv.FormatInt(tiyin/100, 10)
	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(' ')
		}
		b.WriteRune(r)
	}
	return b.String() + " сум"
}

func gatewayTitle(gateway string) string {
	switch gateway {
	case models.GatewayPayme:
		return "Payme"
	case models.GatewayClick:
		return "Click"
	}
	return gateway
}

func lessonText(l models.Lesson) string {
	header := fmt.Sprintf("📚 Урок %d", l.Number)
	if l.Title != "" {
		header += ". " + l.Title
	}
	if l.Text == "" {
		return header
	}
	return header + "\n\n" + l.Text
}
