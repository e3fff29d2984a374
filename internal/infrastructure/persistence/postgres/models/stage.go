// internal/infrastructure/persistence/postgres/models/stage.go
package models

import "fmt"

// StageKind - вид позиции пользователя в воронке
type StageKind string

const (
	StageAwaitingName        StageKind = "awaiting_name"
	StageAwaitingPhone       StageKind = "awaiting_phone"
	StageInLesson            StageKind = "in_lesson"        // урок выдан, ждём "посмотрел"
	StageLessonScheduled     StageKind = "lesson_scheduled" // урок запланирован по таймеру
	StageInQuestion          StageKind = "in_question"
	StageWaitingSubscription StageKind = "waiting_subscription"
	StagePitchScheduled      StageKind = "pitch_scheduled"
	StageAwaitingPayment     StageKind = "awaiting_payment"
	StagePaid                StageKind = "paid"
)

// Stage - размеченное значение позиции пользователя.
// Lesson и Step заполняются только для видов, которым они нужны.
type Stage struct {
	Kind   StageKind `db:"stage_kind" json:"kind"`
	Lesson int       `db:"stage_lesson" json:"lesson"`
	Step   int       `db:"stage_step" json:"step"`
}

func AwaitingName() Stage  { return Stage{Kind: StageAwaitingName} }
func AwaitingPhone() Stage { return Stage{Kind: StageAwaitingPhone} }

func InLesson(n int) Stage        { return Stage{Kind: StageInLesson, Lesson: n} }
func LessonScheduled(n int) Stage { return Stage{Kind: StageLessonScheduled, Lesson: n} }

func InQuestion(afterLesson, step int) Stage {
	return Stage{Kind: StageInQuestion, Lesson: afterLesson, Step: step}
}

// WaitingSubscription - урок n отложен до подписки на канал-спутник
func WaitingSubscription(n int) Stage {
	return Stage{Kind: StageWaitingSubscription, Lesson: n}
}

func PitchScheduled() Stage  { return Stage{Kind: StagePitchScheduled} }
func AwaitingPayment() Stage { return Stage{Kind: StageAwaitingPayment} }
func Paid() Stage            { return Stage{Kind: StagePaid} }

// IsRegistered - имя и телефон уже получены
func (s Stage) IsRegistered() bool {
	return s.Kind != StageAwaitingName && s.Kind != StageAwaitingPhone && s.Kind != ""
}

// Valid проверяет согласованность полей варианта
func (s Stage) Valid() bool {
	switch s.Kind {
	case StageAwaitingName, StageAwaitingPhone, StagePitchScheduled, StageAwaitingPayment, StagePaid:
		return s.Lesson == 0 && s.Step == 0
	case StageInLesson, StageLessonScheduled, StageWaitingSubscription:
		return s.Lesson > 0 && s.Step == 0
	case StageInQuestion:
		return s.Lesson > 0 && s.Step > 0
	}
	return false
}

func (s Stage) String() string {
	switch s.Kind {
	case StageInLesson, StageLessonScheduled, StageWaitingSubscription:
		return fmt.Sprintf("%s(%d)", s.Kind, s.Lesson)
	case StageInQuestion:
		return fmt.Sprintf("%s(%d,%d)", s.Kind, s.Lesson, s.Step)
	}
	return string(s.Kind)
}
