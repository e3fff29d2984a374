// internal/core/domain/funnel/callbacks.go
package funnel

import (
	"fmt"
	"strconv"
	"strings"
)

// Действия inline-кнопок
const (
	ActionWatched    = "watched"
	ActionAnswer     = "answer"
	ActionSubscribed = "subscribed"
	ActionPlans      = "plans"
	ActionPay        = "pay"
)

// Callback - разобранные данные inline-кнопки
type Callback struct {
	Action  string
	Lesson  int
	Step    int
	Option  string
	Plan    string
	Gateway string
}

func WatchedData(lesson int) string { return fmt.Sprintf("%s:%d", ActionWatched, lesson) }

func AnswerData(step, option int) string { return fmt.Sprintf("%s:%d:%d", ActionAnswer, step, option) }

func PayData(plan, gateway string) string { return ActionPay + ":" + plan + ":" + gateway }

// ParseCallback разбирает callback_data
func ParseCallback(data string) (Callback, error) {
	parts := strings.Split(data, ":")
	cb := Callback{Action: parts[0]}

	switch cb.Action {
	case ActionSubscribed, ActionPlans:
		if len(parts) == 1 {
			return cb, nil
		}
	case ActionWatched:
		if len(parts) == 2 {
			n, err := strconv.Atoi(parts[1])
			if err == nil && n > 0 {
				cb.Lesson = n
				return cb, nil
			}
		}
	case ActionAnswer:
		if len(parts) == 3 {
			step, err := strconv.Atoi(parts[1])
			if err == nil && step > 0 && parts[2] != "" {
				cb.Step = step
				cb.Option = parts[2]
				return cb, nil
			}
		}
	case ActionPay:
		if len(parts) == 3 && parts[1] != "" && parts[2] != "" {
			cb.Plan = parts[1]
			cb.Gateway = parts[2]
			return cb, nil
		}
	}
	return Callback{}, fmt.Errorf("неизвестные данные кнопки: %q", data)
}
