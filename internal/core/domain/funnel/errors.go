// internal/core/domain/funnel/errors.go
package funnel

import "errors"

var (
	ErrInvalidName     = errors.New("некорректное имя")
	ErrInvalidPhone    = errors.New("некорректный номер телефона")
	ErrUnknownFunnel   = errors.New("воронка не найдена")
	ErrUnknownQuestion = errors.New("вопрос не найден")
	ErrInvalidAnswer   = errors.New("некорректный ответ")
	ErrUnknownUser     = errors.New("пользователь не найден")
	ErrNotSubscribed   = errors.New("пользователь не подписан на канал")
	ErrUnknownField    = errors.New("неизвестное поле регистрации")
	ErrUnsupported     = errors.New("тип события не поддерживается")
)
