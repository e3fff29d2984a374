// internal/core/domain/funnel/input.go
package funnel

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	FieldName  = "name"
	FieldPhone = "phone"

	minNameLetters = 2
	maxNameLength  = 64
)

// NormalizeName схлопывает пробелы и проверяет, что имя похоже на имя
func NormalizeName(raw string) (string, error) {
	name := strings.Join(strings.Fields(raw), " ")
	if name == "" || utf8.RuneCountInString(name) > maxNameLength {
		return "", ErrInvalidName
	}

	letters := 0
	for _, r := range name {
		switch {
		case unicode.IsLetter(r):
			letters++
		case unicode.IsDigit(r):
			return "", ErrInvalidName
		case r == ' ', r == '-', r == '\'', r == '.', r == '`', r == 'ʻ', r == 'ʼ':
		default:
			return "", ErrInvalidName
		}
	}
	if letters < minNameLetters {
		return "", ErrInvalidName
	}
	return name, nil
}

// NormalizePhone приводит номер к виду +<цифры>.
// Девять цифр считаются местным узбекским номером и получают код 998.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
		case r == ' ', r == '-', r == '(', r == ')':
		default:
			return "", ErrInvalidPhone
		}
	}

	digits := b.String()
	switch {
	case len(digits) == 9:
		return "+998" + digits, nil
	case strings.HasPrefix(digits, "998") && len(digits) != 12:
		return "", ErrInvalidPhone
	case len(digits) >= 10 && len(digits) <= 15:
		return "+" + digits, nil
	}
	return "", ErrInvalidPhone
}
