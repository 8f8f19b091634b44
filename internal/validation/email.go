// Package validation содержит функции валидации входных данных.
package validation

import (
	"net/mail"
	"strings"
)

// NormalizeEmail проверяет корректность адреса и приводит его к нижнему регистру.
// Сопоставление пользователей по email регистронезависимое.
func NormalizeEmail(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", false
	}

	addr, err := mail.ParseAddress(s)
	if err != nil {
		return "", false
	}

	// mail.ParseAddress допускает форму "Имя <адрес>", нам нужен только адрес.
	return strings.ToLower(addr.Address), true
}
