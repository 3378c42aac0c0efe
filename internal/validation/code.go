// Package validation содержит функции валидации и нормализации входных данных.
package validation

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	minCodeLength   = 6
	maxCodeLength   = 64
	minPrefixLength = 2
	maxPrefixLength = 16
	maxSearchLength = 100
)

// NormalizeCode приводит код активации к каноническому виду и проверяет формат.
// Код состоит из групп заглавных букв и цифр, разделённых дефисами.
func NormalizeCode(raw string) (string, bool) {
	code := strings.ToUpper(strings.TrimSpace(raw))
	if len(code) < minCodeLength || len(code) > maxCodeLength {
		return "", false
	}

	prevDash := true
	for _, ch := range code {
		if ch == '-' {
			if prevDash {
				return "", false
			}
			prevDash = true
			continue
		}
		if !isCodeRune(ch) {
			return "", false
		}
		prevDash = false
	}

	if prevDash {
		return "", false
	}

	return code, true
}

// NormalizePrefix приводит префикс партии кодов к каноническому виду.
// Префикс — от 2 до 16 заглавных букв и цифр.
func NormalizePrefix(raw string) (string, bool) {
	prefix := strings.ToUpper(strings.TrimSpace(raw))
	if len(prefix) < minPrefixLength || len(prefix) > maxPrefixLength {
		return "", false
	}

	for _, ch := range prefix {
		if !isCodeRune(ch) {
			return "", false
		}
	}

	return prefix, true
}

func isCodeRune(ch rune) bool {
	return (ch >= 'A' && ch <= 'Z') || unicode.IsDigit(ch)
}

// SanitizeText убирает управляющие символы и лишние пробелы из произвольной
// пользовательской строки (комментарии, фильтры поиска).
func SanitizeText(raw string) string {
	var b strings.Builder
	space := false

	for _, ch := range raw {
		if unicode.IsControl(ch) || unicode.IsSpace(ch) {
			space = true
			continue
		}
		if space && b.Len() > 0 {
			b.WriteRune(' ')
		}
		space = false
		b.WriteRune(ch)
	}

	s := b.String()
	if len(s) > maxSearchLength {
		// Обрезка по границе руны: срез по байтам мог бы разрезать
		// многобайтовый символ и дать невалидный UTF-8.
		cut := maxSearchLength
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}
