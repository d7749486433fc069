// Package dialstring преобразует пользовательский ввод номеронабирателя в
// SIP URI с учетом политики провайдера активного профиля.
//
// Normalize — чистая функция: результат зависит только от введенной строки
// и профиля, пересчитывается на каждую попытку вызова или перевода.
package dialstring

import (
	"errors"
	"fmt"
	"strings"

	"github.com/arzzra/webphone/pkg/profile"
)

// ErrEmptyTarget ввод пуст после обрезки пробелов
var ErrEmptyTarget = errors.New("dial target is empty")

const sipScheme = "sip:"

// Набор символов, допустимых в набираемом номере:
// цифры, международный префикс и коды услуг.
func isDialChar(r rune) bool {
	return (r >= '0' && r <= '9') || r == '+' || r == '*' || r == '#'
}

func isDigit(r rune) bool { return r >= '0' && r <= '9' }

func keep(s string, pred func(rune) bool) string {
	var b strings.Builder
	for _, r := range s {
		if pred(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Normalize превращает сырой ввод в адресуемый SIP URI.
//
// Порядок правил (срабатывает первое подходящее):
//  1. строка уже со схемой sip: — без изменений;
//  2. строка содержит @ — это user@host, добавляется только схема;
//  3. ввод без единого допустимого символа номера — исходная строка
//     как user-часть против домена профиля;
//  4. код услуги (* или #) — без переформатирования;
//  5. явный международный номер (+...) — без переформатирования;
//  6. короткий номер (до 6 цифр) — внутренний, без кода страны;
//  7. обычный номер: для Telnyx срезается префикс 00, к ровно
//     10-значному номеру добавляется код страны.
//
// Возвращает ErrEmptyTarget, если после обрезки пробелов ввод пуст.
func Normalize(raw string, p *profile.Profile) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w", ErrEmptyTarget)
	}

	// Полностью заданная цель
	if strings.HasPrefix(trimmed, sipScheme) {
		return trimmed, nil
	}

	// Явная маршрутизация user@host
	compact := keep(trimmed, func(r rune) bool { return r != ' ' && r != '\t' })
	if strings.Contains(compact, "@") {
		if !strings.HasPrefix(compact, sipScheme) {
			compact = sipScheme + compact
		}
		return compact, nil
	}

	domain := profile.NormalizeDomain(p.Domain)

	restricted := keep(compact, isDialChar)
	if restricted == "" {
		// Буквенный ввод (например, имя из адресной книги):
		// отдаем как есть против домена профиля
		return fmt.Sprintf("%s%s@%s", sipScheme, trimmed, domain), nil
	}

	// Коды услуг (*72, #31# и т.п.) никогда не переформатируются
	if strings.ContainsAny(restricted, "*#") {
		return fmt.Sprintf("%s%s@%s", sipScheme, restricted, domain), nil
	}

	// Уже международный формат
	if strings.HasPrefix(restricted, "+") {
		return fmt.Sprintf("%s%s@%s", sipScheme, restricted, domain), nil
	}

	digits := keep(restricted, isDigit)

	// Короткий номер — внутренний, код страны не добавляется
	if len(digits) <= 6 {
		return fmt.Sprintf("%s%s@%s", sipScheme, digits, domain), nil
	}

	if p.IsTelnyx() {
		digits = normalizeTelnyxNumber(digits)
	}

	return fmt.Sprintf("%s%s@%s", sipScheme, digits, domain), nil
}

// normalizeTelnyxNumber применяет политику Telnyx к номеру нормальной длины:
// срезает международный префикс 00, к ровно 10-значному национальному
// номеру добавляет код страны по умолчанию. 11-значный номер, уже несущий
// код страны, не меняется.
func normalizeTelnyxNumber(digits string) string {
	digits = strings.TrimPrefix(digits, "00")
	if len(digits) == 10 {
		return profile.TelnyxDefaultCountryCode + digits
	}
	return digits
}
