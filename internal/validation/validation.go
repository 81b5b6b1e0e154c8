// Package validation содержит функции валидации входных данных.
package validation

import "strings"

// IsValidEmail выполняет базовую проверку формы адреса электронной почты.
// Полная проверка по RFC не требуется: адрес подтверждается доставкой письма,
// здесь отсекаются только заведомо некорректные значения.
func IsValidEmail(email string) bool {
	if len(email) < 3 || len(email) > 254 {
		return false
	}

	at := strings.IndexByte(email, '@')
	if at <= 0 || at == len(email)-1 {
		return false
	}
	if strings.IndexByte(email[at+1:], '@') != -1 {
		return false
	}

	domain := email[at+1:]
	if strings.IndexByte(domain, '.') <= 0 || strings.HasSuffix(domain, ".") {
		return false
	}

	if strings.ContainsAny(email, " \t\r\n") {
		return false
	}

	return true
}

// ReconcileTotal проверяет сходимость сумм заказа в копейках:
// сумма позиций + налог + доставка должна в точности совпадать с итогом.
// Скидки входят в позиции отрицательными строками, поэтому отдельного
// слагаемого для них нет.
func ReconcileTotal(itemsTotal, tax, shipping, total int64) bool {
	return itemsTotal+tax+shipping == total
}
