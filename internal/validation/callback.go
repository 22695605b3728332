// Package validation содержит функции валидации входных данных.
package validation

import (
	"unicode"
	"unicode/utf8"
)

const (
	maxRefLength    = 64
	signatureLength = 64
	// MaxReasonLength ограничивает длину причины отказа.
	MaxReasonLength = 500
)

// IsValidGatewayRef проверяет идентификатор заказа или платежа шлюза:
// латинские буквы, цифры и подчёркивание, не длиннее 64 символов.
func IsValidGatewayRef(ref string) bool {
	if ref == "" || len(ref) > maxRefLength {
		return false
	}

	for _, ch := range ref {
		if ch > unicode.MaxASCII {
			return false
		}
		if !unicode.IsLetter(ch) && !unicode.IsDigit(ch) && ch != '_' {
			return false
		}
	}

	return true
}

// IsValidSignature проверяет, что подпись является hex-записью HMAC-SHA256.
func IsValidSignature(sig string) bool {
	if len(sig) != signatureLength {
		return false
	}

	for _, ch := range sig {
		if !unicode.Is(unicode.ASCII_Hex_Digit, ch) {
			return false
		}
	}

	return true
}

// IsValidReason проверяет причину отказа: допустима пустая строка.
func IsValidReason(reason string) bool {
	return utf8.ValidString(reason) && utf8.RuneCountInString(reason) <= MaxReasonLength
}
