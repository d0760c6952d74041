// Package phone canonicalizes customer phone numbers.
//
// Every cache key that carries a customer identity is built from the
// canonical form returned by Normalize, so a number received from the voice
// provider ("+15551234567") and the same number typed into the dashboard
// ("(555) 123-4567") address the same conversation.
package phone

import "strings"

const (
	// InternationalPrefix marks a number that already carries its country code.
	InternationalPrefix = "+"

	// DomesticCountryCode is prepended to ten-digit national numbers.
	DomesticCountryCode = "1"

	domesticLength = 10
)

// Normalize returns the canonical form of a phone number.
//
// Rules:
//   - "" stays "" (no identity)
//   - input carrying the "+" marker keeps its digits as given ("+1 555-123-4567" -> "+15551234567")
//   - 10 digits are domestic: "5551234567" -> "+15551234567"
//   - 11 digits starting with the country code: "15551234567" -> "+15551234567"
//   - any other digit count is prefixed as-is: "447911123456" -> "+447911123456"
//
// Input without any digit has no identity and normalizes to "".
func Normalize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	digits := digitsOnly(raw)
	if digits == "" {
		return ""
	}

	if strings.HasPrefix(raw, InternationalPrefix) {
		return InternationalPrefix + digits
	}

	switch {
	case len(digits) == domesticLength:
		return InternationalPrefix + DomesticCountryCode + digits
	case len(digits) == domesticLength+1 && strings.HasPrefix(digits, DomesticCountryCode):
		return InternationalPrefix + digits
	default:
		return InternationalPrefix + digits
	}
}

// Equal reports whether two textual numbers identify the same subscriber.
// Two empty inputs are not considered equal.
func Equal(a, b string) bool {
	na, nb := Normalize(a), Normalize(b)
	return na != "" && na == nb
}

// Last4 returns the last four digits of the canonical form, for display and logs.
func Last4(raw string) string {
	n := Normalize(raw)
	if len(n) <= 4 {
		return n
	}
	return n[len(n)-4:]
}

func digitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
