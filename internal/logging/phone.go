package logging

import (
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/leadrelay/internal/phone"
)

// MaskedPhone logs a phone number as its last four digits.
func MaskedPhone(number string) zap.Field {
	return MaskedPhoneKey("phone", number)
}

// MaskedPhoneKey is MaskedPhone with a custom field name.
func MaskedPhoneKey(key, number string) zap.Field {
	last4 := phone.Last4(number)
	if last4 == "" {
		return zap.String(key, "")
	}
	return zap.String(key, "***"+last4)
}
