package sanitize

import (
	"errors"
	"fmt"
	"unicode"
	"unicode/utf8"
)

// Validation errors for externally supplied identifiers.
var (
	// ErrEmptyID indicates a required identifier was empty.
	ErrEmptyID = errors.New("identifier cannot be empty")

	// ErrIDTooLong indicates an identifier exceeds MaxIDLength.
	ErrIDTooLong = errors.New("identifier too long")

	// ErrInvalidID indicates an identifier contains invalid UTF-8, whitespace
	// or control characters.
	ErrInvalidID = errors.New("invalid identifier")
)

// MaxIDLength bounds organization, lead and conversation ids accepted over HTTP.
const MaxIDLength = 128

// ValidateID checks an opaque identifier received from a caller.
// Identifiers are escaped before they reach a key, so this only rejects
// values that are empty, oversized, or unprintable.
func ValidateID(id, name string) error {
	if id == "" {
		return fmt.Errorf("%w: %s", ErrEmptyID, name)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrIDTooLong, name, MaxIDLength)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: %s contains invalid UTF-8", ErrInvalidID, name)
	}
	for _, r := range id {
		if unicode.IsControl(r) || unicode.IsSpace(r) {
			return fmt.Errorf("%w: %s contains whitespace or control characters", ErrInvalidID, name)
		}
	}
	return nil
}

// ValidateOptionalID is ValidateID that accepts the empty string.
func ValidateOptionalID(id, name string) error {
	if id == "" {
		return nil
	}
	return ValidateID(id, name)
}
