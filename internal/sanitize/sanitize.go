// Package sanitize escapes and validates externally supplied identifiers.
//
// Organization ids, lead ids and phone numbers end up inside cache keys and
// NATS subjects. Both only tolerate a restricted alphabet, and a crafted id
// must never be able to address another tenant's keys. Segment therefore
// escapes rather than strips: two different inputs always produce two
// different segments.
package sanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	// MaxSegmentLength is the maximum length of an escaped key segment.
	// Longer segments are truncated and suffixed with a hash of the full value.
	MaxSegmentLength = 128

	// HashSuffixLength is the length of the hash suffix added to truncated segments.
	// Format: _<16-char-hash> = 17 characters total
	HashSuffixLength = 17

	// EscapeChar introduces a two-digit hex escape. It never appears unescaped.
	EscapeChar = '='

	// EmptySegment stands in for an empty input. A lone escape character cannot
	// be produced by escaping any non-empty input.
	EmptySegment = "="
)

const hexDigits = "0123456789ABCDEF"

// Segment escapes s for use as one dot-delimited cache key segment or NATS
// subject token.
//
// Rules applied:
//   - [A-Za-z0-9_-] pass through unchanged
//   - every other byte becomes "=XX" (uppercase hex), including '=' itself
//   - "" becomes EmptySegment
//   - results longer than MaxSegmentLength are truncated with a hash suffix
//
// Examples:
//
//	"orgA"          -> "orgA"
//	"+15551234567"  -> "=2B15551234567"
//	"acme.motors"   -> "acme=2Emotors"
func Segment(s string) string {
	if s == "" {
		return EmptySegment
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isPlain(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte(EscapeChar)
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0F])
	}

	escaped := b.String()
	if len(escaped) > MaxSegmentLength {
		escaped = truncateWithHash(escaped)
	}
	return escaped
}

// Identifier lowercases s and replaces every character outside [a-z0-9_]
// with an underscore. Unlike Segment it is lossy; use it for labels and
// display, never for keys.
func Identifier(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}

func isPlain(c byte) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '_' || c == '-'
}

// truncateWithHash truncates s to MaxSegmentLength, appending a hash of the
// full value so distinct long inputs stay distinct.
//
// Format: <truncated>_<16-char-hash>
func truncateWithHash(s string) string {
	hash := sha256.Sum256([]byte(s))
	suffix := "_" + hex.EncodeToString(hash[:])[:HashSuffixLength-1]

	base := s[:MaxSegmentLength-HashSuffixLength]
	// Never cut an escape sequence in half.
	if i := strings.LastIndexByte(base, EscapeChar); i >= 0 && i > len(base)-3 {
		base = base[:i]
	}
	return base + suffix
}
