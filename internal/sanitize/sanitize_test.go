package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSegment(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"plain", "orgA", "orgA"},
		{"dash and underscore", "org-a_1", "org-a_1"},
		{"phone with plus", "+15551234567", "=2B15551234567"},
		{"dot is escaped", "acme.motors", "acme=2Emotors"},
		{"escape char is escaped", "a=b", "a=3Db"},
		{"colon", "a:b", "a=3Ab"},
		{"nats wildcards", "*>", "=2A=3E"},
		{"empty", "", EmptySegment},
		{"utf8 bytes", "é", "=C3=A9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Segment(tt.input))
		})
	}
}

func TestSegment_Injective(t *testing.T) {
	// Inputs that a stripping sanitizer would collapse onto one value.
	inputs := []string{"org_A", "org:A", "org.A", "org A", "org=3AA", "orgA", "", "="}
	seen := make(map[string]string)
	for _, in := range inputs {
		out := Segment(in)
		if prev, ok := seen[out]; ok {
			t.Fatalf("Segment(%q) == Segment(%q) == %q", in, prev, out)
		}
		seen[out] = in
	}
}

func TestSegment_OnlyKeySafeCharacters(t *testing.T) {
	out := Segment("weird/../org id\x00.*>")
	for _, c := range out {
		ok := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') ||
			c == '_' || c == '-' || c == '='
		assert.True(t, ok, "unexpected character %q in %q", c, out)
	}
}

func TestSegment_Truncation(t *testing.T) {
	long := strings.Repeat("a", 300)
	other := strings.Repeat("a", 299) + "b"

	out := Segment(long)
	assert.LessOrEqual(t, len(out), MaxSegmentLength)
	assert.NotEqual(t, out, Segment(other))
	assert.Equal(t, out, Segment(long), "truncation must be deterministic")
}

func TestSegment_TruncationKeepsEscapesWhole(t *testing.T) {
	out := Segment(strings.Repeat("+", 200))
	assert.LessOrEqual(t, len(out), MaxSegmentLength)
	body := out[:len(out)-HashSuffixLength]
	assert.Equal(t, 0, len(body)%3, "escape sequences must stay whole: %q", body)
}

func TestIdentifier(t *testing.T) {
	assert.Equal(t, "acme_motors", Identifier("Acme.Motors"))
	assert.Equal(t, "unknown", Identifier("!!!"))
	assert.Equal(t, "unknown", Identifier(""))
}
