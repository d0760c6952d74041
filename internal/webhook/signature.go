package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SignatureHeader carries the voice provider's request signature.
const SignatureHeader = "ElevenLabs-Signature"

// DefaultSignatureTolerance bounds how old a signed request may be.
const DefaultSignatureTolerance = 30 * time.Minute

var (
	ErrMissingSignature = errors.New("missing webhook signature")
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleSignature   = errors.New("stale webhook signature")
)

// VerifySignature checks a "t=<unix>,v0=<hex>" header, where the hex value is
// HMAC-SHA256 of "<t>.<body>" keyed with secret.
func VerifySignature(secret []byte, header string, body []byte, now time.Time, tolerance time.Duration) error {
	if header == "" {
		return ErrMissingSignature
	}
	var timestamp string
	var signatures []string
	for _, part := range strings.Split(header, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v0":
			signatures = append(signatures, v)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return ErrMissingSignature
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if tolerance <= 0 {
		tolerance = DefaultSignatureTolerance
	}
	signedAt := time.Unix(ts, 0)
	if now.Sub(signedAt) > tolerance || signedAt.Sub(now) > tolerance {
		return ErrStaleSignature
	}

	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(timestamp + "."))
	_, _ = mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	for _, sig := range signatures {
		if hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
			return nil
		}
	}
	return ErrInvalidSignature
}

// Sign returns a signature header for body, for tests and local tooling.
func Sign(secret []byte, body []byte, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write([]byte(ts + "."))
	_, _ = mac.Write(body)
	return "t=" + ts + ",v0=" + hex.EncodeToString(mac.Sum(nil))
}
