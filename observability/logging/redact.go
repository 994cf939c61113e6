package logging

import (
	"log/slog"
	"strings"
)

// RedactedValue is the placeholder emitted in place of payment secrets.
const RedactedValue = "[REDACTED]"

// Keys whose values must never appear in logs: one-time codes, derived key
// material, and signing keys.
var sensitiveKeys = map[string]struct{}{
	"code":       {},
	"otp":        {},
	"secret":     {},
	"privatekey": {},
	"signingkey": {},
	"ciphertext": {},
}

// IsSensitive reports whether values under this key must be redacted.
func IsSensitive(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns a slog.Attr with the value replaced by the redaction
// placeholder when the key is sensitive. Empty values pass through so logs
// can still show absence.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || !IsSensitive(key) {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}
