// Package push contains the public domain types and collaborator contracts for
// push notification registration and device-token binding.
package push

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// DevicePushToken is the opaque identifier the platform push transport assigns
// to this application instance. It is immutable and comparable; a reissued token
// is a different value, never a mutation of the old one.
type DevicePushToken struct {
	raw string
}

// NewDevicePushToken copies b into a new token.
func NewDevicePushToken(b []byte) DevicePushToken {
	return DevicePushToken{raw: string(b)}
}

// ParseDevicePushToken decodes the canonical hex form produced by String.
// Whitespace and the angle brackets of the legacy description format are ignored.
func ParseDevicePushToken(s string) (DevicePushToken, error) {
	cleaned := strings.NewReplacer(" ", "", "<", "", ">", "").Replace(strings.TrimSpace(s))
	cleaned = strings.TrimPrefix(strings.ToLower(cleaned), "0x")
	if cleaned == "" {
		return DevicePushToken{}, fmt.Errorf("empty device token")
	}
	b, err := hex.DecodeString(cleaned)
	if err != nil {
		return DevicePushToken{}, fmt.Errorf("device token is not valid hex: %w", err)
	}
	return NewDevicePushToken(b), nil
}

// Bytes returns a copy of the raw token bytes.
func (t DevicePushToken) Bytes() []byte {
	return []byte(t.raw)
}

// String returns the lowercase hex form, two digits per byte.
func (t DevicePushToken) String() string {
	return hex.EncodeToString([]byte(t.raw))
}

// IsZero reports whether the token is absent.
func (t DevicePushToken) IsZero() bool {
	return t.raw == ""
}

// Equal reports whether both tokens carry the same bytes.
func (t DevicePushToken) Equal(other DevicePushToken) bool {
	return t.raw == other.raw
}

// Len returns the number of raw bytes.
func (t DevicePushToken) Len() int {
	return len(t.raw)
}

// BackendToken is the identifier the messaging backend derives from a bound
// device token. The backend may refresh it at any time.
type BackendToken string

func (b BackendToken) String() string {
	return string(b)
}
