// Package nonce enforces single use of launch nonces. A nonce is scoped to
// the principal that presented it, so identical values from different
// platforms never collide.
package nonce

import (
	"context"
	"errors"
	"strings"
	"time"
)

// MaxValueLength is the longest stored nonce value. Longer values are
// truncated from the tail, keeping the final characters, before storage and
// lookup so both sides of a check agree on the key.
const MaxValueLength = 50

// DefaultTTL bounds how long a consumed nonce is remembered.
const DefaultTTL = 30 * time.Minute

var ErrEmpty = errors.New("nonce: principal and value are required")

// Store marks nonces as consumed. Claim is the only operation the
// authenticator uses; the check-and-record step must be atomic within a
// single store so two concurrent presentations of the same nonce cannot
// both succeed.
type Store interface {
	// Claim records (principal, value) as used for ttl and reports whether
	// this was the first presentation.
	Claim(ctx context.Context, principal, value string, ttl time.Duration) (bool, error)
	// Delete forgets a recorded nonce. Used when a launch fails after the
	// nonce was claimed and the caller wants to allow a clean retry.
	Delete(ctx context.Context, principal, value string) error
}

// TrimValue normalizes a nonce value to its stored form.
func TrimValue(value string) string {
	value = strings.TrimSpace(value)
	if len(value) > MaxValueLength {
		value = value[len(value)-MaxValueLength:]
	}
	return value
}

func normalize(principal, value string) (string, string, error) {
	principal = strings.TrimSpace(principal)
	value = TrimValue(value)
	if principal == "" || value == "" {
		return "", "", ErrEmpty
	}
	return principal, value, nil
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
