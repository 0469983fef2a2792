// Package token defines the JSON Web Token capability used by the message
// authenticator and signer, with two interchangeable backends: one on
// golang-jwt/jwt, one on lestrrat-go/jwx. The backend is selected once per
// process through Config; request handling treats the choice as read-only.
package token

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultLeeway is applied to exp/nbf/iat checks when Config.Leeway is zero.
const DefaultLeeway = 180 * time.Second

// Backend names accepted by New.
const (
	BackendGolangJWT = "golang-jwt"
	BackendJWX       = "jwx"
)

var (
	ErrInvalidToken           = errors.New("token: invalid token")
	ErrUnsupportedAlgorithm   = errors.New("token: unsupported algorithm")
	ErrNoVerificationMaterial = errors.New("token: no verification material")
	ErrSignatureInvalid       = errors.New("token: signature verification failed")
	ErrEncryptionUnsupported  = errors.New("token: encrypted tokens not supported by this backend")
)

// Config carries the process-wide token settings. It is assembled once at the
// composition root and passed down explicitly.
type Config struct {
	// Backend selects the Client implementation ("golang-jwt" or "jwx").
	Backend string
	// Leeway for time-based claim checks; DefaultLeeway when zero.
	Leeway time.Duration
	// Strict escalates coercible validation problems to hard failures.
	Strict bool
	// DisableKeyAutosave stops the authenticator from persisting keys
	// refetched from a jku after a rotation.
	DisableKeyAutosave bool
	// Fetcher retrieves keys from jku URLs; a zero Fetcher uses
	// http.DefaultClient.
	Fetcher Fetcher
}

func (c Config) leeway() time.Duration {
	if c.Leeway > 0 {
		return c.Leeway
	}
	return DefaultLeeway
}

// New constructs the configured backend. Unknown names fall back to the
// golang-jwt reference implementation.
func New(cfg Config) Client {
	if cfg.Backend == BackendJWX {
		return NewJWXClient(cfg)
	}
	return NewGolangJWTClient(cfg)
}

// PublicKey is verification material remembered for a principal: the key and
// the kid it was published under.
type PublicKey struct {
	Key *rsa.PublicKey
	KID string
}

// VerifyResult reports the outcome of a signature verification. When a fresh
// key fetched from the jku succeeded where the cached key failed, UpdatedKey
// and UpdatedKID carry the rotation for the caller to persist; they are nil/
// empty otherwise.
type VerifyResult struct {
	Verified   bool
	UpdatedKey *rsa.PublicKey
	UpdatedKID string
}

// SignOptions parameterize Sign.
type SignOptions struct {
	Method     string // RS256, RS384 or RS512
	PrivateKey *rsa.PrivateKey
	KID        string
	JKU        string
	// EncryptMethod, when non-empty (e.g. "RSA-OAEP"), wraps the signed
	// token in a JWE addressed to RecipientKey.
	EncryptMethod string
	RecipientKey  *rsa.PublicKey
}

// Client is the capability set for loading, inspecting, verifying and
// producing tokens. Accessors return the caller's default until a
// structurally valid token has been loaded.
type Client interface {
	// Load parses a compact three-segment JWS, or a five-segment JWE when
	// decryptKey is provided and the backend supports decryption.
	Load(raw string, decryptKey *rsa.PrivateKey) error
	HasJWT() bool
	IsEncrypted() bool
	HasHeader(name string) bool
	Header(name string, def string) string
	HasClaim(name string) bool
	Claim(name string, def any) any
	Payload() map[string]any
	// VerifySignature checks the loaded token against key and/or the JWKS at
	// jku, with the single-retry rotation behavior described on verify().
	VerifySignature(ctx context.Context, key PublicKey, jku string) (VerifyResult, error)
	// Sign produces a compact token and records its headers and payload for
	// diagnostic inspection via LastSigned.
	Sign(payload map[string]any, opts SignOptions) (string, error)
	LastSigned() (headers map[string]any, payload map[string]any)
}

// allowedAlg reports whether alg is one of the accepted signature methods.
func allowedAlg(alg string) bool {
	switch alg {
	case "RS256", "RS384", "RS512":
		return true
	}
	return false
}

// compact holds the parsed form of a loaded token, shared by both backends.
type compact struct {
	raw       string
	headers   map[string]any
	payload   map[string]any
	encrypted bool
	loaded    bool
}

func (c *compact) HasJWT() bool      { return c.loaded }
func (c *compact) IsEncrypted() bool { return c.encrypted }

func (c *compact) HasHeader(name string) bool {
	if !c.loaded {
		return false
	}
	_, ok := c.headers[name]
	return ok
}

func (c *compact) Header(name string, def string) string {
	if c.loaded {
		if v, ok := c.headers[name].(string); ok {
			return v
		}
	}
	return def
}

func (c *compact) HasClaim(name string) bool {
	if !c.loaded {
		return false
	}
	_, ok := c.payload[name]
	return ok
}

func (c *compact) Claim(name string, def any) any {
	if c.loaded {
		if v, ok := c.payload[name]; ok {
			return v
		}
	}
	return def
}

func (c *compact) Payload() map[string]any {
	if !c.loaded {
		return nil
	}
	return c.payload
}

// ValidateTimes applies the leeway-adjusted exp/nbf/iat window to a payload.
// An exp earlier than iat is rejected unconditionally.
func ValidateTimes(payload map[string]any, leeway time.Duration, now time.Time) error {
	exp, hasExp := numericClaim(payload, "exp")
	iat, hasIat := numericClaim(payload, "iat")
	nbf, hasNbf := numericClaim(payload, "nbf")

	if hasExp && hasIat && iat > exp {
		return fmt.Errorf("%w: iat %d after exp %d", ErrInvalidToken, iat, exp)
	}
	if hasExp && now.After(time.Unix(exp, 0).Add(leeway)) {
		return fmt.Errorf("%w: exp claim %d has passed", ErrInvalidToken, exp)
	}
	if hasNbf && now.Add(leeway).Before(time.Unix(nbf, 0)) {
		return fmt.Errorf("%w: nbf claim %d not reached", ErrInvalidToken, nbf)
	}
	if hasIat && now.Add(leeway).Before(time.Unix(iat, 0)) {
		return fmt.Errorf("%w: iat claim %d is in the future", ErrInvalidToken, iat)
	}
	return nil
}

func numericClaim(payload map[string]any, name string) (int64, bool) {
	switch v := payload[name].(type) {
	case float64:
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}

// verify implements the shared verification walk over a backend's signature
// check: alg allowlist, time window, kid-mismatch cache invalidation, and at
// most one retry through a fresh jku fetch.
func verify(ctx context.Context, cfg Config, c *compact, key PublicKey, jku string, check func(*rsa.PublicKey) error) (VerifyResult, error) {
	if !c.loaded {
		return VerifyResult{}, ErrInvalidToken
	}
	alg := c.Header("alg", "")
	if !allowedAlg(alg) {
		return VerifyResult{}, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}
	if err := ValidateTimes(c.payload, cfg.leeway(), time.Now().UTC()); err != nil {
		return VerifyResult{}, err
	}

	// Only the caller's registered jku is trusted; the token's own jku
	// header would let the sender name its verification material.
	kid := c.Header("kid", "")

	// A cached key published under a different kid is stale after rotation.
	if key.Key != nil && kid != "" && key.KID != "" && key.KID != kid {
		key = PublicKey{}
	}
	if key.Key == nil && jku == "" {
		return VerifyResult{}, ErrNoVerificationMaterial
	}

	if key.Key != nil {
		if err := check(key.Key); err == nil {
			return VerifyResult{Verified: true}, nil
		}
		if jku == "" {
			return VerifyResult{}, ErrSignatureInvalid
		}
	}

	// Single retry: fetch fresh material from the jku.
	fetched, fetchedKID, err := cfg.Fetcher.Fetch(ctx, jku, kid)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("%w: %v", ErrNoVerificationMaterial, err)
	}
	if err := check(fetched); err != nil {
		return VerifyResult{}, ErrSignatureInvalid
	}
	res := VerifyResult{Verified: true}
	if key.Key == nil || !key.Key.Equal(fetched) || key.KID != fetchedKID {
		res.UpdatedKey = fetched
		res.UpdatedKID = fetchedKID
	}
	return res, nil
}

// segments splits a compact serialization and reports whether it looks like
// a JWS (3 segments) or JWE (5 segments).
func segments(raw string) ([]string, bool, error) {
	raw = strings.TrimSpace(raw)
	parts := strings.Split(raw, ".")
	switch len(parts) {
	case 3:
		return parts, false, nil
	case 5:
		return parts, true, nil
	}
	return nil, false, fmt.Errorf("%w: %d segments", ErrInvalidToken, len(parts))
}
