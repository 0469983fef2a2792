package token

import (
	"context"
	"crypto/rsa"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// GolangJWTClient is the reference Client backed by golang-jwt/jwt. It does
// not decrypt JWEs; encrypted launches need the jwx backend.
type GolangJWTClient struct {
	cfg Config
	compact
	lastHeaders map[string]any
	lastPayload map[string]any
}

func NewGolangJWTClient(cfg Config) *GolangJWTClient {
	return &GolangJWTClient{cfg: cfg}
}

func (c *GolangJWTClient) Load(raw string, _ *rsa.PrivateKey) error {
	c.compact = compact{}
	_, encrypted, err := segments(raw)
	if err != nil {
		return err
	}
	if encrypted {
		c.compact.encrypted = true
		return ErrEncryptionUnsupported
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	tok, _, err := parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return ErrInvalidToken
	}
	c.compact = compact{
		raw:     raw,
		headers: tok.Header,
		payload: map[string]any(claims),
		loaded:  true,
	}
	return nil
}

func (c *GolangJWTClient) VerifySignature(ctx context.Context, key PublicKey, jku string) (VerifyResult, error) {
	return verify(ctx, c.cfg, &c.compact, key, jku, c.check)
}

func (c *GolangJWTClient) check(pub *rsa.PublicKey) error {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"}),
		jwt.WithoutClaimsValidation(),
	)
	_, err := parser.Parse(c.raw, func(*jwt.Token) (any, error) { return pub, nil })
	return err
}

func (c *GolangJWTClient) Sign(payload map[string]any, opts SignOptions) (string, error) {
	if !allowedAlg(opts.Method) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, opts.Method)
	}
	if opts.PrivateKey == nil {
		return "", fmt.Errorf("token: sign: missing private key")
	}
	if opts.EncryptMethod != "" {
		return "", ErrEncryptionUnsupported
	}

	tok := jwt.NewWithClaims(jwt.GetSigningMethod(opts.Method), jwt.MapClaims(payload))
	if opts.KID != "" {
		tok.Header["kid"] = opts.KID
	}
	if opts.JKU != "" {
		tok.Header["jku"] = opts.JKU
	}
	signed, err := tok.SignedString(opts.PrivateKey)
	if err != nil {
		return "", err
	}
	c.lastHeaders = tok.Header
	c.lastPayload = payload
	return signed, nil
}

func (c *GolangJWTClient) LastSigned() (map[string]any, map[string]any) {
	return c.lastHeaders, c.lastPayload
}
