package token

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwe"
	"github.com/lestrrat-go/jwx/v3/jws"
)

// JWXClient is the Client backed by lestrrat-go/jwx. Unlike the golang-jwt
// backend it handles encrypted (JWE-wrapped) tokens on both the load and
// sign paths.
type JWXClient struct {
	cfg Config
	compact
	lastHeaders map[string]any
	lastPayload map[string]any
}

func NewJWXClient(cfg Config) *JWXClient {
	return &JWXClient{cfg: cfg}
}

func (c *JWXClient) Load(raw string, decryptKey *rsa.PrivateKey) error {
	c.compact = compact{}
	_, encrypted, err := segments(raw)
	if err != nil {
		return err
	}
	if encrypted {
		c.compact.encrypted = true
		if decryptKey == nil {
			return fmt.Errorf("%w: encrypted token without decryption key", ErrInvalidToken)
		}
		inner, err := jwe.Decrypt([]byte(raw), jwe.WithKey(jwa.RSA_OAEP(), decryptKey))
		if err != nil {
			return fmt.Errorf("%w: decrypt: %v", ErrInvalidToken, err)
		}
		raw = string(inner)
		if _, stillEncrypted, err := segments(raw); err != nil || stillEncrypted {
			return fmt.Errorf("%w: decrypted payload is not a compact JWS", ErrInvalidToken)
		}
	}

	headers, payload, err := decodeCompact(raw)
	if err != nil {
		return err
	}
	wasEncrypted := c.compact.encrypted
	c.compact = compact{
		raw:       raw,
		headers:   headers,
		payload:   payload,
		encrypted: wasEncrypted,
		loaded:    true,
	}
	return nil
}

func (c *JWXClient) VerifySignature(ctx context.Context, key PublicKey, jku string) (VerifyResult, error) {
	return verify(ctx, c.cfg, &c.compact, key, jku, c.check)
}

func (c *JWXClient) check(pub *rsa.PublicKey) error {
	alg, ok := jwa.LookupSignatureAlgorithm(c.Header("alg", ""))
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, c.Header("alg", ""))
	}
	_, err := jws.Verify([]byte(c.raw), jws.WithKey(alg, pub))
	return err
}

func (c *JWXClient) Sign(payload map[string]any, opts SignOptions) (string, error) {
	if !allowedAlg(opts.Method) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, opts.Method)
	}
	if opts.PrivateKey == nil {
		return "", fmt.Errorf("token: sign: missing private key")
	}
	alg, ok := jwa.LookupSignatureAlgorithm(opts.Method)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, opts.Method)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	hdrs := jws.NewHeaders()
	if err := hdrs.Set(jws.TypeKey, "JWT"); err != nil {
		return "", err
	}
	if opts.KID != "" {
		if err := hdrs.Set(jws.KeyIDKey, opts.KID); err != nil {
			return "", err
		}
	}
	if opts.JKU != "" {
		if err := hdrs.Set(jws.JWKSetURLKey, opts.JKU); err != nil {
			return "", err
		}
	}
	signed, err := jws.Sign(body, jws.WithKey(alg, opts.PrivateKey, jws.WithProtectedHeaders(hdrs)))
	if err != nil {
		return "", err
	}

	out := signed
	if opts.EncryptMethod != "" {
		if opts.RecipientKey == nil {
			return "", fmt.Errorf("token: encrypt: missing recipient key")
		}
		keyAlg, ok := jwa.LookupKeyEncryptionAlgorithm(opts.EncryptMethod)
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, opts.EncryptMethod)
		}
		out, err = jwe.Encrypt(signed,
			jwe.WithKey(keyAlg, opts.RecipientKey),
			jwe.WithContentEncryption(jwa.A256GCM()),
		)
		if err != nil {
			return "", err
		}
	}

	headers := map[string]any{"alg": opts.Method, "typ": "JWT"}
	if opts.KID != "" {
		headers["kid"] = opts.KID
	}
	if opts.JKU != "" {
		headers["jku"] = opts.JKU
	}
	c.lastHeaders = headers
	c.lastPayload = payload
	return string(out), nil
}

func (c *JWXClient) LastSigned() (map[string]any, map[string]any) {
	return c.lastHeaders, c.lastPayload
}

// decodeCompact splits a compact JWS into its JSON header and payload maps.
func decodeCompact(raw string) (headers, payload map[string]any, err error) {
	parts, _, err := segments(raw)
	if err != nil {
		return nil, nil, err
	}
	hb, err := b64urlDecode(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: header: %v", ErrInvalidToken, err)
	}
	pb, err := b64urlDecode(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: payload: %v", ErrInvalidToken, err)
	}
	if err := json.Unmarshal(hb, &headers); err != nil {
		return nil, nil, fmt.Errorf("%w: header: %v", ErrInvalidToken, err)
	}
	if err := json.Unmarshal(pb, &payload); err != nil {
		return nil, nil, fmt.Errorf("%w: payload: %v", ErrInvalidToken, err)
	}
	return headers, payload, nil
}
