package token_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/edubridge/ltiauth/pkg/lti/token"
)

var testKey, rotatedKey *rsa.PrivateKey

func init() {
	testKey, _ = rsa.GenerateKey(rand.Reader, 2048)
	rotatedKey, _ = rsa.GenerateKey(rand.Reader, 2048)
}

func backends(t *testing.T) map[string]func(token.Config) token.Client {
	t.Helper()
	return map[string]func(token.Config) token.Client{
		"golang-jwt": func(cfg token.Config) token.Client { return token.NewGolangJWTClient(cfg) },
		"jwx":        func(cfg token.Config) token.Client { return token.NewJWXClient(cfg) },
	}
}

func launchPayload(now time.Time) map[string]any {
	return map[string]any{
		"iss":   "https://platform.example.edu",
		"aud":   "client-1",
		"sub":   "user-1",
		"iat":   now.Unix(),
		"exp":   now.Add(5 * time.Minute).Unix(),
		"nonce": "n-1",
	}
}

func TestSignLoadInspect(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := mk(token.Config{})
			signed, err := c.Sign(launchPayload(time.Now()), token.SignOptions{
				Method:     "RS256",
				PrivateKey: testKey,
				KID:        "kid-1",
				JKU:        "https://platform.example.edu/jwks",
			})
			if err != nil {
				t.Fatal(err)
			}
			hdrs, payload := c.LastSigned()
			if hdrs["kid"] != "kid-1" || payload["sub"] != "user-1" {
				t.Errorf("last signed: %v / %v", hdrs, payload)
			}

			if c.HasJWT() {
				t.Fatal("HasJWT must be false before Load")
			}
			if got := c.Header("alg", "none"); got != "none" {
				t.Fatalf("pre-load header default: %q", got)
			}
			if err := c.Load(signed, nil); err != nil {
				t.Fatal(err)
			}
			if !c.HasJWT() || c.IsEncrypted() {
				t.Fatal("expected plain loaded JWT")
			}
			if c.Header("kid", "") != "kid-1" || c.Header("jku", "") != "https://platform.example.edu/jwks" {
				t.Errorf("headers: kid=%q jku=%q", c.Header("kid", ""), c.Header("jku", ""))
			}
			if !c.HasClaim("nonce") || c.Claim("sub", "") != "user-1" {
				t.Errorf("claims: %v", c.Payload())
			}
			if c.Claim("missing", "fallback") != "fallback" {
				t.Error("missing claim must return default")
			}
		})
	}
}

func TestCrossBackendVerify(t *testing.T) {
	// a token signed by one backend verifies under the other
	signer := token.NewJWXClient(token.Config{})
	signed, err := signer.Sign(launchPayload(time.Now()), token.SignOptions{Method: "RS256", PrivateKey: testKey, KID: "kid-1"})
	if err != nil {
		t.Fatal(err)
	}
	c := token.NewGolangJWTClient(token.Config{})
	if err := c.Load(signed, nil); err != nil {
		t.Fatal(err)
	}
	res, err := c.VerifySignature(context.Background(), token.PublicKey{Key: &testKey.PublicKey, KID: "kid-1"}, "")
	if err != nil || !res.Verified {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if res.UpdatedKey != nil {
		t.Error("no rotation expected")
	}
}

func TestMalformedToken(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := mk(token.Config{})
			if err := c.Load("only.two", nil); err == nil {
				t.Fatal("expected load failure")
			}
			if c.HasJWT() {
				t.Fatal("HasJWT after failed load")
			}
		})
	}
}

func TestExpBeforeIatAlwaysRejected(t *testing.T) {
	now := time.Now()
	payload := launchPayload(now)
	payload["iat"] = now.Unix()
	payload["exp"] = now.Add(-time.Minute).Unix()
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			for _, strict := range []bool{true, false} {
				c := mk(token.Config{Strict: strict})
				signed, err := c.Sign(payload, token.SignOptions{Method: "RS256", PrivateKey: testKey})
				if err != nil {
					t.Fatal(err)
				}
				if err := c.Load(signed, nil); err != nil {
					t.Fatal(err)
				}
				if _, err := c.VerifySignature(context.Background(), token.PublicKey{Key: &testKey.PublicKey}, ""); err == nil {
					t.Fatalf("strict=%v: iat>exp must fail", strict)
				}
			}
		})
	}
}

func TestExpiredBeyondLeeway(t *testing.T) {
	now := time.Now()
	payload := launchPayload(now.Add(-2 * time.Hour))
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := mk(token.Config{Leeway: 180 * time.Second})
			signed, err := c.Sign(payload, token.SignOptions{Method: "RS256", PrivateKey: testKey})
			if err != nil {
				t.Fatal(err)
			}
			if err := c.Load(signed, nil); err != nil {
				t.Fatal(err)
			}
			if _, err := c.VerifySignature(context.Background(), token.PublicKey{Key: &testKey.PublicKey}, ""); err == nil {
				t.Fatal("expired token must fail")
			}
		})
	}
}

func TestNoVerificationMaterial(t *testing.T) {
	c := token.NewGolangJWTClient(token.Config{})
	signed, err := c.Sign(launchPayload(time.Now()), token.SignOptions{Method: "RS256", PrivateKey: testKey})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Load(signed, nil); err != nil {
		t.Fatal(err)
	}
	_, err = c.VerifySignature(context.Background(), token.PublicKey{}, "")
	if err == nil {
		t.Fatal("expected failure without key or jku")
	}
}

func jwksServer(t *testing.T, pub *rsa.PublicKey, kid string, hits *int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			*hits++
		}
		set := token.BuildJWKS(token.RSAPublicJWK(pub, kid, "RS256"))
		w.Header().Set("Content-Type", "application/jwk-set+json")
		_ = json.NewEncoder(w).Encode(set)
	}))
}

func TestKeyRotationRetry(t *testing.T) {
	var hits int
	srv := jwksServer(t, &rotatedKey.PublicKey, "kid-2", &hits)
	defer srv.Close()

	cfg := token.Config{Fetcher: token.Fetcher{Client: srv.Client()}}
	c := token.NewGolangJWTClient(cfg)
	signed, err := c.Sign(launchPayload(time.Now()), token.SignOptions{Method: "RS256", PrivateKey: rotatedKey, KID: "kid-2"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Load(signed, nil); err != nil {
		t.Fatal(err)
	}

	// cached key has the same kid but the wrong material: the direct check
	// fails once, then a single jku fetch produces the rotated key.
	stale := token.PublicKey{Key: &testKey.PublicKey, KID: "kid-2"}
	res, err := c.VerifySignature(context.Background(), stale, srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Verified {
		t.Fatal("expected verification after retry")
	}
	if res.UpdatedKey == nil || !res.UpdatedKey.Equal(&rotatedKey.PublicKey) || res.UpdatedKID != "kid-2" {
		t.Fatalf("rotation not reported: %+v", res)
	}
	if hits != 1 {
		t.Fatalf("expected exactly one jwks fetch, got %d", hits)
	}
}

func TestKidMismatchForcesFetch(t *testing.T) {
	var hits int
	srv := jwksServer(t, &rotatedKey.PublicKey, "kid-2", &hits)
	defer srv.Close()

	cfg := token.Config{Fetcher: token.Fetcher{Client: srv.Client()}}
	c := token.NewJWXClient(cfg)
	signed, err := c.Sign(launchPayload(time.Now()), token.SignOptions{Method: "RS256", PrivateKey: rotatedKey, KID: "kid-2"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Load(signed, nil); err != nil {
		t.Fatal(err)
	}

	// cached key was published under a different kid: it is discarded before
	// any signature check and the jku is consulted directly.
	res, err := c.VerifySignature(context.Background(), token.PublicKey{Key: &testKey.PublicKey, KID: "kid-old"}, srv.URL)
	if err != nil || !res.Verified {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if res.UpdatedKID != "kid-2" {
		t.Fatalf("expected kid update, got %+v", res)
	}
	if hits != 1 {
		t.Fatalf("fetches = %d", hits)
	}
}

func TestJWKSMissingKidIsVerificationFailure(t *testing.T) {
	srv := jwksServer(t, &rotatedKey.PublicKey, "other-kid", nil)
	defer srv.Close()

	_, _, err := token.Fetcher{Client: srv.Client()}.Fetch(context.Background(), srv.URL, "kid-2")
	if err == nil {
		t.Fatal("expected kid miss to fail")
	}
}

func TestUnsupportedAlgorithmRejected(t *testing.T) {
	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := mk(token.Config{})
			if _, err := c.Sign(map[string]any{"a": "b"}, token.SignOptions{Method: "HS256", PrivateKey: testKey}); err == nil {
				t.Fatal("HS256 signing must be rejected")
			}
		})
	}

	// header forged to an unaccepted alg
	payload, _ := json.Marshal(launchPayload(time.Now()))
	forged := b64url(`{"alg":"HS256","typ":"JWT"}`) + "." + b64url(string(payload)) + "." + b64url("sig")
	c := token.NewGolangJWTClient(token.Config{})
	if err := c.Load(forged, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := c.VerifySignature(context.Background(), token.PublicKey{Key: &testKey.PublicKey}, ""); err == nil {
		t.Fatal("forged HS256 header must be rejected before any key check")
	}
}

func b64url(s string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(s))
}

func TestEncryptedTokenRoundTripJWX(t *testing.T) {
	recipient, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	signer := token.NewJWXClient(token.Config{})
	sealed, err := signer.Sign(launchPayload(time.Now()), token.SignOptions{
		Method:        "RS256",
		PrivateKey:    testKey,
		KID:           "kid-1",
		EncryptMethod: "RSA-OAEP",
		RecipientKey:  &recipient.PublicKey,
	})
	if err != nil {
		t.Fatal(err)
	}

	c := token.NewJWXClient(token.Config{})
	if err := c.Load(sealed, recipient); err != nil {
		t.Fatal(err)
	}
	if !c.IsEncrypted() || !c.HasJWT() {
		t.Fatal("expected decrypted, loaded token")
	}
	res, err := c.VerifySignature(context.Background(), token.PublicKey{Key: &testKey.PublicKey, KID: "kid-1"}, "")
	if err != nil || !res.Verified {
		t.Fatalf("res=%+v err=%v", res, err)
	}

	// the golang-jwt backend refuses JWEs rather than misreading them
	g := token.NewGolangJWTClient(token.Config{})
	if err := g.Load(sealed, recipient); err == nil {
		t.Fatal("golang-jwt backend must reject encrypted tokens")
	}
	if !g.IsEncrypted() {
		t.Fatal("IsEncrypted should still report the envelope")
	}
}

func TestTokenJKUHeaderNotTrusted(t *testing.T) {
	// A sender must never supply its own verification material: a token
	// whose jku header points at the sender's JWKS is rejected when the
	// registration carries no key-rotation URL.
	attacker, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	var hits int
	srv := jwksServer(t, &attacker.PublicKey, "mallory-kid", &hits)
	defer srv.Close()

	for name, mk := range backends(t) {
		t.Run(name, func(t *testing.T) {
			c := mk(token.Config{Fetcher: token.Fetcher{Client: srv.Client()}})
			signed, err := c.Sign(launchPayload(time.Now()), token.SignOptions{
				Method:     "RS256",
				PrivateKey: attacker,
				KID:        "mallory-kid",
				JKU:        srv.URL,
			})
			if err != nil {
				t.Fatal(err)
			}
			if err := c.Load(signed, nil); err != nil {
				t.Fatal(err)
			}

			// Mismatching kid discards the cached key; with no registered
			// jku there is nothing left to verify against.
			trusted := token.PublicKey{Key: &testKey.PublicKey, KID: "kid-1"}
			res, err := c.VerifySignature(context.Background(), trusted, "")
			if err == nil || res.Verified {
				t.Fatalf("attacker token accepted: res=%+v err=%v", res, err)
			}
			if !errors.Is(err, token.ErrNoVerificationMaterial) {
				t.Fatalf("err = %v", err)
			}

			// Same kid as the cache: the direct check fails and must not
			// fall through to the token's own jku.
			signed, err = c.Sign(launchPayload(time.Now()), token.SignOptions{
				Method:     "RS256",
				PrivateKey: attacker,
				KID:        "kid-1",
				JKU:        srv.URL,
			})
			if err != nil {
				t.Fatal(err)
			}
			if err := c.Load(signed, nil); err != nil {
				t.Fatal(err)
			}
			res, err = c.VerifySignature(context.Background(), trusted, "")
			if err == nil || res.Verified {
				t.Fatalf("attacker token accepted: res=%+v err=%v", res, err)
			}
			if !errors.Is(err, token.ErrSignatureInvalid) {
				t.Fatalf("err = %v", err)
			}
		})
	}
	if hits != 0 {
		t.Fatalf("the sender's JWKS was fetched %d times", hits)
	}
}
