package token

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

/*
JWKS retrieval and construction.

Fetch pulls a JSON Web Key Set (RFC 7517) from a key-rotation URL (the jku
advertised by the counterpart principal) and selects the RSA key matching the
token's kid. A kid with no match in the fetched set is a verification
failure, not a transport error.

The builders at the bottom produce public JWK maps for publishing this side's
own keys; they return only public parameters.
*/

// JWKS is a JSON Web Key Set, i.e. { "keys": [ JWK, ... ] }.
type JWKS struct {
	Keys []map[string]any `json:"keys"`
}

// Fetcher retrieves public keys from jku URLs. The zero value uses
// http.DefaultClient with a 10s timeout.
type Fetcher struct {
	Client *http.Client
}

const maxJWKSBody = 1 << 20

// Fetch GETs the key set at jku and returns the RSA public key whose kid
// matches. With an empty kid the first usable RSA key is returned.
func (f Fetcher) Fetch(ctx context.Context, jku, kid string) (*rsa.PublicKey, string, error) {
	if jku == "" {
		return nil, "", errors.New("jwks: no jku url")
	}
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jku, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("jwks: fetch %s: %w", jku, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("jwks: fetch %s: status %d", jku, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBody))
	if err != nil {
		return nil, "", err
	}
	return SelectRSAKey(body, kid)
}

// SelectRSAKey parses a JWKS document and picks the RSA key for kid.
func SelectRSAKey(body []byte, kid string) (*rsa.PublicKey, string, error) {
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, "", fmt.Errorf("jwks: parse: %w", err)
	}
	if kid != "" {
		key, ok := set.LookupKeyID(kid)
		if !ok {
			return nil, "", fmt.Errorf("jwks: no key with kid %q", kid)
		}
		pub, err := exportRSA(key)
		if err != nil {
			return nil, "", err
		}
		return pub, kid, nil
	}
	for i := 0; i < set.Len(); i++ {
		key, ok := set.Key(i)
		if !ok {
			continue
		}
		pub, err := exportRSA(key)
		if err != nil {
			continue
		}
		gotKID, _ := key.KeyID()
		return pub, gotKID, nil
	}
	return nil, "", errors.New("jwks: no usable RSA key in set")
}

func exportRSA(key jwk.Key) (*rsa.PublicKey, error) {
	var pub rsa.PublicKey
	if err := jwk.Export(key, &pub); err != nil {
		return nil, fmt.Errorf("jwks: not an RSA public key: %w", err)
	}
	return &pub, nil
}

// BuildJWKS wraps public JWKs built by the helpers below into a set.
func BuildJWKS(keys ...map[string]any) JWKS {
	set := JWKS{Keys: []map[string]any{}}
	for _, k := range keys {
		if k != nil {
			set.Keys = append(set.Keys, k)
		}
	}
	return set
}

// RSAPublicJWK builds a minimal RSA JWK map (n,e) for the given key.
func RSAPublicJWK(pub *rsa.PublicKey, kid, alg string) map[string]any {
	if pub == nil || pub.N == nil || pub.E == 0 {
		return nil
	}
	return map[string]any{
		"kty":     "RSA",
		"kid":     kid,
		"alg":     alg,
		"use":     "sig",
		"key_ops": []string{"verify"},
		"n":       bigIntToB64(pub.N),
		"e":       intToB64(pub.E),
	}
}

// ECPublicJWK builds a minimal EC JWK map (crv,x,y) for the given key.
// The caller picks the "alg" matching the curve (P-256 => ES256, etc.).
func ECPublicJWK(pub *ecdsa.PublicKey, kid, alg string) map[string]any {
	if pub == nil || pub.X == nil || pub.Y == nil || pub.Curve == nil {
		return nil
	}
	crv := curveName(pub)
	if crv == "" {
		return nil
	}
	return map[string]any{
		"kty":     "EC",
		"kid":     kid,
		"alg":     alg,
		"use":     "sig",
		"key_ops": []string{"verify"},
		"crv":     crv,
		"x":       bigIntToB64(pub.X),
		"y":       bigIntToB64(pub.Y),
	}
}

func curveName(pk *ecdsa.PublicKey) string {
	switch pk.Curve.Params().Name {
	case "P-256", "prime256v1", "secp256r1":
		return "P-256"
	case "P-384", "secp384r1":
		return "P-384"
	case "P-521", "secp521r1":
		return "P-521"
	default:
		return ""
	}
}

func bigIntToB64(n *big.Int) string {
	if n == nil {
		return ""
	}
	return b64url(n.FillBytes(make([]byte, (n.BitLen()+7)/8)))
}

func intToB64(e int) string {
	return b64url(big.NewInt(int64(e)).FillBytes(make([]byte, intByteLen(e))))
}

func intByteLen(v int) int {
	switch {
	case v <= 0xff:
		return 1
	case v <= 0xffff:
		return 2
	case v <= 0xffffff:
		return 3
	default:
		return 4
	}
}
