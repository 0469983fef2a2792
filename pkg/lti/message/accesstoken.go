package message

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/edubridge/ltiauth/pkg/lti/nonce"
	"github.com/edubridge/ltiauth/pkg/lti/principal"
	"github.com/edubridge/ltiauth/pkg/lti/token"
)

// RFC 6749 error codes surfaced by the token endpoint.
const (
	OAuthInvalidRequest       = "invalid_request"
	OAuthInvalidClient        = "invalid_client"
	OAuthUnsupportedGrantType = "unsupported_grant_type"
	OAuthInvalidScope         = "invalid_scope"
)

// OAuthError carries an RFC 6749 error code next to its description so the
// HTTP layer can render the standard JSON body.
type OAuthError struct {
	Code        string
	Description string
}

func (e *OAuthError) Error() string { return e.Code + ": " + e.Description }

func oauthErr(code, format string, args ...any) *OAuthError {
	return &OAuthError{Code: code, Description: fmt.Sprintf(format, args...)}
}

// DefaultScopes is the permissive fallback granted when a client has no
// scope restriction configured and requested none.
var DefaultScopes = []string{
	"https://purl.imsglobal.org/spec/lti-ags/scope/lineitem",
	"https://purl.imsglobal.org/spec/lti-ags/scope/lineitem.readonly",
	"https://purl.imsglobal.org/spec/lti-ags/scope/score",
	"https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly",
	"https://purl.imsglobal.org/spec/lti-nrps/scope/contextmembership.readonly",
}

// maxAssertionAge bounds how old a client_assertion's iat may be.
const maxAssertionAge = 10 * time.Minute

// assertionReplayTTL is how long consumed assertion jti values are kept.
const assertionReplayTTL = 15 * time.Minute

// AccessToken is the issued bearer token in RFC 6749 response shape.
type AccessToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope,omitempty"`
}

// AccessTokenIssuer mints client-credentials bearer tokens (platform side)
// and client assertions (tool side).
type AccessTokenIssuer struct {
	Tokens token.Config

	// TTL of issued access tokens; 1 hour when zero.
	TTL time.Duration
	Now func() time.Time
}

func (i *AccessTokenIssuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now().UTC()
}

func (i *AccessTokenIssuer) ttl() time.Duration {
	if i.TTL > 0 {
		return i.TTL
	}
	return time.Hour
}

// ClientAssertionForm builds the token-request form a tool POSTs to the
// platform's token endpoint: iss = sub = client id, aud = the authorization
// server (the token endpoint when none is registered), jti as the
// anti-replay nonce.
func (i *AccessTokenIssuer) ClientAssertionForm(reg *principal.Platform, scopes []string) (url.Values, error) {
	if reg.PrivateKey == nil {
		return nil, fmt.Errorf("%w: registration has no private key", token.ErrNoVerificationMaterial)
	}
	aud := reg.AuthorizationServerID
	if aud == "" {
		aud = reg.AccessTokenURL
	}
	now := i.now()
	payload := map[string]any{
		"iss": reg.ClientID,
		"sub": reg.ClientID,
		"aud": aud,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"jti": uuid.NewString(),
	}
	method := reg.SignatureMethod
	if !strings.HasPrefix(method, "RS") {
		method = "RS256"
	}
	signed, err := token.New(i.Tokens).Sign(payload, token.SignOptions{
		Method:     method,
		PrivateKey: reg.PrivateKey,
		KID:        reg.PrivateKID,
	})
	if err != nil {
		return nil, err
	}
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_assertion_type", assertionType)
	form.Set("client_assertion", signed)
	if len(scopes) > 0 {
		form.Set("scope", strings.Join(scopes, " "))
	}
	return form, nil
}

// Issue mints the platform's access token for a verified client.
func (i *AccessTokenIssuer) Issue(issuer string, signingKey *principal.Principal, clientID, tokenURL string, scopes []string) (AccessToken, error) {
	if signingKey.PrivateKey == nil {
		return AccessToken{}, fmt.Errorf("%w: issuer has no private key", token.ErrNoVerificationMaterial)
	}
	now := i.now()
	ttl := i.ttl()
	payload := map[string]any{
		"iss":       issuer,
		"sub":       clientID,
		"aud":       tokenURL,
		"iat":       now.Unix(),
		"exp":       now.Add(ttl).Unix(),
		"jti":       uuid.NewString(),
		"client_id": clientID,
		"scope":     strings.Join(scopes, " "),
		"typ":       "access",
	}
	method := signingKey.SignatureMethod
	if !strings.HasPrefix(method, "RS") {
		method = "RS256"
	}
	signed, err := token.New(i.Tokens).Sign(payload, token.SignOptions{
		Method:     method,
		PrivateKey: signingKey.PrivateKey,
		KID:        signingKey.PrivateKID,
	})
	if err != nil {
		return AccessToken{}, err
	}
	return AccessToken{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(ttl.Seconds()),
		Scope:       strings.Join(scopes, " "),
	}, nil
}

// AccessTokenVerifier authenticates token-endpoint requests: private_key_jwt
// per RFC 7523 or client_secret_post against a stored bcrypt hash, followed
// by scope negotiation.
type AccessTokenVerifier struct {
	Registry principal.Registry
	Nonces   nonce.Store
	Tokens   token.Config
	Now      func() time.Time
}

func (v *AccessTokenVerifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now().UTC()
}

// VerifyRequest authenticates the client behind a token-endpoint form and
// negotiates scopes. tokenURL is the absolute URL the request arrived at,
// used as the expected audience.
func (v *AccessTokenVerifier) VerifyRequest(ctx context.Context, form url.Values, tokenURL string) (clientID string, scopes []string, err error) {
	if form.Get("grant_type") != "client_credentials" {
		return "", nil, oauthErr(OAuthUnsupportedGrantType, "only client_credentials supported")
	}

	clientID = strings.TrimSpace(form.Get("client_id"))
	assertion := strings.TrimSpace(form.Get("client_assertion"))
	assertType := strings.TrimSpace(form.Get("client_assertion_type"))
	secret := form.Get("client_secret")

	switch {
	case assertType == assertionType && assertion != "":
	case secret != "" && clientID != "":
	default:
		return "", nil, oauthErr(OAuthInvalidClient, "missing client authentication")
	}

	var reg *principal.Platform
	if assertion != "" {
		reg, clientID, err = v.verifyAssertion(ctx, assertion, clientID, tokenURL)
		if err != nil {
			return "", nil, err
		}
	} else {
		reg, err = v.Registry.FindByConsumerKey(ctx, clientID)
		if err != nil {
			if errors.Is(err, principal.ErrNotFound) {
				return "", nil, oauthErr(OAuthInvalidClient, "unknown client")
			}
			return "", nil, oauthErr(OAuthInvalidRequest, "client lookup failed")
		}
		if err := verifySecret(reg.Secret, secret); err != nil {
			return "", nil, oauthErr(OAuthInvalidClient, "invalid client_secret")
		}
	}

	requested := parseScopes(form.Get("scope"))
	granted := intersectScopes(requested, reg.Scopes)
	if len(granted) == 0 && len(requested) > 0 {
		return "", nil, oauthErr(OAuthInvalidScope, "requested scopes not allowed")
	}
	if len(granted) == 0 {
		if len(reg.Scopes) > 0 {
			granted = uniqueScopes(reg.Scopes)
		} else {
			granted = append([]string(nil), DefaultScopes...)
		}
	}
	return clientID, granted, nil
}

func (v *AccessTokenVerifier) verifyAssertion(ctx context.Context, assertion, formClientID, tokenURL string) (*principal.Platform, string, error) {
	client := token.New(v.Tokens)
	if err := client.Load(assertion, nil); err != nil {
		return nil, "", oauthErr(OAuthInvalidClient, "malformed client_assertion")
	}
	payload := client.Payload()

	iss := stringClaim(payload, "iss")
	sub := stringClaim(payload, "sub")
	if iss == "" || sub == "" || iss != sub {
		return nil, "", oauthErr(OAuthInvalidClient, "invalid client_assertion iss/sub")
	}
	if formClientID != "" && formClientID != iss {
		return nil, "", oauthErr(OAuthInvalidClient, "client_id mismatch")
	}
	clientID := iss

	aud, err := effectiveAudience(payload)
	if err != nil {
		return nil, "", oauthErr(OAuthInvalidClient, "missing aud claim")
	}

	reg, err := v.Registry.FindByConsumerKey(ctx, clientID)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			return nil, "", oauthErr(OAuthInvalidClient, "unknown client")
		}
		return nil, "", oauthErr(OAuthInvalidRequest, "client lookup failed")
	}

	expectedAud := reg.AuthorizationServerID
	if expectedAud == "" {
		expectedAud = tokenURL
	}
	if aud != expectedAud && aud != tokenURL {
		return nil, "", oauthErr(OAuthInvalidClient, "aud mismatch")
	}

	now := v.now()
	if iat, ok := integerClaim(payload, "iat"); ok && now.Sub(time.Unix(iat, 0)) > maxAssertionAge {
		return nil, "", oauthErr(OAuthInvalidClient, "assertion too old")
	}

	if jti := strings.TrimSpace(stringClaim(payload, "jti")); jti != "" && v.Nonces != nil {
		fresh, err := v.Nonces.Claim(ctx, "pkjwt:"+clientID, jti, assertionReplayTTL)
		if err != nil || !fresh {
			return nil, "", oauthErr(OAuthInvalidClient, "assertion replay detected")
		}
	}

	res, err := client.VerifySignature(ctx, reg.VerificationKey(), reg.JKU)
	if err != nil || !res.Verified {
		return nil, "", oauthErr(OAuthInvalidClient, "assertion signature verification failed")
	}
	if res.UpdatedKey != nil && !v.Tokens.DisableKeyAutosave {
		reg.PublicKey = res.UpdatedKey
		reg.KID = res.UpdatedKID
		_ = v.Registry.SavePublicKey(ctx, reg)
	}
	return reg, clientID, nil
}

// verifySecret accepts either a bcrypt hash (prefix "$2") or, for dev
// setups, the raw secret compared in constant time.
func verifySecret(storedHash, provided string) error {
	stored := strings.TrimSpace(storedHash)
	if stored == "" {
		return errors.New("no client_secret configured")
	}
	if strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(provided))
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(provided)) != 1 {
		return errors.New("secret mismatch")
	}
	return nil
}

func parseScopes(s string) []string {
	return uniqueScopes(strings.Fields(s))
}

func intersectScopes(requested, allowed []string) []string {
	if len(requested) == 0 {
		return nil
	}
	if len(allowed) == 0 {
		return uniqueScopes(requested)
	}
	set := map[string]bool{}
	for _, a := range allowed {
		set[a] = true
	}
	var out []string
	for _, r := range requested {
		if set[r] {
			out = append(out, r)
		}
	}
	return uniqueScopes(out)
}

func uniqueScopes(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
