package message

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/edubridge/ltiauth/pkg/lti/claims"
	"github.com/edubridge/ltiauth/pkg/lti/nonce"
	"github.com/edubridge/ltiauth/pkg/lti/oauth1"
	"github.com/edubridge/ltiauth/pkg/lti/principal"
	"github.com/edubridge/ltiauth/pkg/lti/roles"
	"github.com/edubridge/ltiauth/pkg/lti/token"
)

// assertionType is the client_assertion_type for private_key_jwt.
const assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Request is the inbound message as seen by the authenticator: the merged
// GET+POST parameters plus the endpoint they arrived at. Body carries the
// raw payload of signed service requests so oauth_body_hash can be checked;
// it stays nil for ordinary form posts.
type Request struct {
	Method string
	URL    string
	Params url.Values
	Body   []byte
}

// Authenticator turns an inbound request into an authenticated, normalized
// parameter map or a rejection with reason. All collaborators are explicit;
// construct one per composition root and share it freely, it holds no
// per-request state.
type Authenticator struct {
	Registry principal.Registry
	Nonces   nonce.Store
	Stash    Stash
	Tokens   token.Config

	// Tool carries the local credentials; its private key decrypts
	// encrypted launches. Optional.
	Tool *principal.Tool

	// Constraints are caller-configurable presence/length rules applied
	// after verification, per message type.
	Constraints map[Type][]Constraint

	// GenerateWarnings records lenient-mode violations on the result.
	GenerateWarnings bool

	// NonceTTL bounds replay records; nonce.DefaultTTL when zero.
	NonceTTL time.Duration
	// TimestampWindow bounds oauth_timestamp drift;
	// oauth1.DefaultTimestampWindow when zero.
	TimestampWindow time.Duration

	Logger *slog.Logger
}

func (a *Authenticator) log() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// Authenticate runs the full state machine: dispatch, signature
// verification, replay protection, claim translation and message
// validation.
func (a *Authenticator) Authenticate(ctx context.Context, req Request) Result {
	if req.Params == nil {
		return failure(ErrMalformedRequest, "no request parameters")
	}
	if e := req.Params.Get("error"); e != "" {
		desc := req.Params.Get("error_description")
		if desc == "" {
			desc = e
		}
		return failure(ErrMalformedRequest, "platform returned error: %s", desc)
	}

	if raw := req.Params.Get("id_token"); raw != "" {
		return a.authenticateJWT(ctx, req, raw, true)
	}
	if raw := req.Params.Get("JWT"); raw != "" {
		return a.authenticateJWT(ctx, req, raw, false)
	}
	return a.authenticateOAuth1(ctx, req)
}

/* ------------------------------ JWT branch ------------------------------- */

func (a *Authenticator) authenticateJWT(ctx context.Context, req Request, raw string, loginResponse bool) Result {
	client := token.New(a.Tokens)
	var decryptKey *rsa.PrivateKey
	if a.Tool != nil {
		decryptKey = a.Tool.PrivateKey
	}
	if err := client.Load(raw, decryptKey); err != nil {
		return failure(token.ErrInvalidToken, "unable to parse token: %v", err)
	}
	payload := client.Payload()

	iat, hasIat := integerClaim(payload, "iat")
	exp, hasExp := integerClaim(payload, "exp")
	if !hasIat || !hasExp {
		return failure(ErrClaimValidation, "iat and exp claims are required integers")
	}
	if iat > exp {
		return failure(ErrClaimValidation, "exp claim precedes iat")
	}

	nonceVal := strings.TrimSpace(stringClaim(payload, "nonce"))
	if nonceVal == "" {
		nonceVal = strings.TrimSpace(stringClaim(payload, "jti"))
	}
	if nonceVal == "" {
		return failure(ErrClaimValidation, "missing nonce claim")
	}

	iss := strings.TrimSpace(stringClaim(payload, "iss"))
	if iss == "" {
		return failure(ErrClaimValidation, "missing iss claim")
	}
	aud, err := effectiveAudience(payload)
	if err != nil {
		return failure(ErrClaimValidation, "%v", err)
	}
	deployment := strings.TrimSpace(stringClaim(payload, claims.ClaimURI("deployment_id")))
	messageTypeClaim := strings.TrimSpace(stringClaim(payload, claims.ClaimURI("message_type")))
	if messageTypeClaim != "" && deployment == "" {
		return failure(ErrClaimValidation, "missing deployment_id claim")
	}

	platform, err := principal.LookupPlatform(ctx, a.Registry, iss, aud, deployment)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			return failure(ErrUnknownPrincipal, "no registration for issuer %s", iss)
		}
		return failure(ErrUnknownPrincipal, "registration lookup failed: %v", err)
	}

	if loginResponse {
		if res, ok := a.checkState(ctx, req, platform, nonceVal); !ok {
			return res
		}
	}

	res := Result{Version: VersionLTI1p3, PlatformID: iss, ClientID: aud, DeploymentID: deployment}

	var typ Type
	if messageTypeClaim != "" {
		typ, err = ParseType(messageTypeClaim)
		if err != nil {
			return failure(ErrUnsupportedMessageType, "message type %q", messageTypeClaim)
		}
		res.Type = typ
	}

	flat, warnings, err := claims.ToParams(payload, messageTypeClaim, a.Tokens.Strict)
	if err != nil {
		return failure(ErrClaimValidation, "claim translation: %v", err)
	}
	if a.GenerateWarnings {
		res.Warnings = append(res.Warnings, warnings...)
	}
	res.Params = url.Values{}
	for k, v := range flat {
		res.Params.Set(k, v)
	}
	normalizeRoles(res.Params)

	// Close the replay window before checking the signature.
	fresh, err := a.Nonces.Claim(ctx, platform.ID(), nonceVal, a.NonceTTL)
	if err != nil {
		return failure(ErrReplayDetected, "nonce check failed: %v", err)
	}
	if !fresh {
		return failure(ErrReplayDetected, "nonce has already been used")
	}

	verified, err := client.VerifySignature(ctx, platform.VerificationKey(), platform.JKU)
	if err != nil || !verified.Verified {
		if err == nil {
			err = token.ErrSignatureInvalid
		}
		return Result{Reason: fmt.Sprintf("token verification failed: %v", err), Err: err}
	}
	if verified.UpdatedKey != nil && !a.Tokens.DisableKeyAutosave {
		platform.PublicKey = verified.UpdatedKey
		platform.KID = verified.UpdatedKID
		if err := a.Registry.SavePublicKey(ctx, platform); err != nil {
			a.log().Error("persisting rotated platform key", "issuer", iss, "err", err)
		}
	}

	if !validateMessage(&res, typ, res.Params, a.Constraints[typ], a.Tokens.Strict, a.GenerateWarnings) {
		return res
	}
	res.OK = true
	return res
}

// checkState verifies the one-shot state of an OIDC authentication response
// and binds it to the resolved platform, tolerating first-time registrations
// through progressively looser matching.
func (a *Authenticator) checkState(ctx context.Context, req Request, platform *principal.Platform, nonceVal string) (Result, bool) {
	state := strings.TrimSpace(req.Params.Get("state"))
	if state == "" {
		return failure(ErrMalformedRequest, "missing state parameter"), false
	}
	if a.Stash == nil {
		return failure(ErrReplayDetected, "no login-state store configured"), false
	}
	st, ok, err := a.Stash.Take(ctx, state)
	if err != nil {
		return failure(ErrReplayDetected, "state lookup failed: %v", err), false
	}
	if !ok {
		return failure(ErrReplayDetected, "unknown, expired or reused state"), false
	}
	// Only a successful response consumes the state; a failed binding puts
	// it back so the legitimate callback can still complete.
	if st.Nonce != "" && st.Nonce != nonceVal {
		a.restash(ctx, state, st)
		return failure(ErrClaimValidation, "nonce does not match initiated login"), false
	}
	switch {
	case st.PlatformID == platform.PlatformID && st.ClientID == platform.ClientID && st.DeploymentID == platform.DeploymentID:
	case st.PlatformID == platform.PlatformID && st.ClientID == platform.ClientID:
	case st.PlatformID == platform.PlatformID:
	default:
		a.restash(ctx, state, st)
		return failure(ErrClaimValidation, "state was issued for a different platform"), false
	}
	return Result{}, true
}

func (a *Authenticator) restash(ctx context.Context, state string, st LoginState) {
	if err := a.Stash.Save(ctx, state, st, 0); err != nil {
		a.log().Error("restoring login state failed", "err", err)
	}
}

/* ----------------------------- OAuth1 branch ----------------------------- */

func (a *Authenticator) authenticateOAuth1(ctx context.Context, req Request) Result {
	// client_credentials with a JWT bearer assertion is the token-endpoint
	// flow, not a classic launch.
	if req.Params.Get("client_assertion_type") == assertionType &&
		req.Params.Get("grant_type") == "client_credentials" {
		return failure(ErrMalformedRequest, "client_credentials requests belong at the token endpoint")
	}

	key := strings.TrimSpace(req.Params.Get("oauth_consumer_key"))
	if key == "" {
		return failure(ErrMalformedRequest, "missing oauth_consumer_key parameter")
	}
	if req.Params.Get("oauth_signature_method") == "" || req.Params.Get("oauth_signature") == "" {
		return failure(ErrMalformedRequest, "missing oauth signature parameters")
	}

	platform, err := a.Registry.FindByConsumerKey(ctx, key)
	if err != nil {
		if errors.Is(err, principal.ErrNotFound) {
			return failure(ErrUnknownPrincipal, "unknown consumer key %s", key)
		}
		return failure(ErrUnknownPrincipal, "consumer lookup failed: %v", err)
	}

	method := req.Method
	if method == "" {
		method = "POST"
	}
	if err := oauth1.Verify(method, req.URL, req.Params, platform.Secret, a.TimestampWindow, time.Now()); err != nil {
		if errors.Is(err, oauth1.ErrMissingParameter) || errors.Is(err, oauth1.ErrUnsupportedMethod) {
			return failure(ErrMalformedRequest, "%v", err)
		}
		return Result{Reason: "OAuth signature verification failed", Err: err}
	}

	// A signed body hash binds the payload; recompute it or the body can be
	// swapped behind a valid signature.
	if claimed := req.Params.Get("oauth_body_hash"); claimed != "" {
		want, err := oauth1.BodyHash(req.Params.Get("oauth_signature_method"), req.Body)
		if err != nil {
			return failure(ErrMalformedRequest, "%v", err)
		}
		if claimed != want {
			return Result{
				Reason: "oauth_body_hash does not match request body",
				Err:    fmt.Errorf("%w: body hash mismatch", oauth1.ErrSignatureMismatch),
			}
		}
	}

	fresh, err := a.Nonces.Claim(ctx, key, req.Params.Get("oauth_nonce"), a.NonceTTL)
	if err != nil {
		return failure(ErrReplayDetected, "nonce check failed: %v", err)
	}
	if !fresh {
		return failure(ErrReplayDetected, "invalid nonce: value has already been used")
	}

	res := Result{
		Version:    req.Params.Get("lti_version"),
		PlatformID: platform.PlatformID,
		ClientID:   platform.ClientID,
	}
	res.Params = url.Values{}
	for k, vs := range req.Params {
		if strings.HasPrefix(k, "oauth_") {
			continue
		}
		for _, v := range vs {
			res.Params.Add(k, v)
		}
	}

	var typ Type
	if name := res.Params.Get("lti_message_type"); name != "" {
		typ, err = ParseType(name)
		if err != nil {
			return failure(ErrUnsupportedMessageType, "message type %q", name)
		}
		res.Type = typ
	}

	if !validateMessage(&res, typ, res.Params, a.Constraints[typ], a.Tokens.Strict, a.GenerateWarnings) {
		return res
	}
	res.OK = true
	return res
}

/* -------------------------------- helpers -------------------------------- */

// effectiveAudience applies the azp rule: when azp is present it must be
// contained in aud and becomes the effective audience, otherwise the first
// element is used and must be non-empty.
func effectiveAudience(payload map[string]any) (string, error) {
	var auds []string
	switch v := payload["aud"].(type) {
	case string:
		if v != "" {
			auds = []string{v}
		}
	case []any:
		for _, e := range v {
			if s, ok := e.(string); ok && s != "" {
				auds = append(auds, s)
			}
		}
	}
	if len(auds) == 0 {
		return "", fmt.Errorf("missing aud claim")
	}
	if azp := stringClaim(payload, "azp"); azp != "" {
		for _, aud := range auds {
			if aud == azp {
				return azp, nil
			}
		}
		return "", fmt.Errorf("azp claim not contained in aud")
	}
	return auds[0], nil
}

// normalizeRoles rewrites the roles parameter into the legacy vocabulary so
// downstream code sees one naming convention regardless of message version.
func normalizeRoles(params url.Values) {
	raw := params.Get("roles")
	if raw == "" {
		return
	}
	var in []string
	for _, r := range strings.Split(raw, ",") {
		if r = strings.TrimSpace(r); r != "" {
			in = append(in, r)
		}
	}
	out := roles.Translate(in, roles.V1p0, false)
	if len(out) > 0 {
		params.Set("roles", strings.Join(out, ","))
	}
}

func stringClaim(payload map[string]any, name string) string {
	if s, ok := payload[name].(string); ok {
		return s
	}
	return ""
}

func integerClaim(payload map[string]any, name string) (int64, bool) {
	switch v := payload[name].(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case int64:
		return v, true
	}
	return 0, false
}
