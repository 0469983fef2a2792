package message

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/edubridge/ltiauth/pkg/lti/claims"
	"github.com/edubridge/ltiauth/pkg/lti/oauth1"
	"github.com/edubridge/ltiauth/pkg/lti/principal"
	"github.com/edubridge/ltiauth/pkg/lti/token"
)

// Envelope carries the standard claims of an outbound JWT message.
type Envelope struct {
	Issuer       string
	Audience     string
	Subject      string
	DeploymentID string
	// Nonce for the message; minted when empty.
	Nonce string
	// TTL of the token; 5 minutes when zero.
	TTL time.Duration
}

// Signer is the outbound counterpart of the Authenticator. It signs form
// launches and service calls for HMAC principals, JWT messages for RS
// principals, and drives the platform side of the OIDC launch flow.
type Signer struct {
	Tokens token.Config
	Stash  Stash

	// Now is replaceable for tests.
	Now func() time.Time
}

func (s *Signer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func ttlOr(ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	return 5 * time.Minute
}

// SignParameters signs a form-post message according to the principal's
// signature method: HMAC principals get OAuth 1 protocol parameters added,
// RS principals get the whole parameter set folded into a single signed
// token parameter (id_token, or JWT for deep-linking responses).
func (s *Signer) SignParameters(p *principal.Principal, typ Type, targetURL string, params map[string]string, env Envelope) (url.Values, error) {
	if !p.UsesJWT() {
		form := url.Values{}
		for k, v := range params {
			form.Set(k, v)
		}
		if form.Get("lti_message_type") == "" && typ != TypeUnknown {
			form.Set("lti_message_type", typ.LegacyName())
		}
		if form.Get("lti_version") == "" {
			form.Set("lti_version", VersionLTI1)
		}
		method := p.SignatureMethod
		if method == "" {
			method = oauth1.MethodHMACSHA1
		}
		return oauth1.Sign(method, "POST", targetURL, form, p.Key, p.Secret, uuid.NewString(), s.now())
	}

	signed, err := s.signJWT(p, typ, params, env)
	if err != nil {
		return nil, err
	}
	name := "id_token"
	if typ == TypeDeepLinkingResponse {
		name = "JWT"
	}
	return url.Values{name: {signed}}, nil
}

func (s *Signer) signJWT(p *principal.Principal, typ Type, params map[string]string, env Envelope) (string, error) {
	if p.PrivateKey == nil {
		return "", fmt.Errorf("%w: principal has no private key", token.ErrNoVerificationMaterial)
	}
	payload, _, err := claims.ToClaims(params, typ.ClaimName(), s.Tokens.Strict)
	if err != nil {
		return "", err
	}
	if typ != TypeUnknown {
		payload[claims.ClaimURI("message_type")] = typ.ClaimName()
		payload[claims.ClaimURI("version")] = VersionLTI1p3
	}
	if env.DeploymentID != "" {
		payload[claims.ClaimURI("deployment_id")] = env.DeploymentID
	}
	now := s.now()
	nonceVal := env.Nonce
	if nonceVal == "" {
		nonceVal = uuid.NewString()
	}
	payload["iss"] = env.Issuer
	payload["aud"] = env.Audience
	payload["azp"] = env.Audience
	if env.Subject != "" {
		payload["sub"] = env.Subject
	}
	payload["iat"] = now.Unix()
	payload["exp"] = now.Add(ttlOr(env.TTL)).Unix()
	payload["nonce"] = nonceVal

	opts := token.SignOptions{
		Method:     p.SignatureMethod,
		PrivateKey: p.PrivateKey,
		KID:        p.PrivateKID,
		JKU:        p.JKU,
	}
	if p.EncryptionMethod != "" {
		opts.EncryptMethod = p.EncryptionMethod
		opts.RecipientKey = p.PublicKey
	}
	return token.New(s.Tokens).Sign(payload, opts)
}

// SignServiceHeader signs a non-form service request and returns the OAuth
// Authorization header value. The body hash algorithm follows the
// principal's signature method.
func (s *Signer) SignServiceHeader(p *principal.Principal, httpMethod, rawURL, contentType string, body []byte) (string, error) {
	method := p.SignatureMethod
	if method == "" {
		method = oauth1.MethodHMACSHA1
	}
	params := url.Values{}
	if strings.HasPrefix(contentType, "application/x-www-form-urlencoded") {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			return "", fmt.Errorf("%w: form body: %v", ErrMalformedRequest, err)
		}
		params = form
	} else {
		hash, err := oauth1.BodyHash(method, body)
		if err != nil {
			return "", err
		}
		params.Set("oauth_body_hash", hash)
	}
	signed, err := oauth1.Sign(method, httpMethod, rawURL, params, p.Key, p.Secret, uuid.NewString(), s.now())
	if err != nil {
		return "", err
	}
	return oauth1.AuthorizationHeader(signed), nil
}

/* --------------------------- OIDC launch flow ---------------------------- */

// InitiateLaunch starts a 1.3 launch from the platform side: the would-be
// launch parameters are stashed under a fresh message hint and the user
// agent is redirected to the tool's initiate-login endpoint. The tool's
// authentication request later rehydrates the stash via AuthorizeLaunch.
func (s *Signer) InitiateLaunch(ctx context.Context, platform *principal.Platform, tool *principal.Tool, loginHint, targetURL string, params map[string]string) (string, error) {
	if s.Stash == nil {
		return "", fmt.Errorf("%w: no login-state store configured", ErrMalformedRequest)
	}
	if tool.InitiateLoginURL == "" {
		return "", fmt.Errorf("%w: tool has no initiate login URL", ErrMalformedRequest)
	}
	hint := uuid.NewString()
	st := LoginState{
		Nonce:        uuid.NewString(),
		PlatformID:   platform.PlatformID,
		ClientID:     platform.ClientID,
		DeploymentID: platform.DeploymentID,
		TargetURL:    targetURL,
		Params:       params,
	}
	if err := s.Stash.Save(ctx, hint, st, 0); err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("iss", platform.PlatformID)
	q.Set("client_id", platform.ClientID)
	if platform.DeploymentID != "" {
		q.Set("lti_deployment_id", platform.DeploymentID)
	}
	q.Set("target_link_uri", targetURL)
	if loginHint != "" {
		q.Set("login_hint", loginHint)
	}
	q.Set("lti_message_hint", hint)

	sep := "?"
	if strings.Contains(tool.InitiateLoginURL, "?") {
		sep = "&"
	}
	return tool.InitiateLoginURL + sep + q.Encode(), nil
}

// HandleInitiateLogin is the tool side of the flow: it answers the
// platform's initiate-login request by minting the state/nonce pair,
// stashing it for the authentication response, and building the
// authentication request aimed at the platform's authentication URL.
// redirectURI is the tool endpoint the id_token should be posted back to.
func (s *Signer) HandleInitiateLogin(ctx context.Context, platform *principal.Platform, loginReq url.Values, redirectURI string) (string, error) {
	if s.Stash == nil {
		return "", fmt.Errorf("%w: no login-state store configured", ErrMalformedRequest)
	}
	if platform.AuthenticationURL == "" {
		return "", fmt.Errorf("%w: platform has no authentication URL", ErrMalformedRequest)
	}
	target := strings.TrimSpace(loginReq.Get("target_link_uri"))
	if target == "" {
		return "", fmt.Errorf("%w: missing target_link_uri parameter", ErrMalformedRequest)
	}
	if redirectURI == "" {
		redirectURI = target
	}

	state := uuid.NewString()
	nonceVal := uuid.NewString()
	st := LoginState{
		Nonce:        nonceVal,
		PlatformID:   platform.PlatformID,
		ClientID:     platform.ClientID,
		DeploymentID: strings.TrimSpace(loginReq.Get("lti_deployment_id")),
		TargetURL:    target,
	}
	if err := s.Stash.Save(ctx, state, st, 0); err != nil {
		return "", err
	}

	q := url.Values{}
	q.Set("scope", "openid")
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("client_id", platform.ClientID)
	q.Set("redirect_uri", redirectURI)
	if hint := loginReq.Get("login_hint"); hint != "" {
		q.Set("login_hint", hint)
	}
	if hint := loginReq.Get("lti_message_hint"); hint != "" {
		q.Set("lti_message_hint", hint)
	}
	q.Set("state", state)
	q.Set("nonce", nonceVal)
	q.Set("prompt", "none")

	sep := "?"
	if strings.Contains(platform.AuthenticationURL, "?") {
		sep = "&"
	}
	return platform.AuthenticationURL + sep + q.Encode(), nil
}

// AuthorizeLaunch handles the tool's authentication request at the
// platform's authorization endpoint: it validates the OIDC parameters,
// rehydrates the stashed launch, signs the id_token and returns the
// auto-submitting form-post page aimed at the tool's redirect URI.
func (s *Signer) AuthorizeLaunch(ctx context.Context, platform *principal.Platform, tool *principal.Tool, authReq url.Values) ([]byte, error) {
	if !strings.EqualFold(strings.TrimSpace(authReq.Get("response_type")), "id_token") {
		return nil, fmt.Errorf("%w: response_type must be id_token", ErrMalformedRequest)
	}
	if !strings.EqualFold(strings.TrimSpace(authReq.Get("response_mode")), "form_post") {
		return nil, fmt.Errorf("%w: response_mode must be form_post", ErrMalformedRequest)
	}
	clientID := strings.TrimSpace(authReq.Get("client_id"))
	if clientID == "" || clientID != platform.ClientID {
		return nil, fmt.Errorf("%w: client_id %q not registered", ErrUnknownPrincipal, clientID)
	}
	redirectURI := strings.TrimSpace(authReq.Get("redirect_uri"))
	if !isHTTPURL(redirectURI) || !tool.AcceptsRedirect(redirectURI) {
		return nil, fmt.Errorf("%w: redirect_uri not allowed for client", ErrMalformedRequest)
	}
	nonceVal := strings.TrimSpace(authReq.Get("nonce"))
	if nonceVal == "" {
		return nil, fmt.Errorf("%w: nonce required", ErrMalformedRequest)
	}
	state := strings.TrimSpace(authReq.Get("state"))

	hint := strings.TrimSpace(authReq.Get("lti_message_hint"))
	if hint == "" || s.Stash == nil {
		return nil, fmt.Errorf("%w: missing lti_message_hint", ErrMalformedRequest)
	}
	st, ok, err := s.Stash.Take(ctx, hint)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: unknown or expired launch", ErrReplayDetected)
	}

	params := map[string]string{}
	for k, v := range st.Params {
		params[k] = v
	}
	if params["target_link_uri"] == "" && st.TargetURL != "" {
		params["target_link_uri"] = st.TargetURL
	}
	typ := TypeResourceLink
	if name := params["lti_message_type"]; name != "" {
		typ, err = ParseType(name)
		if err != nil {
			return nil, err
		}
		delete(params, "lti_message_type")
	}
	delete(params, "lti_version")

	signed, err := s.signJWT(&platform.Principal, typ, params, Envelope{
		Issuer:       platform.PlatformID,
		Audience:     clientID,
		Subject:      params["user_id"],
		DeploymentID: st.DeploymentID,
		Nonce:        nonceVal,
	})
	if err != nil {
		return nil, err
	}
	return FormPostHTML(redirectURI, map[string]string{"id_token": signed, "state": state})
}

// ErrorRedirect builds the failure response for a message with a known
// return URL: deep-linking flows get a signed response carrying the error
// message, everything else gets the error appended as query parameters.
func (s *Signer) ErrorRedirect(p *principal.Principal, typ Type, returnURL, errMsg string, env Envelope) (string, []byte, error) {
	if typ == TypeDeepLinkingRequest && p.UsesJWT() {
		signed, err := s.signJWT(p, TypeDeepLinkingResponse, map[string]string{
			"lti_errormsg": errMsg,
		}, env)
		if err != nil {
			return "", nil, err
		}
		html, err := FormPostHTML(returnURL, map[string]string{"JWT": signed})
		return "", html, err
	}
	sep := "?"
	if strings.Contains(returnURL, "?") {
		sep = "&"
	}
	q := url.Values{}
	q.Set("lti_errormsg", errMsg)
	return returnURL + sep + q.Encode(), nil, nil
}

var formPostTpl = template.Must(template.New("formpost").Parse(`<!doctype html>
<html><head><meta charset="utf-8"><title>LTI Message</title></head>
<body onload="document.forms[0].submit()">
<form method="post" action="{{.Action}}">
{{- range $name, $value := .Fields}}{{if $value}}
  <input type="hidden" name="{{$name}}" value="{{$value}}">
{{- end}}{{end}}
  <noscript><button type="submit">Continue</button></noscript>
</form>
</body></html>`))

// FormPostHTML renders the auto-submitting form that carries signed
// parameters to targetURL via POST. Empty fields are omitted.
func FormPostHTML(targetURL string, fields map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	err := formPostTpl.Execute(&buf, map[string]any{"Action": targetURL, "Fields": fields})
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}
