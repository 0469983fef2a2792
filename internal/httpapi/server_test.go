package httpapi_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/edubridge/ltiauth/internal/httpapi"
	"github.com/edubridge/ltiauth/pkg/lti/message"
	"github.com/edubridge/ltiauth/pkg/lti/nonce"
	"github.com/edubridge/ltiauth/pkg/lti/oauth1"
	"github.com/edubridge/ltiauth/pkg/lti/principal"
	"github.com/edubridge/ltiauth/pkg/lti/token"
)

var serverKey *rsa.PrivateKey

func init() {
	var err error
	serverKey, err = rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}
}

const baseURL = "https://lms.example.edu"

type fixture struct {
	srv      *httpapi.Server
	registry *principal.MemoryRegistry
	signer   *message.Signer
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	registry := principal.NewMemoryRegistry()
	stash := message.NewMemoryStash()
	nonces := nonce.NewMemoryStore(0)
	cfg := token.Config{}

	identity := &principal.Platform{
		Principal: principal.Principal{
			PrivateKey:      serverKey,
			PrivateKID:      "srv-1",
			SignatureMethod: principal.MethodRS256,
		},
		PlatformID: baseURL,
	}
	signer := &message.Signer{Tokens: cfg, Stash: stash}
	srv := &httpapi.Server{
		Auth: &message.Authenticator{
			Registry:         registry,
			Nonces:           nonces,
			Stash:            stash,
			Tokens:           cfg,
			GenerateWarnings: true,
		},
		Signer:        signer,
		Issuer:        &message.AccessTokenIssuer{Tokens: cfg},
		Verifier:      &message.AccessTokenVerifier{Registry: registry, Nonces: nonces, Tokens: cfg},
		Registry:      registry,
		Identity:      identity,
		PublicBaseURL: baseURL,
	}
	return &fixture{srv: srv, registry: registry, signer: signer, handler: srv.Routes()}
}

func (f *fixture) post(path string, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func TestJWKSDocument(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/jwk-set+json" {
		t.Errorf("content type = %q", got)
	}
	var set token.JWKS
	if err := json.Unmarshal(rec.Body.Bytes(), &set); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(set.Keys) != 1 || set.Keys[0]["kid"] != "srv-1" {
		t.Fatalf("keys = %v", set.Keys)
	}

	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("no ETag header")
	}
	req = httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified {
		t.Errorf("revalidation status = %d", rec.Code)
	}
}

func TestLaunchOAuth1(t *testing.T) {
	f := newFixture(t)
	f.registry.Add(&principal.Platform{
		Principal: principal.Principal{
			Key:             "consumer-1",
			Secret:          "sekrit",
			SignatureMethod: principal.MethodHMACSHA256,
		},
		Name: "Legacy LMS",
	})

	form := url.Values{
		"lti_message_type": {"basic-lti-launch-request"},
		"lti_version":      {"LTI-1p0"},
		"resource_link_id": {"rl-9"},
		"user_id":          {"u-1"},
	}
	signed, err := oauth1.Sign(oauth1.MethodHMACSHA256, http.MethodPost, baseURL+"/lti/launch",
		form, "consumer-1", "sekrit", "n-123", time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	rec := f.post("/lti/launch", signed)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		OK          bool              `json:"ok"`
		MessageType string            `json:"message_type"`
		Params      map[string]string `json:"params"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !body.OK || body.MessageType != "basic-lti-launch-request" {
		t.Fatalf("body = %+v", body)
	}
	if body.Params["resource_link_id"] != "rl-9" {
		t.Errorf("resource_link_id = %q", body.Params["resource_link_id"])
	}

	// Replaying the same signed form must be refused.
	rec = f.post("/lti/launch", signed)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("replay status = %d", rec.Code)
	}
}

func TestLaunchUnknownConsumer(t *testing.T) {
	f := newFixture(t)

	form := url.Values{
		"lti_message_type": {"basic-lti-launch-request"},
		"lti_version":      {"LTI-1p0"},
		"resource_link_id": {"rl-9"},
	}
	signed, err := oauth1.Sign(oauth1.MethodHMACSHA1, http.MethodPost, baseURL+"/lti/launch",
		form, "nobody", "wrong", "n-1", time.Now())
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	rec := f.post("/lti/launch", signed)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestTokenEndpoint(t *testing.T) {
	f := newFixture(t)
	tokenURL := baseURL + "/oauth/token"
	scope := "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	reg := &principal.Platform{
		Principal: principal.Principal{
			Key:             "tool-7",
			PublicKey:       &serverKey.PublicKey,
			KID:             "tool-kid",
			PrivateKey:      serverKey,
			PrivateKID:      "tool-kid",
			SignatureMethod: principal.MethodRS256,
		},
		ClientID:       "tool-7",
		AccessTokenURL: tokenURL,
		Scopes:         []string{scope},
	}
	f.registry.Add(reg)

	issuer := &message.AccessTokenIssuer{}
	form, err := issuer.ClientAssertionForm(reg, []string{scope})
	if err != nil {
		t.Fatalf("assertion form: %v", err)
	}
	rec := f.post("/oauth/token", form)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("cache-control = %q", got)
	}
	var tok message.AccessToken
	if err := json.Unmarshal(rec.Body.Bytes(), &tok); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tok.TokenType != "Bearer" || tok.AccessToken == "" {
		t.Fatalf("token = %+v", tok)
	}
	if tok.Scope != scope {
		t.Errorf("scope = %q", tok.Scope)
	}
}

func TestTokenEndpointErrors(t *testing.T) {
	f := newFixture(t)

	rec := f.post("/oauth/token", url.Values{"grant_type": {"authorization_code"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "unsupported_grant_type" {
		t.Errorf("error = %q", body["error"])
	}

	rec = f.post("/oauth/token", url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"ghost"},
		"client_secret": {"nope"},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unknown client status = %d", rec.Code)
	}
}

func TestInitiateLoginRedirect(t *testing.T) {
	f := newFixture(t)
	f.registry.Add(&principal.Platform{
		Principal: principal.Principal{
			PublicKey:       &serverKey.PublicKey,
			KID:             "plat-kid",
			SignatureMethod: principal.MethodRS256,
		},
		PlatformID:        "https://platform.example.com",
		ClientID:          "client-1",
		DeploymentID:      "dep-1",
		AuthenticationURL: "https://platform.example.com/auth",
	})

	form := url.Values{
		"iss":               {"https://platform.example.com"},
		"client_id":         {"client-1"},
		"lti_deployment_id": {"dep-1"},
		"login_hint":        {"opaque-hint"},
		"target_link_uri":   {baseURL + "/lti/launch"},
	}
	rec := f.post("/lti/login", form)
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	loc, err := url.Parse(rec.Header().Get("Location"))
	if err != nil {
		t.Fatalf("location: %v", err)
	}
	if got := loc.Scheme + "://" + loc.Host + loc.Path; got != "https://platform.example.com/auth" {
		t.Errorf("redirect target = %q", got)
	}
	q := loc.Query()
	if q.Get("state") == "" || q.Get("nonce") == "" {
		t.Errorf("missing state/nonce in %q", loc.RawQuery)
	}
	if q.Get("response_mode") != "form_post" {
		t.Errorf("response_mode = %q", q.Get("response_mode"))
	}
	if q.Get("redirect_uri") != baseURL+"/lti/launch" {
		t.Errorf("redirect_uri = %q", q.Get("redirect_uri"))
	}
}

func TestInitiateLoginUnknownPlatform(t *testing.T) {
	f := newFixture(t)
	rec := f.post("/lti/login", url.Values{
		"iss":       {"https://stranger.example.com"},
		"client_id": {"x"},
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthorizeFlow(t *testing.T) {
	f := newFixture(t)
	toolKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	// Registration row for the tool, platform-side: our issuer, the tool's
	// client id and verification key.
	f.registry.Add(&principal.Platform{
		Principal: principal.Principal{
			PublicKey:       &toolKey.PublicKey,
			KID:             "tool-kid",
			SignatureMethod: principal.MethodRS256,
		},
		PlatformID:        baseURL,
		ClientID:          "tool-9",
		AuthenticationURL: baseURL + "/oauth/authorize",
	})
	tool := &principal.Tool{
		BaseURL:          "https://tool.example.org",
		InitiateLoginURL: "https://tool.example.org/login",
	}
	f.srv.ResolveTool = func(ctx context.Context, clientID string) (*principal.Tool, error) {
		if clientID != "tool-9" {
			return nil, principal.ErrNotFound
		}
		return tool, nil
	}

	local := &principal.Platform{
		Principal:         f.srv.Identity.Principal,
		PlatformID:        baseURL,
		ClientID:          "tool-9",
		DeploymentID:      "dep-9",
		AuthenticationURL: baseURL + "/oauth/authorize",
	}
	loginURL, err := f.signer.InitiateLaunch(context.Background(), local, tool, "user-4",
		"https://tool.example.org/launch", map[string]string{
			"lti_message_type": "basic-lti-launch-request",
			"resource_link_id": "rl-1",
			"user_id":          "user-4",
		})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	hintticket, err := url.Parse(loginURL)
	if err != nil {
		t.Fatal(err)
	}

	authForm := url.Values{
		"response_type":    {"id_token"},
		"response_mode":    {"form_post"},
		"client_id":        {"tool-9"},
		"redirect_uri":     {"https://tool.example.org/launch"},
		"state":            {"tool-state"},
		"nonce":            {"tool-nonce"},
		"login_hint":       {hintticket.Query().Get("login_hint")},
		"lti_message_hint": {hintticket.Query().Get("lti_message_hint")},
	}
	rec := f.post("/oauth/authorize", authForm)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	if !strings.Contains(rec.Body.String(), "id_token") {
		t.Error("form post carries no id_token")
	}

	// Second use of the same message hint is a replay.
	rec = f.post("/oauth/authorize", authForm)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("replay status = %d", rec.Code)
	}
}
