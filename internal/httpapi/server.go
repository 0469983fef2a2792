// Package httpapi mounts the LTI authentication endpoints on a chi router:
// the JWKS document, the platform-side OIDC authorize and token endpoints,
// the tool-side initiate-login redirect and the inbound launch handler.
package httpapi

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/edubridge/ltiauth/pkg/lti/message"
	"github.com/edubridge/ltiauth/pkg/lti/principal"
	"github.com/edubridge/ltiauth/pkg/lti/token"
)

// Server wires the message-layer collaborators into HTTP handlers. All
// fields must be set by the composition root; ResolveTool may be nil when
// the authorize endpoint is not used.
type Server struct {
	Auth     *message.Authenticator
	Signer   *message.Signer
	Issuer   *message.AccessTokenIssuer
	Verifier *message.AccessTokenVerifier
	Registry principal.Registry

	// Issuer identity of this deployment: PlatformID is the iss it signs
	// with, PrivateKey/PrivateKID the signing material served via JWKS.
	Identity *principal.Platform

	// ResolveTool maps a client_id to the registered tool for the
	// authorize endpoint's redirect-URI check.
	ResolveTool func(ctx context.Context, clientID string) (*principal.Tool, error)

	PublicBaseURL string
	CORSOrigins   []string
	CacheMaxAge   time.Duration
	Logger        *slog.Logger
}

func (s *Server) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Server) cacheAge() time.Duration {
	if s.CacheMaxAge > 0 {
		return s.CacheMaxAge
	}
	return 10 * time.Minute
}

// Routes assembles the router. CORS is limited to the JWKS document; the
// form-post endpoints are navigated to by browsers, not fetched.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins(),
			AllowedMethods: []string{"GET", "HEAD", "OPTIONS"},
			MaxAge:         300,
		}))
		r.Get("/.well-known/jwks.json", s.handleJWKS)
		r.Head("/.well-known/jwks.json", s.handleJWKS)
	})

	r.Get("/oauth/authorize", s.handleAuthorize)
	r.Post("/oauth/authorize", s.handleAuthorize)
	r.Post("/oauth/token", s.handleToken)

	r.Get("/lti/login", s.handleLogin)
	r.Post("/lti/login", s.handleLogin)
	r.Post("/lti/launch", s.handleLaunch)
	return r
}

func (s *Server) corsOrigins() []string {
	if len(s.CORSOrigins) > 0 {
		return s.CORSOrigins
	}
	return []string{"*"}
}

// handleJWKS serves this deployment's public signing keys. Responses carry
// an ETag so peers can revalidate cheaply between rotations.
func (s *Server) handleJWKS(w http.ResponseWriter, r *http.Request) {
	if s.Identity == nil || s.Identity.PrivateKey == nil {
		http.Error(w, "jwks: no signing key configured", http.StatusInternalServerError)
		return
	}
	method := s.Identity.SignatureMethod
	if method == "" {
		method = principal.MethodRS256
	}
	set := token.BuildJWKS(token.RSAPublicJWK(&s.Identity.PrivateKey.PublicKey, s.Identity.PrivateKID, method))

	payload, err := json.Marshal(set)
	if err != nil {
		http.Error(w, "jwks: marshal error", http.StatusInternalServerError)
		return
	}
	sum := sha256.Sum256(payload)
	etag := `"` + hex.EncodeToString(sum[:16]) + `"`

	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(s.cacheAge().Seconds())))
	w.Header().Set("ETag", etag)

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	_, _ = w.Write(payload)
}

// handleLogin is the tool-side third-party-initiated-login endpoint: it
// stashes state+nonce and redirects the browser to the platform's
// authentication URL.
func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "login: bad form", http.StatusBadRequest)
		return
	}
	iss := r.Form.Get("iss")
	clientID := r.Form.Get("client_id")
	platform, err := principal.LookupPlatform(r.Context(), s.Registry, iss, clientID, r.Form.Get("lti_deployment_id"))
	if err != nil {
		s.log().Warn("initiate login from unknown platform", "iss", iss, "client_id", clientID)
		http.Error(w, "login: unknown platform", http.StatusUnauthorized)
		return
	}
	redirectURI := s.PublicBaseURL + "/lti/launch"
	authURL, err := s.Signer.HandleInitiateLogin(r.Context(), platform, r.Form, redirectURI)
	if err != nil {
		s.log().Error("initiate login failed", "iss", iss, "err", err)
		http.Error(w, "login: "+err.Error(), http.StatusBadRequest)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// handleLaunch verifies an inbound launch (OAuth1 form post or OIDC
// form_post id_token) and reports the normalized parameters.
func (s *Server) handleLaunch(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "launch: bad form", http.StatusBadRequest)
		return
	}
	res := s.Auth.Authenticate(r.Context(), message.Request{
		Method: r.Method,
		URL:    s.PublicBaseURL + r.URL.Path,
		Params: r.Form,
	})
	if !res.OK {
		status := http.StatusBadRequest
		switch {
		case errors.Is(res.Err, message.ErrUnknownPrincipal),
			errors.Is(res.Err, message.ErrReplayDetected),
			errors.Is(res.Err, token.ErrSignatureInvalid),
			errors.Is(res.Err, token.ErrInvalidToken):
			status = http.StatusUnauthorized
		}
		s.log().Warn("launch rejected", "reason", res.Reason)
		writeJSON(w, status, map[string]any{"ok": false, "reason": res.Reason})
		return
	}
	params := map[string]string{}
	for k := range res.Params {
		params[k] = res.Params.Get(k)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"message_type":  res.Type.LegacyName(),
		"lti_version":   res.Version,
		"platform_id":   res.PlatformID,
		"deployment_id": res.DeploymentID,
		"warnings":      res.Warnings,
		"params":        params,
	})
}

// handleAuthorize is the platform-side OIDC endpoint: it resumes the launch
// stashed by InitiateLaunch and form-posts a signed id_token back to the
// tool's redirect URI.
func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "authorize: bad form", http.StatusBadRequest)
		return
	}
	clientID := r.Form.Get("client_id")
	platform, err := principal.LookupPlatform(r.Context(), s.Registry, s.Identity.PlatformID, clientID, "")
	if err != nil {
		http.Error(w, "authorize: unknown client_id", http.StatusUnauthorized)
		return
	}
	// Sign with the local identity; the registration row only carries the
	// tool's verification material.
	signer := *platform
	signer.PrivateKey = s.Identity.PrivateKey
	signer.PrivateKID = s.Identity.PrivateKID

	tool, err := s.lookupTool(r, clientID)
	if err != nil {
		http.Error(w, "authorize: unknown tool", http.StatusUnauthorized)
		return
	}
	page, err := s.Signer.AuthorizeLaunch(r.Context(), &signer, tool, r.Form)
	if err != nil {
		s.log().Warn("authorize rejected", "client_id", clientID, "err", err)
		status := http.StatusBadRequest
		if errors.Is(err, message.ErrReplayDetected) {
			status = http.StatusUnauthorized
		}
		http.Error(w, "authorize: "+err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	_, _ = w.Write(page)
}

func (s *Server) lookupTool(r *http.Request, clientID string) (*principal.Tool, error) {
	if s.ResolveTool == nil {
		return nil, errors.New("httpapi: no tool resolver configured")
	}
	return s.ResolveTool(r.Context(), clientID)
}

// handleToken is the platform-side client_credentials endpoint (RFC 6749
// error bodies, private_key_jwt or client_secret_post authentication).
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, &message.OAuthError{Code: message.OAuthInvalidRequest, Description: "bad form"})
		return
	}
	tokenURL := s.PublicBaseURL + "/oauth/token"
	clientID, scopes, err := s.Verifier.VerifyRequest(r.Context(), r.Form, tokenURL)
	if err != nil {
		var oe *message.OAuthError
		if !errors.As(err, &oe) {
			oe = &message.OAuthError{Code: message.OAuthInvalidClient, Description: err.Error()}
		}
		s.log().Warn("token request rejected", "client_id", clientID, "code", oe.Code)
		writeOAuthError(w, oe)
		return
	}
	tok, err := s.Issuer.Issue(s.Identity.PlatformID, &s.Identity.Principal, clientID, tokenURL, scopes)
	if err != nil {
		s.log().Error("token issue failed", "client_id", clientID, "err", err)
		http.Error(w, "token: issue failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, tok)
}

func writeOAuthError(w http.ResponseWriter, oe *message.OAuthError) {
	status := http.StatusBadRequest
	if oe.Code == message.OAuthInvalidClient {
		status = http.StatusUnauthorized
	}
	writeJSON(w, status, map[string]string{
		"error":             oe.Code,
		"error_description": oe.Description,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Default().Error("response encode failed", "err", err)
	}
}
