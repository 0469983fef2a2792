// Package principal models the two parties of a launch: the platform
// (consumer) and the tool (provider). Both carry a Principal value holding
// the credentials used to sign and verify messages; per-request state lives
// in the authenticator, never here.
package principal

import (
	"crypto/rsa"
	"strings"

	"github.com/edubridge/ltiauth/pkg/lti/token"
)

// Signature methods a Principal may be configured with. HMAC methods imply
// OAuth 1 message signing with Secret; RS methods imply JWT signing.
const (
	MethodHMACSHA1   = "HMAC-SHA1"
	MethodHMACSHA256 = "HMAC-SHA256"
	MethodRS256      = "RS256"
	MethodRS384      = "RS384"
	MethodRS512      = "RS512"
)

// Principal holds the credentials shared between the two parties. Key and
// Secret drive OAuth 1 signing; the remaining fields drive JWT signing and
// verification.
type Principal struct {
	// Key is the consumer key (LTI 1.x) or client_id (LTI 1.3).
	Key string
	// Secret is the shared secret. For 1.3 token endpoints it may hold a
	// bcrypt hash of the client secret instead of the plain value.
	Secret string

	// PublicKey and KID identify the counterpart's current verification
	// key. JKU points at their JWKS for refresh after rotation.
	PublicKey *rsa.PublicKey
	KID       string
	JKU       string

	// PrivateKey and PrivateKID are this party's own signing material.
	PrivateKey *rsa.PrivateKey
	PrivateKID string

	SignatureMethod  string
	EncryptionMethod string
}

// UsesJWT reports whether the configured signature method calls for JWT
// messages rather than OAuth 1 form signing.
func (p *Principal) UsesJWT() bool {
	return !strings.HasPrefix(p.SignatureMethod, "HMAC")
}

// VerificationKey packages the counterpart key for the token layer.
func (p *Principal) VerificationKey() token.PublicKey {
	return token.PublicKey{Key: p.PublicKey, KID: p.KID}
}

// Platform is the launch consumer. In tool mode its Principal verifies
// inbound launches; in platform mode the Principal signs them.
type Platform struct {
	Principal

	Name string
	// PlatformID is the issuer (iss) for 1.3 messages.
	PlatformID   string
	ClientID     string
	DeploymentID string
	// AuthorizationServerID is the aud accepted at the platform's token
	// endpoint; AccessTokenURL when empty.
	AuthorizationServerID string
	// AuthenticationURL receives OIDC authentication requests.
	AuthenticationURL string
	AccessTokenURL    string

	// Scopes the platform grants for service access.
	Scopes []string
}

// ID returns the stable identity of a 1.3 platform registration.
func (p *Platform) ID() string {
	return strings.Join([]string{p.PlatformID, p.ClientID, p.DeploymentID}, "#")
}

// Tool is the launch provider.
type Tool struct {
	Principal

	Name    string
	BaseURL string
	// InitiateLoginURL receives third-party initiated login requests.
	InitiateLoginURL string
	RedirectURIs     []string
}

// AcceptsRedirect reports whether uri is one of the tool's registered
// redirect URIs. A tool with none registered accepts any target under its
// base URL.
func (t *Tool) AcceptsRedirect(uri string) bool {
	if len(t.RedirectURIs) == 0 {
		return t.BaseURL == "" || strings.HasPrefix(uri, t.BaseURL)
	}
	for _, r := range t.RedirectURIs {
		if r == uri {
			return true
		}
	}
	return false
}
