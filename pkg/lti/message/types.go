// Package message contains the inbound authentication state machine, the
// outbound signer and the client-credentials access-token issuer/verifier.
// Callers get a Result back; nothing in here panics across the boundary.
package message

import (
	"errors"
	"fmt"
	"net/url"
)

// Failure taxonomy. Every rejection wraps one of these so callers can branch
// with errors.Is; Result.Reason carries the human-readable form.
var (
	ErrMalformedRequest       = errors.New("lti: malformed request")
	ErrClaimValidation        = errors.New("lti: claim validation failure")
	ErrReplayDetected         = errors.New("lti: replay detected")
	ErrUnknownPrincipal       = errors.New("lti: unknown principal")
	ErrConstraintViolation    = errors.New("lti: message constraint violation")
	ErrUnsupportedMessageType = errors.New("lti: unsupported message type")
)

// LTI version identifiers as they appear in the lti_version parameter.
const (
	VersionLTI1   = "LTI-1p0"
	VersionLTI2   = "LTI-2p0"
	VersionLTI1p3 = "1.3.0"
)

// Type enumerates the supported message types.
type Type int

const (
	TypeUnknown Type = iota
	TypeResourceLink
	TypeDeepLinkingRequest
	TypeDeepLinkingResponse
	TypeSubmissionReview
	TypeToolProxyRegistration
)

var typeNames = map[Type][2]string{
	// legacy name, 1.3 claim name
	TypeResourceLink:          {"basic-lti-launch-request", "LtiResourceLinkRequest"},
	TypeDeepLinkingRequest:    {"ContentItemSelectionRequest", "LtiDeepLinkingRequest"},
	TypeDeepLinkingResponse:   {"ContentItemSelection", "LtiDeepLinkingResponse"},
	TypeSubmissionReview:      {"LtiSubmissionReviewRequest", "LtiSubmissionReviewRequest"},
	TypeToolProxyRegistration: {"ToolProxyRegistrationRequest", "ToolProxyRegistrationRequest"},
}

// ParseType accepts either the legacy or the 1.3 name.
func ParseType(name string) (Type, error) {
	for t, names := range typeNames {
		if name == names[0] || name == names[1] {
			return t, nil
		}
	}
	return TypeUnknown, fmt.Errorf("%w: %q", ErrUnsupportedMessageType, name)
}

// LegacyName is the value carried in lti_message_type.
func (t Type) LegacyName() string { return typeNames[t][0] }

// ClaimName is the value carried in the 1.3 message_type claim.
func (t Type) ClaimName() string { return typeNames[t][1] }

func (t Type) String() string {
	if names, ok := typeNames[t]; ok {
		return names[0]
	}
	return "unknown"
}

// Result is the outcome of an authentication pass. When OK is false the
// parameter map must not be trusted, even if partially populated.
type Result struct {
	OK       bool
	Reason   string
	Err      error
	Warnings []string

	Type    Type
	Version string
	// Params is the normalized flat parameter map, legacy naming.
	Params url.Values
	// PlatformID/ClientID/DeploymentID identify the resolved counterpart.
	PlatformID   string
	ClientID     string
	DeploymentID string
}

func failure(err error, format string, args ...any) Result {
	reason := fmt.Sprintf(format, args...)
	return Result{Reason: reason, Err: fmt.Errorf("%w: %s", err, reason)}
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}
