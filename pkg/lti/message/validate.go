package message

import (
	"net/url"
	"strings"
)

// documentTargets are the legal values of accept_presentation_document_targets.
var documentTargets = map[string]bool{
	"embed":   true,
	"frame":   true,
	"iframe":  true,
	"window":  true,
	"popup":   true,
	"overlay": true,
	"none":    true,
}

// Constraint is a caller-supplied presence/length rule applied after
// verification.
type Constraint struct {
	Name      string
	Required  bool
	MaxLength int
}

// checker accumulates validation outcomes. In strict mode the first
// violation sets the rejection; in lenient mode violations become warnings
// when generateWarnings is set, and processing continues either way.
type checker struct {
	res              *Result
	strict           bool
	generateWarnings bool
	failed           bool
}

func (c *checker) violation(format string, args ...any) {
	if c.strict {
		if !c.failed {
			f := failure(ErrConstraintViolation, format, args...)
			c.res.Reason = f.Reason
			c.res.Err = f.Err
			c.failed = true
		}
		return
	}
	if c.generateWarnings {
		c.res.warn(format, args...)
	}
}

// validateMessage applies the message-type-specific structural checks plus
// any caller constraints. It reports whether the result survived.
func validateMessage(res *Result, typ Type, params url.Values, constraints []Constraint, strict, generateWarnings bool) bool {
	c := &checker{res: res, strict: strict, generateWarnings: generateWarnings}

	switch typ {
	case TypeResourceLink:
		if strings.TrimSpace(params.Get("resource_link_id")) == "" {
			c.violation("missing resource_link_id parameter")
		}
	case TypeDeepLinkingRequest:
		c.checkDeepLinking(params)
	case TypeDeepLinkingResponse:
		if params.Get("content_items") == "" && params.Get("data") == "" {
			c.violation("deep linking response carries neither content_items nor data")
		}
	case TypeSubmissionReview:
		if strings.TrimSpace(params.Get("custom_lineitem_url")) == "" {
			c.violation("missing line item URL for submission review")
		}
		if strings.TrimSpace(params.Get("for_user_id")) == "" {
			c.violation("missing for_user_id parameter")
		}
	case TypeToolProxyRegistration:
		if strings.TrimSpace(params.Get("reg_key")) == "" || strings.TrimSpace(params.Get("reg_password")) == "" {
			c.violation("missing registration credentials")
		}
		if strings.TrimSpace(params.Get("tc_profile_url")) == "" {
			c.violation("missing tc_profile_url parameter")
		}
	}

	for _, con := range constraints {
		v := params.Get(con.Name)
		if con.Required && strings.TrimSpace(v) == "" {
			c.violation("missing %s parameter", con.Name)
			continue
		}
		if con.MaxLength > 0 && len(v) > con.MaxLength {
			c.violation("%s parameter exceeds %d characters", con.Name, con.MaxLength)
		}
	}

	return !c.failed
}

func (c *checker) checkDeepLinking(params url.Values) {
	if strings.TrimSpace(params.Get("accept_media_types")) == "" &&
		strings.TrimSpace(params.Get("accept_types")) == "" {
		c.violation("missing accept_media_types parameter")
	}
	targets := strings.TrimSpace(params.Get("accept_presentation_document_targets"))
	if targets == "" {
		c.violation("missing accept_presentation_document_targets parameter")
		return
	}
	for _, target := range strings.Split(targets, ",") {
		target = strings.TrimSpace(target)
		if target != "" && !documentTargets[target] {
			c.violation("invalid presentation document target %q", target)
		}
	}
}
