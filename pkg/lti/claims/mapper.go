package claims

import (
	"encoding/json"
	"fmt"
	"strings"
)

// UnmappedParam is the parameter that preserves claims the table does not
// recognize, as a verbatim JSON object, so a message survives a
// claim->param->claim round trip without loss.
const UnmappedParam = "unmapped_claims"

// reserved are the registered JWT claims owned by the message authenticator;
// the mapper neither translates nor buckets them.
var reserved = map[string]bool{
	"iss": true, "aud": true, "azp": true, "exp": true,
	"iat": true, "nbf": true, "nonce": true, "jti": true,
}

var prefixClaims = map[string]string{
	CustomClaim: "custom_",
	ExtClaim:    "ext_",
	LTI1p1Claim: "lti1p1_",
}

// ToParams translates a JWT payload into the flat legacy parameter map.
// Claims the table recognizes are coerced per entry; custom/ext/lti1p1
// namespace objects fan out into prefixed parameters; everything else lands
// in UnmappedParam. In lenient mode coercion problems become warnings and the
// offending claim is skipped (or stringified, for plain-string entries);
// strict mode fails on the first one.
func ToParams(payload map[string]any, messageType string, strict bool) (map[string]string, []string, error) {
	params := make(map[string]string)
	var warnings []string

	consumedTop := make(map[string]bool)
	consumedNested := make(map[string]map[string]bool)

	for _, e := range Entries(messageType) {
		ns := e.Namespace()
		var value any
		var present bool
		if e.Nested() {
			group, ok := payload[ns].(map[string]any)
			if !ok {
				continue
			}
			value, present = group[e.Claim]
			if present {
				if consumedNested[ns] == nil {
					consumedNested[ns] = make(map[string]bool)
				}
				consumedNested[ns][e.Claim] = true
			}
		} else {
			value, present = payload[ns]
			if present {
				consumedTop[ns] = true
			}
		}
		if !present || value == nil {
			continue
		}
		s, warn, err := ToParam(value, e.Coerce, strict)
		if err != nil {
			if strict {
				return nil, warnings, fmt.Errorf("claim for %s: %w", e.Legacy, err)
			}
			warnings = append(warnings, fmt.Sprintf("claim for %s ignored: %v", e.Legacy, err))
			continue
		}
		if warn != "" {
			warnings = append(warnings, warn+" (parameter "+e.Legacy+")")
		}
		params[e.Legacy] = s
	}

	for uri, prefix := range prefixClaims {
		obj, ok := payload[uri].(map[string]any)
		if !ok {
			continue
		}
		consumedTop[uri] = true
		for k, v := range obj {
			s, warn, err := ToParam(v, CoerceString, strict)
			if err != nil {
				if strict {
					return nil, warnings, fmt.Errorf("claim %s.%s: %w", uri, k, err)
				}
				warnings = append(warnings, fmt.Sprintf("claim %s.%s ignored: %v", uri, k, err))
				continue
			}
			if warn != "" {
				warnings = append(warnings, warn+" (parameter "+prefix+k+")")
			}
			params[prefix+k] = s
		}
	}

	// Whatever remains is preserved verbatim.
	rest := make(map[string]any)
	for key, v := range payload {
		if reserved[key] || consumedTop[key] {
			continue
		}
		if used := consumedNested[key]; used != nil {
			group, _ := v.(map[string]any)
			leftover := make(map[string]any)
			for gk, gv := range group {
				if !used[gk] {
					leftover[gk] = gv
				}
			}
			if len(leftover) > 0 {
				rest[key] = leftover
			}
			continue
		}
		rest[key] = v
	}
	if len(rest) > 0 {
		buf, err := json.Marshal(rest)
		if err != nil {
			return nil, warnings, fmt.Errorf("claims: marshal unmapped: %w", err)
		}
		params[UnmappedParam] = string(buf)
	}

	return params, warnings, nil
}

// ToClaims translates a flat legacy parameter map into a JWT payload: the
// exact inverse of ToParams. Parameters the table does not know and that
// carry no recognized prefix are dropped (OAuth bookkeeping fields never
// belong in a token). The UnmappedParam blob, when present, is unpacked first
// so mapped claims win on conflict.
func ToClaims(params map[string]string, messageType string, strict bool) (map[string]any, []string, error) {
	payload := make(map[string]any)
	var warnings []string

	if blob, ok := params[UnmappedParam]; ok && strings.TrimSpace(blob) != "" {
		var rest map[string]any
		if err := json.Unmarshal([]byte(blob), &rest); err != nil {
			if strict {
				return nil, warnings, fmt.Errorf("claims: unpack %s: %w", UnmappedParam, err)
			}
			warnings = append(warnings, fmt.Sprintf("%s ignored: %v", UnmappedParam, err))
		} else {
			for k, v := range rest {
				payload[k] = v
			}
		}
	}

	for name, value := range params {
		if name == UnmappedParam || strings.HasPrefix(name, "oauth_") {
			continue
		}
		if e, ok := Lookup(name, messageType); ok {
			cv, err := ToClaim(value, e.Coerce)
			if err != nil {
				if strict {
					return nil, warnings, fmt.Errorf("parameter %s: %w", name, err)
				}
				warnings = append(warnings, fmt.Sprintf("parameter %s ignored: %v", name, err))
				continue
			}
			ns := e.Namespace()
			if e.Nested() {
				group, ok := payload[ns].(map[string]any)
				if !ok {
					group = make(map[string]any)
					payload[ns] = group
				}
				group[e.Claim] = cv
			} else {
				payload[ns] = cv
			}
			continue
		}
		if uri, key, ok := prefixFor(name); ok {
			obj, exists := payload[uri].(map[string]any)
			if !exists {
				obj = make(map[string]any)
				payload[uri] = obj
			}
			obj[key] = value
			continue
		}
		// unknown bare parameter: not representable as a claim
	}

	return payload, warnings, nil
}

func prefixFor(name string) (uri, key string, ok bool) {
	for u, p := range prefixClaims {
		if strings.HasPrefix(name, p) && len(name) > len(p) {
			return u, name[len(p):], true
		}
	}
	return "", "", false
}
