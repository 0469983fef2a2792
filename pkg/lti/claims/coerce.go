package claims

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ToClaim converts a flat parameter value into the claim value for the
// entry's coercion tag (the outbound direction). Arrays and object keys are
// sorted so that signed payloads are canonical.
func ToClaim(value string, tag Coercion) (any, error) {
	switch tag {
	case CoerceArray:
		items := splitList(value)
		sort.Strings(items)
		return items, nil
	case CoerceObject:
		obj := map[string]any{}
		for _, pair := range splitList(value) {
			k, v, found := strings.Cut(pair, "=")
			if !found || strings.TrimSpace(k) == "" {
				return nil, fmt.Errorf("claims: malformed key=value pair %q", pair)
			}
			obj[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		return obj, nil
	case CoerceBoolean:
		switch strings.TrimSpace(value) {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("claims: %q is not a boolean", value)
	case CoerceInteger:
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("claims: %q is not an integer", value)
		}
		return n, nil
	case CoerceContentItems:
		return parseContentItems(value)
	default:
		return value, nil
	}
}

// ToParam converts a claim value back into its flat parameter string (the
// inbound direction). For plain-string entries a non-string scalar is
// stringified; strict mode turns that into an error, otherwise the returned
// warning is non-empty.
func ToParam(value any, tag Coercion, strict bool) (param string, warning string, err error) {
	switch tag {
	case CoerceArray:
		items, err := stringSlice(value)
		if err != nil {
			return "", "", err
		}
		return strings.Join(items, ","), "", nil
	case CoerceObject:
		obj, ok := value.(map[string]any)
		if !ok {
			return "", "", fmt.Errorf("claims: expected object, got %T", value)
		}
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+stringify(obj[k]))
		}
		return strings.Join(pairs, ","), "", nil
	case CoerceBoolean:
		b, ok := value.(bool)
		if !ok {
			return "", "", fmt.Errorf("claims: expected boolean, got %T", value)
		}
		return strconv.FormatBool(b), "", nil
	case CoerceInteger:
		n, ok := asInt64(value)
		if !ok {
			return "", "", fmt.Errorf("claims: expected integer, got %v", value)
		}
		return strconv.FormatInt(n, 10), "", nil
	case CoerceContentItems:
		arr, ok := value.([]any)
		if !ok {
			return "", "", fmt.Errorf("claims: expected content-item array, got %T", value)
		}
		buf, err := json.Marshal(arr)
		if err != nil {
			return "", "", err
		}
		return string(buf), "", nil
	default:
		if s, ok := value.(string); ok {
			return s, "", nil
		}
		switch value.(type) {
		case bool, float64, json.Number, int64:
			s := stringify(value)
			if strict {
				return "", "", fmt.Errorf("claims: non-string value %q for string claim", s)
			}
			return s, fmt.Sprintf("claims: value %q was not a string", s), nil
		}
		return "", "", fmt.Errorf("claims: unsupported value type %T for string claim", value)
	}
}

// parseContentItems accepts either a bare JSON array or the LTI 1.1 envelope
// {"@context":..., "@graph":[...]} and returns the item array.
func parseContentItems(value string) ([]any, error) {
	var raw any
	if err := json.Unmarshal([]byte(value), &raw); err != nil {
		return nil, fmt.Errorf("claims: content items: %w", err)
	}
	switch v := raw.(type) {
	case []any:
		return v, nil
	case map[string]any:
		if graph, ok := v["@graph"].([]any); ok {
			return graph, nil
		}
		return nil, fmt.Errorf("claims: content items object has no @graph array")
	default:
		return nil, fmt.Errorf("claims: content items must be an array or @graph envelope")
	}
}

func splitList(value string) []string {
	if strings.TrimSpace(value) == "" {
		return []string{}
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func stringSlice(value any) ([]string, error) {
	switch v := value.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, it := range v {
			out = append(out, stringify(it))
		}
		return out, nil
	case []string:
		return v, nil
	case string:
		// single-valued claim where an array is expected
		return []string{v}, nil
	default:
		return nil, fmt.Errorf("claims: expected array, got %T", value)
	}
}

func asInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		if v != float64(int64(v)) {
			return 0, false
		}
		return int64(v), true
	case int64:
		return v, true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

func stringify(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case int64:
		return strconv.FormatInt(v, 10)
	default:
		buf, _ := json.Marshal(v)
		return string(buf)
	}
}
