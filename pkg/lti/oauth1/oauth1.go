// Package oauth1 implements OAuth 1.0a message signing as used by LTI 1.x
// form launches and Basic Outcomes calls. Only the two-legged flow with an
// empty token secret is supported; that is the only shape LTI uses.
package oauth1

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	MethodHMACSHA1   = "HMAC-SHA1"
	MethodHMACSHA256 = "HMAC-SHA256"
)

var (
	ErrUnsupportedMethod = errors.New("oauth1: unsupported signature method")
	ErrSignatureMismatch = errors.New("oauth1: signature mismatch")
	ErrMissingParameter  = errors.New("oauth1: missing oauth parameter")
	ErrStaleTimestamp    = errors.New("oauth1: timestamp outside accepted window")
)

// DefaultTimestampWindow bounds how far an oauth_timestamp may drift from
// the verifier's clock.
const DefaultTimestampWindow = 5 * time.Minute

func hasher(method string) (func() hash.Hash, error) {
	switch method {
	case MethodHMACSHA1:
		return sha1.New, nil
	case MethodHMACSHA256:
		return sha256.New, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
}

// BodyHash computes the oauth_body_hash value for a non-form request body.
// The digest algorithm follows the signature method.
func BodyHash(method string, body []byte) (string, error) {
	newHash, err := hasher(method)
	if err != nil {
		return "", err
	}
	h := newHash()
	h.Write(body)
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

// Sign adds the oauth_* protocol parameters, including oauth_signature, to
// params and returns the completed set. Query parameters already present in
// rawURL participate in the base string but are not returned.
func Sign(method, httpMethod, rawURL string, params url.Values, key, secret, nonce string, ts time.Time) (url.Values, error) {
	newHash, err := hasher(method)
	if err != nil {
		return nil, err
	}

	signed := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			signed.Add(k, v)
		}
	}
	signed.Set("oauth_version", "1.0")
	signed.Set("oauth_consumer_key", key)
	signed.Set("oauth_signature_method", method)
	signed.Set("oauth_nonce", nonce)
	signed.Set("oauth_timestamp", strconv.FormatInt(ts.Unix(), 10))
	signed.Del("oauth_signature")

	base, err := baseString(httpMethod, rawURL, signed)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(newHash, []byte(encode(secret)+"&"))
	mac.Write([]byte(base))
	signed.Set("oauth_signature", base64.StdEncoding.EncodeToString(mac.Sum(nil)))
	return signed, nil
}

// AuthorizationHeader renders the oauth_* members of params as an OAuth
// Authorization header value.
func AuthorizationHeader(params url.Values) string {
	names := make([]string, 0, len(params))
	for k := range params {
		if strings.HasPrefix(k, "oauth_") {
			names = append(names, k)
		}
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names)+1)
	parts = append(parts, `realm=""`)
	for _, k := range names {
		parts = append(parts, fmt.Sprintf("%s=%q", encode(k), encode(params.Get(k))))
	}
	return "OAuth " + strings.Join(parts, ",")
}

// Verify recomputes the signature over params and compares it with the
// presented oauth_signature. window bounds the accepted timestamp drift;
// zero means DefaultTimestampWindow. Nonce bookkeeping is the caller's job.
func Verify(httpMethod, rawURL string, params url.Values, secret string, window time.Duration, now time.Time) error {
	method := params.Get("oauth_signature_method")
	newHash, err := hasher(method)
	if err != nil {
		return err
	}
	presented := params.Get("oauth_signature")
	for _, name := range []string{"oauth_consumer_key", "oauth_signature", "oauth_timestamp", "oauth_nonce"} {
		if params.Get(name) == "" {
			return fmt.Errorf("%w: %s", ErrMissingParameter, name)
		}
	}

	ts, err := strconv.ParseInt(params.Get("oauth_timestamp"), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: oauth_timestamp", ErrMissingParameter)
	}
	if window <= 0 {
		window = DefaultTimestampWindow
	}
	if drift := now.Sub(time.Unix(ts, 0)); drift > window || drift < -window {
		return fmt.Errorf("%w: drift %s", ErrStaleTimestamp, now.Sub(time.Unix(ts, 0)))
	}

	unsigned := url.Values{}
	for k, vs := range params {
		if k == "oauth_signature" {
			continue
		}
		for _, v := range vs {
			unsigned.Add(k, v)
		}
	}
	base, err := baseString(httpMethod, rawURL, unsigned)
	if err != nil {
		return err
	}
	mac := hmac.New(newHash, []byte(encode(secret)+"&"))
	mac.Write([]byte(base))
	want := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(presented)) {
		return ErrSignatureMismatch
	}
	return nil
}

// baseString builds the signature base string: uppercased method, the
// normalized endpoint URL, and the sorted, percent-encoded parameter list.
func baseString(httpMethod, rawURL string, params url.Values) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("oauth1: endpoint url: %w", err)
	}
	merged := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			merged.Add(k, v)
		}
	}
	for k, vs := range u.Query() {
		for _, v := range vs {
			merged.Add(k, v)
		}
	}
	return strings.ToUpper(httpMethod) + "&" + encode(normalizeURL(u)) + "&" + encode(normalizeParams(merged)), nil
}

// normalizeURL drops the query and fragment and elides default ports.
func normalizeURL(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return scheme + "://" + host + path
}

func normalizeParams(params url.Values) string {
	pairs := make([]string, 0, len(params))
	for k, vs := range params {
		for _, v := range vs {
			pairs = append(pairs, encode(k)+"="+encode(v))
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// encode percent-encodes per RFC 3986 section 2.1: unreserved characters
// pass through, everything else becomes uppercase %XX.
func encode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if ('A' <= c && c <= 'Z') || ('a' <= c && c <= 'z') || ('0' <= c && c <= '9') ||
			c == '-' || c == '.' || c == '_' || c == '~' {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}
