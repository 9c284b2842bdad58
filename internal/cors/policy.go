// Package cors decides which browser origins may read relay responses and
// injects the matching Access-Control-* headers.
package cors

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"lmstudio-cors-proxy/internal/config"
)

// Response header names set by the policy.
const (
	HeaderAllowOrigin      = "Access-Control-Allow-Origin"
	HeaderAllowMethods     = "Access-Control-Allow-Methods"
	HeaderAllowHeaders     = "Access-Control-Allow-Headers"
	HeaderAllowCredentials = "Access-Control-Allow-Credentials"
)

// AllowedMethods is advertised on every CORS-eligible response.
const AllowedMethods = "GET, POST, PUT, DELETE, OPTIONS"

// AllowedHeaders covers the headers the OpenAI JS SDK sends from a browser,
// including its x-stainless-* diagnostics.
var AllowedHeaders = strings.Join([]string{
	"Content-Type",
	"Authorization",
	"X-Requested-With",
	"x-stainless-os",
	"x-stainless-arch",
	"x-stainless-lang",
	"x-stainless-package-version",
	"x-stainless-runtime",
	"x-stainless-retry-count",
	"x-stainless-runtime-version",
	"User-Agent",
}, ", ")

// Policy is an immutable origin allow-list.
type Policy struct {
	origins []string
	match   string

	// parsed scheme://host:port keys, used in origin match mode
	keys map[string]bool
}

// NewPolicy builds a Policy from the CORS section of the config.
func NewPolicy(cfg *config.Config) (*Policy, error) {
	return New(cfg.CORS.AllowedOrigins, cfg.CORS.Match)
}

// New builds a Policy over the given allow-list. match is config.MatchPrefix
// (raw string prefix, the historical behavior) or config.MatchOrigin (exact
// scheme, host and port).
func New(origins []string, match string) (*Policy, error) {
	if len(origins) == 0 {
		return nil, fmt.Errorf("cors: allow-list is empty")
	}
	match = strings.ToLower(match)
	if match == "" {
		match = config.MatchPrefix
	}

	p := &Policy{
		origins: append([]string(nil), origins...),
		match:   match,
	}

	switch match {
	case config.MatchPrefix:
	case config.MatchOrigin:
		p.keys = make(map[string]bool, len(origins))
		for _, o := range origins {
			key, ok := originKey(o)
			if !ok {
				return nil, fmt.Errorf("cors: allowed origin %q is not scheme://host[:port]", o)
			}
			p.keys[key] = true
		}
	default:
		return nil, fmt.Errorf("cors: unknown match mode %q", match)
	}

	return p, nil
}

// Origins returns a copy of the allow-list.
func (p *Policy) Origins() []string {
	return append([]string(nil), p.origins...)
}

// Match returns the active match mode.
func (p *Policy) Match() string {
	return p.match
}

// Allowed reports whether origin may receive CORS headers. An empty origin
// (same-origin fetches, curl, server-side SDKs) is always allowed.
func (p *Policy) Allowed(origin string) bool {
	if origin == "" {
		return true
	}
	if p.match == config.MatchOrigin {
		key, ok := originKey(origin)
		return ok && p.keys[key]
	}
	for _, allowed := range p.origins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// Apply overlays the CORS headers for origin onto h, replacing any existing
// values. Allow-Origin echoes origin when it is allowed, is "*" when origin is
// empty, and is removed when origin is present but not allowed.
func (p *Policy) Apply(h http.Header, origin string) {
	switch {
	case origin == "":
		h.Set(HeaderAllowOrigin, "*")
	case p.Allowed(origin):
		h.Set(HeaderAllowOrigin, origin)
	default:
		h.Del(HeaderAllowOrigin)
	}
	h.Set(HeaderAllowMethods, AllowedMethods)
	h.Set(HeaderAllowHeaders, AllowedHeaders)
	h.Set(HeaderAllowCredentials, "true")
}

// originKey normalizes an origin to lower-case scheme://host:port, filling in
// the default port for http and https.
func originKey(s string) (string, bool) {
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	if u.User != nil || (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" {
		switch scheme {
		case "http":
			port = "80"
		case "https":
			port = "443"
		}
	}
	return scheme + "://" + host + ":" + port, true
}
