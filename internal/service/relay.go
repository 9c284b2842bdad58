// Package service implements the core relay forwarding logic.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"lmstudio-cors-proxy/internal/client"
	"lmstudio-cors-proxy/internal/config"
	"lmstudio-cors-proxy/internal/model"
)

// Path prefixes: browsers call PublicPrefix, the upstream serves UpstreamPrefix.
const (
	PublicPrefix   = "/api/v1/"
	UpstreamPrefix = "/v1/"
)

// ErrNotRelayable is returned for paths outside PublicPrefix.
var ErrNotRelayable = errors.New("path is not under " + PublicPrefix)

// hopByHopHeaders are connection-scoped and never travel past one hop.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// RelayService forwards rewritten requests to the upstream server.
type RelayService struct {
	client  *client.UpstreamClient
	logger  *slog.Logger
	baseURL string
}

// NewRelayService creates a RelayService.
func NewRelayService(c *client.UpstreamClient, cfg *config.Config, logger *slog.Logger) (*RelayService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q is not absolute", cfg.Upstream.BaseURL)
	}

	return &RelayService{
		client:  c,
		logger:  logger.With("component", "relay_service"),
		baseURL: strings.TrimRight(cfg.Upstream.BaseURL, "/"),
	}, nil
}

// RewritePath maps a public /api/v1/... path onto the upstream's /v1/...
// path. The remainder after the prefix is kept byte for byte.
func RewritePath(path string) (string, error) {
	rest, ok := strings.CutPrefix(path, PublicPrefix)
	if !ok {
		return "", ErrNotRelayable
	}
	return UpstreamPrefix + rest, nil
}

// Target returns the absolute upstream URL for an already-rewritten path and
// the client's raw query string.
func (s *RelayService) Target(path, rawQuery string) string {
	target := s.baseURL + path
	if rawQuery != "" {
		target += "?" + rawQuery
	}
	return target
}

// Forward sends a ProxyRequest to the upstream and returns the response.
// The caller is responsible for closing the response body.
//
// Headers travel verbatim except hop-by-hop ones. GET and HEAD never send a
// body; every other method streams the client body through unread.
func (s *RelayService) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	target := s.Target(pr.Path, pr.RawQuery)
	header := stripHopByHop(pr.Header.Clone())

	var body io.Reader
	if carriesBody(pr.Method) && pr.Body != nil {
		body = pr.Body
	}

	s.logger.Debug("forwarding request",
		"method", pr.Method,
		"path", pr.Path,
	)

	resp, err := s.client.DoStream(pr.Ctx, pr.Method, target, header, body, pr.ContentLength)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	resp.Header = stripHopByHop(resp.Header)
	return resp, nil
}

// carriesBody reports whether method may carry a request body on the relay.
func carriesBody(method string) bool {
	return method != http.MethodGet && method != http.MethodHead
}

// stripHopByHop removes hop-by-hop headers, including any listed in Connection.
func stripHopByHop(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
	return h
}
