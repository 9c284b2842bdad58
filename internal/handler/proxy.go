package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"syscall"

	"github.com/labstack/echo/v4"

	"lmstudio-cors-proxy/internal/config"
	"lmstudio-cors-proxy/internal/cors"
	"lmstudio-cors-proxy/internal/metrics"
	"lmstudio-cors-proxy/internal/model"
	"lmstudio-cors-proxy/internal/service"
)

// userinfoPattern matches credentials embedded in URLs inside error messages.
var userinfoPattern = regexp.MustCompile(`(://)[^/@\s"]+@`)

// kindBodyTooLarge is the classify kind for request bodies cut off by the body limit.
const kindBodyTooLarge = "body_too_large"

// streamBufferSize is the read size for relaying upstream bodies.
const streamBufferSize = 32 * 1024

// ProxyHandler relays /api/v1/* requests to the upstream inference server.
type ProxyHandler struct {
	service *service.RelayService
	policy  *cors.Policy
	metrics *metrics.Metrics
	logger  *slog.Logger
	target  string
	port    string
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.RelayService, policy *cors.Policy, cfg *config.Config, m *metrics.Metrics, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		policy:  policy,
		metrics: m,
		logger:  logger.With("component", "proxy_handler"),
		target:  cfg.Upstream.BaseURL,
		port:    upstreamPort(cfg.Upstream.BaseURL),
	}
}

// Handle rewrites the path, forwards the request and streams the upstream
// response back with CORS headers overlaid.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	origin := req.Header.Get(echo.HeaderOrigin)

	path, err := service.RewritePath(req.URL.EscapedPath())
	if err != nil {
		return echo.ErrNotFound
	}

	h.logger.Info("proxying",
		"method", req.Method,
		"path", req.URL.Path,
		"target", h.service.Target(path, req.URL.RawQuery),
	)

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Path:          path,
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.mapError(c, origin, err)
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Response().Header()
	for key, vals := range resp.Header {
		header[key] = vals
	}
	h.policy.Apply(header, origin)

	c.Response().WriteHeader(resp.StatusCode)

	// Once the status is sent a failed copy (client gone, upstream reset)
	// can only truncate the body, so it is logged and not returned.
	if _, err := streamBody(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", sanitizeError(err),
			"path", req.URL.Path,
		)
	}

	return nil
}

// streamBody copies src to the client and flushes after every read, so each
// upstream chunk (usually one SSE event) reaches the client as it arrives.
func streamBody(w *echo.Response, src io.Reader) (int64, error) {
	rc := http.NewResponseController(w.Writer)
	buf := make([]byte, streamBufferSize)

	var written int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			m, werr := w.Write(buf[:n])
			written += int64(m)
			if werr != nil {
				return written, werr
			}
			if ferr := rc.Flush(); ferr != nil && !errors.Is(ferr, http.ErrNotSupported) {
				return written, ferr
			}
		}
		if rerr == io.EOF {
			return written, nil
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

// mapError turns an upstream transport failure into the 500 "Proxy error"
// response. CORS headers are attached so browser code can read the body.
//
// A chunked body that outgrows the server body limit surfaces here as the
// echo 413 error read back out of the request body; it is returned as such.
func (h *ProxyHandler) mapError(c echo.Context, origin string, err error) error {
	kind, hint := h.classify(err)

	if kind == kindBodyTooLarge {
		h.logger.Warn("request body exceeds limit", "path", c.Request().URL.Path)
		if h.metrics != nil {
			h.metrics.UpstreamErrors.WithLabelValues(kind).Inc()
		}
		h.policy.Apply(c.Response().Header(), origin)
		return echo.ErrStatusRequestEntityTooLarge
	}

	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"kind", kind,
		"path", c.Request().URL.Path,
	)
	if h.metrics != nil {
		h.metrics.UpstreamErrors.WithLabelValues(kind).Inc()
	}

	h.policy.Apply(c.Response().Header(), origin)
	return c.JSON(http.StatusInternalServerError, model.ProxyError{
		Error:   "Proxy error",
		Message: hint,
		Target:  h.target,
	})
}

// classify returns a bounded error kind for metrics and a hint for the client.
func (h *ProxyHandler) classify(err error) (kind, hint string) {
	unreachable := fmt.Sprintf("Unable to connect to LM Studio. Make sure it's running on port %s.", h.port)

	if errors.Is(err, echo.ErrStatusRequestEntityTooLarge) {
		return kindBodyTooLarge, "Request body exceeds the configured limit."
	}

	if errors.Is(err, context.Canceled) {
		return "canceled", "The request was canceled before LM Studio responded."
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout", "LM Studio did not respond in time. Make sure it's running and not overloaded."
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns", "Unable to resolve the LM Studio host. Make sure it's running and the upstream address is correct."
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout", "LM Studio did not respond in time. Make sure it's running and not overloaded."
	}

	if errors.Is(err, syscall.ECONNREFUSED) {
		return "connection_refused", unreachable
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return "connection", unreachable
	}

	return "other", unreachable
}

// upstreamPort returns the explicit or scheme-default port of rawURL.
func upstreamPort(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "unknown"
	}
	if p := u.Port(); p != "" {
		return p
	}
	if u.Scheme == "https" {
		return "443"
	}
	return "80"
}

// sanitizeError redacts credentials from URLs that may appear in error messages.
func sanitizeError(err error) string {
	return userinfoPattern.ReplaceAllString(err.Error(), "${1}[REDACTED]@")
}
