package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"lmstudio-cors-proxy/internal/cors"
	"lmstudio-cors-proxy/internal/metrics"
)

// ForbiddenBody is the plain-text body sent to disallowed origins.
const ForbiddenBody = "Not allowed by CORS"

// CORSGate returns an Echo middleware that runs before any route handler:
// OPTIONS requests are answered with 204 and CORS headers, and requests whose
// Origin is present but not allowed get 403. Neither reaches the upstream.
// Allowed requests get the CORS headers before next runs, so error responses
// produced further down the chain carry them too.
// The metrics parameter is optional.
func CORSGate(policy *cors.Policy, m *metrics.Metrics, logger *slog.Logger) echo.MiddlewareFunc {
	logger = logger.With("component", "cors_gate")
	blocked := &rate.Sometimes{First: 10, Interval: 10 * time.Second}

	record := func(decision string) {
		if m != nil {
			m.CORSDecisions.WithLabelValues(decision).Inc()
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			origin := req.Header.Get(echo.HeaderOrigin)

			if req.Method == http.MethodOptions {
				record("preflight")
				policy.Apply(c.Response().Header(), origin)
				return c.NoContent(http.StatusNoContent)
			}

			if !policy.Allowed(origin) {
				record("rejected")
				blocked.Do(func() {
					logger.Warn("CORS blocked origin",
						"origin", origin,
						"method", req.Method,
						"path", req.URL.Path,
					)
				})
				return c.String(http.StatusForbidden, ForbiddenBody)
			}

			record("allowed")
			policy.Apply(c.Response().Header(), origin)
			return next(c)
		}
	}
}
