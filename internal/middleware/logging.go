// Package middleware provides Echo middleware for CORS gating, logging,
// metrics and security headers.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"lmstudio-cors-proxy/internal/metrics"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// For streamed responses the entry is written once the stream ends, so
// duration_ms covers the whole token stream and stream is "true".
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			// Commit handler errors first so status reflects the response sent.
			if err := next(c); err != nil {
				c.Error(err)
			}

			req := c.Request()
			res := c.Response()

			level := slog.LevelInfo
			if res.Status >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}

			logger.LogAttrs(req.Context(), level, "request",
				slog.String("method", req.Method),
				slog.String("path", req.URL.Path),
				slog.String("origin", req.Header.Get(echo.HeaderOrigin)),
				slog.Int("status", res.Status),
				slog.String("stream", metrics.StreamLabel(res.Header().Get(echo.HeaderContentType))),
				slog.Int64("duration_ms", time.Since(start).Milliseconds()),
				slog.String("request_id", res.Header().Get(echo.HeaderXRequestID)),
				slog.String("remote_ip", c.RealIP()),
				slog.Int64("bytes_in", req.ContentLength),
				slog.Int64("bytes_out", res.Size),
			)

			return nil
		}
	}
}
