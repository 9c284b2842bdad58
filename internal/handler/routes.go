package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lmstudio-cors-proxy/internal/config"
	"lmstudio-cors-proxy/internal/metrics"
	"lmstudio-cors-proxy/internal/service"
)

// RegisterRoutes wires all route handlers onto the Echo instance. Preflight
// and origin rejection happen earlier, in the CORS gate middleware.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, proxy *ProxyHandler, health *HealthHandler) {
	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	e.Any(HealthPath, health.Health)
	e.Any(service.PublicPrefix+"*", proxy.Handle)
	e.Any("/*", health.Info)
}
