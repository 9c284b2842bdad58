package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"lmstudio-cors-proxy/internal/config"
	"lmstudio-cors-proxy/internal/cors"
	"lmstudio-cors-proxy/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// ServiceName is reported by the fallback descriptor.
const ServiceName = "LM Studio CORS Proxy Server"

// HealthPath is the fixed health-probe path.
const HealthPath = "/health"

// timestampLayout matches JavaScript's Date.toISOString.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// HealthResponse is the /health body.
type HealthResponse struct {
	Status         string   `json:"status"`
	Timestamp      string   `json:"timestamp"`
	ProxyTarget    string   `json:"proxyTarget"`
	AllowedOrigins []string `json:"allowedOrigins"`
}

// ServiceInfo is returned for every path the relay does not otherwise serve.
type ServiceInfo struct {
	Message   string    `json:"message"`
	Version   string    `json:"version"`
	Endpoints Endpoints `json:"endpoints"`
	Timestamp string    `json:"timestamp"`
}

// Endpoints lists the relay's public routes.
type Endpoints struct {
	Health string `json:"health"`
	Proxy  string `json:"proxy"`
}

// HealthHandler serves the health probe and the fallback descriptor.
type HealthHandler struct {
	cfg     *config.Config
	policy  *cors.Policy
	version Version
	now     func() time.Time
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, policy *cors.Policy, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, policy: policy, version: v, now: time.Now}
}

// Health reports liveness along with the upstream and origin configuration.
func (h *HealthHandler) Health(c echo.Context) error {
	h.policy.Apply(c.Response().Header(), c.Request().Header.Get(echo.HeaderOrigin))
	return c.JSONPretty(http.StatusOK, HealthResponse{
		Status:         "ok",
		Timestamp:      h.timestamp(),
		ProxyTarget:    h.cfg.Upstream.BaseURL,
		AllowedOrigins: h.policy.Origins(),
	}, "  ")
}

// Info describes the service.
func (h *HealthHandler) Info(c echo.Context) error {
	h.policy.Apply(c.Response().Header(), c.Request().Header.Get(echo.HeaderOrigin))
	return c.JSONPretty(http.StatusOK, ServiceInfo{
		Message: ServiceName,
		Version: string(h.version),
		Endpoints: Endpoints{
			Health: HealthPath,
			Proxy:  service.PublicPrefix + "*",
		},
		Timestamp: h.timestamp(),
	}, "  ")
}

func (h *HealthHandler) timestamp() string {
	return h.now().UTC().Format(timestampLayout)
}
