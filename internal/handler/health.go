package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"ntlm-proxy-go/internal/config"
	"ntlm-proxy-go/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// PortReporter reports the port the proxy is actually listening on.
type PortReporter interface {
	Port() int
}

// StatusResponse is the body of the status endpoint.
type StatusResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	UpstreamURL string `json:"upstream_url"`
	Port        int    `json:"port"`
	MaxRetries  int    `json:"max_retries"`
	AuthScheme  string `json:"auth_scheme"`
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	service *service.ProxyService
	port    PortReporter
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, svc *service.ProxyService, port PortReporter) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, service: svc, port: port}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:      "ok",
		Version:     string(h.version),
		UpstreamURL: h.service.Upstream().Redacted(),
		Port:        h.port.Port(),
		MaxRetries:  h.service.MaxRetries(),
		AuthScheme:  h.cfg.Server.AuthScheme,
	})
}
