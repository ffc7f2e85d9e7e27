package handler

import (
	"log/slog"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ntlm-proxy-go/internal/config"
	"ntlm-proxy-go/internal/metrics"
	"ntlm-proxy-go/internal/middleware"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The proxy's
// own endpoints live under the admin prefix; every other path and method is
// forwarded upstream.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics, logger *slog.Logger) {
	admin := e.Group(cfg.Server.AdminPrefix, middleware.SecurityHeaders())
	admin.GET("/healthz", health.Healthz)
	admin.GET("/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})),
			middleware.SecurityHeaders())
	}

	var proxyMW []echo.MiddlewareFunc
	if cfg.Server.AuthScheme == config.AuthNTLM {
		proxyMW = append(proxyMW, middleware.NTLMAuth(ntlmTarget(), cfg.Server.AllowedUsers, logger))
	}
	e.Any("/*", proxy.Handle, proxyMW...)
}

// ntlmTarget names this host in NTLM challenges.
func ntlmTarget() string {
	if d := os.Getenv("USERDOMAIN"); d != "" {
		return d
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "NTLM-PROXY"
}
