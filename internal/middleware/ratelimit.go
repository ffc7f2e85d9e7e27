package middleware

import (
	"log/slog"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"ntlm-proxy-go/internal/config"
)

// RateLimit returns a per-IP rate limiter, or nil when limiting is disabled.
func RateLimit(cfg config.RateLimitConfig, logger *slog.Logger) echo.MiddlewareFunc {
	if !cfg.Enabled {
		return nil
	}
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))
	logger.Info("rate limiter enabled", "rps", cfg.RequestsPerSecond)
	return echomw.RateLimiter(store)
}
