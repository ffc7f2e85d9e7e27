// Package middleware provides Echo middleware for logging, metrics, rate
// limiting, security headers and inbound NTLM authentication.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// The NTLM identity is included once a handshake has completed.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if user, ok := c.Get(ContextKeyUser).(string); ok {
				attrs = append(attrs, "ntlm_user", user)
			}
			if err != nil {
				attrs = append(attrs, "err", err)
			}
			logger.Info("request", attrs...)

			return err
		}
	}
}
