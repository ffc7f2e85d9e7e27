package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"

	"github.com/labstack/echo/v4"

	"ntlm-proxy-go/internal/middleware"
	"ntlm-proxy-go/internal/model"
	"ntlm-proxy-go/internal/service"
)

// authTokenPattern matches authorization tokens that may end up in error messages.
var authTokenPattern = regexp.MustCompile(`(?i)\b(NTLM|Negotiate|Basic|Bearer)\s+[A-Za-z0-9+/=._-]+`)

// ProxyHandler forwards every non-admin request to the configured upstream.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle buffers the inbound request, forwards it upstream and relays the
// buffered response.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	// net/http moves Host out of the header map.
	header := req.Header.Clone()
	header.Set("Host", req.Host)

	in := &model.InboundRequest{
		Method:          req.Method,
		Path:            req.URL.EscapedPath(),
		RawQuery:        req.URL.RawQuery,
		Header:          header,
		ContentType:     req.Header.Get(echo.HeaderContentType),
		ContentEncoding: req.Header.Get(echo.HeaderContentEncoding),
		Body:            body,
	}

	if user, ok := c.Get(middleware.ContextKeyUser).(string); ok {
		h.logger.Debug("forwarding for NTLM caller", "user", user, "target", in.PathAndQuery())
	}

	resp, err := h.service.Forward(req.Context(), in)
	if err != nil {
		return h.mapError(c, err)
	}

	if err := Relay(c.Response(), resp); err != nil {
		// Status is already sent; the caller sees a truncated body.
		h.logger.Error("writing response body",
			"err", err,
			"path", req.URL.Path,
		)
	}
	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", sanitizeError(err),
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, service.ErrCredentialUnavailable) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream credential unavailable",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}

// sanitizeError redacts authorization tokens from error messages.
func sanitizeError(err error) string {
	return authTokenPattern.ReplaceAllString(err.Error(), "${1} [REDACTED]")
}
