package handler

import (
	"strconv"

	"github.com/labstack/echo/v4"

	"ntlm-proxy-go/internal/model"
)

// Relay writes an upstream response back to the caller: status code,
// Content-Length, the upstream Content-Type if it sent one, and the full
// body. No other upstream headers are carried over.
func Relay(res *echo.Response, resp *model.UpstreamResponse) error {
	h := res.Header()
	h.Set(echo.HeaderContentLength, strconv.Itoa(len(resp.Body)))
	if resp.ContentType != "" {
		h.Set(echo.HeaderContentType, resp.ContentType)
	} else {
		// A nil value stops net/http from sniffing one.
		h[echo.HeaderContentType] = nil
	}

	res.WriteHeader(resp.StatusCode)
	if len(resp.Body) == 0 {
		return nil
	}
	_, err := res.Write(resp.Body)
	return err
}
