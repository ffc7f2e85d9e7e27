// Package model defines shared types for the proxy.
package model

import (
	"net/http"
	"net/url"
)

// InboundRequest is a fully buffered view of a request received by the proxy.
type InboundRequest struct {
	Method          string
	Path            string // escaped, as received
	RawQuery        string
	Header          http.Header
	ContentType     string
	ContentEncoding string
	Body            []byte
}

// PathAndQuery returns the request path with its query string, if any.
func (r *InboundRequest) PathAndQuery() string {
	if r.RawQuery == "" {
		return r.Path
	}
	return r.Path + "?" + r.RawQuery
}

// OutboundRequest describes the request sent to the upstream.
// It is built fresh for each inbound request and never shared.
type OutboundRequest struct {
	Method      string
	URL         *url.URL
	Header      http.Header
	Body        []byte
	ContentType string
}

// UpstreamResponse is the buffered result of an upstream call.
type UpstreamResponse struct {
	StatusCode  int
	ContentType string
	Body        []byte
}

// Status returns the standard reason phrase for the status code.
func (r *UpstreamResponse) Status() string {
	return http.StatusText(r.StatusCode)
}

// IsSuccess reports whether the status code is in the 2xx range.
func (r *UpstreamResponse) IsSuccess() bool {
	return r.StatusCode >= 200 && r.StatusCode <= 299
}

// ServiceUnavailable returns the synthetic response used when no upstream
// attempt produced a response.
func ServiceUnavailable() *UpstreamResponse {
	return &UpstreamResponse{
		StatusCode: http.StatusServiceUnavailable,
		Body:       []byte{},
	}
}
