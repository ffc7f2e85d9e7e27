// Package client provides the upstream HTTP client that performs the NTLM
// handshake on behalf of the proxy.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	ntlmssp "github.com/Azure/go-ntlmssp"

	"ntlm-proxy-go/internal/config"
	"ntlm-proxy-go/internal/credential"
	"ntlm-proxy-go/internal/metrics"
	"ntlm-proxy-go/internal/model"
)

// UpstreamClient sends translated requests to the upstream server.
type UpstreamClient struct {
	httpClient *http.Client
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient whose transport answers NTLM
// challenges using the credential attached to each request. Redirects are
// followed. The metrics parameter is optional; pass nil to disable upstream
// metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.Upstream.IdleConnections,
		MaxIdleConnsPerHost: cfg.Upstream.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: ntlmssp.Negotiator{RoundTripper: ntlmOnly{next: transport}},
			Timeout:   cfg.Upstream.Timeout(),
		},
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Send performs a single upstream attempt and buffers the full response body.
// A non-2xx status is not an error; only transport failures are.
func (c *UpstreamClient) Send(ctx context.Context, out *model.OutboundRequest, cred credential.Credential) (*model.UpstreamResponse, error) {
	req, err := newHTTPRequest(ctx, out)
	if err != nil {
		return nil, err
	}

	// The negotiator tries anonymously first and only spends the credential
	// on a 401 offering NTLM or Negotiate; ntlmOnly blocks any Basic resend.
	if !cred.Anonymous() && cred.AppliesTo(req.URL.Host) {
		req = req.WithContext(withCredential(req.Context()))
		req.SetBasicAuth(cred.Principal(), cred.Password)
	}

	c.logger.Debug("upstream request",
		"method", req.Method,
		"path", req.URL.Path,
		"credential", cred.String(),
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}

	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read upstream body: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.UpstreamResponse{
		StatusCode:  resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

// CloseIdleConnections releases pooled upstream connections.
func (c *UpstreamClient) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

func newHTTPRequest(ctx context.Context, out *model.OutboundRequest) (*http.Request, error) {
	var body io.Reader = http.NoBody
	if len(out.Body) > 0 {
		body = bytes.NewReader(out.Body)
	}

	req, err := http.NewRequestWithContext(ctx, out.Method, out.URL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	req.Header = out.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if host := req.Header.Get("Host"); host != "" {
		req.Host = host
		req.Header.Del("Host")
	}
	if len(out.Body) > 0 && out.ContentType != "" {
		req.Header.Set("Content-Type", out.ContentType)
	}

	return req, nil
}
