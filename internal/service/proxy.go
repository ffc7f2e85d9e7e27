// Package service implements the core proxy forwarding logic: request
// translation, credential resolution and retrying dispatch.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"ntlm-proxy-go/internal/config"
	"ntlm-proxy-go/internal/credential"
	"ntlm-proxy-go/internal/metrics"
	"ntlm-proxy-go/internal/model"
)

// ErrCredentialUnavailable is returned when the upstream identity cannot be resolved.
var ErrCredentialUnavailable = errors.New("upstream credential unavailable")

// ProxyService handles the forwarding logic for proxy requests.
type ProxyService struct {
	dispatcher *Dispatcher
	provider   credential.Provider
	opts       TranslateOptions
	maxRetries int
	logger     *slog.Logger
}

// NewProxyService creates a ProxyService for the single configured upstream.
// The metrics parameter is optional.
func NewProxyService(s Sender, p credential.Provider, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyService, error) {
	u, err := url.Parse(cfg.Upstream.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse upstream base_url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("upstream base_url %q has no host", cfg.Upstream.BaseURL)
	}

	retries := cfg.Upstream.Retries()
	return &ProxyService{
		dispatcher: NewDispatcher(s, retries, cfg.Upstream.Backoff(), logger, m),
		provider:   p,
		opts: TranslateOptions{
			Upstream:                u,
			RequestHeaders:          cfg.Headers.Inject,
			DuplicateRequestHeaders: cfg.Headers.Duplicate,
			ExcludedHeaders:         NewExcludedSet(cfg.Headers.Exclude),
			StripCharset:            cfg.Headers.StripCharset,
			InboundAuth:             cfg.Server.AuthScheme == config.AuthNTLM,
		},
		maxRetries: retries,
		logger:     logger.With("component", "proxy_service"),
	}, nil
}

// Forward translates an inbound request, attaches the upstream credential and
// dispatches it. An error is only returned when no response can be produced:
// the credential could not be resolved, or retries are disabled and the single
// attempt failed.
func (s *ProxyService) Forward(ctx context.Context, in *model.InboundRequest) (*model.UpstreamResponse, error) {
	out, results := Translate(in, s.opts)
	for _, r := range results {
		if !r.Added {
			s.logger.Debug("request header not duplicated", "header", r.Name, "reason", r.Reason)
		}
	}

	cred, err := s.provider.Resolve(ctx, out.URL.Host)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCredentialUnavailable, err)
	}

	s.logger.Debug("forwarding request",
		"method", out.Method,
		"target", out.URL.Redacted(),
		"credential", cred.String(),
	)

	resp, err := s.dispatcher.Dispatch(ctx, out, cred)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}
	return resp, nil
}

// Upstream returns the configured upstream base URL.
func (s *ProxyService) Upstream() *url.URL {
	return s.opts.Upstream
}

// MaxRetries returns the attempt bound used by the dispatcher.
func (s *ProxyService) MaxRetries() int {
	return s.maxRetries
}
