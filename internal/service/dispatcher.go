package service

import (
	"context"
	"log/slog"
	"time"

	"ntlm-proxy-go/internal/credential"
	"ntlm-proxy-go/internal/metrics"
	"ntlm-proxy-go/internal/model"
)

// Sender performs a single upstream attempt.
type Sender interface {
	Send(ctx context.Context, out *model.OutboundRequest, cred credential.Credential) (*model.UpstreamResponse, error)
}

// Dispatcher sends a request upstream with bounded retries and linear backoff.
type Dispatcher struct {
	sender     Sender
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics

	// wait blocks for d or until ctx is done. Replaced in tests.
	wait func(ctx context.Context, d time.Duration) error
}

// NewDispatcher creates a Dispatcher. The metrics parameter is optional.
func NewDispatcher(s Sender, maxRetries int, backoff time.Duration, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		sender:     s,
		maxRetries: maxRetries,
		backoff:    backoff,
		logger:     logger.With("component", "dispatcher"),
		metrics:    m,
		wait:       sleepContext,
	}
}

// Dispatch sends out and returns the best available response.
//
// With maxRetries == 0 exactly one attempt is made and its response or error
// is returned as is. Otherwise up to maxRetries attempts are made: the first
// 2xx is returned immediately, and after the last attempt the most recent
// non-2xx response is returned, or a synthetic 503 if every attempt failed at
// the transport level. The wait after attempt i (counting from zero) is
// backoff*i; there is no wait after the final attempt.
func (d *Dispatcher) Dispatch(ctx context.Context, out *model.OutboundRequest, cred credential.Credential) (*model.UpstreamResponse, error) {
	if d.maxRetries == 0 {
		resp, err := d.sender.Send(ctx, out, cred)
		d.record(resp, err)
		return resp, err
	}

	last := model.ServiceUnavailable()
	for i := 0; i < d.maxRetries; i++ {
		resp, err := d.sender.Send(ctx, out, cred)
		d.record(resp, err)

		switch {
		case err != nil:
			d.logger.Warn("upstream attempt failed",
				"attempt", i+1,
				"max_attempts", d.maxRetries,
				"err", err,
			)
		case resp.IsSuccess():
			return resp, nil
		default:
			last = resp
			d.logger.Info("upstream attempt returned non-success status",
				"attempt", i+1,
				"max_attempts", d.maxRetries,
				"status", resp.StatusCode,
				"reason", resp.Status(),
			)
		}

		if i == d.maxRetries-1 {
			break
		}
		if err := d.wait(ctx, d.backoff*time.Duration(i)); err != nil {
			d.logger.Debug("dispatch abandoned during backoff", "err", err)
			return last, nil
		}
	}

	if d.metrics != nil {
		d.metrics.RetriesExhausted.Inc()
	}
	return last, nil
}

func (d *Dispatcher) record(resp *model.UpstreamResponse, err error) {
	if d.metrics == nil {
		return
	}
	outcome := metrics.OutcomeError
	if err == nil {
		outcome = metrics.OutcomeStatus
		if resp.IsSuccess() {
			outcome = metrics.OutcomeSuccess
		}
	}
	d.metrics.DispatchAttempts.WithLabelValues(outcome).Inc()
}

// sleepContext waits for d without holding up anything but the caller.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
