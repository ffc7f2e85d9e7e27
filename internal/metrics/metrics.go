// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// Dispatch attempt outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeStatus  = "status"
	OutcomeError   = "error"
)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec
	DispatchAttempts  *prometheus.CounterVec
	RetriesExhausted  prometheus.Counter
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ntlm_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "route"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ntlm_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds, including retries.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "route"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ntlm_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ntlm_proxy_upstream_request_duration_seconds",
			Help:    "Latency of a single upstream attempt in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ntlm_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		DispatchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ntlm_proxy_upstream_attempts_total",
			Help: "Upstream dispatch attempts by outcome (success, status, error).",
		}, []string{"outcome"}),

		RetriesExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ntlm_proxy_upstream_retries_exhausted_total",
			Help: "Dispatches that ran out of attempts without a 2xx response.",
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.DispatchAttempts,
		m.RetriesExhausted,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// NormalizePath returns a bounded route label: "admin" for the proxy's own
// endpoints under adminPrefix, "proxy" for everything forwarded upstream.
func NormalizePath(path, adminPrefix string) string {
	if adminPrefix != "" && (path == adminPrefix || strings.HasPrefix(path, adminPrefix+"/")) {
		return "admin"
	}
	return "proxy"
}
