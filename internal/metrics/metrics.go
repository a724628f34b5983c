// Package metrics implements the ambient metrics surface (A4): a small set
// of Prometheus collectors for backend health, proxy latency, and tool-loop
// turns, registered against the default registry so they are served
// alongside gin-metrics's own request counters at GET /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BackendAvailable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "llama_nexus_backend_available",
		Help: "1 if the backend's last health probe succeeded, 0 otherwise.",
	}, []string{"backend_id", "kind"})

	ProxyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llama_nexus_proxy_requests_total",
		Help: "Count of proxied upstream requests by backend and response status.",
	}, []string{"backend_id", "kind", "status"})

	ProxyRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llama_nexus_proxy_request_duration_seconds",
		Help:    "Latency of proxied upstream requests, from dispatch to response completion.",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend_id", "kind"})

	ToolLoopTurnsTotal = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llama_nexus_tool_loop_turns",
		Help:    "Number of tool-call turns a chat completion consumed before returning.",
		Buckets: []float64{0, 1, 2, 3, 4, 5, 8},
	}, []string{})

	MemoryCompactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llama_nexus_memory_compactions_total",
		Help: "Count of memory compaction attempts by outcome.",
	}, []string{"outcome"})
)

// ObserveProxyOutcome records one proxied request's backend, kind, status
// and latency in a single call, so callers don't have to touch both
// collectors inline at the call site.
func ObserveProxyOutcome(backendID, kind string, status int, elapsed time.Duration) {
	statusClass := statusClassOf(status)
	ProxyRequestsTotal.WithLabelValues(backendID, kind, statusClass).Inc()
	ProxyRequestDuration.WithLabelValues(backendID, kind).Observe(elapsed.Seconds())
}

func statusClassOf(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 200:
		return "2xx"
	default:
		return "other"
	}
}

// SetBackendAvailable records the outcome of a single health probe.
func SetBackendAvailable(backendID, kind string, available bool) {
	v := 0.0
	if available {
		v = 1.0
	}
	BackendAvailable.WithLabelValues(backendID, kind).Set(v)
}
