package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MarketMetrics records market operation activity for both the node and the
// HTTP layer.
type MarketMetrics struct {
	operations *prometheus.CounterVec
	failures   *prometheus.CounterVec
	httpHits   *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

var (
	marketMetricsOnce sync.Once
	marketRegistry    *MarketMetrics
)

// Metrics returns the lazily-initialised market metrics registry.
func Metrics() *MarketMetrics {
	marketMetricsOnce.Do(func() {
		marketRegistry = &MarketMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "orbit",
				Subsystem: "market",
				Name:      "operations_total",
				Help:      "Total market operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "orbit",
				Subsystem: "market",
				Name:      "operation_failures_total",
				Help:      "Failed market operations segmented by operation.",
			}, []string{"operation"}),
			httpHits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "orbit",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests segmented by route and status code.",
			}, []string{"route", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "orbit",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route"}),
		}
		prometheus.MustRegister(
			marketRegistry.operations,
			marketRegistry.failures,
			marketRegistry.httpHits,
			marketRegistry.latency,
		)
	})
	return marketRegistry
}

// RecordOperation counts one market operation and its outcome.
func (m *MarketMetrics) RecordOperation(operation string, err error) {
	if m == nil {
		return
	}
	if operation == "" {
		operation = "unknown"
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
		m.failures.WithLabelValues(operation).Inc()
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

// ObserveHTTP records one HTTP request for the route with its final status
// code and handler duration.
func (m *MarketMetrics) ObserveHTTP(route string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.httpHits.WithLabelValues(route, statusLabel(status)).Inc()
	m.latency.WithLabelValues(route).Observe(duration.Seconds())
}

func statusLabel(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
