package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics recorded per forwarding cycle.
// Pass a shared registry via WithMetrics to expose them; the bridge
// otherwise records into a private registry.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	FailuresTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	InflightRequests prometheus.Gauge
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syft_bridge",
				Name:      "requests_total",
				Help:      "Total forwarded RPC requests by final HTTP status code",
			},
			[]string{"endpoint", "code"},
		),
		FailuresTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "syft_bridge",
				Name:      "request_failures_total",
				Help:      "Total forwarding cycles that ended in a transport error",
			},
			[]string{"endpoint"},
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "syft_bridge",
				Name:      "request_duration_seconds",
				Help:      "Forwarding cycle duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		InflightRequests: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "syft_bridge",
				Name:      "inflight_requests",
				Help:      "Forwarding cycles currently in progress",
			},
		),
	}
}
