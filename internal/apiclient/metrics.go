package apiclient

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter event names recorded by the client.
const (
	MetricRequestAttempt   = "request.attempt"
	MetricRequestRetry     = "request.retry"
	MetricRateLimitedWait  = "request.rate_limited_wait"
	MetricRefreshTriggered = "request.refresh_triggered"
	MetricSessionExpired   = "request.session_expired"
)

// MetricsRecorder increments counters for client events.
type MetricsRecorder interface {
	Increment(event string)
}

// NopMetrics discards all events.
type NopMetrics struct{}

// Increment does nothing.
func (NopMetrics) Increment(string) {}

// PrometheusMetrics implements MetricsRecorder on a Prometheus counter
// vector labeled by event.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers the client counter vector with the given
// registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) (*PrometheusMetrics, error) {
	events := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tadmin_client_events_total",
			Help: "API client lifecycle events by type.",
		},
		[]string{"event"},
	)
	if err := registerer.Register(events); err != nil {
		return nil, fmt.Errorf("apiclient.metrics.register: %w", err)
	}
	return &PrometheusMetrics{events: events}, nil
}

// Increment increases the counter for the given event.
func (metrics *PrometheusMetrics) Increment(event string) {
	metrics.events.WithLabelValues(event).Inc()
}
