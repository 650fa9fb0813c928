package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus instruments. Each Server owns
// its registry so tests can build servers side by side.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequests    *prometheus.CounterVec
	Sessions        *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the gateway metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total HTTP requests handled by the POS gateway",
			},
			[]string{"endpoint", "status"},
		),

		Sessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_terminal_sessions_total",
				Help: "Terminal protocol sessions by command and outcome",
			},
			[]string{"command", "outcome"},
		),

		SessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_terminal_session_duration_seconds",
				Help:    "Duration of terminal protocol sessions",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 180},
			},
			[]string{"command"},
		),
	}
}

// RecordSession records one protocol session outcome.
func (m *Metrics) RecordSession(command, outcome string, seconds float64) {
	m.Sessions.WithLabelValues(command, outcome).Inc()
	m.SessionDuration.WithLabelValues(command).Observe(seconds)
}
