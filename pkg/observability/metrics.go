package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds prometheus collectors for the analytics server
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	PushPointsTotal *prometheus.CounterVec
	ReplaySessions  prometheus.Gauge
	PullExecutions  prometheus.Counter
	ActiveStreams   prometheus.Gauge
}

// NewMetrics creates and registers prometheus metrics on the given registry.
// Pass nil to register on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_http_requests_total",
			Help: "Total HTTP requests by endpoint and status",
		}, []string{"endpoint", "status"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "analytics_http_request_duration_seconds",
			Help:    "HTTP request latency by endpoint",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
		PushPointsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "analytics_push_points_total",
			Help: "Data points pushed through the push engine by outcome",
		}, []string{"outcome"}),
		ReplaySessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "analytics_replay_sessions_active",
			Help: "Currently active replay sessions",
		}),
		PullExecutions: factory.NewCounter(prometheus.CounterOpts{
			Name: "analytics_pull_executions_total",
			Help: "Pull-mode executions performed",
		}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "analytics_stream_connections_active",
			Help: "Open SSE and websocket stream connections",
		}),
	}
}
