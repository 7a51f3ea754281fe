package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks message flow, execution outcomes, and resource
// populations across the relay and VM server.
type Metrics struct {
	// MessageCounter tracks messages by channel and direction.
	// Labels: channel (discord|telegram|web), direction (inbound|outbound)
	MessageCounter *prometheus.CounterVec

	// ExecutionCounter counts heavy executions by terminal status.
	// Labels: status (success|execution_error|timeout|busy|cancelled)
	ExecutionCounter *prometheus.CounterVec

	// ExecutionDuration measures heavy execution wall time in seconds.
	ExecutionDuration prometheus.Histogram

	// QueueDepth is the current total of queued messages across users.
	QueueDepth prometheus.Gauge

	// ThreadSessions is the current thread session population.
	ThreadSessions prometheus.Gauge

	// ArtifactCounter counts artifact store operations.
	// Labels: op (create|serve|expire|evict)
	ArtifactCounter *prometheus.CounterVec

	// ColdStartCounter counts cold-start wake cycles by outcome.
	// Labels: outcome (recovered|gave_up)
	ColdStartCounter *prometheus.CounterVec
}

// NewMetrics creates metrics registered on a private registry, returned
// alongside so the caller can mount promhttp against it.
func NewMetrics() (*Metrics, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		MessageCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cockpit_messages_total",
			Help: "Messages processed by channel and direction.",
		}, []string{"channel", "direction"}),

		ExecutionCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cockpit_executions_total",
			Help: "Heavy executions by terminal status.",
		}, []string{"status"}),

		ExecutionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "cockpit_execution_duration_seconds",
			Help:    "Heavy execution wall time.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),

		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cockpit_queue_depth",
			Help: "Queued messages across all users.",
		}),

		ThreadSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cockpit_thread_sessions",
			Help: "Resident thread sessions.",
		}),

		ArtifactCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cockpit_artifacts_total",
			Help: "Artifact store operations.",
		}, []string{"op"}),

		ColdStartCounter: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cockpit_cold_starts_total",
			Help: "Cold-start wake cycles by outcome.",
		}, []string{"outcome"}),
	}
	return m, reg
}
