package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DatabaseQueryLatency records database query latency by operation and table.
	DatabaseQueryLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "carelink_database_query_latency_seconds",
		Help:    "Database query latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	// ConsentDecisions counts committed consent decisions by decision and outcome.
	ConsentDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carelink_consent_decisions_total",
		Help: "Consent decisions by decision (accept/decline) and outcome (committed/failed)",
	}, []string{"decision", "outcome"})

	// SagaStepFailures counts failed commit steps by step and severity.
	SagaStepFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carelink_consent_step_failures_total",
		Help: "Failed consent commit steps by step name and severity",
	}, []string{"step", "severity"})

	// WatcherRefreshes counts request watcher refreshes by result.
	WatcherRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carelink_watcher_refreshes_total",
		Help: "Request watcher refreshes by result (applied/stale/error)",
	}, []string{"result"})

	// ChangeEventsDispatched counts change events delivered to listeners.
	ChangeEventsDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carelink_change_events_dispatched_total",
		Help: "Change events delivered to subscription listeners by table",
	}, []string{"table"})

	// ChangeEventsDropped counts change events dropped on full listener queues.
	ChangeEventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carelink_change_events_dropped_total",
		Help: "Change events dropped because a listener queue was full",
	}, []string{"table"})

	// ReconcileTasks counts reconciliation tasks by outcome.
	ReconcileTasks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carelink_reconcile_tasks_total",
		Help: "Reconciliation tasks by kind and outcome (enqueued/repaired/requeued)",
	}, []string{"kind", "outcome"})

	// WebSocketBackpressureDrops counts messages dropped on slow websocket clients.
	WebSocketBackpressureDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "carelink_websocket_backpressure_drops_total",
		Help: "WebSocket messages dropped by hub and reason (full/closed)",
	}, []string{"hub", "reason"})

	// OpenConsentSessions is the number of consent sessions not in Closed.
	OpenConsentSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "carelink_open_consent_sessions",
		Help: "Number of consent sessions currently open",
	})
)

// TrackQuery returns a function that records query latency when called (e.g. defer).
func TrackQuery(operation, table string) func() {
	start := time.Now()
	return func() {
		DatabaseQueryLatency.WithLabelValues(operation, table).Observe(time.Since(start).Seconds())
	}
}
