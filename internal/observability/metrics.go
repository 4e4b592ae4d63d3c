// Package observability exposes the connector's Prometheus metrics.
//
// Metrics are served on /metrics by the connector HTTP server. All metric
// operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chainmesh"

// Metrics holds every Prometheus collector the connector publishes.
// Initialize once at startup via New().
type Metrics struct {
	// SignalsTotal counts supervisor signals by signal name and outcome.
	SignalsTotal *prometheus.CounterVec

	// NodeTransitionsTotal counts committed node status transitions by
	// resulting status.
	NodeTransitionsTotal *prometheus.CounterVec

	// BroadcastsTotal counts per-stage setup broadcast deliveries by result.
	BroadcastsTotal *prometheus.CounterVec

	// ReportsTotal counts status reports routed toward monitoring hosts by
	// result (forwarded, dropped).
	ReportsTotal *prometheus.CounterVec

	// PostsTotal counts outbound fabric POSTs by endpoint and result.
	PostsTotal *prometheus.CounterVec
}

// New registers the connector metrics with the given registerer. The app
// wiring passes its own fresh registry, which also backs /metrics, so
// separate apps never hit duplicate-registration panics.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SignalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signals_total",
			Help:      "Supervisor signals processed, by signal and outcome.",
		}, []string{"signal", "outcome"}),
		NodeTransitionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_transitions_total",
			Help:      "Committed node status transitions, by resulting status.",
		}, []string{"status"}),
		BroadcastsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Per-stage setup broadcast deliveries, by result.",
		}, []string{"result"}),
		ReportsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Status reports routed toward monitoring hosts, by result.",
		}, []string{"result"}),
		PostsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "posts_total",
			Help:      "Outbound fabric POSTs, by endpoint and result.",
		}, []string{"endpoint", "result"}),
	}
}
