package adapter

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for search outcomes.
const (
	outcomeCompleted  = "completed"
	outcomeAborted    = "aborted"
	outcomeEngineFail = "engine_error"
	outcomeChannel    = "channel_error"
)

var (
	loadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enginebridge_engine_load_seconds",
			Help:    "Duration of engine loads from start to ready, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"protocol"},
	)

	searchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enginebridge_searches_total",
			Help: "Total number of searches by outcome.",
		},
		[]string{"protocol", "outcome"},
	)

	statusTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enginebridge_engine_status_transitions_total",
			Help: "Engine status transitions by target status.",
		},
		[]string{"status"},
	)

	staleDrainTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enginebridge_stale_drain_timeouts_total",
			Help: "Superseded searches whose final result never arrived within the drain timeout.",
		},
	)
)

func init() {
	prometheus.MustRegister(loadDuration)
	prometheus.MustRegister(searchesTotal)
	prometheus.MustRegister(statusTransitionsTotal)
	prometheus.MustRegister(staleDrainTimeoutsTotal)
}
