package loader

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for resource loads.
const (
	resultHit       = "hit"
	resultFetched   = "fetched"
	resultReused    = "reused"
	resultFailed    = "failed"
	resultIntegrity = "integrity_failure"
)

var (
	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enginebridge_resource_loads_total",
			Help: "Total number of resource loads by outcome.",
		},
		[]string{"result"},
	)

	fetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "enginebridge_resource_fetch_seconds",
			Help:    "Duration of resource network fetches, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	fetchedBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enginebridge_resource_fetched_bytes_total",
			Help: "Total bytes downloaded for engine resources.",
		},
	)

	liveHandles = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "enginebridge_resource_live_handles",
			Help: "Number of resource handles not yet revoked.",
		},
	)
)

func init() {
	prometheus.MustRegister(loadsTotal)
	prometheus.MustRegister(fetchDuration)
	prometheus.MustRegister(fetchedBytes)
	prometheus.MustRegister(liveHandles)

	for _, r := range []string{resultHit, resultFetched, resultReused, resultFailed, resultIntegrity} {
		loadsTotal.WithLabelValues(r)
	}
}
