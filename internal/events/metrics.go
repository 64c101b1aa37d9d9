package events

import "github.com/prometheus/client_golang/prometheus"

var droppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
	Name: "enginebridge_events_dropped_total",
	Help: "Events dropped because a subscriber fell behind.",
})

func init() {
	prometheus.MustRegister(droppedTotal)
}
