package communicator

import "github.com/prometheus/client_golang/prometheus"

var (
	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "enginebridge_channel_messages_total",
			Help: "Total number of messages crossing engine channels.",
		},
		[]string{"direction"},
	)

	droppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enginebridge_channel_buffer_dropped_total",
			Help: "Unclaimed inbound messages evicted from the replay buffer.",
		},
	)

	expectTimeoutsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "enginebridge_channel_expect_timeouts_total",
			Help: "Expectations that timed out before a matching message arrived.",
		},
	)
)

func init() {
	prometheus.MustRegister(messagesTotal)
	prometheus.MustRegister(droppedTotal)
	prometheus.MustRegister(expectTimeoutsTotal)

	messagesTotal.WithLabelValues("in")
	messagesTotal.WithLabelValues("out")
}
