package pool

import "github.com/prometheus/client_golang/prometheus"

var (
	liveWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kiln_pool_live_workers",
			Help: "Number of workers in the pool table.",
		},
	)

	messagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_pool_messages_total",
			Help: "Total number of pool mailbox messages handled, by type.",
		},
		[]string{"type"},
	)

	routingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_pool_routing_errors_total",
			Help: "Requests for keys with no live worker.",
		},
	)
)

func init() {
	prometheus.MustRegister(liveWorkers)
	prometheus.MustRegister(messagesTotal)
	prometheus.MustRegister(routingErrorsTotal)

	for _, t := range []string{"create", "send_request", "shutdown", "boot_done", "terminated", "list"} {
		messagesTotal.WithLabelValues(t)
	}
}
