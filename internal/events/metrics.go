package events

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/kiln/internal/model"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_worker_events_total",
			Help: "Total number of worker lifecycle events by kind and worker kind.",
		},
		[]string{"kind", "worker_kind"},
	)

	bootTime = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_worker_event_boot_seconds",
			Help:    "Boot time reported by boot events, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"worker_kind"},
	)

	subscribersDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kiln_event_subscriber_drops_total",
			Help: "Events dropped because a live subscriber fell behind.",
		},
	)
)

var eventKinds = []model.EventKind{
	model.EventBoot,
	model.EventBootFailure,
	model.EventCPUTimeLimit,
	model.EventWallClockTimeLimit,
	model.EventMemoryLimit,
	model.EventShutdown,
}

var workerKinds = []model.WorkerKind{model.KindMain, model.KindUser, model.KindEvents}

func init() {
	prometheus.MustRegister(eventsTotal)
	prometheus.MustRegister(bootTime)
	prometheus.MustRegister(subscribersDropped)

	for _, k := range eventKinds {
		for _, wk := range workerKinds {
			eventsTotal.WithLabelValues(string(k), string(wk))
		}
	}
}

// MetricsSink counts events in Prometheus.
type MetricsSink struct{}

func (MetricsSink) Publish(ev model.WorkerEvent) {
	eventsTotal.WithLabelValues(string(ev.Kind), string(ev.WorkerKind)).Inc()
	if ev.Kind == model.EventBoot {
		bootTime.WithLabelValues(string(ev.WorkerKind)).Observe(float64(ev.BootTimeMS) / 1000)
	}
}
