package worker

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/kiln/internal/model"
)

// Metric label values for request outcomes.
const (
	statusCompleted  = "completed"
	statusFailed     = "failed"
	statusTerminated = "terminated"
)

var (
	bootDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_worker_boot_seconds",
			Help:    "Duration from worker creation to a serving isolate, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	activeWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kiln_active_workers",
			Help: "Number of currently running workers.",
		},
		[]string{"kind"},
	)

	requestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_worker_request_seconds",
			Help:    "Time from handing a request to the engine to its response headers, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	teardownDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kiln_worker_teardown_seconds",
			Help:    "Duration of worker teardown, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_worker_requests_total",
			Help: "Total number of requests handled by workers.",
		},
		[]string{"kind", "status"},
	)

	terminationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_worker_terminations_total",
			Help: "Total number of workers stopped, by reason.",
		},
		[]string{"reason"},
	)

	bootFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_worker_boot_failures_total",
			Help: "Total number of workers that failed to boot.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(bootDuration)
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(requestDuration)
	prometheus.MustRegister(teardownDuration)
	prometheus.MustRegister(requestsTotal)
	prometheus.MustRegister(terminationsTotal)
	prometheus.MustRegister(bootFailuresTotal)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup, rather than only after first observation.
	for _, k := range []model.WorkerKind{model.KindMain, model.KindUser, model.KindEvents} {
		activeWorkers.WithLabelValues(string(k))
		bootDuration.WithLabelValues(string(k))
		bootFailuresTotal.WithLabelValues(string(k))
		requestsTotal.WithLabelValues(string(k), statusCompleted)
		requestsTotal.WithLabelValues(string(k), statusFailed)
		requestsTotal.WithLabelValues(string(k), statusTerminated)
	}
	for _, r := range []model.TerminationReason{
		model.ReasonCPUTimeLimit,
		model.ReasonWallClockTimeLimit,
		model.ReasonMemoryLimit,
		model.ReasonDropped,
	} {
		terminationsTotal.WithLabelValues(string(r))
	}
}
