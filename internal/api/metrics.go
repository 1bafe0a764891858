package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Route labels for requests without a chi pattern of their own.
const (
	routeProxy     = "proxy"
	routeUnmatched = "unmatched"
)

// Worker error causes. Requests answered without a pool or worker error
// carry causeNone.
const (
	causeNone       = "none"
	causeRouting    = "routing"
	causeBoot       = "boot"
	causeTerminated = "terminated"
	causeTransport  = "transport"
	causeShutdown   = "shutdown"
	causeCanceled   = "canceled"
	causeOther      = "other"
)

var (
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kiln_http_requests_total",
			Help: "HTTP requests by route, status and worker error cause.",
		},
		[]string{"route", "method", "status", "cause"},
	)

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kiln_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 9),
		},
		[]string{"route"},
	)

	requestsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kiln_http_requests_in_flight",
		Help: "HTTP requests being served, proxied ones included.",
	})
)

func init() {
	prometheus.MustRegister(requestsTotal, requestDuration, requestsInFlight)
}

// requestNote carries what handlers learn about a request to instrument.
type requestNote struct {
	cause string
}

type requestNoteKey struct{}

// noteCause records the worker error cause of the response to r.
func noteCause(r *http.Request, cause string) {
	if n, ok := r.Context().Value(requestNoteKey{}).(*requestNote); ok {
		n.cause = cause
	}
}

// instrument counts every request by its chi route and the worker error
// cause noted by the handler, and tracks requests in flight.
func instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestsInFlight.Inc()
		defer requestsInFlight.Dec()

		note := &requestNote{cause: causeNone}
		r = r.WithContext(context.WithValue(r.Context(), requestNoteKey{}, note))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := routeLabel(r)
		requestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(status), note.cause).Inc()
		requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// routeLabel is the matched chi pattern. Everything served by the worker
// proxy shares one label so worker paths never reach the metric.
func routeLabel(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return routeUnmatched
	}
	switch p := rctx.RoutePattern(); p {
	case "":
		return routeUnmatched
	case "/*":
		return routeProxy
	default:
		return p
	}
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}
