// Package telemetry holds OpenTelemetry tracing helpers. Spans go to the
// globally installed tracer provider, which is a no-op unless the process
// configures one.
package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/kiln/internal/model"
)

// TracerName is the instrumentation scope of every kiln span.
const TracerName = "github.com/seantiz/kiln"

// Span names.
const (
	SpanCreateWorker   = "pool.create_worker"
	SpanSendRequest    = "pool.send_request"
	SpanShutdownWorker = "pool.shutdown_worker"
	SpanWorkerBoot     = "worker.boot"
	SpanWorkerExchange = "worker.exchange"
)

// Attribute keys.
const (
	AttrWorkerKey   = attribute.Key("kiln.worker.key")
	AttrWorkerKind  = attribute.Key("kiln.worker.kind")
	AttrExecutionID = attribute.Key("kiln.worker.execution_id")
	AttrEngine      = attribute.Key("kiln.engine")
	AttrReason      = attribute.Key("kiln.termination.reason")
	AttrHTTPMethod  = attribute.Key("http.request.method")
	AttrHTTPStatus  = attribute.Key("http.response.status_code")
)

// Tracer returns the kiln tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// StartWorkerSpan starts a span tagged with the worker's identity.
func StartWorkerSpan(ctx context.Context, name string, key model.WorkerKey, kind model.WorkerKind, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	base := []attribute.KeyValue{AttrWorkerKey.String(string(key))}
	if kind != "" {
		base = append(base, AttrWorkerKind.String(string(kind)))
	}
	return Tracer().Start(ctx, name, trace.WithAttributes(append(base, attrs...)...))
}

// RecordError marks span as failed with err. A nil err is ignored.
func RecordError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
