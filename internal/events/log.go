package events

import (
	"log/slog"

	"github.com/seantiz/kiln/internal/model"
)

// LogSink writes each event as a structured log record. Limit terminations
// and boot failures log at error level, everything else at info.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Publish(ev model.WorkerEvent) {
	attrs := []any{
		"event_id", ev.ID,
		"event", string(ev.Kind),
		"worker_key", string(ev.WorkerKey),
		"worker_kind", string(ev.WorkerKind),
	}
	if ev.ExecutionID != "" {
		attrs = append(attrs, "execution_id", ev.ExecutionID)
	}
	if ev.BootTimeMS > 0 {
		attrs = append(attrs, "boot_time_ms", ev.BootTimeMS)
	}
	if ev.ElapsedMS > 0 {
		attrs = append(attrs, "elapsed_ms", ev.ElapsedMS)
	}
	if ev.Message != "" {
		attrs = append(attrs, "message", ev.Message)
	}

	if ev.Kind == model.EventBootFailure || ev.Reason.IsLimit() {
		s.Logger.Error("worker event", attrs...)
		return
	}
	s.Logger.Info("worker event", attrs...)
}
