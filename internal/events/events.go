// Package events fans worker lifecycle events out to logs, metrics,
// persistent storage, live subscribers and the events worker.
package events

import "github.com/seantiz/kiln/internal/model"

// Sink receives worker events. Publish must not block the caller for long;
// sinks doing I/O queue the event and return.
type Sink interface {
	Publish(ev model.WorkerEvent)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(model.WorkerEvent)

func (f SinkFunc) Publish(ev model.WorkerEvent) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(model.WorkerEvent) {})

// Multi publishes every event to each sink in order. Nil sinks are skipped.
func Multi(sinks ...Sink) Sink {
	var out multi
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multi []Sink

func (m multi) Publish(ev model.WorkerEvent) {
	for _, s := range m {
		s.Publish(ev)
	}
}
