package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/mailbox"
	"github.com/seantiz/kiln/internal/model"
)

// deliveryTimeout bounds a single asynchronous delivery.
const deliveryTimeout = 5 * time.Second

// async runs deliver for every published event on one goroutine, in
// publication order.
type async struct {
	queue   *mailbox.Mailbox[model.WorkerEvent]
	deliver func(ctx context.Context, ev model.WorkerEvent) error
	logger  *slog.Logger
	name    string
	wg      sync.WaitGroup
}

func startAsync(name string, logger *slog.Logger, deliver func(context.Context, model.WorkerEvent) error) *async {
	a := &async{
		queue:   mailbox.New[model.WorkerEvent](),
		deliver: deliver,
		logger:  logger,
		name:    name,
	}
	a.wg.Go(a.run)
	return a
}

func (a *async) run() {
	for {
		ev, ok := a.queue.Receive()
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		if err := a.deliver(ctx, ev); err != nil {
			a.logger.Error("deliver worker event",
				"sink", a.name,
				"event_id", ev.ID,
				"event", string(ev.Kind),
				"error", err,
			)
		}
		cancel()
	}
}

func (a *async) publish(ev model.WorkerEvent) {
	a.queue.Send(ev)
}

// close stops accepting events and waits until queued ones are delivered.
func (a *async) close() {
	a.queue.Close()
	a.wg.Wait()
}

// Recorder persists events.
type Recorder interface {
	RecordEvent(ctx context.Context, ev *model.WorkerEvent) error
}

// StoreSink writes events to a Recorder from a background goroutine.
type StoreSink struct {
	a *async
}

// NewStoreSink starts the writer goroutine.
func NewStoreSink(r Recorder, logger *slog.Logger) *StoreSink {
	return &StoreSink{a: startAsync("store", logger, func(ctx context.Context, ev model.WorkerEvent) error {
		return r.RecordEvent(ctx, &ev)
	})}
}

func (s *StoreSink) Publish(ev model.WorkerEvent) { s.a.publish(ev) }

// Close flushes queued events and stops the writer.
func (s *StoreSink) Close() { s.a.close() }

// Sender delivers a request to a worker.
type Sender interface {
	SendRequest(ctx context.Context, key model.WorkerKey, req *http.Request) (*http.Response, error)
}

// WorkerSink forwards events as JSON POST requests to the events worker.
// Events about events workers are not forwarded.
type WorkerSink struct {
	a *async
}

// NewWorkerSink starts forwarding to the worker identified by key.
func NewWorkerSink(s Sender, key model.WorkerKey, logger *slog.Logger) *WorkerSink {
	return &WorkerSink{a: startAsync("events_worker", logger, func(ctx context.Context, ev model.WorkerEvent) error {
		return forward(ctx, s, key, ev)
	})}
}

func forward(ctx context.Context, s Sender, key model.WorkerKey, ev model.WorkerEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://events.kiln/", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.SendRequest(ctx, key, req)
	if err != nil {
		return fmt.Errorf("send to events worker: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("events worker responded %d", resp.StatusCode)
	}
	return nil
}

func (s *WorkerSink) Publish(ev model.WorkerEvent) {
	if ev.WorkerKind == model.KindEvents {
		return
	}
	s.a.publish(ev)
}

// Close flushes queued events and stops forwarding.
func (s *WorkerSink) Close() { s.a.close() }
