package pool

import (
	"context"
	"net/http"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/telemetry"
	"github.com/seantiz/kiln/internal/worker"
)

// CreateWorker returns the key of a live worker for opts, booting one if
// none exists. Concurrent calls for the same key share a single boot. Boot
// failures are returned as *worker.BootError and leave no entry behind.
func (p *Pool) CreateWorker(ctx context.Context, opts CreateOptions) (model.WorkerKey, error) {
	wopts, err := p.workerOptions(opts)
	if err != nil {
		return "", &worker.BootError{Key: opts.Key, Err: err}
	}

	ctx, span := telemetry.StartWorkerSpan(ctx, telemetry.SpanCreateWorker, wopts.Key, wopts.Kind)
	defer span.End()

	reply := make(chan createResult, 1)
	if !p.inbox.Send(createMsg{opts: wopts, reply: reply}) {
		return "", ErrPoolClosed
	}
	select {
	case res := <-reply:
		telemetry.RecordError(span, res.err)
		return res.key, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SendRequest routes req to the live worker for key and waits for its
// response. A missing worker yields a *RoutingError. Cancelling ctx abandons
// the reply; the request itself still runs to completion in the worker.
func (p *Pool) SendRequest(ctx context.Context, key model.WorkerKey, req *http.Request) (*http.Response, error) {
	ctx, span := telemetry.StartWorkerSpan(ctx, telemetry.SpanSendRequest, key, "",
		telemetry.AttrHTTPMethod.String(req.Method),
	)
	defer span.End()

	env := worker.NewEnvelope(req)
	if !p.inbox.Send(sendMsg{key: key, env: env}) {
		return nil, ErrPoolClosed
	}
	resp, err := env.Wait(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	span.SetAttributes(telemetry.AttrHTTPStatus.Int(resp.StatusCode))
	return resp, nil
}

// ShutdownWorker removes the worker for key and stops it in the background.
// Unknown keys are ignored.
func (p *Pool) ShutdownWorker(ctx context.Context, key model.WorkerKey) error {
	_, span := telemetry.StartWorkerSpan(ctx, telemetry.SpanShutdownWorker, key, "")
	defer span.End()

	done := make(chan struct{})
	if !p.inbox.Send(shutdownMsg{key: key, done: done}) {
		return ErrPoolClosed
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Workers lists the live workers, sorted by key.
func (p *Pool) Workers(ctx context.Context) ([]model.WorkerRecord, error) {
	reply := make(chan []model.WorkerRecord, 1)
	if !p.inbox.Send(listMsg{reply: reply}) {
		return nil, ErrPoolClosed
	}
	select {
	case out := <-reply:
		return out, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
