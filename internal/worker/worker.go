// Package worker runs one isolate behind an ordered request intake. A worker
// owns its engine, the supervisor enforcing its limits (user workers only),
// the listener its engine serves on and one proxy goroutine per request in
// flight.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/seantiz/kiln/internal/bundle"
	"github.com/seantiz/kiln/internal/cputimer"
	"github.com/seantiz/kiln/internal/events"
	"github.com/seantiz/kiln/internal/isolate"
	"github.com/seantiz/kiln/internal/mailbox"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/supervisor"
	"github.com/seantiz/kiln/internal/telemetry"
	"github.com/seantiz/kiln/internal/transport"
)

// Options describe the worker to create.
type Options struct {
	Key         model.WorkerKey
	Kind        model.WorkerKind
	ServicePath string
	// ModuleCode, when set, is bundled instead of the service entrypoint.
	ModuleCode string
	Engine     string
	Config     model.RuntimeConfig
}

// Deps are the shared services a worker is built from.
type Deps struct {
	Engines *isolate.Registry
	Bundler *bundle.Bundler
	Events  events.Sink
	// Bindings are installed into main workers only.
	Bindings isolate.Bindings
	Logger   *slog.Logger
}

// Worker is a booted isolate serving requests. All methods are safe for
// concurrent use.
type Worker struct {
	opts   Options
	events events.Sink
	log    *slog.Logger

	id          string
	executionID string
	createdAt   time.Time
	bootTime    time.Duration

	iso      isolate.Isolate
	listener *transport.Listener
	intake   *mailbox.Mailbox[*Envelope]
	sup      *supervisor.Supervisor
	cpu      *cputimer.Timer

	// ctx is cancelled with ErrWorkerShutdown or a *TerminatedError when the
	// worker stops. In-flight exchanges are bound to it.
	ctx    context.Context
	cancel context.CancelCauseFunc

	// limitHit is closed just before a supervisor terminates the engine.
	limitHit  chan struct{}
	limitOnce sync.Once

	teardownOnce sync.Once
	terminated   chan model.TerminationReason
	done         chan struct{}
	wg           sync.WaitGroup
}

// Create boots a worker. It returns once the engine is serving, or a
// *BootError. A failed boot leaves nothing running.
func Create(ctx context.Context, opts Options, deps Deps) (*Worker, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = events.Discard
	}
	if deps.Bundler == nil {
		deps.Bundler = bundle.New()
	}

	wctx, cancel := context.WithCancelCause(context.Background())
	w := &Worker{
		opts:        opts,
		events:      deps.Events,
		log:         deps.Logger.With("worker_key", string(opts.Key), "worker_kind", string(opts.Kind)),
		id:          model.NewID(),
		executionID: model.NewExecutionID(),
		createdAt:   time.Now().UTC(),
		listener:    transport.NewListener(string(opts.Key)),
		intake:      mailbox.New[*Envelope](),
		ctx:         wctx,
		cancel:      cancel,
		limitHit:    make(chan struct{}),
		terminated:  make(chan model.TerminationReason, 1),
		done:        make(chan struct{}),
	}
	w.wg.Go(w.runIntake)

	ctx, span := telemetry.StartWorkerSpan(ctx, telemetry.SpanWorkerBoot, opts.Key, opts.Kind,
		telemetry.AttrEngine.String(opts.Engine),
		telemetry.AttrExecutionID.String(w.executionID),
	)
	defer span.End()

	start := time.Now()
	if err := w.boot(ctx, deps); err != nil {
		w.cancel(err)
		w.intake.Close()
		w.listener.Close()
		w.wg.Wait()

		bootFailuresTotal.WithLabelValues(string(opts.Kind)).Inc()
		telemetry.RecordError(span, err)
		ev := w.event(model.EventBootFailure)
		ev.Message = err.Error()
		w.events.Publish(ev)
		return nil, &BootError{Key: opts.Key, Err: err}
	}
	w.bootTime = time.Since(start)

	activeWorkers.WithLabelValues(string(opts.Kind)).Inc()
	bootDuration.WithLabelValues(string(opts.Kind)).Observe(w.bootTime.Seconds())
	ev := w.event(model.EventBoot)
	ev.BootTimeMS = w.bootTime.Milliseconds()
	w.events.Publish(ev)
	w.log.Info("worker booted",
		"execution_id", w.executionID,
		"engine", opts.Engine,
		"boot_time_ms", w.bootTime.Milliseconds(),
	)
	return w, nil
}

func (w *Worker) boot(ctx context.Context, deps Deps) error {
	if !model.ValidKind(w.opts.Kind) {
		return fmt.Errorf("unknown worker kind %q", w.opts.Kind)
	}
	if deps.Engines == nil {
		return errors.New("no engine registry")
	}
	factory, err := deps.Engines.Resolve(w.opts.Engine)
	if err != nil {
		return err
	}

	cfg := w.opts.Config
	source, err := deps.Bundler.Bundle(bundle.Source{
		ServicePath:   w.opts.ServicePath,
		ModuleCode:    w.opts.ModuleCode,
		ImportMapPath: cfg.ImportMapPath,
		NoModuleCache: cfg.NoModuleCache,
	})
	if err != nil {
		return fmt.Errorf("bundle module: %w", err)
	}

	supervised := w.opts.Kind.Supervised()
	if d := cfg.WorkerTimeout(); supervised && d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	isoOpts := isolate.Options{
		Key:    w.opts.Key,
		Kind:   w.opts.Kind,
		Source: source,
		Config: cfg,
		Logger: w.log,
	}
	if w.opts.Kind == model.KindMain {
		isoOpts.Bindings = deps.Bindings
	}
	iso, err := factory(ctx, isoOpts)
	if err != nil {
		return fmt.Errorf("start isolate: %w", err)
	}
	w.iso = iso

	if supervised {
		memory := make(chan struct{}, 1)
		iso.SetNearHeapLimitCallback(supervisor.HeapCallback(cfg, memory))

		alarms := make(chan struct{}, 1)
		if th := cfg.CPUTimeThreshold(); th > 0 {
			w.cpu, err = cputimer.Start(th, iso.CPUTime, alarms)
			if err != nil {
				iso.Close()
				return fmt.Errorf("start cpu timer: %w", err)
			}
		}
		w.sup = supervisor.Start(supervisor.Options{
			Key:        w.opts.Key,
			Config:     cfg,
			Terminator: limitTerminator{w: w, t: iso.Terminator()},
			Alarms:     alarms,
			Memory:     memory,
			Logger:     w.log,
		})
		go w.watch()
	}

	w.wg.Go(w.serve)
	return nil
}

// limitTerminator marks the worker as hit by a limit before the engine is
// terminated, so responses racing the termination are not delivered.
type limitTerminator struct {
	w *Worker
	t isolate.Terminator
}

func (l limitTerminator) Terminate() error {
	l.w.limitOnce.Do(func() { close(l.w.limitHit) })
	return l.t.Terminate()
}

func (w *Worker) watch() {
	reason := <-w.sup.Done()
	if !reason.IsLimit() {
		return
	}
	w.teardown(reason, &TerminatedError{Key: w.opts.Key, Reason: reason})
}

func (w *Worker) serve() {
	err := w.iso.Serve(w.listener)
	if w.ctx.Err() != nil {
		return
	}
	w.log.Error("isolate stopped serving", "error", err)
	go w.Shutdown()
}

// runIntake hands envelopes to the engine in submission order. Each exchange
// then proceeds on its own goroutine.
func (w *Worker) runIntake() {
	for {
		env, ok := w.intake.Receive()
		if !ok {
			return
		}
		if env.Abandoned() {
			continue
		}
		conn, err := transport.Open(w.listener)
		if err != nil {
			requestsTotal.WithLabelValues(string(w.opts.Kind), statusFailed).Inc()
			env.Resolve(nil, w.failure(err))
			continue
		}
		w.wg.Go(func() { w.exchange(conn, env) })
	}
}

func (w *Worker) exchange(conn *transport.Conn, env *Envelope) {
	_, span := telemetry.StartWorkerSpan(env.Request.Context(), telemetry.SpanWorkerExchange, w.opts.Key, w.opts.Kind,
		telemetry.AttrHTTPMethod.String(env.Request.Method),
	)
	defer span.End()

	start := time.Now()
	resp, err := conn.RoundTrip(w.ctx, env.Request)
	if err != nil {
		conn.Close()
		err = w.failure(err)
	} else {
		select {
		case <-w.limitHit:
			// The engine is being terminated; wait for the cause.
			<-w.ctx.Done()
			resp.Body.Close()
			resp, err = nil, context.Cause(w.ctx)
		default:
		}
	}

	status := statusCompleted
	switch {
	case err == nil:
		requestDuration.Observe(time.Since(start).Seconds())
		span.SetAttributes(telemetry.AttrHTTPStatus.Int(resp.StatusCode))
	case isTermination(err):
		status = statusTerminated
	default:
		status = statusFailed
	}
	requestsTotal.WithLabelValues(string(w.opts.Kind), status).Inc()
	telemetry.RecordError(span, err)

	env.Resolve(resp, err)
}

// failure maps a transport error to the error an envelope resolves with.
func (w *Worker) failure(err error) error {
	if cause := context.Cause(w.ctx); cause != nil {
		return cause
	}
	return &TransportError{Key: w.opts.Key, Err: err}
}

func isTermination(err error) bool {
	var te *TerminatedError
	return errors.As(err, &te) || errors.Is(err, ErrWorkerShutdown)
}

// Submit queues env. Requests reach the engine in submission order. After
// the worker stopped env resolves immediately with the stop cause.
func (w *Worker) Submit(env *Envelope) {
	if !w.intake.Send(env) {
		env.Resolve(nil, context.Cause(w.ctx))
	}
}

// Shutdown stops the worker. Queued and in-flight requests resolve with
// ErrWorkerShutdown. It is idempotent and returns once the worker stopped.
func (w *Worker) Shutdown() {
	w.teardown(model.ReasonDropped, ErrWorkerShutdown)
	<-w.done
}

func (w *Worker) teardown(reason model.TerminationReason, cause error) {
	w.teardownOnce.Do(func() {
		start := time.Now()

		w.cancel(cause)
		for _, env := range w.intake.CloseAndDrain() {
			env.Resolve(nil, cause)
		}
		w.listener.Close()
		if w.cpu != nil {
			w.cpu.Stop()
		}
		if w.sup != nil {
			w.sup.Stop()
		}
		if err := w.iso.Close(); err != nil {
			w.log.Warn("close isolate", "error", err)
		}
		w.wg.Wait()

		activeWorkers.WithLabelValues(string(w.opts.Kind)).Dec()
		terminationsTotal.WithLabelValues(string(reason)).Inc()
		teardownDuration.Observe(time.Since(start).Seconds())

		ev := w.event(model.EventKindFor(reason))
		ev.ElapsedMS = time.Since(w.createdAt).Milliseconds()
		if reason.IsLimit() {
			ev.Reason = reason
		}
		w.events.Publish(ev)

		w.terminated <- reason
		close(w.done)
	})
}

// Terminated yields exactly one reason once the worker stopped: a limit
// reason after forced termination, or Dropped after Shutdown.
func (w *Worker) Terminated() <-chan model.TerminationReason { return w.terminated }

// Done is closed once the worker stopped.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Stopping is closed once the worker began stopping. It serves nothing
// after that, though teardown may still be running.
func (w *Worker) Stopping() <-chan struct{} { return w.ctx.Done() }

func (w *Worker) event(kind model.EventKind) model.WorkerEvent {
	ev := model.NewEvent(kind, w.opts.Key, w.opts.Kind)
	ev.ServicePath = w.opts.ServicePath
	ev.ExecutionID = w.executionID
	return ev
}

// Key returns the worker's identity.
func (w *Worker) Key() model.WorkerKey { return w.opts.Key }

// Kind returns the worker's kind.
func (w *Worker) Kind() model.WorkerKind { return w.opts.Kind }

// ExecutionID identifies this boot of the worker.
func (w *Worker) ExecutionID() string { return w.executionID }

// Record describes the worker while it runs.
func (w *Worker) Record() model.WorkerRecord {
	boot := w.bootTime.Milliseconds()
	return model.WorkerRecord{
		ID:          w.id,
		Key:         w.opts.Key,
		Kind:        w.opts.Kind,
		ServicePath: w.opts.ServicePath,
		ExecutionID: w.executionID,
		Status:      model.StatusRunning,
		BootTimeMS:  &boot,
		CreatedAt:   w.createdAt,
	}
}

// Do submits req and waits for its response. It is a convenience for
// callers holding the worker directly.
func (w *Worker) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	env := NewEnvelope(req)
	w.Submit(env)
	return env.Wait(ctx)
}
