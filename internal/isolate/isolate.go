package isolate

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/seantiz/kiln/internal/model"
)

// Errors reported by isolates.
var (
	ErrClosed     = errors.New("isolate closed")
	ErrTerminated = errors.New("isolate terminated")
	ErrNoHandler  = errors.New("module has no fetch handler")
)

// Isolate is one booted engine instance serving HTTP for a single worker.
// Script evaluation happens on one OS thread owned by the isolate; only the
// Terminator may be used from other goroutines while a script runs.
type Isolate interface {
	// SetNearHeapLimitCallback installs fn, called on the engine thread when
	// the heap approaches its current limit. fn returns the new limit.
	SetNearHeapLimitCallback(fn func(current uint64) uint64)

	// Terminator returns the cross-thread termination handle.
	Terminator() Terminator

	// CPUTime reports CPU time consumed by the engine thread.
	CPUTime() (time.Duration, error)

	// Serve answers HTTP requests accepted from l until l is closed or the
	// isolate is terminated or closed.
	Serve(l net.Listener) error

	// Close terminates any running script and releases the engine.
	Close() error
}

// Terminator stops script execution from any goroutine. Terminate is
// idempotent; once called, every later evaluation fails with ErrTerminated.
type Terminator interface {
	Terminate() error
}

// Bindings expose the worker pool to main-worker scripts.
type Bindings interface {
	// CreateWorker creates a user worker from JSON-encoded options and
	// returns its key.
	CreateWorker(ctx context.Context, opts []byte) (string, error)
	// Fetch sends req to the worker identified by key.
	Fetch(ctx context.Context, key string, req *http.Request) (*http.Response, error)
}

// Options configure one isolate.
type Options struct {
	Key    model.WorkerKey
	Kind   model.WorkerKind
	Source string
	Config model.RuntimeConfig

	// Bindings is set for main workers only.
	Bindings Bindings
	Logger   *slog.Logger
}

// Factory boots an isolate. ctx bounds the boot; cancelling it interrupts
// a top-level script that does not finish.
type Factory func(ctx context.Context, opts Options) (Isolate, error)
