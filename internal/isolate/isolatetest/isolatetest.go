// Package isolatetest provides an in-memory isolate engine for tests of the
// worker and pool packages. Its isolates serve an http.Handler and expose
// knobs for CPU time, heap pressure and termination.
package isolatetest

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/kiln/internal/isolate"
	"github.com/seantiz/kiln/internal/transport"
)

// EngineName is the name the fake engine registers under.
const EngineName = "fake"

// Capabilities of the fake engine.
var Capabilities = isolate.Capabilities{
	Engine:            EngineName,
	CPUAccounting:     true,
	HeapLimitCallback: true,
	AsyncHandlers:     true,
}

// HandlerFunc answers one request for iso.
type HandlerFunc func(iso *Isolate, w http.ResponseWriter, r *http.Request)

// Echo writes the request method and path.
func Echo(_ *Isolate, w http.ResponseWriter, r *http.Request) {
	w.Write([]byte(r.Method + " " + r.URL.Path))
}

// Engine creates fake isolates.
type Engine struct {
	// Handler serves requests. Defaults to Echo.
	Handler HandlerFunc
	// BootErr, when set, is returned for the options it matches.
	BootErr func(opts isolate.Options) error
	// Gate, when non-nil, blocks every boot until it yields a value or is
	// closed.
	Gate chan struct{}

	mu       sync.Mutex
	isolates []*Isolate
	boots    atomic.Int32
}

// Factory returns the isolate.Factory for e.
func (e *Engine) Factory() isolate.Factory {
	return e.boot
}

func (e *Engine) boot(ctx context.Context, opts isolate.Options) (isolate.Isolate, error) {
	e.boots.Add(1)
	if e.Gate != nil {
		select {
		case <-e.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.BootErr != nil {
		if err := e.BootErr(opts); err != nil {
			return nil, err
		}
	}
	h := e.Handler
	if h == nil {
		h = Echo
	}
	iso := &Isolate{
		Opts:       opts,
		handler:    h,
		terminated: make(chan struct{}),
		closed:     make(chan struct{}),
	}
	e.mu.Lock()
	e.isolates = append(e.isolates, iso)
	e.mu.Unlock()
	return iso, nil
}

// Boots reports how many boots were attempted.
func (e *Engine) Boots() int { return int(e.boots.Load()) }

// Isolates returns every isolate booted so far, in boot order.
func (e *Engine) Isolates() []*Isolate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Isolate(nil), e.isolates...)
}

// Last returns the most recently booted isolate, or nil.
func (e *Engine) Last() *Isolate {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.isolates) == 0 {
		return nil
	}
	return e.isolates[len(e.isolates)-1]
}

// Isolate is a fake engine instance.
type Isolate struct {
	Opts isolate.Options
	// TerminateErr is returned by every Terminate call when set.
	TerminateErr error

	handler    HandlerFunc
	cpu        atomic.Int64
	heapCB     atomic.Pointer[func(uint64) uint64]
	terminates atomic.Int32
	termOnce   sync.Once
	terminated chan struct{}
	closeOnce  sync.Once
	closed     chan struct{}

	srvMu sync.Mutex
	srv   *http.Server
}

var _ isolate.Isolate = (*Isolate)(nil)

func (i *Isolate) SetNearHeapLimitCallback(fn func(current uint64) uint64) {
	i.heapCB.Store(&fn)
}

// NearHeapLimit invokes the installed callback as the engine would, and
// reports the returned limit. It returns current when no callback is set.
func (i *Isolate) NearHeapLimit(current uint64) uint64 {
	cb := i.heapCB.Load()
	if cb == nil {
		return current
	}
	return (*cb)(current)
}

func (i *Isolate) Terminator() isolate.Terminator { return i }

// Terminate records the call and releases handlers blocked on Terminated.
func (i *Isolate) Terminate() error {
	i.terminates.Add(1)
	i.termOnce.Do(func() { close(i.terminated) })
	return i.TerminateErr
}

// Terminates reports how many times Terminate was called.
func (i *Isolate) Terminates() int { return int(i.terminates.Load()) }

// Terminated is closed by the first Terminate call. Handlers simulating a
// runaway script block on it.
func (i *Isolate) Terminated() <-chan struct{} { return i.terminated }

// AddCPUTime advances the reported CPU time.
func (i *Isolate) AddCPUTime(d time.Duration) { i.cpu.Add(int64(d)) }

func (i *Isolate) CPUTime() (time.Duration, error) {
	return time.Duration(i.cpu.Load()), nil
}

func (i *Isolate) Serve(l net.Listener) error {
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-i.terminated:
			http.Error(w, isolate.ErrTerminated.Error(), http.StatusServiceUnavailable)
			return
		default:
		}
		i.handler(i, w, r)
	})}
	i.srvMu.Lock()
	select {
	case <-i.closed:
		i.srvMu.Unlock()
		return isolate.ErrClosed
	default:
	}
	i.srv = srv
	i.srvMu.Unlock()

	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, transport.ErrListenerClosed) {
		return nil
	}
	return err
}

func (i *Isolate) Close() error {
	i.closeOnce.Do(func() {
		close(i.closed)
		i.srvMu.Lock()
		srv := i.srv
		i.srvMu.Unlock()
		if srv != nil {
			srv.Close()
		}
	})
	return nil
}

// Closed is closed once Close has been called.
func (i *Isolate) Closed() <-chan struct{} { return i.closed }
