// Package pool owns the table of live workers. A single actor goroutine
// serves every create, route and shutdown request from an unbounded mailbox,
// so the table needs no lock and at most one worker boots per key.
package pool

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/seantiz/kiln/internal/bundle"
	"github.com/seantiz/kiln/internal/events"
	"github.com/seantiz/kiln/internal/isolate"
	"github.com/seantiz/kiln/internal/mailbox"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/worker"
)

// Config wires a pool to its shared services.
type Config struct {
	Engines *isolate.Registry
	Bundler *bundle.Bundler
	Events  events.Sink
	Logger  *slog.Logger

	// DefaultEngine is used when CreateOptions name none.
	DefaultEngine string
	// Defaults apply when CreateOptions carry no Config.
	Defaults model.RuntimeConfig
}

// Pool is the worker table actor and its front door.
type Pool struct {
	deps     worker.Deps
	engine   string
	defaults model.RuntimeConfig
	log      *slog.Logger

	inbox *mailbox.Mailbox[message]
	// ctx bounds boots; it is cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup

	// Owned by the actor goroutine.
	live    map[model.WorkerKey]*worker.Worker
	booting map[model.WorkerKey]*pendingBoot
}

// pendingBoot collects the callers waiting on one boot. A boot whose key is
// shut down is detached from the table; its worker is stopped on arrival.
type pendingBoot struct {
	waiters []chan<- createResult
}

type createResult struct {
	key model.WorkerKey
	err error
}

// message is an item delivered to the pool mailbox.
type message interface {
	isPoolMessage()
}

type createMsg struct {
	opts  worker.Options
	reply chan<- createResult
}

type sendMsg struct {
	key model.WorkerKey
	env *worker.Envelope
}

type shutdownMsg struct {
	key  model.WorkerKey
	done chan<- struct{}
}

type bootDoneMsg struct {
	key  model.WorkerKey
	boot *pendingBoot
	w    *worker.Worker
	err  error
}

type terminatedMsg struct {
	key    model.WorkerKey
	w      *worker.Worker
	reason model.TerminationReason
}

type listMsg struct {
	reply chan<- []model.WorkerRecord
}

func (createMsg) isPoolMessage()     {}
func (sendMsg) isPoolMessage()       {}
func (shutdownMsg) isPoolMessage()   {}
func (bootDoneMsg) isPoolMessage()   {}
func (terminatedMsg) isPoolMessage() {}
func (listMsg) isPoolMessage()       {}

// New starts the pool actor. Main workers created by the pool get bindings
// back into this pool.
func New(cfg Config) *Pool {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.Bundler == nil {
		cfg.Bundler = bundle.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		engine:   cfg.DefaultEngine,
		defaults: cfg.Defaults,
		log:      cfg.Logger,
		inbox:    mailbox.New[message](),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		live:     make(map[model.WorkerKey]*worker.Worker),
		booting:  make(map[model.WorkerKey]*pendingBoot),
	}
	p.deps = worker.Deps{
		Engines:  cfg.Engines,
		Bundler:  cfg.Bundler,
		Events:   cfg.Events,
		Bindings: bindings{p: p},
		Logger:   cfg.Logger,
	}
	go p.loop()
	return p
}

// Defaults returns the runtime config applied when none is given.
func (p *Pool) Defaults() model.RuntimeConfig { return p.defaults }

func (p *Pool) loop() {
	defer close(p.done)
	for {
		msg, ok := p.inbox.Receive()
		if !ok {
			p.stopAll()
			return
		}
		messagesTotal.WithLabelValues(messageType(msg)).Inc()
		p.handle(msg)
		liveWorkers.Set(float64(len(p.live)))
	}
}

func (p *Pool) handle(msg message) {
	switch m := msg.(type) {
	case createMsg:
		p.handleCreate(m)
	case sendMsg:
		p.handleSend(m)
	case shutdownMsg:
		p.handleShutdown(m)
	case bootDoneMsg:
		p.handleBootDone(m)
	case terminatedMsg:
		p.handleTerminated(m)
	case listMsg:
		p.handleList(m)
	}
}

func (p *Pool) handleCreate(m createMsg) {
	key := m.opts.Key
	if _, ok := p.liveWorker(key); ok {
		m.reply <- createResult{key: key}
		return
	}
	if b, ok := p.booting[key]; ok {
		b.waiters = append(b.waiters, m.reply)
		return
	}

	boot := &pendingBoot{waiters: []chan<- createResult{m.reply}}
	p.booting[key] = boot
	opts := m.opts
	p.wg.Go(func() {
		w, err := worker.Create(p.ctx, opts, p.deps)
		if !p.inbox.Send(bootDoneMsg{key: key, boot: boot, w: w, err: err}) && w != nil {
			w.Shutdown()
		}
	})
}

// liveWorker returns the worker serving key. A worker that began stopping
// is dropped from the table even if its termination is still in flight.
func (p *Pool) liveWorker(key model.WorkerKey) (*worker.Worker, bool) {
	w, ok := p.live[key]
	if !ok {
		return nil, false
	}
	select {
	case <-w.Stopping():
		delete(p.live, key)
		return nil, false
	default:
		return w, true
	}
}

func (p *Pool) handleBootDone(m bootDoneMsg) {
	if p.booting[m.key] != m.boot {
		// Detached by a shutdown; its callers were already answered.
		if m.w != nil {
			p.wg.Go(m.w.Shutdown)
		}
		return
	}
	delete(p.booting, m.key)

	res := createResult{key: m.key, err: m.err}
	if m.err != nil {
		p.log.Warn("worker boot failed", "worker_key", string(m.key), "error", m.err)
	} else {
		p.live[m.key] = m.w
		w := m.w
		p.wg.Go(func() {
			reason := <-w.Terminated()
			p.inbox.Send(terminatedMsg{key: m.key, w: w, reason: reason})
		})
	}
	for _, reply := range m.boot.waiters {
		reply <- res
	}
}

func (p *Pool) handleSend(m sendMsg) {
	w, ok := p.live[m.key]
	if !ok {
		routingErrorsTotal.Inc()
		m.env.Resolve(nil, &RoutingError{Key: m.key})
		return
	}
	w.Submit(m.env)
}

func (p *Pool) handleShutdown(m shutdownMsg) {
	if w, ok := p.live[m.key]; ok {
		delete(p.live, m.key)
		p.wg.Go(w.Shutdown)
		p.log.Info("worker shutdown requested", "worker_key", string(m.key))
	} else if b, ok := p.booting[m.key]; ok {
		delete(p.booting, m.key)
		for _, reply := range b.waiters {
			reply <- createResult{err: worker.ErrWorkerShutdown}
		}
		p.log.Info("worker boot detached by shutdown", "worker_key", string(m.key))
	}
	close(m.done)
}

// handleTerminated removes the entry only if it still holds the instance
// that terminated; a newer worker under the same key stays.
func (p *Pool) handleTerminated(m terminatedMsg) {
	if cur, ok := p.live[m.key]; ok && cur == m.w {
		delete(p.live, m.key)
		p.log.Info("worker removed", "worker_key", string(m.key), "reason", string(m.reason))
	}
}

func (p *Pool) handleList(m listMsg) {
	out := make([]model.WorkerRecord, 0, len(p.live))
	for _, w := range p.live {
		out = append(out, w.Record())
	}
	slices.SortFunc(out, func(a, b model.WorkerRecord) int {
		return strings.Compare(string(a.Key), string(b.Key))
	})
	m.reply <- out
}

// stopAll runs once the mailbox is closed and drained.
func (p *Pool) stopAll() {
	for key, b := range p.booting {
		for _, reply := range b.waiters {
			reply <- createResult{err: ErrPoolClosed}
		}
		delete(p.booting, key)
	}
	for key, w := range p.live {
		delete(p.live, key)
		p.wg.Go(w.Shutdown)
	}
	liveWorkers.Set(0)
}

// Close stops accepting requests, shuts down every worker and waits for
// them to stop. Boots in progress are cancelled.
func (p *Pool) Close() {
	p.cancel()
	p.inbox.Close()
	<-p.done
	p.wg.Wait()
}

func messageType(msg message) string {
	switch msg.(type) {
	case createMsg:
		return "create"
	case sendMsg:
		return "send_request"
	case shutdownMsg:
		return "shutdown"
	case bootDoneMsg:
		return "boot_done"
	case terminatedMsg:
		return "terminated"
	case listMsg:
		return "list"
	}
	return "unknown"
}
