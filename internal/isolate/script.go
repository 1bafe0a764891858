package isolate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/kiln/internal/cputimer"
	"github.com/seantiz/kiln/internal/transport"
)

// maxBodyBytes caps request and response bodies crossing into a script.
const maxBodyBytes = 10 << 20

// jsVM is the engine-specific half of a script isolate. Every method except
// interrupt must be called on the isolate's engine thread.
type jsVM interface {
	eval(js string) error
	evalString(js string) (string, error)
	runJobs()
	register(name string, fn func(a, b string) (string, error)) error
	interrupt()
	heapLimit() uint64
	heapUsed() (uint64, bool)
	setHeapLimit(limit uint64)
	outOfMemory(err error) bool
	close()
}

// preludeJS installs the globals every worker script can rely on.
const preludeJS = `
(function() {
	var g = globalThis;
	function fmt(args) {
		var out = [];
		for (var i = 0; i < args.length; i++) {
			var a = args[i];
			out.push(typeof a === 'string' ? a : JSON.stringify(a));
		}
		return out.join(' ');
	}
	g.console = {
		log: function() { __kiln_log('info', fmt(arguments)); },
		info: function() { __kiln_log('info', fmt(arguments)); },
		debug: function() { __kiln_log('debug', fmt(arguments)); },
		warn: function() { __kiln_log('warn', fmt(arguments)); },
		error: function() { __kiln_log('error', fmt(arguments)); }
	};
	g.Response = function(body, init) {
		init = init || {};
		this.status = init.status || 200;
		this.headers = init.headers || {};
		this.body = body == null ? '' : String(body);
	};
	g.Response.json = function(value, init) {
		init = init || {};
		var headers = init.headers || {};
		headers['content-type'] = 'application/json';
		return new g.Response(JSON.stringify(value), { status: init.status, headers: headers });
	};
	var pending = {};
	g.__kiln_await = function(op) {
		return new Promise(function(resolve, reject) {
			pending[op] = { resolve: resolve, reject: reject };
		});
	};
	g.__kiln_settle = function(op, ok, value) {
		var p = pending[op];
		if (!p) return;
		delete pending[op];
		if (ok) p.resolve(value); else p.reject(new Error(value));
	};
	var timers = {};
	var nextTimer = 0;
	function schedule(fn, ms, args, repeat) {
		if (typeof fn !== 'function') throw new TypeError('timer callback is not a function');
		var handle = ++nextTimer;
		var delay = Math.max(repeat ? 1 : 0, Math.floor(Number(ms) || 0));
		timers[handle] = true;
		(function arm() {
			g.__kiln_await(__kiln_timer(String(delay), '')).then(function() {
				if (!timers[handle]) return;
				if (!repeat) delete timers[handle];
				try { fn.apply(null, args); } catch (e) { g.console.error(describe(e)); }
				if (repeat && timers[handle]) arm();
			});
		})();
		return handle;
	}
	g.setTimeout = function(fn, ms) { return schedule(fn, ms, Array.prototype.slice.call(arguments, 2), false); };
	g.setInterval = function(fn, ms) { return schedule(fn, ms, Array.prototype.slice.call(arguments, 2), true); };
	g.clearTimeout = g.clearInterval = function(handle) { delete timers[handle]; };
	function describe(e) {
		var msg = String(e);
		if (e && typeof e.stack === 'string' && e.stack.indexOf(msg) < 0) msg += '\n' + e.stack;
		return msg;
	}
	g.__kiln_finish = function(id, ok, value) {
		var out;
		try {
			out = ok
				? JSON.stringify({ ok: true, response: g.__kiln_normalize(value) })
				: JSON.stringify({ ok: false, error: describe(value) });
		} catch (e) {
			out = JSON.stringify({ ok: false, error: String(e) });
		}
		__kiln_done(id, out);
	};
	g.__kiln_normalize = function(r) {
		if (r == null) return { status: 204, headers: {}, body: '' };
		if (typeof r === 'string') return { status: 200, headers: {}, body: r };
		var body = r.body;
		if (body == null) body = '';
		else if (typeof body !== 'string') body = JSON.stringify(body);
		return { status: r.status || 200, headers: r.headers || {}, body: body };
	};
})();
`

// bindingsJS exposes the pool to main-worker scripts. Each call starts an
// operation off the engine thread and returns a promise settled by it.
const bindingsJS = `
globalThis.EdgeRuntime = {
	userWorkers: {
		create: function(opts) {
			return globalThis.__kiln_await(__kiln_create(JSON.stringify(opts || {}), '')).then(JSON.parse);
		},
		fetch: function(key, req) {
			return globalThis.__kiln_await(__kiln_fetch(String(key), JSON.stringify(req || {}))).then(JSON.parse);
		}
	}
};
`

const checkModuleJS = `(function() {
	var m = globalThis.__kiln_module__;
	var h = m && m.default ? m.default : m;
	return String(!!h && (typeof h.fetch === 'function' || typeof h === 'function'));
})()`

// invokeJS calls the module's fetch handler for request id with a
// JSON-encoded request. The settled result is reported through __kiln_done.
const invokeJS = `(function(id, payload) {
	var m = globalThis.__kiln_module__;
	var h = m && m.default ? m.default : m;
	var fn = h && typeof h.fetch === 'function' ? h.fetch.bind(h) : h;
	var req = JSON.parse(payload);
	Promise.resolve().then(function() { return fn(req, globalThis.__env); }).then(
		function(r) { globalThis.__kiln_finish(id, true, r); },
		function(e) { globalThis.__kiln_finish(id, false, e); });
})(%s, %s)`

// settleJS settles the promise of operation op.
const settleJS = `globalThis.__kiln_settle(%s, %t, %s)`

// scriptRequest is the request shape handed to fetch handlers.
type scriptRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// scriptResponse is the normalized result of a fetch handler.
type scriptResponse struct {
	Status  int               `json:"status"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

func encodeRequest(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, fmt.Errorf("request body exceeds %d bytes", maxBodyBytes)
	}
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	return json.Marshal(scriptRequest{
		Method:  r.Method,
		URL:     "http://" + r.Host + r.URL.RequestURI(),
		Headers: headers,
		Body:    string(body),
	})
}

func (sr *scriptResponse) write(w http.ResponseWriter) {
	for k, v := range sr.Headers {
		w.Header().Set(k, v)
	}
	status := sr.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	io.WriteString(w, sr.Body)
}

// errUnsettled fails requests whose handler can no longer make progress.
var errUnsettled = errors.New("handler did not settle")

// handlerOutcome is what __kiln_finish reports for one request.
type handlerOutcome struct {
	OK       bool            `json:"ok"`
	Response *scriptResponse `json:"response"`
	Error    string          `json:"error"`
}

type outcome struct {
	resp *scriptResponse
	err  error
}

// waiters tracks requests whose handlers have not settled yet.
type waiters struct {
	mu   sync.Mutex
	next uint64
	m    map[string]chan outcome
}

func (w *waiters) add() (string, <-chan outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.m == nil {
		w.m = make(map[string]chan outcome)
	}
	w.next++
	id := strconv.FormatUint(w.next, 10)
	ch := make(chan outcome, 1)
	w.m[id] = ch
	return id, ch
}

func (w *waiters) resolve(id string, o outcome) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ch, ok := w.m[id]; ok {
		ch <- o
		delete(w.m, id)
	}
}

func (w *waiters) remove(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.m, id)
}

func (w *waiters) failAll(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for id, ch := range w.m {
		ch <- outcome{err: err}
		delete(w.m, id)
	}
}

// terminator guards cross-thread access to the VM's interrupt.
type terminator struct {
	mu         sync.Mutex
	vm         jsVM
	closed     bool
	terminated atomic.Bool

	// onTerminate runs after the first Terminate.
	onTerminate func()
}

var _ Terminator = (*terminator)(nil)

func (t *terminator) attach(vm jsVM) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.vm = vm
}

// Terminate interrupts the running script. Only the first call interrupts.
func (t *terminator) Terminate() error {
	if !t.terminated.CompareAndSwap(false, true) {
		return nil
	}
	t.mu.Lock()
	closed := t.closed
	if !closed && t.vm != nil {
		t.vm.interrupt()
	}
	t.mu.Unlock()

	if t.onTerminate != nil {
		t.onTerminate()
	}
	if closed {
		return ErrClosed
	}
	return nil
}

func (t *terminator) interrupt() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.vm != nil && !t.closed {
		t.vm.interrupt()
	}
}

// closeVM releases the VM. It runs on the engine thread.
func (t *terminator) closeVM() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.vm != nil && !t.closed {
		t.vm.close()
	}
	t.closed = true
}

// scriptIsolate runs a bundled worker script in a jsVM.
type scriptIsolate struct {
	opts   Options
	logger *slog.Logger
	th     *thread
	vm     jsVM
	term   *terminator
	heapCB atomic.Pointer[func(uint64) uint64]
	sample cputimer.Sampler

	// ctx scopes binding calls and timers started by the script.
	ctx    context.Context
	cancel context.CancelFunc

	requests waiters
	// nextOp and ops count operations started by the script. Both are only
	// touched on the engine thread.
	nextOp uint64
	ops    int

	srvMu     sync.Mutex
	srv       *http.Server
	closing   atomic.Bool
	closeOnce sync.Once
}

var _ Isolate = (*scriptIsolate)(nil)

// NewFactory returns a Factory booting scripts on the engine compiled into
// this binary.
func NewFactory() Factory {
	return boot
}

func boot(ctx context.Context, opts Options) (Isolate, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &scriptIsolate{
		opts:   opts,
		logger: opts.Logger.With("worker_key", string(opts.Key), "engine", EngineName),
		term:   &terminator{},
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.term.onTerminate = func() { s.requests.failAll(ErrTerminated) }
	s.th = startThread(s.term.closeVM)

	var err error
	if rerr := s.th.run(context.Background(), func() { err = s.load(ctx) }); rerr != nil {
		err = rerr
	}
	if err != nil {
		s.cancel()
		s.th.stop()
		return nil, err
	}

	sample, err := cputimer.ThreadSampler(s.th.tid)
	if err != nil {
		s.logger.Warn("cpu accounting unavailable", "error", err)
	}
	s.sample = sample
	return s, nil
}

// load creates the VM and evaluates the worker script. It runs on the
// engine thread.
func (s *scriptIsolate) load(ctx context.Context) error {
	vm, err := newVM(s.opts.Config)
	if err != nil {
		return fmt.Errorf("create %s vm: %w", EngineName, err)
	}
	s.vm = vm
	s.term.attach(vm)

	stop := context.AfterFunc(ctx, s.term.interrupt)
	defer stop()

	if err := vm.register("__kiln_log", s.consoleLog); err != nil {
		return fmt.Errorf("register console: %w", err)
	}
	if err := vm.register("__kiln_timer", s.startTimer); err != nil {
		return fmt.Errorf("register timers: %w", err)
	}
	if err := vm.register("__kiln_done", s.handlerDone); err != nil {
		return fmt.Errorf("register handler result: %w", err)
	}
	if err := vm.eval(preludeJS); err != nil {
		return fmt.Errorf("install prelude: %w", err)
	}

	env := s.opts.Config.EnvVars
	if env == nil {
		env = map[string]string{}
	}
	envJSON, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode env: %w", err)
	}
	if err := vm.eval("globalThis.__env = " + string(envJSON) + ";"); err != nil {
		return fmt.Errorf("install env: %w", err)
	}

	if s.opts.Bindings != nil {
		if err := vm.register("__kiln_create", s.bindCreate); err != nil {
			return fmt.Errorf("register bindings: %w", err)
		}
		if err := vm.register("__kiln_fetch", s.bindFetch); err != nil {
			return fmt.Errorf("register bindings: %w", err)
		}
		if err := vm.eval(bindingsJS); err != nil {
			return fmt.Errorf("install bindings: %w", err)
		}
	}

	if err := vm.eval(s.opts.Source); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("evaluate module: %w", ctx.Err())
		}
		return fmt.Errorf("evaluate module: %w", err)
	}
	if s.term.terminated.Load() {
		return ErrTerminated
	}

	ok, err := vm.evalString(checkModuleJS)
	if err != nil {
		return fmt.Errorf("inspect module: %w", err)
	}
	if ok != "true" {
		return ErrNoHandler
	}
	return nil
}

func (s *scriptIsolate) SetNearHeapLimitCallback(fn func(current uint64) uint64) {
	s.heapCB.Store(&fn)
}

func (s *scriptIsolate) Terminator() Terminator { return s.term }

func (s *scriptIsolate) CPUTime() (time.Duration, error) {
	if s.sample == nil {
		return 0, errors.New("cpu accounting unavailable")
	}
	return s.sample()
}

func (s *scriptIsolate) Serve(l net.Listener) error {
	srv := &http.Server{
		Handler:  http.HandlerFunc(s.serveHTTP),
		ErrorLog: slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}
	s.srvMu.Lock()
	if s.closing.Load() {
		s.srvMu.Unlock()
		return ErrClosed
	}
	s.srv = srv
	s.srvMu.Unlock()

	err := srv.Serve(l)
	if errors.Is(err, http.ErrServerClosed) || errors.Is(err, transport.ErrListenerClosed) {
		return nil
	}
	return err
}

func (s *scriptIsolate) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if s.term.terminated.Load() {
		http.Error(w, ErrTerminated.Error(), http.StatusServiceUnavailable)
		return
	}
	payload, err := encodeRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The engine thread is held only while the handler runs synchronously.
	// Awaited binding calls and timers settle in later pumps. The request is
	// registered on the engine thread so a concurrent pump never sees it
	// before its handler started.
	var (
		id      string
		result  <-chan outcome
		evalErr error
	)
	if err := s.th.run(r.Context(), func() {
		id, result = s.requests.add()
		evalErr = s.pump(func() error {
			invoke, err := invocation(id, payload)
			if err != nil {
				return err
			}
			return s.vm.eval(invoke)
		})
	}); err != nil {
		evalErr = err
	}
	if id != "" {
		defer s.requests.remove(id)
	}
	if evalErr != nil {
		writeScriptError(w, fmt.Errorf("invoke fetch: %w", evalErr))
		return
	}

	select {
	case out := <-result:
		if out.err != nil {
			writeScriptError(w, out.err)
			return
		}
		out.resp.write(w)
	case <-r.Context().Done():
	case <-s.ctx.Done():
		writeScriptError(w, ErrClosed)
	}
}

func writeScriptError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, ErrTerminated) || errors.Is(err, ErrClosed) {
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

func invocation(id string, payload []byte) (string, error) {
	quotedID, err := json.Marshal(id)
	if err != nil {
		return "", err
	}
	quoted, err := json.Marshal(string(payload))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(invokeJS, quotedID, quoted), nil
}

// pump evaluates f and drains the job queue, then fails requests that can
// no longer settle. It runs on the engine thread.
func (s *scriptIsolate) pump(f func() error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("script panic: %v", p)
		}
		if s.term.terminated.Load() {
			err = ErrTerminated
			s.requests.failAll(ErrTerminated)
			return
		}
		if s.ops == 0 {
			s.requests.failAll(errUnsettled)
		}
	}()
	if s.term.terminated.Load() {
		return ErrTerminated
	}

	err = f()
	if err == nil {
		s.vm.runJobs()
	}
	s.checkHeap(err)
	return err
}

// handlerDone receives the settled result of request id. It is called by
// script code on the engine thread.
func (s *scriptIsolate) handlerDone(id, raw string) (string, error) {
	var ho handlerOutcome
	if err := json.Unmarshal([]byte(raw), &ho); err != nil {
		s.requests.resolve(id, outcome{err: fmt.Errorf("decode handler result: %w", err)})
		return "", nil
	}
	if !ho.OK || ho.Response == nil {
		err := fmt.Errorf("handler threw: %s", ho.Error)
		s.checkHeap(err)
		s.requests.resolve(id, outcome{err: err})
		return "", nil
	}
	s.requests.resolve(id, outcome{resp: ho.Response})
	return "", nil
}

// startOp runs fn off the engine thread and returns the id of the
// operation. Its result settles the script promise awaiting that id. It
// runs on the engine thread.
func (s *scriptIsolate) startOp(fn func(ctx context.Context) (string, error)) string {
	s.nextOp++
	s.ops++
	op := strconv.FormatUint(s.nextOp, 10)
	go func() {
		out, err := fn(s.ctx)
		s.settleOp(op, out, err)
	}()
	return op
}

// settleOp hands the result of op back to the engine thread.
func (s *scriptIsolate) settleOp(op, out string, opErr error) {
	ok := opErr == nil
	value := out
	if !ok {
		value = opErr.Error()
	}
	quotedOp, _ := json.Marshal(op)
	quotedValue, _ := json.Marshal(value)
	js := fmt.Sprintf(settleJS, quotedOp, ok, quotedValue)

	err := s.th.run(s.ctx, func() {
		s.ops--
		if err := s.pump(func() error { return s.vm.eval(js) }); err != nil && !errors.Is(err, ErrTerminated) {
			s.logger.Warn("settle script operation", "error", err)
			s.requests.failAll(fmt.Errorf("settle operation: %w", err))
		}
	})
	if err != nil && s.ctx.Err() == nil {
		s.logger.Debug("drop script operation", "op", op, "error", err)
	}
}

// startTimer backs setTimeout and setInterval.
func (s *scriptIsolate) startTimer(ms, _ string) (string, error) {
	n, err := strconv.ParseInt(ms, 10, 64)
	if err != nil || n < 0 {
		n = 0
	}
	d := time.Duration(n) * time.Millisecond
	return s.startOp(func(ctx context.Context) (string, error) {
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return "", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}), nil
}

// checkHeap runs the near-limit callback when the heap is close to, or has
// hit, its current limit. It runs on the engine thread.
func (s *scriptIsolate) checkHeap(evalErr error) {
	cb := s.heapCB.Load()
	if cb == nil {
		return
	}
	limit := s.vm.heapLimit()
	if limit == 0 {
		return
	}
	near := evalErr != nil && s.vm.outOfMemory(evalErr)
	if used, ok := s.vm.heapUsed(); ok && used >= limit/10*9 {
		near = true
	}
	if !near {
		return
	}
	if next := (*cb)(limit); next > limit {
		s.vm.setHeapLimit(next)
	}
}

func (s *scriptIsolate) consoleLog(level, msg string) (string, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	s.logger.Log(s.ctx, lvl, msg, "source", "console")
	return "", nil
}

func (s *scriptIsolate) bindCreate(opts, _ string) (string, error) {
	return s.startOp(func(ctx context.Context) (string, error) {
		key, err := s.opts.Bindings.CreateWorker(ctx, []byte(opts))
		if err != nil {
			return "", err
		}
		out, err := json.Marshal(map[string]string{"key": key})
		return string(out), err
	}), nil
}

func (s *scriptIsolate) bindFetch(key, reqJSON string) (string, error) {
	var sr scriptRequest
	if err := json.Unmarshal([]byte(reqJSON), &sr); err != nil {
		return "", fmt.Errorf("decode request: %w", err)
	}
	if sr.Method == "" {
		sr.Method = http.MethodGet
	}
	if sr.URL == "" {
		sr.URL = "http://localhost/"
	}
	return s.startOp(func(ctx context.Context) (string, error) {
		return s.fetch(ctx, key, sr)
	}), nil
}

// fetch sends sr to the worker identified by key. It runs off the engine
// thread.
func (s *scriptIsolate) fetch(ctx context.Context, key string, sr scriptRequest) (string, error) {
	req, err := http.NewRequestWithContext(ctx, sr.Method, sr.URL, strings.NewReader(sr.Body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	for k, v := range sr.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.opts.Bindings.Fetch(ctx, key, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	headers := make(map[string]string, len(resp.Header))
	for k, v := range resp.Header {
		headers[strings.ToLower(k)] = strings.Join(v, ", ")
	}
	out, err := json.Marshal(scriptResponse{Status: resp.StatusCode, Headers: headers, Body: string(body)})
	return string(out), err
}

func (s *scriptIsolate) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.cancel()
		s.term.interrupt()

		s.srvMu.Lock()
		srv := s.srv
		s.srvMu.Unlock()
		if srv != nil {
			srv.Close()
		}
		s.th.stop()
	})
	return nil
}
