package worker_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seantiz/kiln/internal/bundle"
	"github.com/seantiz/kiln/internal/isolate"
	"github.com/seantiz/kiln/internal/isolate/isolatetest"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/worker"
)

const inlineModule = `export default { fetch() { return new Response("ok"); } };`

type recordingSink struct {
	mu  sync.Mutex
	evs []model.WorkerEvent
}

func (s *recordingSink) Publish(ev model.WorkerEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
}

func (s *recordingSink) all() []model.WorkerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.WorkerEvent(nil), s.evs...)
}

func (s *recordingSink) kinds() []model.EventKind {
	var out []model.EventKind
	for _, ev := range s.all() {
		out = append(out, ev.Kind)
	}
	return out
}

type harness struct {
	engine *isolatetest.Engine
	sink   *recordingSink
	deps   worker.Deps
}

func newHarness(h isolatetest.HandlerFunc) *harness {
	eng := &isolatetest.Engine{Handler: h}
	reg := isolate.NewRegistry()
	reg.Register(isolatetest.EngineName, isolatetest.Capabilities, eng.Factory())
	sink := &recordingSink{}
	return &harness{
		engine: eng,
		sink:   sink,
		deps: worker.Deps{
			Engines: reg,
			Bundler: bundle.New(),
			Events:  sink,
			Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
	}
}

func userConfig(mutate func(*model.RuntimeConfig)) model.RuntimeConfig {
	c := model.DefaultRuntimeConfig()
	c.WorkerTimeoutMS = 0
	c.CPUTimeThresholdMS = 1000
	if mutate != nil {
		mutate(&c)
	}
	return c
}

func (h *harness) create(t *testing.T, kind model.WorkerKind, cfg model.RuntimeConfig) *worker.Worker {
	t.Helper()
	w, err := worker.Create(context.Background(), worker.Options{
		Key:        model.WorkerKey("w-" + string(kind)),
		Kind:       kind,
		ModuleCode: inlineModule,
		Engine:     isolatetest.EngineName,
		Config:     cfg,
	}, h.deps)
	require.NoError(t, err)
	t.Cleanup(w.Shutdown)
	return w
}

func get(t *testing.T, w *worker.Worker, path string) (*http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.Do(ctx, httptest.NewRequest(http.MethodGet, path, nil))
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}

func waitReason(t *testing.T, w *worker.Worker) model.TerminationReason {
	t.Helper()
	select {
	case r := <-w.Terminated():
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not terminate")
		return ""
	}
}

// blockUntilStopped simulates a script that never finishes on its own.
func blockUntilStopped(iso *isolatetest.Isolate, w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/fast" {
		w.Write([]byte("fast"))
		return
	}
	select {
	case <-iso.Terminated():
	case <-iso.Closed():
	case <-r.Context().Done():
	}
	w.Write([]byte("late"))
}

func TestCreateServesRequests(t *testing.T) {
	h := newHarness(nil)
	w := h.create(t, model.KindUser, userConfig(nil))

	resp, err := get(t, w, "/hello")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "GET /hello", readBody(t, resp))

	evs := h.sink.all()
	require.Len(t, evs, 1)
	require.Equal(t, model.EventBoot, evs[0].Kind)
	require.Equal(t, w.ExecutionID(), evs[0].ExecutionID)

	rec := w.Record()
	require.Equal(t, model.StatusRunning, rec.Status)
	require.Equal(t, model.KindUser, rec.Kind)
	require.NotNil(t, rec.BootTimeMS)
}

func TestBootFailure(t *testing.T) {
	h := newHarness(nil)
	cause := errors.New("engine exploded")
	h.engine.BootErr = func(isolate.Options) error { return cause }

	w, err := worker.Create(context.Background(), worker.Options{
		Key:        "broken",
		Kind:       model.KindUser,
		ModuleCode: inlineModule,
		Engine:     isolatetest.EngineName,
		Config:     userConfig(nil),
	}, h.deps)
	require.Nil(t, w)

	var be *worker.BootError
	require.ErrorAs(t, err, &be)
	require.Equal(t, model.WorkerKey("broken"), be.Key)
	require.ErrorIs(t, err, cause)
	require.Equal(t, []model.EventKind{model.EventBootFailure}, h.sink.kinds())
	require.Contains(t, h.sink.all()[0].Message, "engine exploded")
}

func TestBootFailureCases(t *testing.T) {
	tests := []struct {
		name string
		opts worker.Options
		is   error
	}{
		{
			name: "unknown engine",
			opts: worker.Options{Kind: model.KindUser, ModuleCode: inlineModule, Engine: "nope"},
		},
		{
			name: "unknown kind",
			opts: worker.Options{Kind: "weird", ModuleCode: inlineModule, Engine: isolatetest.EngineName},
		},
		{
			name: "no entrypoint",
			opts: worker.Options{Kind: model.KindUser, Engine: isolatetest.EngineName},
			is:   bundle.ErrNoEntrypoint,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(nil)
			tt.opts.Key = "k"
			if tt.opts.ServicePath == "" && tt.opts.ModuleCode == "" {
				tt.opts.ServicePath = t.TempDir()
			}
			_, err := worker.Create(context.Background(), tt.opts, h.deps)
			var be *worker.BootError
			require.ErrorAs(t, err, &be)
			if tt.is != nil {
				require.ErrorIs(t, err, tt.is)
			}
			require.Zero(t, h.engine.Boots())
		})
	}
}

func TestBootHonoursContext(t *testing.T) {
	h := newHarness(nil)
	h.engine.Gate = make(chan struct{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := worker.Create(ctx, worker.Options{
		Key:        "slow",
		Kind:       model.KindUser,
		ModuleCode: inlineModule,
		Engine:     isolatetest.EngineName,
		Config:     userConfig(nil),
	}, h.deps)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBindingsOnlyForMainWorkers(t *testing.T) {
	h := newHarness(nil)
	h.deps.Bindings = fakeBindings{}

	h.create(t, model.KindMain, userConfig(nil))
	require.NotNil(t, h.engine.Last().Opts.Bindings)

	h.create(t, model.KindUser, userConfig(nil))
	require.Nil(t, h.engine.Last().Opts.Bindings)
}

type fakeBindings struct{}

func (fakeBindings) CreateWorker(context.Context, []byte) (string, error) { return "", nil }
func (fakeBindings) Fetch(context.Context, string, *http.Request) (*http.Response, error) {
	return nil, errors.New("unused")
}

func TestNoHeadOfLineBlocking(t *testing.T) {
	h := newHarness(blockUntilStopped)
	w := h.create(t, model.KindUser, userConfig(nil))

	slow := worker.NewEnvelope(httptest.NewRequest(http.MethodGet, "/slow", nil))
	w.Submit(slow)

	resp, err := get(t, w, "/fast")
	require.NoError(t, err)
	require.Equal(t, "fast", readBody(t, resp))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = slow.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryLimitTerminatesInFlightAndQueued(t *testing.T) {
	h := newHarness(func(iso *isolatetest.Isolate, w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/hog" {
			if got := iso.NearHeapLimit(1 << 20); got != 5<<20 {
				t.Errorf("grace limit = %d, want %d", got, 5<<20)
			}
		}
		blockUntilStopped(iso, w, r)
	})
	w := h.create(t, model.KindUser, userConfig(nil))

	_, err := get(t, w, "/hog")
	var te *worker.TerminatedError
	require.ErrorAs(t, err, &te)
	require.Equal(t, model.ReasonMemoryLimit, te.Reason)
	require.Equal(t, model.ReasonMemoryLimit, waitReason(t, w))
	require.Equal(t, 1, h.engine.Last().Terminates())

	_, err = get(t, w, "/after")
	require.ErrorAs(t, err, &te)

	kinds := h.sink.kinds()
	require.Equal(t, []model.EventKind{model.EventBoot, model.EventMemoryLimit}, kinds)
	last := h.sink.all()[1]
	require.Equal(t, model.ReasonMemoryLimit, last.Reason)
}

func TestWallClockTerminates(t *testing.T) {
	h := newHarness(blockUntilStopped)
	w := h.create(t, model.KindUser, userConfig(func(c *model.RuntimeConfig) { c.WorkerTimeoutMS = 100 }))

	_, err := get(t, w, "/spin")
	var te *worker.TerminatedError
	require.ErrorAs(t, err, &te)
	require.Equal(t, model.ReasonWallClockTimeLimit, te.Reason)
	require.Equal(t, model.ReasonWallClockTimeLimit, waitReason(t, w))
}

func TestCPULimitTerminates(t *testing.T) {
	h := newHarness(func(iso *isolatetest.Isolate, w http.ResponseWriter, r *http.Request) {
		for {
			select {
			case <-iso.Terminated():
				return
			case <-iso.Closed():
				return
			case <-time.After(2 * time.Millisecond):
				iso.AddCPUTime(20 * time.Millisecond)
			}
		}
	})
	w := h.create(t, model.KindUser, userConfig(func(c *model.RuntimeConfig) {
		c.CPUTimeThresholdMS = 10
		c.CPUBurstIntervalMS = 0
		c.MaxCPUBursts = 1
	}))

	_, err := get(t, w, "/burn")
	var te *worker.TerminatedError
	require.ErrorAs(t, err, &te)
	require.Equal(t, model.ReasonCPUTimeLimit, te.Reason)
	require.Equal(t, model.ReasonCPUTimeLimit, waitReason(t, w))
}

func TestUnsupervisedKindsIgnoreLimits(t *testing.T) {
	h := newHarness(nil)
	w := h.create(t, model.KindMain, userConfig(func(c *model.RuntimeConfig) { c.WorkerTimeoutMS = 20 }))

	iso := h.engine.Last()
	require.Equal(t, uint64(100), iso.NearHeapLimit(100))

	time.Sleep(60 * time.Millisecond)
	resp, err := get(t, w, "/still-here")
	require.NoError(t, err)
	readBody(t, resp)
	require.Zero(t, iso.Terminates())
}

func TestShutdown(t *testing.T) {
	h := newHarness(blockUntilStopped)
	w := h.create(t, model.KindUser, userConfig(nil))

	inflight := worker.NewEnvelope(httptest.NewRequest(http.MethodGet, "/slow", nil))
	w.Submit(inflight)
	time.Sleep(20 * time.Millisecond)

	w.Shutdown()
	w.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := inflight.Wait(ctx)
	require.ErrorIs(t, err, worker.ErrWorkerShutdown)

	_, err = get(t, w, "/after")
	require.ErrorIs(t, err, worker.ErrWorkerShutdown)

	require.Equal(t, model.ReasonDropped, waitReason(t, w))
	require.Zero(t, h.engine.Last().Terminates())
	<-h.engine.Last().Closed()
	require.Equal(t, []model.EventKind{model.EventBoot, model.EventShutdown}, h.sink.kinds())
}

func TestTransportErrorAffectsOneRequest(t *testing.T) {
	h := newHarness(func(iso *isolatetest.Isolate, w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/drop" {
			conn, _, err := w.(http.Hijacker).Hijack()
			if err == nil {
				conn.Close()
			}
			return
		}
		isolatetest.Echo(iso, w, r)
	})
	w := h.create(t, model.KindUser, userConfig(nil))

	_, err := get(t, w, "/drop")
	var tr *worker.TransportError
	require.ErrorAs(t, err, &tr)

	resp, err := get(t, w, "/ok")
	require.NoError(t, err)
	require.Equal(t, "GET /ok", readBody(t, resp))
}

func TestConcurrentRequests(t *testing.T) {
	h := newHarness(nil)
	w := h.create(t, model.KindUser, userConfig(nil))

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Go(func() {
			resp, err := get(t, w, "/c")
			if err != nil {
				t.Error(err)
				return
			}
			resp.Body.Close()
		})
	}
	wg.Wait()
}
