package pool_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seantiz/kiln/internal/isolate"
	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/pool"
)

// newEnginePool returns a pool booting workers on the compiled-in engine.
func newEnginePool(t *testing.T) *pool.Pool {
	t.Helper()
	reg := isolate.NewRegistry()
	reg.Register(isolate.EngineName, isolate.EngineCapabilities, isolate.NewFactory())

	cfg := model.DefaultRuntimeConfig()
	cfg.WorkerTimeoutMS = 0
	cfg.CPUTimeThresholdMS = 0

	p := pool.New(pool.Config{
		Engines:       reg,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		DefaultEngine: isolate.EngineName,
		Defaults:      cfg,
	})
	t.Cleanup(p.Close)
	return p
}

const routerModule = `export default {
	async fetch(req) {
		const name = req.url.split("/").pop();
		const r = await EdgeRuntime.userWorkers.fetch(name, { url: "http://localhost/" });
		return new Response(r.body, { status: r.status });
	}
};`

const spinModule = `export default {
	fetch() {
		const end = Date.now() + 1500;
		while (Date.now() < end) {}
		return new Response("slow");
	}
};`

const fastModule = `export default { fetch() { return new Response("fast"); } };`

func TestMainWorkerDoesNotSerializeUserWorkers(t *testing.T) {
	if testing.Short() {
		t.Skip("boots real isolates")
	}
	p := newEnginePool(t)
	for _, opts := range []pool.CreateOptions{
		{Key: "main", Kind: model.KindMain, ModuleCode: routerModule},
		{Key: "slow", ModuleCode: spinModule},
		{Key: "fast", ModuleCode: fastModule},
	} {
		_, err := p.CreateWorker(testCtx(t), opts)
		require.NoError(t, err)
	}

	call := func(path string) (string, error) {
		resp, err := p.SendRequest(testCtx(t), "main", httptest.NewRequest(http.MethodGet, path, nil))
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		return string(b), err
	}

	slow := make(chan string, 1)
	go func() {
		body, _ := call("/main/slow")
		slow <- body
	}()
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	body, err := call("/main/fast")
	require.NoError(t, err)
	require.Equal(t, "fast", body)
	require.Less(t, time.Since(start), time.Second)

	select {
	case <-slow:
		t.Fatal("slow request finished before the fast one was answered")
	default:
	}
	require.Equal(t, "slow", <-slow)
}

func TestMainWorkerTimers(t *testing.T) {
	if testing.Short() {
		t.Skip("boots real isolates")
	}
	p := newEnginePool(t)
	_, err := p.CreateWorker(testCtx(t), pool.CreateOptions{
		Key: "delay",
		ModuleCode: `export default {
			async fetch() {
				await new Promise((resolve) => setTimeout(resolve, 300));
				return new Response("late");
			}
		};`,
	})
	require.NoError(t, err)

	results := make(chan string, 2)
	start := time.Now()
	for range 2 {
		go func() {
			body, _ := send(t, p, "delay", "/")
			results <- body
		}()
	}
	require.Equal(t, "late", <-results)
	require.Equal(t, "late", <-results)
	// Both delays overlap on one engine thread.
	require.Less(t, time.Since(start), 550*time.Millisecond)
}
