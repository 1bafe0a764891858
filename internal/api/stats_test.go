package api

import (
	"net/http"
	"testing"

	"github.com/seantiz/kiln/internal/model"
)

func TestGetStatsEmpty(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)

	resp, err := http.Get(env.ts.URL + "/_internal/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	var stats statsResponse
	decodeJSON(t, resp, &stats)

	if stats.TotalWorkers != 0 || stats.LiveWorkers != 0 {
		t.Errorf("stats = %+v, want zero workers", stats)
	}
	if stats.AvgBootTimeMS != 0 {
		t.Errorf("avg_boot_time_ms = %f, want 0", stats.AvgBootTimeMS)
	}
}

func TestGetStatsPopulated(t *testing.T) {
	env := newTestEnv(t, Options{}, nil)
	ctx := testCtx(t)

	for _, key := range []model.WorkerKey{"a", "b"} {
		ev := model.NewEvent(model.EventBoot, key, model.KindUser)
		ev.ExecutionID = model.NewExecutionID()
		ev.BootTimeMS = 30
		if err := env.store.RecordEvent(ctx, &ev); err != nil {
			t.Fatalf("RecordEvent: %v", err)
		}
	}
	if _, err := env.pool.CreateWorker(ctx, inlineOptions("live")); err != nil {
		t.Fatalf("CreateWorker: %v", err)
	}

	resp, err := http.Get(env.ts.URL + "/_internal/stats")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	var stats statsResponse
	decodeJSON(t, resp, &stats)

	if stats.TotalWorkers != 2 {
		t.Errorf("total_workers = %d, want 2", stats.TotalWorkers)
	}
	if stats.LiveWorkers != 1 {
		t.Errorf("live_workers = %d, want 1", stats.LiveWorkers)
	}
	if stats.ByStatus[model.StatusRunning] != 2 {
		t.Errorf("by_status = %v", stats.ByStatus)
	}
	if stats.AvgBootTimeMS != 30 {
		t.Errorf("avg_boot_time_ms = %f, want 30", stats.AvgBootTimeMS)
	}
}
