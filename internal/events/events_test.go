package events_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/kiln/internal/events"
	"github.com/seantiz/kiln/internal/model"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMultiFansOutInOrder(t *testing.T) {
	var got []string
	a := events.SinkFunc(func(ev model.WorkerEvent) { got = append(got, "a:"+string(ev.Kind)) })
	b := events.SinkFunc(func(ev model.WorkerEvent) { got = append(got, "b:"+string(ev.Kind)) })

	s := events.Multi(a, nil, b)
	s.Publish(model.NewEvent(model.EventBoot, "k", model.KindUser))

	require.Equal(t, []string{"a:boot", "b:boot"}, got)
}

func TestLogSinkLevels(t *testing.T) {
	var buf bytes.Buffer
	s := events.LogSink{Logger: slog.New(slog.NewJSONHandler(&buf, nil))}

	boot := model.NewEvent(model.EventBoot, "svc", model.KindUser)
	boot.BootTimeMS = 12
	s.Publish(boot)

	limit := model.NewEvent(model.EventMemoryLimit, "svc", model.KindUser)
	limit.Reason = model.ReasonMemoryLimit
	s.Publish(limit)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	require.Equal(t, "INFO", first["level"])
	require.Equal(t, "boot", first["event"])
	require.EqualValues(t, 12, first["boot_time_ms"])
	require.Equal(t, "ERROR", second["level"])
	require.Equal(t, "memory_limit", second["event"])
}

func counterValue(t *testing.T, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			if matches(m, labels) {
				return m.GetCounter().GetValue()
			}
		}
	}
	t.Fatalf("metric %s%v not found", name, labels)
	return 0
}

func matches(m *dto.Metric, labels map[string]string) bool {
	n := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok {
			if v != lp.GetValue() {
				return false
			}
			n++
		}
	}
	return n == len(labels)
}

func TestMetricsSinkCounts(t *testing.T) {
	labels := map[string]string{"kind": "cpu_time_limit", "worker_kind": "user"}
	before := counterValue(t, "kiln_worker_events_total", labels)

	events.MetricsSink{}.Publish(model.NewEvent(model.EventCPUTimeLimit, "k", model.KindUser))

	require.Equal(t, before+1, counterValue(t, "kiln_worker_events_total", labels))
}

func TestBrokerFiltersByWorker(t *testing.T) {
	b := events.NewBroker()
	all, unsubAll := b.Subscribe("")
	defer unsubAll()
	one, unsubOne := b.Subscribe("w1")
	defer unsubOne()

	b.Publish(model.NewEvent(model.EventBoot, "w1", model.KindUser))
	b.Publish(model.NewEvent(model.EventBoot, "w2", model.KindUser))

	require.Equal(t, model.WorkerKey("w1"), (<-all).WorkerKey)
	require.Equal(t, model.WorkerKey("w2"), (<-all).WorkerKey)
	require.Equal(t, model.WorkerKey("w1"), (<-one).WorkerKey)
	select {
	case ev := <-one:
		t.Fatalf("unexpected event for %s", ev.WorkerKey)
	default:
	}
}

func TestBrokerDropsForSlowSubscriber(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe("")
	defer unsub()

	for i := 0; i < 100; i++ {
		b.Publish(model.NewEvent(model.EventBoot, "w", model.KindUser))
	}
	require.Len(t, ch, 64)
}

func TestBrokerUnsubscribeAndClose(t *testing.T) {
	b := events.NewBroker()
	ch, unsub := b.Subscribe("")
	require.Equal(t, 1, b.Subscribers())
	unsub()
	unsub()
	require.Zero(t, b.Subscribers())
	_, ok := <-ch
	require.False(t, ok)

	ch2, _ := b.Subscribe("")
	b.Close()
	_, ok = <-ch2
	require.False(t, ok)

	late, _ := b.Subscribe("")
	_, ok = <-late
	require.False(t, ok)
	b.Publish(model.NewEvent(model.EventBoot, "w", model.KindUser))
}

type memRecorder struct {
	mu   sync.Mutex
	evs  []model.WorkerEvent
	fail bool
}

func (r *memRecorder) RecordEvent(_ context.Context, ev *model.WorkerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return errors.New("disk full")
	}
	r.evs = append(r.evs, *ev)
	return nil
}

func TestStoreSinkFlushesOnClose(t *testing.T) {
	rec := &memRecorder{}
	s := events.NewStoreSink(rec, quietLogger())
	for _, k := range []model.EventKind{model.EventBoot, model.EventMemoryLimit} {
		s.Publish(model.NewEvent(k, "w", model.KindUser))
	}
	s.Close()

	require.Len(t, rec.evs, 2)
	require.Equal(t, model.EventBoot, rec.evs[0].Kind)
	require.Equal(t, model.EventMemoryLimit, rec.evs[1].Kind)

	// Publishing after Close is a no-op.
	s.Publish(model.NewEvent(model.EventBoot, "w", model.KindUser))
}

func TestStoreSinkSurvivesRecorderErrors(t *testing.T) {
	rec := &memRecorder{fail: true}
	s := events.NewStoreSink(rec, quietLogger())
	s.Publish(model.NewEvent(model.EventBoot, "w", model.KindUser))
	s.Close()
	require.Empty(t, rec.evs)
}

type captureSender struct {
	mu     sync.Mutex
	keys   []model.WorkerKey
	bodies []model.WorkerEvent
	status int
}

func (c *captureSender) SendRequest(_ context.Context, key model.WorkerKey, req *http.Request) (*http.Response, error) {
	var ev model.WorkerEvent
	if err := json.NewDecoder(req.Body).Decode(&ev); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.keys = append(c.keys, key)
	c.bodies = append(c.bodies, ev)
	c.mu.Unlock()
	return &http.Response{StatusCode: c.status, Body: io.NopCloser(strings.NewReader(""))}, nil
}

func TestWorkerSinkForwardsJSON(t *testing.T) {
	snd := &captureSender{status: http.StatusAccepted}
	s := events.NewWorkerSink(snd, "events-worker", quietLogger())

	ev := model.NewEvent(model.EventWallClockTimeLimit, "svc", model.KindUser)
	ev.Reason = model.ReasonWallClockTimeLimit
	s.Publish(ev)
	s.Publish(model.NewEvent(model.EventBoot, "events-worker", model.KindEvents))
	s.Close()

	require.Equal(t, []model.WorkerKey{"events-worker"}, snd.keys)
	require.Len(t, snd.bodies, 1)
	require.Equal(t, ev.ID, snd.bodies[0].ID)
	require.Equal(t, model.ReasonWallClockTimeLimit, snd.bodies[0].Reason)
}
