package supervisor_test

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seantiz/kiln/internal/model"
	"github.com/seantiz/kiln/internal/supervisor"
)

type countingTerminator struct {
	calls atomic.Int32
	err   error
}

func (c *countingTerminator) Terminate() error {
	c.calls.Add(1)
	return c.err
}

// steppingClock returns start on its first call and advances by step on
// every later call.
type steppingClock struct {
	mu    sync.Mutex
	next  time.Time
	step  time.Duration
	calls int
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.next
	c.next = c.next.Add(c.step)
	c.calls++
	return now
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func config(mutate func(*model.RuntimeConfig)) model.RuntimeConfig {
	c := model.DefaultRuntimeConfig()
	c.WorkerTimeoutMS = 0
	if mutate != nil {
		mutate(&c)
	}
	return c
}

func waitReason(t *testing.T, s *supervisor.Supervisor) model.TerminationReason {
	t.Helper()
	select {
	case r := <-s.Done():
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not finish")
		return ""
	}
}

func requireRunning(t *testing.T, s *supervisor.Supervisor) {
	t.Helper()
	select {
	case r := <-s.Done():
		t.Fatalf("supervisor finished early with %q", r)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCPUBurstsTerminate(t *testing.T) {
	// Threshold 50ms, burst interval 100ms, max 2 bursts; alarms arrive
	// 150ms apart so every alarm counts as a new burst.
	term := &countingTerminator{}
	clock := &steppingClock{next: time.Unix(1000, 0), step: 150 * time.Millisecond}
	alarms := make(chan struct{})

	s := supervisor.Start(supervisor.Options{
		Key: "cpu",
		Config: config(func(c *model.RuntimeConfig) {
			c.CPUTimeThresholdMS = 50
			c.CPUBurstIntervalMS = 100
			c.MaxCPUBursts = 2
		}),
		Terminator: term,
		Alarms:     alarms,
		Now:        clock.Now,
		Logger:     quietLogger(),
	})

	alarms <- struct{}{}
	alarms <- struct{}{}
	requireRunning(t, s)
	require.Zero(t, term.calls.Load())

	alarms <- struct{}{}
	require.Equal(t, model.ReasonCPUTimeLimit, waitReason(t, s))
	require.EqualValues(t, 1, term.calls.Load())
}

func TestCPUAlarmsWithinBurstIntervalDoNotCount(t *testing.T) {
	term := &countingTerminator{}
	clock := &steppingClock{next: time.Unix(1000, 0), step: 10 * time.Millisecond}
	alarms := make(chan struct{})

	s := supervisor.Start(supervisor.Options{
		Config: config(func(c *model.RuntimeConfig) {
			c.CPUBurstIntervalMS = 100
			c.MaxCPUBursts = 0
		}),
		Terminator: term,
		Alarms:     alarms,
		Now:        clock.Now,
		Logger:     quietLogger(),
	})

	for i := 0; i < 5; i++ {
		alarms <- struct{}{}
	}
	requireRunning(t, s)

	s.Stop()
	require.Equal(t, model.ReasonDropped, waitReason(t, s))
	require.Zero(t, term.calls.Load())
}

func TestWallClockTerminates(t *testing.T) {
	term := &countingTerminator{}
	s := supervisor.Start(supervisor.Options{
		Config:     config(func(c *model.RuntimeConfig) { c.WorkerTimeoutMS = 20 }),
		Terminator: term,
		Logger:     quietLogger(),
	})

	require.Equal(t, model.ReasonWallClockTimeLimit, waitReason(t, s))
	require.EqualValues(t, 1, term.calls.Load())
}

func TestZeroWorkerTimeoutDisablesWallClock(t *testing.T) {
	term := &countingTerminator{}
	s := supervisor.Start(supervisor.Options{
		Config:     config(nil),
		Terminator: term,
		Logger:     quietLogger(),
	})
	requireRunning(t, s)
	s.Stop()
	require.Equal(t, model.ReasonDropped, waitReason(t, s))
}

func TestMemoryNotificationTerminates(t *testing.T) {
	term := &countingTerminator{}
	memory := make(chan struct{}, 1)
	s := supervisor.Start(supervisor.Options{
		Config:     config(nil),
		Terminator: term,
		Memory:     memory,
		Logger:     quietLogger(),
	})

	memory <- struct{}{}
	require.Equal(t, model.ReasonMemoryLimit, waitReason(t, s))
	require.EqualValues(t, 1, term.calls.Load())
}

func TestTerminateFailureStillReports(t *testing.T) {
	term := &countingTerminator{err: errors.New("isolate gone")}
	memory := make(chan struct{}, 1)
	memory <- struct{}{}
	s := supervisor.Start(supervisor.Options{
		Config:     config(nil),
		Terminator: term,
		Memory:     memory,
		Logger:     quietLogger(),
	})
	require.Equal(t, model.ReasonMemoryLimit, waitReason(t, s))
}

func TestStopIsIdempotentAndDoesNotTerminate(t *testing.T) {
	term := &countingTerminator{}
	s := supervisor.Start(supervisor.Options{
		Config:     config(func(c *model.RuntimeConfig) { c.WorkerTimeoutMS = 60_000 }),
		Terminator: term,
		Logger:     quietLogger(),
	})
	s.Stop()
	s.Stop()
	require.Equal(t, model.ReasonDropped, waitReason(t, s))
	require.Zero(t, term.calls.Load())
}

func TestClosedAlarmChannelIsIgnored(t *testing.T) {
	alarms := make(chan struct{})
	close(alarms)
	s := supervisor.Start(supervisor.Options{
		Config: config(nil),
		Alarms: alarms,
		Logger: quietLogger(),
	})
	requireRunning(t, s)
	s.Stop()
	require.Equal(t, model.ReasonDropped, waitReason(t, s))
}

func TestExactlyOneReasonUnderRace(t *testing.T) {
	for i := 0; i < 200; i++ {
		term := &countingTerminator{}
		memory := make(chan struct{}, 1)
		alarms := make(chan struct{}, 1)
		s := supervisor.Start(supervisor.Options{
			Config: config(func(c *model.RuntimeConfig) {
				c.WorkerTimeoutMS = 1
				c.CPUBurstIntervalMS = 0
				c.MaxCPUBursts = 0
			}),
			Terminator: term,
			Alarms:     alarms,
			Memory:     memory,
			Logger:     quietLogger(),
		})

		var wg sync.WaitGroup
		wg.Add(3)
		go func() { defer wg.Done(); memory <- struct{}{} }()
		go func() { defer wg.Done(); alarms <- struct{}{} }()
		go func() { defer wg.Done(); s.Stop() }()
		wg.Wait()

		r := waitReason(t, s)
		select {
		case extra := <-s.Done():
			t.Fatalf("second reason %q after %q", extra, r)
		case <-time.After(time.Millisecond):
		}
		if r.IsLimit() {
			require.EqualValues(t, 1, term.calls.Load())
		} else {
			require.Equal(t, model.ReasonDropped, r)
			require.Zero(t, term.calls.Load())
		}
	}
}

func TestHeapCallbackGrantsGraceAndNotifies(t *testing.T) {
	notify := make(chan struct{}, 1)
	cb := supervisor.HeapCallback(config(nil), notify)

	require.Equal(t, uint64(500), cb(100))
	select {
	case <-notify:
	default:
		t.Fatal("no memory notification")
	}

	// The notification channel is full; the callback must not block.
	notify <- struct{}{}
	done := make(chan uint64, 1)
	go func() { done <- cb(500) }()
	select {
	case v := <-done:
		require.Equal(t, uint64(2500), v)
	case <-time.After(time.Second):
		t.Fatal("heap callback blocked on a full channel")
	}
}

func TestHeapCallbackBoundedExtensions(t *testing.T) {
	cb := supervisor.HeapCallback(config(func(c *model.RuntimeConfig) {
		c.LowMemoryMultiplier = 2
		c.MaxHeapGraceExtensions = 2
	}), make(chan struct{}, 1))

	require.Equal(t, uint64(20), cb(10))
	require.Equal(t, uint64(40), cb(20))
	require.Equal(t, uint64(40), cb(40))
}

func TestHeapCallbackClampsOverflow(t *testing.T) {
	cb := supervisor.HeapCallback(config(nil), make(chan struct{}, 1))
	require.Equal(t, uint64(math.MaxUint64), cb(math.MaxUint64/2))
}
