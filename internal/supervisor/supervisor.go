// Package supervisor enforces the CPU-time, wall-clock and memory limits of
// one user worker. A supervisor races its three limit sources in a single
// select on a dedicated OS thread; the first one to fire terminates the
// isolate and decides the termination reason.
package supervisor

import (
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/kiln/internal/isolate"
	"github.com/seantiz/kiln/internal/model"
)

// Options configure a supervisor.
type Options struct {
	Key        model.WorkerKey
	Config     model.RuntimeConfig
	Terminator isolate.Terminator

	// Alarms receives one value per CPU threshold consumed by the engine.
	Alarms <-chan struct{}
	// Memory receives a value when the heap nears its limit.
	Memory <-chan struct{}

	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

// Supervisor watches one isolate until a limit fires or it is stopped.
type Supervisor struct {
	opts     Options
	done     chan model.TerminationReason
	stop     chan struct{}
	stopOnce sync.Once
}

// Start launches the supervisor. The wall-clock deadline is armed now.
func Start(opts Options) *Supervisor {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Supervisor{
		opts: opts,
		done: make(chan model.TerminationReason, 1),
		stop: make(chan struct{}),
	}

	var timer *time.Timer
	if d := opts.Config.WorkerTimeout(); d > 0 {
		timer = time.NewTimer(d)
	}
	go s.run(timer)
	return s
}

// Done yields exactly one termination reason.
func (s *Supervisor) Done() <-chan model.TerminationReason { return s.done }

// Stop drops the supervisor. If no limit fired first the reason is Dropped
// and the isolate is not terminated. Stop does not wait.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

func (s *Supervisor) run(timer *time.Timer) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	// A nil channel disables the wall-clock branch.
	var deadline <-chan time.Time
	if timer != nil {
		deadline = timer.C
		defer timer.Stop()
	}

	cfg := s.opts.Config
	log := s.opts.Logger.With("worker_key", string(s.opts.Key))

	alarms := s.opts.Alarms
	bursts := 0
	lastBurst := s.opts.Now()

	var reason model.TerminationReason
loop:
	for {
		select {
		case _, ok := <-alarms:
			if !ok {
				alarms = nil
				continue
			}
			now := s.opts.Now()
			if now.Sub(lastBurst) > cfg.CPUBurstInterval() {
				bursts++
				lastBurst = now
			}
			if bursts > cfg.MaxCPUBursts {
				reason = model.ReasonCPUTimeLimit
				log.Error("cpu time limit reached", "bursts", bursts)
				break loop
			}
		case <-deadline:
			reason = model.ReasonWallClockTimeLimit
			log.Error("wall clock duration reached", "timeout_ms", cfg.WorkerTimeoutMS)
			break loop
		case <-s.opts.Memory:
			reason = model.ReasonMemoryLimit
			log.Error("memory limit reached", "memory_limit_mb", cfg.MemoryLimitMB)
			break loop
		case <-s.stop:
			reason = model.ReasonDropped
			break loop
		}
	}

	if reason.IsLimit() && s.opts.Terminator != nil {
		if err := s.opts.Terminator.Terminate(); err != nil {
			log.Error("terminate isolate", "reason", string(reason), "error", err)
		}
	}
	s.done <- reason
}

// HeapCallback builds the near-heap-limit callback for an isolate. Each call
// notifies non-blockingly on notify and grants a grace window of current
// multiplied by the configured low-memory multiplier. Once
// MaxHeapGraceExtensions windows have been granted (when non-zero), the
// limit is returned unchanged.
func HeapCallback(cfg model.RuntimeConfig, notify chan<- struct{}) func(current uint64) uint64 {
	mult := cfg.LowMemoryMultiplier
	if mult < 1 {
		mult = 1
	}
	var granted atomic.Int64
	return func(current uint64) uint64 {
		select {
		case notify <- struct{}{}:
		default:
		}
		if n := cfg.MaxHeapGraceExtensions; n > 0 && granted.Load() >= int64(n) {
			return current
		}
		granted.Add(1)
		if current > math.MaxUint64/mult {
			return math.MaxUint64
		}
		return current * mult
	}
}
