// Package cputimer accounts CPU time consumed by a single OS thread and
// raises an alarm every time another threshold of CPU time has been spent.
package cputimer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// minPoll bounds how often a timer samples its clock.
const minPoll = time.Millisecond

// ErrStopped is returned by Wait after Stop was called.
var ErrStopped = errors.New("cpu timer stopped")

// Sampler reports the cumulative CPU time of the measured thread.
type Sampler func() (time.Duration, error)

// Timer polls a Sampler and signals alarms on a channel. Alarms are sent
// non-blockingly; a slow receiver sees at most one pending alarm.
type Timer struct {
	threshold time.Duration
	sample    Sampler
	alarms    chan<- struct{}

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	err      error
}

// Start begins sampling. The baseline is the CPU time at the moment Start is
// called; the first alarm fires once threshold more has been consumed.
func Start(threshold time.Duration, sample Sampler, alarms chan<- struct{}) (*Timer, error) {
	if threshold <= 0 {
		return nil, fmt.Errorf("cpu timer threshold must be positive, got %v", threshold)
	}
	base, err := sample()
	if err != nil {
		return nil, fmt.Errorf("sampling baseline cpu time: %w", err)
	}
	t := &Timer{
		threshold: threshold,
		sample:    sample,
		alarms:    alarms,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go t.run(base + threshold)
	return t, nil
}

func (t *Timer) run(next time.Duration) {
	defer close(t.done)

	poll := t.threshold / 4
	if poll < minPoll {
		poll = minPoll
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			t.err = ErrStopped
			return
		case <-ticker.C:
		}

		cur, err := t.sample()
		if err != nil {
			t.err = err
			return
		}
		if cur < next {
			continue
		}
		// Several thresholds may have elapsed since the last poll; they
		// collapse into one alarm.
		for next <= cur {
			next += t.threshold
		}
		select {
		case t.alarms <- struct{}{}:
		default:
		}
	}
}

// Stop halts sampling. It is safe to call more than once.
func (t *Timer) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

// Wait blocks until the timer exits and returns why it did.
func (t *Timer) Wait() error {
	<-t.done
	return t.err
}

// ThreadSampler returns a Sampler for thread tid of the current process. It
// reads the scheduler's run time and falls back to utime+stime from the
// thread's stat file when schedstat is unavailable.
func ThreadSampler(tid int) (Sampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("opening procfs: %w", err)
	}
	self, err := fs.Self()
	if err != nil {
		return nil, fmt.Errorf("reading self: %w", err)
	}
	thread, err := fs.Thread(self.PID, tid)
	if err != nil {
		return nil, fmt.Errorf("opening thread %d: %w", tid, err)
	}

	if _, err := thread.Schedstat(); err == nil {
		return func() (time.Duration, error) {
			s, err := thread.Schedstat()
			if err != nil {
				return 0, fmt.Errorf("reading schedstat of thread %d: %w", tid, err)
			}
			return time.Duration(s.RunningNanoseconds), nil
		}, nil
	}

	return func() (time.Duration, error) {
		st, err := thread.Stat()
		if err != nil {
			return 0, fmt.Errorf("reading stat of thread %d: %w", tid, err)
		}
		return time.Duration(st.CPUTime() * float64(time.Second)), nil
	}, nil
}
