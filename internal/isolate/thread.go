package isolate

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"
)

// thread runs tasks on a single locked OS thread. The goroutine never
// unlocks, so the thread is discarded by the Go runtime when it exits.
type thread struct {
	tid   int
	tasks chan func()

	quitOnce sync.Once
	quit     chan struct{}
	done     chan struct{}
}

// startThread launches the thread. onExit runs on the thread after the last
// task, before the thread is released.
func startThread(onExit func()) *thread {
	t := &thread{
		tasks: make(chan func()),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	ready := make(chan int)
	go func() {
		runtime.LockOSThread()
		defer close(t.done)
		ready <- unix.Gettid()
		for {
			select {
			case f := <-t.tasks:
				f()
			case <-t.quit:
				if onExit != nil {
					onExit()
				}
				return
			}
		}
	}()
	t.tid = <-ready
	return t
}

// run executes f on the thread and waits for it to return. It fails without
// running f when the thread is stopping or ctx ends before f is scheduled.
func (t *thread) run(ctx context.Context, f func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		f()
	}
	select {
	case t.tasks <- task:
	case <-t.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	<-finished
	return nil
}

// stop asks the thread to exit once the current task returns and waits.
func (t *thread) stop() {
	t.quitOnce.Do(func() { close(t.quit) })
	<-t.done
}
