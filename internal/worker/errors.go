package worker

import (
	"errors"
	"fmt"

	"github.com/seantiz/kiln/internal/model"
)

// ErrWorkerShutdown resolves requests still queued or in flight when a worker
// is shut down.
var ErrWorkerShutdown = errors.New("worker shut down")

// BootError reports a worker that could not be created.
type BootError struct {
	Key model.WorkerKey
	Err error
}

func (e *BootError) Error() string {
	return fmt.Sprintf("boot worker %s: %v", e.Key, e.Err)
}

func (e *BootError) Unwrap() error { return e.Err }

// TransportError reports a failure carrying one request to the engine or its
// response back. Other requests to the same worker are unaffected.
type TransportError struct {
	Key model.WorkerKey
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("worker %s transport: %v", e.Key, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TerminatedError resolves requests in flight or queued when a resource limit
// terminated the worker.
type TerminatedError struct {
	Key    model.WorkerKey
	Reason model.TerminationReason
}

func (e *TerminatedError) Error() string {
	return fmt.Sprintf("worker %s terminated: %s", e.Key, e.Reason)
}
