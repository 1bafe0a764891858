package pool

import (
	"errors"
	"fmt"

	"github.com/seantiz/kiln/internal/model"
)

// Errors returned by the front door.
var (
	ErrWorkerNotFound = errors.New("worker not found")
	ErrPoolClosed     = errors.New("worker pool closed")
)

// RoutingError reports a request for a key with no live worker.
type RoutingError struct {
	Key model.WorkerKey
}

func (e *RoutingError) Error() string {
	return fmt.Sprintf("route to worker %s: %v", e.Key, ErrWorkerNotFound)
}

func (e *RoutingError) Unwrap() error { return ErrWorkerNotFound }
