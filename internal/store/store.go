package store

import (
	"context"
	"errors"

	"github.com/seantiz/kiln/internal/model"
)

// ErrInvalidTransition is returned when an event would move a worker record
// out of a final status.
var ErrInvalidTransition = errors.New("invalid status transition")

// Stats holds aggregate worker statistics.
type Stats struct {
	TotalWorkers  int            `json:"total_workers"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByKind   map[string]int `json:"count_by_kind"`
	EventsByKind  map[string]int `json:"events_by_kind"`
	AvgBootTimeMS float64        `json:"avg_boot_time_ms"`
}

// EventFilter narrows ListEvents. A zero Limit means DefaultEventLimit.
type EventFilter struct {
	WorkerKey model.WorkerKey
	Limit     int
}

// DefaultEventLimit caps event listings without an explicit limit.
const DefaultEventLimit = 100

// Store persists worker records and their lifecycle events.
type Store interface {
	// RecordEvent stores ev and applies it to the worker record of the same
	// execution.
	RecordEvent(ctx context.Context, ev *model.WorkerEvent) error
	// GetWorker returns the most recent record for key.
	GetWorker(ctx context.Context, key model.WorkerKey) (*model.WorkerRecord, error)
	ListWorkers(ctx context.Context, limit, offset int) ([]*model.WorkerRecord, int, error)
	// ListEvents returns events newest first.
	ListEvents(ctx context.Context, f EventFilter) ([]model.WorkerEvent, error)
	GetStats(ctx context.Context) (*Stats, error)
	Close() error
}
