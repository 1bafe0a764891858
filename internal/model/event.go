package model

import "time"

// TerminationReason is the outcome of a supervisor race.
type TerminationReason string

// Termination reasons. Dropped means the supervisor was stopped by its owner
// rather than by a limit.
const (
	ReasonCPUTimeLimit       TerminationReason = "cpu_time_limit"
	ReasonWallClockTimeLimit TerminationReason = "wall_clock_time_limit"
	ReasonMemoryLimit        TerminationReason = "memory_limit"
	ReasonDropped            TerminationReason = "dropped"
)

// IsLimit reports whether r was caused by a resource limit.
func (r TerminationReason) IsLimit() bool {
	switch r {
	case ReasonCPUTimeLimit, ReasonWallClockTimeLimit, ReasonMemoryLimit:
		return true
	}
	return false
}

// EventKind classifies a WorkerEvent.
type EventKind string

// Event kinds.
const (
	EventBoot               EventKind = "boot"
	EventBootFailure        EventKind = "boot_failure"
	EventCPUTimeLimit       EventKind = "cpu_time_limit"
	EventWallClockTimeLimit EventKind = "wall_clock_time_limit"
	EventMemoryLimit        EventKind = "memory_limit"
	EventShutdown           EventKind = "shutdown"
)

// EventKindFor maps a termination reason to the event reported for it.
// Dropped maps to EventShutdown.
func EventKindFor(r TerminationReason) EventKind {
	switch r {
	case ReasonCPUTimeLimit:
		return EventCPUTimeLimit
	case ReasonWallClockTimeLimit:
		return EventWallClockTimeLimit
	case ReasonMemoryLimit:
		return EventMemoryLimit
	}
	return EventShutdown
}

// WorkerEvent is one entry of the worker lifecycle feed.
type WorkerEvent struct {
	ID          string            `json:"id"`
	Kind        EventKind         `json:"kind"`
	WorkerKey   WorkerKey         `json:"worker_key"`
	WorkerKind  WorkerKind        `json:"worker_kind"`
	ServicePath string            `json:"service_path,omitempty"`
	ExecutionID string            `json:"execution_id,omitempty"`
	BootTimeMS  int64             `json:"boot_time_ms,omitempty"`
	ElapsedMS   int64             `json:"elapsed_ms,omitempty"`
	Reason      TerminationReason `json:"reason,omitempty"`
	Message     string            `json:"message,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// NewEvent returns an event of the given kind stamped with a fresh ID and the
// current time.
func NewEvent(kind EventKind, key WorkerKey, wk WorkerKind) WorkerEvent {
	return WorkerEvent{
		ID:         NewID(),
		Kind:       kind,
		WorkerKey:  key,
		WorkerKind: wk,
		CreatedAt:  time.Now().UTC(),
	}
}
