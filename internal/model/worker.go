package model

import (
	"path/filepath"
	"time"
)

// WorkerKey identifies a logical worker within the pool. Service workers are
// keyed by their cleaned absolute service path; anonymous workers get a ULID.
type WorkerKey string

// anonymousKeyPrefix marks keys that were not derived from a service path.
const anonymousKeyPrefix = "anon:"

// KeyFromServicePath derives the identity of a worker serving path.
func KeyFromServicePath(path string) WorkerKey {
	if abs, err := filepath.Abs(path); err == nil {
		return WorkerKey(abs)
	}
	return WorkerKey(filepath.Clean(path))
}

// NewAnonymousKey returns a fresh key for a worker without a service path.
func NewAnonymousKey() WorkerKey {
	return WorkerKey(anonymousKeyPrefix + NewID())
}

// String implements fmt.Stringer.
func (k WorkerKey) String() string { return string(k) }

// WorkerKind selects the variant of a worker at creation time.
type WorkerKind string

// Worker kind constants.
const (
	KindMain   WorkerKind = "main"
	KindUser   WorkerKind = "user"
	KindEvents WorkerKind = "events"
)

// ValidKind reports whether kind names a known worker variant.
func ValidKind(kind WorkerKind) bool {
	switch kind {
	case KindMain, KindUser, KindEvents:
		return true
	}
	return false
}

// Worker status constants, as persisted in worker records.
const (
	StatusRunning    = "running"
	StatusFailed     = "failed"
	StatusTerminated = "terminated"
	StatusShutdown   = "shutdown"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusRunning: {
		StatusTerminated: true,
		StatusShutdown:   true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Default user worker limits.
const (
	DefaultMemoryLimitMB       = 150
	DefaultWorkerTimeoutMS     = 5 * 60 * 1000
	DefaultCPUTimeThresholdMS  = 50
	DefaultCPUBurstIntervalMS  = 100
	DefaultMaxCPUBursts        = 10
	DefaultLowMemoryMultiplier = 5
)

// RuntimeConfig holds the limits and module settings of one worker. It is
// fixed at creation time and copied by value into the worker and its
// supervisor.
type RuntimeConfig struct {
	MemoryLimitMB       int    `json:"memory_limit_mb"`
	WorkerTimeoutMS     int64  `json:"worker_timeout_ms"`
	CPUTimeThresholdMS  int64  `json:"cpu_time_threshold_ms"`
	CPUBurstIntervalMS  int64  `json:"cpu_burst_interval_ms"`
	MaxCPUBursts        int    `json:"max_cpu_bursts"`
	LowMemoryMultiplier uint64 `json:"low_memory_multiplier"`

	// MaxHeapGraceExtensions bounds how many times the near-heap-limit
	// callback enlarges the heap cap. Zero means unbounded.
	MaxHeapGraceExtensions int `json:"max_heap_grace_extensions,omitempty"`

	NoModuleCache bool              `json:"no_module_cache"`
	ImportMapPath string            `json:"import_map_path,omitempty"`
	EnvVars       map[string]string `json:"env_vars,omitempty"`
}

// DefaultRuntimeConfig returns the limits applied to user workers when the
// caller does not override them.
func DefaultRuntimeConfig() RuntimeConfig {
	return RuntimeConfig{
		MemoryLimitMB:       DefaultMemoryLimitMB,
		WorkerTimeoutMS:     DefaultWorkerTimeoutMS,
		CPUTimeThresholdMS:  DefaultCPUTimeThresholdMS,
		CPUBurstIntervalMS:  DefaultCPUBurstIntervalMS,
		MaxCPUBursts:        DefaultMaxCPUBursts,
		LowMemoryMultiplier: DefaultLowMemoryMultiplier,
	}
}

// WorkerTimeout returns the wall-clock budget. Zero disables the limit.
func (c RuntimeConfig) WorkerTimeout() time.Duration {
	return time.Duration(c.WorkerTimeoutMS) * time.Millisecond
}

// CPUTimeThreshold returns the CPU time between two CPU alarms.
func (c RuntimeConfig) CPUTimeThreshold() time.Duration {
	return time.Duration(c.CPUTimeThresholdMS) * time.Millisecond
}

// CPUBurstInterval returns the minimum spacing between two counted bursts.
func (c RuntimeConfig) CPUBurstInterval() time.Duration {
	return time.Duration(c.CPUBurstIntervalMS) * time.Millisecond
}

// WithEnv returns a copy of c whose EnvVars map is not shared with c.
func (c RuntimeConfig) WithEnv(env map[string]string) RuntimeConfig {
	cp := make(map[string]string, len(env))
	for k, v := range env {
		cp[k] = v
	}
	c.EnvVars = cp
	return c
}

// WorkerRecord is the persisted view of one worker boot.
type WorkerRecord struct {
	ID                string     `json:"id"`
	Key               WorkerKey  `json:"key"`
	Kind              WorkerKind `json:"kind"`
	ServicePath       string     `json:"service_path,omitempty"`
	ExecutionID       string     `json:"execution_id"`
	Status            string     `json:"status"`
	BootTimeMS        *int64     `json:"boot_time_ms,omitempty"`
	TerminationReason string     `json:"termination_reason,omitempty"`
	Error             string     `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// Supervised reports whether workers of this kind run under a supervisor.
func (k WorkerKind) Supervised() bool { return k == KindUser }
