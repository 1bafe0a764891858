package isolate

import (
	"fmt"
	"sort"
	"sync"
)

// Capabilities describes what an engine supports.
type Capabilities struct {
	Engine             string `json:"engine"`
	CPUAccounting      bool   `json:"cpu_accounting"`
	HeapLimitCallback  bool   `json:"heap_limit_callback"`
	AsyncHandlers      bool   `json:"async_handlers"`
	MainWorkerBindings bool   `json:"main_worker_bindings"`
}

// EngineInfo pairs an engine name with its capabilities.
type EngineInfo struct {
	Name         string       `json:"name"`
	Capabilities Capabilities `json:"capabilities"`
}

type registration struct {
	caps    Capabilities
	factory Factory
}

// Registry holds the engines available to workers.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]registration
}

// NewRegistry creates an empty engine registry.
func NewRegistry() *Registry {
	return &Registry{
		engines: make(map[string]registration),
	}
}

// Register adds an engine under the given name, replacing any previous one.
func (r *Registry) Register(name string, caps Capabilities, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[name] = registration{caps: caps, factory: f}
}

// Resolve returns the factory registered under name.
func (r *Registry) Resolve(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.engines[name]
	if !ok {
		return nil, fmt.Errorf("engine %q is not registered", name)
	}
	return reg.factory, nil
}

// List returns information about all registered engines, sorted by name
// for a stable API response.
func (r *Registry) List() []EngineInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]EngineInfo, 0, len(r.engines))
	for name, reg := range r.engines {
		infos = append(infos, EngineInfo{
			Name:         name,
			Capabilities: reg.caps,
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].Name < infos[j].Name
	})
	return infos
}
