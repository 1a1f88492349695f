package pool

import (
	"sort"
	"sync"
)

// Registry maps function ids to their pools. Pools are created on first use
// and live as long as the registry.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*Pool
	// defaultMaxProcesses applies to pools created without an explicit cap.
	defaultMaxProcesses int64
}

func NewRegistry(defaultMaxProcesses int64) *Registry {
	return &Registry{
		pools:               make(map[string]*Pool),
		defaultMaxProcesses: defaultMaxProcesses,
	}
}

// Get returns the pool of functionID, creating it with the default cap.
func (r *Registry) Get(functionID string) *Pool {
	return r.GetWithLimit(functionID, 0)
}

// GetWithLimit returns the pool of functionID, creating it with maxProcesses
// (0 falls back to the default cap). The cap of an existing pool is not changed.
func (r *Registry) GetWithLimit(functionID string, maxProcesses int64) *Pool {
	r.mu.RLock()
	p, ok := r.pools[functionID]
	r.mu.RUnlock()
	if ok {
		return p
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pools[functionID]; ok {
		return p
	}
	if maxProcesses <= 0 {
		maxProcesses = r.defaultMaxProcesses
	}
	p = newPool(functionID, maxProcesses)
	r.pools[functionID] = p
	return p
}

// Lookup returns the pool of functionID without creating it.
func (r *Registry) Lookup(functionID string) (*Pool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pools[functionID]
	return p, ok
}

// FunctionIDs lists the functions that have a pool, sorted.
func (r *Registry) FunctionIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.pools))
	for id := range r.pools {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
