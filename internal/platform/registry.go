package platform

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps platform identifiers to their adapters. It is constructed
// once at process start and passed by reference to the schedulers; there is
// no package-level registry.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter under its platform identifier, replacing any
// previous registration for the same id.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Platform()] = adapter
}

// Resolve returns the adapter for a platform id
func (r *Registry) Resolve(platformID string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	adapter, ok := r.adapters[platformID]
	if !ok {
		return nil, fmt.Errorf("%q: %w", platformID, ErrNotSupported)
	}
	return adapter, nil
}

// Platforms returns the registered platform ids, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
