package service

import (
	"sort"
	"sync"

	"chatgateway/pkg/adapter"
)

// Registry maps platform keys to live adapter instances. The queue
// worker, the webhook handlers, and the config applicator all resolve
// adapters through it.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]adapter.Adapter
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]adapter.Adapter)}
}

// Register adds an adapter under its own platform id. Last write wins.
func (r *Registry) Register(a adapter.Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[a.PlatformID()] = a
}

// Get resolves a platform key.
func (r *Registry) Get(platform string) (adapter.Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[platform]
	return a, ok
}

// Platforms returns the registered platform keys, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.adapters))
	for k := range r.adapters {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
