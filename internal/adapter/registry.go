package adapter

import (
	"fmt"
	"sort"
	"sync"
)

// Factory creates a new Adapter instance.
type Factory func() Adapter

// Registry maps adapter kinds to factories. Lookup is a constant-time map
// access; registration normally happens once at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates a new empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register registers an adapter factory for a kind. Registering the same
// kind twice replaces the earlier factory.
func (r *Registry) Register(kind string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = factory
}

// Lookup returns a fresh adapter for the given kind.
func (r *Registry) Lookup(kind string) (Adapter, error) {
	r.mu.RLock()
	factory, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q (available: %v)", ErrUnknownAdapter, kind, r.Kinds())
	}
	return factory(), nil
}

// Kinds returns the registered adapter kinds, sorted.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
