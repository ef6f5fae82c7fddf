package ratemeter

import (
	"sort"
	"sync"
)

// Registry holds meters keyed by name, creating them on first use.
type Registry struct {
	mu     sync.RWMutex
	meters map[string]*Meter
	opts   []Option
}

// NewRegistry returns an empty registry. opts are applied to every meter it
// creates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		meters: make(map[string]*Meter),
		opts:   opts,
	}
}

// Get returns the meter for key, creating it if needed.
func (r *Registry) Get(key string) *Meter {
	r.mu.RLock()
	m, ok := r.meters[key]
	r.mu.RUnlock()
	if ok {
		return m
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.meters[key]; ok {
		return m
	}
	m = New(r.opts...)
	r.meters[key] = m
	return m
}

// Load returns an existing meter without creating one.
func (r *Registry) Load(key string) (*Meter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.meters[key]
	return m, ok
}

// Remove drops the meter for key.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.meters, key)
}

// Len returns the number of meters.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.meters)
}

// ForEach calls fn for every meter in key order. fn must not call back into
// the registry's mutating methods.
func (r *Registry) ForEach(fn func(key string, m *Meter)) {
	r.mu.RLock()
	keys := make([]string, 0, len(r.meters))
	for k := range r.meters {
		keys = append(keys, k)
	}
	meters := make(map[string]*Meter, len(r.meters))
	for k, m := range r.meters {
		meters[k] = m
	}
	r.mu.RUnlock()

	sort.Strings(keys)
	for _, k := range keys {
		fn(k, meters[k])
	}
}
