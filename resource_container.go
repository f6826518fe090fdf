package ecs

import (
	"sync"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

type resourceMap struct {
	mu     sync.RWMutex
	values map[string]any
}

func newResourceContainer() *resourceMap {
	return &resourceMap{values: make(map[string]any)}
}

func (r *resourceMap) Get(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[name]
	return v, ok
}

func (r *resourceMap) Set(name string, value any) {
	r.mu.Lock()
	r.values[name] = value
	r.mu.Unlock()
}

func (r *resourceMap) Delete(name string) {
	r.mu.Lock()
	delete(r.values, name)
	r.mu.Unlock()
}

// Range visits resources in name order over a snapshot.
func (r *resourceMap) Range(fn func(string, any) bool) {
	r.mu.RLock()
	names := maps.Keys(r.values)
	values := make(map[string]any, len(names))
	for _, name := range names {
		values[name] = r.values[name]
	}
	r.mu.RUnlock()

	slices.Sort(names)
	for _, name := range names {
		if !fn(name, values[name]) {
			return
		}
	}
}

// Resource returns the named resource of w asserted to T.
func Resource[T any](w *World, name string) (T, bool) {
	var zero T
	raw, ok := w.resources.Get(name)
	if !ok {
		return zero, false
	}
	value, ok := raw.(T)
	return value, ok
}

var _ ResourceContainer = (*resourceMap)(nil)
