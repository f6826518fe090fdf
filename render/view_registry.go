package render

import (
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// ViewRegistry holds the ordered views of the current frame. A view's position
// in the list is its view index for the whole frame.
//
// Camera-side producers publish before the extraction barrier. From that
// barrier until the frame returns to Idle the registry is frozen and Publish
// fails, so the evaluator always reads one consistent list.
type ViewRegistry struct {
	mu     sync.RWMutex
	views  []RenderView
	frozen bool
}

// NewViewRegistry returns an empty registry.
func NewViewRegistry() *ViewRegistry {
	return &ViewRegistry{}
}

// Publish validates views and replaces the current list with a copy of them.
// An empty list is valid.
func (r *ViewRegistry) Publish(views []RenderView) error {
	for i, v := range views {
		if err := v.Validate(); err != nil {
			return errors.Wrapf(err, "view %d", i)
		}
	}
	next := slices.Clone(views)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrViewRegistryFrozen
	}
	r.views = next
	return nil
}

// Views returns a copy of the current list in publication order.
func (r *ViewRegistry) Views() []RenderView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.views)
}

// Len returns the number of views.
func (r *ViewRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.views)
}

// Frozen reports whether a frame currently holds the registry.
func (r *ViewRegistry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// freeze locks the list against Publish and returns the snapshot the frame uses.
func (r *ViewRegistry) freeze() []RenderView {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
	return slices.Clone(r.views)
}

func (r *ViewRegistry) thaw() {
	r.mu.Lock()
	r.frozen = false
	r.mu.Unlock()
}
