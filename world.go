package ecs

import "github.com/pkg/errors"

type WorldOption func(*World)

// NewWorld constructs a world with default registries and providers.
// The simulation world and the render world are both plain Worlds.
func NewWorld(opts ...WorldOption) *World {
	w := &World{
		registry:  NewEntityRegistry(),
		storage:   newStorageProvider(),
		resources: newResourceContainer(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// WithEntityRegistry overrides the default registry.
func WithEntityRegistry(registry *EntityRegistry) WorldOption {
	return func(w *World) {
		if registry != nil {
			w.registry = registry
		}
	}
}

// WithStorageProvider overrides the default storage provider.
func WithStorageProvider(provider StorageProvider) WorldOption {
	return func(w *World) {
		if provider != nil {
			w.storage = provider
		}
	}
}

// Registry exposes the backing entity registry.
func (w *World) Registry() *EntityRegistry {
	return w.registry
}

// Resources exposes the world's frame-scoped values.
func (w *World) Resources() ResourceContainer {
	return w.resources
}

// Storage returns the storage provider used by the world.
func (w *World) Storage() StorageProvider {
	return w.storage
}

// RegisterComponent allows callers to register component storage strategies.
func (w *World) RegisterComponent(t ComponentType, strategy StorageStrategy) error {
	return w.storage.RegisterComponent(t, strategy)
}

// ViewComponent retrieves a component view by type.
func (w *World) ViewComponent(t ComponentType) (ComponentView, error) {
	return w.storage.View(t)
}

// ApplyCommands executes deferred commands against the world.
func (w *World) ApplyCommands(commands []Command) error {
	return w.storage.Apply(w, commands)
}

// Spawn allocates a new entity with no components.
func (w *World) Spawn() EntityID {
	return w.registry.Create()
}

// IsAlive reports whether id refers to a live entity of this world.
func (w *World) IsAlive(id EntityID) bool {
	return w.registry.IsAlive(id)
}

// Despawn removes every component of id and releases the entity.
func (w *World) Despawn(id EntityID) error {
	if id.IsZero() {
		return ErrZeroEntity
	}
	if !w.registry.IsAlive(id) {
		return errors.Wrapf(ErrStaleEntity, "despawn %v", id)
	}
	for _, t := range w.storage.Types() {
		view, err := w.storage.View(t)
		if err != nil {
			return err
		}
		if store, ok := view.(ComponentStore); ok {
			store.Remove(id)
		}
	}
	w.registry.Destroy(id)
	return nil
}

// Insert sets the component value of type t on a live entity.
func (w *World) Insert(id EntityID, t ComponentType, value any) error {
	if id.IsZero() {
		return ErrZeroEntity
	}
	if !w.registry.IsAlive(id) {
		return errors.Wrapf(ErrStaleEntity, "insert %s on %v", t, id)
	}
	store, err := w.writable(t)
	if err != nil {
		return err
	}
	return store.Set(id, value)
}

// Remove drops the component of type t from id, reporting whether it was present.
func (w *World) Remove(id EntityID, t ComponentType) (bool, error) {
	store, err := w.writable(t)
	if err != nil {
		return false, err
	}
	return store.Remove(id), nil
}

// Component returns the raw component value of type t for id.
func (w *World) Component(id EntityID, t ComponentType) (any, bool) {
	view, err := w.storage.View(t)
	if err != nil {
		return nil, false
	}
	return view.Get(id)
}

// Query returns the live entities carrying every listed component type, in
// ascending index order. Entities missing any type are excluded.
func (w *World) Query(types ...ComponentType) ([]EntityID, error) {
	views := make([]ComponentView, 0, len(types))
	for _, t := range types {
		view, err := w.storage.View(t)
		if err != nil {
			return nil, errors.Wrapf(err, "query %s", t)
		}
		views = append(views, view)
	}

	alive := w.registry.Alive()
	out := alive[:0]
	for _, id := range alive {
		matched := true
		for _, view := range views {
			if !view.Has(id) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, id)
		}
	}
	return out, nil
}

func (w *World) writable(t ComponentType) (ComponentStore, error) {
	view, err := w.storage.View(t)
	if err != nil {
		return nil, errors.Wrapf(err, "component %s", t)
	}
	store, ok := view.(ComponentStore)
	if !ok {
		return nil, errors.Wrapf(ErrComponentNotWritable, "component %s", t)
	}
	return store, nil
}

// Get returns the component of type t on id asserted to T.
func Get[T any](w *World, id EntityID, t ComponentType) (T, bool) {
	var zero T
	raw, ok := w.Component(id, t)
	if !ok {
		return zero, false
	}
	value, ok := raw.(T)
	if !ok {
		return zero, false
	}
	return value, true
}
