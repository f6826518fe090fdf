package ecs

import "github.com/pkg/errors"

var (
	// ErrComponentAlreadyRegistered indicates an attempt to register the same component twice.
	ErrComponentAlreadyRegistered = errors.New("ecs: component already registered")
	// ErrComponentNotRegistered signals lookup on an unknown component type.
	ErrComponentNotRegistered = errors.New("ecs: component not registered")
	// ErrNilStorageStrategy is returned when storage registration receives a nil strategy.
	ErrNilStorageStrategy = errors.New("ecs: nil storage strategy")
	// ErrNilComponentStore is returned when a strategy produces a nil store.
	ErrNilComponentStore = errors.New("ecs: strategy returned nil store")
	// ErrComponentNotWritable is returned when a registered view does not accept writes.
	ErrComponentNotWritable = errors.New("ecs: component is not writable")
	// ErrZeroEntity is returned for operations on the zero EntityID.
	ErrZeroEntity = errors.New("ecs: zero entity")
	// ErrStaleEntity is returned when an EntityID no longer refers to a live entity.
	ErrStaleEntity = errors.New("ecs: stale entity")
	// ErrWorkerPoolClosed indicates jobs cannot be submitted because the pool closed.
	ErrWorkerPoolClosed = errors.New("ecs: worker pool closed")
	// ErrJobPanicked wraps a panic recovered inside a pool job.
	ErrJobPanicked = errors.New("ecs: worker job panicked")
	// ErrDuplicateWriteAccess indicates conflicting write access to a component.
	ErrDuplicateWriteAccess = errors.New("ecs: duplicate write access to component")
	// ErrDuplicateResourceWriteAccess indicates conflicting resource write claims.
	ErrDuplicateResourceWriteAccess = errors.New("ecs: duplicate write access to resource")
	// ErrWorkGroupExists is returned when a work group ID is registered twice.
	ErrWorkGroupExists = errors.New("ecs: work group already registered")
	// ErrEmptyWorkGroupID is returned when a work group has no ID.
	ErrEmptyWorkGroupID = errors.New("ecs: work group requires non-empty ID")
)
