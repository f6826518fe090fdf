package render

import "github.com/pkg/errors"

var (
	// ErrInvalidTransform marks an entity whose translation or order key is not finite.
	// The entity is left out of the frame; nothing else is affected.
	ErrInvalidTransform = errors.New("render: invalid transform")
	// ErrStaleRenderWorldEntity is returned when a mirror's simulation entity is gone.
	// Extraction prunes such mirrors on its next pass.
	ErrStaleRenderWorldEntity = errors.New("render: stale render world entity")
	// ErrViewIndexOutOfRange is an internal-consistency fault and halts the frame.
	ErrViewIndexOutOfRange = errors.New("render: view index out of range")
	// ErrMirrorCorrupted is an internal-consistency fault in the mirror table.
	ErrMirrorCorrupted = errors.New("render: mirror table corrupted")
	// ErrDegeneratePlane is returned for a plane normal shorter than planeEpsilon.
	ErrDegeneratePlane = errors.New("render: degenerate plane normal")
	// ErrInvalidView is returned by view validation.
	ErrInvalidView = errors.New("render: invalid view")
	// ErrViewRegistryFrozen is returned by Publish while a frame reads the registry.
	ErrViewRegistryFrozen = errors.New("render: view registry is frozen")
	// ErrIllegalStateTransition reports a frame state machine defect.
	ErrIllegalStateTransition = errors.New("render: illegal frame state transition")
	// ErrFrameInProgress is returned when Frame is called re-entrantly.
	ErrFrameInProgress = errors.New("render: frame already in progress")
	// ErrInvalidConfig is returned by Config.Validate.
	ErrInvalidConfig = errors.New("render: invalid config")
)
