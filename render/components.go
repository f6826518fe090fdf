package render

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"

	ecs "github.com/DangerosoDavo/renderecs"
	"github.com/DangerosoDavo/renderecs/ecs/storage"
)

// Component types shared by the simulation and render worlds.
const (
	TransformComponent         ecs.ComponentType = "global_transform"
	VisibleComponent           ecs.ComponentType = "visible"
	MeshComponent              ecs.ComponentType = "mesh"
	MaterialComponent          ecs.ComponentType = "material"
	Camera3DComponent          ecs.ComponentType = "camera3d"
	Camera2DComponent          ecs.ComponentType = "camera2d"
	FrameVisibilityComponent   ecs.ComponentType = "frame_visibility"
	RenderWorldEntityComponent ecs.ComponentType = "render_world_entity"
)

// GlobalTransform is an entity's world-space placement. Only the translation
// takes part in visibility.
type GlobalTransform struct {
	Translation mgl32.Vec3
}

// Visible marks an entity for visibility evaluation.
type Visible struct {
	Bounds Bounds
	// Occluder places the entity in the opaque, front-to-back bucket.
	Occluder bool
	// Hidden excludes the entity from every view.
	Hidden bool
}

// MeshHandle references a mesh asset.
type MeshHandle string

// MaterialHandle references a material asset.
type MaterialHandle string

// ViewVisibility records membership in one view of the current frame.
// ViewIndex is only meaningful against that frame's view list.
type ViewVisibility struct {
	ViewIndex int
	Order     float32
}

// FrameVisibility is rebuilt from scratch every frame.
type FrameVisibility struct {
	FrameVisible   bool
	VisibleToViews []ViewVisibility
}

// VisibleTo reports the order key for view index i.
func (v FrameVisibility) VisibleTo(i int) (float32, bool) {
	for _, vv := range v.VisibleToViews {
		if vv.ViewIndex == i {
			return vv.Order, true
		}
	}
	return 0, false
}

// RenderWorldEntity is carried by a render-world mirror and names its
// simulation counterpart. It does not keep that entity alive.
type RenderWorldEntity struct {
	Source ecs.EntityID
}

// Resolve returns the simulation entity, or ErrStaleRenderWorldEntity once it
// has been despawned.
func (r RenderWorldEntity) Resolve(sim *ecs.World) (ecs.EntityID, error) {
	if r.Source.IsZero() || !sim.IsAlive(r.Source) {
		return ecs.EntityID{}, errors.Wrapf(ErrStaleRenderWorldEntity, "source %v", r.Source)
	}
	return r.Source, nil
}

// RegisterSimulationComponents registers the component types read from the
// simulation world.
func RegisterSimulationComponents(sim *ecs.World) error {
	return registerAll(sim, map[ecs.ComponentType]ecs.StorageStrategy{
		TransformComponent: storage.NewDenseStrategy(),
		VisibleComponent:   storage.NewDenseStrategy(),
		MeshComponent:      storage.NewSharedStrategy(),
		MaterialComponent:  storage.NewSharedStrategy(),
		Camera3DComponent:  storage.NewDenseStrategy(),
		Camera2DComponent:  storage.NewDenseStrategy(),
	})
}

// RegisterRenderComponents registers the component types hosted by the render world.
func RegisterRenderComponents(render *ecs.World) error {
	return registerAll(render, map[ecs.ComponentType]ecs.StorageStrategy{
		TransformComponent:         storage.NewDenseStrategy(),
		VisibleComponent:           storage.NewDenseStrategy(),
		MeshComponent:              storage.NewSharedStrategy(),
		MaterialComponent:          storage.NewSharedStrategy(),
		FrameVisibilityComponent:   storage.NewDenseStrategy(),
		RenderWorldEntityComponent: storage.NewDenseStrategy(),
	})
}

func registerAll(w *ecs.World, strategies map[ecs.ComponentType]ecs.StorageStrategy) error {
	for t, strategy := range strategies {
		if _, err := w.ViewComponent(t); err == nil {
			continue
		}
		if err := w.RegisterComponent(t, strategy); err != nil {
			return errors.Wrapf(err, "render: register %s", t)
		}
	}
	return nil
}
