package render

import (
	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"

	ecs "github.com/DangerosoDavo/renderecs"
)

// Spawning features used by the camera producer.
const (
	FeatureCamera3D = "camera_3d"
	FeatureCamera2D = "camera_2d"
)

// Camera2DFar is the default depth range of a 2D camera. The camera sits at
// z = Far - 0.1 so that z = 0 is nearest and larger z is farther away.
const Camera2DFar = 1000

// ViewProducer turns simulation state into render views for one frame.
type ViewProducer interface {
	Feature() string
	ProduceViews(sim *ecs.World) ([]RenderView, error)
}

// Camera3D is a perspective camera in the simulation world.
type Camera3D struct {
	Name   string
	Eye    mgl32.Vec3
	Target mgl32.Vec3
	Up     mgl32.Vec3
	FovY   float32 // radians
	Aspect float32
	Near   float32
	Far    float32
}

// DefaultCamera3D looks down -Z from the origin.
func DefaultCamera3D(name string) Camera3D {
	return Camera3D{
		Name:   name,
		Target: mgl32.Vec3{0, 0, -1},
		Up:     mgl32.Vec3{0, 1, 0},
		FovY:   mgl32.DegToRad(45),
		Aspect: 1,
		Near:   1,
		Far:    1000,
	}
}

// View builds the frustum view for the camera.
func (c Camera3D) View() (RenderView, error) {
	proj := mgl32.Perspective(c.FovY, c.Aspect, c.Near, c.Far)
	look := mgl32.LookAtV(c.Eye, c.Target, c.Up)
	frustum, err := FrustumFromMatrix(proj.Mul4(look))
	if err != nil {
		return RenderView{}, errors.Wrapf(err, "camera %q", c.Name)
	}
	return NewFrustumView(FeatureCamera3D, c.Eye, frustum), nil
}

// Camera2D is an orthographic camera looking down -Z at the XY plane.
type Camera2D struct {
	Name     string
	Position mgl32.Vec2
	Width    float32
	Height   float32
	Far      float32
}

// DefaultCamera2D returns a camera of the given viewport size.
func DefaultCamera2D(name string, width, height float32) Camera2D {
	return Camera2D{Name: name, Width: width, Height: height, Far: Camera2DFar}
}

// View builds the edges view for the camera.
func (c Camera2D) View() (RenderView, error) {
	far := c.Far
	if far == 0 {
		far = Camera2DFar
	}
	origin := mgl32.Vec3{c.Position.X(), c.Position.Y(), far - 0.1}
	v := NewEdgesView(FeatureCamera2D, origin, Edges{
		Left:   -c.Width / 2,
		Right:  c.Width / 2,
		Bottom: -c.Height / 2,
		Top:    c.Height / 2,
	})
	if err := v.Validate(); err != nil {
		return RenderView{}, errors.Wrapf(err, "camera %q", c.Name)
	}
	return v, nil
}

// CameraProducer publishes one view per Camera3D then one per Camera2D
// entity, each group in entity order.
type CameraProducer struct{}

func (CameraProducer) Feature() string { return "cameras" }

func (CameraProducer) ProduceViews(sim *ecs.World) ([]RenderView, error) {
	var views []RenderView
	for _, t := range []ecs.ComponentType{Camera3DComponent, Camera2DComponent} {
		ids, err := sim.Query(t)
		if err != nil {
			return nil, err
		}
		for _, id := range ids {
			raw, _ := sim.Component(id, t)
			var (
				v   RenderView
				err error
			)
			switch cam := raw.(type) {
			case Camera3D:
				v, err = cam.View()
			case Camera2D:
				v, err = cam.View()
			default:
				err = errors.Errorf("render: %s on %v holds %T", t, id, raw)
			}
			if err != nil {
				return nil, err
			}
			views = append(views, v)
		}
	}
	return views, nil
}

var _ ViewProducer = CameraProducer{}
