package render

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"
)

const planeEpsilon = 1e-6

// Plane is a half-space given by a normal and a point on its boundary.
// The normal points into the kept side and need not be unit length.
type Plane struct {
	Normal mgl32.Vec3
	Point  mgl32.Vec3
}

// NewPlane validates the normal before building the plane.
func NewPlane(normal, point mgl32.Vec3) (Plane, error) {
	p := Plane{Normal: normal, Point: point}
	return p, p.Validate()
}

// PlaneFromCoefficients converts ax + by + cz + d = 0 into normal/point form.
func PlaneFromCoefficients(v mgl32.Vec4) (Plane, error) {
	n := v.Vec3()
	lenSq := n.Dot(n)
	if !(lenSq > planeEpsilon*planeEpsilon) {
		return Plane{}, errors.Wrapf(ErrDegeneratePlane, "coefficients %v", v)
	}
	return NewPlane(n, n.Mul(-v.W()/lenSq))
}

func (p Plane) Validate() error {
	if !finiteVec3(p.Normal) || !finiteVec3(p.Point) {
		return errors.Wrapf(ErrDegeneratePlane, "non-finite plane %v", p)
	}
	if !(p.Normal.Len() > planeEpsilon) {
		return errors.Wrapf(ErrDegeneratePlane, "normal %v", p.Normal)
	}
	return nil
}

// SignedDistance is positive on the kept side.
func (p Plane) SignedDistance(x mgl32.Vec3) float32 {
	n := p.Normal.Normalize()
	return n.Dot(x.Sub(p.Point))
}

// Frustum holds the six bounding planes of a 3D view.
type Frustum struct {
	Near, Far, Left, Right, Bottom, Top Plane
}

// Planes returns the planes in near, far, left, right, bottom, top order.
func (f Frustum) Planes() [6]Plane {
	return [6]Plane{f.Near, f.Far, f.Left, f.Right, f.Bottom, f.Top}
}

// FrustumFromMatrix extracts the planes of a combined projection*view matrix
// with clip space in [-w, w] on every axis.
func FrustumFromMatrix(viewProj mgl32.Mat4) (Frustum, error) {
	r0, r1, r2, r3 := viewProj.Row(0), viewProj.Row(1), viewProj.Row(2), viewProj.Row(3)
	coeffs := [6]mgl32.Vec4{
		r3.Add(r2), // near
		r3.Sub(r2), // far
		r3.Add(r0), // left
		r3.Sub(r0), // right
		r3.Add(r1), // bottom
		r3.Sub(r1), // top
	}
	var planes [6]Plane
	for i, c := range coeffs {
		p, err := PlaneFromCoefficients(c)
		if err != nil {
			return Frustum{}, err
		}
		planes[i] = p
	}
	return Frustum{
		Near: planes[0], Far: planes[1],
		Left: planes[2], Right: planes[3],
		Bottom: planes[4], Top: planes[5],
	}, nil
}

// Edges bound a 2D view. They are offsets from the view origin on the X and Y axes.
type Edges struct {
	Left, Right, Bottom, Top float32
}

// ViewKind tags the geometry carried by a RenderView.
type ViewKind uint8

const (
	ViewFrustum3D ViewKind = iota + 1
	ViewEdges2D
)

func (k ViewKind) String() string {
	switch k {
	case ViewFrustum3D:
		return "frustum3d"
	case ViewEdges2D:
		return "edges2d"
	default:
		return fmt.Sprintf("ViewKind(%d)", uint8(k))
	}
}

// RenderView is one camera's testing volume for the frame. Only the field
// matching Kind is meaningful.
type RenderView struct {
	Kind            ViewKind
	SpawningFeature string
	Origin          mgl32.Vec3
	Frustum         Frustum
	Edges           Edges
}

// NewFrustumView builds a 3D view.
func NewFrustumView(feature string, origin mgl32.Vec3, frustum Frustum) RenderView {
	return RenderView{Kind: ViewFrustum3D, SpawningFeature: feature, Origin: origin, Frustum: frustum}
}

// NewEdgesView builds a 2D view.
func NewEdgesView(feature string, origin mgl32.Vec3, edges Edges) RenderView {
	return RenderView{Kind: ViewEdges2D, SpawningFeature: feature, Origin: origin, Edges: edges}
}

func (v RenderView) Validate() error {
	if !finiteVec3(v.Origin) {
		return errors.Wrapf(ErrInvalidView, "%s: non-finite origin %v", v.SpawningFeature, v.Origin)
	}
	switch v.Kind {
	case ViewFrustum3D:
		for _, p := range v.Frustum.Planes() {
			if err := p.Validate(); err != nil {
				return errors.Wrapf(err, "%s", v.SpawningFeature)
			}
		}
	case ViewEdges2D:
		e := v.Edges
		for _, x := range []float32{e.Left, e.Right, e.Bottom, e.Top} {
			if !finite(x) {
				return errors.Wrapf(ErrInvalidView, "%s: non-finite edges %+v", v.SpawningFeature, e)
			}
		}
		if e.Left > e.Right || e.Bottom > e.Top {
			return errors.Wrapf(ErrInvalidView, "%s: inverted edges %+v", v.SpawningFeature, e)
		}
	default:
		return errors.Wrapf(ErrInvalidView, "%s: unknown kind %v", v.SpawningFeature, v.Kind)
	}
	return nil
}

// Contains reports whether bounds centred at center are inside or intersect
// the view volume.
func (v RenderView) Contains(center mgl32.Vec3, bounds Bounds) bool {
	switch v.Kind {
	case ViewFrustum3D:
		for _, p := range v.Frustum.Planes() {
			if p.SignedDistance(center) < -bounds.extentAlong(p.Normal.Normalize()) {
				return false
			}
		}
		return true
	case ViewEdges2D:
		hx, hy := bounds.halfExtents2D()
		local := center.Sub(v.Origin)
		e := v.Edges
		return local.X()+hx >= e.Left && local.X()-hx <= e.Right &&
			local.Y()+hy >= e.Bottom && local.Y()-hy <= e.Top
	default:
		return false
	}
}

// Distance is the order key: Euclidean distance from the view origin.
func (v RenderView) Distance(center mgl32.Vec3) float32 {
	d := center.Sub(v.Origin)
	return math32.Sqrt(d.Dot(d))
}

func finite(x float32) bool {
	return !math32.IsNaN(x) && !math32.IsInf(x, 0)
}

func finiteVec3(v mgl32.Vec3) bool {
	return finite(v[0]) && finite(v[1]) && finite(v[2])
}
