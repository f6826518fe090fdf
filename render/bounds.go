package render

import (
	"github.com/chewxy/math32"
	"github.com/go-gl/mathgl/mgl32"
)

// BoundsKind selects the shape of a Bounds value.
type BoundsKind uint8

const (
	BoundsSphere BoundsKind = iota
	BoundsRect
)

// Bounds is the shape tested against views, centred on the entity translation.
// The zero value is a sphere of radius 0, i.e. a point.
type Bounds struct {
	Kind   BoundsKind
	Radius float32
	Width  float32
	Height float32
}

// Sphere returns spherical bounds.
func Sphere(radius float32) Bounds {
	return Bounds{Kind: BoundsSphere, Radius: radius}
}

// Rect returns an axis-aligned rectangle in the XY plane.
func Rect(width, height float32) Bounds {
	return Bounds{Kind: BoundsRect, Width: width, Height: height}
}

// extentAlong is the projected half-size of the bounds on unit direction n.
func (b Bounds) extentAlong(n mgl32.Vec3) float32 {
	switch b.Kind {
	case BoundsRect:
		return math32.Abs(n.X())*math32.Abs(b.Width)/2 + math32.Abs(n.Y())*math32.Abs(b.Height)/2
	default:
		return math32.Abs(b.Radius)
	}
}

func (b Bounds) halfExtents2D() (float32, float32) {
	switch b.Kind {
	case BoundsRect:
		return math32.Abs(b.Width) / 2, math32.Abs(b.Height) / 2
	default:
		r := math32.Abs(b.Radius)
		return r, r
	}
}
