package render

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	ecs "github.com/DangerosoDavo/renderecs"
)

// DrawItem is one entry of a view's draw list.
type DrawItem struct {
	Entity   ecs.EntityID // render world
	Source   ecs.EntityID // simulation world; zero when unknown
	Order    float32
	Occluder bool
}

// DrawList is the render-ready list of one view: Items[:OpaqueCount] are
// occluders nearest first, the rest are transparent entities farthest first.
// The backend relies on that split and must draw the opaque part first.
type DrawList struct {
	ViewIndex       int
	SpawningFeature string
	Kind            ViewKind
	Items           []DrawItem
	OpaqueCount     int
}

// Opaque returns the front-to-back occluder part.
func (l DrawList) Opaque() []DrawItem {
	return l.Items[:l.OpaqueCount]
}

// Transparent returns the back-to-front part.
func (l DrawList) Transparent() []DrawItem {
	return l.Items[l.OpaqueCount:]
}

// VisibilityRecord carries what the builder needs from one entity.
type VisibilityRecord struct {
	Entity     ecs.EntityID
	Source     ecs.EntityID
	Occluder   bool
	Visibility FrameVisibility
}

// BuildDrawLists inverts per-entity visibility into one list per view. A view
// index outside views is an internal-consistency fault and fails the call.
// Equal order keys fall back to render entity order, so output depends only
// on the inputs.
func BuildDrawLists(ctx context.Context, pool *ecs.WorkerPool, views []RenderView, records []VisibilityRecord) ([]DrawList, error) {
	opaque := make([][]DrawItem, len(views))
	transparent := make([][]DrawItem, len(views))
	for _, rec := range records {
		for _, vv := range rec.Visibility.VisibleToViews {
			if vv.ViewIndex < 0 || vv.ViewIndex >= len(views) {
				return nil, errors.Wrapf(ErrViewIndexOutOfRange, "entity %v: index %d with %d views", rec.Entity, vv.ViewIndex, len(views))
			}
			item := DrawItem{Entity: rec.Entity, Source: rec.Source, Order: vv.Order, Occluder: rec.Occluder}
			if rec.Occluder {
				opaque[vv.ViewIndex] = append(opaque[vv.ViewIndex], item)
			} else {
				transparent[vv.ViewIndex] = append(transparent[vv.ViewIndex], item)
			}
		}
	}

	lists := make([]DrawList, len(views))
	err := pool.ParallelFor(ctx, len(views), 1, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			lists[i] = assembleDrawList(i, views[i], opaque[i], transparent[i])
		}
	})
	if err != nil {
		return nil, errors.Wrap(err, "render: build draw lists")
	}
	return lists, nil
}

func assembleDrawList(index int, view RenderView, opaque, transparent []DrawItem) DrawList {
	slices.SortStableFunc(opaque, func(a, b DrawItem) int {
		if c := compareOrder(a.Order, b.Order); c != 0 {
			return c
		}
		return a.Entity.Compare(b.Entity)
	})
	slices.SortStableFunc(transparent, func(a, b DrawItem) int {
		if c := compareOrder(b.Order, a.Order); c != 0 {
			return c
		}
		return a.Entity.Compare(b.Entity)
	})

	items := make([]DrawItem, 0, len(opaque)+len(transparent))
	items = append(items, opaque...)
	items = append(items, transparent...)
	return DrawList{
		ViewIndex:       index,
		SpawningFeature: view.SpawningFeature,
		Kind:            view.Kind,
		Items:           items,
		OpaqueCount:     len(opaque),
	}
}

func compareOrder(a, b float32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
