package render

import (
	"context"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/pkg/errors"

	ecs "github.com/DangerosoDavo/renderecs"
)

// DefaultBatchSize is the number of entities handed to one pool job.
const DefaultBatchSize = 256

// VisibilityInput is the per-entity data the evaluator reads.
type VisibilityInput struct {
	Entity      ecs.EntityID
	Translation mgl32.Vec3
	Visible     Visible
}

// Fault is an entity-level failure absorbed by a stage.
type Fault struct {
	Entity ecs.EntityID
	Err    error
}

// EvaluateEntity computes one entity's visibility against views. Hidden
// entities short-circuit before any per-view work. A non-finite translation,
// bounds or order key yields an empty record and ErrInvalidTransform.
func EvaluateEntity(views []RenderView, in VisibilityInput) (FrameVisibility, error) {
	var out FrameVisibility
	if in.Visible.Hidden {
		return out, nil
	}
	if !finiteVec3(in.Translation) || !finiteBounds(in.Visible.Bounds) {
		return FrameVisibility{}, errors.Wrapf(ErrInvalidTransform, "entity %v at %v", in.Entity, in.Translation)
	}
	for i, view := range views {
		if !view.Contains(in.Translation, in.Visible.Bounds) {
			continue
		}
		order := view.Distance(in.Translation)
		if !finite(order) {
			return FrameVisibility{}, errors.Wrapf(ErrInvalidTransform, "entity %v: order overflow in view %d", in.Entity, i)
		}
		out.VisibleToViews = append(out.VisibleToViews, ViewVisibility{ViewIndex: i, Order: order})
	}
	out.FrameVisible = len(out.VisibleToViews) > 0
	return out, nil
}

func finiteBounds(b Bounds) bool {
	return finite(b.Radius) && finite(b.Width) && finite(b.Height)
}

// Evaluator runs EvaluateEntity for every input over a worker pool.
type Evaluator struct {
	BatchSize int
}

// Evaluation is the output of one evaluation pass. Records[i] belongs to the
// i-th input; faulted entities have an empty record.
type Evaluation struct {
	Records []FrameVisibility
	Faults  []Fault
}

// Evaluate splits inputs into batches on pool. Each record slot is written by
// exactly one job. The returned error is reserved for pool failures; entity
// faults are reported in Evaluation.Faults in input order.
func (e Evaluator) Evaluate(ctx context.Context, pool *ecs.WorkerPool, views []RenderView, inputs []VisibilityInput) (Evaluation, error) {
	batch := e.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	records := make([]FrameVisibility, len(inputs))
	errs := make([]error, len(inputs))
	err := pool.ParallelFor(ctx, len(inputs), batch, func(lo, hi int) {
		for i := lo; i < hi; i++ {
			records[i], errs[i] = EvaluateEntity(views, inputs[i])
		}
	})
	if err != nil {
		return Evaluation{}, errors.Wrap(err, "render: evaluate visibility")
	}

	var faults []Fault
	for i, ferr := range errs {
		if ferr != nil {
			faults = append(faults, Fault{Entity: inputs[i].Entity, Err: ferr})
		}
	}
	return Evaluation{Records: records, Faults: faults}, nil
}

// GatherInputs collects entities carrying both a transform and Visible, in
// entity order. Anything else is outside the query and never evaluated.
func GatherInputs(w *ecs.World) ([]VisibilityInput, error) {
	ids, err := w.Query(TransformComponent, VisibleComponent)
	if err != nil {
		return nil, err
	}
	inputs := make([]VisibilityInput, 0, len(ids))
	for _, id := range ids {
		transform, ok := ecs.Get[GlobalTransform](w, id, TransformComponent)
		if !ok {
			continue
		}
		visible, ok := ecs.Get[Visible](w, id, VisibleComponent)
		if !ok {
			continue
		}
		inputs = append(inputs, VisibilityInput{Entity: id, Translation: transform.Translation, Visible: visible})
	}
	return inputs, nil
}

// CommitVisibility stores this frame's records and removes records left on
// entities that were not evaluated, so no entity keeps an older frame's state.
func CommitVisibility(w *ecs.World, inputs []VisibilityInput, records []FrameVisibility) error {
	if len(inputs) != len(records) {
		return errors.Errorf("render: %d inputs but %d visibility records", len(inputs), len(records))
	}
	evaluated := make(map[ecs.EntityID]struct{}, len(inputs))
	for i, in := range inputs {
		evaluated[in.Entity] = struct{}{}
		if err := w.Insert(in.Entity, FrameVisibilityComponent, records[i]); err != nil {
			return errors.Wrapf(err, "render: commit visibility for %v", in.Entity)
		}
	}

	view, err := w.ViewComponent(FrameVisibilityComponent)
	if err != nil {
		return err
	}
	var stale []ecs.EntityID
	view.Iterate(func(id ecs.EntityID, _ any) bool {
		if _, ok := evaluated[id]; !ok {
			stale = append(stale, id)
		}
		return true
	})
	for _, id := range stale {
		if _, err := w.Remove(id, FrameVisibilityComponent); err != nil {
			return err
		}
	}
	return nil
}
