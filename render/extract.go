package render

import (
	"sync"

	"github.com/jinzhu/copier"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	ecs "github.com/DangerosoDavo/renderecs"
)

// Extractor mirrors renderable simulation entities into the render world.
// Its sim→render table is the only state that outlives a frame.
type Extractor struct {
	mu      sync.RWMutex
	mirrors map[ecs.EntityID]ecs.EntityID
}

// ExtractStats counts the work of one extraction pass.
type ExtractStats struct {
	Extracted int
	Created   int
	Pruned    int
}

func NewExtractor() *Extractor {
	return &Extractor{mirrors: make(map[ecs.EntityID]ecs.EntityID)}
}

// Mirror returns the render entity of a simulation entity.
func (x *Extractor) Mirror(sim ecs.EntityID) (ecs.EntityID, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	id, ok := x.mirrors[sim]
	return id, ok
}

// Len returns the number of mirrored entities.
func (x *Extractor) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.mirrors)
}

// Extract copies every simulation entity with a transform and Visible onto
// its mirror, creating mirrors as needed. Mirrors whose source is gone or no
// longer renderable are released through deferred commands, in ascending
// simulation-entity order, so the render world and the table only change
// shape at the stage barrier.
func (x *Extractor) Extract(sim, render *ecs.World, deferCmd func(ecs.Command)) (ExtractStats, error) {
	var stats ExtractStats
	ids, err := sim.Query(TransformComponent, VisibleComponent)
	if err != nil {
		return stats, err
	}

	x.mu.Lock()
	defer x.mu.Unlock()

	seen := make(map[ecs.EntityID]struct{}, len(ids))
	for _, id := range ids {
		seen[id] = struct{}{}
		mirror, created, err := x.mirrorLocked(id, render)
		if err != nil {
			return stats, err
		}
		if created {
			stats.Created++
		}
		if err := copyRenderComponents(sim, render, id, mirror); err != nil {
			return stats, err
		}
		stats.Extracted++
	}

	sources := maps.Keys(x.mirrors)
	slices.SortFunc(sources, func(a, b ecs.EntityID) int { return a.Compare(b) })
	for _, src := range sources {
		if _, ok := seen[src]; ok {
			continue
		}
		deferCmd(x.releaseCommand(src, x.mirrors[src]))
		stats.Pruned++
	}
	return stats, nil
}

// releaseCommand unmaps and despawns a mirror when applied. Entries whose
// command never applies stay mapped and are pruned by the next extraction.
func (x *Extractor) releaseCommand(src, mirror ecs.EntityID) ecs.Command {
	return ecs.CommandFunc(func(render *ecs.World) error {
		x.mu.Lock()
		defer x.mu.Unlock()
		if current, ok := x.mirrors[src]; !ok || current != mirror {
			return nil
		}
		delete(x.mirrors, src)
		if !render.IsAlive(mirror) {
			return errors.Wrapf(ErrMirrorCorrupted, "source %v mirror %v already released", src, mirror)
		}
		return ecs.NewDestroyEntityCommand(mirror).Apply(render)
	})
}

func (x *Extractor) mirrorLocked(src ecs.EntityID, render *ecs.World) (ecs.EntityID, bool, error) {
	if mirror, ok := x.mirrors[src]; ok {
		back, ok := ecs.Get[RenderWorldEntity](render, mirror, RenderWorldEntityComponent)
		if !render.IsAlive(mirror) || !ok || back.Source != src {
			return ecs.EntityID{}, false, errors.Wrapf(ErrMirrorCorrupted, "source %v mirror %v", src, mirror)
		}
		return mirror, false, nil
	}
	mirror := render.Spawn()
	if err := render.Insert(mirror, RenderWorldEntityComponent, RenderWorldEntity{Source: src}); err != nil {
		return ecs.EntityID{}, false, err
	}
	x.mirrors[src] = mirror
	return mirror, true, nil
}

func copyRenderComponents(sim, render *ecs.World, src, dst ecs.EntityID) error {
	transform, _ := ecs.Get[GlobalTransform](sim, src, TransformComponent)
	if err := render.Insert(dst, TransformComponent, transform); err != nil {
		return err
	}

	srcVisible, _ := ecs.Get[Visible](sim, src, VisibleComponent)
	var visible Visible
	if err := copier.CopyWithOption(&visible, &srcVisible, copier.Option{DeepCopy: true}); err != nil {
		return errors.Wrapf(err, "render: copy visible of %v", src)
	}
	if err := render.Insert(dst, VisibleComponent, visible); err != nil {
		return err
	}

	for _, t := range []ecs.ComponentType{MeshComponent, MaterialComponent} {
		if err := mirrorOptional(sim, render, src, dst, t); err != nil {
			return err
		}
	}
	return nil
}

func mirrorOptional(sim, render *ecs.World, src, dst ecs.EntityID, t ecs.ComponentType) error {
	value, ok := sim.Component(src, t)
	if !ok {
		_, err := render.Remove(dst, t)
		return err
	}
	return render.Insert(dst, t, value)
}
