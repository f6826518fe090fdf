package render

import (
	"testing"

	"github.com/go-gl/mathgl/mgl32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ecs "github.com/DangerosoDavo/renderecs"
)

type extractFixture struct {
	sim, render *ecs.World
	extractor   *Extractor
	deferred    []ecs.Command
}

func newExtractFixture(t *testing.T) *extractFixture {
	t.Helper()
	f := &extractFixture{sim: ecs.NewWorld(), render: ecs.NewWorld(), extractor: NewExtractor()}
	require.NoError(t, RegisterSimulationComponents(f.sim))
	require.NoError(t, RegisterRenderComponents(f.render))
	return f
}

func (f *extractFixture) spawn(t *testing.T, pos mgl32.Vec3, visible Visible) ecs.EntityID {
	t.Helper()
	id := f.sim.Spawn()
	require.NoError(t, f.sim.Insert(id, TransformComponent, GlobalTransform{Translation: pos}))
	require.NoError(t, f.sim.Insert(id, VisibleComponent, visible))
	return id
}

// extract runs one pass and applies its deferred commands, as the stage barrier would.
func (f *extractFixture) extract(t *testing.T) ExtractStats {
	t.Helper()
	stats, err := f.extractor.Extract(f.sim, f.render, func(cmd ecs.Command) { f.deferred = append(f.deferred, cmd) })
	require.NoError(t, err)
	require.NoError(t, f.render.ApplyCommands(f.deferred))
	f.deferred = nil
	return stats
}

func TestExtractCreatesMirrors(t *testing.T) {
	f := newExtractFixture(t)
	a := f.spawn(t, mgl32.Vec3{1, 2, 3}, Visible{Bounds: Sphere(2), Occluder: true})
	require.NoError(t, f.sim.Insert(a, MeshComponent, MeshHandle("cube")))
	f.sim.Spawn() // not renderable

	stats := f.extract(t)
	assert.Equal(t, ExtractStats{Extracted: 1, Created: 1}, stats)

	mirror, ok := f.extractor.Mirror(a)
	require.True(t, ok)
	assert.True(t, f.render.IsAlive(mirror))

	back, ok := ecs.Get[RenderWorldEntity](f.render, mirror, RenderWorldEntityComponent)
	require.True(t, ok)
	assert.Equal(t, a, back.Source)

	transform, _ := ecs.Get[GlobalTransform](f.render, mirror, TransformComponent)
	assert.Equal(t, mgl32.Vec3{1, 2, 3}, transform.Translation)
	visible, _ := ecs.Get[Visible](f.render, mirror, VisibleComponent)
	assert.Equal(t, Visible{Bounds: Sphere(2), Occluder: true}, visible)
	mesh, _ := ecs.Get[MeshHandle](f.render, mirror, MeshComponent)
	assert.Equal(t, MeshHandle("cube"), mesh)
}

func TestExtractReusesMirrorAndRefreshesComponents(t *testing.T) {
	f := newExtractFixture(t)
	a := f.spawn(t, mgl32.Vec3{}, Visible{})
	require.NoError(t, f.sim.Insert(a, MaterialComponent, MaterialHandle("glass")))
	f.extract(t)
	first, _ := f.extractor.Mirror(a)

	require.NoError(t, f.sim.Insert(a, TransformComponent, GlobalTransform{Translation: mgl32.Vec3{9, 9, 9}}))
	_, err := f.sim.Remove(a, MaterialComponent)
	require.NoError(t, err)

	stats := f.extract(t)
	assert.Equal(t, ExtractStats{Extracted: 1}, stats)
	second, _ := f.extractor.Mirror(a)
	assert.Equal(t, first, second)

	transform, _ := ecs.Get[GlobalTransform](f.render, second, TransformComponent)
	assert.Equal(t, mgl32.Vec3{9, 9, 9}, transform.Translation)
	_, ok := f.render.Component(second, MaterialComponent)
	assert.False(t, ok, "components removed in the simulation are removed from the mirror")
}

func TestExtractPrunesDespawnedSources(t *testing.T) {
	f := newExtractFixture(t)
	a := f.spawn(t, mgl32.Vec3{}, Visible{})
	b := f.spawn(t, mgl32.Vec3{}, Visible{})
	c := f.spawn(t, mgl32.Vec3{}, Visible{})
	f.extract(t)
	mirrorA, _ := f.extractor.Mirror(a)
	mirrorC, _ := f.extractor.Mirror(c)

	require.NoError(t, f.sim.Despawn(a))
	_, err := f.sim.Remove(c, VisibleComponent)
	require.NoError(t, err)

	// Between the despawn and the next extraction the mirror is stale.
	back, _ := ecs.Get[RenderWorldEntity](f.render, mirrorA, RenderWorldEntityComponent)
	_, err = back.Resolve(f.sim)
	assert.ErrorIs(t, err, ErrStaleRenderWorldEntity)

	stats, err := f.extractor.Extract(f.sim, f.render, func(cmd ecs.Command) { f.deferred = append(f.deferred, cmd) })
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pruned)
	assert.Len(t, f.deferred, 2)
	assert.True(t, f.render.IsAlive(mirrorA), "pruning is deferred to the barrier")

	require.NoError(t, f.render.ApplyCommands(f.deferred))
	assert.False(t, f.render.IsAlive(mirrorA))
	assert.False(t, f.render.IsAlive(mirrorC))
	assert.Equal(t, 1, f.extractor.Len())
	_, ok := f.extractor.Mirror(b)
	assert.True(t, ok)
	_, ok = f.extractor.Mirror(a)
	assert.False(t, ok)
}

func TestExtractRecycledSimIndexGetsNewMirror(t *testing.T) {
	f := newExtractFixture(t)
	a := f.spawn(t, mgl32.Vec3{}, Visible{})
	f.extract(t)
	oldMirror, _ := f.extractor.Mirror(a)

	require.NoError(t, f.sim.Despawn(a))
	recycled := f.spawn(t, mgl32.Vec3{}, Visible{})
	require.Equal(t, a.Index(), recycled.Index())

	stats := f.extract(t)
	assert.Equal(t, ExtractStats{Extracted: 1, Created: 1, Pruned: 1}, stats)
	newMirror, ok := f.extractor.Mirror(recycled)
	require.True(t, ok)
	assert.NotEqual(t, oldMirror, newMirror)

	back, _ := ecs.Get[RenderWorldEntity](f.render, newMirror, RenderWorldEntityComponent)
	src, err := back.Resolve(f.sim)
	require.NoError(t, err)
	assert.Equal(t, recycled, src)
}

func TestExtractDetectsCorruptedMirror(t *testing.T) {
	f := newExtractFixture(t)
	a := f.spawn(t, mgl32.Vec3{}, Visible{})
	f.extract(t)
	mirror, _ := f.extractor.Mirror(a)

	// Something other than the extractor released the mirror.
	require.NoError(t, f.render.Despawn(mirror))

	_, err := f.extractor.Extract(f.sim, f.render, func(ecs.Command) {})
	assert.ErrorIs(t, err, ErrMirrorCorrupted)
}

func TestExtractFailedBarrierKeepsRemainingMirrorsForNextPass(t *testing.T) {
	f := newExtractFixture(t)
	a := f.spawn(t, mgl32.Vec3{}, Visible{})
	b := f.spawn(t, mgl32.Vec3{}, Visible{})
	f.extract(t)
	mirrorA, _ := f.extractor.Mirror(a)
	mirrorB, _ := f.extractor.Mirror(b)

	require.NoError(t, f.render.Despawn(mirrorA))
	require.NoError(t, f.sim.Despawn(a))
	require.NoError(t, f.sim.Despawn(b))

	stats, err := f.extractor.Extract(f.sim, f.render, func(cmd ecs.Command) { f.deferred = append(f.deferred, cmd) })
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Pruned)
	assert.Equal(t, 2, f.extractor.Len(), "the table changes only when the barrier applies")

	// The first release fails, so the barrier stops before releasing b.
	err = f.render.ApplyCommands(f.deferred)
	f.deferred = nil
	assert.ErrorIs(t, err, ErrMirrorCorrupted)
	assert.True(t, f.render.IsAlive(mirrorB))
	_, ok := f.extractor.Mirror(b)
	require.True(t, ok, "an unreleased mirror stays mapped")
	_, ok = f.extractor.Mirror(a)
	assert.False(t, ok)

	stats = f.extract(t)
	assert.Equal(t, ExtractStats{Pruned: 1}, stats)
	assert.False(t, f.render.IsAlive(mirrorB))
	assert.Equal(t, 0, f.extractor.Len())

	inputs, err := GatherInputs(f.render)
	require.NoError(t, err)
	assert.Empty(t, inputs, "no orphaned mirror is left to draw")
}

func TestResolveZeroSource(t *testing.T) {
	_, err := RenderWorldEntity{}.Resolve(ecs.NewWorld())
	assert.ErrorIs(t, err, ErrStaleRenderWorldEntity)
}
