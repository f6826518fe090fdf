package render

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	ecs "github.com/DangerosoDavo/renderecs"
)

// Work groups of the frame pipeline, run in this order with a full barrier
// between each.
const (
	StageExtract  ecs.WorkGroupID = "extract"
	StageEvaluate ecs.WorkGroupID = "evaluate"
	StageOrder    ecs.WorkGroupID = "order"
)

// Render-world resources holding the frame's frozen views and its draw lists.
const (
	ResourceViews     = "views"
	ResourceDrawLists = "draw_lists"
)

// FrameState is the position of the pipeline in the current frame.
type FrameState uint32

const (
	StateIdle FrameState = iota
	StateExtracting
	StateEvaluating
	StateOrdering
	StatePublished
)

func (s FrameState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateExtracting:
		return "extracting"
	case StateEvaluating:
		return "evaluating"
	case StateOrdering:
		return "ordering"
	case StatePublished:
		return "published"
	default:
		return fmt.Sprintf("FrameState(%d)", uint32(s))
	}
}

// next is the only forward transition out of each state. Any state may also
// fall back to Idle when a frame is abandoned.
var next = map[FrameState]FrameState{
	StateIdle:       StateExtracting,
	StateExtracting: StateEvaluating,
	StateEvaluating: StateOrdering,
	StateOrdering:   StatePublished,
	StatePublished:  StateIdle,
}

// FrameStats counts the work of one frame.
type FrameStats struct {
	Extracted int
	Created   int
	Pruned    int
	Evaluated int
	Visible   int
}

// Frame is the published result of one frame.
type Frame struct {
	Index     uint64
	Views     []RenderView
	DrawLists []DrawList
	Faults    []Fault
	Stats     FrameStats
}

// frameContext is the per-entity working state threaded through the stages of
// one frame. Views and draw lists travel as render-world resources.
type frameContext struct {
	index   uint64
	inputs  []VisibilityInput
	records []FrameVisibility
	faults  []Fault
	stats   FrameStats
}

type frameKey struct{}

func withFrame(ctx context.Context, f *frameContext) context.Context {
	return context.WithValue(ctx, frameKey{}, f)
}

func frameFrom(ctx context.Context) (*frameContext, error) {
	f, ok := ctx.Value(frameKey{}).(*frameContext)
	if !ok || f == nil {
		return nil, errors.New("render: stage run outside a frame")
	}
	return f, nil
}

// Pipeline drives extraction, visibility evaluation and draw ordering once
// per Frame call.
type Pipeline struct {
	sim       *ecs.World
	render    *ecs.World
	views     *ViewRegistry
	producers []ViewProducer
	extractor *Extractor
	evaluator Evaluator
	scheduler ecs.Scheduler
	logger    ecs.Logger
	metrics   *ecs.PrometheusWorkGroupCollector

	state   atomic.Uint32
	running atomic.Bool

	mu         sync.RWMutex
	frameIndex uint64
	published  *Frame
}

type options struct {
	workers         int
	batchSize       int
	logger          ecs.Logger
	producers       []ViewProducer
	registry        *ViewRegistry
	instrumentation ecs.InstrumentationConfig
	metrics         *ecs.PrometheusCollectorOptions
}

// Option configures a Pipeline.
type Option func(*options)

// WithWorkers sets the size of the shared worker pool. Zero runs inline.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithBatchSize sets how many entities one pool job evaluates.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

func WithLogger(l ecs.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithProducers registers camera-side producers run at the start of every frame.
func WithProducers(producers ...ViewProducer) Option {
	return func(o *options) { o.producers = append(o.producers, producers...) }
}

// WithViewRegistry shares an existing registry with external publishers.
func WithViewRegistry(r *ViewRegistry) Option {
	return func(o *options) { o.registry = r }
}

func WithInstrumentation(cfg ecs.InstrumentationConfig) Option {
	return func(o *options) { o.instrumentation = cfg }
}

// WithMetrics enables the Prometheus text collector for the stages.
func WithMetrics(opts ecs.PrometheusCollectorOptions) Option {
	return func(o *options) { o.metrics = &opts }
}

// NewPipeline registers the render components on both worlds and wires the
// three stages into a scheduler bound to the render world.
func NewPipeline(sim, render *ecs.World, opts ...Option) (*Pipeline, error) {
	if sim == nil || render == nil {
		return nil, errors.New("render: pipeline needs a simulation and a render world")
	}
	o := options{batchSize: DefaultBatchSize}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = ecs.NewSlogLogger(nil)
	}
	if o.registry == nil {
		o.registry = NewViewRegistry()
	}
	if err := RegisterSimulationComponents(sim); err != nil {
		return nil, err
	}
	if err := RegisterRenderComponents(render); err != nil {
		return nil, err
	}

	p := &Pipeline{
		sim:       sim,
		render:    render,
		views:     o.registry,
		producers: o.producers,
		extractor: NewExtractor(),
		evaluator: Evaluator{BatchSize: o.batchSize},
		logger:    o.logger,
	}

	instrumentation := o.instrumentation
	if o.metrics != nil {
		collector := ecs.NewPrometheusWorkGroupCollector(o.metrics)
		p.metrics = collector.(*ecs.PrometheusWorkGroupCollector)
		instrumentation.Observation.EnablePrometheus = true
		instrumentation.Observation.PrometheusCollector = collector
	}

	scheduler, err := ecs.NewScheduler(render)
	if err != nil {
		return nil, err
	}
	scheduler, err = scheduler.Builder().
		WithLogger(o.logger).
		WithInstrumentation(instrumentation).
		WithWorkers(o.workers).
		WithSyncOrder([]ecs.WorkGroupID{StageExtract, StageEvaluate, StageOrder}).
		Build(render)
	if err != nil {
		return nil, err
	}
	groups := []ecs.WorkGroupConfig{
		{ID: StageExtract, Systems: []ecs.System{extractStage{p}}},
		{ID: StageEvaluate, Systems: []ecs.System{evaluateStage{p}}},
		{ID: StageOrder, Systems: []ecs.System{orderStage{p}}},
	}
	for _, g := range groups {
		if _, err := scheduler.RegisterWorkGroup(g); err != nil {
			scheduler.Close()
			return nil, err
		}
	}
	p.scheduler = scheduler
	return p, nil
}

// Views exposes the registry producers publish into.
func (p *Pipeline) Views() *ViewRegistry { return p.views }

// Extractor exposes the mirror table.
func (p *Pipeline) Extractor() *Extractor { return p.extractor }

// RenderWorld returns the render-side entity store.
func (p *Pipeline) RenderWorld() *ecs.World { return p.render }

// State returns the current frame state.
func (p *Pipeline) State() FrameState { return FrameState(p.state.Load()) }

// Frame runs one frame to completion. ctx is only consulted before the frame
// starts; once running, the frame is not cancellable. Entity faults are
// reported in the returned Frame. A non-nil error means an internal fault: the
// frame was abandoned and the previously published frame is kept.
func (p *Pipeline) Frame(ctx context.Context) (*Frame, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrFrameInProgress
	}
	defer p.running.Store(false)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.mu.RLock()
	f := &frameContext{index: p.frameIndex + 1}
	p.mu.RUnlock()

	if err := p.scheduler.Tick(withFrame(context.WithoutCancel(ctx), f), 0); err != nil {
		p.abandon(f, err)
		return nil, err
	}
	if err := p.transition(StateOrdering, StatePublished); err != nil {
		p.abandon(f, err)
		return nil, err
	}

	views, _ := ecs.Resource[[]RenderView](p.render, ResourceViews)
	lists, _ := ecs.Resource[[]DrawList](p.render, ResourceDrawLists)
	out := &Frame{
		Index:     f.index,
		Views:     views,
		DrawLists: lists,
		Faults:    f.faults,
		Stats:     f.stats,
	}
	p.mu.Lock()
	p.frameIndex = f.index
	p.published = out
	p.mu.Unlock()

	p.views.thaw()
	if err := p.transition(StatePublished, StateIdle); err != nil {
		return nil, err
	}
	p.logger.Debug("frame published", "frame", f.index, "views", len(views), "visible", f.stats.Visible, "faults", len(f.faults))
	return out, nil
}

func (p *Pipeline) abandon(f *frameContext, err error) {
	p.render.Resources().Delete(ResourceViews)
	p.render.Resources().Delete(ResourceDrawLists)
	p.state.Store(uint32(StateIdle))
	p.views.thaw()
	p.mu.Lock()
	p.frameIndex = f.index
	p.mu.Unlock()
	p.logger.Error("frame abandoned", "frame", f.index, "err", err)
}

func (p *Pipeline) transition(from, to FrameState) error {
	if next[from] != to || !p.state.CompareAndSwap(uint32(from), uint32(to)) {
		return errors.Wrapf(ErrIllegalStateTransition, "%s -> %s (current %s)", from, to, p.State())
	}
	return nil
}

// Published returns the last successfully published frame, or nil.
func (p *Pipeline) Published() *Frame {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.published
}

// DrawLists returns the draw lists of the last published frame.
func (p *Pipeline) DrawLists() []DrawList {
	if f := p.Published(); f != nil {
		return slices.Clone(f.DrawLists)
	}
	return nil
}

// Faults returns the entity faults of the last published frame.
func (p *Pipeline) Faults() []Fault {
	if f := p.Published(); f != nil {
		return slices.Clone(f.Faults)
	}
	return nil
}

// Visibility returns the visibility record of a simulation entity's mirror.
func (p *Pipeline) Visibility(sim ecs.EntityID) (FrameVisibility, bool) {
	mirror, ok := p.extractor.Mirror(sim)
	if !ok {
		return FrameVisibility{}, false
	}
	return p.RenderVisibility(mirror)
}

// RenderVisibility returns the visibility record of a render entity.
func (p *Pipeline) RenderVisibility(id ecs.EntityID) (FrameVisibility, bool) {
	return ecs.Get[FrameVisibility](p.render, id, FrameVisibilityComponent)
}

// WriteMetrics renders stage metrics when WithMetrics was given.
func (p *Pipeline) WriteMetrics(w io.Writer) error {
	if p.metrics == nil {
		return nil
	}
	return p.metrics.WriteMetrics(w)
}

// RunWithTrace wraps fn in a runtime trace when tracing is enabled.
func (p *Pipeline) RunWithTrace(ctx context.Context, w io.Writer, fn func() error) error {
	return p.scheduler.RunWithTrace(ctx, w, fn)
}

// Close stops the worker pool.
func (p *Pipeline) Close() {
	p.scheduler.Close()
}

type extractStage struct{ p *Pipeline }

func (extractStage) Descriptor() ecs.SystemDescriptor {
	return ecs.SystemDescriptor{
		Name:      "extract",
		Writes:    []ecs.ComponentType{TransformComponent, VisibleComponent, MeshComponent, MaterialComponent, RenderWorldEntityComponent},
		Resources: []ecs.ResourceAccess{{Name: ResourceViews, Mode: ecs.AccessModeWrite}},
	}
}

func (s extractStage) Run(ctx context.Context, exec ecs.ExecutionContext) ecs.SystemResult {
	p := s.p
	f, err := frameFrom(ctx)
	if err != nil {
		return ecs.SystemResult{Err: err}
	}
	if err := p.transition(StateIdle, StateExtracting); err != nil {
		return ecs.SystemResult{Err: err}
	}

	if len(p.producers) > 0 {
		var views []RenderView
		for _, producer := range p.producers {
			produced, err := producer.ProduceViews(p.sim)
			if err != nil {
				return ecs.SystemResult{Err: errors.Wrapf(err, "producer %s", producer.Feature())}
			}
			views = append(views, produced...)
		}
		if err := p.views.Publish(views); err != nil {
			return ecs.SystemResult{Err: err}
		}
	}

	stats, err := p.extractor.Extract(p.sim, exec.World(), exec.Defer)
	if err != nil {
		return ecs.SystemResult{Err: err}
	}
	f.stats.Extracted, f.stats.Created, f.stats.Pruned = stats.Extracted, stats.Created, stats.Pruned
	views := p.views.freeze()
	exec.World().Resources().Set(ResourceViews, views)
	if len(views) == 0 {
		exec.Logger().Debug("empty view registry", "frame", f.index)
	}
	return ecs.SystemResult{Processed: stats.Extracted}
}

type evaluateStage struct{ p *Pipeline }

func (evaluateStage) Descriptor() ecs.SystemDescriptor {
	return ecs.SystemDescriptor{
		Name:      "visibility",
		Reads:     []ecs.ComponentType{TransformComponent, VisibleComponent},
		Writes:    []ecs.ComponentType{FrameVisibilityComponent},
		Resources: []ecs.ResourceAccess{{Name: ResourceViews, Mode: ecs.AccessModeRead}},
	}
}

func (s evaluateStage) Run(ctx context.Context, exec ecs.ExecutionContext) ecs.SystemResult {
	f, err := frameFrom(ctx)
	if err != nil {
		return ecs.SystemResult{Err: err}
	}
	if err := s.p.transition(StateExtracting, StateEvaluating); err != nil {
		return ecs.SystemResult{Err: err}
	}

	world := exec.World()
	views, _ := ecs.Resource[[]RenderView](world, ResourceViews)
	inputs, err := GatherInputs(world)
	if err != nil {
		return ecs.SystemResult{Err: err}
	}
	eval, err := s.p.evaluator.Evaluate(ctx, exec.Workers(), views, inputs)
	if err != nil {
		return ecs.SystemResult{Err: err}
	}
	for _, fault := range eval.Faults {
		exec.Logger().Error("entity excluded from frame", "frame", f.index, "entity", fault.Entity.String(), "err", fault.Err)
	}
	if err := CommitVisibility(world, inputs, eval.Records); err != nil {
		return ecs.SystemResult{Err: err}
	}

	f.inputs, f.records, f.faults = inputs, eval.Records, eval.Faults
	f.stats.Evaluated = len(inputs)
	for _, rec := range eval.Records {
		if rec.FrameVisible {
			f.stats.Visible++
		}
	}
	return ecs.SystemResult{Processed: len(inputs), Faults: len(eval.Faults)}
}

type orderStage struct{ p *Pipeline }

func (orderStage) Descriptor() ecs.SystemDescriptor {
	return ecs.SystemDescriptor{
		Name:  "draw_order",
		Reads: []ecs.ComponentType{FrameVisibilityComponent, VisibleComponent, RenderWorldEntityComponent},
		Resources: []ecs.ResourceAccess{
			{Name: ResourceViews, Mode: ecs.AccessModeRead},
			{Name: ResourceDrawLists, Mode: ecs.AccessModeWrite},
		},
	}
}

func (s orderStage) Run(ctx context.Context, exec ecs.ExecutionContext) ecs.SystemResult {
	f, err := frameFrom(ctx)
	if err != nil {
		return ecs.SystemResult{Err: err}
	}
	if err := s.p.transition(StateEvaluating, StateOrdering); err != nil {
		return ecs.SystemResult{Err: err}
	}

	world := exec.World()
	records := make([]VisibilityRecord, 0, len(f.inputs))
	for i, in := range f.inputs {
		back, _ := ecs.Get[RenderWorldEntity](world, in.Entity, RenderWorldEntityComponent)
		records = append(records, VisibilityRecord{
			Entity:     in.Entity,
			Source:     back.Source,
			Occluder:   in.Visible.Occluder,
			Visibility: f.records[i],
		})
	}
	views, _ := ecs.Resource[[]RenderView](world, ResourceViews)
	lists, err := BuildDrawLists(ctx, exec.Workers(), views, records)
	if err != nil {
		return ecs.SystemResult{Err: err}
	}
	world.Resources().Set(ResourceDrawLists, lists)
	return ecs.SystemResult{Processed: len(records)}
}
