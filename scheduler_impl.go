package ecs

import (
	"context"
	"io"
	"runtime/trace"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// NewScheduler constructs a scheduler bound to the provided world.
func NewScheduler(world *World) (Scheduler, error) {
	if world == nil {
		world = NewWorld()
	}
	s := &basicScheduler{
		world:           world,
		groupStates:     make(map[WorkGroupID]*workGroupState),
		pool:            NewCommandBufferPool(),
		logger:          noopLogger{},
		observer:        noopObserver{},
		errorPolicies:   make(map[WorkGroupID]ErrorPolicy),
		componentOwners: make(map[ComponentType]WorkGroupID),
		resourceOwners:  make(map[string]WorkGroupID),
	}
	s.applyInstrumentation(InstrumentationConfig{})
	s.rebuildOrder()
	return s, nil
}

type basicScheduler struct {
	mu                sync.RWMutex
	world             *World
	groupStates       map[WorkGroupID]*workGroupState
	registrationOrder []WorkGroupID
	orderedGroups     []*workGroupState
	syncOrder         []WorkGroupID
	pool              *CommandBufferPool
	workers           *WorkerPool
	logger            Logger
	instrumentation   InstrumentationConfig
	observer          SchedulerObserver
	errorPolicies     map[WorkGroupID]ErrorPolicy
	tickIndex         uint64
	componentOwners   map[ComponentType]WorkGroupID
	resourceOwners    map[string]WorkGroupID
}

type workGroupState struct {
	id             WorkGroupID
	systems        []System
	policy         ErrorPolicy
	readSet        map[ComponentType]struct{}
	writeSet       map[ComponentType]struct{}
	resourceReads  map[string]struct{}
	resourceWrites map[string]struct{}
}

type schedulerBuilder struct {
	scheduler *basicScheduler
}

type workGroupHandle struct {
	id WorkGroupID
}

func (h workGroupHandle) ID() WorkGroupID { return h.id }

// Builder returns a builder that can mutate the scheduler configuration.
func (s *basicScheduler) Builder() SchedulerBuilder {
	return &schedulerBuilder{scheduler: s}
}

func (b *schedulerBuilder) WithSyncOrder(order []WorkGroupID) SchedulerBuilder {
	b.scheduler.mu.Lock()
	b.scheduler.syncOrder = slices.Clone(order)
	b.scheduler.rebuildOrder()
	b.scheduler.mu.Unlock()
	return b
}

// WithWorkers replaces the shared worker pool. Zero workers runs entity work inline.
func (b *schedulerBuilder) WithWorkers(count int) SchedulerBuilder {
	b.scheduler.mu.Lock()
	b.scheduler.workers.Close()
	b.scheduler.workers = NewWorkerPool(count)
	b.scheduler.mu.Unlock()
	return b
}

func (b *schedulerBuilder) WithErrorPolicy(id WorkGroupID, policy ErrorPolicy) SchedulerBuilder {
	b.scheduler.mu.Lock()
	if policy != 0 {
		b.scheduler.errorPolicies[id] = policy
	} else {
		delete(b.scheduler.errorPolicies, id)
	}
	if state, ok := b.scheduler.groupStates[id]; ok {
		state.policy = b.scheduler.resolvePolicy(id, policy)
	}
	b.scheduler.mu.Unlock()
	return b
}

func (b *schedulerBuilder) WithInstrumentation(cfg InstrumentationConfig) SchedulerBuilder {
	b.scheduler.mu.Lock()
	b.scheduler.applyInstrumentation(cfg)
	b.scheduler.mu.Unlock()
	return b
}

func (b *schedulerBuilder) WithLogger(logger Logger) SchedulerBuilder {
	b.scheduler.mu.Lock()
	if logger == nil {
		logger = noopLogger{}
	}
	b.scheduler.logger = logger
	b.scheduler.observer = buildObserverChain(logger, b.scheduler.instrumentation)
	b.scheduler.mu.Unlock()
	return b
}

func (b *schedulerBuilder) Build(world *World) (Scheduler, error) {
	b.scheduler.mu.Lock()
	defer b.scheduler.mu.Unlock()
	if world != nil {
		b.scheduler.world = world
	} else if b.scheduler.world == nil {
		b.scheduler.world = NewWorld()
	}
	return b.scheduler, nil
}

func (s *basicScheduler) applyInstrumentation(cfg InstrumentationConfig) {
	s.instrumentation = cfg
	s.observer = buildObserverChain(s.logger, cfg)
}

func (s *basicScheduler) RegisterWorkGroup(cfg WorkGroupConfig) (WorkGroupHandle, error) {
	if cfg.ID == "" {
		return nil, ErrEmptyWorkGroupID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.groupStates[cfg.ID]; exists {
		return nil, errors.Wrapf(ErrWorkGroupExists, "%s", cfg.ID)
	}

	systems := make([]System, 0, len(cfg.Systems))
	for _, sys := range cfg.Systems {
		if sys != nil {
			systems = append(systems, sys)
		}
	}

	state, err := newWorkGroupState(cfg.ID, systems)
	if err != nil {
		return nil, err
	}
	state.policy = s.resolvePolicy(cfg.ID, cfg.ErrorPolicy)

	if err := s.checkCrossGroupConflicts(state); err != nil {
		return nil, err
	}

	s.groupStates[cfg.ID] = state
	s.registrationOrder = append(s.registrationOrder, cfg.ID)
	for comp := range state.writeSet {
		s.componentOwners[comp] = state.id
	}
	for res := range state.resourceWrites {
		s.resourceOwners[res] = state.id
	}
	s.rebuildOrder()

	return workGroupHandle{id: cfg.ID}, nil
}

func (s *basicScheduler) resolvePolicy(id WorkGroupID, supplied ErrorPolicy) ErrorPolicy {
	if supplied != 0 {
		return supplied
	}
	if policy, ok := s.errorPolicies[id]; ok {
		return policy
	}
	return ErrorPolicyAbort
}

// newWorkGroupState collects access sets and rejects two systems of one group
// writing the same component or resource.
func newWorkGroupState(id WorkGroupID, systems []System) (*workGroupState, error) {
	state := &workGroupState{
		id:             id,
		systems:        systems,
		readSet:        make(map[ComponentType]struct{}),
		writeSet:       make(map[ComponentType]struct{}),
		resourceReads:  make(map[string]struct{}),
		resourceWrites: make(map[string]struct{}),
	}
	writeOwners := make(map[ComponentType]string)
	resourceWriteOwners := make(map[string]string)
	for _, sys := range systems {
		desc := sys.Descriptor()
		name := desc.Name
		if name == "" {
			name = "<unnamed>"
		}
		for _, comp := range desc.Reads {
			state.readSet[comp] = struct{}{}
		}
		for _, comp := range desc.Writes {
			if owner, exists := writeOwners[comp]; exists {
				return nil, errors.Wrapf(ErrDuplicateWriteAccess, "%s and %s both write component %s", owner, name, comp)
			}
			writeOwners[comp] = name
			state.writeSet[comp] = struct{}{}
		}
		for _, res := range desc.Resources {
			if res.Name == "" {
				continue
			}
			state.resourceReads[res.Name] = struct{}{}
			if res.Mode != AccessModeWrite {
				continue
			}
			if owner, exists := resourceWriteOwners[res.Name]; exists {
				return nil, errors.Wrapf(ErrDuplicateResourceWriteAccess, "%s and %s both write resource %s", owner, name, res.Name)
			}
			resourceWriteOwners[res.Name] = name
			state.resourceWrites[res.Name] = struct{}{}
		}
	}
	return state, nil
}

// checkCrossGroupConflicts enforces a single writer group per component and
// resource. Readers in other groups are fine: groups never overlap in time.
func (s *basicScheduler) checkCrossGroupConflicts(state *workGroupState) error {
	for comp := range state.writeSet {
		if owner, exists := s.componentOwners[comp]; exists && owner != state.id {
			return errors.Wrapf(ErrDuplicateWriteAccess, "%s already owns component %s", owner, comp)
		}
	}
	for res := range state.resourceWrites {
		if owner, exists := s.resourceOwners[res]; exists && owner != state.id {
			return errors.Wrapf(ErrDuplicateResourceWriteAccess, "%s already owns resource %s", owner, res)
		}
	}
	return nil
}

func (s *basicScheduler) rebuildOrder() {
	ordered := make([]*workGroupState, 0, len(s.groupStates))
	seen := make(map[WorkGroupID]struct{}, len(s.groupStates))

	for _, id := range s.syncOrder {
		if state, ok := s.groupStates[id]; ok {
			ordered = append(ordered, state)
			seen[id] = struct{}{}
		}
	}

	for _, id := range s.registrationOrder {
		if _, ok := seen[id]; ok {
			continue
		}
		if state, ok := s.groupStates[id]; ok {
			ordered = append(ordered, state)
			seen[id] = struct{}{}
		}
	}

	s.orderedGroups = ordered
}

// Tick runs every work group once. Deferred commands of a group are applied
// at its barrier, before the next group starts.
func (s *basicScheduler) Tick(ctx context.Context, dt time.Duration) error {
	buf := s.pool.Get()
	defer s.pool.Put(buf)

	s.mu.RLock()
	groups := slices.Clone(s.orderedGroups)
	logger := s.logger
	world := s.world
	workers := s.workers
	tracing := s.instrumentation.EnableTrace
	tick := s.tickIndex
	s.mu.RUnlock()

	for _, group := range groups {
		if err := ctx.Err(); err != nil {
			return err
		}
		run := func() (workGroupRunSummary, error) {
			return s.runWorkGroup(ctx, group, world, dt, tick, buf, logger, workers)
		}
		var (
			summary workGroupRunSummary
			err     error
		)
		if tracing {
			trace.WithRegion(ctx, "workgroup:"+string(group.id), func() { summary, err = run() })
		} else {
			summary, err = run()
		}
		if err == nil {
			if applyErr := world.ApplyCommands(buf.Drain()); applyErr != nil {
				err = errors.Wrapf(applyErr, "ecs: work group %s barrier", group.id)
				summary.err = err
			}
		} else {
			buf.Drain()
		}
		s.publishWorkGroupSummary(summary)
		if err != nil {
			if group.policy == ErrorPolicyContinue {
				logger.Error("work group error", "group", string(group.id), "err", err)
				continue
			}
			return err
		}
	}

	s.mu.Lock()
	s.tickIndex++
	s.mu.Unlock()
	return nil
}

func (s *basicScheduler) runWorkGroup(ctx context.Context, group *workGroupState, world *World, dt time.Duration, tick uint64, buf *CommandBuffer, logger Logger, workers *WorkerPool) (workGroupRunSummary, error) {
	groupLogger := logger.With("work_group", string(group.id))
	execCtx := &systemExecutionContext{
		world:    world,
		dt:       dt,
		tick:     tick,
		logger:   groupLogger,
		workers:  workers,
		commands: buf,
	}

	summary := workGroupRunSummary{
		id:              group.id,
		tick:            tick,
		componentReads:  sortedKeys(group.readSet),
		componentWrites: sortedKeys(group.writeSet),
		resourceReads:   sortedKeys(group.resourceReads),
		resourceWrites:  sortedKeys(group.resourceWrites),
	}

	start := time.Now()
	for _, system := range group.systems {
		desc := system.Descriptor()
		summary.systemsTotal++
		systemLogger := groupLogger.With("system", desc.Name)
		execCtx.logger = systemLogger

		snapshot := buf.Snapshot()
		result := system.Run(ctx, execCtx)
		if result.Err != nil && group.policy == ErrorPolicyRetry {
			systemLogger.Error("system failed, retrying", "err", result.Err)
			buf.Restore(snapshot)
			result = system.Run(ctx, execCtx)
		}
		if result.Err != nil {
			buf.Restore(snapshot)
			err := errors.Wrapf(result.Err, "ecs: system %s failed", desc.Name)
			summary.err = err
			summary.duration = time.Since(start)
			return summary, err
		}
		summary.entitiesProcessed += result.Processed
		summary.entityFaults += result.Faults
		if result.Skipped {
			summary.systemsSkipped++
			continue
		}
		summary.systemsExecuted++
		systemLogger.Debug("system executed", "processed", result.Processed, "faults", result.Faults)
	}

	summary.duration = time.Since(start)
	return summary, nil
}

func (s *basicScheduler) publishWorkGroupSummary(summary workGroupRunSummary) {
	s.mu.RLock()
	observer := s.observer
	s.mu.RUnlock()
	if observer == nil {
		return
	}
	observer.WorkGroupCompleted(summary.toPublic())
}

type workGroupRunSummary struct {
	id                WorkGroupID
	tick              uint64
	componentReads    []ComponentType
	componentWrites   []ComponentType
	resourceReads     []string
	resourceWrites    []string
	systemsTotal      int
	systemsExecuted   int
	systemsSkipped    int
	entitiesProcessed int
	entityFaults      int
	duration          time.Duration
	err               error
}

func (summary workGroupRunSummary) toPublic() WorkGroupSummary {
	return WorkGroupSummary{
		WorkGroupID:       summary.id,
		Tick:              summary.tick,
		Duration:          summary.duration,
		SystemsTotal:      summary.systemsTotal,
		SystemsExecuted:   summary.systemsExecuted,
		SystemsSkipped:    summary.systemsSkipped,
		EntitiesProcessed: summary.entitiesProcessed,
		EntityFaults:      summary.entityFaults,
		Error:             summary.err,
		ComponentReads:    slices.Clone(summary.componentReads),
		ComponentWrites:   slices.Clone(summary.componentWrites),
		ResourceReads:     slices.Clone(summary.resourceReads),
		ResourceWrites:    slices.Clone(summary.resourceWrites),
	}
}

func sortedKeys[K ~string](set map[K]struct{}) []K {
	if len(set) == 0 {
		return nil
	}
	out := maps.Keys(set)
	slices.Sort(out)
	return out
}

func (s *basicScheduler) Run(ctx context.Context, steps int, dt time.Duration) error {
	for i := 0; i < steps; i++ {
		if err := s.Tick(ctx, dt); err != nil {
			return err
		}
	}
	return nil
}

func (s *basicScheduler) RunWithTrace(ctx context.Context, w io.Writer, fn func() error) error {
	s.mu.RLock()
	enabled := s.instrumentation.EnableTrace
	s.mu.RUnlock()
	if enabled && w != nil {
		if err := trace.Start(w); err != nil {
			return err
		}
		defer trace.Stop()
	}
	return fn()
}

func (s *basicScheduler) TickIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tickIndex
}

// Close releases the worker pool.
func (s *basicScheduler) Close() {
	s.mu.Lock()
	workers := s.workers
	s.workers = nil
	s.mu.Unlock()
	workers.Close()
}

// Internal execution context used during system runs.
type systemExecutionContext struct {
	world    *World
	dt       time.Duration
	tick     uint64
	logger   Logger
	workers  *WorkerPool
	commands *CommandBuffer
}

func (c *systemExecutionContext) World() *World { return c.world }

func (c *systemExecutionContext) TimeDelta() time.Duration { return c.dt }

func (c *systemExecutionContext) TickIndex() uint64 { return c.tick }

func (c *systemExecutionContext) Logger() Logger { return c.logger }

func (c *systemExecutionContext) Workers() *WorkerPool { return c.workers }

func (c *systemExecutionContext) Defer(cmd Command) { c.commands.Push(cmd) }

type noopObserver struct{}

func (noopObserver) WorkGroupCompleted(WorkGroupSummary) {}
