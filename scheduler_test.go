package ecs_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	ecs "github.com/DangerosoDavo/renderecs"
)

type testSystem struct {
	name      string
	desc      ecs.SystemDescriptor
	executed  *[]string
	deferCmd  func(ctx ecs.ExecutionContext)
	mu        sync.Mutex
	failLimit int
	failCount int
}

type recordingObserver struct {
	mu        sync.Mutex
	summaries []ecs.WorkGroupSummary
}

func (o *recordingObserver) WorkGroupCompleted(summary ecs.WorkGroupSummary) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.summaries = append(o.summaries, summary)
}

type recordingPromCollector struct {
	mu       sync.Mutex
	observed []ecs.WorkGroupSummary
}

func (c *recordingPromCollector) ObserveWorkGroup(summary ecs.WorkGroupSummary) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observed = append(c.observed, summary)
}

func (s *testSystem) Descriptor() ecs.SystemDescriptor {
	if s.desc.Name == "" {
		s.desc.Name = s.name
	}
	return s.desc
}

func (s *testSystem) Run(_ context.Context, ctx ecs.ExecutionContext) ecs.SystemResult {
	if s.deferCmd != nil {
		s.deferCmd(ctx)
	}
	if s.executed != nil {
		s.mu.Lock()
		*s.executed = append(*s.executed, s.name)
		s.mu.Unlock()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failLimit > 0 && s.failCount < s.failLimit {
		s.failCount++
		return ecs.SystemResult{Err: fmt.Errorf("forced failure %s", s.name)}
	}
	return ecs.SystemResult{}
}

func TestSchedulerRunsGroupsInOrder(t *testing.T) {
	world := ecs.NewWorld()
	scheduler, err := ecs.NewScheduler(world)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	order := make([]string, 0)
	sysA := &testSystem{name: "A", executed: &order}
	sysB := &testSystem{name: "B", executed: &order}

	group1 := ecs.WorkGroupConfig{ID: "group1", Systems: []ecs.System{sysA}}
	group2 := ecs.WorkGroupConfig{ID: "group2", Systems: []ecs.System{sysB}}

	if _, err := scheduler.RegisterWorkGroup(group1); err != nil {
		t.Fatalf("register group1: %v", err)
	}
	if _, err := scheduler.RegisterWorkGroup(group2); err != nil {
		t.Fatalf("register group2: %v", err)
	}

	if err := scheduler.Tick(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("tick: %v", err)
	}

	if len(order) != 2 || order[0] != "A" || order[1] != "B" {
		t.Fatalf("unexpected execution order: %#v", order)
	}
}

func TestSchedulerAppliesDeferredCommands(t *testing.T) {
	world := ecs.NewWorld()
	scheduler, err := ecs.NewScheduler(world)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	var created ecs.EntityID
	sys := &testSystem{
		name: "creator",
		deferCmd: func(ctx ecs.ExecutionContext) {
			ctx.Defer(ecs.NewCreateEntityCommand(&created))
		},
	}

	cfg := ecs.WorkGroupConfig{ID: "create", Systems: []ecs.System{sys}}
	if _, err := scheduler.RegisterWorkGroup(cfg); err != nil {
		t.Fatalf("register group: %v", err)
	}

	if err := scheduler.Tick(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if created.IsZero() {
		t.Fatalf("expected deferred command to populate entity")
	}
	if !world.Registry().IsAlive(created) {
		t.Fatalf("expected entity to exist after tick")
	}
}

func TestSchedulerRejectsConflictingWritersAcrossGroups(t *testing.T) {
	world := ecs.NewWorld()
	scheduler, err := ecs.NewScheduler(world)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	writerA := &testSystem{name: "writerA", desc: ecs.SystemDescriptor{Writes: []ecs.ComponentType{"comp"}}}
	writerB := &testSystem{name: "writerB", desc: ecs.SystemDescriptor{Writes: []ecs.ComponentType{"comp"}}}

	if _, err := scheduler.RegisterWorkGroup(ecs.WorkGroupConfig{ID: "A", Systems: []ecs.System{writerA}}); err != nil {
		t.Fatalf("register writerA: %v", err)
	}

	if _, err := scheduler.RegisterWorkGroup(ecs.WorkGroupConfig{ID: "B", Systems: []ecs.System{writerB}}); err == nil {
		t.Fatalf("expected conflict when registering second writer")
	} else if !errors.Is(err, ecs.ErrDuplicateWriteAccess) {
		t.Fatalf("expected ErrDuplicateWriteAccess, got %v", err)
	}
}

func TestSchedulerRejectsResourceWriteConflicts(t *testing.T) {
	world := ecs.NewWorld()
	scheduler, err := ecs.NewScheduler(world)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	resWriterA := &testSystem{name: "resA", desc: ecs.SystemDescriptor{Resources: []ecs.ResourceAccess{{Name: "views", Mode: ecs.AccessModeWrite}}}}
	resWriterB := &testSystem{name: "resB", desc: ecs.SystemDescriptor{Resources: []ecs.ResourceAccess{{Name: "views", Mode: ecs.AccessModeWrite}}}}

	if _, err := scheduler.RegisterWorkGroup(ecs.WorkGroupConfig{ID: "resA", Systems: []ecs.System{resWriterA}}); err != nil {
		t.Fatalf("register resA: %v", err)
	}

	if _, err := scheduler.RegisterWorkGroup(ecs.WorkGroupConfig{ID: "resB", Systems: []ecs.System{resWriterB}}); err == nil {
		t.Fatalf("expected resource write conflict")
	} else if !errors.Is(err, ecs.ErrDuplicateResourceWriteAccess) {
		t.Fatalf("expected ErrDuplicateResourceWriteAccess, got %v", err)
	}
}

func TestSchedulerAllowsMultipleResourceReaders(t *testing.T) {
	world := ecs.NewWorld()
	scheduler, err := ecs.NewScheduler(world)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	readerA := &testSystem{name: "readerA", desc: ecs.SystemDescriptor{Resources: []ecs.ResourceAccess{{Name: "views", Mode: ecs.AccessModeRead}}}}
	readerB := &testSystem{name: "readerB", desc: ecs.SystemDescriptor{Resources: []ecs.ResourceAccess{{Name: "views", Mode: ecs.AccessModeRead}}}}

	if _, err := scheduler.RegisterWorkGroup(ecs.WorkGroupConfig{ID: "readerA", Systems: []ecs.System{readerA}}); err != nil {
		t.Fatalf("register readerA: %v", err)
	}

	if _, err := scheduler.RegisterWorkGroup(ecs.WorkGroupConfig{ID: "readerB", Systems: []ecs.System{readerB}}); err != nil {
		t.Fatalf("register readerB: %v", err)
	}
}

func TestSchedulerObserverReceivesSummary(t *testing.T) {
	world := ecs.NewWorld()
	scheduler, err := ecs.NewScheduler(world)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	observer := &recordingObserver{}
	prom := &recordingPromCollector{}
	if _, err := scheduler.Builder().WithInstrumentation(ecs.InstrumentationConfig{
		Observer: observer,
		Observation: ecs.ObservationSettings{
			EnablePrometheus:    true,
			PrometheusCollector: prom,
		},
	}).Build(nil); err != nil {
		t.Fatalf("configure instrumentation: %v", err)
	}

	sys := &testSystem{name: "observer"}
	if _, err := scheduler.RegisterWorkGroup(ecs.WorkGroupConfig{ID: "obs", Systems: []ecs.System{sys}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := scheduler.Tick(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("tick: %v", err)
	}

	observer.mu.Lock()
	if len(observer.summaries) != 1 {
		observer.mu.Unlock()
		t.Fatalf("expected 1 summary, got %d", len(observer.summaries))
	}
	summary := observer.summaries[0]
	observer.mu.Unlock()
	if summary.WorkGroupID != "obs" {
		t.Fatalf("unexpected work group id: %s", summary.WorkGroupID)
	}
	if summary.SystemsExecuted != 1 {
		t.Fatalf("expected 1 executed system, got %d", summary.SystemsExecuted)
	}
	prom.mu.Lock()
	if len(prom.observed) != 1 {
		prom.mu.Unlock()
		t.Fatalf("expected prom collector to observe 1 summary, got %d", len(prom.observed))
	}
	prom.mu.Unlock()
}

func TestSchedulerRetryPolicy(t *testing.T) {
	world := ecs.NewWorld()
	scheduler, err := ecs.NewScheduler(world)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	failing := &testSystem{name: "flaky", failLimit: 1}
	cfg := ecs.WorkGroupConfig{ID: "retry", Systems: []ecs.System{failing}, ErrorPolicy: ecs.ErrorPolicyRetry}
	if _, err := scheduler.RegisterWorkGroup(cfg); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := scheduler.Tick(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if failing.failCount != 1 {
		t.Fatalf("expected exactly one failure before retry success, got %d", failing.failCount)
	}
}

type funcSystem struct {
	desc ecs.SystemDescriptor
	run  func(ctx context.Context, exec ecs.ExecutionContext) ecs.SystemResult
}

func (s funcSystem) Descriptor() ecs.SystemDescriptor { return s.desc }

func (s funcSystem) Run(ctx context.Context, exec ecs.ExecutionContext) ecs.SystemResult {
	return s.run(ctx, exec)
}

func TestSchedulerAppliesCommandsAtEachBarrier(t *testing.T) {
	world := ecs.NewWorld()
	scheduler, err := ecs.NewScheduler(world)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	var created ecs.EntityID
	var seenByNextGroup bool
	producer := funcSystem{desc: ecs.SystemDescriptor{Name: "producer"}, run: func(_ context.Context, exec ecs.ExecutionContext) ecs.SystemResult {
		exec.Defer(ecs.NewCreateEntityCommand(&created))
		if !created.IsZero() {
			return ecs.SystemResult{Err: errors.New("command applied before barrier")}
		}
		return ecs.SystemResult{}
	}}
	consumer := funcSystem{desc: ecs.SystemDescriptor{Name: "consumer"}, run: func(_ context.Context, exec ecs.ExecutionContext) ecs.SystemResult {
		seenByNextGroup = exec.World().IsAlive(created)
		return ecs.SystemResult{}
	}}

	if _, err := scheduler.RegisterWorkGroup(ecs.WorkGroupConfig{ID: "first", Systems: []ecs.System{producer}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := scheduler.RegisterWorkGroup(ecs.WorkGroupConfig{ID: "second", Systems: []ecs.System{consumer}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := scheduler.Tick(context.Background(), 0); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if !seenByNextGroup {
		t.Fatalf("second group should observe commands applied at the first barrier")
	}
}

func TestSchedulerAbortDiscardsFailedGroupCommands(t *testing.T) {
	world := ecs.NewWorld()
	scheduler, _ := ecs.NewScheduler(world)

	order := make([]string, 0)
	failing := &testSystem{
		name:      "failing",
		failLimit: 1,
		deferCmd:  func(exec ecs.ExecutionContext) { exec.Defer(ecs.NewCreateEntityCommand(nil)) },
	}
	after := &testSystem{name: "after", executed: &order}
	if _, err := scheduler.RegisterWorkGroup(ecs.WorkGroupConfig{ID: "fail", Systems: []ecs.System{failing}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := scheduler.RegisterWorkGroup(ecs.WorkGroupConfig{ID: "after", Systems: []ecs.System{after}}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := scheduler.Tick(context.Background(), 0); err == nil {
		t.Fatalf("expected abort policy to surface the failure")
	}
	if world.Registry().Count() != 0 {
		t.Fatalf("commands of a failed group must not apply, got %d entities", world.Registry().Count())
	}
	if len(order) != 0 {
		t.Fatalf("later groups must not run after an abort: %v", order)
	}
	if scheduler.TickIndex() != 0 {
		t.Fatalf("failed tick should not advance the tick index")
	}
}

func TestSchedulerContinuePolicyRunsLaterGroups(t *testing.T) {
	world := ecs.NewWorld()
	scheduler, _ := ecs.NewScheduler(world)

	order := make([]string, 0)
	failing := &testSystem{name: "failing", failLimit: 1, executed: &order}
	after := &testSystem{name: "after", executed: &order}
	if _, err := scheduler.RegisterWorkGroup(ecs.WorkGroupConfig{ID: "fail", Systems: []ecs.System{failing}, ErrorPolicy: ecs.ErrorPolicyContinue}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := scheduler.RegisterWorkGroup(ecs.WorkGroupConfig{ID: "after", Systems: []ecs.System{after}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := scheduler.Tick(context.Background(), 0); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(order) != 2 || order[1] != "after" {
		t.Fatalf("unexpected execution order: %v", order)
	}
}

func TestSchedulerSyncOrderOverridesRegistration(t *testing.T) {
	world := ecs.NewWorld()
	scheduler, _ := ecs.NewScheduler(world)

	order := make([]string, 0)
	for _, name := range []string{"order", "extract", "evaluate"} {
		sys := &testSystem{name: name, executed: &order}
		if _, err := scheduler.RegisterWorkGroup(ecs.WorkGroupConfig{ID: ecs.WorkGroupID(name), Systems: []ecs.System{sys}}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	scheduler.Builder().WithSyncOrder([]ecs.WorkGroupID{"extract", "evaluate", "order"})

	if err := scheduler.Tick(context.Background(), 0); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if fmt.Sprint(order) != "[extract evaluate order]" {
		t.Fatalf("unexpected execution order: %v", order)
	}
}

func TestSchedulerSharesWorkerPool(t *testing.T) {
	world := ecs.NewWorld()
	scheduler, _ := ecs.NewScheduler(world)
	scheduler, _ = scheduler.Builder().WithWorkers(3).Build(nil)
	defer scheduler.Close()

	var size int
	var sum int64
	var mu sync.Mutex
	sys := funcSystem{desc: ecs.SystemDescriptor{Name: "sum"}, run: func(ctx context.Context, exec ecs.ExecutionContext) ecs.SystemResult {
		size = exec.Workers().Size()
		err := exec.Workers().ParallelFor(ctx, 100, 7, func(lo, hi int) {
			local := int64(0)
			for i := lo; i < hi; i++ {
				local += int64(i)
			}
			mu.Lock()
			sum += local
			mu.Unlock()
		})
		return ecs.SystemResult{Processed: 100, Err: err}
	}}
	if _, err := scheduler.RegisterWorkGroup(ecs.WorkGroupConfig{ID: "pool", Systems: []ecs.System{sys}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := scheduler.Tick(context.Background(), 0); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if size != 3 {
		t.Fatalf("expected 3 workers, got %d", size)
	}
	if sum != 4950 {
		t.Fatalf("expected sum 4950, got %d", sum)
	}
}

func TestSchedulerSummaryCountsEntityWork(t *testing.T) {
	world := ecs.NewWorld()
	scheduler, _ := ecs.NewScheduler(world)
	observer := &recordingObserver{}
	scheduler.Builder().WithInstrumentation(ecs.InstrumentationConfig{Observer: observer})

	sys := funcSystem{desc: ecs.SystemDescriptor{Name: "eval", Writes: []ecs.ComponentType{"frame_visibility"}}, run: func(context.Context, ecs.ExecutionContext) ecs.SystemResult {
		return ecs.SystemResult{Processed: 12, Faults: 2}
	}}
	if _, err := scheduler.RegisterWorkGroup(ecs.WorkGroupConfig{ID: "evaluate", Systems: []ecs.System{sys}}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := scheduler.Tick(context.Background(), 0); err != nil {
		t.Fatalf("tick: %v", err)
	}

	observer.mu.Lock()
	defer observer.mu.Unlock()
	if len(observer.summaries) != 1 {
		t.Fatalf("expected 1 summary, got %d", len(observer.summaries))
	}
	summary := observer.summaries[0]
	if summary.EntitiesProcessed != 12 || summary.EntityFaults != 2 || summary.Error != nil {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(summary.ComponentWrites) != 1 || summary.ComponentWrites[0] != "frame_visibility" {
		t.Fatalf("unexpected writes: %v", summary.ComponentWrites)
	}
}

func TestSchedulerRejectsDuplicateWritersInGroup(t *testing.T) {
	scheduler, _ := ecs.NewScheduler(ecs.NewWorld())
	a := &testSystem{name: "a", desc: ecs.SystemDescriptor{Writes: []ecs.ComponentType{"comp"}}}
	b := &testSystem{name: "b", desc: ecs.SystemDescriptor{Writes: []ecs.ComponentType{"comp"}}}
	_, err := scheduler.RegisterWorkGroup(ecs.WorkGroupConfig{ID: "group", Systems: []ecs.System{a, b}})
	if !errors.Is(err, ecs.ErrDuplicateWriteAccess) {
		t.Fatalf("expected ErrDuplicateWriteAccess, got %v", err)
	}
}

func TestSchedulerRejectsDuplicateGroupID(t *testing.T) {
	scheduler, _ := ecs.NewScheduler(ecs.NewWorld())
	if _, err := scheduler.RegisterWorkGroup(ecs.WorkGroupConfig{ID: "g"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := scheduler.RegisterWorkGroup(ecs.WorkGroupConfig{ID: "g"}); !errors.Is(err, ecs.ErrWorkGroupExists) {
		t.Fatalf("expected ErrWorkGroupExists, got %v", err)
	}
	if _, err := scheduler.RegisterWorkGroup(ecs.WorkGroupConfig{}); !errors.Is(err, ecs.ErrEmptyWorkGroupID) {
		t.Fatalf("expected ErrEmptyWorkGroupID, got %v", err)
	}
}
