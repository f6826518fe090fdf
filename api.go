package ecs

import (
	"context"
	"io"
	"time"
)

// Scheduler runs registered work groups in order, one after another, each tick.
// Every work group boundary is a full barrier: deferred commands are applied and
// the next group starts only after the previous one returned.
type Scheduler interface {
	Tick(ctx context.Context, dt time.Duration) error
	Run(ctx context.Context, steps int, dt time.Duration) error
	RunWithTrace(ctx context.Context, w io.Writer, fn func() error) error
	RegisterWorkGroup(cfg WorkGroupConfig) (WorkGroupHandle, error)
	Builder() SchedulerBuilder
	TickIndex() uint64
	Close()
}

// SchedulerBuilder configures scheduler options prior to construction.
type SchedulerBuilder interface {
	WithSyncOrder(order []WorkGroupID) SchedulerBuilder
	WithWorkers(count int) SchedulerBuilder
	WithErrorPolicy(id WorkGroupID, policy ErrorPolicy) SchedulerBuilder
	WithInstrumentation(cfg InstrumentationConfig) SchedulerBuilder
	WithLogger(logger Logger) SchedulerBuilder
	Build(world *World) (Scheduler, error)
}

// WorkGroupConfig declares a set of systems that form one pipeline stage.
type WorkGroupConfig struct {
	ID          WorkGroupID
	Systems     []System
	ErrorPolicy ErrorPolicy
}

// WorkGroupID uniquely identifies a work group within the scheduler.
type WorkGroupID string

// WorkGroupHandle references a registered work group for future configuration.
type WorkGroupHandle interface {
	ID() WorkGroupID
}

// ErrorPolicy defines how scheduler responds to system failures.
type ErrorPolicy uint8

const (
	ErrorPolicyAbort ErrorPolicy = iota
	ErrorPolicyContinue
	ErrorPolicyRetry
)

// InstrumentationConfig configures tracing and summary sinks.
type InstrumentationConfig struct {
	EnableTrace bool
	Observer    SchedulerObserver
	Observation ObservationSettings
}

// ObservationSettings toggles built-in observer integrations.
type ObservationSettings struct {
	EnableStructuredLogging bool
	LoggingFormat           ObservationLogFormat
	StructuredLogger        Logger
	EnablePrometheus        bool
	PrometheusCollector     PrometheusCollector
	PrometheusOptions       *PrometheusCollectorOptions
}

// ObservationLogFormat controls structured logging encoding.
type ObservationLogFormat uint8

const (
	ObservationLogFormatJSON ObservationLogFormat = iota
	ObservationLogFormatKeyValue
)

// SchedulerObserver receives summaries after work groups complete.
type SchedulerObserver interface {
	WorkGroupCompleted(summary WorkGroupSummary)
}

// PrometheusCollector handles work-group summaries for Prometheus-style metrics.
type PrometheusCollector interface {
	ObserveWorkGroup(summary WorkGroupSummary)
}

type PrometheusCollectorOptions struct {
	Writer          io.Writer
	Namespace       string
	DurationBuckets []time.Duration
}

// WorkGroupSummary captures execution metadata for a work group.
type WorkGroupSummary struct {
	WorkGroupID       WorkGroupID
	Tick              uint64
	Duration          time.Duration
	SystemsTotal      int
	SystemsExecuted   int
	SystemsSkipped    int
	EntitiesProcessed int
	EntityFaults      int
	Error             error
	ComponentReads    []ComponentType
	ComponentWrites   []ComponentType
	ResourceReads     []string
	ResourceWrites    []string
}

// System represents executable logic within a work group.
type System interface {
	Descriptor() SystemDescriptor
	Run(ctx context.Context, exec ExecutionContext) SystemResult
}

// SystemDescriptor describes component and resource usage for a system.
type SystemDescriptor struct {
	Name      string
	Reads     []ComponentType
	Writes    []ComponentType
	Resources []ResourceAccess
	Tags      []string
}

// SystemResult indicates how a system behaved during execution.
// Processed and Faults count entity-level work; a fault is absorbed by the
// system and never fails the work group on its own.
type SystemResult struct {
	Skipped   bool
	Processed int
	Faults    int
	Err       error
}

// ExecutionContext supplies a system with scoped access to the world.
type ExecutionContext interface {
	World() *World
	TimeDelta() time.Duration
	TickIndex() uint64
	Logger() Logger
	Workers() *WorkerPool
	Defer(cmd Command)
}

// World encapsulates entity/component storage.
type World struct {
	registry  *EntityRegistry
	storage   StorageProvider
	resources ResourceContainer
}

// StorageProvider manages component storage backends.
type StorageProvider interface {
	RegisterComponent(ComponentType, StorageStrategy) error
	View(ComponentType) (ComponentView, error)
	Types() []ComponentType
	Apply(*World, []Command) error
}

// StorageStrategy describes how a component type is stored internally.
type StorageStrategy interface {
	Name() string
	NewStore(ComponentType) ComponentStore
}

// ComponentType identifies a component storage bucket.
type ComponentType string

// ResourceContainer holds named frame-scoped values shared by systems. Access
// is declared through SystemDescriptor.Resources.
type ResourceContainer interface {
	Get(name string) (any, bool)
	Set(name string, value any)
	Delete(name string)
	Range(func(string, any) bool)
}

// ResourceAccess declares mutable or immutable access to a frame-scoped value.
type ResourceAccess struct {
	Name string
	Mode AccessMode
}

// AccessMode indicates read or write intent when using a resource.
type AccessMode uint8

const (
	AccessModeRead AccessMode = iota
	AccessModeWrite
)

// ComponentStore permits read/write access to component instances.
type ComponentStore interface {
	ComponentView
	Set(EntityID, any) error
	Remove(EntityID) bool
	Clear()
}

// ComponentView exposes read-only iteration over stored components.
// Iterate visits entities in ascending index order.
type ComponentView interface {
	ComponentType() ComponentType
	Len() int
	Has(EntityID) bool
	Get(EntityID) (any, bool)
	Iterate(func(EntityID, any) bool)
}

// Command represents a deferred mutation applied at a work group barrier.
type Command interface {
	Apply(world *World) error
}

// Logger captures structured log output from systems.
type Logger interface {
	With(key string, value any) Logger
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}
