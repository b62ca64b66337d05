package pluginapi

import (
	"context"

	"sleecore/pkg/domain"
)

// Well-known event types raised by the container.
const (
	EventServiceStarted = "slee.service.started"
	EventActivityEnd    = "slee.activity.end"
)

// Event is delivered to every entity attached to an activity context.
type Event struct {
	Type     string
	Payload  any
	Activity domain.ActivityContextHandle
}

// Component is the managed component contract. The container drives every
// hook; components never call them on themselves. For each container call
// the order is SetContext, Activate, Load, the work itself, Store, Verify,
// Passivate and UnsetContext. Creation runs SetContext, Initialize,
// PostCreate, Store, Verify and UnsetContext.
type Component interface {
	SetContext(EntityContext)
	UnsetContext()
	// Initialize runs once when the entity is first created, before
	// PostCreate. It sets the initial field values.
	Initialize(ctx context.Context)
	// PostCreate runs once after the entity record is created. An error
	// aborts the creation.
	PostCreate(ctx context.Context) error
	Load(ctx context.Context) error
	Store(ctx context.Context) error
	Activate(ctx context.Context)
	Passivate(ctx context.Context)
	// Verify may reject the pending mutation.
	Verify(ctx context.Context) error
	// Remove runs before the record is deleted. Errors are reported and the
	// removal still completes.
	Remove(ctx context.Context) error
	HandleEvent(ctx context.Context, ev Event) error
}

// EntityContext is the container-side handle bound to a component instance.
type EntityContext interface {
	ID() string
	Kind() domain.EntityKind
	ServiceID() domain.ServiceID
	ComponentID() domain.ComponentID
	ConvergenceName() string
	ParentID() string
	Priority() int8

	Field(name string) (any, bool)
	// SetField updates a persistent field and marks the entity dirty.
	SetField(name string, value any)
	IsDirty() bool
	MarkDirty()

	CreateChild(ctx context.Context, component domain.ComponentID) (EntityContext, error)
	Children(ctx context.Context) []string
	Attach(ctx context.Context, h domain.ActivityContextHandle) error
	Detach(ctx context.Context, h domain.ActivityContextHandle) error
	// Activity returns the activity context for h, or nil when absent and
	// createIfAbsent is false.
	Activity(ctx context.Context, h domain.ActivityContextHandle, createIfAbsent bool) (Activity, error)
	Remove(ctx context.Context) error

	// UsageParameterSet is only available on profile entities. The empty
	// name selects the default set.
	UsageParameterSet(name string) (UsageParameterSet, error)
}

// Activity is the component view of an activity context.
type Activity interface {
	Handle() domain.ActivityContextHandle
	FireEvent(ctx context.Context, ev Event) error
	End(ctx context.Context) error
}

// UsageParameterSet holds non-transactional counters and samples.
type UsageParameterSet interface {
	Name() string
	Increment(param string, delta int64)
	Counter(param string) int64
	Sample(param string, value int64)
	Samples(param string) []int64
}

// BaseComponent provides no-op hooks and keeps the bound context.
type BaseComponent struct {
	ctx EntityContext
}

func (b *BaseComponent) SetContext(c EntityContext)               { b.ctx = c }
func (b *BaseComponent) UnsetContext()                            { b.ctx = nil }
func (b *BaseComponent) Initialize(context.Context)               {}
func (b *BaseComponent) PostCreate(context.Context) error         { return nil }
func (b *BaseComponent) Load(context.Context) error               { return nil }
func (b *BaseComponent) Store(context.Context) error              { return nil }
func (b *BaseComponent) Activate(context.Context)                 {}
func (b *BaseComponent) Passivate(context.Context)                {}
func (b *BaseComponent) Verify(context.Context) error             { return nil }
func (b *BaseComponent) Remove(context.Context) error             { return nil }
func (b *BaseComponent) HandleEvent(context.Context, Event) error { return nil }

// Context returns the bound entity context, nil outside container calls.
func (b *BaseComponent) Context() EntityContext { return b.ctx }
