package pluginapi

import (
	"context"
	"errors"

	"sleecore/pkg/domain"
)

// ComponentDescriptor describes an instantiable component type.
type ComponentDescriptor struct {
	ID   domain.ComponentID
	Kind domain.EntityKind
	// New returns a fresh, unbound instance.
	New func() Component
	// InitialEvents lists event types that create a root entity when no
	// entity is registered for the computed convergence name.
	InitialEvents []string
	// ConvergenceName maps an initial event to its correlation key. When nil
	// the activity handle string is used.
	ConvergenceName func(handle domain.ActivityContextHandle, ev Event) string
}

// Validate checks the descriptor is usable.
func (d ComponentDescriptor) Validate() error {
	if d.ID.IsZero() {
		return errors.New("component id required")
	}
	if d.New == nil {
		return errors.New("component " + d.ID.String() + ": constructor required")
	}
	switch d.Kind {
	case "", domain.EntityKindServiceLogic, domain.EntityKindProfile:
	default:
		return errors.New("component " + d.ID.String() + ": unknown kind " + string(d.Kind))
	}
	return nil
}

// IsInitial reports whether eventType is declared initial.
func (d ComponentDescriptor) IsInitial(eventType string) bool {
	for _, t := range d.InitialEvents {
		if t == eventType {
			return true
		}
	}
	return false
}

// ServiceDescriptor identifies a deployable service and its root component.
type ServiceDescriptor struct {
	ID              domain.ServiceID
	RootComponent   domain.ComponentID
	DefaultPriority int8
}

// ProfileTableSpec declares a profile table and its usage parameter sets.
// The unnamed default set always exists.
type ProfileTableSpec struct {
	Name               string
	Component          domain.ComponentID
	UsageParameterSets []string
}

// ResourceAdaptorEntity receives service lifecycle notifications after the
// transaction that changed the state commits.
type ResourceAdaptorEntity interface {
	Name() string
	ServiceActive(ctx context.Context, id domain.ServiceID) error
	ServiceStopping(ctx context.Context, id domain.ServiceID) error
	ServiceInactive(ctx context.Context, id domain.ServiceID) error
}
