package core

import (
	"errors"
	"fmt"

	"sleecore/pkg/domain"
)

var (
	// ErrActivityEnded is returned when firing on or attaching to an ended
	// activity context.
	ErrActivityEnded = errors.New("activity context has ended")
	// ErrServiceHasChildren is returned when removing a service that still
	// owns root entities.
	ErrServiceHasChildren = errors.New("service still has root entities")
	// ErrNotProfile is returned when requesting usage parameters from a
	// service-logic entity.
	ErrNotProfile = errors.New("entity is not a profile")
	// ErrUnknownComponent is wrapped by CreateError for unregistered types.
	ErrUnknownComponent = errors.New("component not registered")
	// ErrUnknownService is returned for service IDs no plugin registered.
	ErrUnknownService = errors.New("service not registered")
)

// SystemError reports a transaction-system failure, distinct from domain
// errors: no ambient transaction, or the action queue refused an action.
type SystemError struct {
	Op  string
	Err error
}

func (e *SystemError) Error() string {
	return fmt.Sprintf("transaction system: %s: %v", e.Op, e.Err)
}

func (e *SystemError) Unwrap() error { return e.Err }

// ArgumentError reports a missing or invalid required argument.
type ArgumentError struct {
	Name   string
	Reason string
}

func (e *ArgumentError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("argument %s is required", e.Name)
	}
	return fmt.Sprintf("argument %s: %s", e.Name, e.Reason)
}

// CreateError aborts an entity creation.
type CreateError struct {
	Component domain.ComponentID
	Err       error
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("create entity of %s: %v", e.Component, e.Err)
}

func (e *CreateError) Unwrap() error { return e.Err }

// VerificationError aborts the mutation whose flush ran Verify.
type VerificationError struct {
	EntityID string
	Err      error
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("verify entity %s: %v", e.EntityID, e.Err)
}

func (e *VerificationError) Unwrap() error { return e.Err }

// ActivityExistsError is returned by strict activity context creation.
type ActivityExistsError struct {
	Handle domain.ActivityContextHandle
}

func (e *ActivityExistsError) Error() string {
	return fmt.Sprintf("activity already exists: %s", e.Handle)
}

// UnrecognizedUsageParameterSetNameError is returned for undeclared set names.
type UnrecognizedUsageParameterSetNameError struct {
	Table string
	Name  string
}

func (e *UnrecognizedUsageParameterSetNameError) Error() string {
	return fmt.Sprintf("unrecognized usage parameter set name %q for profile table %s", e.Name, e.Table)
}

// InvalidTransitionError is returned when a management operation is not
// allowed from the service's current state.
type InvalidTransitionError struct {
	Service domain.ServiceID
	From    domain.ServiceState
	Event   string
	Err     error
}

func (e *InvalidTransitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("service %s: cannot %s from %s: %v", e.Service, e.Event, e.From, e.Err)
	}
	return fmt.Sprintf("service %s: cannot %s from %s", e.Service, e.Event, e.From)
}

func (e *InvalidTransitionError) Unwrap() error { return e.Err }
