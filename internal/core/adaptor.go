package core

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sleecore/pkg/domain"
	"sleecore/pkg/pluginapi"
)

// AdaptorRegistry holds the resource adaptor entities that hear service
// lifecycle notifications, in registration order.
type AdaptorRegistry struct {
	mu       sync.RWMutex
	entities []pluginapi.ResourceAdaptorEntity
}

// NewAdaptorRegistry returns an empty registry.
func NewAdaptorRegistry() *AdaptorRegistry {
	return &AdaptorRegistry{}
}

// Register appends ra. Names must be unique.
func (r *AdaptorRegistry) Register(ra pluginapi.ResourceAdaptorEntity) error {
	if ra == nil {
		return &ArgumentError{Name: "resource adaptor entity"}
	}
	if ra.Name() == "" {
		return &ArgumentError{Name: "resource adaptor entity name"}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.entities {
		if existing.Name() == ra.Name() {
			return fmt.Errorf("resource adaptor entity %s already registered", ra.Name())
		}
	}
	r.entities = append(r.entities, ra)
	return nil
}

// Unregister removes the named entity, reporting whether it was present.
func (r *AdaptorRegistry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.entities {
		if existing.Name() == name {
			r.entities = append(r.entities[:i:i], r.entities[i+1:]...)
			return true
		}
	}
	return false
}

// List returns the registered entities in registration order.
func (r *AdaptorRegistry) List() []pluginapi.ResourceAdaptorEntity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]pluginapi.ResourceAdaptorEntity, len(r.entities))
	copy(out, r.entities)
	return out
}

// notify calls the method matching state on every entity, once each.
func (r *AdaptorRegistry) notify(ctx context.Context, id domain.ServiceID, state domain.ServiceState) error {
	var errs []error
	for _, ra := range r.List() {
		var err error
		switch state {
		case domain.ServiceActive:
			err = ra.ServiceActive(ctx, id)
		case domain.ServiceStopping:
			err = ra.ServiceStopping(ctx, id)
		default:
			err = ra.ServiceInactive(ctx, id)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ra.Name(), err))
		}
	}
	return errors.Join(errs...)
}
