package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"sleecore/internal/infra/persistence/memory"
	"sleecore/pkg/domain"
	"sleecore/pkg/pluginapi"
)

// Container is the dependency root. It owns the registries, the entity and
// activity factories and the event router, and hands them explicitly to
// every kernel component.
type Container struct {
	store Store
	obs   *observer
	opts  containerOptions

	components *componentRegistry
	adaptors   *AdaptorRegistry
	factory    *EntityFactory
	activities *ActivityContextFactory
	router     *Router

	mu       sync.RWMutex
	services map[string]pluginapi.ServiceDescriptor
	profiles map[string]*ProfileTable
	plugins  map[string]PluginMetadata

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// NewContainer builds a container over store.
func NewContainer(store Store, opts ...Option) (*Container, error) {
	if store == nil {
		return nil, &ArgumentError{Name: "store"}
	}
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	c := &Container{
		store:      store,
		obs:        o.obs,
		opts:       o,
		components: newComponentRegistry(),
		adaptors:   NewAdaptorRegistry(),
		services:   make(map[string]pluginapi.ServiceDescriptor),
		profiles:   make(map[string]*ProfileTable),
		plugins:    make(map[string]PluginMetadata),
		timers:     make(map[string]*time.Timer),
	}
	c.router = newRouter(c, o.routerShards, o.deliveryRetries, o.retryInterval)
	c.activities = &ActivityContextFactory{store: store, sink: c.router, obs: c.obs}
	c.factory = &EntityFactory{
		store:      store,
		components: c.components,
		activities: c.activities,
		profiles:   c.ProfileTable,
		obs:        c.obs,
	}
	return c, nil
}

// NewInMemoryContainer builds a container over a fresh in-memory store whose
// after-commit failures are reported through the container. A nil engine
// uses NewDefaultRulesEngine.
func NewInMemoryContainer(engine *RulesEngine, opts ...Option) *Container {
	if engine == nil {
		engine = NewDefaultRulesEngine()
	}
	var c *Container
	store := memory.NewStore(engine, memory.WithActionErrorHandler(func(ctx context.Context, err error) {
		c.obs.reportAction(ctx, "store", err)
	}))
	c, _ = NewContainer(store, opts...)
	return c
}

// Store returns the underlying store.
func (c *Container) Store() Store { return c.store }

// Adaptors returns the resource adaptor registry.
func (c *Container) Adaptors() *AdaptorRegistry { return c.adaptors }

// Activities returns the activity context factory.
func (c *Container) Activities() *ActivityContextFactory { return c.activities }

// Entities returns the entity factory.
func (c *Container) Entities() *EntityFactory { return c.factory }

// Router returns the event router.
func (c *Container) Router() *Router { return c.router }

// ProfileTable looks up a registered profile table.
func (c *Container) ProfileTable(name string) (*ProfileTable, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.profiles[name]
	return t, ok
}

// ServiceDescriptors returns registered service descriptors ordered by ID.
func (c *Container) ServiceDescriptors() []pluginapi.ServiceDescriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]pluginapi.ServiceDescriptor, 0, len(c.services))
	for _, desc := range c.services {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func (c *Container) descriptor(id domain.ServiceID) (pluginapi.ServiceDescriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	desc, ok := c.services[id.String()]
	return desc, ok
}

// ServiceDeps returns the collaborators handed to every Service.
func (c *Container) ServiceDeps() ServiceDeps {
	return ServiceDeps{
		Store:         c.store,
		Entities:      c.factory,
		Activities:    c.activities,
		Adaptors:      c.adaptors,
		Logger:        c.obs.logger,
		OnActionError: c.obs.reportAction,
	}
}

// Service returns the lifecycle manager for a registered service. It does
// not touch the store.
func (c *Container) Service(id domain.ServiceID) (*Service, error) {
	desc, ok := c.descriptor(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownService, id)
	}
	return NewService(context.Background(), &desc, false, c.ServiceDeps())
}

// Start launches the router and restores services persisted mid-lifecycle:
// STOPPING services get their drain check and grace timer back, ACTIVE
// services get their service activity context back if it was lost.
func (c *Container) Start(ctx context.Context) error {
	if err := c.router.Start(ctx); err != nil {
		return err
	}
	return c.restore(ctx)
}

func (c *Container) restore(ctx context.Context) error {
	var errs []error
	for _, rec := range c.store.ListServices() {
		svc, err := c.Service(rec.ID)
		if err != nil {
			c.obs.logger.Warn("persisted service has no descriptor", "service", rec.ID.String())
			continue
		}
		switch rec.State {
		case domain.ServiceStopping:
			c.armGrace(rec.ID)
		case domain.ServiceActive:
			_, err := c.store.RunInTransaction(ctx, func(ctx context.Context, _ domain.Transaction) error {
				_, err := c.activities.Get(ctx, svc.ActivityHandle(), true)
				return err
			})
			if err != nil {
				errs = append(errs, fmt.Errorf("restore %s: %w", rec.ID, err))
			}
		}
	}
	c.checkDrained(ctx)
	return errors.Join(errs...)
}

// Drain waits for the router to go idle.
func (c *Container) Drain(ctx context.Context) error {
	return c.router.Drain(ctx)
}

// Stop cancels grace timers and stops the router.
func (c *Container) Stop() error {
	c.timersMu.Lock()
	for key, t := range c.timers {
		t.Stop()
		delete(c.timers, key)
	}
	c.timersMu.Unlock()
	return c.router.Stop()
}

// Close stops the container and closes the store.
func (c *Container) Close() error {
	return errors.Join(c.Stop(), c.store.Close())
}
