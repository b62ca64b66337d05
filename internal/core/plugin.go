package core

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"sleecore/pkg/domain"
	"sleecore/pkg/pluginapi"
)

// componentRegistry resolves component descriptors by ID.
type componentRegistry struct {
	mu         sync.RWMutex
	components map[string]pluginapi.ComponentDescriptor
}

func newComponentRegistry() *componentRegistry {
	return &componentRegistry{components: make(map[string]pluginapi.ComponentDescriptor)}
}

func (r *componentRegistry) lookup(id domain.ComponentID) (pluginapi.ComponentDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	desc, ok := r.components[id.String()]
	return desc, ok
}

func (r *componentRegistry) has(id domain.ComponentID) bool {
	_, ok := r.lookup(id)
	return ok
}

func (r *componentRegistry) add(descs ...pluginapi.ComponentDescriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, desc := range descs {
		if desc.Kind == "" {
			desc.Kind = domain.EntityKindServiceLogic
		}
		r.components[desc.ID.String()] = desc
	}
}

// pluginRegistry accumulates one plugin's contributions during Register.
type pluginRegistry struct {
	components []pluginapi.ComponentDescriptor
	services   []pluginapi.ServiceDescriptor
	profiles   []pluginapi.ProfileTableSpec
	rules      []domain.Rule
}

var _ pluginapi.Registry = (*pluginRegistry)(nil)

func (r *pluginRegistry) RegisterComponent(desc pluginapi.ComponentDescriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	for _, existing := range r.components {
		if existing.ID == desc.ID {
			return fmt.Errorf("component %s registered twice", desc.ID)
		}
	}
	r.components = append(r.components, desc)
	return nil
}

func (r *pluginRegistry) RegisterService(desc pluginapi.ServiceDescriptor) error {
	if desc.ID.IsZero() {
		return &ArgumentError{Name: "service id"}
	}
	if desc.RootComponent.IsZero() {
		return &ArgumentError{Name: "root component", Reason: "service " + desc.ID.String() + " has none"}
	}
	for _, existing := range r.services {
		if existing.ID == desc.ID {
			return fmt.Errorf("service %s registered twice", desc.ID)
		}
	}
	r.services = append(r.services, desc)
	return nil
}

func (r *pluginRegistry) RegisterProfileTable(table pluginapi.ProfileTableSpec) error {
	if table.Name == "" {
		return &ArgumentError{Name: "profile table name"}
	}
	if table.Component.IsZero() {
		return &ArgumentError{Name: "profile component", Reason: "table " + table.Name + " has none"}
	}
	for _, existing := range r.profiles {
		if existing.Name == table.Name {
			return fmt.Errorf("profile table %s registered twice", table.Name)
		}
	}
	r.profiles = append(r.profiles, table)
	return nil
}

func (r *pluginRegistry) RegisterRule(rule domain.Rule) {
	if rule == nil {
		return
	}
	r.rules = append(r.rules, rule)
}

// PluginMetadata describes an installed plugin.
type PluginMetadata struct {
	Name          string
	Version       string
	Components    []domain.ComponentID
	Services      []domain.ServiceID
	ProfileTables []string
}

// InstallPlugin registers plugin's components, services, profile tables and
// rules. Nothing is installed when any contribution conflicts.
func (c *Container) InstallPlugin(plugin pluginapi.Plugin) (PluginMetadata, error) {
	if plugin == nil {
		return PluginMetadata{}, errors.New("plugin cannot be nil")
	}
	reg := &pluginRegistry{}
	if err := plugin.Register(reg); err != nil {
		return PluginMetadata{}, fmt.Errorf("register plugin %s: %w", plugin.Name(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.plugins[plugin.Name()]; ok {
		return PluginMetadata{}, fmt.Errorf("plugin %s already registered", plugin.Name())
	}
	if err := c.validateContributions(reg); err != nil {
		return PluginMetadata{}, fmt.Errorf("install plugin %s: %w", plugin.Name(), err)
	}

	c.components.add(reg.components...)
	meta := PluginMetadata{Name: plugin.Name(), Version: plugin.Version()}
	for _, desc := range reg.components {
		meta.Components = append(meta.Components, desc.ID)
	}
	for _, desc := range reg.services {
		c.services[desc.ID.String()] = desc
		meta.Services = append(meta.Services, desc.ID)
	}
	for _, table := range reg.profiles {
		c.profiles[table.Name] = newProfileTable(table, c.factory)
		meta.ProfileTables = append(meta.ProfileTables, table.Name)
	}
	engine := c.store.RulesEngine()
	for _, rule := range reg.rules {
		engine.Register(rule)
	}
	c.plugins[plugin.Name()] = meta
	c.obs.logger.Info("plugin installed", "plugin", plugin.Name(), "version", plugin.Version(),
		"components", len(meta.Components), "services", len(meta.Services))
	return meta, nil
}

// validateContributions runs with c.mu held.
func (c *Container) validateContributions(reg *pluginRegistry) error {
	pending := make(map[string]pluginapi.ComponentDescriptor, len(reg.components))
	for _, desc := range reg.components {
		if c.components.has(desc.ID) {
			return fmt.Errorf("component %s already registered", desc.ID)
		}
		pending[desc.ID.String()] = desc
	}
	resolve := func(id domain.ComponentID) (pluginapi.ComponentDescriptor, bool) {
		if desc, ok := pending[id.String()]; ok {
			return desc, true
		}
		return c.components.lookup(id)
	}
	for _, desc := range reg.services {
		if _, ok := c.services[desc.ID.String()]; ok {
			return fmt.Errorf("service %s already registered", desc.ID)
		}
		root, ok := resolve(desc.RootComponent)
		if !ok {
			return fmt.Errorf("service %s: root component %s: %w", desc.ID, desc.RootComponent, ErrUnknownComponent)
		}
		if root.Kind == domain.EntityKindProfile {
			return fmt.Errorf("service %s: root component %s is a profile", desc.ID, desc.RootComponent)
		}
	}
	for _, table := range reg.profiles {
		if _, ok := c.profiles[table.Name]; ok {
			return fmt.Errorf("profile table %s already registered", table.Name)
		}
		comp, ok := resolve(table.Component)
		if !ok {
			return fmt.Errorf("profile table %s: component %s: %w", table.Name, table.Component, ErrUnknownComponent)
		}
		if comp.Kind != domain.EntityKindProfile {
			return fmt.Errorf("profile table %s: component %s is not a profile", table.Name, table.Component)
		}
	}
	return nil
}

// RegisteredPlugins returns installed plugin metadata ordered by name.
func (c *Container) RegisteredPlugins() []PluginMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]PluginMetadata, 0, len(c.plugins))
	for _, meta := range c.plugins {
		out = append(out, meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
