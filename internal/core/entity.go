package core

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"sleecore/pkg/domain"
	"sleecore/pkg/pluginapi"
)

// Entity is the container-side handle for one managed entity. Component
// instances see it as their pluginapi.EntityContext. Persistent fields live
// in a working copy that is written back on flush when dirty.
type Entity struct {
	factory *EntityFactory
	rec     domain.EntityRecord
	dirty   bool
	removed bool
}

var _ pluginapi.EntityContext = (*Entity)(nil)

// ID returns the entity ID.
func (e *Entity) ID() string { return e.rec.ID }

// Kind reports whether the entity is service logic or a profile.
func (e *Entity) Kind() domain.EntityKind { return e.rec.Kind }

// ServiceID returns the owning service.
func (e *Entity) ServiceID() domain.ServiceID { return e.rec.ServiceID }

// ComponentID returns the component type the entity was created from.
func (e *Entity) ComponentID() domain.ComponentID { return e.rec.ComponentID }

// ConvergenceName is set on root entities only.
func (e *Entity) ConvergenceName() string { return e.rec.ConvergenceName }

// ParentID is empty for roots.
func (e *Entity) ParentID() string { return e.rec.ParentID }

// Priority is inherited from the parent, or from the service for roots.
func (e *Entity) Priority() int8 { return e.rec.Priority }

// Record returns a copy of the working record.
func (e *Entity) Record() domain.EntityRecord {
	rec := e.rec
	rec.Fields = maps.Clone(e.rec.Fields)
	rec.ChildIDs = slices.Clone(e.rec.ChildIDs)
	rec.Attachments = slices.Clone(e.rec.Attachments)
	return rec
}

// Field reads a persistent field from the working copy.
func (e *Entity) Field(name string) (any, bool) {
	v, ok := e.rec.Fields[name]
	return v, ok
}

// SetField writes a persistent field and marks the entity dirty.
func (e *Entity) SetField(name string, value any) {
	if e.rec.Fields == nil {
		e.rec.Fields = make(map[string]any)
	}
	e.rec.Fields[name] = value
	e.dirty = true
}

// IsDirty reports whether the working copy has unflushed changes.
func (e *Entity) IsDirty() bool { return e.dirty }

// MarkDirty forces the next flush to write the record.
func (e *Entity) MarkDirty() { e.dirty = true }

// CreateChild creates a child entity of component under e.
func (e *Entity) CreateChild(ctx context.Context, component domain.ComponentID) (pluginapi.EntityContext, error) {
	child, err := e.factory.CreateChild(ctx, e, component)
	if err != nil {
		return nil, err
	}
	return child, nil
}

// Children returns the current child IDs in creation order.
func (e *Entity) Children(ctx context.Context) []string {
	if rec, ok := e.factory.find(ctx, e.rec.ID); ok {
		return slices.Clone(rec.ChildIDs)
	}
	return slices.Clone(e.rec.ChildIDs)
}

// Attach attaches e to the activity context for h.
func (e *Entity) Attach(ctx context.Context, h domain.ActivityContextHandle) error {
	ac, err := e.factory.activities.Get(ctx, h, false)
	if err != nil {
		return err
	}
	if ac == nil {
		return domain.ErrNotFound{Entity: domain.EntityActivityContext, ID: h.String()}
	}
	if err := ac.Attach(ctx, e.rec.ID); err != nil {
		return err
	}
	if !e.rec.AttachedTo(h) {
		e.rec.Attachments = append(e.rec.Attachments, h)
	}
	return nil
}

// Detach detaches e from the activity context for h.
func (e *Entity) Detach(ctx context.Context, h domain.ActivityContextHandle) error {
	tx, err := MandateTransaction(ctx)
	if err != nil {
		return err
	}
	if err := detach(tx, h, e.rec.ID); err != nil {
		return err
	}
	e.rec.Attachments = slices.DeleteFunc(e.rec.Attachments, func(a domain.ActivityContextHandle) bool { return a == h })
	return nil
}

// Activity returns the activity context for h.
func (e *Entity) Activity(ctx context.Context, h domain.ActivityContextHandle, createIfAbsent bool) (pluginapi.Activity, error) {
	ac, err := e.factory.activities.Get(ctx, h, createIfAbsent)
	if err != nil || ac == nil {
		return nil, err
	}
	return ac, nil
}

// Remove cascades removal of e and its subtree.
func (e *Entity) Remove(ctx context.Context) error {
	if err := e.factory.Remove(ctx, e.rec.ID); err != nil {
		return err
	}
	e.removed = true
	return nil
}

// UsageParameterSet resolves a usage parameter set of the entity's profile
// table. The empty name selects the default set.
func (e *Entity) UsageParameterSet(name string) (pluginapi.UsageParameterSet, error) {
	if e.rec.Kind != domain.EntityKindProfile {
		return nil, fmt.Errorf("%w: %s", ErrNotProfile, e.rec.ID)
	}
	table, ok := e.factory.profiles(e.rec.ProfileTable)
	if !ok {
		return nil, domain.ErrNotFound{Entity: domain.EntityManaged, ID: "profile table " + e.rec.ProfileTable}
	}
	return table.UsageParameterSet(name)
}

// flush runs Store and Verify on comp, then writes the fields when dirty.
func (e *Entity) flush(ctx context.Context, comp pluginapi.Component) error {
	if e.removed {
		return nil
	}
	if err := comp.Store(ctx); err != nil {
		return fmt.Errorf("store entity %s: %w", e.rec.ID, err)
	}
	if err := comp.Verify(ctx); err != nil {
		return &VerificationError{EntityID: e.rec.ID, Err: err}
	}
	if !e.dirty {
		return nil
	}
	tx, err := MandateTransaction(ctx)
	if err != nil {
		return err
	}
	fields := e.rec.Fields
	updated, err := tx.UpdateEntity(e.rec.ID, func(r *domain.EntityRecord) error {
		r.Fields = fields
		return nil
	})
	if err != nil {
		return err
	}
	e.rec = updated
	e.dirty = false
	return nil
}
