package core

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"sleecore/pkg/domain"
	"sleecore/pkg/pluginapi"
)

var errNilInstance = errors.New("constructor returned nil")

// EntityFactory creates, invokes and removes managed entities. Every method
// runs inside the ambient transaction.
type EntityFactory struct {
	store      domain.PersistentStore
	components *componentRegistry
	activities *ActivityContextFactory
	profiles   func(name string) (*ProfileTable, bool)
	obs        *observer
}

func (f *EntityFactory) find(ctx context.Context, id string) (domain.EntityRecord, bool) {
	if tx := viewFor(ctx); tx != nil {
		return tx.FindEntity(id)
	}
	return f.store.GetEntity(id)
}

func (f *EntityFactory) instantiate(id domain.ComponentID) (pluginapi.ComponentDescriptor, pluginapi.Component, error) {
	desc, ok := f.components.lookup(id)
	if !ok {
		return pluginapi.ComponentDescriptor{}, nil, &CreateError{Component: id, Err: ErrUnknownComponent}
	}
	comp := desc.New()
	if comp == nil {
		return desc, nil, &CreateError{Component: id, Err: errNilInstance}
	}
	return desc, comp, nil
}

// CreateRoot creates the root entity of svc registered under
// convergenceName. The caller owns the service's convergence map.
func (f *EntityFactory) CreateRoot(ctx context.Context, svc pluginapi.ServiceDescriptor, convergenceName string) (*Entity, error) {
	return f.create(ctx, domain.EntityRecord{
		ComponentID:     svc.RootComponent,
		ServiceID:       svc.ID,
		ConvergenceName: convergenceName,
		Priority:        svc.DefaultPriority,
	})
}

// CreateChild creates a child of parent, inheriting its service and priority.
func (f *EntityFactory) CreateChild(ctx context.Context, parent *Entity, component domain.ComponentID) (*Entity, error) {
	if parent == nil {
		return nil, &ArgumentError{Name: "parent"}
	}
	if parent.Kind() == domain.EntityKindProfile {
		return nil, &ArgumentError{Name: "parent", Reason: "profile entities have no children"}
	}
	tx, err := MandateTransaction(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := tx.FindEntity(parent.ID()); !ok {
		return nil, domain.ErrNotFound{Entity: domain.EntityManaged, ID: parent.ID()}
	}
	child, err := f.create(ctx, domain.EntityRecord{
		ComponentID: component,
		ServiceID:   parent.ServiceID(),
		ParentID:    parent.ID(),
		Priority:    parent.Priority(),
	})
	if err != nil {
		return nil, err
	}
	if _, err := tx.UpdateEntity(parent.ID(), func(r *domain.EntityRecord) error {
		r.ChildIDs = append(r.ChildIDs, child.ID())
		return nil
	}); err != nil {
		if cleanErr := f.discard(ctx, tx, child.ID()); cleanErr != nil {
			err = errors.Join(err, cleanErr)
		}
		return nil, &CreateError{Component: component, Err: err}
	}
	parent.rec.ChildIDs = append(parent.rec.ChildIDs, child.ID())
	return child, nil
}

// create persists rec and runs Initialize, PostCreate and the first flush.
// Any failure discards the new subtree, including children and attachments
// made by PostCreate, before returning *CreateError.
func (f *EntityFactory) create(ctx context.Context, rec domain.EntityRecord) (*Entity, error) {
	tx, err := MandateTransaction(ctx)
	if err != nil {
		return nil, err
	}
	desc, comp, err := f.instantiate(rec.ComponentID)
	if err != nil {
		return nil, err
	}
	if rec.Kind == "" {
		rec.Kind = desc.Kind
	}
	created, err := tx.CreateEntity(rec)
	if err != nil {
		return nil, &CreateError{Component: rec.ComponentID, Err: err}
	}
	e := &Entity{factory: f, rec: created}
	comp.SetContext(e)
	comp.Initialize(ctx)
	err = comp.PostCreate(ctx)
	if err == nil {
		err = e.flush(ctx, comp)
	}
	comp.UnsetContext()
	if err != nil {
		if cleanErr := f.discard(ctx, tx, created.ID); cleanErr != nil {
			err = errors.Join(err, cleanErr)
		}
		return nil, &CreateError{Component: rec.ComponentID, Err: err}
	}
	f.obs.logger.Debug("entity created", "entity", created.ID, "component", rec.ComponentID.String())
	return e, nil
}

// Load returns an unbound handle for id.
func (f *EntityFactory) Load(ctx context.Context, id string) (*Entity, error) {
	rec, ok := f.find(ctx, id)
	if !ok {
		return nil, domain.ErrNotFound{Entity: domain.EntityManaged, ID: id}
	}
	return &Entity{factory: f, rec: rec}, nil
}

// Invoke runs work against a freshly bound component instance for id,
// wrapped in the lifecycle hooks, and flushes the entity afterwards.
func (f *EntityFactory) Invoke(ctx context.Context, id string, work func(ctx context.Context, comp pluginapi.Component) error) error {
	tx, err := MandateTransaction(ctx)
	if err != nil {
		return err
	}
	rec, ok := tx.FindEntity(id)
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityManaged, ID: id}
	}
	_, comp, err := f.instantiate(rec.ComponentID)
	if err != nil {
		return err
	}
	e := &Entity{factory: f, rec: rec}
	comp.SetContext(e)
	comp.Activate(ctx)
	err = comp.Load(ctx)
	if err != nil {
		err = fmt.Errorf("load entity %s: %w", id, err)
	} else if err = work(ctx, comp); err == nil {
		err = e.flush(ctx, comp)
	}
	comp.Passivate(ctx)
	comp.UnsetContext()
	return err
}

// Remove deletes id and its subtree depth-first. Remove hook failures are
// reported and never stop the removal.
func (f *EntityFactory) Remove(ctx context.Context, id string) error {
	tx, err := MandateTransaction(ctx)
	if err != nil {
		return err
	}
	if _, ok := tx.FindEntity(id); !ok {
		return domain.ErrNotFound{Entity: domain.EntityManaged, ID: id}
	}
	return f.removeTree(ctx, tx, id, true)
}

// discard undoes a failed creation. It removes id and everything created
// under it without running Remove hooks.
func (f *EntityFactory) discard(ctx context.Context, tx domain.Transaction, id string) error {
	return f.removeTree(ctx, tx, id, false)
}

func (f *EntityFactory) removeTree(ctx context.Context, tx domain.Transaction, id string, hooks bool) error {
	rec, ok := tx.FindEntity(id)
	if !ok {
		return nil
	}
	for _, child := range rec.ChildIDs {
		if err := f.removeTree(ctx, tx, child, hooks); err != nil {
			return err
		}
	}
	if hooks {
		f.runRemoveHook(ctx, rec)
	}
	for _, h := range rec.Attachments {
		if err := detach(tx, h, id); err != nil {
			return err
		}
	}
	if err := unlink(tx, rec); err != nil {
		return err
	}
	if err := tx.DeleteEntity(id); err != nil {
		return err
	}
	f.obs.logger.Debug("entity removed", "entity", id)
	return nil
}

func (f *EntityFactory) runRemoveHook(ctx context.Context, rec domain.EntityRecord) {
	_, comp, err := f.instantiate(rec.ComponentID)
	if err != nil {
		f.obs.logger.Warn("remove hook skipped", "entity", rec.ID, "error", err)
		return
	}
	e := &Entity{factory: f, rec: rec, removed: true}
	comp.SetContext(e)
	comp.Activate(ctx)
	if err = comp.Load(ctx); err == nil {
		err = comp.Remove(ctx)
	}
	comp.Passivate(ctx)
	comp.UnsetContext()
	if err != nil {
		f.obs.logger.Warn("remove hook failed", "entity", rec.ID, "error", err)
		f.obs.metrics.Observe(ctx, "entity.remove_hook", false, 0)
	}
}

// unlink drops the reference the owner holds on rec.
func unlink(tx domain.Transaction, rec domain.EntityRecord) error {
	if rec.ParentID != "" {
		parent, ok := tx.FindEntity(rec.ParentID)
		if !ok || !slices.Contains(parent.ChildIDs, rec.ID) {
			return nil
		}
		_, err := tx.UpdateEntity(rec.ParentID, func(r *domain.EntityRecord) error {
			r.ChildIDs = slices.DeleteFunc(r.ChildIDs, func(c string) bool { return c == rec.ID })
			return nil
		})
		return err
	}
	if rec.ServiceID.IsZero() || rec.ConvergenceName == "" {
		return nil
	}
	svc, ok := tx.FindService(rec.ServiceID)
	if !ok || svc.Children[rec.ConvergenceName] != rec.ID {
		return nil
	}
	_, err := tx.UpdateService(rec.ServiceID, func(r *domain.ServiceRecord) error {
		delete(r.Children, rec.ConvergenceName)
		return nil
	})
	return err
}

type entityLookup interface {
	FindEntity(id string) (domain.EntityRecord, bool)
}

// rootOf walks parent links up to the tree root.
func rootOf(view entityLookup, id string) (string, bool) {
	seen := make(map[string]bool)
	for {
		rec, ok := view.FindEntity(id)
		if !ok {
			return "", false
		}
		if rec.IsRoot() {
			return rec.ID, true
		}
		if seen[id] {
			return "", false
		}
		seen[id] = true
		id = rec.ParentID
	}
}

// treeAttachments counts activity attachments across the subtree at id.
func treeAttachments(view entityLookup, id string) int {
	rec, ok := view.FindEntity(id)
	if !ok {
		return 0
	}
	n := len(rec.Attachments)
	for _, child := range rec.ChildIDs {
		n += treeAttachments(view, child)
	}
	return n
}

func isNotFound(err error) bool {
	var nf domain.ErrNotFound
	return errors.As(err, &nf)
}
