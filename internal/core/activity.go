package core

import (
	"context"
	"errors"
	"slices"

	"sleecore/pkg/domain"
	"sleecore/pkg/pluginapi"
)

// eventSink accepts events for asynchronous delivery.
type eventSink interface {
	enqueue(h domain.ActivityContextHandle, ev pluginapi.Event)
}

// ActivityContextFactory creates and looks up activity contexts.
type ActivityContextFactory struct {
	store domain.PersistentStore
	sink  eventSink
	obs   *observer
}

func (f *ActivityContextFactory) lookup(ctx context.Context, h domain.ActivityContextHandle) (domain.ActivityContextRecord, bool) {
	if tx := viewFor(ctx); tx != nil {
		return tx.FindActivityContext(h)
	}
	return f.store.GetActivityContext(h)
}

// Create registers a new activity context for h. It never upserts: an
// existing context for h, ended or not, yields *ActivityExistsError.
func (f *ActivityContextFactory) Create(ctx context.Context, h domain.ActivityContextHandle) (*ActivityContext, error) {
	if h.ID == "" {
		return nil, &ArgumentError{Name: "activity handle", Reason: "id is empty"}
	}
	tx, err := MandateTransaction(ctx)
	if err != nil {
		return nil, err
	}
	if _, exists := tx.FindActivityContext(h); exists {
		return nil, &ActivityExistsError{Handle: h}
	}
	if _, err := tx.CreateActivityContext(domain.ActivityContextRecord{Handle: h}); err != nil {
		var dup domain.ErrAlreadyExists
		if errors.As(err, &dup) {
			return nil, &ActivityExistsError{Handle: h}
		}
		return nil, err
	}
	f.obs.logger.Debug("activity context created", "activity", h.String())
	return &ActivityContext{handle: h, factory: f}, nil
}

// Get returns the context for h. When absent it is created if createIfAbsent
// is set, otherwise Get returns nil and no error.
func (f *ActivityContextFactory) Get(ctx context.Context, h domain.ActivityContextHandle, createIfAbsent bool) (*ActivityContext, error) {
	if _, ok := f.lookup(ctx, h); ok {
		return &ActivityContext{handle: h, factory: f}, nil
	}
	if !createIfAbsent {
		return nil, nil
	}
	return f.Create(ctx, h)
}

// ActivityContext is a handle onto one activity context record. State is
// read from the store on every call.
type ActivityContext struct {
	handle  domain.ActivityContextHandle
	factory *ActivityContextFactory
}

var _ pluginapi.Activity = (*ActivityContext)(nil)

// Handle returns the activity identity.
func (ac *ActivityContext) Handle() domain.ActivityContextHandle { return ac.handle }

// Record returns the current record, if it still exists.
func (ac *ActivityContext) Record(ctx context.Context) (domain.ActivityContextRecord, bool) {
	return ac.factory.lookup(ctx, ac.handle)
}

// Ended reports whether End has been called.
func (ac *ActivityContext) Ended(ctx context.Context) bool {
	rec, ok := ac.Record(ctx)
	return ok && rec.Ended
}

// Attachments returns attached entity IDs in attach order.
func (ac *ActivityContext) Attachments(ctx context.Context) []string {
	rec, _ := ac.Record(ctx)
	return slices.Clone(rec.Attachments)
}

func (ac *ActivityContext) current(tx domain.Transaction) (domain.ActivityContextRecord, error) {
	rec, ok := tx.FindActivityContext(ac.handle)
	if !ok {
		return domain.ActivityContextRecord{}, domain.ErrNotFound{Entity: domain.EntityActivityContext, ID: ac.handle.String()}
	}
	return rec, nil
}

// Attach correlates entityID with the activity. Attaching an attached entity
// is a no-op. Both sides of the reference change in the same transaction.
func (ac *ActivityContext) Attach(ctx context.Context, entityID string) error {
	tx, err := MandateTransaction(ctx)
	if err != nil {
		return err
	}
	rec, err := ac.current(tx)
	if err != nil {
		return err
	}
	if rec.Ended {
		return ErrActivityEnded
	}
	ent, ok := tx.FindEntity(entityID)
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityManaged, ID: entityID}
	}
	if !rec.Attached(entityID) {
		if _, err := tx.UpdateActivityContext(ac.handle, func(r *domain.ActivityContextRecord) error {
			r.Attachments = append(r.Attachments, entityID)
			return nil
		}); err != nil {
			return err
		}
	}
	if !ent.AttachedTo(ac.handle) {
		if _, err := tx.UpdateEntity(entityID, func(r *domain.EntityRecord) error {
			r.Attachments = append(r.Attachments, ac.handle)
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// Detach removes the correlation. Detaching an unattached entity is a no-op.
func (ac *ActivityContext) Detach(ctx context.Context, entityID string) error {
	tx, err := MandateTransaction(ctx)
	if err != nil {
		return err
	}
	return detach(tx, ac.handle, entityID)
}

func detach(tx domain.Transaction, h domain.ActivityContextHandle, entityID string) error {
	if rec, ok := tx.FindActivityContext(h); ok && rec.Attached(entityID) {
		if _, err := tx.UpdateActivityContext(h, func(r *domain.ActivityContextRecord) error {
			r.Attachments = slices.DeleteFunc(r.Attachments, func(id string) bool { return id == entityID })
			return nil
		}); err != nil {
			return err
		}
	}
	if ent, ok := tx.FindEntity(entityID); ok && ent.AttachedTo(h) {
		if _, err := tx.UpdateEntity(entityID, func(r *domain.EntityRecord) error {
			r.Attachments = slices.DeleteFunc(r.Attachments, func(a domain.ActivityContextHandle) bool { return a == h })
			return nil
		}); err != nil {
			return err
		}
	}
	return nil
}

// FireEvent queues ev for delivery to every attached entity once the
// ambient transaction commits.
func (ac *ActivityContext) FireEvent(ctx context.Context, ev pluginapi.Event) error {
	if ev.Type == "" {
		return &ArgumentError{Name: "event type"}
	}
	tx, err := MandateTransaction(ctx)
	if err != nil {
		return err
	}
	rec, err := ac.current(tx)
	if err != nil {
		return err
	}
	if rec.Ended {
		return ErrActivityEnded
	}
	ev.Activity = ac.handle
	return AddAfterCommitAction(ctx, func(context.Context) error {
		ac.factory.sink.enqueue(ac.handle, ev)
		return nil
	})
}

// End marks the context ended and queues the end-of-activity event. The
// router delivers it, detaches every entity, deletes the record and removes
// the entity trees left without attachments. Ending twice is a no-op.
func (ac *ActivityContext) End(ctx context.Context) error {
	tx, err := MandateTransaction(ctx)
	if err != nil {
		return err
	}
	rec, err := ac.current(tx)
	if err != nil {
		return err
	}
	if rec.Ended {
		return nil
	}
	if _, err := tx.UpdateActivityContext(ac.handle, func(r *domain.ActivityContextRecord) error {
		r.Ended = true
		return nil
	}); err != nil {
		return err
	}
	ev := pluginapi.Event{Type: pluginapi.EventActivityEnd, Activity: ac.handle}
	return AddAfterCommitAction(ctx, func(context.Context) error {
		ac.factory.sink.enqueue(ac.handle, ev)
		return nil
	})
}

// forceRemove detaches every entity and deletes the record without
// delivering an end event.
func (ac *ActivityContext) forceRemove(tx domain.Transaction) error {
	rec, ok := tx.FindActivityContext(ac.handle)
	if !ok {
		return nil
	}
	for _, id := range rec.Attachments {
		if err := detach(tx, ac.handle, id); err != nil {
			return err
		}
	}
	return tx.DeleteActivityContext(ac.handle)
}
