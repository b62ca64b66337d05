package core

import (
	"context"
	"errors"
	"testing"

	"sleecore/pkg/domain"
	"sleecore/pkg/pluginapi"
)

func (f *fixture) addRoot(t *testing.T, name string) string {
	t.Helper()
	svc := f.service(t, testServiceID)
	var id string
	f.mustTx(t, func(ctx context.Context) error {
		e, err := svc.AddChild(ctx, name)
		if err != nil {
			return err
		}
		id = e.ID()
		return nil
	})
	return id
}

func (f *fixture) invoke(id string, work func(ctx context.Context, ec pluginapi.EntityContext) error) error {
	return f.inTx(func(ctx context.Context) error {
		return f.c.Entities().Invoke(ctx, id, func(ctx context.Context, comp pluginapi.Component) error {
			return work(ctx, comp.(*testComponent).Context())
		})
	})
}

func TestCreateRunsPostCreateAndFlush(t *testing.T) {
	f := newFixture(t)
	f.addRoot(t, "c1")
	want := []string{"SetContext", "Initialize", "PostCreate", "Store", "Verify", "UnsetContext"}
	if got := f.root.log.list(); !equalStrings(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestFailedCreateDiscardsPartialTree(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, testServiceID)
	h := adaptorHandle("dlg-1")
	var childID string
	f.root.onPostCreate = func(ctx context.Context, ec pluginapi.EntityContext) error {
		child, err := ec.CreateChild(ctx, childComponentID)
		if err != nil {
			return err
		}
		childID = child.ID()
		if err := ec.Attach(ctx, h); err != nil {
			return err
		}
		return child.Attach(ctx, h)
	}
	f.root.postCreateErr = errors.New("setup rejected")

	var createErr error
	f.mustTx(t, func(ctx context.Context) error {
		if _, err := f.c.Activities().Create(ctx, h); err != nil {
			return err
		}
		_, createErr = svc.AddChild(ctx, "c1")
		return nil
	})
	var ce *CreateError
	if !errors.As(createErr, &ce) {
		t.Fatalf("expected *CreateError, got %v", createErr)
	}
	if childID == "" {
		t.Fatalf("expected PostCreate to create a child")
	}
	if _, ok := f.c.Store().GetEntity(childID); ok {
		t.Fatalf("child %s created by failed PostCreate survived", childID)
	}
	if n := len(f.c.Store().ListEntities()); n != 0 {
		t.Fatalf("expected no entities, got %d", n)
	}
	ac, ok := f.c.Store().GetActivityContext(h)
	if !ok {
		t.Fatalf("caller's activity context must commit")
	}
	if len(ac.Attachments) != 0 {
		t.Fatalf("attachments of the failed tree must be undone, got %v", ac.Attachments)
	}
	if f.root.log.count("Remove") != 0 || f.child.log.count("Remove") != 0 {
		t.Fatalf("discarding a failed creation must not run Remove hooks")
	}
	if svc.ContainsConvergenceName(context.Background(), "c1") {
		t.Fatalf("failed root must not be registered")
	}
}

func TestInvokeHookOrder(t *testing.T) {
	f := newFixture(t)
	id := f.addRoot(t, "c1")
	f.root.log.reset()
	err := f.invoke(id, func(context.Context, pluginapi.EntityContext) error {
		f.root.log.add("work")
		return nil
	})
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	want := []string{"SetContext", "Activate", "Load", "work", "Store", "Verify", "Passivate", "UnsetContext"}
	if got := f.root.log.list(); !equalStrings(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestFlushWritesOnlyWhenDirty(t *testing.T) {
	f := newFixture(t)
	id := f.addRoot(t, "c1")
	before, _ := f.c.Store().GetEntity(id)
	if err := f.invoke(id, func(_ context.Context, ec pluginapi.EntityContext) error {
		if ec.IsDirty() {
			t.Fatalf("fresh handle must be clean")
		}
		return nil
	}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	clean, _ := f.c.Store().GetEntity(id)
	if !clean.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("clean entity must not be written")
	}
	if err := f.invoke(id, func(_ context.Context, ec pluginapi.EntityContext) error {
		ec.SetField("state", "ringing")
		if !ec.IsDirty() {
			t.Fatalf("SetField must mark dirty")
		}
		return nil
	}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	rec, _ := f.c.Store().GetEntity(id)
	if rec.Fields["state"] != "ringing" {
		t.Fatalf("expected field persisted, got %+v", rec.Fields)
	}
}

func TestVerificationFailureAbortsMutation(t *testing.T) {
	f := newFixture(t)
	id := f.addRoot(t, "c1")
	other := f.addRoot(t, "c2")
	f.root.verifyErr = errors.New("state out of range")
	err := f.invoke(id, func(_ context.Context, ec pluginapi.EntityContext) error {
		ec.SetField("state", "broken")
		return nil
	})
	var verr *VerificationError
	if !errors.As(err, &verr) || verr.EntityID != id {
		t.Fatalf("expected *VerificationError for %s, got %v", id, err)
	}
	if rec, _ := f.c.Store().GetEntity(id); rec.Fields["state"] != nil {
		t.Fatalf("mutation must be rolled back, got %+v", rec.Fields)
	}
	f.root.verifyErr = nil
	if err := f.invoke(other, func(_ context.Context, ec pluginapi.EntityContext) error {
		ec.SetField("state", "fine")
		return nil
	}); err != nil {
		t.Fatalf("unrelated entity must be unaffected: %v", err)
	}
}

func TestCreateChildInheritsPriority(t *testing.T) {
	f := newFixture(t)
	id := f.addRoot(t, "c1")
	var childID string
	if err := f.invoke(id, func(ctx context.Context, ec pluginapi.EntityContext) error {
		child, err := ec.CreateChild(ctx, childComponentID)
		if err != nil {
			return err
		}
		childID = child.ID()
		if got := ec.Children(ctx); !equalStrings(got, []string{childID}) {
			t.Fatalf("expected children [%s], got %v", childID, got)
		}
		return nil
	}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	rec, ok := f.c.Store().GetEntity(childID)
	if !ok || rec.ParentID != id || rec.Priority != testPriority || rec.ServiceID != testServiceID || rec.IsRoot() {
		t.Fatalf("unexpected child record %+v", rec)
	}
	parent, _ := f.c.Store().GetEntity(id)
	if !equalStrings(parent.ChildIDs, []string{childID}) {
		t.Fatalf("expected parent to own child, got %v", parent.ChildIDs)
	}
}

func TestCreateChildUnknownComponent(t *testing.T) {
	f := newFixture(t)
	id := f.addRoot(t, "c1")
	var createErr error
	_ = f.invoke(id, func(ctx context.Context, ec pluginapi.EntityContext) error {
		_, createErr = ec.CreateChild(ctx, domain.ComponentID{Name: "missing"})
		return nil
	})
	var ce *CreateError
	if !errors.As(createErr, &ce) || !errors.Is(createErr, ErrUnknownComponent) {
		t.Fatalf("expected CreateError wrapping ErrUnknownComponent, got %v", createErr)
	}
	if parent, _ := f.c.Store().GetEntity(id); len(parent.ChildIDs) != 0 {
		t.Fatalf("failed child must not be linked, got %v", parent.ChildIDs)
	}
}

func TestRemoveCascadesDepthFirst(t *testing.T) {
	f := newFixture(t)
	svc := f.service(t, testServiceID)
	id := f.addRoot(t, "c1")
	h := adaptorHandle("dialog-1")
	var childID, grandID string
	if err := f.invoke(id, func(ctx context.Context, ec pluginapi.EntityContext) error {
		if _, err := f.c.Activities().Create(ctx, h); err != nil {
			return err
		}
		child, err := ec.CreateChild(ctx, childComponentID)
		if err != nil {
			return err
		}
		childID = child.ID()
		grand, err := child.CreateChild(ctx, childComponentID)
		if err != nil {
			return err
		}
		grandID = grand.ID()
		return child.Attach(ctx, h)
	}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	f.root.log.reset()
	f.mustTx(t, func(ctx context.Context) error { return f.c.Entities().Remove(ctx, id) })

	for _, gone := range []string{id, childID, grandID} {
		if _, ok := f.c.Store().GetEntity(gone); ok {
			t.Fatalf("entity %s survived removal", gone)
		}
	}
	if n := f.root.log.count("Remove"); n != 3 {
		t.Fatalf("expected Remove hook on every node, got %d", n)
	}
	ac, _ := f.c.Store().GetActivityContext(h)
	if len(ac.Attachments) != 0 {
		t.Fatalf("removed entities must be detached, got %v", ac.Attachments)
	}
	if svc.ContainsConvergenceName(context.Background(), "c1") {
		t.Fatalf("root mapping must be removed")
	}
}

func TestRemoveHookFailureIsReportedNotPropagated(t *testing.T) {
	f := newFixture(t)
	id := f.addRoot(t, "c1")
	f.root.removeErr = errors.New("teardown failed")
	f.mustTx(t, func(ctx context.Context) error { return f.c.Entities().Remove(ctx, id) })
	if _, ok := f.c.Store().GetEntity(id); ok {
		t.Fatalf("removal must complete despite hook failure")
	}
	if !f.logger.has("warn", "remove hook failed") {
		t.Fatalf("expected hook failure to be logged")
	}
}

func TestRemoveFromInsideInvocation(t *testing.T) {
	f := newFixture(t)
	id := f.addRoot(t, "c1")
	if err := f.invoke(id, func(ctx context.Context, ec pluginapi.EntityContext) error {
		ec.SetField("x", 1)
		return ec.Remove(ctx)
	}); err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if _, ok := f.c.Store().GetEntity(id); ok {
		t.Fatalf("expected entity removed")
	}
	if err := f.inTx(func(ctx context.Context) error { return f.c.Entities().Remove(ctx, id) }); !isNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestUsageParameterSetOnServiceEntityFails(t *testing.T) {
	f := newFixture(t)
	id := f.addRoot(t, "c1")
	e, err := f.c.Entities().Load(context.Background(), id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := e.UsageParameterSet(""); !errors.Is(err, ErrNotProfile) {
		t.Fatalf("expected ErrNotProfile, got %v", err)
	}
}
