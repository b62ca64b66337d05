package callcount

import (
	"context"
	"testing"
	"time"

	"sleecore/internal/core"
	"sleecore/pkg/domain"
	"sleecore/pkg/pluginapi"
)

type harness struct {
	t *testing.T
	c *core.Container
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	c := core.NewInMemoryContainer(nil, core.WithDeliveryRetry(1, time.Millisecond))
	t.Cleanup(func() { _ = c.Close() })
	if _, err := c.InstallPlugin(New(opts)); err != nil {
		t.Fatalf("install plugin: %v", err)
	}
	ctx := context.Background()
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.InstallService(ctx, ServiceID); err != nil {
		t.Fatalf("install service: %v", err)
	}
	if err := c.ActivateService(ctx, ServiceID); err != nil {
		t.Fatalf("activate service: %v", err)
	}
	h := &harness{t: t, c: c}
	h.drain()
	return h
}

func (h *harness) drain() {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.c.Drain(ctx); err != nil {
		h.t.Fatalf("drain: %v", err)
	}
}

func (h *harness) tx(fn func(ctx context.Context) error) {
	h.t.Helper()
	_, err := h.c.Store().RunInTransaction(context.Background(), func(ctx context.Context, _ domain.Transaction) error {
		return fn(ctx)
	})
	if err != nil {
		h.t.Fatalf("transaction: %v", err)
	}
}

func (h *harness) fire(handle domain.ActivityContextHandle, eventType string) {
	h.t.Helper()
	h.tx(func(ctx context.Context) error {
		ac, err := h.c.Activities().Get(ctx, handle, true)
		if err != nil {
			return err
		}
		return ac.FireEvent(ctx, pluginapi.Event{Type: eventType})
	})
	h.drain()
}

func (h *harness) root(handle domain.ActivityContextHandle) (domain.EntityRecord, bool) {
	h.t.Helper()
	svc, err := h.c.Service(ServiceID)
	if err != nil {
		h.t.Fatalf("service: %v", err)
	}
	id, ok := svc.RootEntityID(context.Background(), handle.String())
	if !ok {
		return domain.EntityRecord{}, false
	}
	return h.c.Store().GetEntity(id)
}

func callHandle(id string) domain.ActivityContextHandle {
	return domain.ActivityContextHandle{Kind: domain.ActivityKindAdaptor, Source: "sip", ID: id}
}

func TestPluginNameVersion(t *testing.T) {
	p := New(Options{})
	if p.Name() != "callcount" || p.Version() == "" {
		t.Fatalf("unexpected identity %s %s", p.Name(), p.Version())
	}
	if p.opts.MaxLegs != DefaultMaxLegs {
		t.Fatalf("expected default max legs, got %d", p.opts.MaxLegs)
	}
}

func TestCallLifecycle(t *testing.T) {
	h := newHarness(t, Options{MaxLegs: 2, Priority: 3})
	call := callHandle("call-1")

	h.fire(call, EventCallSetup)
	root, ok := h.root(call)
	if !ok {
		t.Fatalf("expected a root entity for the call")
	}
	if root.Priority != 3 || Counter(fieldReader(root), FieldSetups) != 1 {
		t.Fatalf("unexpected root %+v", root)
	}

	for range 3 {
		h.fire(call, EventLegAdded)
	}
	root, _ = h.root(call)
	if legs := Counter(fieldReader(root), FieldLegs); legs != 2 {
		t.Fatalf("expected the third leg rolled back, got %d legs", legs)
	}
	if len(root.ChildIDs) != 2 {
		t.Fatalf("expected 2 leg entities, got %v", root.ChildIDs)
	}
	leg, ok := h.c.Store().GetEntity(root.ChildIDs[0])
	if !ok || leg.ComponentID != LegComponentID || leg.Fields[FieldState] != "ringing" {
		t.Fatalf("unexpected leg %+v", leg)
	}

	h.tx(func(ctx context.Context) error {
		ac, err := h.c.Activities().Get(ctx, call, false)
		if err != nil {
			return err
		}
		return ac.End(ctx)
	})
	h.drain()
	if _, ok := h.root(call); ok {
		t.Fatalf("expected the call tree removed when the call ends")
	}
	if n := len(h.c.Store().ListEntities()); n != 0 {
		t.Fatalf("expected no entities left, got %d", n)
	}
}

func TestQuotaProfileCountsSetups(t *testing.T) {
	h := newHarness(t, Options{})
	table, ok := h.c.ProfileTable(QuotaTable)
	if !ok {
		t.Fatalf("expected quota table")
	}
	call := callHandle("call-2")
	h.tx(func(ctx context.Context) error {
		p, err := table.CreateProfile(ctx, "alice")
		if err != nil {
			return err
		}
		if _, err := h.c.Activities().Create(ctx, call); err != nil {
			return err
		}
		return p.Attach(ctx, call)
	})
	h.fire(call, EventCallSetup)
	set, err := table.UsageParameterSet("daily")
	if err != nil {
		t.Fatalf("usage set: %v", err)
	}
	if got := set.Counter("calls"); got != 1 {
		t.Fatalf("expected 1 counted call, got %d", got)
	}
}

func TestUnattachedCallRule(t *testing.T) {
	rule := unattachedCallRule{}
	if rule.Name() != "callcount_unattached_call" {
		t.Fatalf("unexpected name %s", rule.Name())
	}
	view := recordView{
		"root":     {ID: "root", ComponentID: CallComponentID},
		"leg":      {ID: "leg", ComponentID: LegComponentID, ParentID: "root"},
		"attached": {ID: "attached", ComponentID: CallComponentID, Attachments: []domain.ActivityContextHandle{callHandle("x")}},
	}
	changes := []domain.Change{
		{Entity: domain.EntityManaged, Action: domain.ActionCreate, Key: "root"},
		{Entity: domain.EntityManaged, Action: domain.ActionUpdate, Key: "root"},
		{Entity: domain.EntityManaged, Action: domain.ActionCreate, Key: "leg"},
		{Entity: domain.EntityManaged, Action: domain.ActionUpdate, Key: "attached"},
		{Entity: domain.EntityManaged, Action: domain.ActionDelete, Key: "gone"},
	}
	res, err := rule.Evaluate(context.Background(), view, changes)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Violations) != 1 || res.Violations[0].EntityID != "root" || res.HasBlocking() {
		t.Fatalf("unexpected violations %+v", res.Violations)
	}
}

func TestCounterConversions(t *testing.T) {
	rec := domain.EntityRecord{Fields: map[string]any{"a": 2, "b": int64(3), "c": float64(4), "d": "x"}}
	r := fieldReader(rec)
	for name, want := range map[string]int{"a": 2, "b": 3, "c": 4, "d": 0, "missing": 0} {
		if got := Counter(r, name); got != want {
			t.Fatalf("Counter(%s)=%d want %d", name, got, want)
		}
	}
}

type fieldReader domain.EntityRecord

func (r fieldReader) Field(name string) (any, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

type recordView map[string]domain.EntityRecord

func (v recordView) ListServices() []domain.ServiceRecord { return nil }
func (v recordView) FindService(domain.ServiceID) (domain.ServiceRecord, bool) {
	return domain.ServiceRecord{}, false
}
func (v recordView) ListEntities() []domain.EntityRecord { return nil }
func (v recordView) FindEntity(id string) (domain.EntityRecord, bool) {
	rec, ok := v[id]
	return rec, ok
}
func (v recordView) ListActivityContexts() []domain.ActivityContextRecord { return nil }
func (v recordView) FindActivityContext(domain.ActivityContextHandle) (domain.ActivityContextRecord, bool) {
	return domain.ActivityContextRecord{}, false
}
