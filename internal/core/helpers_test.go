package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"sleecore/pkg/domain"
	"sleecore/pkg/pluginapi"
)

var (
	testServiceID    = domain.ServiceID{Name: "S1", Vendor: "acme", Version: "1.0"}
	otherServiceID   = domain.ServiceID{Name: "S2", Vendor: "acme", Version: "1.0"}
	rootComponentID  = domain.ComponentID{Name: "call-root", Vendor: "acme", Version: "1.0"}
	childComponentID = domain.ComponentID{Name: "call-leg", Vendor: "acme", Version: "1.0"}
	otherRootID      = domain.ComponentID{Name: "other-root", Vendor: "acme", Version: "1.0"}
	subscriberID     = domain.ComponentID{Name: "subscriber", Vendor: "acme", Version: "1.0"}
)

const testPriority int8 = 7

// hookLog records lifecycle hook calls across component instances.
type hookLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *hookLog) add(call string) {
	l.mu.Lock()
	l.calls = append(l.calls, call)
	l.mu.Unlock()
}

func (l *hookLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (l *hookLog) reset() {
	l.mu.Lock()
	l.calls = nil
	l.mu.Unlock()
}

func (l *hookLog) count(call string) int {
	n := 0
	for _, c := range l.list() {
		if c == call {
			n++
		}
	}
	return n
}

// behaviour configures testComponent instances of one type.
type behaviour struct {
	log            *hookLog
	postCreateErr  error
	onPostCreate   func(ctx context.Context, ec pluginapi.EntityContext) error
	verifyErr      error
	removeErr      error
	onEvent        func(ctx context.Context, ec pluginapi.EntityContext, ev pluginapi.Event) error
	touchOnInvoke  bool
	failVerifyOnEv bool
}

type testComponent struct {
	pluginapi.BaseComponent
	b       *behaviour
	inEvent bool
}

func (c *testComponent) SetContext(ec pluginapi.EntityContext) {
	c.b.log.add("SetContext")
	c.BaseComponent.SetContext(ec)
}

func (c *testComponent) UnsetContext() {
	c.b.log.add("UnsetContext")
	c.BaseComponent.UnsetContext()
}

func (c *testComponent) Initialize(context.Context) {
	c.b.log.add("Initialize")
}

func (c *testComponent) PostCreate(ctx context.Context) error {
	c.b.log.add("PostCreate")
	if c.b.onPostCreate != nil {
		if err := c.b.onPostCreate(ctx, c.Context()); err != nil {
			return err
		}
	}
	return c.b.postCreateErr
}

func (c *testComponent) Load(context.Context) error {
	c.b.log.add("Load")
	return nil
}

func (c *testComponent) Store(context.Context) error {
	c.b.log.add("Store")
	return nil
}

func (c *testComponent) Activate(context.Context)  { c.b.log.add("Activate") }
func (c *testComponent) Passivate(context.Context) { c.b.log.add("Passivate") }

func (c *testComponent) Verify(context.Context) error {
	c.b.log.add("Verify")
	if c.inEvent && c.b.failVerifyOnEv {
		return errors.New("invariant broken")
	}
	return c.b.verifyErr
}

func (c *testComponent) Remove(context.Context) error {
	c.b.log.add("Remove")
	return c.b.removeErr
}

func (c *testComponent) HandleEvent(ctx context.Context, ev pluginapi.Event) error {
	c.b.log.add("HandleEvent:" + ev.Type)
	c.inEvent = true
	if c.b.touchOnInvoke {
		n, _ := c.Context().Field("events")
		count, _ := n.(int)
		c.Context().SetField("events", count+1)
	}
	if c.b.onEvent != nil {
		return c.b.onEvent(ctx, c.Context(), ev)
	}
	return nil
}

// testPlugin registers S1 rooted at call-root, S2 rooted at other-root, the
// call-leg child type and a subscriber profile table.
type testPlugin struct {
	root, child, other, profile *behaviour
	name                        string
	rootInitial                 []string
}

func (p testPlugin) Name() string {
	if p.name != "" {
		return p.name
	}
	return "test"
}

func (p testPlugin) Version() string { return "1.0.0" }

func (p testPlugin) Register(reg pluginapi.Registry) error {
	descs := []pluginapi.ComponentDescriptor{
		{ID: rootComponentID, New: newFactory(p.root), InitialEvents: p.rootInitial},
		{ID: childComponentID, New: newFactory(p.child)},
		{ID: otherRootID, New: newFactory(p.other)},
		{ID: subscriberID, Kind: domain.EntityKindProfile, New: newFactory(p.profile)},
	}
	for _, d := range descs {
		if err := reg.RegisterComponent(d); err != nil {
			return err
		}
	}
	if err := reg.RegisterService(pluginapi.ServiceDescriptor{ID: testServiceID, RootComponent: rootComponentID, DefaultPriority: testPriority}); err != nil {
		return err
	}
	if err := reg.RegisterService(pluginapi.ServiceDescriptor{ID: otherServiceID, RootComponent: otherRootID}); err != nil {
		return err
	}
	return reg.RegisterProfileTable(pluginapi.ProfileTableSpec{Name: "subscribers", Component: subscriberID, UsageParameterSets: []string{"calls"}})
}

func newFactory(b *behaviour) func() pluginapi.Component {
	return func() pluginapi.Component { return &testComponent{b: b} }
}

// fixture is a container with the test plugin installed.
type fixture struct {
	c       *Container
	root    *behaviour
	child   *behaviour
	other   *behaviour
	profile *behaviour
	ra      *recordingAdaptor
	logger  *captureLogger
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWith(t, func(*testPlugin) {}, opts...)
}

func newFixtureWith(t *testing.T, tweak func(*testPlugin), opts ...Option) *fixture {
	t.Helper()
	log := &hookLog{}
	f := &fixture{
		root:    &behaviour{log: log},
		child:   &behaviour{log: log},
		other:   &behaviour{log: log},
		profile: &behaviour{log: log},
		ra:      &recordingAdaptor{name: "R1"},
		logger:  &captureLogger{},
	}
	plugin := testPlugin{root: f.root, child: f.child, other: f.other, profile: f.profile}
	tweak(&plugin)
	opts = append([]Option{WithLogger(f.logger), WithDeliveryRetry(1, time.Millisecond)}, opts...)
	f.c = NewInMemoryContainer(nil, opts...)
	if _, err := f.c.InstallPlugin(plugin); err != nil {
		t.Fatalf("install plugin: %v", err)
	}
	if err := f.c.Adaptors().Register(f.ra); err != nil {
		t.Fatalf("register adaptor: %v", err)
	}
	t.Cleanup(func() { _ = f.c.Close() })
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.c.Drain(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

func (f *fixture) service(t *testing.T, id domain.ServiceID) *Service {
	t.Helper()
	svc, err := f.c.Service(id)
	if err != nil {
		t.Fatalf("service %s: %v", id, err)
	}
	return svc
}

// inTx runs fn in a container transaction and returns its error.
func (f *fixture) inTx(fn func(ctx context.Context) error) error {
	_, err := f.c.Store().RunInTransaction(context.Background(), func(ctx context.Context, _ domain.Transaction) error {
		return fn(ctx)
	})
	return err
}

func (f *fixture) mustTx(t *testing.T, fn func(ctx context.Context) error) {
	t.Helper()
	if err := f.inTx(fn); err != nil {
		t.Fatalf("transaction: %v", err)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type recordingAdaptor struct {
	name string
	mu   sync.Mutex
	got  []string
	err  error
}

func (r *recordingAdaptor) Name() string { return r.name }

func (r *recordingAdaptor) record(kind string, id domain.ServiceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, kind+"("+id.Name+")")
	return r.err
}

func (r *recordingAdaptor) ServiceActive(_ context.Context, id domain.ServiceID) error {
	return r.record("serviceActive", id)
}

func (r *recordingAdaptor) ServiceStopping(_ context.Context, id domain.ServiceID) error {
	return r.record("serviceStopping", id)
}

func (r *recordingAdaptor) ServiceInactive(_ context.Context, id domain.ServiceID) error {
	return r.record("serviceInactive", id)
}

func (r *recordingAdaptor) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

type logEntry struct {
	level string
	msg   string
	args  []any
}

type captureLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (l *captureLogger) add(level, msg string, args []any) {
	l.mu.Lock()
	l.entries = append(l.entries, logEntry{level: level, msg: msg, args: args})
	l.mu.Unlock()
}

func (l *captureLogger) Debug(msg string, args ...any) { l.add("debug", msg, args) }
func (l *captureLogger) Info(msg string, args ...any)  { l.add("info", msg, args) }
func (l *captureLogger) Warn(msg string, args ...any)  { l.add("warn", msg, args) }
func (l *captureLogger) Error(msg string, args ...any) { l.add("error", msg, args) }

func (l *captureLogger) has(level, msg string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.entries {
		if e.level == level && e.msg == msg {
			return true
		}
	}
	return false
}

type captureAuditRecorder struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	c.mu.Lock()
	c.entries = append(c.entries, entry)
	c.mu.Unlock()
}

func (c *captureAuditRecorder) has(op string, status AuditStatus) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, entry := range c.entries {
		if entry.Operation == op && entry.Status == status {
			return true
		}
	}
	return false
}

type metricsCall struct {
	op       string
	success  bool
	duration time.Duration
}

type captureMetricsRecorder struct {
	mu    sync.Mutex
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, duration time.Duration) {
	c.mu.Lock()
	c.calls = append(c.calls, metricsCall{op: op, success: success, duration: duration})
	c.mu.Unlock()
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type captureUsageRecorder struct {
	mu      sync.Mutex
	updates []string
}

func (c *captureUsageRecorder) AddUsage(table, set, param string, delta int64) {
	c.mu.Lock()
	c.updates = append(c.updates, fmt.Sprintf("add %s/%s/%s %d", table, set, param, delta))
	c.mu.Unlock()
}

func (c *captureUsageRecorder) SampleUsage(table, set, param string, value int64) {
	c.mu.Lock()
	c.updates = append(c.updates, fmt.Sprintf("sample %s/%s/%s %d", table, set, param, value))
	c.mu.Unlock()
}

func (c *captureUsageRecorder) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.updates...)
}

type captureTracer struct {
	mu    sync.Mutex
	ended []spanRecord
}

type spanRecord struct {
	op  string
	err error
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	return ctx, &captureSpan{tracer: c, op: op}
}

func (c *captureTracer) has(op string, success bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, record := range c.ended {
		if record.op == op && (record.err == nil) == success {
			return true
		}
	}
	return false
}

type captureSpan struct {
	tracer *captureTracer
	op     string
}

func (s *captureSpan) End(err error) {
	s.tracer.mu.Lock()
	s.tracer.ended = append(s.tracer.ended, spanRecord{op: s.op, err: err})
	s.tracer.mu.Unlock()
}

// stubClock advances by step on every read.
type stubClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

func adaptorHandle(id string) domain.ActivityContextHandle {
	return domain.ActivityContextHandle{Kind: domain.ActivityKindAdaptor, Source: "sip", ID: id}
}

func equalStrings(a, b []string) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
