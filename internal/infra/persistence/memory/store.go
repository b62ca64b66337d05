// Package memory provides the transactional in-memory store the container
// runs on. Durable backends plug in through a domain.SnapshotPersister that
// is invoked inside the commit, before the new state is published.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tiendc/go-deepcopy"

	"sleecore/pkg/domain"
)

var _ domain.PersistentStore = (*Store)(nil)

type (
	// Snapshot aliases domain.Snapshot for import/export.
	Snapshot = domain.Snapshot
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
)

// ErrNilAction is returned when a nil after-commit action is queued.
var ErrNilAction = errors.New("nil after-commit action")

// Option configures a Store.
type Option func(*Store)

// WithPersister makes every commit durable through p before it is published.
func WithPersister(p domain.SnapshotPersister) Option {
	return func(s *Store) {
		s.persister = p
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithIDGenerator overrides the generator used for records created without an ID.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newIDFn = fn
		}
	}
}

// WithActionErrorHandler receives failures of after-commit actions.
func WithActionErrorHandler(h func(ctx context.Context, err error)) Option {
	return func(s *Store) {
		s.onActionError = h
	}
}

// Store is a clone-on-begin transactional store. Transactions are serialised
// by a single mutex, so the committed-state getters (GetService,
// ListEntities, View, ExportState and the rest) must not be called from
// inside a RunInTransaction callback; use the transaction's own view there.
type Store struct {
	mu            sync.RWMutex
	state         memoryState
	engine        *RulesEngine
	nowFn         func() time.Time
	newIDFn       func() string
	persister     domain.SnapshotPersister
	onActionError func(context.Context, error)
	actionErrMu   sync.Mutex
}

type memoryState struct {
	services map[string]domain.ServiceRecord
	entities map[string]domain.EntityRecord
	contexts map[string]domain.ActivityContextRecord
}

// NewStore constructs an empty store evaluating engine before every commit.
func NewStore(engine *RulesEngine, opts ...Option) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	s := &Store{
		state:   newMemoryState(),
		engine:  engine,
		nowFn:   func() time.Time { return time.Now().UTC() },
		newIDFn: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Open constructs a store whose initial state is loaded from persister and
// whose commits are persisted through it.
func Open(ctx context.Context, engine *RulesEngine, persister domain.SnapshotPersister, opts ...Option) (*Store, error) {
	if persister == nil {
		return nil, errors.New("memory: nil persister")
	}
	s := NewStore(engine, append(opts, WithPersister(persister))...)
	snapshot, err := persister.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	s.ImportState(snapshot)
	return s, nil
}

func newMemoryState() memoryState {
	return memoryState{
		services: make(map[string]domain.ServiceRecord),
		entities: make(map[string]domain.EntityRecord),
		contexts: make(map[string]domain.ActivityContextRecord),
	}
}

func (s memoryState) clone() memoryState {
	out := memoryState{
		services: make(map[string]domain.ServiceRecord, len(s.services)),
		entities: make(map[string]domain.EntityRecord, len(s.entities)),
		contexts: make(map[string]domain.ActivityContextRecord, len(s.contexts)),
	}
	for k, v := range s.services {
		out.services[k] = cloneService(v)
	}
	for k, v := range s.entities {
		out.entities[k] = cloneEntity(v)
	}
	for k, v := range s.contexts {
		out.contexts[k] = cloneActivityContext(v)
	}
	return out
}

// snapshot exposes the state maps without copying; callers must not retain it.
func (s memoryState) snapshot() Snapshot {
	return Snapshot{Services: s.services, Entities: s.entities, ActivityContexts: s.contexts}
}

func memoryStateFromSnapshot(snapshot Snapshot) memoryState {
	state := memoryState{
		services: snapshot.Services,
		entities: snapshot.Entities,
		contexts: snapshot.ActivityContexts,
	}
	if state.services == nil {
		state.services = make(map[string]domain.ServiceRecord)
	}
	if state.entities == nil {
		state.entities = make(map[string]domain.EntityRecord)
	}
	if state.contexts == nil {
		state.contexts = make(map[string]domain.ActivityContextRecord)
	}
	return state.clone()
}

func cloneService(r domain.ServiceRecord) domain.ServiceRecord {
	if r.Children != nil {
		children := make(map[string]string, len(r.Children))
		for k, v := range r.Children {
			children[k] = v
		}
		r.Children = children
	}
	return r
}

func cloneEntity(r domain.EntityRecord) domain.EntityRecord {
	if r.ChildIDs != nil {
		r.ChildIDs = append([]string(nil), r.ChildIDs...)
	}
	if r.Attachments != nil {
		r.Attachments = append([]domain.ActivityContextHandle(nil), r.Attachments...)
	}
	r.Fields = cloneFields(r.Fields)
	return r
}

func cloneActivityContext(r domain.ActivityContextRecord) domain.ActivityContextRecord {
	if r.Attachments != nil {
		r.Attachments = append([]string(nil), r.Attachments...)
	}
	return r
}

func cloneFields(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	var out map[string]any
	if err := deepcopy.Copy(&out, &in); err != nil || out == nil {
		out = make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
	}
	return out
}

// ExportState returns a deep copy of the committed state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone().snapshot()
}

// ImportState replaces the committed state.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the configured rules engine.
func (s *Store) RulesEngine() *RulesEngine {
	return s.engine
}

// NowFunc exposes the store's time source.
func (s *Store) NowFunc() func() time.Time {
	return s.nowFn
}

// Close releases the persister, if any.
func (s *Store) Close() error {
	if s.persister == nil {
		return nil
	}
	return s.persister.Close()
}

// RunInTransaction executes fn against a private copy of the state. When fn
// succeeds and no blocking rule fires, the copy is persisted and published,
// the lock is released, and queued after-commit actions run in order before
// RunInTransaction returns. fn must not start a nested transaction.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) (Result, error) {
	result, actions, err := s.commit(ctx, fn)
	if err != nil {
		return result, err
	}
	s.runAfterCommit(ctx, actions)
	return result, nil
}

func (s *Store) commit(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) (Result, []domain.AfterCommitAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &transaction{
		store:  s,
		state:  s.state.clone(),
		now:    s.nowFn(),
		active: true,
	}
	defer tx.close()

	if err := fn(domain.WithTransaction(ctx, tx), tx); err != nil {
		return Result{}, nil, err
	}
	tx.close()

	var result Result
	if s.engine != nil {
		res, err := s.engine.Evaluate(ctx, newTransactionView(&tx.state), tx.changes)
		if err != nil {
			return Result{}, nil, err
		}
		result = res
		if res.HasBlocking() {
			return res, nil, domain.RuleViolationError{Result: res}
		}
	}

	if s.persister != nil && len(tx.changes) > 0 {
		if err := s.persister.Persist(ctx, tx.state.snapshot(), tx.changes); err != nil {
			return result, nil, fmt.Errorf("%w: %w", domain.ErrPersistence, err)
		}
	}

	s.state = tx.state
	return result, tx.actions, nil
}

func (s *Store) runAfterCommit(ctx context.Context, actions []domain.AfterCommitAction) {
	for i, action := range actions {
		if err := runAction(ctx, action); err != nil {
			s.reportActionError(ctx, fmt.Errorf("after-commit action %d: %w", i, err))
		}
	}
}

func runAction(ctx context.Context, action domain.AfterCommitAction) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return action(ctx)
}

func (s *Store) reportActionError(ctx context.Context, err error) {
	if s.onActionError == nil {
		return
	}
	s.actionErrMu.Lock()
	defer s.actionErrMu.Unlock()
	s.onActionError(ctx, err)
}

// View runs fn against a copy of the committed state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	snapshot := s.state.clone()
	s.mu.RUnlock()
	return fn(newTransactionView(&snapshot))
}

// GetService returns the committed service record.
func (s *Store) GetService(id domain.ServiceID) (domain.ServiceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.services[id.String()]
	if !ok {
		return domain.ServiceRecord{}, false
	}
	return cloneService(r), true
}

// GetEntity returns the committed entity record.
func (s *Store) GetEntity(id string) (domain.EntityRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.entities[id]
	if !ok {
		return domain.EntityRecord{}, false
	}
	return cloneEntity(r), true
}

// GetActivityContext returns the committed activity context record.
func (s *Store) GetActivityContext(h domain.ActivityContextHandle) (domain.ActivityContextRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.contexts[h.String()]
	if !ok {
		return domain.ActivityContextRecord{}, false
	}
	return cloneActivityContext(r), true
}

// ListServices returns committed services ordered by identifier.
func (s *Store) ListServices() []domain.ServiceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listServices(&s.state)
}

// ListEntities returns committed entities ordered by identifier.
func (s *Store) ListEntities() []domain.EntityRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listEntities(&s.state)
}

// ListActivityContexts returns committed activity contexts ordered by handle.
func (s *Store) ListActivityContexts() []domain.ActivityContextRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return listActivityContexts(&s.state)
}

func listServices(state *memoryState) []domain.ServiceRecord {
	keys := sortedKeys(state.services)
	out := make([]domain.ServiceRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, cloneService(state.services[k]))
	}
	return out
}

func listEntities(state *memoryState) []domain.EntityRecord {
	keys := sortedKeys(state.entities)
	out := make([]domain.EntityRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, cloneEntity(state.entities[k]))
	}
	return out
}

func listActivityContexts(state *memoryState) []domain.ActivityContextRecord {
	keys := sortedKeys(state.contexts)
	out := make([]domain.ActivityContextRecord, 0, len(keys))
	for _, k := range keys {
		out = append(out, cloneActivityContext(state.contexts[k]))
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func (v transactionView) ListServices() []domain.ServiceRecord { return listServices(v.state) }

func (v transactionView) FindService(id domain.ServiceID) (domain.ServiceRecord, bool) {
	r, ok := v.state.services[id.String()]
	if !ok {
		return domain.ServiceRecord{}, false
	}
	return cloneService(r), true
}

func (v transactionView) ListEntities() []domain.EntityRecord { return listEntities(v.state) }

func (v transactionView) FindEntity(id string) (domain.EntityRecord, bool) {
	r, ok := v.state.entities[id]
	if !ok {
		return domain.EntityRecord{}, false
	}
	return cloneEntity(r), true
}

func (v transactionView) ListActivityContexts() []domain.ActivityContextRecord {
	return listActivityContexts(v.state)
}

func (v transactionView) FindActivityContext(h domain.ActivityContextHandle) (domain.ActivityContextRecord, bool) {
	r, ok := v.state.contexts[h.String()]
	if !ok {
		return domain.ActivityContextRecord{}, false
	}
	return cloneActivityContext(r), true
}
