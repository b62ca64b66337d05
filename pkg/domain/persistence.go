package domain

import "context"

// AfterCommitAction is a side effect that runs only once its transaction has
// durably committed.
type AfterCommitAction func(ctx context.Context) error

// Transaction exposes the record operations a persistence implementation must
// support within an atomic scope. Writes are only visible through the
// transaction until it commits.
type Transaction interface {
	Snapshot() TransactionView
	// Active reports whether the transaction still accepts work.
	Active() bool
	// AfterCommit queues an action to run after a successful commit.
	AfterCommit(action AfterCommitAction) error

	CreateService(ServiceRecord) (ServiceRecord, error)
	UpdateService(id ServiceID, mutator func(*ServiceRecord) error) (ServiceRecord, error)
	DeleteService(id ServiceID) error
	FindService(id ServiceID) (ServiceRecord, bool)

	CreateEntity(EntityRecord) (EntityRecord, error)
	UpdateEntity(id string, mutator func(*EntityRecord) error) (EntityRecord, error)
	DeleteEntity(id string) error
	FindEntity(id string) (EntityRecord, bool)

	CreateActivityContext(ActivityContextRecord) (ActivityContextRecord, error)
	UpdateActivityContext(h ActivityContextHandle, mutator func(*ActivityContextRecord) error) (ActivityContextRecord, error)
	DeleteActivityContext(h ActivityContextHandle) error
	FindActivityContext(h ActivityContextHandle) (ActivityContextRecord, bool)
}

// TransactionView provides read-only access to snapshot data for rules.
type TransactionView interface {
	ListServices() []ServiceRecord
	FindService(id ServiceID) (ServiceRecord, bool)
	ListEntities() []EntityRecord
	FindEntity(id string) (EntityRecord, bool)
	ListActivityContexts() []ActivityContextRecord
	FindActivityContext(h ActivityContextHandle) (ActivityContextRecord, bool)
}

// PersistentStore is the transactional key-value store the kernel runs on.
type PersistentStore interface {
	// RunInTransaction executes fn inside a transaction. The context handed to
	// fn carries the transaction; see TransactionFromContext.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context, tx Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	GetService(id ServiceID) (ServiceRecord, bool)
	GetEntity(id string) (EntityRecord, bool)
	GetActivityContext(h ActivityContextHandle) (ActivityContextRecord, bool)
	ListServices() []ServiceRecord
	ListEntities() []EntityRecord
	ListActivityContexts() []ActivityContextRecord
	Close() error
}

// SnapshotPersister makes committed state durable. Persist is called with the
// state the transaction is about to publish and the changes it applied; a
// failure rolls the transaction back.
type SnapshotPersister interface {
	Load(ctx context.Context) (Snapshot, error)
	Persist(ctx context.Context, snapshot Snapshot, changes []Change) error
	Close() error
}

type txContextKey struct{}

// WithTransaction returns a context carrying tx as the ambient transaction.
func WithTransaction(ctx context.Context, tx Transaction) context.Context {
	return context.WithValue(ctx, txContextKey{}, tx)
}

// TransactionFromContext returns the ambient transaction, if any.
func TransactionFromContext(ctx context.Context) (Transaction, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txContextKey{}).(Transaction)
	return tx, ok && tx != nil
}
