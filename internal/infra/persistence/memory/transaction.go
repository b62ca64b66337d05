package memory

import (
	"errors"
	"time"

	"sleecore/pkg/domain"
)

type transaction struct {
	store   *Store
	state   memoryState
	changes []domain.Change
	actions []domain.AfterCommitAction
	now     time.Time
	active  bool
}

func (tx *transaction) close() {
	tx.active = false
}

func (tx *transaction) recordChange(change domain.Change) {
	tx.changes = append(tx.changes, change)
}

// Snapshot returns a read-only view of the transaction state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// Active reports whether the transaction still accepts work.
func (tx *transaction) Active() bool {
	return tx.active
}

// AfterCommit queues action to run after a successful commit.
func (tx *transaction) AfterCommit(action domain.AfterCommitAction) error {
	if !tx.active {
		return domain.ErrTransactionClosed
	}
	if action == nil {
		return ErrNilAction
	}
	tx.actions = append(tx.actions, action)
	return nil
}

func (tx *transaction) ensureActive() error {
	if !tx.active {
		return domain.ErrTransactionClosed
	}
	return nil
}

// CreateService stores a new service record.
func (tx *transaction) CreateService(r domain.ServiceRecord) (domain.ServiceRecord, error) {
	if err := tx.ensureActive(); err != nil {
		return domain.ServiceRecord{}, err
	}
	if r.ID.IsZero() {
		return domain.ServiceRecord{}, errors.New("service record requires an id")
	}
	key := r.ID.String()
	if _, exists := tx.state.services[key]; exists {
		return domain.ServiceRecord{}, domain.ErrAlreadyExists{Entity: domain.EntityService, ID: key}
	}
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.state.services[key] = cloneService(r)
	tx.recordChange(domain.Change{Entity: domain.EntityService, Action: domain.ActionCreate, Key: key, After: cloneService(r)})
	return cloneService(r), nil
}

// UpdateService mutates a service record.
func (tx *transaction) UpdateService(id domain.ServiceID, mutator func(*domain.ServiceRecord) error) (domain.ServiceRecord, error) {
	if err := tx.ensureActive(); err != nil {
		return domain.ServiceRecord{}, err
	}
	key := id.String()
	current, ok := tx.state.services[key]
	if !ok {
		return domain.ServiceRecord{}, domain.ErrNotFound{Entity: domain.EntityService, ID: key}
	}
	before := cloneService(current)
	if err := mutator(&current); err != nil {
		return domain.ServiceRecord{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.services[key] = cloneService(current)
	tx.recordChange(domain.Change{Entity: domain.EntityService, Action: domain.ActionUpdate, Key: key, Before: before, After: cloneService(current)})
	return cloneService(current), nil
}

// DeleteService removes a service record.
func (tx *transaction) DeleteService(id domain.ServiceID) error {
	if err := tx.ensureActive(); err != nil {
		return err
	}
	key := id.String()
	current, ok := tx.state.services[key]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityService, ID: key}
	}
	delete(tx.state.services, key)
	tx.recordChange(domain.Change{Entity: domain.EntityService, Action: domain.ActionDelete, Key: key, Before: cloneService(current)})
	return nil
}

// FindService looks up a service record visible to the transaction.
func (tx *transaction) FindService(id domain.ServiceID) (domain.ServiceRecord, bool) {
	return newTransactionView(&tx.state).FindService(id)
}

// CreateEntity stores a new entity record, generating an ID when empty.
func (tx *transaction) CreateEntity(r domain.EntityRecord) (domain.EntityRecord, error) {
	if err := tx.ensureActive(); err != nil {
		return domain.EntityRecord{}, err
	}
	if r.ID == "" {
		r.ID = tx.store.newIDFn()
	}
	if _, exists := tx.state.entities[r.ID]; exists {
		return domain.EntityRecord{}, domain.ErrAlreadyExists{Entity: domain.EntityManaged, ID: r.ID}
	}
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.state.entities[r.ID] = cloneEntity(r)
	tx.recordChange(domain.Change{Entity: domain.EntityManaged, Action: domain.ActionCreate, Key: r.ID, After: cloneEntity(r)})
	return cloneEntity(r), nil
}

// UpdateEntity mutates an entity record.
func (tx *transaction) UpdateEntity(id string, mutator func(*domain.EntityRecord) error) (domain.EntityRecord, error) {
	if err := tx.ensureActive(); err != nil {
		return domain.EntityRecord{}, err
	}
	current, ok := tx.state.entities[id]
	if !ok {
		return domain.EntityRecord{}, domain.ErrNotFound{Entity: domain.EntityManaged, ID: id}
	}
	before := cloneEntity(current)
	if err := mutator(&current); err != nil {
		return domain.EntityRecord{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.entities[id] = cloneEntity(current)
	tx.recordChange(domain.Change{Entity: domain.EntityManaged, Action: domain.ActionUpdate, Key: id, Before: before, After: cloneEntity(current)})
	return cloneEntity(current), nil
}

// DeleteEntity removes an entity record.
func (tx *transaction) DeleteEntity(id string) error {
	if err := tx.ensureActive(); err != nil {
		return err
	}
	current, ok := tx.state.entities[id]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityManaged, ID: id}
	}
	delete(tx.state.entities, id)
	tx.recordChange(domain.Change{Entity: domain.EntityManaged, Action: domain.ActionDelete, Key: id, Before: cloneEntity(current)})
	return nil
}

// FindEntity looks up an entity record visible to the transaction.
func (tx *transaction) FindEntity(id string) (domain.EntityRecord, bool) {
	return newTransactionView(&tx.state).FindEntity(id)
}

// CreateActivityContext stores a new activity context record.
func (tx *transaction) CreateActivityContext(r domain.ActivityContextRecord) (domain.ActivityContextRecord, error) {
	if err := tx.ensureActive(); err != nil {
		return domain.ActivityContextRecord{}, err
	}
	if r.Handle.ID == "" {
		return domain.ActivityContextRecord{}, errors.New("activity context requires a handle id")
	}
	key := r.Handle.String()
	if _, exists := tx.state.contexts[key]; exists {
		return domain.ActivityContextRecord{}, domain.ErrAlreadyExists{Entity: domain.EntityActivityContext, ID: key}
	}
	r.CreatedAt = tx.now
	r.UpdatedAt = tx.now
	tx.state.contexts[key] = cloneActivityContext(r)
	tx.recordChange(domain.Change{Entity: domain.EntityActivityContext, Action: domain.ActionCreate, Key: key, After: cloneActivityContext(r)})
	return cloneActivityContext(r), nil
}

// UpdateActivityContext mutates an activity context record.
func (tx *transaction) UpdateActivityContext(h domain.ActivityContextHandle, mutator func(*domain.ActivityContextRecord) error) (domain.ActivityContextRecord, error) {
	if err := tx.ensureActive(); err != nil {
		return domain.ActivityContextRecord{}, err
	}
	key := h.String()
	current, ok := tx.state.contexts[key]
	if !ok {
		return domain.ActivityContextRecord{}, domain.ErrNotFound{Entity: domain.EntityActivityContext, ID: key}
	}
	before := cloneActivityContext(current)
	if err := mutator(&current); err != nil {
		return domain.ActivityContextRecord{}, err
	}
	current.Handle = h
	current.CreatedAt = before.CreatedAt
	current.UpdatedAt = tx.now
	tx.state.contexts[key] = cloneActivityContext(current)
	tx.recordChange(domain.Change{Entity: domain.EntityActivityContext, Action: domain.ActionUpdate, Key: key, Before: before, After: cloneActivityContext(current)})
	return cloneActivityContext(current), nil
}

// DeleteActivityContext removes an activity context record.
func (tx *transaction) DeleteActivityContext(h domain.ActivityContextHandle) error {
	if err := tx.ensureActive(); err != nil {
		return err
	}
	key := h.String()
	current, ok := tx.state.contexts[key]
	if !ok {
		return domain.ErrNotFound{Entity: domain.EntityActivityContext, ID: key}
	}
	delete(tx.state.contexts, key)
	tx.recordChange(domain.Change{Entity: domain.EntityActivityContext, Action: domain.ActionDelete, Key: key, Before: cloneActivityContext(current)})
	return nil
}

// FindActivityContext looks up an activity context visible to the transaction.
func (tx *transaction) FindActivityContext(h domain.ActivityContextHandle) (domain.ActivityContextRecord, bool) {
	return newTransactionView(&tx.state).FindActivityContext(h)
}
