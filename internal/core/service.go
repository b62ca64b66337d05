package core

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"sleecore/pkg/domain"
	"sleecore/pkg/pluginapi"
)

// ServiceDeps are the collaborators a Service needs. The container builds
// them once; tests can assemble their own.
type ServiceDeps struct {
	Store      domain.PersistentStore
	Entities   *EntityFactory
	Activities *ActivityContextFactory
	Adaptors   *AdaptorRegistry
	Logger     Logger
	// OnActionError receives failures of after-commit actions queued by the
	// service, tagged with a short operation name.
	OnActionError func(ctx context.Context, op string, err error)
}

// Service is the lifecycle manager for one deployed service descriptor. It
// holds no state of its own: every read and write goes through the store.
type Service struct {
	desc pluginapi.ServiceDescriptor
	deps ServiceDeps
}

// NewService binds desc to deps. With initializeRecord set the cached record
// is created in the ambient transaction when missing.
func NewService(ctx context.Context, desc *pluginapi.ServiceDescriptor, initializeRecord bool, deps ServiceDeps) (*Service, error) {
	if desc == nil {
		return nil, &ArgumentError{Name: "service descriptor"}
	}
	if deps.Store == nil {
		return nil, &SystemError{Op: "create service", Err: fmt.Errorf("store unavailable")}
	}
	if deps.Logger == nil {
		deps.Logger = noopLogger{}
	}
	s := &Service{desc: *desc, deps: deps}
	if !initializeRecord {
		return s, nil
	}
	tx, err := MandateTransaction(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := tx.FindService(desc.ID); ok {
		return s, nil
	}
	if _, err := tx.CreateService(domain.ServiceRecord{ID: desc.ID, State: domain.ServiceInactive}); err != nil {
		return nil, &SystemError{Op: "create service " + desc.ID.String(), Err: err}
	}
	return s, nil
}

// ID returns the service identifier.
func (s *Service) ID() domain.ServiceID { return s.desc.ID }

// Descriptor returns the deployed descriptor.
func (s *Service) Descriptor() pluginapi.ServiceDescriptor { return s.desc }

// ActivityHandle returns the handle of the service's own activity.
func (s *Service) ActivityHandle() domain.ActivityContextHandle {
	return domain.ServiceActivityHandle(s.desc.ID)
}

func (s *Service) record(ctx context.Context) (domain.ServiceRecord, bool) {
	if tx := viewFor(ctx); tx != nil {
		return tx.FindService(s.desc.ID)
	}
	return s.deps.Store.GetService(s.desc.ID)
}

// ensureRecord returns the cached record, creating it when missing.
func (s *Service) ensureRecord(tx domain.Transaction) (domain.ServiceRecord, error) {
	if rec, ok := tx.FindService(s.desc.ID); ok {
		return rec, nil
	}
	return tx.CreateService(domain.ServiceRecord{ID: s.desc.ID, State: domain.ServiceInactive})
}

// SetState writes state and queues one after-commit notification to every
// registered resource adaptor entity.
func (s *Service) SetState(ctx context.Context, state domain.ServiceState) error {
	if !state.Valid() {
		return &ArgumentError{Name: "state", Reason: fmt.Sprintf("unknown state %q", state)}
	}
	tx, err := MandateTransaction(ctx)
	if err != nil {
		return err
	}
	if _, err := s.ensureRecord(tx); err != nil {
		return err
	}
	if _, err := tx.UpdateService(s.desc.ID, func(r *domain.ServiceRecord) error {
		r.State = state
		return nil
	}); err != nil {
		return err
	}
	id := s.desc.ID
	return AddAfterCommitAction(ctx, func(ctx context.Context) error {
		if err := s.deps.Adaptors.notify(ctx, id, state); err != nil {
			if s.deps.OnActionError != nil {
				s.deps.OnActionError(ctx, "notify_adaptors", err)
			}
		}
		return nil
	})
}

// State returns the operational state. A missing record or an unstated
// value reads as INACTIVE.
func (s *Service) State(ctx context.Context) domain.ServiceState {
	rec, ok := s.record(ctx)
	if !ok || rec.State == "" {
		return domain.ServiceInactive
	}
	return rec.State
}

// AddChild creates a root entity registered under convergenceName.
func (s *Service) AddChild(ctx context.Context, convergenceName string) (*Entity, error) {
	if convergenceName == "" {
		return nil, &ArgumentError{Name: "convergence name"}
	}
	tx, err := MandateTransaction(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := s.ensureRecord(tx)
	if err != nil {
		return nil, err
	}
	if _, exists := rec.Children[convergenceName]; exists {
		return nil, domain.ErrAlreadyExists{Entity: domain.EntityService, ID: s.desc.ID.String() + "/" + convergenceName}
	}
	root, err := s.deps.Entities.CreateRoot(ctx, s.desc, convergenceName)
	if err != nil {
		return nil, err
	}
	if _, err := tx.UpdateService(s.desc.ID, func(r *domain.ServiceRecord) error {
		if r.Children == nil {
			r.Children = make(map[string]string)
		}
		r.Children[convergenceName] = root.ID()
		return nil
	}); err != nil {
		if cleanErr := s.deps.Entities.discard(ctx, tx, root.ID()); cleanErr != nil {
			err = errors.Join(err, cleanErr)
		}
		return nil, &CreateError{Component: s.desc.RootComponent, Err: err}
	}
	s.deps.Logger.Debug("root entity added", "service", s.desc.ID.String(), "convergence_name", convergenceName, "entity", root.ID())
	return root, nil
}

// RootEntityID returns the root registered under convergenceName.
func (s *Service) RootEntityID(ctx context.Context, convergenceName string) (string, bool) {
	rec, ok := s.record(ctx)
	if !ok {
		return "", false
	}
	id, ok := rec.Children[convergenceName]
	return id, ok
}

// ContainsConvergenceName reports whether convergenceName is registered.
func (s *Service) ContainsConvergenceName(ctx context.Context, convergenceName string) bool {
	_, ok := s.RootEntityID(ctx, convergenceName)
	return ok
}

// RemoveConvergenceName drops the mapping. The entity itself is untouched.
func (s *Service) RemoveConvergenceName(ctx context.Context, convergenceName string) error {
	tx, err := MandateTransaction(ctx)
	if err != nil {
		return err
	}
	rec, ok := tx.FindService(s.desc.ID)
	if !ok {
		return nil
	}
	if _, ok := rec.Children[convergenceName]; !ok {
		return nil
	}
	_, err = tx.UpdateService(s.desc.ID, func(r *domain.ServiceRecord) error {
		delete(r.Children, convergenceName)
		return nil
	})
	return err
}

// ConvergenceNames lists registered names, sorted.
func (s *Service) ConvergenceNames(ctx context.Context) []string {
	rec, _ := s.record(ctx)
	names := make([]string, 0, len(rec.Children))
	for name := range rec.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartActivity creates the service activity context and defers the
// service-started event on it.
func (s *Service) StartActivity(ctx context.Context) (*ActivityContext, error) {
	ac, err := s.deps.Activities.Create(ctx, s.ActivityHandle())
	if err != nil {
		return nil, err
	}
	if err := ac.FireEvent(ctx, pluginapi.Event{Type: pluginapi.EventServiceStarted, Payload: s.desc.ID}); err != nil {
		return nil, err
	}
	return ac, nil
}

// EndActivity ends the service activity context. A missing context is
// logged and ignored.
func (s *Service) EndActivity(ctx context.Context) error {
	if _, err := MandateTransaction(ctx); err != nil {
		return err
	}
	ac, err := s.deps.Activities.Get(ctx, s.ActivityHandle(), false)
	if err != nil {
		return err
	}
	if ac == nil {
		s.deps.Logger.Warn("end requested on non-existent service activity", "service", s.desc.ID.String())
		return nil
	}
	return ac.End(ctx)
}

// Remove deletes the cached record. Root entities must be gone first.
func (s *Service) Remove(ctx context.Context) error {
	tx, err := MandateTransaction(ctx)
	if err != nil {
		return err
	}
	rec, ok := tx.FindService(s.desc.ID)
	if !ok {
		return nil
	}
	if len(rec.Children) > 0 {
		return fmt.Errorf("%w: %s has %d", ErrServiceHasChildren, s.desc.ID, len(rec.Children))
	}
	return tx.DeleteService(s.desc.ID)
}

// Entity loads one of the service's entities.
func (s *Service) Entity(ctx context.Context, id string) (*Entity, error) {
	e, err := s.deps.Entities.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.ServiceID() != s.desc.ID {
		return nil, domain.ErrNotFound{Entity: domain.EntityManaged, ID: id}
	}
	return e, nil
}
