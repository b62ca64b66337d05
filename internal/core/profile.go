package core

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"

	"sleecore/pkg/domain"
	"sleecore/pkg/pluginapi"
)

const profileIDPrefix = "profile/"

// ProfileTable manages the profile entities of one table and its usage
// parameter sets. Usage data is not transactional and is not persisted.
type ProfileTable struct {
	def     pluginapi.ProfileTableSpec
	factory *EntityFactory

	mu   sync.Mutex
	sets map[string]*usageParameterSet
}

func newProfileTable(def pluginapi.ProfileTableSpec, factory *EntityFactory) *ProfileTable {
	t := &ProfileTable{def: def, factory: factory, sets: make(map[string]*usageParameterSet)}
	t.sets[""] = newUsageParameterSet(def.Name, "", factory.obs)
	for _, name := range def.UsageParameterSets {
		t.sets[name] = newUsageParameterSet(def.Name, name, factory.obs)
	}
	return t
}

// Name returns the table name.
func (t *ProfileTable) Name() string { return t.def.Name }

func (t *ProfileTable) profileID(name string) string {
	return profileIDPrefix + t.def.Name + "/" + name
}

// CreateProfile creates the named profile entity.
func (t *ProfileTable) CreateProfile(ctx context.Context, name string) (*Entity, error) {
	if name == "" {
		return nil, &ArgumentError{Name: "profile name"}
	}
	tx, err := MandateTransaction(ctx)
	if err != nil {
		return nil, err
	}
	id := t.profileID(name)
	if _, exists := tx.FindEntity(id); exists {
		return nil, domain.ErrAlreadyExists{Entity: domain.EntityManaged, ID: id}
	}
	return t.factory.create(ctx, domain.EntityRecord{
		ID:           id,
		Kind:         domain.EntityKindProfile,
		ComponentID:  t.def.Component,
		ProfileTable: t.def.Name,
		ProfileName:  name,
	})
}

// Profile loads the named profile entity.
func (t *ProfileTable) Profile(ctx context.Context, name string) (*Entity, error) {
	return t.factory.Load(ctx, t.profileID(name))
}

// RemoveProfile removes the named profile entity.
func (t *ProfileTable) RemoveProfile(ctx context.Context, name string) error {
	return t.factory.Remove(ctx, t.profileID(name))
}

// Profiles lists profile names in the table, sorted.
func (t *ProfileTable) Profiles(ctx context.Context) []string {
	var recs []domain.EntityRecord
	if tx := viewFor(ctx); tx != nil {
		recs = tx.Snapshot().ListEntities()
	} else {
		recs = t.factory.store.ListEntities()
	}
	prefix := t.profileID("")
	var names []string
	for _, rec := range recs {
		if rec.Kind == domain.EntityKindProfile && strings.HasPrefix(rec.ID, prefix) {
			names = append(names, rec.ProfileName)
		}
	}
	sort.Strings(names)
	return names
}

// UsageParameterSet returns a declared set; the empty name is the default.
func (t *ProfileTable) UsageParameterSet(name string) (pluginapi.UsageParameterSet, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.sets[name]
	if !ok {
		return nil, &UnrecognizedUsageParameterSetNameError{Table: t.def.Name, Name: name}
	}
	return set, nil
}

// UsageParameterSets returns the declared set names, default first.
func (t *ProfileTable) UsageParameterSets() []string {
	return append([]string{""}, slices.Clone(t.def.UsageParameterSets)...)
}

// usageParameterSet keeps local tallies for reads and mirrors every update
// to the usage recorder.
type usageParameterSet struct {
	table string
	name  string
	obs   *observer

	mu       sync.Mutex
	counters map[string]int64
	samples  map[string][]int64
}

func newUsageParameterSet(table, name string, obs *observer) *usageParameterSet {
	return &usageParameterSet{
		table:    table,
		name:     name,
		obs:      obs,
		counters: make(map[string]int64),
		samples:  make(map[string][]int64),
	}
}

func (s *usageParameterSet) Name() string { return s.name }

func (s *usageParameterSet) Increment(param string, delta int64) {
	s.mu.Lock()
	s.counters[param] += delta
	s.mu.Unlock()
	s.obs.usage.AddUsage(s.table, s.name, param, delta)
}

func (s *usageParameterSet) Counter(param string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[param]
}

func (s *usageParameterSet) Sample(param string, value int64) {
	s.mu.Lock()
	s.samples[param] = append(s.samples[param], value)
	s.mu.Unlock()
	s.obs.usage.SampleUsage(s.table, s.name, param, value)
}

func (s *usageParameterSet) Samples(param string) []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.samples[param])
}
