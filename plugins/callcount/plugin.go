// Package callcount is a reference service that counts call setups and the
// legs added to each call. One root entity is created per call activity and
// each leg becomes a child entity, so ending the call activity removes the
// whole tree.
package callcount

import (
	"context"
	"errors"
	"fmt"

	"sleecore/pkg/domain"
	"sleecore/pkg/pluginapi"
)

// Event types understood by the call root.
const (
	EventCallSetup = "call.setup"
	EventLegAdded  = "call.leg"
)

// Persistent field names.
const (
	FieldSetups = "setups"
	FieldLegs   = "legs"
	FieldState  = "state"
)

// DefaultMaxLegs bounds the legs of one call when Options.MaxLegs is zero.
const DefaultMaxLegs = 4

var (
	// ServiceID identifies the hosted service.
	ServiceID = domain.ServiceID{Name: "callcount", Vendor: "sleecore", Version: "1.0"}
	// CallComponentID is the root component, one per call.
	CallComponentID = domain.ComponentID{Name: "call", Vendor: "sleecore", Version: "1.0"}
	// LegComponentID is the child component, one per leg.
	LegComponentID = domain.ComponentID{Name: "call-leg", Vendor: "sleecore", Version: "1.0"}
	// QuotaComponentID backs the quota profile table.
	QuotaComponentID = domain.ComponentID{Name: "call-quota", Vendor: "sleecore", Version: "1.0"}
)

// QuotaTable names the profile table of per-subscriber quotas.
const QuotaTable = "call-quotas"

// ErrTooManyLegs is returned by verification when a call exceeds MaxLegs.
var ErrTooManyLegs = errors.New("call has too many legs")

// Options tunes the plugin.
type Options struct {
	MaxLegs  int
	Priority int8
}

// Plugin registers the callcount service.
type Plugin struct {
	opts Options
}

// New constructs the plugin.
func New(opts Options) Plugin {
	if opts.MaxLegs <= 0 {
		opts.MaxLegs = DefaultMaxLegs
	}
	return Plugin{opts: opts}
}

// Name returns the plugin identifier.
func (Plugin) Name() string { return "callcount" }

// Version returns the plugin semantic version.
func (Plugin) Version() string { return "0.1.0" }

// Register wires the components, the service, the quota table and the
// unattached-call rule.
func (p Plugin) Register(reg pluginapi.Registry) error {
	maxLegs := p.opts.MaxLegs
	descs := []pluginapi.ComponentDescriptor{
		{
			ID:            CallComponentID,
			New:           func() pluginapi.Component { return &callComponent{maxLegs: maxLegs} },
			InitialEvents: []string{EventCallSetup},
		},
		{ID: LegComponentID, New: func() pluginapi.Component { return &legComponent{} }},
		{ID: QuotaComponentID, Kind: domain.EntityKindProfile, New: func() pluginapi.Component { return &quotaComponent{} }},
	}
	for _, desc := range descs {
		if err := reg.RegisterComponent(desc); err != nil {
			return err
		}
	}
	if err := reg.RegisterService(pluginapi.ServiceDescriptor{
		ID:              ServiceID,
		RootComponent:   CallComponentID,
		DefaultPriority: p.opts.Priority,
	}); err != nil {
		return err
	}
	if err := reg.RegisterProfileTable(pluginapi.ProfileTableSpec{
		Name:               QuotaTable,
		Component:          QuotaComponentID,
		UsageParameterSets: []string{"daily"},
	}); err != nil {
		return err
	}
	reg.RegisterRule(unattachedCallRule{})
	return nil
}

type callComponent struct {
	pluginapi.BaseComponent
	maxLegs int
}

func (c *callComponent) Initialize(context.Context) {
	c.Context().SetField(FieldSetups, 0)
	c.Context().SetField(FieldLegs, 0)
}

func (c *callComponent) HandleEvent(ctx context.Context, ev pluginapi.Event) error {
	ec := c.Context()
	switch ev.Type {
	case EventCallSetup:
		ec.SetField(FieldSetups, Counter(ec, FieldSetups)+1)
	case EventLegAdded:
		if _, err := ec.CreateChild(ctx, LegComponentID); err != nil {
			return fmt.Errorf("add leg: %w", err)
		}
		ec.SetField(FieldLegs, Counter(ec, FieldLegs)+1)
	}
	return nil
}

func (c *callComponent) Verify(context.Context) error {
	if legs := Counter(c.Context(), FieldLegs); legs > c.maxLegs {
		return fmt.Errorf("%w: %d > %d", ErrTooManyLegs, legs, c.maxLegs)
	}
	return nil
}

type legComponent struct {
	pluginapi.BaseComponent
}

func (l *legComponent) Initialize(context.Context) {
	l.Context().SetField(FieldState, "ringing")
}

// quotaComponent counts calls against the daily usage set when it receives a
// setup event.
type quotaComponent struct {
	pluginapi.BaseComponent
}

func (q *quotaComponent) HandleEvent(_ context.Context, ev pluginapi.Event) error {
	if ev.Type != EventCallSetup {
		return nil
	}
	set, err := q.Context().UsageParameterSet("daily")
	if err != nil {
		return err
	}
	set.Increment("calls", 1)
	return nil
}

// Counter reads an integer field. Values restored from a JSON snapshot arrive
// as float64.
func Counter(ec interface{ Field(string) (any, bool) }, name string) int {
	v, ok := ec.Field(name)
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

type unattachedCallRule struct{}

func (unattachedCallRule) Name() string { return "callcount_unattached_call" }

func (unattachedCallRule) Evaluate(_ context.Context, view domain.TransactionView, changes []domain.Change) (domain.Result, error) {
	var result domain.Result
	seen := make(map[string]struct{})
	for _, change := range changes {
		if change.Entity != domain.EntityManaged || change.Action == domain.ActionDelete {
			continue
		}
		if _, ok := seen[change.Key]; ok {
			continue
		}
		seen[change.Key] = struct{}{}
		rec, ok := view.FindEntity(change.Key)
		if !ok || rec.ComponentID != CallComponentID || !rec.IsRoot() || len(rec.Attachments) > 0 {
			continue
		}
		result.Violations = append(result.Violations, domain.Violation{
			Rule:     "callcount_unattached_call",
			Severity: domain.SeverityWarn,
			Message:  "call root is not attached to any activity",
			Entity:   domain.EntityManaged,
			EntityID: rec.ID,
		})
	}
	return result, nil
}
