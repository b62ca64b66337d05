package domain

import (
	"fmt"
	"strings"
	"time"
)

// ServiceID identifies a deployed service descriptor.
type ServiceID struct {
	Name    string `json:"name"`
	Vendor  string `json:"vendor"`
	Version string `json:"version"`
}

// String renders the identifier as name#vendor#version.
func (id ServiceID) String() string {
	return id.Name + "#" + id.Vendor + "#" + id.Version
}

// IsZero reports whether no field is set.
func (id ServiceID) IsZero() bool {
	return id == ServiceID{}
}

// ParseServiceID parses the name#vendor#version form produced by String.
func ParseServiceID(raw string) (ServiceID, error) {
	parts := strings.Split(raw, "#")
	if len(parts) != 3 || parts[0] == "" {
		return ServiceID{}, fmt.Errorf("invalid service id %q: want name#vendor#version", raw)
	}
	return ServiceID{Name: parts[0], Vendor: parts[1], Version: parts[2]}, nil
}

// ComponentID identifies a hosted logic-unit type.
type ComponentID struct {
	Name    string `json:"name"`
	Vendor  string `json:"vendor"`
	Version string `json:"version"`
}

func (id ComponentID) String() string {
	return id.Name + "#" + id.Vendor + "#" + id.Version
}

// IsZero reports whether no field is set.
func (id ComponentID) IsZero() bool {
	return id == ComponentID{}
}

// ServiceRecord is the cached, store-backed state of a Service.
type ServiceRecord struct {
	ID        ServiceID         `json:"id"`
	State     ServiceState      `json:"state,omitempty"`
	Children  map[string]string `json:"children,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// EntityKind distinguishes service-logic entities from profile entities.
type EntityKind string

const (
	EntityKindServiceLogic EntityKind = "service_logic"
	EntityKindProfile      EntityKind = "profile"
)

// EntityRecord is the persisted form of a managed entity.
type EntityRecord struct {
	ID              string                  `json:"id"`
	Kind            EntityKind              `json:"kind"`
	ComponentID     ComponentID             `json:"component_id"`
	ServiceID       ServiceID               `json:"service_id"`
	ConvergenceName string                  `json:"convergence_name,omitempty"`
	ParentID        string                  `json:"parent_id,omitempty"`
	ChildIDs        []string                `json:"child_ids,omitempty"`
	Priority        int8                    `json:"priority"`
	Attachments     []ActivityContextHandle `json:"attachments,omitempty"`
	ProfileTable    string                  `json:"profile_table,omitempty"`
	ProfileName     string                  `json:"profile_name,omitempty"`
	Fields          map[string]any          `json:"fields,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
	UpdatedAt       time.Time               `json:"updated_at"`
}

// IsRoot reports whether the entity has no parent.
func (e EntityRecord) IsRoot() bool {
	return e.ParentID == ""
}

// AttachedTo reports whether the entity references the given activity context.
func (e EntityRecord) AttachedTo(h ActivityContextHandle) bool {
	for _, a := range e.Attachments {
		if a == h {
			return true
		}
	}
	return false
}

// ActivityKind classifies the source of an activity.
type ActivityKind string

const (
	ActivityKindService ActivityKind = "service"
	ActivityKindAdaptor ActivityKind = "adaptor"
	ActivityKindNull    ActivityKind = "null"
)

// ActivityContextHandle is the stable identity of an activity context.
type ActivityContextHandle struct {
	Kind   ActivityKind `json:"kind"`
	Source string       `json:"source,omitempty"`
	ID     string       `json:"id"`
}

func (h ActivityContextHandle) String() string {
	return string(h.Kind) + ":" + h.Source + ":" + h.ID
}

// ServiceActivityHandle derives the handle of a service's own activity.
func ServiceActivityHandle(id ServiceID) ActivityContextHandle {
	return ActivityContextHandle{Kind: ActivityKindService, ID: id.String()}
}

// ActivityContextRecord correlates one activity with its attached entities.
type ActivityContextRecord struct {
	Handle      ActivityContextHandle `json:"handle"`
	Ended       bool                  `json:"ended,omitempty"`
	Attachments []string              `json:"attachments,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

// Attached reports whether the entity is attached.
func (r ActivityContextRecord) Attached(entityID string) bool {
	for _, id := range r.Attachments {
		if id == entityID {
			return true
		}
	}
	return false
}

// Snapshot captures the full store state for persistence.
type Snapshot struct {
	Services         map[string]ServiceRecord         `json:"services"`
	Entities         map[string]EntityRecord          `json:"entities"`
	ActivityContexts map[string]ActivityContextRecord `json:"activity_contexts"`
}

// NewSnapshot returns a snapshot with initialised buckets.
func NewSnapshot() Snapshot {
	return Snapshot{
		Services:         make(map[string]ServiceRecord),
		Entities:         make(map[string]EntityRecord),
		ActivityContexts: make(map[string]ActivityContextRecord),
	}
}
