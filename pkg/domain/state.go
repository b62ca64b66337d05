package domain

import (
	"fmt"
	"strings"
)

// ServiceState is the operational state of a Service. The zero value means
// the state was never written.
type ServiceState string

const (
	ServiceInactive ServiceState = "INACTIVE"
	ServiceActive   ServiceState = "ACTIVE"
	ServiceStopping ServiceState = "STOPPING"
)

// String returns the state name, reporting the zero value as INACTIVE.
func (s ServiceState) String() string {
	if s == "" {
		return string(ServiceInactive)
	}
	return string(s)
}

// Valid reports whether s is one of the three defined states.
func (s ServiceState) Valid() bool {
	switch s {
	case ServiceInactive, ServiceActive, ServiceStopping:
		return true
	default:
		return false
	}
}

// ParseServiceState converts a case-insensitive name to a ServiceState.
func ParseServiceState(raw string) (ServiceState, error) {
	s := ServiceState(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown service state %q", raw)
	}
	return s, nil
}
