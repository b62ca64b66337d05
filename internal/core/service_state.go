package core

import (
	"context"

	"github.com/looplab/fsm"

	"sleecore/pkg/domain"
)

const (
	eventActivate   = "activate"
	eventDeactivate = "deactivate"
	eventDrained    = "drained"
)

var serviceTransitions = fsm.Events{
	{Name: eventActivate, Src: []string{string(domain.ServiceInactive)}, Dst: string(domain.ServiceActive)},
	{Name: eventDeactivate, Src: []string{string(domain.ServiceActive)}, Dst: string(domain.ServiceStopping)},
	{Name: eventDrained, Src: []string{string(domain.ServiceStopping)}, Dst: string(domain.ServiceInactive)},
}

// transition validates event against current and returns the target state.
// The machine only checks the table, so caller cancellation never applies.
func transition(id domain.ServiceID, current domain.ServiceState, event string) (domain.ServiceState, error) {
	if current == "" {
		current = domain.ServiceInactive
	}
	machine := fsm.NewFSM(string(current), serviceTransitions, fsm.Callbacks{})
	if err := machine.Event(context.Background(), event); err != nil {
		return current, &InvalidTransitionError{Service: id, From: current, Event: event, Err: err}
	}
	return domain.ServiceState(machine.Current()), nil
}
