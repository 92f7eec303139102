package contract

import (
	"errors"
	"fmt"
)

// State is the transactional state of a conversation. The string values are
// the persisted representation.
type State string

const (
	StateNone           State = "none"
	StateCreated        State = "created"
	StateBusy           State = "busy"
	StateBusyEscalated  State = "busy_escalated"
	StatePendingManager State = "pending_manager"
)

// ErrUnknownState is returned when a persisted or claimed state is outside the
// closed enumeration. It is a data-integrity error, not a valid state.
var ErrUnknownState = errors.New("unknown transactional state")

// AllStates lists every valid state in a stable order.
var AllStates = []State{StateNone, StateCreated, StateBusy, StateBusyEscalated, StatePendingManager}

// ParseState converts a persisted string into a State.
func ParseState(s string) (State, error) {
	switch State(s) {
	case StateNone, StateCreated, StateBusy, StateBusyEscalated, StatePendingManager:
		return State(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownState, s)
}

func (s State) Valid() bool {
	_, err := ParseState(string(s))
	return err == nil
}

// Committed reports whether the state represents a transactional fact that
// must never silently regress to none.
func (s State) Committed() bool {
	return s == StateCreated
}

func (s State) String() string { return string(s) }
