package contract

import "fmt"

// Verdict is the outcome class of a transition check.
type Verdict string

const (
	VerdictOK       Verdict = "ok"
	VerdictInvalid  Verdict = "invalid"
	VerdictConflict Verdict = "conflict"
)

// Violation codes raised by the validator.
const (
	CodeInvalidTransition = "invalid_transition"
	CodeBookingConflict   = "booking_conflict"
	CodeUnknownState      = "unknown_state"
)

// Result carries the verdict plus the state and booking id that should
// actually be persisted, which may differ from what was proposed.
type Result struct {
	Verdict   Verdict
	State     State
	BookingID string
	// Code and Reason are empty for VerdictOK.
	Code   string
	Reason string
}

// transitions defines the legal edges. Transitions into pending_manager are
// always legal and handled separately.
var transitions = map[State][]State{
	StateNone:           {StateCreated, StateBusy},
	StateBusy:           {StateBusyEscalated, StateCreated},
	StateCreated:        {StateCreated},
	StateBusyEscalated:  {},
	StatePendingManager: {},
}

// CanTransition checks the transition table only. It does not look at
// booking identifiers.
func CanTransition(from, to State) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if to == StatePendingManager {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Validate checks a proposed transition from current. recorded is the booking
// id already committed for the conversation (empty when none), claimed is the
// booking id that accompanies the proposal.
//
// Re-stating an unchanged non-committed state (none->none, busy->busy,
// busy_escalated->busy_escalated) is accepted as a no-op.
func Validate(current, proposed State, recorded, claimed string) Result {
	if !current.Valid() {
		return Result{
			Verdict: VerdictInvalid,
			State:   StatePendingManager,
			Code:    CodeUnknownState,
			Reason:  fmt.Sprintf("current state %q is not a valid state", current),
		}
	}
	if !proposed.Valid() {
		return Result{
			Verdict:   VerdictInvalid,
			State:     current,
			BookingID: recorded,
			Code:      CodeInvalidTransition,
			Reason:    fmt.Sprintf("proposed state %q is not a valid state", proposed),
		}
	}

	if current == StateCreated && proposed == StateCreated {
		if claimed != "" && recorded != "" && claimed != recorded {
			return Result{
				Verdict:   VerdictConflict,
				State:     StatePendingManager,
				BookingID: recorded,
				Code:      CodeBookingConflict,
				Reason:    fmt.Sprintf("booking %s already created, re-attempt claims %s", recorded, claimed),
			}
		}
		id := recorded
		if id == "" {
			id = claimed
		}
		return Result{Verdict: VerdictOK, State: StateCreated, BookingID: id}
	}

	if current == proposed && current != StateCreated {
		return Result{Verdict: VerdictOK, State: current, BookingID: recorded}
	}

	if !CanTransition(current, proposed) {
		return Result{
			Verdict:   VerdictInvalid,
			State:     current,
			BookingID: recorded,
			Code:      CodeInvalidTransition,
			Reason:    fmt.Sprintf("%s -> %s is not a legal transition", current, proposed),
		}
	}

	id := recorded
	if proposed == StateCreated {
		id = claimed
	}
	return Result{Verdict: VerdictOK, State: proposed, BookingID: id}
}
