package policy

// EscalateIntent always breaks an intent lock.
const EscalateIntent = "ESCALATE"

// DefaultIntentLockTurns is used when the policy does not set
// runtime.intent_lock.turns.
const DefaultIntentLockTurns = 2

const unknownPriority = 999

// IntentLock keeps a detected intent for Turns further messages so short
// follow-ups ("then the Studio please") stay on the same topic. An intent
// with a higher priority (lower number) breaks the lock.
type IntentLock struct {
	Turns int
}

// LockState is carried from one message of a conversation to the next.
type LockState struct {
	Intent    string
	TurnsLeft int
}

// Apply returns the effective intent for the routed intent raw and the state
// for the next message.
func (l IntentLock) Apply(st LockState, raw string, r *Router) (string, LockState) {
	active := st.Intent != "" && st.TurnsLeft > 0

	switch {
	case active && raw == st.Intent:
		st.TurnsLeft--
		return st.Intent, st
	case active && overrides(raw, st.Intent, r):
		return raw, LockState{Intent: raw, TurnsLeft: l.Turns}
	case active:
		st.TurnsLeft--
		return st.Intent, st
	case raw != st.Intent:
		return raw, LockState{Intent: raw, TurnsLeft: l.Turns}
	default:
		return raw, LockState{Intent: raw}
	}
}

func overrides(next, locked string, r *Router) bool {
	if next == EscalateIntent {
		return true
	}
	return priorityOf(r, next) < priorityOf(r, locked)
}

func priorityOf(r *Router, id string) int {
	if r == nil {
		return unknownPriority
	}
	in, ok := r.Intent(id)
	if !ok {
		return unknownPriority
	}
	return in.Priority
}
