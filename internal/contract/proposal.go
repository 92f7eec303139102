package contract

import "strings"

// BookingRequest holds the booking details extracted from a draft.
type BookingRequest struct {
	Date     string `json:"date"`
	Time     string `json:"time"`
	Duration string `json:"duration"`
	Room     string `json:"room"`
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Service  string `json:"service,omitempty"`
}

// Complete reports whether the request carries enough detail to book.
// Duration is optional.
func (b *BookingRequest) Complete() bool {
	if b == nil {
		return false
	}
	for _, f := range []string{b.Date, b.Time, b.Room} {
		if strings.TrimSpace(f) == "" {
			return false
		}
	}
	return true
}

// Proposed is the untrusted output of the reply engine for one event. It is
// never persisted as-is.
type Proposed struct {
	Text string
	// State is empty when the draft makes no state claim.
	State            State
	ClaimedBookingID string
	Booking          *BookingRequest
	Actions          []string
	Intent           string
	Model            string
	LatencyMS        int64
	// Fallback is set when the reply engine failed and a canned outcome
	// was substituted.
	Fallback bool
}

// HasAction reports whether the draft requested action.
func (p Proposed) HasAction(action string) bool {
	for _, a := range p.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// ClaimsTransaction reports whether the draft asserts or requests any
// transactional change.
func (p Proposed) ClaimsTransaction() bool {
	return p.State != "" || p.ClaimedBookingID != "" || p.Booking != nil
}
