package generator

import (
	"regexp"
	"strings"

	"github.com/tomkotik/aimanager/internal/contract"
)

// Actions a draft can request.
const (
	ActionCreateBooking = "CREATE_BOOKING"
	ActionEscalate      = "ESCALATE"
	ActionReset         = "RESET"
)

var (
	actionTag    = regexp.MustCompile(`\[ACTION:(\w+)\]`)
	bookingTag   = regexp.MustCompile(`\[BOOKING:([^\]]+)\]`)
	bookingIDTag = regexp.MustCompile(`\[BOOKING_ID:([^\]]+)\]`)
	stateTag     = regexp.MustCompile(`\[STATE:([a-zA-Z_]+)\]`)
	blankLines   = regexp.MustCompile(`\n\s*\n`)
)

// ParseDraft extracts action, booking and state tags from raw engine output
// and returns the proposal with the tags removed from the text.
//
// Booking tags carry date|time|duration|room|name|phone. The legacy
// five-field form date|time|room|name|phone is accepted too.
func ParseDraft(raw string) contract.Proposed {
	var p contract.Proposed

	for _, m := range actionTag.FindAllStringSubmatch(raw, -1) {
		p.Actions = appendUnique(p.Actions, strings.ToUpper(m[1]))
	}

	if m := bookingTag.FindStringSubmatch(raw); m != nil {
		if b := parseBooking(m[1]); b != nil {
			p.Booking = b
			p.Actions = appendUnique(p.Actions, ActionCreateBooking)
		}
	}

	if m := bookingIDTag.FindStringSubmatch(raw); m != nil {
		p.ClaimedBookingID = strings.TrimSpace(m[1])
	}

	// CREATE_BOOKING asks the domain service to book; it is not a claim that
	// the booking exists. Only escalation and explicit state tags are claims.
	if p.HasAction(ActionEscalate) {
		p.State = contract.StatePendingManager
	}
	// An explicit state tag wins. Unknown values are kept so the validator
	// rejects them.
	if m := stateTag.FindStringSubmatch(raw); m != nil {
		p.State = contract.State(strings.ToLower(m[1]))
	}

	text := raw
	for _, re := range []*regexp.Regexp{actionTag, bookingTag, bookingIDTag, stateTag} {
		text = re.ReplaceAllString(text, "")
	}
	text = blankLines.ReplaceAllString(text, "\n\n")
	p.Text = strings.TrimSpace(text)
	return p
}

func parseBooking(s string) *contract.BookingRequest {
	parts := strings.Split(s, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	switch len(parts) {
	case 5:
		return &contract.BookingRequest{Date: parts[0], Time: parts[1], Room: parts[2], Name: parts[3], Phone: parts[4]}
	case 6:
		return &contract.BookingRequest{Date: parts[0], Time: parts[1], Duration: parts[2], Room: parts[3], Name: parts[4], Phone: parts[5]}
	}
	return nil
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
