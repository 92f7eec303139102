// Package postprocess reconciles an untrusted draft with the authoritative
// facts. The committed state always comes from the facts and the state
// contract, and the outgoing text is rewritten to match it.
package postprocess

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tomkotik/aimanager/internal/contract"
	"github.com/tomkotik/aimanager/internal/facts"
	"github.com/tomkotik/aimanager/internal/policy"
)

var errCreatedWithoutID = errors.New("facts report created without a booking id")

// Input is everything Reconcile needs for one event. Facts is nil when no
// lookup was made for a non-transactional turn.
type Input struct {
	Proposed          contract.Proposed
	Facts             *facts.Facts
	FactsErr          error
	Current           contract.State
	RecordedBookingID string
	Policy            policy.Policy
}

// FinalOutcome is what gets committed and delivered.
type FinalOutcome struct {
	Text               string
	State              contract.State
	BookingID          string
	Violations         []contract.Violation
	EscalationRequired bool
	Verdict            contract.Verdict
	// FactsStatus is the authoritative status observed, empty when no facts
	// were fetched.
	FactsStatus string
}

// Reconcile is deterministic: the same input always yields the same output.
func Reconcile(in Input) FinalOutcome {
	pol := in.Policy
	draft := in.Proposed.Text

	var (
		pre  []contract.Violation
		post []contract.Violation
		out  FinalOutcome
	)

	factsErr := in.FactsErr
	if factsErr == nil && in.Facts != nil && in.Facts.Status == contract.StateCreated && in.Facts.BookingID == "" {
		factsErr = errCreatedWithoutID
	}

	target, claimed := decideTarget(in, factsErr)
	if in.Facts != nil && factsErr == nil {
		out.FactsStatus = string(in.Facts.Status)
	}

	res := contract.Validate(in.Current, target, in.RecordedBookingID, claimed)
	out.Verdict = res.Verdict
	out.State = res.State
	out.BookingID = res.BookingID
	if res.Code != "" {
		pre = append(pre, contract.NewViolation(res.Code, res.Reason))
	}
	if factsErr != nil {
		pre = append(pre, contract.NewViolation(contract.CodeFactsUnavailable, factsErr.Error()))
	}
	if in.Proposed.Fallback {
		pre = append(pre, contract.NewViolation(contract.CodeGeneratorUnavailable, "reply engine failed, fallback outcome used"))
	}
	if in.Proposed.State != "" && !in.Proposed.State.Valid() {
		pre = append(pre, contract.NewViolation(contract.CodeInvalidTransition,
			fmt.Sprintf("reply engine proposed unknown state %q", in.Proposed.State)))
	}

	if out.State != contract.StateCreated && pol.ContainsConfirmation(draft) {
		post = append(post, contract.NewViolation(contract.CodeFalseConfirmation,
			fmt.Sprintf("draft confirmed a booking but committed state is %s", out.State)))
	}

	handoff := factsErr != nil ||
		res.Verdict == contract.VerdictConflict ||
		res.Code == contract.CodeUnknownState ||
		in.Proposed.Fallback

	if handoff {
		out.Text = pol.HandoffText()
	} else {
		var rewritten []contract.Violation
		announce := in.Facts != nil || in.Proposed.ClaimsTransaction() || pol.ContainsConfirmation(draft)
		out.Text, rewritten = rewrite(in.Proposed, out.State, out.BookingID, announce, pol)
		post = append(post, rewritten...)

		if in.Proposed.State.Valid() && in.Proposed.State != out.State {
			post = append(post, contract.NewViolation(contract.CodeStatusRewritten,
				fmt.Sprintf("draft claimed %s, committed %s", in.Proposed.State, out.State)))
		}
	}

	// The outgoing text must never confirm a booking that was not committed.
	if out.State != contract.StateCreated && pol.ContainsConfirmation(out.Text) {
		out.Text = pol.HandoffText()
	}

	post = append(post, checkIntentContract(out.Text, in.Proposed.Intent, pol)...)

	out.Violations = append(pre, post...)
	out.EscalationRequired = out.State == contract.StateBusyEscalated ||
		out.State == contract.StatePendingManager ||
		contract.HasCritical(out.Violations)
	return out
}

// decideTarget picks the state to validate and the booking id that comes
// with it. Committed states come only from the facts. Escalation is a
// conversational decision and may come from the draft.
func decideTarget(in Input, factsErr error) (contract.State, string) {
	proposed := in.Proposed.State

	if factsErr != nil || in.Proposed.Fallback {
		return contract.StatePendingManager, ""
	}

	if proposed == contract.StatePendingManager {
		id := ""
		if in.Facts != nil {
			id = in.Facts.BookingID
		}
		return contract.StatePendingManager, id
	}

	if in.Facts == nil {
		if proposed == contract.StateBusyEscalated {
			return proposed, ""
		}
		return in.Current, in.RecordedBookingID
	}

	f := in.Facts
	switch {
	case f.Status == contract.StateBusy && proposed == contract.StateBusyEscalated:
		return contract.StateBusyEscalated, ""
	case f.Status == contract.StateNone && in.Current != contract.StateNone && in.Current != contract.StateCreated:
		// Nothing new was booked; an open busy or escalated state stays.
		return in.Current, in.RecordedBookingID
	}
	return f.Status, f.BookingID
}

// rewrite aligns the draft with the committed state: sentences that
// contradict it are dropped and, when the turn is about the booking, the
// canonical status text is appended.
func rewrite(p contract.Proposed, state contract.State, bookingID string, announce bool, pol policy.Policy) (string, []contract.Violation) {
	var vs []contract.Violation
	style := pol.Style()
	sentences := prepare(p.Text, style)

	claimedID := p.ClaimedBookingID
	if claimedID != "" && claimedID != bookingID {
		detail := fmt.Sprintf("draft claimed booking %s", claimedID)
		if bookingID != "" {
			detail += ", committed " + bookingID
		}
		vs = append(vs, contract.NewViolation(contract.CodeBookingIDRewritten, detail))
	}

	var body []string
	for _, s := range sentences {
		if pol.ContainsConfirmation(s) {
			continue
		}
		if state == contract.StateCreated && pol.ContainsBusy(s) {
			continue
		}
		if claimedID != "" && claimedID != bookingID && strings.Contains(s, claimedID) {
			if state != contract.StateCreated {
				continue
			}
			s = strings.ReplaceAll(s, claimedID, bookingID)
		}
		body = append(body, s)
	}

	var suffix string
	switch {
	case !announce:
	case state == contract.StateCreated:
		suffix = pol.CreatedText(bookingID)
	case state == contract.StateBusy && !pol.ContainsBusy(joinSentences(body)):
		suffix = pol.BusyText()
	}

	text := fit(body, suffix, style)
	if text == "" {
		text = emptyReply(state, pol)
	}
	return text, vs
}

func emptyReply(state contract.State, pol policy.Policy) string {
	switch state {
	case contract.StateNone:
		return pol.IncompleteText()
	case contract.StateBusy:
		return pol.BusyText()
	default:
		return pol.HandoffText()
	}
}

// checkIntentContract evaluates the intent's phrase lists on the final text.
func checkIntentContract(text, intentID string, pol policy.Policy) []contract.Violation {
	in, ok := pol.Intent(intentID)
	if !ok {
		return nil
	}

	var vs []contract.Violation
	lower := strings.ToLower(text)
	if len(in.Contract.MustIncludeAny) > 0 {
		found := false
		for _, w := range in.Contract.MustIncludeAny {
			if strings.Contains(lower, strings.ToLower(w)) {
				found = true
				break
			}
		}
		if !found {
			vs = append(vs, contract.NewViolation(contract.CodeMustIncludeMissing,
				fmt.Sprintf("none of %v found", in.Contract.MustIncludeAny)))
		}
	}
	for _, w := range in.Contract.Forbidden {
		if strings.Contains(lower, strings.ToLower(w)) {
			vs = append(vs, contract.NewViolation(contract.CodeForbiddenPhrase, fmt.Sprintf("%q found", w)))
		}
	}
	return vs
}
