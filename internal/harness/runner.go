package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tomkotik/aimanager/internal/contract"
	"github.com/tomkotik/aimanager/internal/events"
	"github.com/tomkotik/aimanager/internal/pipeline"
	"github.com/tomkotik/aimanager/internal/policy"
)

// GateReport is the outcome of one release gate run. Passed is the only
// field deployment tooling needs.
type GateReport struct {
	RunID      string       `json:"run_id"`
	AgentID    string       `json:"agent_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Passed     bool         `json:"passed"`
	Cases      []CaseReport `json:"cases"`
}

// Failed returns the names of failed cases.
func (r GateReport) Failed() []string {
	var out []string
	for _, c := range r.Cases {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

type CaseReport struct {
	Name            string       `json:"name"`
	ConversationKey string       `json:"conversation_key"`
	Passed          bool         `json:"passed"`
	Steps           []StepReport `json:"steps"`
}

type StepReport struct {
	Index           int            `json:"index"`
	ExternalEventID string         `json:"external_event_id"`
	Text            string         `json:"text"`
	State           contract.State `json:"state,omitempty"`
	BookingID       string         `json:"booking_id,omitempty"`
	Violations      []string       `json:"violations,omitempty"`
	Duplicate       bool           `json:"duplicate,omitempty"`
	ReplyText       string         `json:"reply_text,omitempty"`
	Attempts        int            `json:"attempts"`
	Failures        []string       `json:"failures,omitempty"`
}

// Options tune a run. Zero values are usable.
type Options struct {
	AgentID string
	Channel string
	// Vars fill ${name} placeholders; missing names fall back to DefaultVars.
	Vars map[string]string
	// ConfirmationPhrases override the phrases that must not appear in a
	// reply unless the booking was created.
	ConfirmationPhrases []string
	// Attempts bounds sends per step when the target fails transiently.
	Attempts   int
	RetryDelay time.Duration
	Now        func() time.Time
}

func (o *Options) defaults() {
	if o.Channel == "" {
		o.Channel = "release-gate"
	}
	if o.Attempts <= 0 {
		o.Attempts = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 700 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Run replays every case against target, message by message, and asserts
// the committed outcome after each one. Conversations are tagged gate so
// they stay out of production analytics.
func Run(ctx context.Context, scenarios []ScenarioCase, target Target, opts Options) GateReport {
	opts.defaults()

	vars := DefaultVars(opts.Now())
	for k, v := range opts.Vars {
		vars[k] = v
	}

	report := GateReport{
		RunID:     uuid.NewString(),
		AgentID:   opts.AgentID,
		StartedAt: opts.Now().UTC(),
		Passed:    len(scenarios) > 0,
	}

	phrases := confirmationPhrases(ctx, target, opts)

	for _, sc := range scenarios {
		cr := runCase(ctx, report.RunID, sc, target, opts, vars, phrases)
		if !cr.Passed {
			report.Passed = false
		}
		report.Cases = append(report.Cases, cr)
	}

	report.FinishedAt = opts.Now().UTC()
	slog.Info("release gate finished",
		"run_id", report.RunID,
		"agent_id", report.AgentID,
		"passed", report.Passed,
		"failed_cases", report.Failed(),
	)
	return report
}

func confirmationPhrases(ctx context.Context, target Target, opts Options) []string {
	if len(opts.ConfirmationPhrases) > 0 {
		return lower(opts.ConfirmationPhrases)
	}
	if src, ok := target.(PhraseSource); ok {
		phrases, err := src.ConfirmationPhrases(ctx, opts.AgentID)
		if err == nil && len(phrases) > 0 {
			return lower(phrases)
		}
		if err != nil {
			slog.Warn("could not read agent confirmation phrases, using defaults", "agent_id", opts.AgentID, "error", err)
		}
	}
	return lower(policy.Default(opts.AgentID).ConfirmationPhrases())
}

func runCase(ctx context.Context, runID string, sc ScenarioCase, target Target, opts Options,
	vars map[string]string, phrases []string) CaseReport {

	cr := CaseReport{
		Name:            sc.Name,
		ConversationKey: fmt.Sprintf("%s-%s-%s", events.TagGate, runID, sc.Name),
		Passed:          true,
	}

	sent := make([]events.InboundEvent, 0, len(sc.Steps))
	replies := make([]pipeline.Reply, 0, len(sc.Steps))

	for i, step := range sc.Steps {
		var evt events.InboundEvent
		if step.Repeat > 0 {
			evt = sent[step.Repeat-1]
		} else {
			text := Expand(step.Text, vars)
			evt = events.InboundEvent{
				AgentID:         opts.AgentID,
				Channel:         opts.Channel,
				ConversationKey: cr.ConversationKey,
				ExternalEventID: fmt.Sprintf("%s-%d", cr.ConversationKey, i+1),
				Text:            text,
				ContentHash:     events.Hash(text),
				ReceivedAt:      opts.Now().UTC(),
				Tag:             events.TagGate,
			}
		}
		sent = append(sent, evt)

		sr := StepReport{Index: i + 1, ExternalEventID: evt.ExternalEventID, Text: evt.Text}
		reply, attempts, err := send(ctx, target, evt, opts)
		sr.Attempts = attempts
		if err != nil {
			sr.Failures = append(sr.Failures, "send failed: "+err.Error())
			cr.Steps = append(cr.Steps, sr)
			cr.Passed = false
			// Later steps depend on this one.
			break
		}

		sr.State = reply.State
		sr.BookingID = reply.BookingID
		sr.Violations = contract.Codes(reply.Violations)
		sr.Duplicate = reply.Duplicate
		sr.ReplyText = reply.ReplyText
		sr.Failures = check(step, reply, replies, attempts > 1, phrases)
		replies = append(replies, reply)

		if len(sr.Failures) > 0 {
			cr.Passed = false
			slog.Warn("release gate step failed",
				"case", sc.Name,
				"step", sr.Index,
				"conversation_key", cr.ConversationKey,
				"failures", sr.Failures,
			)
		}
		cr.Steps = append(cr.Steps, sr)
	}
	return cr
}

// send retries transient failures with the same event; dedupe makes the
// resend safe.
func send(ctx context.Context, target Target, evt events.InboundEvent, opts Options) (pipeline.Reply, int, error) {
	var lastErr error
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		reply, err := target.Send(ctx, evt)
		if err == nil {
			return reply, attempt, nil
		}
		lastErr = err

		var te *TransientError
		if !errors.As(err, &te) || attempt == opts.Attempts {
			return pipeline.Reply{}, attempt, err
		}
		select {
		case <-ctx.Done():
			return pipeline.Reply{}, attempt, ctx.Err()
		case <-time.After(opts.RetryDelay * time.Duration(attempt)):
		}
	}
	return pipeline.Reply{}, opts.Attempts, lastErr
}

func check(step Step, reply pipeline.Reply, earlier []pipeline.Reply, retried bool, phrases []string) []string {
	var failures []string

	if reply.State != step.ExpectState {
		failures = append(failures, fmt.Sprintf("state %s, expected %s", reply.State, step.ExpectState))
	}

	got := sortedCopy(contract.Codes(reply.Violations))
	want := sortedCopy(step.ExpectViolations)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		failures = append(failures, fmt.Sprintf("violations [%s], expected [%s]", strings.Join(got, ", "), strings.Join(want, ", ")))
	}

	switch step.ExpectBooking {
	case BookingRequired:
		if reply.BookingID == "" {
			failures = append(failures, "booking id missing")
		}
	case BookingAbsent:
		if reply.BookingID != "" {
			failures = append(failures, "unexpected booking id "+reply.BookingID)
		}
	}

	if step.ExpectSameBookingAs > 0 {
		prev := earlier[step.ExpectSameBookingAs-1]
		if reply.BookingID != prev.BookingID {
			failures = append(failures, fmt.Sprintf("booking id %q differs from step %d (%q)", reply.BookingID, step.ExpectSameBookingAs, prev.BookingID))
		}
		if step.Repeat == step.ExpectSameBookingAs && prev.OutcomeID != "" && reply.OutcomeID != prev.OutcomeID {
			failures = append(failures, "duplicate did not replay the stored outcome")
		}
	}

	// A retried send may legitimately come back as a duplicate of itself.
	if step.ExpectDuplicate && !reply.Duplicate {
		failures = append(failures, "expected a duplicate replay")
	}
	if !step.ExpectDuplicate && reply.Duplicate && !retried {
		failures = append(failures, "unexpected duplicate replay")
	}

	// Only a created booking may be confirmed, whatever the step expects.
	if step.ExpectNoConfirmation || reply.State != contract.StateCreated {
		text := strings.ToLower(reply.ReplyText)
		for _, p := range phrases {
			if p != "" && strings.Contains(text, p) {
				failures = append(failures, fmt.Sprintf("reply contains confirmation phrase %q", p))
				break
			}
		}
	}

	return failures
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(s))
	}
	return out
}
