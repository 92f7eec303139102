// Package pipeline runs one inbound event end to end: admission, draft,
// authoritative facts, reconciliation and the single commit.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tomkotik/aimanager/internal/contract"
	"github.com/tomkotik/aimanager/internal/events"
	"github.com/tomkotik/aimanager/internal/facts"
	"github.com/tomkotik/aimanager/internal/gate"
	"github.com/tomkotik/aimanager/internal/generator"
	"github.com/tomkotik/aimanager/internal/policy"
	"github.com/tomkotik/aimanager/internal/postprocess"
	"github.com/tomkotik/aimanager/internal/store"
)

// ErrStaleOrdering is returned for events whose ordering token is below the
// conversation's committed high-water mark. Such events are dropped.
var ErrStaleOrdering = errors.New("event is older than the committed ordering token")

const historyLimit = 6

// Alerter receives operational alerts. Failures are logged, never fatal.
type Alerter interface {
	Alert(ctx context.Context, a events.Alert) error
}

// Alerters fans an alert out to several sinks.
type Alerters []Alerter

func (as Alerters) Alert(ctx context.Context, a events.Alert) error {
	var errs []error
	for _, al := range as {
		if err := al.Alert(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Reply is what the channel gets back for one event.
type Reply struct {
	AgentID            string               `json:"agent_id,omitempty"`
	Channel            string               `json:"channel,omitempty"`
	ConversationKey    string               `json:"conversation_key"`
	ExternalEventID    string               `json:"external_event_id"`
	OutcomeID          string               `json:"outcome_id,omitempty"`
	ReplyText          string               `json:"reply_text"`
	State              contract.State       `json:"state"`
	BookingID          string               `json:"booking_id,omitempty"`
	Intent             string               `json:"intent,omitempty"`
	Violations         []contract.Violation `json:"violations"`
	EscalationRequired bool                 `json:"escalation_required"`
	Duplicate          bool                 `json:"duplicate"`
	Decision           gate.Decision        `json:"decision"`
}

// Config holds the per-stage time limits.
type Config struct {
	LockWait        time.Duration
	GenerateTimeout time.Duration
	FactsTimeout    time.Duration
}

func (c *Config) defaults() {
	if c.LockWait <= 0 {
		c.LockWait = 5 * time.Second
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = 20 * time.Second
	}
	if c.FactsTimeout <= 0 {
		c.FactsTimeout = 5 * time.Second
	}
}

// Deps are the collaborators of an Engine. Alerter may be nil.
type Deps struct {
	Store     store.DataStore
	Gate      *gate.Gate
	Policies  *policy.Registry
	Generator generator.Generator
	Facts     facts.Source
	Alerter   Alerter
}

// Engine is safe for concurrent use; the gate serializes events of the same
// conversation.
type Engine struct {
	store    store.DataStore
	gate     *gate.Gate
	policies *policy.Registry
	gen      generator.Generator
	facts    facts.Source
	alerter  Alerter
	cfg      Config
	now      func() time.Time
}

func New(d Deps, cfg Config) *Engine {
	cfg.defaults()
	return &Engine{
		store:    d.Store,
		gate:     d.Gate,
		policies: d.Policies,
		gen:      d.Generator,
		facts:    d.Facts,
		alerter:  d.Alerter,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Handle processes evt. Duplicates replay the committed reply without side
// effects. Nothing is committed when ctx ends before the commit.
func (e *Engine) Handle(ctx context.Context, evt events.InboundEvent) (Reply, error) {
	start := e.now()
	key := evt.Key()

	adm, err := e.gate.AdmitWait(ctx, evt, e.cfg.LockWait)
	if err != nil {
		if errors.Is(err, gate.ErrLockTimeout) {
			e.alert(ctx, events.Alert{
				Kind:            events.AlertLockTimeout,
				AgentID:         evt.AgentID,
				ConversationKey: key.ConversationKey,
				ExternalEventID: key.ExternalEventID,
			})
		}
		return Reply{}, fmt.Errorf("admit %s: %w", key, err)
	}

	switch adm.Decision {
	case gate.Duplicate:
		slog.Info("duplicate event, replaying committed reply",
			"conversation_key", key.ConversationKey,
			"external_event_id", key.ExternalEventID,
		)
		return replyFromOutcome(adm.Outcome, true), nil
	case gate.RejectedStale:
		return Reply{ConversationKey: key.ConversationKey, ExternalEventID: key.ExternalEventID, Decision: gate.RejectedStale},
			fmt.Errorf("%w: token %d, high water %d", ErrStaleOrdering, *evt.OrderingToken, adm.HighWater)
	}

	lease := adm.Lease
	defer lease.Release()

	pol, err := e.policies.Get(evt.AgentID)
	if err != nil {
		return Reply{}, fmt.Errorf("load policy for %s: %w", evt.AgentID, err)
	}

	history, err := e.store.ListConversationOutcomes(ctx, key.ConversationKey)
	if err != nil {
		return Reply{}, fmt.Errorf("load conversation %s: %w", key.ConversationKey, err)
	}
	current, recordedID := contract.StateNone, ""
	if n := len(history); n > 0 {
		current, recordedID = history[n-1].State, history[n-1].BookingID
	}

	earlier := make([]string, 0, len(history))
	for _, o := range history {
		earlier = append(earlier, o.InboundText)
	}
	intent := pol.Resolve(earlier, evt.Text)
	proposed := e.generate(ctx, evt, pol, intent, current, recordedID, history)
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}

	in := postprocess.Input{
		Proposed:          proposed,
		Current:           current,
		RecordedBookingID: recordedID,
		Policy:            pol,
	}
	if !proposed.Fallback && needsFacts(proposed, pol, intent) {
		f, ferr := e.lookupFacts(ctx, evt, proposed)
		if err := ctx.Err(); err != nil {
			return Reply{}, err
		}
		if ferr != nil {
			in.FactsErr = ferr
		} else {
			in.Facts = &f
		}
	}

	final := postprocess.Reconcile(in)
	if in.Facts != nil {
		for _, problem := range contract.CheckFlow(contract.Snapshot{
			State:          final.State,
			BookingID:      final.BookingID,
			ConflictReason: in.Facts.ConflictReason,
		}) {
			slog.Warn("outcome failed flow check",
				"conversation_key", key.ConversationKey,
				"external_event_id", key.ExternalEventID,
				"problem", problem,
			)
		}
	}

	o := &store.Outcome{
		AgentID:            evt.AgentID,
		Channel:            evt.Channel,
		ConversationKey:    key.ConversationKey,
		ExternalEventID:    key.ExternalEventID,
		OrderingToken:      evt.OrderingToken,
		ContentHash:        evt.ContentHash,
		Intent:             intent,
		InboundText:        evt.Text,
		ProposedState:      proposed.State,
		State:              final.State,
		BookingID:          final.BookingID,
		FactsStatus:        final.FactsStatus,
		Violations:         final.Violations,
		DraftText:          proposed.Text,
		ReplyText:          final.Text,
		EscalationRequired: final.EscalationRequired,
		LatencyMS:          e.now().Sub(start).Milliseconds(),
		Tag:                evt.Tag,
	}

	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	if err := e.store.InsertOutcome(ctx, o); err != nil {
		if errors.Is(err, store.ErrDuplicateOutcome) {
			existing, gerr := e.store.GetOutcome(ctx, key)
			if gerr != nil {
				return Reply{}, fmt.Errorf("load committed outcome %s: %w", key, gerr)
			}
			return replyFromOutcome(existing, true), nil
		}
		return Reply{}, fmt.Errorf("commit outcome %s: %w", key, err)
	}
	lease.Commit()

	if err := e.store.TouchConversation(ctx, store.Conversation{
		AgentID:         evt.AgentID,
		Channel:         evt.Channel,
		ConversationKey: key.ConversationKey,
		LastEventAt:     evt.ReceivedAt,
	}); err != nil {
		slog.Warn("failed to touch conversation", "conversation_key", key.ConversationKey, "error", err)
	}

	slog.Info("outcome committed",
		"conversation_key", key.ConversationKey,
		"external_event_id", key.ExternalEventID,
		"intent", intent,
		"state", o.State,
		"booking_id", o.BookingID,
		"violations", contract.Codes(o.Violations),
		"latency_ms", o.LatencyMS,
	)

	e.alertOutcome(ctx, o, final.Verdict)
	return replyFromOutcome(o, false), nil
}

// needsFacts reports whether the turn touches the booking. Confirmation
// wording alone is enough: it must be checked against the facts.
func needsFacts(p contract.Proposed, pol policy.Policy, intent string) bool {
	return p.ClaimsTransaction() || pol.Transactional(intent) || pol.ContainsConfirmation(p.Text)
}

func (e *Engine) generate(ctx context.Context, evt events.InboundEvent, pol policy.Policy, intent string,
	current contract.State, bookingID string, history []store.Outcome) contract.Proposed {
	gctx, cancel := context.WithTimeout(ctx, e.cfg.GenerateTimeout)
	defer cancel()

	prior := history
	if len(prior) > historyLimit {
		prior = prior[len(prior)-historyLimit:]
	}
	turns := make([]generator.Turn, 0, 2*len(prior))
	for _, o := range prior {
		turns = append(turns,
			generator.Turn{Role: generator.RoleUser, Text: o.InboundText},
			generator.Turn{Role: generator.RoleAssistant, Text: o.ReplyText},
		)
	}

	p, err := e.gen.Generate(gctx, generator.Context{
		AgentID:         evt.AgentID,
		Channel:         evt.Channel,
		ConversationKey: evt.ConversationKey,
		Intent:          intent,
		CurrentState:    current,
		BookingID:       bookingID,
		Message:         evt.Text,
		SenderName:      evt.Sender.Name,
		History:         turns,
	})
	if err != nil {
		slog.Warn("reply engine failed, using fallback outcome",
			"conversation_key", evt.ConversationKey,
			"external_event_id", evt.ExternalEventID,
			"error", err,
		)
		p = generator.Fallback(pol.HandoffText())
	}
	p.Intent = intent
	return p
}

func (e *Engine) lookupFacts(ctx context.Context, evt events.InboundEvent, p contract.Proposed) (facts.Facts, error) {
	fctx, cancel := context.WithTimeout(ctx, e.cfg.FactsTimeout)
	defer cancel()

	booking := p.Booking
	if booking != nil && (booking.Name == "" || booking.Phone == "") {
		b := *booking
		if b.Name == "" {
			b.Name = evt.Sender.Name
		}
		if b.Phone == "" {
			b.Phone = evt.Sender.Phone
		}
		booking = &b
	}

	f, err := e.facts.Get(fctx, facts.Request{
		AgentID:          evt.AgentID,
		ConversationKey:  evt.ConversationKey,
		ExternalEventID:  evt.ExternalEventID,
		Intent:           p.Intent,
		Booking:          booking,
		ClaimedBookingID: p.ClaimedBookingID,
	})
	if err != nil {
		slog.Error("authoritative facts unavailable",
			"conversation_key", evt.ConversationKey,
			"external_event_id", evt.ExternalEventID,
			"error", err,
		)
		return facts.Facts{}, err
	}
	return f, nil
}

func (e *Engine) alertOutcome(ctx context.Context, o *store.Outcome, verdict contract.Verdict) {
	base := events.Alert{
		AgentID:         o.AgentID,
		ConversationKey: o.ConversationKey,
		ExternalEventID: o.ExternalEventID,
		State:           string(o.State),
		BookingID:       o.BookingID,
		Violations:      contract.Codes(o.Violations),
	}
	if verdict == contract.VerdictConflict {
		a := base
		a.Kind = events.AlertConflict
		a.Detail = "booking id conflict, routed to manager"
		e.alert(ctx, a)
	}
	if o.State == contract.StatePendingManager {
		a := base
		a.Kind = events.AlertPendingManager
		a.Detail = "conversation handed to manager"
		e.alert(ctx, a)
	}
}

func (e *Engine) alert(ctx context.Context, a events.Alert) {
	if e.alerter == nil {
		return
	}
	if a.At.IsZero() {
		a.At = e.now().UTC()
	}
	if err := e.alerter.Alert(ctx, a); err != nil {
		slog.Error("failed to send alert", "kind", a.Kind, "conversation_key", a.ConversationKey, "error", err)
	}
}

func replyFromOutcome(o *store.Outcome, duplicate bool) Reply {
	decision := gate.Process
	if duplicate {
		decision = gate.Duplicate
	}
	return Reply{
		AgentID:            o.AgentID,
		Channel:            o.Channel,
		ConversationKey:    o.ConversationKey,
		ExternalEventID:    o.ExternalEventID,
		OutcomeID:          o.ID,
		ReplyText:          o.ReplyText,
		State:              o.State,
		BookingID:          o.BookingID,
		Intent:             o.Intent,
		Violations:         o.Violations,
		EscalationRequired: o.EscalationRequired,
		Duplicate:          duplicate,
		Decision:           decision,
	}
}
