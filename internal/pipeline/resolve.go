package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tomkotik/aimanager/internal/contract"
	"github.com/tomkotik/aimanager/internal/events"
	"github.com/tomkotik/aimanager/internal/gate"
	"github.com/tomkotik/aimanager/internal/store"
)

var (
	// ErrNotPendingManager is returned when a resolution targets a
	// conversation that is not waiting for a manager.
	ErrNotPendingManager = errors.New("conversation is not waiting for a manager")
	// ErrInvalidResolution is returned for resolutions that could mislead
	// the customer, e.g. a confirmation without a booking id.
	ErrInvalidResolution = errors.New("invalid resolution")
)

// FactsStatusManager marks outcomes decided by a manager instead of the
// facts source.
const FactsStatusManager = "manager"

const resolutionEventPrefix = "resolution:"

// Resolution is a manager's decision for a conversation in pending_manager.
// ResolutionID makes retries idempotent.
type Resolution struct {
	ConversationKey string         `json:"conversation_key"`
	ResolutionID    string         `json:"resolution_id"`
	State           contract.State `json:"state"`
	BookingID       string         `json:"booking_id,omitempty"`
	Text            string         `json:"text,omitempty"`
}

func (r Resolution) validate() error {
	if strings.TrimSpace(r.ConversationKey) == "" || strings.TrimSpace(r.ResolutionID) == "" {
		return gate.ErrMissingIdentity
	}
	switch r.State {
	case contract.StateCreated:
		if r.BookingID == "" {
			return fmt.Errorf("%w: created without booking id", ErrInvalidResolution)
		}
	case contract.StateNone, contract.StateBusy:
		if r.BookingID != "" {
			return fmt.Errorf("%w: booking id on %s", ErrInvalidResolution, r.State)
		}
	default:
		return fmt.Errorf("%w: state %q", ErrInvalidResolution, r.State)
	}
	return nil
}

// Resolve appends the manager's decision as a new outcome that supersedes the
// pending_manager one. It runs under the same conversation lease as Handle.
func (e *Engine) Resolve(ctx context.Context, res Resolution) (Reply, error) {
	if err := res.validate(); err != nil {
		return Reply{}, err
	}

	evt := events.InboundEvent{
		ConversationKey: res.ConversationKey,
		ExternalEventID: resolutionEventPrefix + res.ResolutionID,
		ContentHash:     events.Hash(res.Text),
		ReceivedAt:      e.now().UTC(),
	}
	key := evt.Key()

	adm, err := e.gate.AdmitWait(ctx, evt, e.cfg.LockWait)
	if err != nil {
		return Reply{}, fmt.Errorf("admit %s: %w", key, err)
	}
	if adm.Decision == gate.Duplicate {
		return replyFromOutcome(adm.Outcome, true), nil
	}
	lease := adm.Lease
	defer lease.Release()

	latest, err := e.store.LatestOutcome(ctx, key.ConversationKey)
	if errors.Is(err, store.ErrNotFound) {
		return Reply{}, fmt.Errorf("%w: %s has no outcomes", ErrNotPendingManager, key.ConversationKey)
	}
	if err != nil {
		return Reply{}, fmt.Errorf("load latest outcome %s: %w", key.ConversationKey, err)
	}
	if latest.State != contract.StatePendingManager {
		return Reply{}, fmt.Errorf("%w: %s is %s", ErrNotPendingManager, key.ConversationKey, latest.State)
	}

	pol, err := e.policies.Get(latest.AgentID)
	if err != nil {
		return Reply{}, fmt.Errorf("load policy for %s: %w", latest.AgentID, err)
	}

	text := strings.TrimSpace(res.Text)
	if res.State == contract.StateCreated {
		if !strings.Contains(text, res.BookingID) {
			text = strings.TrimSpace(text + " " + pol.CreatedText(res.BookingID))
		}
	} else {
		if text == "" && res.State == contract.StateBusy {
			text = pol.BusyText()
		}
		if text == "" {
			return Reply{}, fmt.Errorf("%w: empty reply", ErrInvalidResolution)
		}
		if pol.ContainsConfirmation(text) {
			return Reply{}, fmt.Errorf("%w: confirmation wording on %s", ErrInvalidResolution, res.State)
		}
	}

	o := &store.Outcome{
		AgentID:         latest.AgentID,
		Channel:         latest.Channel,
		ConversationKey: key.ConversationKey,
		ExternalEventID: key.ExternalEventID,
		ContentHash:     evt.ContentHash,
		Intent:          latest.Intent,
		ProposedState:   res.State,
		State:           res.State,
		BookingID:       res.BookingID,
		FactsStatus:     FactsStatusManager,
		DraftText:       res.Text,
		ReplyText:       text,
		Tag:             latest.Tag,
		SupersedesID:    latest.ID,
	}
	if err := e.store.InsertOutcome(ctx, o); err != nil {
		if errors.Is(err, store.ErrDuplicateOutcome) {
			existing, gerr := e.store.GetOutcome(ctx, key)
			if gerr != nil {
				return Reply{}, fmt.Errorf("load committed outcome %s: %w", key, gerr)
			}
			return replyFromOutcome(existing, true), nil
		}
		return Reply{}, fmt.Errorf("commit resolution %s: %w", key, err)
	}
	lease.Commit()

	slog.Info("manager resolution committed",
		"conversation_key", key.ConversationKey,
		"resolution_id", res.ResolutionID,
		"state", o.State,
		"booking_id", o.BookingID,
		"supersedes_id", o.SupersedesID,
	)
	return replyFromOutcome(o, false), nil
}
