package store

import (
	"context"
	"errors"
	"time"

	"github.com/tomkotik/aimanager/internal/contract"
	"github.com/tomkotik/aimanager/internal/events"
)

var (
	// ErrNotFound is returned when no row matches.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateOutcome is returned when an outcome for the same
	// (conversation key, external event id) was already committed.
	ErrDuplicateOutcome = errors.New("outcome already committed for event key")
)

// Outcome is one committed ConversationOutcome row. Rows are append-only;
// corrections are new rows that set SupersedesID.
type Outcome struct {
	ID                 string               `json:"id"`
	AgentID            string               `json:"agent_id"`
	Channel            string               `json:"channel"`
	ConversationKey    string               `json:"conversation_key"`
	ExternalEventID    string               `json:"external_event_id"`
	Seq                int64                `json:"seq"`
	OrderingToken      *int64               `json:"ordering_token,omitempty"`
	ContentHash        string               `json:"content_hash"`
	Intent             string               `json:"intent"`
	ProposedState      contract.State       `json:"proposed_state"`
	State              contract.State       `json:"state"`
	BookingID          string               `json:"booking_id,omitempty"`
	FactsStatus        string               `json:"facts_status,omitempty"`
	Violations         []contract.Violation `json:"violations"`
	InboundText        string               `json:"inbound_text"`
	DraftText          string               `json:"draft_text"`
	ReplyText          string               `json:"reply_text"`
	EscalationRequired bool                 `json:"escalation_required"`
	LatencyMS          int64                `json:"latency_ms"`
	Tag                string               `json:"tag,omitempty"`
	SupersedesID       string               `json:"supersedes_id,omitempty"`
	CreatedAt          time.Time            `json:"created_at"`
}

// Key returns the idempotency key of the event this outcome answers.
func (o *Outcome) Key() events.Key {
	return events.Key{ConversationKey: o.ConversationKey, ExternalEventID: o.ExternalEventID}
}

// HasViolation reports whether the outcome carries a violation with code.
func (o *Outcome) HasViolation(code string) bool {
	for _, v := range o.Violations {
		if v.Code == code {
			return true
		}
	}
	return false
}

// Conversation is one exchange with one external party on one channel.
// Conversations are deactivated, never deleted.
type Conversation struct {
	AgentID         string    `json:"agent_id"`
	Channel         string    `json:"channel"`
	ConversationKey string    `json:"conversation_key"`
	Active          bool      `json:"active"`
	CreatedAt       time.Time `json:"created_at"`
	LastEventAt     time.Time `json:"last_event_at"`
}

// OutcomeFilter selects outcomes for read models. An empty AgentID matches
// every agent. Only rows with Tag are returned unless AnyTag is set.
type OutcomeFilter struct {
	AgentID string
	Since   time.Time
	Tag     string
	AnyTag  bool
	Limit   int
}

// DataStore is the interface consumed by the gate, the pipeline, the
// aggregator, and the API. The concrete implementation is *Store (pgx-backed).
type DataStore interface {
	InsertOutcome(ctx context.Context, o *Outcome) error
	GetOutcome(ctx context.Context, key events.Key) (*Outcome, error)
	LatestOutcome(ctx context.Context, conversationKey string) (*Outcome, error)
	MaxOrderingToken(ctx context.Context, conversationKey string) (int64, bool, error)
	ListOutcomes(ctx context.Context, f OutcomeFilter) ([]Outcome, error)
	ListConversationOutcomes(ctx context.Context, conversationKey string) ([]Outcome, error)
	TouchConversation(ctx context.Context, c Conversation) error
	GetConversation(ctx context.Context, conversationKey string) (*Conversation, error)
	DeactivateConversation(ctx context.Context, conversationKey string) error
	Close()
}
