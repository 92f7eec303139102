package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// ErrMissingIdentity is returned when an inbound event lacks a conversation
// key or an external event id. Such events can never be deduplicated safely.
var ErrMissingIdentity = errors.New("event is missing conversation key or external event id")

// TagGate marks synthetic traffic produced by the release gate.
const TagGate = "gate"

// Sender describes the external party, when the channel provides it.
type Sender struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// InboundEvent is one externally delivered message in canonical form.
type InboundEvent struct {
	AgentID         string          `json:"agent_id"`
	Channel         string          `json:"channel"`
	ConversationKey string          `json:"conversation_key"`
	ExternalEventID string          `json:"external_event_id"`
	Text            string          `json:"text"`
	ContentHash     string          `json:"content_hash"`
	ReceivedAt      time.Time       `json:"received_at"`
	OrderingToken   *int64          `json:"ordering_token,omitempty"`
	Tag             string          `json:"tag,omitempty"`
	Sender          Sender          `json:"sender"`
	Metadata        json.RawMessage `json:"metadata"`
}

// Key is the idempotency key of an inbound event.
type Key struct {
	ConversationKey string
	ExternalEventID string
}

func (k Key) String() string {
	return k.ConversationKey + "/" + k.ExternalEventID
}

// Key returns the (conversation key, external event id) natural key.
func (e InboundEvent) Key() Key {
	return Key{ConversationKey: e.ConversationKey, ExternalEventID: e.ExternalEventID}
}

// Validate checks the identity constraint.
func (e InboundEvent) Validate() error {
	if strings.TrimSpace(e.ConversationKey) == "" || strings.TrimSpace(e.ExternalEventID) == "" {
		return ErrMissingIdentity
	}
	return nil
}

// Normalize decodes a channel envelope and fills in missing fields with
// sensible defaults. Unlike malformed JSON, a missing identity is an error:
// an event that cannot be keyed cannot be admitted.
func Normalize(raw []byte) (InboundEvent, error) {
	var e InboundEvent
	if err := json.Unmarshal(raw, &e); err != nil {
		return InboundEvent{}, fmt.Errorf("decode inbound event: %w", err)
	}

	e.ConversationKey = strings.TrimSpace(e.ConversationKey)
	e.ExternalEventID = strings.TrimSpace(e.ExternalEventID)
	if err := e.Validate(); err != nil {
		return InboundEvent{}, err
	}

	if e.ReceivedAt.IsZero() {
		slog.Warn("event missing receipt time, using ingestion time",
			"conversation_key", e.ConversationKey,
			"external_event_id", e.ExternalEventID,
		)
		e.ReceivedAt = time.Now().UTC()
	}

	e.ContentHash = Hash(e.Text)

	if e.Metadata == nil {
		e.Metadata = json.RawMessage(`{}`)
	}
	if e.Sender.Phone == "" {
		e.Sender.Phone = e.MetadataField("phone")
	}
	if e.Sender.Name == "" {
		e.Sender.Name = e.MetadataField("sender_name")
	}

	return e, nil
}

// Hash returns the sha256 hex digest of the message content.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// NATS subjects used by the service.
const (
	SubjectInboundPrefix  = "aimanager.inbound."
	SubjectOutboundPrefix = "aimanager.outbound."
	SubjectAlertPrefix    = "aimanager.alert."

	AlertPendingManager = "pending_manager"
	AlertConflict       = "booking_conflict"
	AlertLockLeak       = "lock_leak"
	AlertLockTimeout    = "lock_timeout"
	AlertDeadLetter     = "dead_letter"
	AlertQueueOverflow  = "queue_overflow"
	AlertProcessing     = "processing_failure"
	AlertGateFailed     = "release_gate_failed"
)

// ChannelFromSubject extracts the channel name from an inbound subject.
func ChannelFromSubject(subject string) string {
	return strings.TrimPrefix(subject, SubjectInboundPrefix)
}

// MetadataField extracts a string field from the metadata JSON.
func (e *InboundEvent) MetadataField(key string) string {
	var m map[string]any
	if err := json.Unmarshal(e.Metadata, &m); err != nil {
		return ""
	}
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
