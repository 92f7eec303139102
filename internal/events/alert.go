package events

import (
	"encoding/json"
	"time"
)

// Alert is an operational notification published on
// SubjectAlertPrefix+Kind and forwarded to the manager channel.
type Alert struct {
	Kind            string    `json:"kind"`
	AgentID         string    `json:"agent_id,omitempty"`
	ConversationKey string    `json:"conversation_key,omitempty"`
	ExternalEventID string    `json:"external_event_id,omitempty"`
	State           string    `json:"state,omitempty"`
	BookingID       string    `json:"booking_id,omitempty"`
	Detail          string    `json:"detail,omitempty"`
	Violations      []string  `json:"violations,omitempty"`
	At              time.Time `json:"at"`
}

func (a Alert) Subject() string {
	return SubjectAlertPrefix + a.Kind
}

func (a Alert) Marshal() []byte {
	data, _ := json.Marshal(a)
	return data
}

// Reply is the outbound message published on SubjectOutboundPrefix+Channel.
type Reply struct {
	AgentID         string `json:"agent_id"`
	Channel         string `json:"channel"`
	ConversationKey string `json:"conversation_key"`
	ExternalEventID string `json:"external_event_id"`
	Text            string `json:"text"`
	State           string `json:"state"`
	BookingID       string `json:"booking_id,omitempty"`
	// Duplicate marks a replay of the reply stored for an event that was
	// already processed. Channels that delivered the first copy can drop it.
	Duplicate bool `json:"duplicate"`
}

func (r Reply) Subject() string {
	return SubjectOutboundPrefix + r.Channel
}
