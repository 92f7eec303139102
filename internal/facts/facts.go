// Package facts fetches the authoritative booking facts from the domain
// service. The reply engine's claims are never trusted for transactional
// state; these facts are.
package facts

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/tomkotik/aimanager/internal/contract"
)

// ErrUnavailable is returned when facts could not be obtained after all
// retries. Callers must not default to a success state.
var ErrUnavailable = errors.New("authoritative facts unavailable")

// Request identifies the event and carries the booking details the draft
// asked for. The domain service must treat (ConversationKey,
// ExternalEventID) as an idempotency key.
type Request struct {
	AgentID          string                   `json:"agent_id"`
	ConversationKey  string                   `json:"conversation_key"`
	ExternalEventID  string                   `json:"external_event_id"`
	Intent           string                   `json:"intent"`
	Booking          *contract.BookingRequest `json:"booking,omitempty"`
	ClaimedBookingID string                   `json:"claimed_booking_id,omitempty"`
}

// IdempotencyKey is sent with every attempt for the same event.
func (r Request) IdempotencyKey() string {
	return r.ConversationKey + "/" + r.ExternalEventID
}

// Facts is the domain service's view of the conversation's booking.
type Facts struct {
	Status         contract.State `json:"status"`
	BookingID      string         `json:"booking_id,omitempty"`
	ConflictReason string         `json:"conflict_reason,omitempty"`
}

// Source returns authoritative facts. Implementations must be safe to retry.
type Source interface {
	Get(ctx context.Context, req Request) (Facts, error)
}

// StatusError is a non-2xx answer from the domain service.
type StatusError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("facts service returned %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("facts service returned %d", e.StatusCode)
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Retryable reports whether another attempt may succeed.
func (e *StatusError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}
