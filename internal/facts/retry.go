package facts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tomkotik/aimanager/internal/contract"
)

const (
	baseRetryDelay = 100 * time.Millisecond
	maxRetryDelay  = 2 * time.Second
	jitterDivisor  = 10
	halfDivisor    = 2
)

// RetryDelay returns the exponential backoff before attempt n+1, with 10%
// jitter.
func RetryDelay(attempts int) time.Duration {
	if attempts <= 0 {
		return baseRetryDelay
	}

	delay := baseRetryDelay
	for i := 0; i < attempts && i < 30; i++ {
		delay *= 2
		if delay > maxRetryDelay {
			return maxRetryDelay
		}
	}

	jitterRange := delay / jitterDivisor
	if jitterRange > 0 {
		jitter := time.Duration(time.Now().UnixNano() % int64(jitterRange))
		delay += jitter - jitterRange/halfDivisor
	}
	return delay
}

// Retrying wraps a Source and retries failed lookups with the same request,
// so the domain service sees the same idempotency key on every attempt.
type Retrying struct {
	Source      Source
	MaxAttempts int
	// Delay defaults to RetryDelay.
	Delay func(attempts int) time.Duration
}

func NewRetrying(src Source, maxAttempts int) *Retrying {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Retrying{Source: src, MaxAttempts: maxAttempts, Delay: RetryDelay}
}

// Get returns facts or an error wrapping ErrUnavailable.
func (r *Retrying) Get(ctx context.Context, req Request) (Facts, error) {
	delay := r.Delay
	if delay == nil {
		delay = RetryDelay
	}

	var lastErr error
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		f, err := r.Source.Get(ctx, req)
		if err == nil {
			return f, nil
		}
		lastErr = err

		if ctx.Err() != nil || !retryable(err) || attempt == r.MaxAttempts {
			break
		}

		wait := delay(attempt)
		slog.Warn("facts lookup failed, retrying",
			"conversation_key", req.ConversationKey,
			"external_event_id", req.ExternalEventID,
			"attempt", attempt,
			"retry_in", wait,
			"error", err,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Facts{}, fmt.Errorf("%w: %w", ErrUnavailable, ctx.Err())
		case <-timer.C:
		}
	}
	return Facts{}, fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

func retryable(err error) bool {
	if errors.Is(err, contract.ErrUnknownState) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}
