package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/tomkotik/aimanager/internal/events"
)

const repeatWindow = 30 * time.Second

// Alerter posts escalation and operational alerts to a Slack channel via
// chat.postMessage.
type Alerter struct {
	token   string
	channel string
	client  *http.Client
	apiURL  string
	now     func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

// NewAlerter creates a new Slack alerter.
func NewAlerter(token, channel string) *Alerter {
	return &Alerter{
		token:    token,
		channel:  channel,
		client:   &http.Client{Timeout: 10 * time.Second},
		apiURL:   "https://slack.com/api/chat.postMessage",
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

var titles = map[string]string{
	events.AlertPendingManager: "Manager needed",
	events.AlertConflict:       "Booking conflict",
	events.AlertLockLeak:       "Conversation lock held too long",
	events.AlertLockTimeout:    "Conversation lock timeout",
	events.AlertDeadLetter:     "Event dead-lettered",
	events.AlertQueueOverflow:  "Dispatch queue full",
	events.AlertProcessing:     "Processing failures",
	events.AlertGateFailed:     "Release gate failed",
}

// Alert sends a Block Kit message for a. The same kind for the same
// conversation is sent at most once per 30 seconds.
func (a *Alerter) Alert(ctx context.Context, al events.Alert) error {
	dedupe := al.Kind + "|" + al.ConversationKey
	now := a.now()
	a.mu.Lock()
	if last, ok := a.lastSent[dedupe]; ok && now.Sub(last) < repeatWindow {
		a.mu.Unlock()
		return nil
	}
	a.lastSent[dedupe] = now
	for k, t := range a.lastSent {
		if now.Sub(t) >= repeatWindow {
			delete(a.lastSent, k)
		}
	}
	a.mu.Unlock()

	title, ok := titles[al.Kind]
	if !ok {
		title = "Alert: " + al.Kind
	}
	at := al.At
	if at.IsZero() {
		at = now.UTC()
	}

	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Agent:*\n%s", orDash(al.AgentID))},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Conversation:*\n%s", orDash(al.ConversationKey))},
	}
	if al.State != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*State:*\n%s", al.State)})
	}
	if al.BookingID != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Booking:*\n%s", al.BookingID)})
	}
	if len(al.Violations) > 0 {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Violations:*\n%s", strings.Join(al.Violations, ", "))})
	}
	if al.Detail != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Detail:*\n%s", al.Detail)})
	}

	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": title,
			},
		},
		{
			"type":   "section",
			"fields": fields,
		},
		{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("Event %s at %s", orDash(al.ExternalEventID), at.Format(time.RFC3339))},
			},
		},
	}

	body, err := json.Marshal(map[string]any{
		"channel": a.channel,
		"blocks":  blocks,
		"text":    fmt.Sprintf("%s: %s", title, orDash(al.ConversationKey)),
	})
	if err != nil {
		return fmt.Errorf("marshal slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Authorization", "Bearer "+a.token)

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}

	slog.Info("alert posted to Slack", "channel", a.channel, "kind", al.Kind, "conversation_key", al.ConversationKey)
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
