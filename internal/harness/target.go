package harness

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tomkotik/aimanager/internal/events"
	"github.com/tomkotik/aimanager/internal/pipeline"
)

// Target is an agent the harness can talk to.
type Target interface {
	Send(ctx context.Context, evt events.InboundEvent) (pipeline.Reply, error)
}

// PhraseSource is implemented by targets that can report the confirmation
// phrases of the agent under test.
type PhraseSource interface {
	ConfirmationPhrases(ctx context.Context, agentID string) ([]string, error)
}

// TargetFunc adapts a function to Target.
type TargetFunc func(ctx context.Context, evt events.InboundEvent) (pipeline.Reply, error)

func (f TargetFunc) Send(ctx context.Context, evt events.InboundEvent) (pipeline.Reply, error) {
	return f(ctx, evt)
}

// TransientError marks a send failure worth retrying with the same event.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// HTTPTarget posts events to a running service.
type HTTPTarget struct {
	baseURL string
	client  *http.Client
}

func NewHTTPTarget(baseURL string, timeout time.Duration) *HTTPTarget {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &HTTPTarget{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (t *HTTPTarget) Send(ctx context.Context, evt events.InboundEvent) (pipeline.Reply, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return pipeline.Reply{}, fmt.Errorf("marshal event: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/v1/agents/%s/events", t.baseURL, url.PathEscape(evt.AgentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return pipeline.Reply{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return pipeline.Reply{}, &TransientError{Err: fmt.Errorf("post event: %w", err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return pipeline.Reply{}, &TransientError{Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
		if resp.StatusCode == http.StatusServiceUnavailable || resp.StatusCode >= 500 {
			return pipeline.Reply{}, &TransientError{Err: err}
		}
		return pipeline.Reply{}, err
	}

	var reply pipeline.Reply
	if err := json.Unmarshal(data, &reply); err != nil {
		return pipeline.Reply{}, fmt.Errorf("decode reply: %w", err)
	}
	return reply, nil
}

// ConfirmationPhrases reads the agent's policy from the service.
func (t *HTTPTarget) ConfirmationPhrases(ctx context.Context, agentID string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/api/v1/agents/%s/policy", t.baseURL, url.PathEscape(agentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("get policy: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("policy endpoint returned %d", resp.StatusCode)
	}

	var body struct {
		ConfirmationPhrases []string `json:"confirmation_phrases"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode policy: %w", err)
	}
	return body.ConfirmationPhrases, nil
}
