package facts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tomkotik/aimanager/internal/contract"
)

// HTTPSource queries the domain service over HTTP.
type HTTPSource struct {
	baseURL string
	client  *http.Client
}

func NewHTTPSource(baseURL string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPSource) Get(ctx context.Context, req Request) (Facts, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Facts{}, fmt.Errorf("encode facts request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/facts", bytes.NewReader(body))
	if err != nil {
		return Facts{}, fmt.Errorf("build facts request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey())

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Facts{}, fmt.Errorf("facts request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Facts{}, fmt.Errorf("read facts response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Facts{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var f Facts
	if err := json.Unmarshal(raw, &f); err != nil {
		return Facts{}, fmt.Errorf("decode facts response: %w", err)
	}
	if _, err := contract.ParseState(string(f.Status)); err != nil {
		return Facts{}, fmt.Errorf("facts response: %w", err)
	}
	return f, nil
}
