package testutil

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tomkotik/aimanager/internal/contract"
	"github.com/tomkotik/aimanager/internal/events"
	"github.com/tomkotik/aimanager/internal/store"
)

// MockStore is a thread-safe in-memory implementation of store.DataStore for testing.
type MockStore struct {
	mu sync.Mutex

	Outcomes      []store.Outcome
	Conversations map[string]store.Conversation

	InsertErr error
	GetErr    error
	ListErr   error

	InsertCalls int
	GetCalls    int

	// Now overrides the commit clock when set.
	Now func() time.Time
}

var _ store.DataStore = (*MockStore)(nil)

func NewMockStore() *MockStore {
	return &MockStore{
		Outcomes:      make([]store.Outcome, 0),
		Conversations: make(map[string]store.Conversation),
	}
}

func (m *MockStore) InsertOutcome(_ context.Context, o *store.Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InsertCalls++
	if m.InsertErr != nil {
		return m.InsertErr
	}
	if !o.State.Valid() {
		return contract.ErrUnknownState
	}

	var seq int64
	for _, existing := range m.Outcomes {
		if existing.ConversationKey != o.ConversationKey {
			continue
		}
		if existing.ExternalEventID == o.ExternalEventID {
			return store.ErrDuplicateOutcome
		}
		if existing.Seq > seq {
			seq = existing.Seq
		}
	}

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		if m.Now != nil {
			o.CreatedAt = m.Now()
		} else {
			o.CreatedAt = time.Now().UTC()
		}
	}
	o.Seq = seq + 1
	m.Outcomes = append(m.Outcomes, cloneOutcome(*o))
	return nil
}

func (m *MockStore) GetOutcome(_ context.Context, key events.Key) (*store.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetCalls++
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	for _, o := range m.Outcomes {
		if o.ConversationKey == key.ConversationKey && o.ExternalEventID == key.ExternalEventID {
			cp := cloneOutcome(o)
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *MockStore) LatestOutcome(_ context.Context, conversationKey string) (*store.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return nil, m.GetErr
	}
	var latest *store.Outcome
	for i := range m.Outcomes {
		o := &m.Outcomes[i]
		if o.ConversationKey != conversationKey {
			continue
		}
		if latest == nil || o.Seq > latest.Seq {
			latest = o
		}
	}
	if latest == nil {
		return nil, store.ErrNotFound
	}
	cp := cloneOutcome(*latest)
	return &cp, nil
}

func (m *MockStore) MaxOrderingToken(_ context.Context, conversationKey string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetErr != nil {
		return 0, false, m.GetErr
	}
	var (
		maxTok int64
		found  bool
	)
	for _, o := range m.Outcomes {
		if o.ConversationKey != conversationKey || o.OrderingToken == nil {
			continue
		}
		if !found || *o.OrderingToken > maxTok {
			maxTok = *o.OrderingToken
			found = true
		}
	}
	return maxTok, found, nil
}

func (m *MockStore) ListOutcomes(_ context.Context, f store.OutcomeFilter) ([]store.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var results []store.Outcome
	for _, o := range m.Outcomes {
		if f.AgentID != "" && o.AgentID != f.AgentID {
			continue
		}
		if !f.Since.IsZero() && o.CreatedAt.Before(f.Since) {
			continue
		}
		if !f.AnyTag && o.Tag != f.Tag {
			continue
		}
		results = append(results, cloneOutcome(o))
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	if f.Limit > 0 && len(results) > f.Limit {
		results = results[:f.Limit]
	}
	return results, nil
}

func (m *MockStore) ListConversationOutcomes(_ context.Context, conversationKey string) ([]store.Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var results []store.Outcome
	for _, o := range m.Outcomes {
		if o.ConversationKey == conversationKey {
			results = append(results, cloneOutcome(o))
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Seq < results[j].Seq })
	return results, nil
}

func (m *MockStore) TouchConversation(_ context.Context, c store.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := c.LastEventAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	existing, ok := m.Conversations[c.ConversationKey]
	if !ok {
		c.Active = true
		c.CreatedAt = now
		c.LastEventAt = now
		m.Conversations[c.ConversationKey] = c
		return nil
	}
	existing.Active = true
	if now.After(existing.LastEventAt) {
		existing.LastEventAt = now
	}
	m.Conversations[c.ConversationKey] = existing
	return nil
}

func (m *MockStore) GetConversation(_ context.Context, conversationKey string) (*store.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Conversations[conversationKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (m *MockStore) DeactivateConversation(_ context.Context, conversationKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.Conversations[conversationKey]
	if !ok {
		return store.ErrNotFound
	}
	c.Active = false
	m.Conversations[conversationKey] = c
	return nil
}

func (m *MockStore) Close() {}

// SeedOutcome stores an outcome as if it had been committed earlier.
func (m *MockStore) SeedOutcome(o store.Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.Seq == 0 {
		for _, existing := range m.Outcomes {
			if existing.ConversationKey == o.ConversationKey && existing.Seq >= o.Seq {
				o.Seq = existing.Seq
			}
		}
		o.Seq++
	}
	m.Outcomes = append(m.Outcomes, cloneOutcome(o))
}

// GetInsertCalls returns how many times InsertOutcome was called.
func (m *MockStore) GetInsertCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.InsertCalls
}

// OutcomeCount returns the number of committed outcomes for a conversation.
func (m *MockStore) OutcomeCount(conversationKey string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, o := range m.Outcomes {
		if o.ConversationKey == conversationKey {
			n++
		}
	}
	return n
}

func cloneOutcome(o store.Outcome) store.Outcome {
	if o.Violations != nil {
		o.Violations = append([]contract.Violation(nil), o.Violations...)
	}
	if o.OrderingToken != nil {
		tok := *o.OrderingToken
		o.OrderingToken = &tok
	}
	return o
}
