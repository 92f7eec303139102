package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/tomkotik/aimanager/internal/contract"
	"github.com/tomkotik/aimanager/internal/events"
)

func skipWithoutDB(t *testing.T) string {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}
	return url
}

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	url := skipWithoutDB(t)
	ctx := context.Background()
	s, err := New(ctx, url)
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func cleanupConversation(t *testing.T, s *Store, key string) {
	t.Helper()
	t.Cleanup(func() {
		ctx := context.Background()
		s.pool.Exec(ctx, "DELETE FROM conversation_outcomes WHERE conversation_key = $1", key)
		s.pool.Exec(ctx, "DELETE FROM conversations WHERE conversation_key = $1", key)
	})
}

func TestIntegration_InsertAndGetOutcome(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	key := "int-conv-" + time.Now().Format("20060102150405.000000")
	cleanupConversation(t, s, key)

	tok := int64(3)
	o := &Outcome{
		AgentID:         "agent-int",
		Channel:         "telegram",
		ConversationKey: key,
		ExternalEventID: "evt-1",
		OrderingToken:   &tok,
		ContentHash:     events.Hash("book the loft"),
		Intent:          "booking",
		ProposedState:   contract.StateCreated,
		State:           contract.StateCreated,
		BookingID:       "bk-1",
		FactsStatus:     "created",
		Violations:      []contract.Violation{contract.NewViolation(contract.CodeStatusRewritten, "draft said busy")},
		InboundText:     "Book the Loft on March 1 at 10:00",
		ReplyText:       "Booked.",
	}
	if err := s.InsertOutcome(ctx, o); err != nil {
		t.Fatalf("insert outcome: %v", err)
	}
	if o.Seq != 1 {
		t.Errorf("expected seq 1, got %d", o.Seq)
	}

	got, err := s.GetOutcome(ctx, events.Key{ConversationKey: key, ExternalEventID: "evt-1"})
	if err != nil {
		t.Fatalf("get outcome: %v", err)
	}
	if got.State != contract.StateCreated || got.BookingID != "bk-1" {
		t.Errorf("unexpected outcome: state=%s booking=%s", got.State, got.BookingID)
	}
	if !got.HasViolation(contract.CodeStatusRewritten) {
		t.Errorf("expected violations to round-trip, got %+v", got.Violations)
	}
	if got.InboundText != "Book the Loft on March 1 at 10:00" {
		t.Errorf("expected inbound text to round-trip, got %q", got.InboundText)
	}

	maxTok, ok, err := s.MaxOrderingToken(ctx, key)
	if err != nil || !ok || maxTok != 3 {
		t.Errorf("max ordering token = %d, %v, %v", maxTok, ok, err)
	}
}

func TestIntegration_DuplicateOutcomeRejected(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	key := "int-dup-" + time.Now().Format("20060102150405.000000")
	cleanupConversation(t, s, key)

	mk := func() *Outcome {
		return &Outcome{
			AgentID:         "agent-int",
			ConversationKey: key,
			ExternalEventID: "evt-1",
			ProposedState:   contract.StateNone,
			State:           contract.StateNone,
		}
	}
	if err := s.InsertOutcome(ctx, mk()); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := s.InsertOutcome(ctx, mk()); !errors.Is(err, ErrDuplicateOutcome) {
		t.Fatalf("expected ErrDuplicateOutcome, got %v", err)
	}

	all, err := s.ListConversationOutcomes(ctx, key)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected 1 outcome, got %d", len(all))
	}
}

func TestIntegration_LatestOutcomeFollowsSeq(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	key := "int-seq-" + time.Now().Format("20060102150405.000000")
	cleanupConversation(t, s, key)

	states := []contract.State{contract.StateNone, contract.StateBusy, contract.StateCreated}
	for i, st := range states {
		o := &Outcome{
			AgentID:         "agent-int",
			ConversationKey: key,
			ExternalEventID: "evt-" + string(rune('a'+i)),
			ProposedState:   st,
			State:           st,
		}
		if err := s.InsertOutcome(ctx, o); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	latest, err := s.LatestOutcome(ctx, key)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.Seq != 3 || latest.State != contract.StateCreated {
		t.Errorf("expected seq 3 created, got seq %d %s", latest.Seq, latest.State)
	}

	if _, err := s.LatestOutcome(ctx, key+"-missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestIntegration_ConversationLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	key := "int-life-" + time.Now().Format("20060102150405.000000")
	cleanupConversation(t, s, key)

	if err := s.TouchConversation(ctx, Conversation{AgentID: "agent-int", Channel: "web", ConversationKey: key}); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := s.DeactivateConversation(ctx, key); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	c, err := s.GetConversation(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Active {
		t.Error("expected conversation to be inactive")
	}
}
