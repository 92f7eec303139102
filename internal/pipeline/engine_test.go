package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomkotik/aimanager/internal/contract"
	"github.com/tomkotik/aimanager/internal/events"
	"github.com/tomkotik/aimanager/internal/facts"
	"github.com/tomkotik/aimanager/internal/gate"
	"github.com/tomkotik/aimanager/internal/generator"
	"github.com/tomkotik/aimanager/internal/policy"
	"github.com/tomkotik/aimanager/internal/testutil"
)

const (
	loftDraft   = "Let me check the Loft for you. [BOOKING:2026-03-01|10:00|2|Loft|Anna|+100]"
	studioDraft = "Let me check the Studio instead. [BOOKING:2026-03-01|10:00|2|Studio|Anna|+100]"
	askDraft    = "Sure! Which date, time and room would you like?"
)

var loft = &contract.BookingRequest{Date: "2026-03-01", Time: "10:00", Room: "Loft"}

type harness struct {
	store   *testutil.MockStore
	booking *testutil.BookingService
	gen     *testutil.ScriptedGenerator
	alerts  *testutil.AlertRecorder
	engine  *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:   testutil.NewMockStore(),
		booking: testutil.NewBookingService(),
		gen: &testutil.ScriptedGenerator{
			Rules: []testutil.ScriptRule{
				{Marker: "studio", Draft: studioDraft},
				{Marker: "loft", Draft: loftDraft},
			},
			Default: askDraft,
		},
		alerts: &testutil.AlertRecorder{},
	}
	h.engine = h.build(h.gen, h.booking)
	return h
}

func (h *harness) build(gen generator.Generator, src facts.Source) *Engine {
	return New(Deps{
		Store:     h.store,
		Gate:      gate.New(h.store, gate.Config{}),
		Policies:  policy.NewRegistry(""),
		Generator: gen,
		Facts:     src,
		Alerter:   h.alerts,
	}, Config{LockWait: 2 * time.Second, GenerateTimeout: time.Second, FactsTimeout: time.Second})
}

func inbound(conv, id, text string) events.InboundEvent {
	return events.InboundEvent{
		AgentID:         "agent-1",
		Channel:         "telegram",
		ConversationKey: conv,
		ExternalEventID: id,
		Text:            text,
		ContentHash:     events.Hash(text),
		ReceivedAt:      time.Date(2026, 2, 20, 9, 0, 0, 0, time.UTC),
	}
}

type factsFunc func(ctx context.Context, req facts.Request) (facts.Facts, error)

func (f factsFunc) Get(ctx context.Context, req facts.Request) (facts.Facts, error) { return f(ctx, req) }

func TestScenario_FreeSingle(t *testing.T) {
	h := newHarness(t)
	r, err := h.engine.Handle(context.Background(), inbound("c1", "e1", "Please book the Loft on 2026-03-01 at 10:00 for 2 hours"))
	require.NoError(t, err)

	assert.Equal(t, gate.Process, r.Decision)
	assert.Equal(t, contract.StateCreated, r.State)
	assert.Equal(t, "bk-1", r.BookingID)
	assert.Empty(t, r.Violations)
	assert.False(t, r.EscalationRequired)
	assert.Contains(t, r.ReplyText, "Booking ID: bk-1")
	assert.Equal(t, "BOOKING", r.Intent)

	conv, err := h.store.GetConversation(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, conv.Active)
	assert.Empty(t, h.alerts.Kinds())
}

func TestScenario_BusySingle(t *testing.T) {
	h := newHarness(t)
	h.booking.Take(loft)

	r, err := h.engine.Handle(context.Background(), inbound("c1", "e1", "Please book the Loft on 2026-03-01 at 10:00"))
	require.NoError(t, err)

	pol := policy.Default("agent-1")
	assert.Equal(t, contract.StateBusy, r.State)
	assert.Empty(t, r.BookingID)
	assert.Empty(t, r.Violations)
	assert.False(t, pol.ContainsConfirmation(r.ReplyText))
	assert.True(t, pol.ContainsBusy(r.ReplyText))
}

func TestScenario_DuplicateAfterCreated(t *testing.T) {
	h := newHarness(t)
	evt := inbound("c1", "e1", "Please book the Loft on 2026-03-01 at 10:00")

	first, err := h.engine.Handle(context.Background(), evt)
	require.NoError(t, err)
	require.Equal(t, contract.StateCreated, first.State)
	fetches := h.booking.CallCount()

	second, err := h.engine.Handle(context.Background(), evt)
	require.NoError(t, err)

	assert.True(t, second.Duplicate)
	assert.Equal(t, gate.Duplicate, second.Decision)
	assert.Equal(t, first.OutcomeID, second.OutcomeID)
	assert.Equal(t, first.ReplyText, second.ReplyText)
	assert.Equal(t, first.BookingID, second.BookingID)
	assert.Equal(t, fetches, h.booking.CallCount(), "duplicate must not fetch facts again")
	assert.Equal(t, 1, h.gen.Calls)
	assert.Equal(t, 1, h.store.OutcomeCount("c1"))
}

func TestScenario_BusySwitchRoom(t *testing.T) {
	h := newHarness(t)
	h.booking.Take(loft)

	busy, err := h.engine.Handle(context.Background(), inbound("c1", "e1", "Please book the Loft on 2026-03-01 at 10:00"))
	require.NoError(t, err)
	require.Equal(t, contract.StateBusy, busy.State)

	created, err := h.engine.Handle(context.Background(), inbound("c1", "e2", "Then the Studio please"))
	require.NoError(t, err)

	assert.Equal(t, contract.StateCreated, created.State)
	assert.NotEmpty(t, created.BookingID)
	assert.Empty(t, created.Violations)
	assert.Equal(t, 2, len(h.gen.Seen))
	assert.Equal(t, contract.StateBusy, h.gen.Seen[1].CurrentState)
}

func TestHandle_FollowUpSeesEarlierMessagesAndKeepsIntent(t *testing.T) {
	h := newHarness(t)
	h.booking.Take(loft)

	_, err := h.engine.Handle(context.Background(), inbound("c1", "e1", "Please book the Loft on 2026-03-01 at 10:00"))
	require.NoError(t, err)
	r, err := h.engine.Handle(context.Background(), inbound("c1", "e2", "Then the Studio at the same time please."))
	require.NoError(t, err)

	assert.Equal(t, "BOOKING", r.Intent, "a follow-up without a marker stays on the locked intent")
	require.Len(t, h.gen.Seen, 2)
	turn := h.gen.Seen[1]
	assert.Equal(t, "BOOKING", turn.Intent)
	require.Len(t, turn.History, 2)
	assert.Equal(t, generator.Turn{Role: generator.RoleUser, Text: "Please book the Loft on 2026-03-01 at 10:00"}, turn.History[0])
	assert.Equal(t, generator.RoleAssistant, turn.History[1].Role)
	assert.True(t, policy.Default("agent-1").ContainsBusy(turn.History[1].Text))

	history, err := h.store.ListConversationOutcomes(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "Then the Studio at the same time please.", history[1].InboundText)
	assert.Equal(t, "BOOKING", history[1].Intent)
}

func TestScenario_Incomplete(t *testing.T) {
	h := newHarness(t)
	r, err := h.engine.Handle(context.Background(), inbound("c1", "e1", "I want to book a room"))
	require.NoError(t, err)

	assert.Equal(t, contract.StateNone, r.State)
	assert.Empty(t, r.BookingID)
	assert.Empty(t, r.Violations)
	assert.Equal(t, 1, h.booking.CallCount(), "transactional intent consults the facts")
	assert.Nil(t, h.booking.Requests[0].Booking)
	assert.Empty(t, h.booking.Taken, "no booking created")
}

func TestHandle_NonTransactionalSkipsFacts(t *testing.T) {
	h := newHarness(t)
	h.gen.Default = "We are open every day from 9 to 21."

	r, err := h.engine.Handle(context.Background(), inbound("c1", "e1", "What are your opening hours?"))
	require.NoError(t, err)

	assert.Equal(t, contract.StateNone, r.State)
	assert.Equal(t, policy.FallbackIntent, r.Intent)
	assert.Zero(t, h.booking.CallCount())
	assert.Equal(t, "We are open every day from 9 to 21.", r.ReplyText)
}

func TestHandle_FalseConfirmationNeverDelivered(t *testing.T) {
	h := newHarness(t)
	h.booking.Take(loft)
	h.gen.Rules = []testutil.ScriptRule{{
		Marker: "loft",
		Draft:  "Your booking is confirmed! [STATE:created] [BOOKING:2026-03-01|10:00|2|Loft|Anna|+100]",
	}}

	r, err := h.engine.Handle(context.Background(), inbound("c1", "e1", "Book the Loft on 2026-03-01 at 10:00"))
	require.NoError(t, err)

	assert.Equal(t, contract.StateBusy, r.State)
	assert.False(t, policy.Default("agent-1").ContainsConfirmation(r.ReplyText))
	assert.Contains(t, contract.Codes(r.Violations), contract.CodeFalseConfirmation)
	assert.True(t, r.EscalationRequired)

	stored, err := h.store.LatestOutcome(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, contract.StateCreated, stored.ProposedState)
	assert.Equal(t, "busy", stored.FactsStatus)
	assert.Equal(t, "Your booking is confirmed!", stored.DraftText)
}

func TestHandle_ConfirmationWordingTriggersFactsLookup(t *testing.T) {
	h := newHarness(t)
	h.gen.Default = "Your booking is confirmed."

	r, err := h.engine.Handle(context.Background(), inbound("c1", "e1", "thanks!"))
	require.NoError(t, err)

	assert.Equal(t, 1, h.booking.CallCount())
	assert.Equal(t, contract.StateNone, r.State)
	assert.Equal(t, []string{contract.CodeFalseConfirmation}, contract.Codes(r.Violations))
	assert.False(t, policy.Default("agent-1").ContainsConfirmation(r.ReplyText))
}

func TestHandle_BookingContactFromSender(t *testing.T) {
	h := newHarness(t)
	gen := &testutil.ScriptedGenerator{Default: "Checking the Loft. [BOOKING:2026-03-01|10:00|2|Loft||]"}

	var got facts.Request
	src := factsFunc(func(ctx context.Context, req facts.Request) (facts.Facts, error) {
		got = req
		return facts.Facts{Status: contract.StateCreated, BookingID: "bk-5"}, nil
	})
	engine := h.build(gen, src)

	evt := inbound("c1", "e1", "Please book the Loft on 2026-03-01 at 10:00")
	evt.Sender = events.Sender{Name: "Anna", Phone: "+79990001122"}
	r, err := engine.Handle(context.Background(), evt)
	require.NoError(t, err)

	assert.Equal(t, contract.StateCreated, r.State)
	require.NotNil(t, got.Booking)
	assert.Equal(t, "Anna", got.Booking.Name)
	assert.Equal(t, "+79990001122", got.Booking.Phone)
	assert.Equal(t, "Loft", got.Booking.Room)
}

func TestHandle_ConflictRoutesToManager(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.engine = h.build(h.gen, factsFunc(func(_ context.Context, _ facts.Request) (facts.Facts, error) {
		calls++
		if calls == 1 {
			return facts.Facts{Status: contract.StateCreated, BookingID: "bk-1"}, nil
		}
		return facts.Facts{Status: contract.StateCreated, BookingID: "bk-2"}, nil
	}))

	first, err := h.engine.Handle(context.Background(), inbound("c1", "e1", "Book the Loft"))
	require.NoError(t, err)
	require.Equal(t, "bk-1", first.BookingID)

	second, err := h.engine.Handle(context.Background(), inbound("c1", "e2", "Book the Loft again"))
	require.NoError(t, err)

	assert.Equal(t, contract.StatePendingManager, second.State)
	assert.Equal(t, "bk-1", second.BookingID, "recorded booking is never overwritten")
	assert.Contains(t, contract.Codes(second.Violations), contract.CodeBookingConflict)
	assert.Equal(t, policy.Default("agent-1").HandoffText(), second.ReplyText)
	assert.Equal(t, []string{events.AlertConflict, events.AlertPendingManager}, h.alerts.Kinds())
}

func TestHandle_NoSilentRegression(t *testing.T) {
	h := newHarness(t)
	calls := 0
	h.engine = h.build(h.gen, factsFunc(func(_ context.Context, _ facts.Request) (facts.Facts, error) {
		calls++
		if calls == 1 {
			return facts.Facts{Status: contract.StateCreated, BookingID: "bk-1"}, nil
		}
		return facts.Facts{Status: contract.StateNone}, nil
	}))

	_, err := h.engine.Handle(context.Background(), inbound("c1", "e1", "Book the Loft"))
	require.NoError(t, err)
	r, err := h.engine.Handle(context.Background(), inbound("c1", "e2", "book something"))
	require.NoError(t, err)

	assert.Equal(t, contract.StateCreated, r.State)
	assert.Equal(t, "bk-1", r.BookingID)
	assert.Contains(t, contract.Codes(r.Violations), contract.CodeInvalidTransition)

	history, err := h.store.ListConversationOutcomes(context.Background(), "c1")
	require.NoError(t, err)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i-1].State == contract.StateCreated && history[i].State == contract.StateNone)
	}
}

func TestHandle_FactsUnavailable(t *testing.T) {
	h := newHarness(t)
	h.booking.Err = errors.New("connection refused")

	r, err := h.engine.Handle(context.Background(), inbound("c1", "e1", "Book the Loft on 2026-03-01 at 10:00"))
	require.NoError(t, err)

	assert.Equal(t, contract.StatePendingManager, r.State)
	assert.Equal(t, policy.Default("agent-1").HandoffText(), r.ReplyText)
	assert.Contains(t, contract.Codes(r.Violations), contract.CodeFactsUnavailable)
	assert.True(t, r.EscalationRequired)
	assert.Equal(t, []string{events.AlertPendingManager}, h.alerts.Kinds())
}

func TestHandle_RetryingFactsRecovers(t *testing.T) {
	h := newHarness(t)
	attempts := 0
	var keys []string
	flaky := factsFunc(func(ctx context.Context, req facts.Request) (facts.Facts, error) {
		attempts++
		keys = append(keys, req.IdempotencyKey())
		if attempts < 3 {
			return facts.Facts{}, &facts.StatusError{StatusCode: 503}
		}
		return h.booking.Get(ctx, req)
	})
	retrying := facts.NewRetrying(flaky, 3)
	retrying.Delay = func(int) time.Duration { return time.Millisecond }
	h.engine = h.build(h.gen, retrying)

	r, err := h.engine.Handle(context.Background(), inbound("c1", "e1", "Book the Loft on 2026-03-01 at 10:00"))
	require.NoError(t, err)

	assert.Equal(t, contract.StateCreated, r.State)
	assert.Equal(t, []string{"c1/e1", "c1/e1", "c1/e1"}, keys)
}

func TestHandle_GeneratorFailureFallsBack(t *testing.T) {
	h := newHarness(t)
	h.gen.Err = errors.New("rate limited")

	r, err := h.engine.Handle(context.Background(), inbound("c1", "e1", "Book the Loft"))
	require.NoError(t, err)

	assert.Equal(t, contract.StatePendingManager, r.State)
	assert.Contains(t, contract.Codes(r.Violations), contract.CodeGeneratorUnavailable)
	assert.Zero(t, h.booking.CallCount())
	assert.Equal(t, policy.Default("agent-1").HandoffText(), r.ReplyText)
}

func TestHandle_StaleOrdering(t *testing.T) {
	h := newHarness(t)
	tok := func(n int64) *int64 { return &n }

	newer := inbound("c1", "e2", "hello")
	newer.OrderingToken = tok(10)
	_, err := h.engine.Handle(context.Background(), newer)
	require.NoError(t, err)

	older := inbound("c1", "e1", "hello")
	older.OrderingToken = tok(3)
	r, err := h.engine.Handle(context.Background(), older)
	assert.ErrorIs(t, err, ErrStaleOrdering)
	assert.Equal(t, gate.RejectedStale, r.Decision)
	assert.Equal(t, 1, h.store.OutcomeCount("c1"))
}

func TestHandle_MissingIdentity(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.Handle(context.Background(), inbound("c1", "", "hello"))
	assert.ErrorIs(t, err, gate.ErrMissingIdentity)
	assert.Zero(t, h.store.GetInsertCalls())
}

func TestHandle_CancelledBeforeCommit(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	slow := generator.Func(func(gctx context.Context, c generator.Context) (contract.Proposed, error) {
		cancel()
		<-gctx.Done()
		return contract.Proposed{}, gctx.Err()
	})
	h.engine = h.build(slow, h.booking)

	_, err := h.engine.Handle(ctx, inbound("c1", "e1", "Book the Loft"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, h.store.GetInsertCalls())

	h.engine = h.build(h.gen, h.booking)
	r, err := h.engine.Handle(context.Background(), inbound("c1", "e1", "Book the Loft on 2026-03-01 at 10:00"))
	require.NoError(t, err)
	assert.False(t, r.Duplicate, "the cancelled attempt left nothing behind")
}

func TestHandle_CommitFailureReleasesConversation(t *testing.T) {
	h := newHarness(t)
	h.store.InsertErr = errors.New("disk full")

	_, err := h.engine.Handle(context.Background(), inbound("c1", "e1", "hello"))
	require.Error(t, err)

	h.store.InsertErr = nil
	r, err := h.engine.Handle(context.Background(), inbound("c1", "e1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, gate.Process, r.Decision)
}

func TestHandle_SameConversationSerialized(t *testing.T) {
	h := newHarness(t)
	var inFlight, overlap atomic.Int32
	gen := generator.Func(func(ctx context.Context, c generator.Context) (contract.Proposed, error) {
		if inFlight.Add(1) > 1 {
			overlap.Add(1)
		}
		defer inFlight.Add(-1)
		time.Sleep(20 * time.Millisecond)
		return generator.ParseDraft("Noted."), nil
	})
	h.engine = h.build(gen, h.booking)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []string{"e1", "e2"} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			_, errs[i] = h.engine.Handle(context.Background(), inbound("c1", id, "hello"))
		}(i, id)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Zero(t, overlap.Load())

	history, err := h.store.ListConversationOutcomes(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(1), history[0].Seq)
	assert.Equal(t, int64(2), history[1].Seq)
}

func TestHandle_ConcurrentDuplicateCommitsOnce(t *testing.T) {
	h := newHarness(t)
	evt := inbound("c1", "e1", "Please book the Loft on 2026-03-01 at 10:00")

	var wg sync.WaitGroup
	replies := make([]Reply, 8)
	for i := range replies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r, err := h.engine.Handle(context.Background(), evt)
			assert.NoError(t, err)
			replies[i] = r
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, h.store.OutcomeCount("c1"))
	assert.Equal(t, 1, h.booking.CallCount())
	processed := 0
	for _, r := range replies {
		if !r.Duplicate {
			processed++
		}
		assert.Equal(t, replies[0].OutcomeID, r.OutcomeID)
	}
	assert.Equal(t, 1, processed)
}
