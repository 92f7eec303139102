package harness

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tomkotik/aimanager/internal/contract"
	"github.com/tomkotik/aimanager/internal/events"
	"github.com/tomkotik/aimanager/internal/gate"
	"github.com/tomkotik/aimanager/internal/pipeline"
	"github.com/tomkotik/aimanager/internal/policy"
	"github.com/tomkotik/aimanager/internal/reliability"
	"github.com/tomkotik/aimanager/internal/store"
	"github.com/tomkotik/aimanager/internal/testutil"
)

var testVars = map[string]string{
	"free_room":  "Studio",
	"free_date":  "2026-04-10",
	"free_date2": "2026-04-20",
	"free_time":  "11:00",
	"busy_room":  "Loft",
	"busy_date":  "2026-03-01",
	"busy_time":  "10:00",
}

type env struct {
	store   *testutil.MockStore
	booking *testutil.BookingService
	gen     *testutil.ScriptedGenerator
	engine  *pipeline.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:   testutil.NewMockStore(),
		booking: testutil.NewBookingService(),
		gen: &testutil.ScriptedGenerator{
			Rules: []testutil.ScriptRule{
				{Marker: "2026-04-10", Draft: "Let me book that. [ACTION:CREATE_BOOKING] [BOOKING:2026-04-10|11:00|2|Studio|Release Gate|+10000000000]"},
				{Marker: "2026-04-20", Draft: "Let me book that. [ACTION:CREATE_BOOKING] [BOOKING:2026-04-20|11:00|1|Studio|Release Gate|+10000000000]"},
				{Marker: "loft", Draft: "Let me check the Loft. [BOOKING:2026-03-01|10:00|2|Loft|Release Gate|+10000000000]"},
				{Marker: "studio", Draft: "Let me check the Studio instead. [BOOKING:2026-03-01|10:00|2|Studio|Release Gate|+10000000000]"},
			},
			Default: "Sure! Which date, time and room would you like?",
		},
	}
	e.booking.Take(&contract.BookingRequest{Date: "2026-03-01", Time: "10:00", Room: "Loft"})
	e.engine = pipeline.New(pipeline.Deps{
		Store:     e.store,
		Gate:      gate.New(e.store, gate.Config{}),
		Policies:  policy.NewRegistry(""),
		Generator: e.gen,
		Facts:     e.booking,
	}, pipeline.Config{LockWait: time.Second})
	return e
}

func (e *env) target() Target {
	return TargetFunc(e.engine.Handle)
}

func opts() Options {
	return Options{AgentID: "studio-1", Vars: testVars, RetryDelay: time.Millisecond}
}

func TestCanonicalScenariosAreValid(t *testing.T) {
	require.NoError(t, Validate(CanonicalScenarios()))
}

func TestRun_CanonicalScenariosPass(t *testing.T) {
	e := newEnv(t)

	report := Run(context.Background(), CanonicalScenarios(), e.target(), opts())

	for _, c := range report.Cases {
		for _, s := range c.Steps {
			assert.Empty(t, s.Failures, "case %s step %d", c.Name, s.Index)
		}
	}
	require.True(t, report.Passed, "failed cases: %v", report.Failed())
	assert.Len(t, report.Cases, 5)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, "studio-1", report.AgentID)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}

func TestRun_GateTrafficIsTaggedAndIsolated(t *testing.T) {
	e := newEnv(t)

	report := Run(context.Background(), CanonicalScenarios(), e.target(), opts())
	require.True(t, report.Passed)

	for _, c := range report.Cases {
		assert.True(t, strings.HasPrefix(c.ConversationKey, "gate-"+report.RunID+"-"), c.ConversationKey)
	}

	all, err := e.store.ListOutcomes(context.Background(), store.OutcomeFilter{AnyTag: true})
	require.NoError(t, err)
	require.NotEmpty(t, all)
	for _, o := range all {
		assert.Equal(t, events.TagGate, o.Tag)
	}

	ov, err := reliability.NewAggregator(e.store).Overview(context.Background(), 24, "studio-1")
	require.NoError(t, err)
	assert.Zero(t, ov.Total, "gate runs must not count in production KPIs")
}

func TestRun_DuplicateDoesNotFetchFactsAgain(t *testing.T) {
	e := newEnv(t)
	var dup ScenarioCase
	for _, c := range CanonicalScenarios() {
		if c.Name == CaseDuplicateAfterCreated {
			dup = c
		}
	}

	report := Run(context.Background(), []ScenarioCase{dup}, e.target(), opts())
	require.True(t, report.Passed, "failures: %+v", report.Cases)

	assert.Equal(t, 1, e.booking.CallCount())
	steps := report.Cases[0].Steps
	assert.Equal(t, steps[0].ExternalEventID, steps[1].ExternalEventID)
	assert.True(t, steps[1].Duplicate)
}

func TestRun_FalseConfirmationFailsGate(t *testing.T) {
	e := newEnv(t)
	// The Loft is occupied, so claiming success there must fail the gate.
	e.gen.Rules[2].Draft = "Your booking is confirmed! [STATE:created] [BOOKING:2026-03-01|10:00|2|Loft|Release Gate|+10000000000]"

	report := Run(context.Background(), CanonicalScenarios(), e.target(), opts())

	assert.False(t, report.Passed)
	assert.Contains(t, report.Failed(), CaseBusySingle)
	for _, c := range report.Cases {
		if c.Name != CaseBusySingle {
			continue
		}
		require.Len(t, c.Steps, 1)
		assert.Contains(t, strings.Join(c.Steps[0].Failures, "; "), "false_confirmation")
	}
}

func TestRun_ReportsStateMismatch(t *testing.T) {
	e := newEnv(t)
	cases := []ScenarioCase{{
		Name: "expects_created",
		Steps: []Step{{
			Text:          "I'd like to book a room.",
			ExpectState:   contract.StateCreated,
			ExpectBooking: BookingRequired,
		}},
	}}

	report := Run(context.Background(), cases, e.target(), opts())

	require.False(t, report.Passed)
	failures := report.Cases[0].Steps[0].Failures
	assert.Contains(t, failures, "state none, expected created")
	assert.Contains(t, failures, "booking id missing")
}

func TestRun_SendFailureStopsCase(t *testing.T) {
	boom := errors.New("agent rejected event")
	calls := 0
	target := TargetFunc(func(ctx context.Context, evt events.InboundEvent) (pipeline.Reply, error) {
		calls++
		return pipeline.Reply{}, boom
	})
	cases := []ScenarioCase{{
		Name: "two_steps",
		Steps: []Step{
			{Text: "hello", ExpectState: contract.StateNone},
			{Text: "again", ExpectState: contract.StateNone},
		},
	}}

	report := Run(context.Background(), cases, target, opts())

	assert.False(t, report.Passed)
	assert.Equal(t, 1, calls, "permanent errors are not retried and later steps are skipped")
	require.Len(t, report.Cases[0].Steps, 1)
	assert.Contains(t, report.Cases[0].Steps[0].Failures[0], "agent rejected event")
}

func TestRun_TransientFailureRetriedWithSameEvent(t *testing.T) {
	e := newEnv(t)
	var calls atomic.Int32
	var ids []string
	target := TargetFunc(func(ctx context.Context, evt events.InboundEvent) (pipeline.Reply, error) {
		ids = append(ids, evt.ExternalEventID)
		r, err := e.engine.Handle(ctx, evt)
		if calls.Add(1) == 1 {
			// Committed, but the reply was lost on the way back.
			return pipeline.Reply{}, &TransientError{Err: errors.New("connection reset")}
		}
		return r, err
	})
	cases := []ScenarioCase{{
		Name: "lost_reply",
		Steps: []Step{{
			Text:          "Please book the Studio on ${free_date} at ${free_time}.",
			ExpectState:   contract.StateCreated,
			ExpectBooking: BookingRequired,
		}},
	}}

	report := Run(context.Background(), cases, target, opts())

	require.True(t, report.Passed, "failures: %+v", report.Cases[0].Steps)
	assert.Equal(t, 2, report.Cases[0].Steps[0].Attempts)
	require.Len(t, ids, 2)
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, 1, e.booking.CallCount())
}

func TestRun_EmptyMatrixFails(t *testing.T) {
	report := Run(context.Background(), nil, TargetFunc(func(context.Context, events.InboundEvent) (pipeline.Reply, error) {
		return pipeline.Reply{}, nil
	}), opts())
	assert.False(t, report.Passed)
}

func TestCheck_ViolationsAreAnExactSet(t *testing.T) {
	reply := pipeline.Reply{
		State: contract.StatePendingManager,
		Violations: []contract.Violation{
			contract.NewViolation(contract.CodeFalseConfirmation, ""),
			contract.NewViolation(contract.CodeStatusRewritten, ""),
		},
	}

	exact := Step{ExpectState: contract.StatePendingManager, ExpectViolations: []string{"status_rewritten", "false_confirmation"}}
	assert.Empty(t, check(exact, reply, nil, false, nil))

	subset := Step{ExpectState: contract.StatePendingManager, ExpectViolations: []string{"false_confirmation"}}
	assert.NotEmpty(t, check(subset, reply, nil, false, nil))

	superset := Step{ExpectState: contract.StatePendingManager, ExpectViolations: []string{"false_confirmation", "status_rewritten", "booking_conflict"}}
	assert.NotEmpty(t, check(superset, reply, nil, false, nil))
}

func TestCheck_ConfirmationPhrase(t *testing.T) {
	step := Step{ExpectState: contract.StateBusy, ExpectNoConfirmation: true}
	reply := pipeline.Reply{State: contract.StateBusy, ReplyText: "Great, your Booking Is Confirmed!"}

	failures := check(step, reply, nil, false, []string{"booking is confirmed"})
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "confirmation phrase")
}

func TestCheck_ConfirmationPhraseWithoutFlag(t *testing.T) {
	phrases := []string{"booking is confirmed"}

	step := Step{ExpectState: contract.StatePendingManager}
	reply := pipeline.Reply{State: contract.StatePendingManager, ReplyText: "Your booking is confirmed, a manager will call."}
	failures := check(step, reply, nil, false, phrases)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0], "confirmation phrase")

	created := Step{ExpectState: contract.StateCreated}
	reply = pipeline.Reply{State: contract.StateCreated, BookingID: "bk-1", ReplyText: "Your booking is confirmed. Booking ID: bk-1."}
	assert.Empty(t, check(created, reply, nil, false, phrases))
}

func TestHTTPTarget(t *testing.T) {
	var gotPath string
	var got events.InboundEvent
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if strings.HasSuffix(r.URL.Path, "/policy") {
			json.NewEncoder(w).Encode(map[string]any{"confirmation_phrases": []string{"Booked For You"}})
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(pipeline.Reply{
			ConversationKey: got.ConversationKey,
			ExternalEventID: got.ExternalEventID,
			State:           contract.StateNone,
			ReplyText:       "Which date?",
		})
	}))
	defer srv.Close()

	target := NewHTTPTarget(srv.URL+"/", time.Second)
	reply, err := target.Send(context.Background(), events.InboundEvent{
		AgentID:         "studio-1",
		ConversationKey: "gate-x-incomplete",
		ExternalEventID: "gate-x-incomplete-1",
		Text:            "hi",
		Tag:             events.TagGate,
	})
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/agents/studio-1/events", gotPath)
	assert.Equal(t, events.TagGate, got.Tag)
	assert.Equal(t, "Which date?", reply.ReplyText)

	phrases, err := target.ConfirmationPhrases(context.Background(), "studio-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Booked For You"}, phrases)
}

func TestHTTPTarget_StatusErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(`{"error":"nope"}`))
	}))
	defer srv.Close()
	target := NewHTTPTarget(srv.URL, time.Second)
	evt := events.InboundEvent{AgentID: "a", ConversationKey: "c", ExternalEventID: "e"}

	_, err := target.Send(context.Background(), evt)
	var te *TransientError
	assert.True(t, errors.As(err, &te), "503 is transient")

	status = http.StatusBadRequest
	_, err = target.Send(context.Background(), evt)
	require.Error(t, err)
	assert.False(t, errors.As(err, &te), "400 is permanent")
	assert.Contains(t, err.Error(), "400")
}

func TestExpand(t *testing.T) {
	vars := map[string]string{"room": "Loft", "date": "2026-03-01"}
	assert.Equal(t, "Book Loft on 2026-03-01 ${time}", Expand("Book ${room} on ${date} ${time}", vars))
	assert.Equal(t, "plain", Expand("plain", vars))
}

func TestDefaultVars(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	vars := DefaultVars(now)

	free, err := time.Parse("2006-01-02", vars["free_date"])
	require.NoError(t, err)
	assert.GreaterOrEqual(t, free.Sub(now), 180*24*time.Hour)
	assert.NotEqual(t, vars["free_date"], vars["free_date2"])
	assert.Contains(t, slotTimes, vars["free_time"])
}

func TestLoadScenarios(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "matrix.yaml")
	data := `
vars:
  busy_room: Grand
scenarios:
  - name: free_single
    steps:
      - text: "Book the ${free_room} on ${free_date}"
        expect_state: created
        expect_booking: required
  - name: busy_single
    steps:
      - text: "Book the ${busy_room}"
        expect_state: busy
        expect_booking: absent
        expect_no_confirmation: true
  - name: busy_switch_room
    steps:
      - text: "Book the ${busy_room}"
        expect_state: busy
      - text: "Then the ${free_room}"
        expect_state: created
  - name: duplicate_after_created
    steps:
      - text: "Book the ${free_room} on ${free_date2}"
        expect_state: created
      - repeat: 1
        expect_state: created
        expect_same_booking_as: 1
        expect_duplicate: true
  - name: incomplete
    steps:
      - text: "I want to book"
        expect_state: none
  - name: faq
    steps:
      - text: "Where are you?"
        expect_state: none
        expect_violations: []
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	m, err := LoadScenarios(path)
	require.NoError(t, err)
	assert.Equal(t, "Grand", m.Vars["busy_room"])
	assert.Len(t, m.Scenarios, 6)
	assert.Equal(t, 1, m.Scenarios[3].Steps[1].Repeat)
	assert.True(t, m.Scenarios[1].Steps[0].ExpectNoConfirmation)
	assert.Equal(t, contract.StateBusy, m.Scenarios[1].Steps[0].ExpectState)
}

func TestValidate_RejectsBadMatrices(t *testing.T) {
	withoutIncomplete := CanonicalScenarios()[:4]
	err := Validate(withoutIncomplete)
	require.ErrorIs(t, err, ErrInvalidMatrix)
	assert.Contains(t, err.Error(), "incomplete")

	badState := append(CanonicalScenarios(), ScenarioCase{Name: "x", Steps: []Step{{Text: "hi", ExpectState: "confirmed"}}})
	assert.ErrorIs(t, Validate(badState), ErrInvalidMatrix)

	forwardRepeat := append(CanonicalScenarios(), ScenarioCase{Name: "x", Steps: []Step{{Repeat: 1, ExpectState: contract.StateNone}}})
	assert.ErrorIs(t, Validate(forwardRepeat), ErrInvalidMatrix)

	dupName := append(CanonicalScenarios(), CanonicalScenarios()[0])
	assert.ErrorIs(t, Validate(dupName), ErrInvalidMatrix)

	_, err = ParseScenarios([]byte("scenarios: [ {name: free_single"))
	assert.Error(t, err)
}
