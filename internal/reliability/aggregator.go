// Package reliability computes windowed KPIs over committed outcomes.
package reliability

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/tomkotik/aimanager/internal/contract"
	"github.com/tomkotik/aimanager/internal/store"
)

// KPI targets checked by Overview.
const (
	TargetSuccessRatePct   = 99.0
	TargetBusyPrecisionPct = 99.0
	TargetP95LatencyMS     = 3000.0
)

// Overview is the read model served to dashboards. Percentages are nil
// when their denominator is zero.
type Overview struct {
	AgentID     string    `json:"agent_id,omitempty"`
	WindowHours int       `json:"window_hours"`
	Since       time.Time `json:"since"`
	Total       int       `json:"total"`

	StateCounts            map[contract.State]int `json:"state_counts"`
	FalseConfirmationCount int                    `json:"false_confirmation_count"`
	CriticalIncidentCount  int                    `json:"critical_incident_count"`
	BookingSuccessRatePct  *float64               `json:"booking_success_rate_pct"`
	BusyPrecisionPct       *float64               `json:"busy_detection_precision_pct"`
	BusyPrecisionSample    int                    `json:"busy_detection_sample"`
	P95LatencyMS           *float64               `json:"p95_latency_ms"`

	Targets []TargetCheck `json:"targets"`
}

// TargetCheck is one KPI compared against its target. Met is false when the
// KPI could not be computed.
type TargetCheck struct {
	Name   string   `json:"name"`
	Target string   `json:"target"`
	Actual *float64 `json:"actual"`
	Met    bool     `json:"met"`
}

type Aggregator struct {
	store store.DataStore
	now   func() time.Time
}

func NewAggregator(s store.DataStore) *Aggregator {
	return &Aggregator{store: s, now: time.Now}
}

// Overview reads production outcomes of the last windowHours. An empty
// agentID covers all agents. Release-gate traffic is excluded.
func (a *Aggregator) Overview(ctx context.Context, windowHours int, agentID string) (Overview, error) {
	if windowHours <= 0 {
		windowHours = 24
	}
	since := a.now().UTC().Add(-time.Duration(windowHours) * time.Hour)

	rows, err := a.store.ListOutcomes(ctx, store.OutcomeFilter{AgentID: agentID, Since: since})
	if err != nil {
		return Overview{}, fmt.Errorf("list outcomes: %w", err)
	}

	ov := Summarize(rows)
	ov.AgentID = agentID
	ov.WindowHours = windowHours
	ov.Since = since
	return ov, nil
}

// Summarize computes the KPIs for a set of outcomes.
//
// Busy precision uses the facts observed at commit time as ground truth:
// among outcomes whose draft claimed a busy state and for which facts were
// fetched, the share where the facts also reported busy.
func Summarize(rows []store.Outcome) Overview {
	ov := Overview{
		Total:       len(rows),
		StateCounts: make(map[contract.State]int),
	}
	for _, s := range contract.AllStates {
		ov.StateCounts[s] = 0
	}

	var (
		latencies    []float64
		claimedBusy  int
		detectedBusy int
	)
	for _, o := range rows {
		ov.StateCounts[o.State]++
		if o.HasViolation(contract.CodeFalseConfirmation) {
			ov.FalseConfirmationCount++
		}
		for _, v := range o.Violations {
			if v.Severity == contract.SeverityCritical {
				ov.CriticalIncidentCount++
			}
		}
		if o.LatencyMS > 0 {
			latencies = append(latencies, float64(o.LatencyMS))
		}
		if claimsBusy(o.ProposedState) && o.FactsStatus != "" {
			claimedBusy++
			if o.FactsStatus == string(contract.StateBusy) {
				detectedBusy++
			}
		}
	}

	created := ov.StateCounts[contract.StateCreated]
	denom := created +
		ov.StateCounts[contract.StateBusy] +
		ov.StateCounts[contract.StateBusyEscalated] +
		ov.StateCounts[contract.StatePendingManager]
	ov.BookingSuccessRatePct = pct(created, denom)
	ov.BusyPrecisionPct = pct(detectedBusy, claimedBusy)
	ov.BusyPrecisionSample = claimedBusy
	ov.P95LatencyMS = percentile(latencies, 0.95)
	ov.Targets = checkTargets(ov)
	return ov
}

func claimsBusy(s contract.State) bool {
	return s == contract.StateBusy || s == contract.StateBusyEscalated
}

func pct(num, denom int) *float64 {
	if denom == 0 {
		return nil
	}
	v := math.Round(float64(num)/float64(denom)*10000) / 100
	return &v
}

// percentile interpolates linearly between closest ranks, like
// percentile_cont in Postgres.
func percentile(values []float64, p float64) *float64 {
	if len(values) == 0 {
		return nil
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	pos := p * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	v := sorted[lo] + (sorted[hi]-sorted[lo])*(pos-float64(lo))
	return &v
}

func checkTargets(ov Overview) []TargetCheck {
	fc := float64(ov.FalseConfirmationCount)
	return []TargetCheck{
		{
			Name:   "booking_success_rate_pct",
			Target: fmt.Sprintf(">= %.0f", TargetSuccessRatePct),
			Actual: ov.BookingSuccessRatePct,
			Met:    ov.BookingSuccessRatePct != nil && *ov.BookingSuccessRatePct >= TargetSuccessRatePct,
		},
		{
			Name:   "false_confirmation_count",
			Target: "= 0",
			Actual: &fc,
			Met:    ov.FalseConfirmationCount == 0,
		},
		{
			Name:   "busy_detection_precision_pct",
			Target: fmt.Sprintf(">= %.0f", TargetBusyPrecisionPct),
			Actual: ov.BusyPrecisionPct,
			Met:    ov.BusyPrecisionPct != nil && *ov.BusyPrecisionPct >= TargetBusyPrecisionPct,
		},
		{
			Name:   "p95_latency_ms",
			Target: fmt.Sprintf("< %.0f", TargetP95LatencyMS),
			Actual: ov.P95LatencyMS,
			Met:    ov.P95LatencyMS != nil && *ov.P95LatencyMS < TargetP95LatencyMS,
		},
	}
}
