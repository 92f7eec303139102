// Package harness replays scripted conversations against an agent and
// decides whether a release may proceed.
package harness

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"time"

	"github.com/tomkotik/aimanager/internal/contract"

	"gopkg.in/yaml.v3"
)

// Canonical case names. Every scenario matrix must contain all of them.
const (
	CaseFreeSingle            = "free_single"
	CaseBusySingle            = "busy_single"
	CaseBusySwitchRoom        = "busy_switch_room"
	CaseDuplicateAfterCreated = "duplicate_after_created"
	CaseIncomplete            = "incomplete"
)

var canonicalNames = []string{
	CaseFreeSingle,
	CaseBusySingle,
	CaseBusySwitchRoom,
	CaseDuplicateAfterCreated,
	CaseIncomplete,
}

// Booking id expectations.
const (
	BookingRequired = "required"
	BookingAbsent   = "absent"
)

// ErrInvalidMatrix is returned for scenario matrices that cannot gate a release.
var ErrInvalidMatrix = errors.New("invalid scenario matrix")

// ScenarioCase is one scripted conversation.
type ScenarioCase struct {
	Name  string `yaml:"name" json:"name"`
	Steps []Step `yaml:"steps" json:"steps"`
}

// Step is one inbound message and what must be committed for it.
//
// Repeat resends the event of an earlier step (1-based) with the same
// external event id instead of sending Text. ExpectViolations is compared
// as an exact set; nil means no violations.
type Step struct {
	Text                 string         `yaml:"text,omitempty" json:"text,omitempty"`
	Repeat               int            `yaml:"repeat,omitempty" json:"repeat,omitempty"`
	ExpectState          contract.State `yaml:"expect_state" json:"expect_state"`
	ExpectViolations     []string       `yaml:"expect_violations,omitempty" json:"expect_violations,omitempty"`
	ExpectBooking        string         `yaml:"expect_booking,omitempty" json:"expect_booking,omitempty"`
	ExpectSameBookingAs  int            `yaml:"expect_same_booking_as,omitempty" json:"expect_same_booking_as,omitempty"`
	ExpectDuplicate      bool           `yaml:"expect_duplicate,omitempty" json:"expect_duplicate,omitempty"`
	ExpectNoConfirmation bool           `yaml:"expect_no_confirmation,omitempty" json:"expect_no_confirmation,omitempty"`
}

// Matrix is a scenario file: substitution variables plus the cases.
type Matrix struct {
	Vars      map[string]string `yaml:"vars"`
	Scenarios []ScenarioCase    `yaml:"scenarios"`
}

// CanonicalScenarios returns the mandatory release gate cases. Texts use
// ${var} placeholders filled from DefaultVars or the matrix vars. busy_*
// cases expect the domain service to hold ${busy_room} at ${busy_date}
// ${busy_time}.
func CanonicalScenarios() []ScenarioCase {
	return []ScenarioCase{
		{
			Name: CaseFreeSingle,
			Steps: []Step{{
				Text:          "Please book the ${free_room} on ${free_date} at ${free_time} for 2 hours, podcast, 2 people. Name ${name}, phone ${phone}.",
				ExpectState:   contract.StateCreated,
				ExpectBooking: BookingRequired,
			}},
		},
		{
			Name: CaseBusySingle,
			Steps: []Step{{
				Text:                 "Please book the ${busy_room} on ${busy_date} at ${busy_time} for 2 hours. Name ${name}, phone ${phone}.",
				ExpectState:          contract.StateBusy,
				ExpectBooking:        BookingAbsent,
				ExpectNoConfirmation: true,
			}},
		},
		{
			Name: CaseBusySwitchRoom,
			Steps: []Step{
				{
					Text:          "I want the ${busy_room} on ${busy_date} at ${busy_time} for 2 hours. Name ${name}, phone ${phone}.",
					ExpectState:   contract.StateBusy,
					ExpectBooking: BookingAbsent,
				},
				{
					Text:          "Then the ${free_room} at the same time please.",
					ExpectState:   contract.StateCreated,
					ExpectBooking: BookingRequired,
				},
			},
		},
		{
			Name: CaseDuplicateAfterCreated,
			Steps: []Step{
				{
					Text:          "Book the ${free_room} on ${free_date2} at ${free_time} for 1 hour. Name ${name}, phone ${phone}.",
					ExpectState:   contract.StateCreated,
					ExpectBooking: BookingRequired,
				},
				{
					Repeat:              1,
					ExpectState:         contract.StateCreated,
					ExpectBooking:       BookingRequired,
					ExpectSameBookingAs: 1,
					ExpectDuplicate:     true,
				},
			},
		},
		{
			Name: CaseIncomplete,
			Steps: []Step{{
				Text:          "I'd like to book a room.",
				ExpectState:   contract.StateNone,
				ExpectBooking: BookingAbsent,
			}},
		},
	}
}

var slotTimes = []string{"09:00", "10:00", "11:00", "14:00", "15:00", "16:00"}

// DefaultVars picks free dates far enough ahead that earlier runs do not
// collide with this one.
func DefaultVars(now time.Time) map[string]string {
	return map[string]string{
		"free_room":  "Studio",
		"free_date":  now.AddDate(0, 0, 180+rand.IntN(30)).Format("2006-01-02"),
		"free_date2": now.AddDate(0, 0, 220+rand.IntN(30)).Format("2006-01-02"),
		"free_time":  slotTimes[rand.IntN(len(slotTimes))],
		"busy_room":  "Loft",
		"busy_date":  now.AddDate(0, 0, 1).Format("2006-01-02"),
		"busy_time":  "18:00",
		"name":       "Release Gate",
		"phone":      "+10000000000",
	}
}

// Expand replaces ${name} placeholders. Unknown names are left as is.
func Expand(text string, vars map[string]string) string {
	if !strings.Contains(text, "${") {
		return text
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "${"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// LoadScenarios reads a YAML matrix. Missing canonical cases are an error.
func LoadScenarios(path string) (Matrix, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Matrix{}, fmt.Errorf("read scenarios %s: %w", path, err)
	}
	return ParseScenarios(data)
}

// ParseScenarios decodes and validates a YAML matrix.
func ParseScenarios(data []byte) (Matrix, error) {
	var m Matrix
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Matrix{}, fmt.Errorf("decode scenarios: %w", err)
	}
	if err := Validate(m.Scenarios); err != nil {
		return Matrix{}, err
	}
	return m, nil
}

// Validate checks that cases are well formed and that every canonical case
// is present.
func Validate(cases []ScenarioCase) error {
	seen := make(map[string]bool, len(cases))
	for _, c := range cases {
		if c.Name == "" {
			return fmt.Errorf("%w: case without name", ErrInvalidMatrix)
		}
		if seen[c.Name] {
			return fmt.Errorf("%w: duplicate case %q", ErrInvalidMatrix, c.Name)
		}
		seen[c.Name] = true
		if len(c.Steps) == 0 {
			return fmt.Errorf("%w: case %q has no steps", ErrInvalidMatrix, c.Name)
		}
		for i, s := range c.Steps {
			n := i + 1
			if _, err := contract.ParseState(string(s.ExpectState)); err != nil {
				return fmt.Errorf("%w: case %q step %d: %v", ErrInvalidMatrix, c.Name, n, err)
			}
			if s.Repeat < 0 || s.Repeat >= n {
				return fmt.Errorf("%w: case %q step %d repeats step %d", ErrInvalidMatrix, c.Name, n, s.Repeat)
			}
			if s.Repeat == 0 && strings.TrimSpace(s.Text) == "" {
				return fmt.Errorf("%w: case %q step %d has no text", ErrInvalidMatrix, c.Name, n)
			}
			if s.ExpectSameBookingAs < 0 || s.ExpectSameBookingAs >= n {
				return fmt.Errorf("%w: case %q step %d compares with step %d", ErrInvalidMatrix, c.Name, n, s.ExpectSameBookingAs)
			}
			switch s.ExpectBooking {
			case "", BookingRequired, BookingAbsent:
			default:
				return fmt.Errorf("%w: case %q step %d: expect_booking %q", ErrInvalidMatrix, c.Name, n, s.ExpectBooking)
			}
		}
	}

	var missing []string
	for _, name := range canonicalNames {
		if !seen[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing canonical cases %s", ErrInvalidMatrix, strings.Join(missing, ", "))
	}
	return nil
}
