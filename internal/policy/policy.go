// Package policy holds the per-agent reliability policy: intents and their
// phrase contracts, style limits, confirmation and status phrases, and the
// reply templates used when a draft has to be replaced.
//
// A Policy is an immutable value. Callers load it once per turn and pass it
// explicitly into the validator and post-processor.
package policy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// CurrentSchemaVersion is the document version every policy is migrated to.
const CurrentSchemaVersion = "1.1.0"

// FallbackIntent is returned by the router when no marker matches.
const FallbackIntent = "SAFE_FAQ"

// BookingIDPlaceholder is substituted in the created template.
const BookingIDPlaceholder = "{booking_id}"

// Document is the decoded, migrated policy file.
type Document struct {
	SchemaVersion string       `json:"schema_version"`
	AgentID       string       `json:"agent_id"`
	Language      string       `json:"language"`
	Style         StyleDoc     `json:"style"`
	Intents       []IntentDoc  `json:"intents"`
	Phrases       PhrasesDoc   `json:"phrases"`
	Templates     TemplatesDoc `json:"templates"`
	Runtime       RuntimeDoc   `json:"runtime"`
}

type StyleDoc struct {
	CleanText    *bool `json:"clean_text,omitempty"`
	MaxSentences int   `json:"max_sentences"`
	MaxQuestions int   `json:"max_questions"`
}

type IntentDoc struct {
	ID            string      `json:"id"`
	Markers       []string    `json:"markers"`
	Priority      *int        `json:"priority,omitempty"`
	Transactional bool        `json:"transactional"`
	Contract      ContractDoc `json:"contract"`
}

type ContractDoc struct {
	MustIncludeAny []string `json:"must_include_any"`
	Forbidden      []string `json:"forbidden"`
}

type PhrasesDoc struct {
	Confirmation []string `json:"confirmation"`
	Busy         []string `json:"busy"`
}

type TemplatesDoc struct {
	Created    string `json:"created"`
	Busy       string `json:"busy"`
	Incomplete string `json:"incomplete"`
	Handoff    string `json:"handoff"`
}

type RuntimeDoc struct {
	StateContract struct {
		Enabled bool   `json:"enabled"`
		Version string `json:"version"`
	} `json:"state_contract"`
	ReleaseGate struct {
		Enabled bool `json:"enabled"`
	} `json:"release_gate"`
	IntentLock struct {
		Turns *int `json:"turns,omitempty"`
	} `json:"intent_lock"`
}

// Style limits applied to the outgoing reply.
type Style struct {
	CleanText    bool
	MaxSentences int
	MaxQuestions int
}

// Contract lists the phrases required or forbidden in a reply for an intent.
type Contract struct {
	MustIncludeAny []string
	Forbidden      []string
}

// Intent is one routable intent.
type Intent struct {
	ID            string
	Markers       []string
	Priority      int
	Transactional bool
	Contract      Contract
}

// Policy is the immutable, validated policy for one agent.
type Policy struct {
	agentID       string
	version       string
	style         Style
	router        *Router
	lock          IntentLock
	confirmation  []string
	busy          []string
	templates     TemplatesDoc
	releaseGate   bool
	stateContract string
}

func newPolicy(doc Document) Policy {
	intents := make([]Intent, 0, len(doc.Intents))
	for _, in := range doc.Intents {
		prio := defaultPriority
		if in.Priority != nil {
			prio = *in.Priority
		}
		intents = append(intents, Intent{
			ID:            in.ID,
			Markers:       lowerAll(in.Markers),
			Priority:      prio,
			Transactional: in.Transactional,
			Contract: Contract{
				MustIncludeAny: append([]string(nil), in.Contract.MustIncludeAny...),
				Forbidden:      append([]string(nil), in.Contract.Forbidden...),
			},
		})
	}

	lockTurns := DefaultIntentLockTurns
	if doc.Runtime.IntentLock.Turns != nil {
		lockTurns = *doc.Runtime.IntentLock.Turns
	}

	return Policy{
		agentID: doc.AgentID,
		version: doc.SchemaVersion + "@" + fingerprint(doc),
		style: Style{
			CleanText:    doc.Style.CleanText == nil || *doc.Style.CleanText,
			MaxSentences: doc.Style.MaxSentences,
			MaxQuestions: doc.Style.MaxQuestions,
		},
		router:        NewRouter(intents, FallbackIntent),
		lock:          IntentLock{Turns: lockTurns},
		confirmation:  lowerAll(doc.Phrases.Confirmation),
		busy:          lowerAll(doc.Phrases.Busy),
		templates:     doc.Templates,
		releaseGate:   doc.Runtime.ReleaseGate.Enabled,
		stateContract: doc.Runtime.StateContract.Version,
	}
}

func (p Policy) AgentID() string { return p.agentID }

// Version identifies the exact policy content: schema version plus a
// fingerprint of the migrated document.
func (p Policy) Version() string { return p.version }

func (p Policy) Style() Style { return p.style }

// ReleaseGateEnabled reports whether deployments of this agent must pass
// the regression gate.
func (p Policy) ReleaseGateEnabled() bool { return p.releaseGate }

// StateContractVersion is the transition-table version the policy was
// written against.
func (p Policy) StateContractVersion() string { return p.stateContract }

// Route returns the intent id for a customer message.
func (p Policy) Route(text string) string {
	if p.router == nil {
		return FallbackIntent
	}
	return p.router.Detect(text)
}

// Resolve returns the intent for text with the intent lock replayed over
// the earlier customer messages of the conversation, oldest first.
func (p Policy) Resolve(earlier []string, text string) string {
	if p.router == nil {
		return FallbackIntent
	}
	var st LockState
	for _, m := range earlier {
		_, st = p.lock.Apply(st, p.router.Detect(m), p.router)
	}
	intent, _ := p.lock.Apply(st, p.router.Detect(text), p.router)
	return intent
}

// Intent returns the intent configuration by id.
func (p Policy) Intent(id string) (Intent, bool) {
	if p.router == nil {
		return Intent{}, false
	}
	return p.router.Intent(id)
}

// Transactional reports whether replies for intent can change booking state.
func (p Policy) Transactional(intentID string) bool {
	in, ok := p.Intent(intentID)
	return ok && in.Transactional
}

// ContainsConfirmation reports whether text asserts a booking confirmation.
func (p Policy) ContainsConfirmation(text string) bool {
	return containsAny(text, p.confirmation)
}

// ContainsBusy reports whether text states that the requested slot is taken.
func (p Policy) ContainsBusy(text string) bool {
	return containsAny(text, p.busy)
}

// ConfirmationPhrases returns the lower-cased confirmation phrases.
func (p Policy) ConfirmationPhrases() []string {
	return append([]string(nil), p.confirmation...)
}

// BusyPhrases returns the lower-cased busy status phrases.
func (p Policy) BusyPhrases() []string {
	return append([]string(nil), p.busy...)
}

// HandoffText is sent when a human has to take over.
func (p Policy) HandoffText() string { return p.templates.Handoff }

// BusyText is sent when the draft has to be replaced for a taken slot.
func (p Policy) BusyText() string { return p.templates.Busy }

// IncompleteText is sent when nothing could be committed yet.
func (p Policy) IncompleteText() string { return p.templates.Incomplete }

// CreatedText renders the confirmation for a committed booking.
func (p Policy) CreatedText(bookingID string) string {
	return strings.ReplaceAll(p.templates.Created, BookingIDPlaceholder, bookingID)
}

func containsAny(text string, phrases []string) bool {
	lower := strings.ToLower(text)
	for _, ph := range phrases {
		if ph != "" && strings.Contains(lower, ph) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func fingerprint(doc Document) string {
	b, err := json.Marshal(doc)
	if err != nil {
		return "unknown"
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:6])
}
