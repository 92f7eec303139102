package contract

// Severity ranks a violation. Critical violations count as incidents.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Violation codes raised outside the transition table.
const (
	CodeFalseConfirmation    = "false_confirmation"
	CodeFactsUnavailable     = "facts_unavailable"
	CodeGeneratorUnavailable = "generator_unavailable"
	CodeMustIncludeMissing   = "must_include_missing"
	CodeForbiddenPhrase      = "forbidden_phrase"
	CodeBookingIDRewritten   = "booking_id_rewritten"
	CodeStatusRewritten      = "status_rewritten"
)

// Violation is one recorded contract breach. Violations are never discarded.
type Violation struct {
	Code     string   `json:"code"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail,omitempty"`
}

var severities = map[string]Severity{
	CodeFalseConfirmation:    SeverityCritical,
	CodeBookingConflict:      SeverityCritical,
	CodeFactsUnavailable:     SeverityCritical,
	CodeUnknownState:         SeverityCritical,
	CodeInvalidTransition:    SeverityWarning,
	CodeGeneratorUnavailable: SeverityWarning,
	CodeForbiddenPhrase:      SeverityWarning,
	CodeMustIncludeMissing:   SeverityWarning,
	CodeBookingIDRewritten:   SeverityWarning,
	CodeStatusRewritten:      SeverityInfo,
}

// NewViolation builds a violation with the default severity for its code.
func NewViolation(code, detail string) Violation {
	sev, ok := severities[code]
	if !ok {
		sev = SeverityWarning
	}
	return Violation{Code: code, Severity: sev, Detail: detail}
}

// HasCritical reports whether any violation is critical.
func HasCritical(vs []Violation) bool {
	for _, v := range vs {
		if v.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// Codes returns the violation codes in order.
func Codes(vs []Violation) []string {
	out := make([]string, 0, len(vs))
	for _, v := range vs {
		out = append(out, v.Code)
	}
	return out
}
