package generator

import (
	"fmt"
	"strings"
)

const tagProtocol = `Reply to the customer in plain text. Never state that a booking is confirmed yourself; the system confirms bookings.
When the customer has given date, time, duration and room, append [BOOKING:date|time|duration|room|name|phone].
If the requested slot is reported as taken, append [STATE:busy].
If a human manager must take over, append [ACTION:ESCALATE].
If details are missing, ask for them and append no tags.`

// SystemPrompt renders the instructions for one turn.
func SystemPrompt(c Context) string {
	var b strings.Builder
	b.WriteString(tagProtocol)
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Detected intent: %s\n", c.Intent)
	fmt.Fprintf(&b, "Current booking state: %s\n", c.CurrentState)
	if c.BookingID != "" {
		fmt.Fprintf(&b, "Existing booking id: %s\n", c.BookingID)
	}
	if c.SenderName != "" {
		fmt.Fprintf(&b, "Customer name: %s\n", c.SenderName)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Dialogue returns the history followed by the current message as
// alternating turns that start with the customer. Empty turns are dropped
// and consecutive turns of the same role are merged.
func Dialogue(c Context) []Turn {
	all := append(append([]Turn(nil), c.History...), Turn{Role: RoleUser, Text: c.Message})

	var out []Turn
	for _, t := range all {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		role := RoleUser
		if t.Role == RoleAssistant {
			role = RoleAssistant
		}
		if len(out) == 0 && role != RoleUser {
			continue
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Text += "\n" + text
			continue
		}
		out = append(out, Turn{Role: role, Text: text})
	}
	if len(out) == 0 {
		out = append(out, Turn{Role: RoleUser, Text: c.Message})
	}
	return out
}
