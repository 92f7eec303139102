package policy

import (
	"sort"
	"strings"
)

const defaultPriority = 50

// Router detects the intent of a message by marker phrases. Intents are
// checked in ascending priority order; the first match wins.
type Router struct {
	intents  []Intent
	fallback string
}

func NewRouter(intents []Intent, fallback string) *Router {
	sorted := append([]Intent(nil), intents...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	return &Router{intents: sorted, fallback: fallback}
}

// Detect returns the id of the first intent whose marker occurs in text.
func (r *Router) Detect(text string) string {
	lower := strings.ToLower(text)
	for _, in := range r.intents {
		for _, m := range in.Markers {
			if strings.Contains(lower, strings.ToLower(m)) {
				return in.ID
			}
		}
	}
	return r.fallback
}

func (r *Router) Intent(id string) (Intent, bool) {
	for _, in := range r.intents {
		if in.ID == id {
			return in, true
		}
	}
	return Intent{}, false
}
