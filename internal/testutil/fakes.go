package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tomkotik/aimanager/internal/contract"
	"github.com/tomkotik/aimanager/internal/events"
	"github.com/tomkotik/aimanager/internal/facts"
	"github.com/tomkotik/aimanager/internal/generator"
)

// BookingService is an in-memory authoritative facts source. It books free
// slots, reports taken ones as busy and answers repeated requests for the
// same event with the same facts.
type BookingService struct {
	mu sync.Mutex

	// Taken holds slots booked by someone else, keyed by Slot.
	Taken map[string]bool
	// Err, when set, is returned by every call.
	Err error
	// Delay is applied before answering.
	Delay time.Duration

	bookings map[string]string
	answers  map[string]facts.Facts
	nextID   int
	Calls    int
	Requests []facts.Request
	IDPrefix string
}

var _ facts.Source = (*BookingService)(nil)

func NewBookingService() *BookingService {
	return &BookingService{
		Taken:    make(map[string]bool),
		bookings: make(map[string]string),
		answers:  make(map[string]facts.Facts),
		IDPrefix: "bk-",
	}
}

// Slot is the key a booking request occupies.
func Slot(b *contract.BookingRequest) string {
	return strings.ToLower(b.Date + "|" + b.Time + "|" + b.Room)
}

// Take marks a slot as booked by another customer.
func (s *BookingService) Take(b *contract.BookingRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Taken[Slot(b)] = true
}

func (s *BookingService) Get(ctx context.Context, req facts.Request) (facts.Facts, error) {
	if s.Delay > 0 {
		select {
		case <-ctx.Done():
			return facts.Facts{}, ctx.Err()
		case <-time.After(s.Delay):
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.Calls++
	s.Requests = append(s.Requests, req)
	if s.Err != nil {
		return facts.Facts{}, s.Err
	}

	if f, ok := s.answers[req.IdempotencyKey()]; ok {
		return f, nil
	}

	f := s.decide(req)
	s.answers[req.IdempotencyKey()] = f
	return f, nil
}

func (s *BookingService) decide(req facts.Request) facts.Facts {
	if id, ok := s.bookings[req.ConversationKey]; ok {
		return facts.Facts{Status: contract.StateCreated, BookingID: id}
	}
	if !req.Booking.Complete() {
		return facts.Facts{Status: contract.StateNone}
	}
	slot := Slot(req.Booking)
	if s.Taken[slot] {
		return facts.Facts{Status: contract.StateBusy, ConflictReason: "slot already taken"}
	}
	s.nextID++
	id := fmt.Sprintf("%s%d", s.IDPrefix, s.nextID)
	s.Taken[slot] = true
	s.bookings[req.ConversationKey] = id
	return facts.Facts{Status: contract.StateCreated, BookingID: id}
}

// CallCount returns how many lookups were answered.
func (s *BookingService) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Calls
}

// ScriptedGenerator answers with raw drafts in the action-tag format. A
// draft is chosen by the first Rules entry whose marker occurs in the
// message, else Default.
type ScriptedGenerator struct {
	mu sync.Mutex

	Rules   []ScriptRule
	Default string
	Err     error
	Delay   time.Duration
	Calls   int
	Seen    []generator.Context
}

// ScriptRule maps a message marker to a raw draft.
type ScriptRule struct {
	Marker string
	Draft  string
}

var _ generator.Generator = (*ScriptedGenerator)(nil)

func (g *ScriptedGenerator) Generate(ctx context.Context, c generator.Context) (contract.Proposed, error) {
	if g.Delay > 0 {
		select {
		case <-ctx.Done():
			return contract.Proposed{}, ctx.Err()
		case <-time.After(g.Delay):
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.Calls++
	g.Seen = append(g.Seen, c)
	if g.Err != nil {
		return contract.Proposed{}, g.Err
	}

	raw := g.Default
	lower := strings.ToLower(c.Message)
	for _, r := range g.Rules {
		if strings.Contains(lower, strings.ToLower(r.Marker)) {
			raw = r.Draft
			break
		}
	}
	p := generator.ParseDraft(raw)
	p.Intent = c.Intent
	p.Model = "scripted"
	return p, nil
}

// AlertRecorder collects alerts for assertions.
type AlertRecorder struct {
	mu     sync.Mutex
	Alerts []events.Alert
	Err    error
}

func (r *AlertRecorder) Alert(_ context.Context, a events.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Alerts = append(r.Alerts, a)
	return r.Err
}

// Kinds returns the recorded alert kinds in order.
func (r *AlertRecorder) Kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]string, 0, len(r.Alerts))
	for _, a := range r.Alerts {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}
