// Package gate admits inbound events into the pipeline. It rejects
// duplicates, enforces ordering tokens and guarantees at most one in-flight
// event per conversation.
package gate

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/tomkotik/aimanager/internal/events"
	"github.com/tomkotik/aimanager/internal/store"
)

// Decision is the admission verdict for one event.
type Decision string

const (
	Process       Decision = "PROCESS"
	Duplicate     Decision = "DUPLICATE"
	Queued        Decision = "QUEUED"
	RejectedStale Decision = "REJECTED_STALE"
)

var (
	// ErrLockTimeout is returned by AdmitWait when the conversation stayed
	// busy for the whole wait.
	ErrLockTimeout = errors.New("timed out waiting for conversation lock")
	// ErrMissingIdentity is returned for events without a natural key.
	ErrMissingIdentity = events.ErrMissingIdentity
)

// Admission is the result of Admit. Outcome is set for Duplicate, Lease for
// Process, HighWater for RejectedStale.
type Admission struct {
	Decision  Decision
	Outcome   *store.Outcome
	Lease     *Lease
	HighWater int64
}

// Config tunes the lock arena.
type Config struct {
	Shards    int
	IdleTTL   time.Duration
	LeakAfter time.Duration
	// LeakAlarm is called once for every lease held longer than LeakAfter.
	LeakAlarm func(conversationKey string, held time.Duration)
	Now       func() time.Time
}

func (c *Config) defaults() {
	if c.Shards <= 0 {
		c.Shards = 64
	}
	if c.IdleTTL <= 0 {
		c.IdleTTL = 10 * time.Minute
	}
	if c.LeakAfter <= 0 {
		c.LeakAfter = 2 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type entry struct {
	held      bool
	holder    string
	highWater int64
	hasToken  bool
	seeded    bool
	lastUsed  time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// Gate is the dedupe and ordering gate. The per-conversation entries live in
// a sharded arena and are reclaimed once idle.
type Gate struct {
	store  store.DataStore
	cfg    Config
	shards []*shard
}

func New(s store.DataStore, cfg Config) *Gate {
	cfg.defaults()
	g := &Gate{store: s, cfg: cfg, shards: make([]*shard, cfg.Shards)}
	for i := range g.shards {
		g.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	return g
}

func (g *Gate) shardFor(conversationKey string) *shard {
	h := fnv.New32a()
	h.Write([]byte(conversationKey))
	return g.shards[h.Sum32()%uint32(len(g.shards))]
}

// Admit decides what to do with evt without blocking on the conversation.
func (g *Gate) Admit(ctx context.Context, evt events.InboundEvent) (Admission, error) {
	if err := evt.Validate(); err != nil {
		return Admission{}, err
	}
	key := evt.Key()

	if adm, ok, err := g.lookupDuplicate(ctx, key); err != nil || ok {
		return adm, err
	}

	sh := g.shardFor(key.ConversationKey)
	sh.mu.Lock()
	e, ok := sh.entries[key.ConversationKey]
	if !ok {
		e = &entry{}
		sh.entries[key.ConversationKey] = e
	}
	e.lastUsed = g.cfg.Now()
	if e.held {
		holder := e.holder
		sh.mu.Unlock()
		slog.Debug("conversation busy, event queued",
			"conversation_key", key.ConversationKey,
			"external_event_id", key.ExternalEventID,
			"in_flight", holder,
		)
		return Admission{Decision: Queued}, nil
	}
	e.held = true
	e.holder = key.ExternalEventID
	sh.mu.Unlock()

	lease := g.newLease(sh, e, evt)

	// The previous holder may have committed this key after the first lookup.
	if adm, ok, err := g.lookupDuplicate(ctx, key); err != nil || ok {
		lease.Release()
		return adm, err
	}

	if err := g.seed(ctx, sh, e, key.ConversationKey); err != nil {
		lease.Release()
		return Admission{}, err
	}

	if evt.OrderingToken != nil {
		sh.mu.Lock()
		stale := e.hasToken && *evt.OrderingToken < e.highWater
		hw := e.highWater
		sh.mu.Unlock()
		if stale {
			lease.Release()
			slog.Warn("stale event rejected",
				"conversation_key", key.ConversationKey,
				"external_event_id", key.ExternalEventID,
				"ordering_token", *evt.OrderingToken,
				"high_water", hw,
			)
			return Admission{Decision: RejectedStale, HighWater: hw}, nil
		}
	}

	return Admission{Decision: Process, Lease: lease}, nil
}

func (g *Gate) lookupDuplicate(ctx context.Context, key events.Key) (Admission, bool, error) {
	o, err := g.store.GetOutcome(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return Admission{}, false, nil
	}
	if err != nil {
		return Admission{}, false, fmt.Errorf("lookup outcome %s: %w", key, err)
	}
	return Admission{Decision: Duplicate, Outcome: o}, true, nil
}

// seed loads the committed high-water mark the first time a conversation
// is seen after start or after its entry was reclaimed. The caller holds
// the conversation.
func (g *Gate) seed(ctx context.Context, sh *shard, e *entry, conversationKey string) error {
	sh.mu.Lock()
	seeded := e.seeded
	sh.mu.Unlock()
	if seeded {
		return nil
	}

	tok, ok, err := g.store.MaxOrderingToken(ctx, conversationKey)
	if err != nil {
		return fmt.Errorf("seed ordering token: %w", err)
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if ok && (!e.hasToken || tok > e.highWater) {
		e.highWater = tok
		e.hasToken = true
	}
	e.seeded = true
	return nil
}

// AdmitWait retries QUEUED admissions with backoff until maxWait elapses.
func (g *Gate) AdmitWait(ctx context.Context, evt events.InboundEvent, maxWait time.Duration) (Admission, error) {
	deadline := g.cfg.Now().Add(maxWait)
	backoff := 5 * time.Millisecond

	for {
		adm, err := g.Admit(ctx, evt)
		if err != nil || adm.Decision != Queued {
			return adm, err
		}

		remaining := deadline.Sub(g.cfg.Now())
		if remaining <= 0 {
			return adm, fmt.Errorf("%w: %s", ErrLockTimeout, evt.Key())
		}
		wait := backoff
		if wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return adm, ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > 250*time.Millisecond {
			backoff = 250 * time.Millisecond
		}
	}
}

// Stats reports arena occupancy.
type Stats struct {
	Entries int `json:"entries"`
	Held    int `json:"held"`
}

func (g *Gate) Stats() Stats {
	var s Stats
	for _, sh := range g.shards {
		sh.mu.Lock()
		s.Entries += len(sh.entries)
		for _, e := range sh.entries {
			if e.held {
				s.Held++
			}
		}
		sh.mu.Unlock()
	}
	return s
}

// Reap drops idle, unheld entries and returns how many were removed.
func (g *Gate) Reap() int {
	cutoff := g.cfg.Now().Add(-g.cfg.IdleTTL)
	removed := 0
	for _, sh := range g.shards {
		sh.mu.Lock()
		for k, e := range sh.entries {
			if !e.held && e.lastUsed.Before(cutoff) {
				delete(sh.entries, k)
				removed++
			}
		}
		sh.mu.Unlock()
	}
	return removed
}

// StartReaper reclaims idle entries every interval until ctx is done.
func (g *Gate) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := g.Reap(); n > 0 {
					slog.Debug("reclaimed idle conversation locks", "count", n)
				}
			}
		}
	}()
}
