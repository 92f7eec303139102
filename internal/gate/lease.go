package gate

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tomkotik/aimanager/internal/events"
)

// Lease is the exclusive right to process one event of a conversation.
// Every exit path must end in Commit or Release; both are idempotent.
type Lease struct {
	gate     *Gate
	shard    *shard
	entry    *entry
	key      events.Key
	token    *int64
	acquired time.Time
	alarm    *time.Timer

	once sync.Once
}

func (g *Gate) newLease(sh *shard, e *entry, evt events.InboundEvent) *Lease {
	l := &Lease{
		gate:     g,
		shard:    sh,
		entry:    e,
		key:      evt.Key(),
		token:    evt.OrderingToken,
		acquired: g.cfg.Now(),
	}
	l.alarm = time.AfterFunc(g.cfg.LeakAfter, l.leaked)
	return l
}

func (l *Lease) Key() events.Key { return l.key }

// Commit records the event's ordering token as the new high-water mark and
// releases the conversation. Call it only after the outcome is durable.
func (l *Lease) Commit() {
	l.finish(true)
}

// Release frees the conversation without moving the high-water mark.
func (l *Lease) Release() {
	l.finish(false)
}

func (l *Lease) finish(commit bool) {
	l.once.Do(func() {
		l.alarm.Stop()

		l.shard.mu.Lock()
		defer l.shard.mu.Unlock()
		if commit && l.token != nil && (!l.entry.hasToken || *l.token > l.entry.highWater) {
			l.entry.highWater = *l.token
			l.entry.hasToken = true
		}
		l.entry.held = false
		l.entry.holder = ""
		l.entry.lastUsed = l.gate.cfg.Now()
	})
}

func (l *Lease) leaked() {
	held := l.gate.cfg.Now().Sub(l.acquired)
	slog.Error("conversation lock held past leak threshold",
		"conversation_key", l.key.ConversationKey,
		"external_event_id", l.key.ExternalEventID,
		"held", held,
	)
	if l.gate.cfg.LeakAlarm != nil {
		l.gate.cfg.LeakAlarm(l.key.ConversationKey, held)
	}
}
