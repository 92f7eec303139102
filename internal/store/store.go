package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tomkotik/aimanager/internal/contract"
	"github.com/tomkotik/aimanager/internal/events"
)

const uniqueViolation = "23505"

//go:embed schema.sql
var schemaSQL string

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const outcomeColumns = `id, agent_id, channel, conversation_key, external_event_id, seq, ordering_token,
	content_hash, intent, proposed_state, state, booking_id, facts_status, violations, inbound_text,
	draft_text, reply_text, escalation_required, latency_ms, tag, supersedes_id, created_at`

// InsertOutcome is the single commit path for outcomes. It assigns the
// per-conversation sequence number under a transaction-scoped advisory lock
// and maps a natural-key collision to ErrDuplicateOutcome.
func (s *Store) InsertOutcome(ctx context.Context, o *Outcome) error {
	if !o.State.Valid() {
		return fmt.Errorf("insert outcome: %w", contract.ErrUnknownState)
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}
	violations, err := json.Marshal(nonNilViolations(o.Violations))
	if err != nil {
		return fmt.Errorf("marshal violations: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin outcome tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, o.ConversationKey); err != nil {
		return fmt.Errorf("lock conversation: %w", err)
	}

	var seq int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM conversation_outcomes WHERE conversation_key = $1`,
		o.ConversationKey,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	o.Seq = seq

	_, err = tx.Exec(ctx, `INSERT INTO conversation_outcomes (`+outcomeColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)`,
		o.ID, o.AgentID, o.Channel, o.ConversationKey, o.ExternalEventID, o.Seq, o.OrderingToken,
		o.ContentHash, o.Intent, string(o.ProposedState), string(o.State), nullable(o.BookingID),
		nullable(o.FactsStatus), violations, o.InboundText, o.DraftText, o.ReplyText, o.EscalationRequired,
		o.LatencyMS, o.Tag, nullable(o.SupersedesID), o.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrDuplicateOutcome
		}
		return fmt.Errorf("insert outcome: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit outcome: %w", err)
	}

	slog.Debug("outcome committed",
		"conversation_key", o.ConversationKey,
		"external_event_id", o.ExternalEventID,
		"seq", o.Seq,
		"state", o.State,
	)
	return nil
}

// GetOutcome returns the outcome committed for an event key.
func (s *Store) GetOutcome(ctx context.Context, key events.Key) (*Outcome, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+outcomeColumns+` FROM conversation_outcomes WHERE conversation_key = $1 AND external_event_id = $2`,
		key.ConversationKey, key.ExternalEventID,
	)
	return scanOutcome(row)
}

// LatestOutcome returns the most recently committed outcome of a conversation.
func (s *Store) LatestOutcome(ctx context.Context, conversationKey string) (*Outcome, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+outcomeColumns+` FROM conversation_outcomes WHERE conversation_key = $1 ORDER BY seq DESC LIMIT 1`,
		conversationKey,
	)
	return scanOutcome(row)
}

// MaxOrderingToken returns the highest committed ordering token.
func (s *Store) MaxOrderingToken(ctx context.Context, conversationKey string) (int64, bool, error) {
	var tok *int64
	err := s.pool.QueryRow(ctx,
		`SELECT MAX(ordering_token) FROM conversation_outcomes WHERE conversation_key = $1`,
		conversationKey,
	).Scan(&tok)
	if err != nil {
		return 0, false, fmt.Errorf("max ordering token: %w", err)
	}
	if tok == nil {
		return 0, false, nil
	}
	return *tok, true, nil
}

// ListOutcomes returns outcomes matching the filter, oldest first.
func (s *Store) ListOutcomes(ctx context.Context, f OutcomeFilter) ([]Outcome, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.AgentID != "" {
		where = append(where, "agent_id = "+arg(f.AgentID))
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= "+arg(f.Since))
	}
	if !f.AnyTag {
		where = append(where, "tag = "+arg(f.Tag))
	}

	q := `SELECT ` + outcomeColumns + ` FROM conversation_outcomes`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at, seq`
	if f.Limit > 0 {
		q += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query outcomes: %w", err)
	}
	return collectOutcomes(rows)
}

// ListConversationOutcomes returns a conversation's outcomes in commit order.
func (s *Store) ListConversationOutcomes(ctx context.Context, conversationKey string) ([]Outcome, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+outcomeColumns+` FROM conversation_outcomes WHERE conversation_key = $1 ORDER BY seq`,
		conversationKey,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversation outcomes: %w", err)
	}
	return collectOutcomes(rows)
}

// TouchConversation creates the conversation row or refreshes its activity.
func (s *Store) TouchConversation(ctx context.Context, c Conversation) error {
	if c.LastEventAt.IsZero() {
		c.LastEventAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations (conversation_key, agent_id, channel, active, created_at, last_event_at)
		VALUES ($1, $2, $3, true, $4, $4)
		ON CONFLICT (conversation_key) DO UPDATE
		SET last_event_at = GREATEST(conversations.last_event_at, EXCLUDED.last_event_at), active = true
	`, c.ConversationKey, c.AgentID, c.Channel, c.LastEventAt)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	return nil
}

// GetConversation returns a conversation by key.
func (s *Store) GetConversation(ctx context.Context, conversationKey string) (*Conversation, error) {
	var c Conversation
	err := s.pool.QueryRow(ctx,
		`SELECT conversation_key, agent_id, channel, active, created_at, last_event_at FROM conversations WHERE conversation_key = $1`,
		conversationKey,
	).Scan(&c.ConversationKey, &c.AgentID, &c.Channel, &c.Active, &c.CreatedAt, &c.LastEventAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return &c, nil
}

// DeactivateConversation clears the activity flag.
func (s *Store) DeactivateConversation(ctx context.Context, conversationKey string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversations SET active = false WHERE conversation_key = $1`,
		conversationKey,
	)
	if err != nil {
		return fmt.Errorf("deactivate conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanOutcome(row pgx.Row) (*Outcome, error) {
	o, err := scanOutcomeRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

func collectOutcomes(rows pgx.Rows) ([]Outcome, error) {
	defer rows.Close()

	var results []Outcome
	for rows.Next() {
		o, err := scanOutcomeRow(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, *o)
	}
	return results, rows.Err()
}

func scanOutcomeRow(row pgx.Row) (*Outcome, error) {
	var (
		o                      Outcome
		proposed, state        string
		bookingID, factsStatus *string
		supersedes             *string
		violations             []byte
	)
	err := row.Scan(&o.ID, &o.AgentID, &o.Channel, &o.ConversationKey, &o.ExternalEventID, &o.Seq,
		&o.OrderingToken, &o.ContentHash, &o.Intent, &proposed, &state, &bookingID, &factsStatus,
		&violations, &o.InboundText, &o.DraftText, &o.ReplyText, &o.EscalationRequired, &o.LatencyMS, &o.Tag,
		&supersedes, &o.CreatedAt)
	if err != nil {
		return nil, err
	}

	// A persisted state outside the enumeration is a data-integrity error.
	if o.State, err = contract.ParseState(state); err != nil {
		return nil, fmt.Errorf("outcome %s: %w", o.ID, err)
	}
	if p, perr := contract.ParseState(proposed); perr == nil {
		o.ProposedState = p
	} else {
		o.ProposedState = contract.State(proposed)
	}
	if bookingID != nil {
		o.BookingID = *bookingID
	}
	if factsStatus != nil {
		o.FactsStatus = *factsStatus
	}
	if supersedes != nil {
		o.SupersedesID = *supersedes
	}
	if len(violations) > 0 {
		if err := json.Unmarshal(violations, &o.Violations); err != nil {
			return nil, fmt.Errorf("decode violations for %s: %w", o.ID, err)
		}
	}
	return &o, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nonNilViolations(vs []contract.Violation) []contract.Violation {
	if vs == nil {
		return []contract.Violation{}
	}
	return vs
}
