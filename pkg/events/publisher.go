package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vespid/vespid/pkg/models"
	"github.com/vespid/vespid/pkg/truncate"
)

const (
	// Postgres caps NOTIFY payloads at 8000 bytes; stay comfortably under it
	// so channel name and protocol overhead never tip a payload over.
	maxNotifyBytes = 7900

	// DefaultPayloadMaxChars bounds serialized event payloads stored in the
	// log. Larger payloads are replaced by a truncation summary.
	DefaultPayloadMaxChars = 4000

	// PayloadMaxCharsCap is the hard ceiling for the configurable payload
	// bound. Values above it are clamped.
	PayloadMaxCharsCap = 200000

	// appendRetries bounds retries of the seq-assignment race. Two writers
	// appending to the same (run, attempt) can both compute the same next
	// seq; the loser hits the unique index and retries with a fresh value.
	appendRetries = 3
)

// Masker scrubs secrets from event text and payloads before persistence.
// A nil Masker disables scrubbing.
type Masker interface {
	MaskString(s string) string
	MaskMap(m map[string]any) map[string]any
}

// Publisher appends run events to the log and announces them on the run's
// NOTIFY channel. INSERT and pg_notify always share a transaction, so a
// notification is observable only once its row is committed.
type Publisher struct {
	db              *sql.DB
	masker          Masker
	payloadMaxChars int
}

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithMasker installs a secret scrubber applied to event messages and
// payloads before they are written.
func WithMasker(m Masker) PublisherOption {
	return func(p *Publisher) { p.masker = m }
}

// WithPayloadMaxChars overrides the serialized payload bound. Non-positive
// values fall back to the default; values above the cap are clamped.
func WithPayloadMaxChars(n int) PublisherOption {
	return func(p *Publisher) {
		if n <= 0 {
			n = DefaultPayloadMaxChars
		}
		if n > PayloadMaxCharsCap {
			n = PayloadMaxCharsCap
		}
		p.payloadMaxChars = n
	}
}

// NewPublisher creates a Publisher on the given database handle.
// The db parameter should be the *sql.DB from database.Client.DB().
func NewPublisher(db *sql.DB, opts ...PublisherOption) *Publisher {
	p := &Publisher{db: db, payloadMaxChars: DefaultPayloadMaxChars}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Append persists ev in its own transaction and fills in its assigned ID,
// Seq, and CreatedAt. Concurrent appends to the same run and attempt are
// safe: a seq collision is retried with a freshly computed value.
func (p *Publisher) Append(ctx context.Context, ev *models.RunEvent) (*models.RunEvent, error) {
	var lastErr error
	for i := 0; i < appendRetries; i++ {
		err := p.appendOnce(ctx, ev)
		if err == nil {
			return ev, nil
		}
		if !isUniqueViolation(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("event seq contention persisted after %d attempts: %w", appendRetries, lastErr)
}

// AppendTx persists ev inside the caller's transaction. Run state
// transitions use this so the row update and its event commit atomically.
// The caller owns commit and rollback; a seq conflict surfaces as an error
// and poisons the transaction, which is acceptable because transitions for a
// given run are serialized by status guards.
func (p *Publisher) AppendTx(ctx context.Context, tx *sql.Tx, ev *models.RunEvent) (*models.RunEvent, error) {
	if err := p.insertAndNotify(ctx, tx, ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func (p *Publisher) appendOnce(ctx context.Context, ev *models.RunEvent) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := p.insertAndNotify(ctx, tx, ev); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit event transaction: %w", err)
	}
	return nil
}

// insertAndNotify writes the event row with the next seq for its
// (run, attempt) and issues pg_notify on the run channel. pg_notify is
// transactional; the notification is held until COMMIT.
func (p *Publisher) insertAndNotify(ctx context.Context, tx *sql.Tx, ev *models.RunEvent) error {
	if ev.RunID == "" {
		return errors.New("event is missing a run id")
	}
	if ev.EventType == "" {
		return errors.New("event is missing an event type")
	}
	if ev.Level == "" {
		ev.Level = models.LevelInfo
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	p.scrub(ev)
	ev.Payload = capPayload(ev.Payload, p.payloadMaxChars)

	var payloadJSON any
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal event payload: %w", err)
		}
		payloadJSON = b
	}

	err := tx.QueryRowContext(ctx, `
		INSERT INTO run_events (run_id, attempt_count, seq, event_type, node_id, node_type, level, message, payload, created_at)
		VALUES ($1, $2, (SELECT COALESCE(MAX(seq), 0) + 1 FROM run_events WHERE run_id = $1 AND attempt_count = $2), $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, seq
	`, ev.RunID, ev.AttemptCount, ev.EventType,
		nullIfEmpty(ev.NodeID), nullIfEmpty(ev.NodeType), ev.Level, nullIfEmpty(ev.Message),
		payloadJSON, ev.CreatedAt,
	).Scan(&ev.ID, &ev.Seq)
	if err != nil {
		return fmt.Errorf("failed to persist run event: %w", err)
	}

	notifyPayload, err := buildNotifyPayload(ev)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "SELECT pg_notify($1, $2)", RunChannel(ev.RunID), notifyPayload); err != nil {
		return fmt.Errorf("pg_notify failed: %w", err)
	}
	return nil
}

func (p *Publisher) scrub(ev *models.RunEvent) {
	if p.masker == nil {
		return
	}
	if ev.Message != "" {
		ev.Message = p.masker.MaskString(ev.Message)
	}
	if ev.Payload != nil {
		ev.Payload = p.masker.MaskMap(ev.Payload)
	}
}

// --- Internal helpers ---

// capPayload bounds the serialized payload size, replacing oversized
// payloads with the standard truncation summary.
func capPayload(payload map[string]any, maxChars int) map[string]any {
	if payload == nil {
		return nil
	}
	v := truncate.Summarize(payload, maxChars)
	sum, ok := v.(*truncate.Summary)
	if !ok {
		return payload
	}
	capped := map[string]any{
		"truncated": true,
		"preview":   sum.Preview,
	}
	if sum.OriginalLength != nil {
		capped["originalLength"] = *sum.OriginalLength
	} else {
		capped["originalLength"] = nil
	}
	return capped
}

// buildNotifyPayload serializes the full event for NOTIFY delivery. Payloads
// over the NOTIFY limit are reduced to routing fields; subscribers fetch the
// full row via catchup using the event id.
func buildNotifyPayload(ev *models.RunEvent) (string, error) {
	full, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("failed to marshal NOTIFY payload: %w", err)
	}
	if len(full) <= maxNotifyBytes {
		return string(full), nil
	}

	envelope := map[string]any{
		"id":           ev.ID,
		"runId":        ev.RunID,
		"attemptCount": ev.AttemptCount,
		"seq":          ev.Seq,
		"eventType":    ev.EventType,
		"truncated":    true,
	}
	reduced, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("failed to marshal truncated NOTIFY payload: %w", err)
	}
	return string(reduced), nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isUniqueViolation reports whether err is a Postgres unique_violation,
// the signature of two appenders racing for the same seq.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
