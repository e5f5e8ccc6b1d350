package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/vespid/vespid/pkg/database"
	"github.com/vespid/vespid/pkg/models"
)

const eventColumns = `id, run_id, attempt_count, seq, event_type, node_id, node_type, level, message, payload, created_at`

// EventStore reads the append-only run event log. Writes go through
// events.Publisher so the NOTIFY contract stays in one place.
type EventStore struct {
	db *sql.DB
}

// NewEventStore creates an EventStore.
func NewEventStore(client *database.Client) *EventStore {
	return &EventStore{db: client.DB()}
}

// ListEvents pages a run's events by ascending id. A zero afterID starts
// from the beginning; callers pass the last id they saw to continue.
func (s *EventStore) ListEvents(ctx context.Context, runID string, afterID int64, limit int) ([]*models.RunEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM run_events
		WHERE run_id = $1 AND id > $2
		ORDER BY id
		LIMIT $3`, runID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// GetCatchupEvents implements events.CatchupQuerier for the stream manager.
func (s *EventStore) GetCatchupEvents(ctx context.Context, runID string, sinceID int64, limit int) ([]*models.RunEvent, error) {
	return s.ListEvents(ctx, runID, sinceID, limit)
}

// CountEvents returns the number of events logged for a run.
func (s *EventStore) CountEvents(ctx context.Context, runID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM run_events WHERE run_id = $1`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// DeleteOlderThan removes events created before the cutoff for runs that are
// already terminal. Used by the retention cleaner.
func (s *EventStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 1000
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM run_events
		WHERE id IN (
			SELECT e.id FROM run_events e
			JOIN workflow_runs r ON r.id = e.run_id
			WHERE e.created_at < $1 AND r.status IN ('succeeded', 'failed')
			ORDER BY e.id
			LIMIT $2
		)`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return int(n), nil
}

func collectEvents(rows *sql.Rows) ([]*models.RunEvent, error) {
	var out []*models.RunEvent
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvent(row rowScanner) (*models.RunEvent, error) {
	var (
		ev         models.RunEvent
		nodeID     sql.NullString
		nodeType   sql.NullString
		message    sql.NullString
		payloadRaw []byte
	)
	err := row.Scan(
		&ev.ID, &ev.RunID, &ev.AttemptCount, &ev.Seq, &ev.EventType,
		&nodeID, &nodeType, &ev.Level, &message, &payloadRaw, &ev.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	ev.NodeID = fromNullString(nodeID)
	ev.NodeType = fromNullString(nodeType)
	ev.Message = fromNullString(message)
	if err := unmarshalInto(payloadRaw, &ev.Payload); err != nil {
		return nil, err
	}
	return &ev, nil
}
