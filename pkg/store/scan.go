package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func strOrNull(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timeOrNull(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func fromNullString(ns sql.NullString) string {
	if !ns.Valid {
		return ""
	}
	return ns.String
}

func fromNullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// jsonbOrNull marshals v for a nullable jsonb column. Nil input stays NULL.
func jsonbOrNull(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jsonb value: %w", err)
	}
	return b, nil
}

// jsonbOrEmpty marshals v for a NOT NULL jsonb column, defaulting to {}.
func jsonbOrEmpty(v map[string]any) (any, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jsonb value: %w", err)
	}
	return b, nil
}

// jsonbList marshals a string slice for a NOT NULL jsonb array column.
func jsonbList(v []string) (any, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal jsonb list: %w", err)
	}
	return b, nil
}

func unmarshalInto(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("failed to unmarshal jsonb column: %w", err)
	}
	return nil
}
