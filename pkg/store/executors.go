package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vespid/vespid/pkg/database"
	"github.com/vespid/vespid/pkg/models"
)

const executorColumns = `id, organization_id, pool, name, labels, kinds, connectors, max_in_flight, token_hash, revoked, created_at`

// ExecutorStore persists executor pairing records. Tokens are stored as
// sha256 hashes; the plaintext token exists only in the issue response.
type ExecutorStore struct {
	db *sql.DB
}

// NewExecutorStore creates an ExecutorStore.
func NewExecutorStore(client *database.Client) *ExecutorStore {
	return &ExecutorStore{db: client.DB()}
}

// IssueParams describes a new executor identity.
type IssueParams struct {
	OrganizationID string
	Pool           string
	Name           string
	Labels         []string
	Kinds          []string
	Connectors     []string
	MaxInFlight    int
}

// Issue mints an executor id and token, persisting only the token's hash.
// The returned token is shown once and cannot be recovered.
func (s *ExecutorStore) Issue(ctx context.Context, p IssueParams) (*models.Executor, string, error) {
	if p.Pool == "" {
		p.Pool = models.PoolManaged
	}
	if p.Pool == models.PoolBYON && p.OrganizationID == "" {
		return nil, "", NewValidationError("organizationId", "is required for byon executors")
	}
	if p.Name == "" {
		return nil, "", NewValidationError("name", "is required")
	}
	if p.MaxInFlight <= 0 {
		p.MaxInFlight = 4
	}

	token, err := newToken()
	if err != nil {
		return nil, "", err
	}

	labels, err := jsonbList(p.Labels)
	if err != nil {
		return nil, "", err
	}
	kinds, err := jsonbList(p.Kinds)
	if err != nil {
		return nil, "", err
	}
	connectors, err := jsonbOrNull(p.Connectors)
	if err != nil {
		return nil, "", err
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO executors (id, organization_id, pool, name, labels, kinds, connectors, max_in_flight, token_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+executorColumns,
		uuid.New().String(), strOrNull(p.OrganizationID), p.Pool, p.Name,
		labels, kinds, connectors, p.MaxInFlight, HashToken(token))
	exec, err := scanExecutor(row)
	if err != nil {
		return nil, "", fmt.Errorf("failed to issue executor: %w", err)
	}
	return exec, token, nil
}

// GetByTokenHash authenticates an executor connection. Revoked executors
// are invisible to this lookup.
func (s *ExecutorStore) GetByTokenHash(ctx context.Context, tokenHash string) (*models.Executor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executorColumns+` FROM executors WHERE token_hash = $1 AND revoked = FALSE`,
		tokenHash)
	exec, err := scanExecutor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get executor by token: %w", err)
	}
	return exec, nil
}

// GetByID loads an executor row.
func (s *ExecutorStore) GetByID(ctx context.Context, executorID string) (*models.Executor, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+executorColumns+` FROM executors WHERE id = $1`, executorID)
	exec, err := scanExecutor(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get executor: %w", err)
	}
	return exec, nil
}

// Revoke permanently disables an executor's token. Live connections are
// dropped by the gateway on its next authentication sweep.
func (s *ExecutorStore) Revoke(ctx context.Context, executorID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executors SET revoked = TRUE WHERE id = $1`, executorID)
	if err != nil {
		return fmt.Errorf("failed to revoke executor: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// HashToken returns the hex sha256 of a plaintext executor token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate executor token: %w", err)
	}
	return "vxt_" + hex.EncodeToString(buf), nil
}

func scanExecutor(row rowScanner) (*models.Executor, error) {
	var (
		exec          models.Executor
		orgID         sql.NullString
		labelsRaw     []byte
		kindsRaw      []byte
		connectorsRaw []byte
	)
	err := row.Scan(&exec.ID, &orgID, &exec.Pool, &exec.Name, &labelsRaw, &kindsRaw,
		&connectorsRaw, &exec.MaxInFlight, &exec.TokenHash, &exec.Revoked, &exec.CreatedAt)
	if err != nil {
		return nil, err
	}
	exec.OrganizationID = fromNullString(orgID)
	if err := unmarshalInto(labelsRaw, &exec.Labels); err != nil {
		return nil, err
	}
	if err := unmarshalInto(kindsRaw, &exec.Kinds); err != nil {
		return nil, err
	}
	if err := unmarshalInto(connectorsRaw, &exec.Connectors); err != nil {
		return nil, err
	}
	return &exec, nil
}
