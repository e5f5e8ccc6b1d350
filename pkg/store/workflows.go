package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/vespid/vespid/pkg/database"
	"github.com/vespid/vespid/pkg/models"
)

const workflowColumns = `id, organization_id, name, version, status, dsl, created_at, updated_at`

// WorkflowStore persists workflow definitions. Published versions are
// immutable; runs reference the workflow row they were created against.
type WorkflowStore struct {
	db *sql.DB
}

// NewWorkflowStore creates a WorkflowStore.
func NewWorkflowStore(client *database.Client) *WorkflowStore {
	return &WorkflowStore{db: client.DB()}
}

// CreateWorkflowParams describes a new workflow version.
type CreateWorkflowParams struct {
	OrganizationID string
	Name           string
	Version        int
	Status         models.WorkflowStatus
	DSL            *models.WorkflowDSL
}

// CreateWorkflow inserts a workflow.
func (s *WorkflowStore) CreateWorkflow(ctx context.Context, p CreateWorkflowParams) (*models.Workflow, error) {
	if p.OrganizationID == "" {
		return nil, NewValidationError("organizationId", "is required")
	}
	if p.Name == "" {
		return nil, NewValidationError("name", "is required")
	}
	if p.DSL == nil {
		return nil, NewValidationError("dsl", "is required")
	}
	if p.Version <= 0 {
		p.Version = 1
	}
	if p.Status == "" {
		p.Status = models.WorkflowStatusDraft
	}

	dsl, err := jsonbOrNull(p.DSL)
	if err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO workflows (id, organization_id, name, version, status, dsl)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+workflowColumns,
		uuid.New().String(), p.OrganizationID, p.Name, p.Version, string(p.Status), dsl)
	wf, err := scanWorkflow(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create workflow: %w", err)
	}
	return wf, nil
}

// GetWorkflow loads a workflow scoped to an organization.
func (s *WorkflowStore) GetWorkflow(ctx context.Context, orgID, workflowID string) (*models.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1 AND organization_id = $2`,
		workflowID, orgID)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return wf, nil
}

// GetWorkflowByID loads a workflow without tenant scoping. Internal callers
// only (the stepper already holds a run row carrying the org).
func (s *WorkflowStore) GetWorkflowByID(ctx context.Context, workflowID string) (*models.Workflow, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE id = $1`, workflowID)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return wf, nil
}

// Publish marks a workflow published, freezing its DSL for runs.
func (s *WorkflowStore) Publish(ctx context.Context, orgID, workflowID string) (*models.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE workflows SET status = 'published', updated_at = now()
		WHERE id = $1 AND organization_id = $2
		RETURNING `+workflowColumns, workflowID, orgID)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to publish workflow: %w", err)
	}
	return wf, nil
}

// ListWorkflows returns an organization's workflows, newest first.
func (s *WorkflowStore) ListWorkflows(ctx context.Context, orgID string, limit, offset int) ([]*models.Workflow, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workflowColumns+` FROM workflows
		WHERE organization_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`, orgID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var out []*models.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func scanWorkflow(row rowScanner) (*models.Workflow, error) {
	var (
		wf     models.Workflow
		status string
		dslRaw []byte
	)
	err := row.Scan(&wf.ID, &wf.OrganizationID, &wf.Name, &wf.Version, &status, &dslRaw, &wf.CreatedAt, &wf.UpdatedAt)
	if err != nil {
		return nil, err
	}
	wf.Status = models.WorkflowStatus(status)
	wf.DSL = &models.WorkflowDSL{}
	if err := unmarshalInto(dslRaw, wf.DSL); err != nil {
		return nil, err
	}
	return &wf, nil
}
