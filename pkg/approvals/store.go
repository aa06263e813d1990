package approvals

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/keystone-pm/keystone/pkg/identity"
	"github.com/keystone-pm/keystone/pkg/storage"
)

// Store persists approval requests in PostgreSQL
type Store struct {
	db *sql.DB
}

// NewStore creates the store and ensures the approval_requests table
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &Store{db: db}
	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure approval_requests table: %w", err)
	}
	return s, nil
}

func (s *Store) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS approval_requests (
		id TEXT PRIMARY KEY,
		type VARCHAR(200) NOT NULL,
		requested_by TEXT NOT NULL,
		organization_id TEXT NOT NULL,
		target_kind VARCHAR(50),
		target_id TEXT,
		payload JSONB,
		description TEXT,
		priority VARCHAR(10) NOT NULL DEFAULT 'medium',
		status VARCHAR(10) NOT NULL DEFAULT 'pending',
		approver_roles TEXT[] NOT NULL,
		decided_by TEXT,
		decided_at TIMESTAMP WITH TIME ZONE,
		rejection_reason TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_approval_requests_org_status ON approval_requests(organization_id, status);
	CREATE INDEX IF NOT EXISTS idx_approval_requests_requested_by ON approval_requests(requested_by);
	`
	_, err := s.db.Exec(query)
	return err
}

// Create inserts a new pending request, assigning an ID when absent
func (s *Store) Create(ctx context.Context, req *Request) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Priority == "" {
		req.Priority = PriorityMedium
	}
	req.Status = StatusPending

	roles := make([]string, len(req.ApproverRoles))
	for i, r := range req.ApproverRoles {
		roles[i] = string(r)
	}

	query := `
		INSERT INTO approval_requests (
			id, type, requested_by, organization_id, target_kind, target_id,
			payload, description, priority, status, approver_roles
		) VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, NULLIF($8, ''), $9, $10, $11)
		RETURNING created_at
	`
	return storage.WithRetry(ctx, func(ctx context.Context) error {
		err := s.db.QueryRowContext(ctx, query,
			req.ID, req.Type, req.RequestedBy, req.OrganizationID,
			req.Target.Kind, req.Target.ID, []byte(req.Payload),
			req.Description, req.Priority, req.Status, pq.Array(roles),
		).Scan(&req.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create approval request: %w", err)
		}
		return nil
	})
}

const requestColumns = `
	id, type, requested_by, organization_id,
	COALESCE(target_kind, ''), COALESCE(target_id, ''), payload,
	COALESCE(description, ''), priority, status, approver_roles,
	COALESCE(decided_by, ''), decided_at, COALESCE(rejection_reason, ''), created_at
`

func scanRequest(row interface{ Scan(...interface{}) error }) (*Request, error) {
	req := &Request{}
	var payload []byte
	var roles []string
	err := row.Scan(
		&req.ID, &req.Type, &req.RequestedBy, &req.OrganizationID,
		&req.Target.Kind, &req.Target.ID, &payload,
		&req.Description, &req.Priority, &req.Status, pq.Array(&roles),
		&req.DecidedBy, &req.DecidedAt, &req.RejectionReason, &req.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan approval request: %w", err)
	}
	req.Payload = payload
	req.ApproverRoles = make([]identity.Role, len(roles))
	for i, r := range roles {
		req.ApproverRoles[i] = identity.Role(r)
	}
	return req, nil
}

// Get retrieves a request by ID; sql.ErrNoRows surfaces as-is for the
// engine to map.
func (s *Store) Get(ctx context.Context, id string) (*Request, error) {
	var req *Request
	err := storage.WithRetry(ctx, func(ctx context.Context) error {
		var scanErr error
		row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM approval_requests WHERE id = $1`, id)
		req, scanErr = scanRequest(row)
		return scanErr
	})
	return req, err
}

// ListPending returns pending requests for triage, highest priority first
// and oldest first within a priority. Empty organizationID (a platform
// admin's global scope) lists across all tenants.
func (s *Store) ListPending(ctx context.Context, organizationID string) ([]*Request, error) {
	query := `SELECT ` + requestColumns + ` FROM approval_requests WHERE status = 'pending'`
	var args []interface{}
	if organizationID != "" {
		query += ` AND organization_id = $1`
		args = append(args, organizationID)
	}
	query += `
		ORDER BY CASE priority
			WHEN 'urgent' THEN 4
			WHEN 'high' THEN 3
			WHEN 'medium' THEN 2
			ELSE 1
		END DESC, created_at ASC
	`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending approval requests: %w", err)
	}
	defer rows.Close()

	var reqs []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, req)
	}
	return reqs, rows.Err()
}

// DeletePending removes a request only while it is still pending and
// reports whether a row was deleted. Decided requests are never touched.
func (s *Store) DeletePending(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM approval_requests WHERE id = $1 AND status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete pending approval request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows > 0, nil
}

// CountPending returns the number of pending requests, for the gauge
func (s *Store) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM approval_requests WHERE status = 'pending'`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count pending approval requests: %w", err)
	}
	return count, nil
}

// decideTx applies the single permitted transition inside tx using a
// conditional update. It reports false when the request had already left
// pending, which is how a losing concurrent decide observes its defeat.
func decideTx(ctx context.Context, tx *sql.Tx, id string, outcome Outcome, decidedBy, rejectionReason string, decidedAt time.Time) (bool, error) {
	status := StatusApproved
	if outcome == OutcomeRejected {
		status = StatusRejected
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE approval_requests
		SET status = $1, decided_by = $2, decided_at = $3, rejection_reason = NULLIF($4, '')
		WHERE id = $5 AND status = 'pending'
	`, status, decidedBy, decidedAt, rejectionReason, id)
	if err != nil {
		return false, fmt.Errorf("failed to transition approval request: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}
