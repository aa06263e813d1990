package rentals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keystone-pm/keystone/pkg/storage"
)

// CreateExpense inserts an expense
func (s *Store) CreateExpense(ctx context.Context, e *Expense) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.IncurredAt.IsZero() {
		e.IncurredAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO expenses (id, organization_id, property_id, category, amount, description, incurred_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7)
		RETURNING created_at
	`, e.ID, e.OrganizationID, e.PropertyID, e.Category, e.Amount, e.Description, e.IncurredAt).
		Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create expense: %w", err)
	}
	return nil
}

// GetExpense retrieves an expense by ID, unscoped for tenancy checks
func (s *Store) GetExpense(ctx context.Context, id string) (*Expense, error) {
	e := &Expense{}
	err := storage.WithRetry(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT id, organization_id, property_id, category, amount, COALESCE(description, ''), incurred_at, created_at
			FROM expenses WHERE id = $1
		`, id).Scan(&e.ID, &e.OrganizationID, &e.PropertyID, &e.Category, &e.Amount, &e.Description, &e.IncurredAt, &e.CreatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get expense: %w", err)
	}
	return e, nil
}

// ListExpenses lists an organization's expenses, most recent first
func (s *Store) ListExpenses(ctx context.Context, organizationID string) ([]*Expense, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, property_id, category, amount, COALESCE(description, ''), incurred_at, created_at
		FROM expenses WHERE organization_id = $1 ORDER BY incurred_at DESC
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list expenses: %w", err)
	}
	defer rows.Close()

	var out []*Expense
	for rows.Next() {
		e := &Expense{}
		if err := rows.Scan(&e.ID, &e.OrganizationID, &e.PropertyID, &e.Category, &e.Amount, &e.Description, &e.IncurredAt, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan expense: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteExpense removes an expense immediately, outside any approval
// transaction.
func (s *Store) DeleteExpense(ctx context.Context, organizationID, id string) error {
	return deleteExpense(ctx, s.db, organizationID, id)
}

// deleteExpense removes an expense; gated behind approval
func deleteExpense(ctx context.Context, q dbtx, organizationID, id string) error {
	result, err := q.ExecContext(ctx,
		`DELETE FROM expenses WHERE id = $1 AND organization_id = $2`, id, organizationID)
	if err != nil {
		return fmt.Errorf("failed to delete expense: %w", err)
	}
	return requireAffected(result)
}

// CreateMaintenanceRequest files a maintenance request
func (s *Store) CreateMaintenanceRequest(ctx context.Context, m *MaintenanceRequest) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = MaintenanceOpen
	}
	if m.Priority == "" {
		m.Priority = "medium"
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO maintenance_requests (id, organization_id, property_id, tenant_id, description, status, priority, reported_by, assigned_to, category, notes)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''))
		RETURNING created_at, updated_at
	`, m.ID, m.OrganizationID, m.PropertyID, m.TenantID, m.Description, m.Status, m.Priority, m.ReportedBy, m.AssignedTo, m.Category, m.Notes).
		Scan(&m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create maintenance request: %w", err)
	}
	return nil
}

// GetMaintenanceRequest retrieves a maintenance request by ID
func (s *Store) GetMaintenanceRequest(ctx context.Context, id string) (*MaintenanceRequest, error) {
	m := &MaintenanceRequest{}
	err := storage.WithRetry(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT id, organization_id, property_id, COALESCE(tenant_id, ''), description, status, priority,
			       reported_by, COALESCE(assigned_to, ''), COALESCE(category, ''), COALESCE(notes, ''), created_at, updated_at
			FROM maintenance_requests WHERE id = $1
		`, id).Scan(&m.ID, &m.OrganizationID, &m.PropertyID, &m.TenantID, &m.Description, &m.Status, &m.Priority,
			&m.ReportedBy, &m.AssignedTo, &m.Category, &m.Notes, &m.CreatedAt, &m.UpdatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get maintenance request: %w", err)
	}
	return m, nil
}

// ListMaintenanceRequests lists an organization's maintenance requests,
// open items first, then by age.
func (s *Store) ListMaintenanceRequests(ctx context.Context, organizationID string) ([]*MaintenanceRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, property_id, COALESCE(tenant_id, ''), description, status, priority,
		       reported_by, COALESCE(assigned_to, ''), COALESCE(category, ''), COALESCE(notes, ''), created_at, updated_at
		FROM maintenance_requests WHERE organization_id = $1
		ORDER BY CASE WHEN status IN ('open', 'in_progress') THEN 0 ELSE 1 END, created_at ASC
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list maintenance requests: %w", err)
	}
	defer rows.Close()

	var out []*MaintenanceRequest
	for rows.Next() {
		m := &MaintenanceRequest{}
		if err := rows.Scan(&m.ID, &m.OrganizationID, &m.PropertyID, &m.TenantID, &m.Description, &m.Status, &m.Priority,
			&m.ReportedBy, &m.AssignedTo, &m.Category, &m.Notes, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan maintenance request: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateMaintenanceRequest updates status, assignment, and notes
func (s *Store) UpdateMaintenanceRequest(ctx context.Context, m *MaintenanceRequest) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE maintenance_requests SET status = $1, priority = $2, assigned_to = NULLIF($3, ''), notes = NULLIF($4, ''), updated_at = NOW()
		WHERE id = $5 AND organization_id = $6
	`, m.Status, m.Priority, m.AssignedTo, m.Notes, m.ID, m.OrganizationID)
	if err != nil {
		return fmt.Errorf("failed to update maintenance request: %w", err)
	}
	return requireAffected(result)
}
