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

// CreateLease inserts a lease
func (s *Store) CreateLease(ctx context.Context, l *Lease) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.Status == "" {
		l.Status = LeaseActive
	}
	if !l.EndDate.After(l.StartDate) {
		return fmt.Errorf("lease end date must be after start date")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO leases (id, organization_id, property_id, tenant_id, start_date, end_date, rent_amount, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`, l.ID, l.OrganizationID, l.PropertyID, l.TenantID, l.StartDate, l.EndDate, l.RentAmount, l.Status).
		Scan(&l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create lease: %w", err)
	}
	return nil
}

// GetLease retrieves a lease by ID, unscoped for tenancy checks
func (s *Store) GetLease(ctx context.Context, id string) (*Lease, error) {
	l := &Lease{}
	err := storage.WithRetry(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT id, organization_id, property_id, tenant_id, start_date, end_date, rent_amount, status, created_at, updated_at
			FROM leases WHERE id = $1
		`, id).Scan(&l.ID, &l.OrganizationID, &l.PropertyID, &l.TenantID, &l.StartDate, &l.EndDate, &l.RentAmount, &l.Status, &l.CreatedAt, &l.UpdatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lease: %w", err)
	}
	return l, nil
}

// ListLeases lists an organization's leases
func (s *Store) ListLeases(ctx context.Context, organizationID string) ([]*Lease, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, property_id, tenant_id, start_date, end_date, rent_amount, status, created_at, updated_at
		FROM leases WHERE organization_id = $1 ORDER BY start_date DESC
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}
	defer rows.Close()

	var out []*Lease
	for rows.Next() {
		l := &Lease{}
		if err := rows.Scan(&l.ID, &l.OrganizationID, &l.PropertyID, &l.TenantID, &l.StartDate, &l.EndDate, &l.RentAmount, &l.Status, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// TerminateLease marks a lease terminated immediately, outside any
// approval transaction.
func (s *Store) TerminateLease(ctx context.Context, organizationID, id string) error {
	return terminateLease(ctx, s.db, organizationID, id)
}

// terminateLease marks a lease terminated; gated behind approval
func terminateLease(ctx context.Context, q dbtx, organizationID, id string) error {
	result, err := q.ExecContext(ctx, `
		UPDATE leases SET status = $1, updated_at = NOW()
		WHERE id = $2 AND organization_id = $3 AND status = $4
	`, LeaseTerminated, id, organizationID, LeaseActive)
	if err != nil {
		return fmt.Errorf("failed to terminate lease: %w", err)
	}
	return requireAffected(result)
}

// ExpireLeases transitions active leases whose end date passed. Run by
// the janitor.
func (s *Store) ExpireLeases(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE leases SET status = $1, updated_at = NOW()
		WHERE status = $2 AND end_date < $3
	`, LeaseExpired, LeaseActive, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire leases: %w", err)
	}
	return result.RowsAffected()
}

// CreatePayment inserts a payment record
func (s *Store) CreatePayment(ctx context.Context, p *Payment) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = PaymentPending
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO payments (id, organization_id, lease_id, tenant_id, amount, method, status, paid_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		RETURNING created_at, updated_at
	`, p.ID, p.OrganizationID, p.LeaseID, p.TenantID, p.Amount, p.Method, p.Status, p.PaidAt).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// GetPayment retrieves a payment by ID, unscoped for tenancy checks
func (s *Store) GetPayment(ctx context.Context, id string) (*Payment, error) {
	p := &Payment{}
	err := storage.WithRetry(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT id, organization_id, lease_id, tenant_id, amount, COALESCE(method, ''), status, paid_at, created_at, updated_at
			FROM payments WHERE id = $1
		`, id).Scan(&p.ID, &p.OrganizationID, &p.LeaseID, &p.TenantID, &p.Amount, &p.Method, &p.Status, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// ListPayments lists an organization's payments, newest first
func (s *Store) ListPayments(ctx context.Context, organizationID string) ([]*Payment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, lease_id, tenant_id, amount, COALESCE(method, ''), status, paid_at, created_at, updated_at
		FROM payments WHERE organization_id = $1 ORDER BY created_at DESC
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var out []*Payment
	for rows.Next() {
		p := &Payment{}
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.LeaseID, &p.TenantID, &p.Amount, &p.Method, &p.Status, &p.PaidAt, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ApplyPaymentCorrection corrects a payment immediately, outside any
// approval transaction.
func (s *Store) ApplyPaymentCorrection(ctx context.Context, organizationID, id string, c PaymentCorrection) error {
	return updatePayment(ctx, s.db, organizationID, id, c.Amount, c.Method, c.Status, c.PaidAt)
}

// DeletePayment removes a payment record immediately, outside any
// approval transaction.
func (s *Store) DeletePayment(ctx context.Context, organizationID, id string) error {
	return deletePayment(ctx, s.db, organizationID, id)
}

// updatePayment corrects a recorded payment; gated behind approval
func updatePayment(ctx context.Context, q dbtx, organizationID, id string, amount int64, method string, status PaymentStatus, paidAt *time.Time) error {
	result, err := q.ExecContext(ctx, `
		UPDATE payments SET amount = $1, method = NULLIF($2, ''), status = $3, paid_at = $4, updated_at = NOW()
		WHERE id = $5 AND organization_id = $6
	`, amount, method, status, paidAt, id, organizationID)
	if err != nil {
		return fmt.Errorf("failed to update payment: %w", err)
	}
	return requireAffected(result)
}

// deletePayment removes a payment record; gated behind approval
func deletePayment(ctx context.Context, q dbtx, organizationID, id string) error {
	result, err := q.ExecContext(ctx,
		`DELETE FROM payments WHERE id = $1 AND organization_id = $2`, id, organizationID)
	if err != nil {
		return fmt.Errorf("failed to delete payment: %w", err)
	}
	return requireAffected(result)
}
