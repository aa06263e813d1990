package rentals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/keystone-pm/keystone/pkg/storage"
)

// ErrNotFound is returned when no entity matches
var ErrNotFound = errors.New("entity not found")

// dbtx is satisfied by both *sql.DB and *sql.Tx so gated mutations can run
// inside the approval transaction.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store persists the rentals domain in PostgreSQL
type Store struct {
	db *sql.DB
}

// NewStore creates the store and ensures the domain tables exist
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &Store{db: db}
	if err := s.ensureTables(); err != nil {
		return nil, fmt.Errorf("failed to ensure rentals tables: %w", err)
	}
	return s, nil
}

func (s *Store) ensureTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS properties (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		name VARCHAR(255) NOT NULL,
		address TEXT NOT NULL,
		units INTEGER NOT NULL DEFAULT 1,
		image_url TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		property_id TEXT NOT NULL REFERENCES properties(id),
		name VARCHAR(255) NOT NULL,
		email VARCHAR(255) NOT NULL,
		phone VARCHAR(50),
		unit VARCHAR(50) NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'active',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS leases (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		property_id TEXT NOT NULL REFERENCES properties(id),
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		start_date TIMESTAMP WITH TIME ZONE NOT NULL,
		end_date TIMESTAMP WITH TIME ZONE NOT NULL,
		rent_amount BIGINT NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'active',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		lease_id TEXT NOT NULL REFERENCES leases(id),
		tenant_id TEXT NOT NULL REFERENCES tenants(id),
		amount BIGINT NOT NULL,
		method VARCHAR(50),
		status VARCHAR(16) NOT NULL DEFAULT 'pending',
		paid_at TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS expenses (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		property_id TEXT NOT NULL REFERENCES properties(id),
		category VARCHAR(100) NOT NULL,
		amount BIGINT NOT NULL,
		description TEXT,
		incurred_at TIMESTAMP WITH TIME ZONE NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS maintenance_requests (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		property_id TEXT NOT NULL REFERENCES properties(id),
		tenant_id TEXT,
		description TEXT NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'open',
		priority VARCHAR(10) NOT NULL DEFAULT 'medium',
		reported_by TEXT NOT NULL,
		assigned_to TEXT,
		category VARCHAR(100),
		notes TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_properties_org ON properties(organization_id);
	CREATE INDEX IF NOT EXISTS idx_tenants_org ON tenants(organization_id);
	CREATE INDEX IF NOT EXISTS idx_tenants_property ON tenants(property_id);
	CREATE INDEX IF NOT EXISTS idx_leases_org ON leases(organization_id);
	CREATE INDEX IF NOT EXISTS idx_payments_org ON payments(organization_id);
	CREATE INDEX IF NOT EXISTS idx_payments_lease ON payments(lease_id);
	CREATE INDEX IF NOT EXISTS idx_expenses_org ON expenses(organization_id);
	CREATE INDEX IF NOT EXISTS idx_maintenance_org ON maintenance_requests(organization_id);
	`
	_, err := s.db.Exec(query)
	return err
}

func requireAffected(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateProperty inserts a property
func (s *Store) CreateProperty(ctx context.Context, p *Property) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Units <= 0 {
		p.Units = 1
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO properties (id, organization_id, name, address, units, image_url)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
		RETURNING created_at, updated_at
	`, p.ID, p.OrganizationID, p.Name, p.Address, p.Units, p.ImageURL).
		Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create property: %w", err)
	}
	return nil
}

// GetProperty retrieves a property by ID, unscoped so callers can compare
// its organization against the resolved scope.
func (s *Store) GetProperty(ctx context.Context, id string) (*Property, error) {
	p := &Property{}
	err := storage.WithRetry(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT id, organization_id, name, address, units, COALESCE(image_url, ''), created_at, updated_at
			FROM properties WHERE id = $1
		`, id).Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Address, &p.Units, &p.ImageURL, &p.CreatedAt, &p.UpdatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get property: %w", err)
	}
	return p, nil
}

// ListProperties lists an organization's properties
func (s *Store) ListProperties(ctx context.Context, organizationID string) ([]*Property, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, name, address, units, COALESCE(image_url, ''), created_at, updated_at
		FROM properties WHERE organization_id = $1 ORDER BY created_at ASC
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list properties: %w", err)
	}
	defer rows.Close()

	var out []*Property
	for rows.Next() {
		p := &Property{}
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Address, &p.Units, &p.ImageURL, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan property: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// UpdateProperty updates mutable property fields
func (s *Store) UpdateProperty(ctx context.Context, p *Property) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE properties SET name = $1, address = $2, units = $3, image_url = NULLIF($4, ''), updated_at = NOW()
		WHERE id = $5 AND organization_id = $6
	`, p.Name, p.Address, p.Units, p.ImageURL, p.ID, p.OrganizationID)
	if err != nil {
		return fmt.Errorf("failed to update property: %w", err)
	}
	return requireAffected(result)
}

// DeleteProperty removes a property immediately, outside any approval
// transaction. Used for guard verdicts that allow outright.
func (s *Store) DeleteProperty(ctx context.Context, organizationID, id string) error {
	return deleteProperty(ctx, s.db, organizationID, id)
}

// deleteProperty removes a property; gated behind approval, so it takes
// the approval transaction.
func deleteProperty(ctx context.Context, q dbtx, organizationID, id string) error {
	result, err := q.ExecContext(ctx,
		`DELETE FROM properties WHERE id = $1 AND organization_id = $2`, id, organizationID)
	if err != nil {
		return fmt.Errorf("failed to delete property: %w", err)
	}
	return requireAffected(result)
}

// CreateTenant inserts a renter record
func (s *Store) CreateTenant(ctx context.Context, t *Tenant) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Status == "" {
		t.Status = TenantActive
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tenants (id, organization_id, property_id, name, email, phone, unit, status)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
		RETURNING created_at, updated_at
	`, t.ID, t.OrganizationID, t.PropertyID, t.Name, t.Email, t.Phone, t.Unit, t.Status).
		Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create tenant: %w", err)
	}
	return nil
}

// GetTenant retrieves a renter by ID, unscoped for tenancy checks
func (s *Store) GetTenant(ctx context.Context, id string) (*Tenant, error) {
	t := &Tenant{}
	err := storage.WithRetry(ctx, func(ctx context.Context) error {
		return s.db.QueryRowContext(ctx, `
			SELECT id, organization_id, property_id, name, email, COALESCE(phone, ''), unit, status, created_at, updated_at
			FROM tenants WHERE id = $1
		`, id).Scan(&t.ID, &t.OrganizationID, &t.PropertyID, &t.Name, &t.Email, &t.Phone, &t.Unit, &t.Status, &t.CreatedAt, &t.UpdatedAt)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

// ListTenants lists an organization's renters
func (s *Store) ListTenants(ctx context.Context, organizationID string) ([]*Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, property_id, name, email, COALESCE(phone, ''), unit, status, created_at, updated_at
		FROM tenants WHERE organization_id = $1 ORDER BY created_at ASC
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		t := &Tenant{}
		if err := rows.Scan(&t.ID, &t.OrganizationID, &t.PropertyID, &t.Name, &t.Email, &t.Phone, &t.Unit, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTenant updates mutable renter fields
func (s *Store) UpdateTenant(ctx context.Context, t *Tenant) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE tenants SET name = $1, email = $2, phone = NULLIF($3, ''), unit = $4, status = $5, updated_at = NOW()
		WHERE id = $6 AND organization_id = $7
	`, t.Name, t.Email, t.Phone, t.Unit, t.Status, t.ID, t.OrganizationID)
	if err != nil {
		return fmt.Errorf("failed to update tenant: %w", err)
	}
	return requireAffected(result)
}

// DeleteTenant removes a renter immediately, outside any approval
// transaction.
func (s *Store) DeleteTenant(ctx context.Context, organizationID, id string) error {
	return deleteTenant(ctx, s.db, organizationID, id)
}

// deleteTenant removes a renter; gated behind approval
func deleteTenant(ctx context.Context, q dbtx, organizationID, id string) error {
	result, err := q.ExecContext(ctx,
		`DELETE FROM tenants WHERE id = $1 AND organization_id = $2`, id, organizationID)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	return requireAffected(result)
}
