package orgs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/keystone-pm/keystone/pkg/storage"
)

// ErrNotFound is returned when no organization matches
var ErrNotFound = errors.New("organization not found")

// PostgresService persists organizations in PostgreSQL
type PostgresService struct {
	db *sql.DB
}

// NewPostgresService creates the service and ensures its tables exist
func NewPostgresService(db *sql.DB) (*PostgresService, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &PostgresService{db: db}
	if err := s.ensureTables(); err != nil {
		return nil, fmt.Errorf("failed to ensure organization tables: %w", err)
	}
	return s, nil
}

func (s *PostgresService) ensureTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS organizations (
		id TEXT PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		owner_identity_id TEXT NOT NULL,
		status VARCHAR(16) NOT NULL DEFAULT 'active',
		subscription_id TEXT,
		settings JSONB,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS org_invitations (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL REFERENCES organizations(id),
		email VARCHAR(255) NOT NULL,
		role VARCHAR(32) NOT NULL,
		token VARCHAR(64) NOT NULL UNIQUE,
		invited_by TEXT NOT NULL,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		accepted_at TIMESTAMP WITH TIME ZONE,
		accepted_by TEXT,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS org_usage (
		organization_id TEXT PRIMARY KEY REFERENCES organizations(id),
		period_start TIMESTAMP WITH TIME ZONE NOT NULL,
		period_end TIMESTAMP WITH TIME ZONE NOT NULL,
		api_requests BIGINT NOT NULL DEFAULT 0,
		properties_count INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_org_invitations_org ON org_invitations(organization_id);
	CREATE INDEX IF NOT EXISTS idx_org_invitations_token ON org_invitations(token);
	`
	_, err := s.db.Exec(query)
	return err
}

// CreateOrganization inserts a new active organization and opens its first
// usage period.
func (s *PostgresService) CreateOrganization(ctx context.Context, org *Organization) error {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	if org.Status == "" {
		org.Status = StatusActive
	}

	settingsJSON, err := json.Marshal(org.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	query := `
		INSERT INTO organizations (id, name, owner_identity_id, status, subscription_id, settings)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
		RETURNING created_at, updated_at
	`
	err = s.db.QueryRowContext(ctx, query,
		org.ID, org.Name, org.OwnerIdentityID, org.Status, org.SubscriptionID, settingsJSON,
	).Scan(&org.CreatedAt, &org.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create organization: %w", err)
	}

	if err := s.initializeUsagePeriod(ctx, org.ID); err != nil {
		return fmt.Errorf("failed to initialize usage period: %w", err)
	}
	return nil
}

const orgColumns = `id, name, owner_identity_id, status, COALESCE(subscription_id, ''), settings, created_at, updated_at`

func scanOrganization(row interface{ Scan(...interface{}) error }) (*Organization, error) {
	org := &Organization{}
	var settingsJSON []byte
	err := row.Scan(
		&org.ID, &org.Name, &org.OwnerIdentityID, &org.Status,
		&org.SubscriptionID, &settingsJSON, &org.CreatedAt, &org.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan organization: %w", err)
	}
	if len(settingsJSON) > 0 {
		if err := json.Unmarshal(settingsJSON, &org.Settings); err != nil {
			return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
		}
	}
	return org, nil
}

// GetOrganization retrieves an organization by ID
func (s *PostgresService) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var org *Organization
	err := storage.WithRetry(ctx, func(ctx context.Context) error {
		var scanErr error
		row := s.db.QueryRowContext(ctx, `SELECT `+orgColumns+` FROM organizations WHERE id = $1`, id)
		org, scanErr = scanOrganization(row)
		return scanErr
	})
	return org, err
}

// DeleteOrganization removes an organization and its usage row outright.
// This unwinds a signup whose owner could not be created; established
// organizations are suspended, never deleted.
func (s *PostgresService) DeleteOrganization(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM org_usage WHERE organization_id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete organization usage: %w", err)
	}
	result, err := s.db.ExecContext(ctx, `DELETE FROM organizations WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete organization: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOrganizations lists all organizations, for platform admins
func (s *PostgresService) ListOrganizations(ctx context.Context) ([]*Organization, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orgColumns+` FROM organizations ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list organizations: %w", err)
	}
	defer rows.Close()

	var out []*Organization
	for rows.Next() {
		org, err := scanOrganization(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

// UpdateOrganization applies a partial update
func (s *PostgresService) UpdateOrganization(ctx context.Context, id string, updates *UpdateRequest) error {
	org, err := s.GetOrganization(ctx, id)
	if err != nil {
		return err
	}

	if updates.Name != nil {
		org.Name = *updates.Name
	}
	if updates.Settings != nil {
		org.Settings = updates.Settings
	}

	settingsJSON, err := json.Marshal(org.Settings)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE organizations SET name = $1, settings = $2, updated_at = NOW() WHERE id = $3
	`, org.Name, settingsJSON, id)
	if err != nil {
		return fmt.Errorf("failed to update organization: %w", err)
	}
	return nil
}

// SetStatus suspends or reactivates an organization
func (s *PostgresService) SetStatus(ctx context.Context, id string, status Status) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("failed to set organization status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SetSubscription links the organization to a billing subscription
func (s *PostgresService) SetSubscription(ctx context.Context, id, subscriptionID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET subscription_id = NULLIF($1, ''), updated_at = NOW() WHERE id = $2`,
		subscriptionID, id)
	if err != nil {
		return fmt.Errorf("failed to set subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// TransferOwnership assigns a new owner identity
func (s *PostgresService) TransferOwnership(ctx context.Context, id, newOwnerID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET owner_identity_id = $1, updated_at = NOW() WHERE id = $2`,
		newOwnerID, id)
	if err != nil {
		return fmt.Errorf("failed to transfer ownership: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
