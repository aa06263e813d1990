package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/keystone-pm/keystone/pkg/storage"
)

var (
	// ErrNotFound is returned when no identity or session matches
	ErrNotFound = errors.New("identity not found")
	// ErrEmailExists is returned when registering a duplicate email
	ErrEmailExists = errors.New("email already registered")
	// ErrMissingOrganization is returned when a tenant-scoped role is
	// created or updated without an organization.
	ErrMissingOrganization = errors.New("organization is required for this role")
)

// Store persists identities and sessions in PostgreSQL
type Store struct {
	db *sql.DB
}

// NewStore creates an identity store and ensures its tables exist
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &Store{db: db}
	if err := s.ensureTables(); err != nil {
		return nil, fmt.Errorf("failed to ensure identity tables: %w", err)
	}
	return s, nil
}

func (s *Store) ensureTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS identities (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		credential_hash TEXT NOT NULL,
		role VARCHAR(32) NOT NULL,
		organization_id TEXT,
		status VARCHAR(16) NOT NULL DEFAULT 'pending',
		permission_overrides TEXT[] NOT NULL DEFAULT '{}',
		managed_agent_ids TEXT[] NOT NULL DEFAULT '{}',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_identities_organization_id ON identities(organization_id);
	CREATE INDEX IF NOT EXISTS idx_identities_email ON identities(email);

	CREATE TABLE IF NOT EXISTS identity_sessions (
		id TEXT PRIMARY KEY,
		identity_id TEXT NOT NULL REFERENCES identities(id),
		token_hash VARCHAR(64) NOT NULL UNIQUE,
		expires_at TIMESTAMP WITH TIME ZONE NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_identity_sessions_token_hash ON identity_sessions(token_hash);
	`
	_, err := s.db.Exec(query)
	return err
}

// validateScope enforces the tenancy invariant: every non-platform-admin
// identity carries exactly one organization.
func validateScope(ident *Identity) error {
	if !ident.Role.IsPlatformAdmin() && ident.OrganizationID == "" {
		return ErrMissingOrganization
	}
	return nil
}

// Create inserts a new identity, assigning an ID when absent
func (s *Store) Create(ctx context.Context, ident *Identity) error {
	if !ident.Role.IsValid() {
		return fmt.Errorf("invalid role: %s", ident.Role)
	}
	if err := validateScope(ident); err != nil {
		return err
	}
	if ident.ID == "" {
		ident.ID = uuid.NewString()
	}
	if ident.Status == "" {
		ident.Status = StatusPending
	}

	query := `
		INSERT INTO identities (id, display_name, email, credential_hash, role, organization_id, status, permission_overrides, managed_agent_ids)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
		RETURNING created_at, updated_at
	`
	err := s.db.QueryRowContext(ctx, query,
		ident.ID, ident.DisplayName, ident.Email, ident.CredentialHash,
		ident.Role, ident.OrganizationID, ident.Status,
		pq.Array(ident.PermissionOverrides), pq.Array(ident.ManagedAgentIDs),
	).Scan(&ident.CreatedAt, &ident.UpdatedAt)

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return ErrEmailExists
	}
	if err != nil {
		return fmt.Errorf("failed to create identity: %w", err)
	}
	return nil
}

const identityColumns = `id, display_name, email, credential_hash, role, COALESCE(organization_id, ''), status, permission_overrides, managed_agent_ids, created_at, updated_at`

func scanIdentity(row interface{ Scan(...interface{}) error }) (*Identity, error) {
	ident := &Identity{}
	err := row.Scan(
		&ident.ID, &ident.DisplayName, &ident.Email, &ident.CredentialHash,
		&ident.Role, &ident.OrganizationID, &ident.Status,
		pq.Array(&ident.PermissionOverrides), pq.Array(&ident.ManagedAgentIDs),
		&ident.CreatedAt, &ident.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan identity: %w", err)
	}
	return ident, nil
}

// GetByID retrieves an identity by ID
func (s *Store) GetByID(ctx context.Context, id string) (*Identity, error) {
	var ident *Identity
	err := storage.WithRetry(ctx, func(ctx context.Context) error {
		var scanErr error
		row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = $1`, id)
		ident, scanErr = scanIdentity(row)
		return scanErr
	})
	return ident, err
}

// GetByEmail retrieves an identity by email
func (s *Store) GetByEmail(ctx context.Context, email string) (*Identity, error) {
	var ident *Identity
	err := storage.WithRetry(ctx, func(ctx context.Context) error {
		var scanErr error
		row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE email = $1`, email)
		ident, scanErr = scanIdentity(row)
		return scanErr
	})
	return ident, err
}

// ListByOrganization lists identities scoped to an organization
func (s *Store) ListByOrganization(ctx context.Context, organizationID string) ([]*Identity, error) {
	query := `SELECT ` + identityColumns + ` FROM identities WHERE organization_id = $1 ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list identities: %w", err)
	}
	defer rows.Close()

	var idents []*Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		idents = append(idents, ident)
	}
	return idents, rows.Err()
}

// Update persists mutable identity fields (profile, role, organization,
// overrides, delegation). Status transitions go through SetStatus.
func (s *Store) Update(ctx context.Context, ident *Identity) error {
	if !ident.Role.IsValid() {
		return fmt.Errorf("invalid role: %s", ident.Role)
	}
	if err := validateScope(ident); err != nil {
		return err
	}

	query := `
		UPDATE identities
		SET display_name = $1, role = $2, organization_id = NULLIF($3, ''),
		    permission_overrides = $4, managed_agent_ids = $5, updated_at = NOW()
		WHERE id = $6
	`
	result, err := s.db.ExecContext(ctx, query,
		ident.DisplayName, ident.Role, ident.OrganizationID,
		pq.Array(ident.PermissionOverrides), pq.Array(ident.ManagedAgentIDs), ident.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update identity: %w", err)
	}
	return requireRow(result)
}

// SetStatus transitions an identity's lifecycle status. Removal is a soft
// delete; the row stays.
func (s *Store) SetStatus(ctx context.Context, id string, status Status) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE identities SET status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("failed to set identity status: %w", err)
	}
	return requireRow(result)
}

// CreateSession stores a new session for an identity
func (s *Store) CreateSession(ctx context.Context, identityID, tokenHash string, ttl time.Duration) (*Session, error) {
	session := &Session{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		TokenHash:  tokenHash,
		ExpiresAt:  time.Now().UTC().Add(ttl),
	}

	query := `
		INSERT INTO identity_sessions (id, identity_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at
	`
	err := s.db.QueryRowContext(ctx, query,
		session.ID, session.IdentityID, session.TokenHash, session.ExpiresAt,
	).Scan(&session.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return session, nil
}

// GetByTokenHash resolves a session token hash to an active identity.
// Expired sessions and non-active identities resolve to ErrNotFound.
func (s *Store) GetByTokenHash(ctx context.Context, tokenHash string) (*Identity, error) {
	query := `
		SELECT ` + prefixColumns("i") + `
		FROM identities i
		JOIN identity_sessions s ON s.identity_id = i.id
		WHERE s.token_hash = $1 AND s.expires_at > NOW() AND i.status = 'active'
	`
	var ident *Identity
	err := storage.WithRetry(ctx, func(ctx context.Context) error {
		var scanErr error
		row := s.db.QueryRowContext(ctx, query, tokenHash)
		ident, scanErr = scanIdentity(row)
		return scanErr
	})
	return ident, err
}

// DeleteSession revokes a session by token hash (logout)
func (s *Store) DeleteSession(ctx context.Context, tokenHash string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM identity_sessions WHERE token_hash = $1`, tokenHash)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return requireRow(result)
}

// DeleteExpiredSessions removes expired sessions; run periodically by the
// janitor.
func (s *Store) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM identity_sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return result.RowsAffected()
}

func prefixColumns(alias string) string {
	return alias + `.id, ` + alias + `.display_name, ` + alias + `.email, ` + alias + `.credential_hash, ` +
		alias + `.role, COALESCE(` + alias + `.organization_id, ''), ` + alias + `.status, ` +
		alias + `.permission_overrides, ` + alias + `.managed_agent_ids, ` + alias + `.created_at, ` + alias + `.updated_at`
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
