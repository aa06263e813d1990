package orgs

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrInvitationNotFound is returned for an unknown or revoked token
	ErrInvitationNotFound = errors.New("invitation not found")
	// ErrInvitationExpired is returned when the token is past its expiry
	ErrInvitationExpired = errors.New("invitation expired")
	// ErrInvitationAccepted is returned on a second acceptance attempt
	ErrInvitationAccepted = errors.New("invitation already accepted")
)

const invitationTTL = 7 * 24 * time.Hour

// CreateInvitation issues an invitation token for an email address
func (s *PostgresService) CreateInvitation(ctx context.Context, inv *Invitation) error {
	if !inv.Role.IsValid() || inv.Role.IsPlatformAdmin() {
		return fmt.Errorf("invalid invitation role: %s", inv.Role)
	}
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.Token == "" {
		token, err := generateInviteToken()
		if err != nil {
			return err
		}
		inv.Token = token
	}
	if inv.ExpiresAt.IsZero() {
		inv.ExpiresAt = time.Now().UTC().Add(invitationTTL)
	}

	query := `
		INSERT INTO org_invitations (id, organization_id, email, role, token, invited_by, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`
	err := s.db.QueryRowContext(ctx, query,
		inv.ID, inv.OrganizationID, inv.Email, inv.Role, inv.Token, inv.InvitedBy, inv.ExpiresAt,
	).Scan(&inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create invitation: %w", err)
	}
	return nil
}

const invitationColumns = `id, organization_id, email, role, token, invited_by, expires_at, accepted_at, COALESCE(accepted_by, ''), created_at`

func scanInvitation(row interface{ Scan(...interface{}) error }) (*Invitation, error) {
	inv := &Invitation{}
	err := row.Scan(
		&inv.ID, &inv.OrganizationID, &inv.Email, &inv.Role, &inv.Token,
		&inv.InvitedBy, &inv.ExpiresAt, &inv.AcceptedAt, &inv.AcceptedBy, &inv.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrInvitationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan invitation: %w", err)
	}
	return inv, nil
}

// GetInvitation looks up an invitation by token
func (s *PostgresService) GetInvitation(ctx context.Context, token string) (*Invitation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invitationColumns+` FROM org_invitations WHERE token = $1`, token)
	return scanInvitation(row)
}

// ListInvitations lists open invitations for an organization
func (s *PostgresService) ListInvitations(ctx context.Context, organizationID string) ([]*Invitation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+invitationColumns+`
		FROM org_invitations
		WHERE organization_id = $1 AND accepted_at IS NULL AND expires_at > NOW()
		ORDER BY created_at DESC
	`, organizationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list invitations: %w", err)
	}
	defer rows.Close()

	var out []*Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

// AcceptInvitation marks an invitation accepted by the identity created
// from it. Acceptance is one-shot; the conditional update rejects a token
// that was already used.
func (s *PostgresService) AcceptInvitation(ctx context.Context, token, identityID string) (*Invitation, error) {
	inv, err := s.GetInvitation(ctx, token)
	if err != nil {
		return nil, err
	}
	if inv.AcceptedAt != nil {
		return nil, ErrInvitationAccepted
	}
	if time.Now().After(inv.ExpiresAt) {
		return nil, ErrInvitationExpired
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE org_invitations
		SET accepted_at = NOW(), accepted_by = $1
		WHERE token = $2 AND accepted_at IS NULL
	`, identityID, token)
	if err != nil {
		return nil, fmt.Errorf("failed to accept invitation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return nil, ErrInvitationAccepted
	}

	now := time.Now().UTC()
	inv.AcceptedAt = &now
	inv.AcceptedBy = identityID
	return inv, nil
}

// RevokeInvitation deletes an unaccepted invitation
func (s *PostgresService) RevokeInvitation(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM org_invitations WHERE id = $1 AND accepted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to revoke invitation: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrInvitationNotFound
	}
	return nil
}

// CleanupExpiredInvitations removes stale unaccepted invitations; run by
// the janitor.
func (s *PostgresService) CleanupExpiredInvitations(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM org_invitations WHERE accepted_at IS NULL AND expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup expired invitations: %w", err)
	}
	return result.RowsAffected()
}

func generateInviteToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate invitation token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
