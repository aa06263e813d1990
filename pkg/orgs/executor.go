package orgs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/keystone-pm/keystone/pkg/approvals"
	"github.com/keystone-pm/keystone/pkg/identity"
)

// Approval-gated membership and organization mutation types
const (
	TypeMemberRoleChange = "identities.role.change"
	TypeMemberRemove     = "identities.remove"
	TypeSuspend          = "orgs.suspend"
)

// RoleChange is the payload for TypeMemberRoleChange requests
type RoleChange struct {
	Role identity.Role `json:"role"`
}

// Executor applies approved membership and organization mutations inside
// the approval's transaction. Member removal is a soft delete: the
// identity is suspended, not erased, so audit references stay resolvable.
type Executor struct{}

// NewExecutor creates the membership mutation executor
func NewExecutor() *Executor {
	return &Executor{}
}

// Execute applies the mutation named by req.Type against req.Target
func (e *Executor) Execute(ctx context.Context, tx *sql.Tx, req *approvals.Request) error {
	switch req.Type {
	case TypeMemberRoleChange:
		var change RoleChange
		if err := json.Unmarshal(req.Payload, &change); err != nil {
			return fmt.Errorf("failed to decode role change: %w", err)
		}
		if !change.Role.IsValid() {
			return fmt.Errorf("invalid role %q", change.Role)
		}
		if change.Role.IsPlatformAdmin() {
			return fmt.Errorf("cannot grant platform role %q through approval", change.Role)
		}
		return execAffectingOne(ctx, tx, `
			UPDATE identities SET role = $1, updated_at = NOW()
			WHERE id = $2 AND organization_id = $3
		`, change.Role, req.Target.ID, req.OrganizationID)
	case TypeMemberRemove:
		return execAffectingOne(ctx, tx, `
			UPDATE identities SET status = $1, updated_at = NOW()
			WHERE id = $2 AND organization_id = $3
		`, identity.StatusRemoved, req.Target.ID, req.OrganizationID)
	case TypeSuspend:
		return execAffectingOne(ctx, tx, `
			UPDATE organizations SET status = $1, updated_at = NOW()
			WHERE id = $2 AND status = $3
		`, StatusSuspended, req.Target.ID, StatusActive)
	default:
		return fmt.Errorf("unknown approval type %q", req.Type)
	}
}

func execAffectingOne(ctx context.Context, tx *sql.Tx, query string, args ...interface{}) error {
	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to apply mutation: %w", err)
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
