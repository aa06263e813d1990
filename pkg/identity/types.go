// Package identity provides the persisted user model: roles, statuses,
// credentials and API sessions. Identities are never hard-deleted; removal is
// a terminal status transition so audit entries keep a valid actor reference.
package identity

import (
	"time"
)

// Role represents an identity's role in the platform
type Role string

const (
	// RoleSuperAdmin is the platform operator role; it may act across
	// organizations and implicitly passes every permission rule.
	RoleSuperAdmin Role = "super_admin"
	// RoleSuperModerator is a platform staff role with cross-tenant read
	// and moderation rights but no policy bypass.
	RoleSuperModerator Role = "super_moderator"
	// RoleLandlord owns an organization's portfolio and approves agent
	// requests.
	RoleLandlord Role = "landlord"
	// RoleAgent manages properties on behalf of a landlord.
	RoleAgent Role = "agent"
	// RoleTenant is a renter with access to their own lease and payments.
	RoleTenant Role = "tenant"
)

// ValidRoles lists every assignable role
func ValidRoles() []Role {
	return []Role{RoleSuperAdmin, RoleSuperModerator, RoleLandlord, RoleAgent, RoleTenant}
}

// IsValid reports whether the role is one of the defined roles
func (r Role) IsValid() bool {
	switch r {
	case RoleSuperAdmin, RoleSuperModerator, RoleLandlord, RoleAgent, RoleTenant:
		return true
	}
	return false
}

// IsPlatformAdmin reports whether the role may operate across organization
// boundaries (explicit cross-tenant scope).
func (r Role) IsPlatformAdmin() bool {
	return r == RoleSuperAdmin || r == RoleSuperModerator
}

// Status represents an identity's lifecycle state
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusPending   Status = "pending"
	// StatusRemoved is terminal. Removed identities stay in the store so
	// historical audit entries and approval requests resolve.
	StatusRemoved Status = "removed"
)

// Identity represents an authenticated actor
type Identity struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"display_name"`
	Email          string    `json:"email"`
	CredentialHash string    `json:"-"`
	Role           Role      `json:"role"`
	// OrganizationID is empty only for platform admin roles operating
	// without a tenant scope.
	OrganizationID string `json:"organization_id,omitempty"`
	Status         Status `json:"status"`
	// PermissionOverrides grants named capabilities beyond the role's
	// static policy entries.
	PermissionOverrides []string `json:"permission_overrides,omitempty"`
	// ManagedAgentIDs is meaningful only for landlords: the agents this
	// landlord delegates portfolio work to.
	ManagedAgentIDs []string  `json:"managed_agent_ids,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// IsActive reports whether the identity may authenticate
func (i *Identity) IsActive() bool {
	return i.Status == StatusActive
}

// HasOverride reports whether a named capability was granted directly
func (i *Identity) HasOverride(capability string) bool {
	for _, c := range i.PermissionOverrides {
		if c == capability {
			return true
		}
	}
	return false
}

// Session represents an issued API session token. Only the SHA-256 hash of
// the token is stored.
type Session struct {
	ID         string    `json:"id"`
	IdentityID string    `json:"identity_id"`
	TokenHash  string    `json:"-"`
	ExpiresAt  time.Time `json:"expires_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Expired reports whether the session is past its expiry
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}
