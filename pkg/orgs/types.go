package orgs

import (
	"time"

	"github.com/keystone-pm/keystone/pkg/identity"
)

// Status represents organization status
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
)

// Organization is the tenancy boundary
type Organization struct {
	ID              string         `json:"id"`
	Name            string         `json:"name"`
	OwnerIdentityID string         `json:"owner_identity_id"`
	Status          Status         `json:"status"`
	SubscriptionID  string         `json:"subscription_id,omitempty"`
	Settings        map[string]any `json:"settings,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// IsActive reports whether the organization may serve requests
func (o *Organization) IsActive() bool {
	return o.Status == StatusActive
}

// Invitation invites an email address into an organization with a role.
// Accepting it creates the identity inside the organization.
type Invitation struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organization_id"`
	Email          string        `json:"email"`
	Role           identity.Role `json:"role"`
	Token          string        `json:"token,omitempty"`
	InvitedBy      string        `json:"invited_by"`
	ExpiresAt      time.Time     `json:"expires_at"`
	AcceptedAt     *time.Time    `json:"accepted_at,omitempty"`
	AcceptedBy     string        `json:"accepted_by,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// Usage tracks per-organization activity for the current billing period.
// The janitor rolls periods over monthly.
type Usage struct {
	OrganizationID  string    `json:"organization_id"`
	PeriodStart     time.Time `json:"period_start"`
	PeriodEnd       time.Time `json:"period_end"`
	APIRequests     int64     `json:"api_requests"`
	PropertiesCount int       `json:"properties_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// CreateRequest is the payload for creating an organization
type CreateRequest struct {
	Name            string         `json:"name"`
	OwnerIdentityID string         `json:"owner_identity_id"`
	Settings        map[string]any `json:"settings,omitempty"`
}

// UpdateRequest is the payload for updating an organization
type UpdateRequest struct {
	Name     *string        `json:"name,omitempty"`
	Settings map[string]any `json:"settings,omitempty"`
}

// InviteRequest is the payload for inviting a member
type InviteRequest struct {
	Email string        `json:"email"`
	Role  identity.Role `json:"role"`
}
