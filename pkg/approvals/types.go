package approvals

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/keystone-pm/keystone/pkg/identity"
)

// Status is the lifecycle state of a request. pending is the only
// non-terminal state.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

// Outcome is the decision an approver hands down
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

// Priority orders pending requests for triage
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// IsValid reports whether p is a known priority
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// TargetRef identifies the single entity a deferred mutation touches.
// Kind names the entity type ("property", "tenant", "lease", "payment",
// "expense", "maintenance"); exactly one target per request.
type TargetRef struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

// Request is one pending (or decided) sensitive mutation
type Request struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	RequestedBy    string          `json:"requested_by"`
	OrganizationID string          `json:"organization_id"`
	Target         TargetRef       `json:"target"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Description    string          `json:"description,omitempty"`
	Priority       Priority        `json:"priority"`
	Status         Status          `json:"status"`
	// ApproverRoles is frozen at creation time; later policy edits do not
	// change who may decide an in-flight request.
	ApproverRoles   []identity.Role `json:"approver_roles"`
	DecidedBy       string          `json:"decided_by,omitempty"`
	DecidedAt       *time.Time      `json:"decided_at,omitempty"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// EligibleApprover reports whether a role may decide this request
func (r *Request) EligibleApprover(role identity.Role) bool {
	for _, allowed := range r.ApproverRoles {
		if allowed == role {
			return true
		}
	}
	return false
}

// Executor performs the deferred domain mutation once its request is
// approved. It runs inside the approval transaction: returning an error
// rolls the status transition back and leaves the request pending.
// Implementations must be safe to invoke exactly once per approval.
type Executor interface {
	Execute(ctx context.Context, tx *sql.Tx, req *Request) error
}
