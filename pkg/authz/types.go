package authz

import (
	"github.com/keystone-pm/keystone/pkg/identity"
)

// Outcome is the result of a policy table lookup for a (role, resource)
// pair.
type Outcome int

const (
	// OutcomeDenied refuses the action outright
	OutcomeDenied Outcome = iota
	// OutcomeAllowedWithApproval permits the action only after a second
	// eligible identity approves it
	OutcomeAllowedWithApproval
	// OutcomeAllowed permits the action immediately
	OutcomeAllowed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAllowed:
		return "allowed"
	case OutcomeAllowedWithApproval:
		return "allowed_with_approval"
	default:
		return "denied"
	}
}

// Rule is one entry in the static role/permission table. Resource names
// are dotted capability paths ("rentals.tenants.delete"); a trailing ".*"
// matches the whole subtree and a bare "*" matches everything.
type Rule struct {
	Resource         string
	AllowedRoles     []identity.Role
	RequiresApproval bool
	ApproverRoles    []identity.Role
}

func (r Rule) permits(role identity.Role) bool {
	for _, allowed := range r.AllowedRoles {
		if allowed == role {
			return true
		}
	}
	return false
}

// PolicyDecision is the outcome of evaluating the table for a role and
// resource.
type PolicyDecision struct {
	Outcome Outcome
	// ApproverRoles is populated when Outcome is AllowedWithApproval; it is
	// captured onto the approval request at creation time.
	ApproverRoles []identity.Role
	// MatchedRule is the resource pattern of the winning rule, empty when
	// nothing matched (deny by default) or the admin bypass applied.
	MatchedRule string
	// AdminBypass marks an allow that came from the SuperAdmin escape hatch
	// rather than the table. The flag travels into the audit entry so bypass
	// allows stay distinguishable from ordinary ones.
	AdminBypass bool
	// Override marks an allow granted by a per-identity permission override
	// rather than the role table.
	Override bool
}

// Verdict is the guard's answer for one request
type Verdict int

const (
	// VerdictDeny refuses the request; DenyCode carries the reason
	VerdictDeny Verdict = iota
	// VerdictAllow permits the caller to execute the action now
	VerdictAllow
	// VerdictDefer parks the action behind a pending approval request
	VerdictDefer
)

func (v Verdict) String() string {
	switch v {
	case VerdictAllow:
		return "allow"
	case VerdictDefer:
		return "defer"
	default:
		return "deny"
	}
}

// GuardResult is returned by Guard.Authorize. Deny is a result, not an
// error: the request was handled correctly, the answer is no.
type GuardResult struct {
	Verdict Verdict
	// DenyCode is set when Verdict is VerdictDeny
	DenyCode Code
	// ApprovalRequestID is set when Verdict is VerdictDefer
	ApprovalRequestID string
	// AdminBypass mirrors PolicyDecision.AdminBypass for allows
	AdminBypass bool
}
