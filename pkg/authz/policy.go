package authz

import (
	"strings"

	"github.com/keystone-pm/keystone/pkg/identity"
)

// Policy is the role/permission table, loaded once at process start and
// immutable afterwards. Lookup is pure; no I/O.
type Policy struct {
	rules []Rule
}

// NewPolicy creates a policy from an explicit rule set
func NewPolicy(rules []Rule) *Policy {
	return &Policy{rules: rules}
}

// Rules returns a copy of the table for inspection
func (p *Policy) Rules() []Rule {
	out := make([]Rule, len(p.rules))
	copy(out, p.rules)
	return out
}

// Evaluate resolves the outcome for a role acting on a resource.
//
// The most specific matching rule wins (longest resource pattern); when
// several rules tie on specificity the most restrictive outcome wins
// (Denied over AllowedWithApproval over Allowed). A resource with no
// matching rule is denied. SuperAdmin bypasses the table entirely; the
// bypass is flagged so audit entries can tell it apart from a table allow.
func (p *Policy) Evaluate(role identity.Role, resource string) PolicyDecision {
	if role == identity.RoleSuperAdmin {
		return PolicyDecision{Outcome: OutcomeAllowed, AdminBypass: true}
	}

	best := PolicyDecision{Outcome: OutcomeDenied}
	bestSpecificity := -1

	for _, rule := range p.rules {
		specificity, ok := matchResource(rule.Resource, resource)
		if !ok {
			continue
		}

		outcome := OutcomeDenied
		var approvers []identity.Role
		if rule.permits(role) {
			if rule.RequiresApproval {
				outcome = OutcomeAllowedWithApproval
				approvers = rule.ApproverRoles
			} else {
				outcome = OutcomeAllowed
			}
		}

		switch {
		case specificity > bestSpecificity:
			best = PolicyDecision{Outcome: outcome, ApproverRoles: approvers, MatchedRule: rule.Resource}
			bestSpecificity = specificity
		case specificity == bestSpecificity && outcome < best.Outcome:
			best = PolicyDecision{Outcome: outcome, ApproverRoles: approvers, MatchedRule: rule.Resource}
		}
	}

	return best
}

// matchResource reports whether a rule pattern covers a resource and how
// specific the match is. Exact names outrank wildcard subtrees, longer
// prefixes outrank shorter ones.
func matchResource(pattern, resource string) (specificity int, ok bool) {
	if pattern == resource {
		return len(pattern) + 1, true
	}
	if pattern == "*" {
		return 0, true
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := pattern[:len(pattern)-1] // keep the trailing dot
		if strings.HasPrefix(resource, prefix) {
			return len(prefix), true
		}
	}
	return 0, false
}

// DefaultPolicy returns the deployed rule table.
//
// SuperModerator appears explicitly wherever platform staff may act;
// SuperAdmin is absent because the bypass in Evaluate covers it. Renters
// (role tenant) only see their own leases, payments, and maintenance
// requests; row filtering is the store's job, this table only gates the
// capability.
func DefaultPolicy() *Policy {
	var (
		staff    = []identity.Role{identity.RoleLandlord, identity.RoleAgent}
		everyone = []identity.Role{identity.RoleLandlord, identity.RoleAgent, identity.RoleTenant, identity.RoleSuperModerator}
		owners   = []identity.Role{identity.RoleLandlord, identity.RoleSuperModerator}
	)

	return NewPolicy([]Rule{
		// identity administration
		{Resource: "identities.view", AllowedRoles: append(staff, identity.RoleSuperModerator)},
		{Resource: "identities.create", AllowedRoles: owners},
		{Resource: "identities.update", AllowedRoles: owners},
		{Resource: "identities.role.change", AllowedRoles: owners, RequiresApproval: true,
			ApproverRoles: owners},
		{Resource: "identities.remove", AllowedRoles: owners, RequiresApproval: true,
			ApproverRoles: owners},

		// organization management
		{Resource: "orgs.view", AllowedRoles: everyone},
		{Resource: "orgs.update", AllowedRoles: owners},
		{Resource: "orgs.members.manage", AllowedRoles: owners},
		{Resource: "orgs.suspend", AllowedRoles: []identity.Role{identity.RoleSuperModerator},
			RequiresApproval: true, ApproverRoles: []identity.Role{identity.RoleSuperModerator}},

		// rentals: staff manage the subtree, renters get narrow read slices
		{Resource: "rentals.*", AllowedRoles: append(staff, identity.RoleSuperModerator)},
		{Resource: "rentals.leases.view", AllowedRoles: everyone},
		{Resource: "rentals.payments.view", AllowedRoles: everyone},
		{Resource: "rentals.maintenance.view", AllowedRoles: everyone},
		{Resource: "rentals.maintenance.create", AllowedRoles: append(staff, identity.RoleTenant)},

		// sensitive rental mutations are approval-gated
		{Resource: "rentals.properties.delete", AllowedRoles: []identity.Role{identity.RoleLandlord},
			RequiresApproval: true, ApproverRoles: []identity.Role{identity.RoleLandlord}},
		{Resource: "rentals.tenants.delete", AllowedRoles: staff, RequiresApproval: true,
			ApproverRoles: []identity.Role{identity.RoleLandlord}},
		{Resource: "rentals.leases.terminate", AllowedRoles: staff, RequiresApproval: true,
			ApproverRoles: []identity.Role{identity.RoleLandlord}},
		{Resource: "rentals.payments.update", AllowedRoles: staff, RequiresApproval: true,
			ApproverRoles: []identity.Role{identity.RoleLandlord}},
		{Resource: "rentals.payments.delete", AllowedRoles: []identity.Role{identity.RoleLandlord},
			RequiresApproval: true, ApproverRoles: []identity.Role{identity.RoleLandlord}},
		{Resource: "rentals.expenses.delete", AllowedRoles: []identity.Role{identity.RoleLandlord},
			RequiresApproval: true, ApproverRoles: []identity.Role{identity.RoleLandlord}},

		// approvals and audit
		{Resource: "approvals.view", AllowedRoles: append(staff, identity.RoleSuperModerator)},
		{Resource: "approvals.decide", AllowedRoles: append(staff, identity.RoleSuperModerator)},
		{Resource: "audit.view", AllowedRoles: owners},
		{Resource: "audit.export", AllowedRoles: owners},

		// billing
		{Resource: "billing.view", AllowedRoles: owners},
		{Resource: "billing.update", AllowedRoles: []identity.Role{identity.RoleLandlord}},
	})
}
