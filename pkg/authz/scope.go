package authz

import (
	"strings"

	"github.com/google/uuid"

	"github.com/keystone-pm/keystone/pkg/identity"
)

// GlobalScope is the resolved scope of a platform admin acting without an
// explicit organization claim.
const GlobalScope = ""

// ResolveScope determines the active organization for a request from the
// authenticated identity and the explicit claim carried by the request
// (the X-Org-Id header or a token claim). Resolution is pure; the result
// is passed down the call chain explicitly and never re-derived.
//
// Platform admins (SuperAdmin, SuperModerator) may claim any organization
// for cross-tenant operations; with no claim they operate globally. Every
// other role is pinned to its own organization: a claim that names any
// other organization fails with ScopeMismatch, and a role with no
// organization at all (an unassigned agent) fails with
// MissingOrganizationContext.
func ResolveScope(ident *identity.Identity, claim string) (string, error) {
	claim = strings.TrimSpace(claim)

	if ident.Role.IsPlatformAdmin() {
		if claim == "" {
			return GlobalScope, nil
		}
		if err := uuid.Validate(claim); err != nil {
			return "", NewError(CodeMissingOrganizationContext, "malformed organization claim %q", claim)
		}
		return claim, nil
	}

	if ident.OrganizationID == "" {
		return "", NewError(CodeMissingOrganizationContext, "identity %s has no organization", ident.ID)
	}
	if claim != "" && claim != ident.OrganizationID {
		return "", NewError(CodeScopeMismatch, "claimed organization %s does not match identity organization", claim)
	}
	return ident.OrganizationID, nil
}
