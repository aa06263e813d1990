package authz

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystone-pm/keystone/pkg/identity"
)

const (
	orgAlpha = "3f1d2c4e-8a91-4c5e-9b3a-0d6f7e8a9b1c"
	orgBeta  = "7a2b3c4d-5e6f-4a8b-9c1d-2e3f4a5b6c7d"
)

func TestResolveScope_TenantRoles(t *testing.T) {
	agent := &identity.Identity{ID: "agent-1", Role: identity.RoleAgent, OrganizationID: orgAlpha}

	t.Run("no claim defaults to own organization", func(t *testing.T) {
		scope, err := ResolveScope(agent, "")
		require.NoError(t, err)
		assert.Equal(t, orgAlpha, scope)
	})

	t.Run("matching claim accepted", func(t *testing.T) {
		scope, err := ResolveScope(agent, orgAlpha)
		require.NoError(t, err)
		assert.Equal(t, orgAlpha, scope)
	})

	t.Run("foreign claim fails with ScopeMismatch", func(t *testing.T) {
		_, err := ResolveScope(agent, orgBeta)
		require.Error(t, err)
		assert.Equal(t, CodeScopeMismatch, CodeOf(err))
	})

	t.Run("unassigned agent fails with MissingOrganizationContext", func(t *testing.T) {
		orphan := &identity.Identity{ID: "agent-2", Role: identity.RoleAgent}
		_, err := ResolveScope(orphan, "")
		require.Error(t, err)
		assert.Equal(t, CodeMissingOrganizationContext, CodeOf(err))
	})
}

func TestResolveScope_PlatformAdmins(t *testing.T) {
	admin := &identity.Identity{ID: "admin-1", Role: identity.RoleSuperAdmin}
	moderator := &identity.Identity{ID: "mod-1", Role: identity.RoleSuperModerator}

	t.Run("claim is trusted cross-tenant", func(t *testing.T) {
		for _, ident := range []*identity.Identity{admin, moderator} {
			scope, err := ResolveScope(ident, orgBeta)
			require.NoError(t, err)
			assert.Equal(t, orgBeta, scope)
		}
	})

	t.Run("no claim means global scope", func(t *testing.T) {
		scope, err := ResolveScope(admin, "")
		require.NoError(t, err)
		assert.Equal(t, GlobalScope, scope)
	})

	t.Run("malformed claim rejected", func(t *testing.T) {
		_, err := ResolveScope(admin, "not-a-uuid")
		require.Error(t, err)
		assert.Equal(t, CodeMissingOrganizationContext, CodeOf(err))
	})

	t.Run("whitespace claim treated as absent", func(t *testing.T) {
		scope, err := ResolveScope(admin, "   ")
		require.NoError(t, err)
		assert.Equal(t, GlobalScope, scope)
	})
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeSelfApproval, CodeOf(NewError(CodeSelfApproval, "no")))
	assert.Equal(t, CodeAuditWriteFailed, CodeOf(WrapError(CodeAuditWriteFailed, errors.New("io"), "audit")))
	assert.Equal(t, Code(""), CodeOf(errors.New("plain")))
}
