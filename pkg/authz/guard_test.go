package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystone-pm/keystone/pkg/audit"
	"github.com/keystone-pm/keystone/pkg/identity"
)

type memRecorder struct {
	entries []*audit.Entry
	err     error
}

func (m *memRecorder) Record(ctx context.Context, entry *audit.Entry) error {
	if m.err != nil {
		return m.err
	}
	m.entries = append(m.entries, entry)
	return nil
}

func (m *memRecorder) Close() error { return nil }

type memOpener struct {
	opened    []ApprovalParams
	abandoned []string
	err       error
}

func (m *memOpener) OpenApproval(ctx context.Context, params ApprovalParams) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.opened = append(m.opened, params)
	return fmt.Sprintf("ar-%d", len(m.opened)), nil
}

func (m *memOpener) AbandonApproval(ctx context.Context, id string) error {
	m.abandoned = append(m.abandoned, id)
	return nil
}

func testIdentity(role identity.Role, org string) *identity.Identity {
	return &identity.Identity{
		ID:             "ident-" + string(role),
		Role:           role,
		OrganizationID: org,
		Status:         identity.StatusActive,
	}
}

func TestGuard_CrossTenantDeniedBeforePolicy(t *testing.T) {
	recorder := &memRecorder{}
	opener := &memOpener{}
	guard := NewGuard(DefaultPolicy(), opener, recorder, nil)

	// agent of org A touching an entity owned by org B: denied for every
	// resource, even ones the table would gate or allow
	for _, resource := range []string{"rentals.properties.view", "rentals.tenants.delete", "orgs.view"} {
		result, err := guard.Authorize(context.Background(), Request{
			Identity:       testIdentity(identity.RoleAgent, orgAlpha),
			OrganizationID: orgAlpha,
			Resource:       resource,
			TargetOrgID:    orgBeta,
		})
		require.NoError(t, err)
		assert.Equal(t, VerdictDeny, result.Verdict, resource)
		assert.Equal(t, CodeCrossTenantAccess, result.DenyCode, resource)
	}

	assert.Empty(t, opener.opened, "cross-tenant denial must not create approval requests")
	require.Len(t, recorder.entries, 3)
	for _, entry := range recorder.entries {
		assert.Equal(t, audit.DecisionDenied, entry.Decision)
		assert.Equal(t, string(CodeCrossTenantAccess), entry.Details["code"])
	}
}

func TestGuard_PlatformAdminsCrossTenant(t *testing.T) {
	recorder := &memRecorder{}
	guard := NewGuard(DefaultPolicy(), &memOpener{}, recorder, nil)

	result, err := guard.Authorize(context.Background(), Request{
		Identity:       testIdentity(identity.RoleSuperModerator, ""),
		OrganizationID: orgAlpha,
		Resource:       "orgs.view",
		TargetOrgID:    orgBeta,
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, result.Verdict)
	assert.False(t, result.AdminBypass, "moderator allow comes from the table, not the bypass")
}

func TestGuard_Allow(t *testing.T) {
	recorder := &memRecorder{}
	guard := NewGuard(DefaultPolicy(), &memOpener{}, recorder, nil)

	result, err := guard.Authorize(context.Background(), Request{
		Identity:       testIdentity(identity.RoleAgent, orgAlpha),
		OrganizationID: orgAlpha,
		Resource:       "rentals.properties.view",
		TargetOrgID:    orgAlpha,
		RequestID:      "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, result.Verdict)

	require.Len(t, recorder.entries, 1)
	entry := recorder.entries[0]
	assert.Equal(t, audit.DecisionAllowed, entry.Decision)
	assert.Equal(t, "req-1", entry.RequestID)
	assert.Nil(t, entry.Details)
}

func TestGuard_SuperAdminBypassFlagged(t *testing.T) {
	recorder := &memRecorder{}
	guard := NewGuard(DefaultPolicy(), &memOpener{}, recorder, nil)

	result, err := guard.Authorize(context.Background(), Request{
		Identity:       testIdentity(identity.RoleSuperAdmin, ""),
		OrganizationID: GlobalScope,
		Resource:       "resource.no.rule.grants",
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, result.Verdict)
	assert.True(t, result.AdminBypass)

	require.Len(t, recorder.entries, 1)
	assert.Equal(t, audit.DecisionAllowed, recorder.entries[0].Decision)
	assert.Equal(t, true, recorder.entries[0].Details["superadmin_bypass"])
}

func TestGuard_PermissionOverride(t *testing.T) {
	recorder := &memRecorder{}
	guard := NewGuard(DefaultPolicy(), &memOpener{}, recorder, nil)

	ident := testIdentity(identity.RoleAgent, orgAlpha)
	ident.PermissionOverrides = []string{"audit.view"}

	result, err := guard.Authorize(context.Background(), Request{
		Identity:       ident,
		OrganizationID: orgAlpha,
		Resource:       "audit.view",
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictAllow, result.Verdict)
	assert.Equal(t, true, recorder.entries[0].Details["permission_override"])
}

func TestGuard_DeferCreatesApprovalRequest(t *testing.T) {
	recorder := &memRecorder{}
	opener := &memOpener{}
	guard := NewGuard(DefaultPolicy(), opener, recorder, nil)

	payload := json.RawMessage(`{"tenant_id":"t-9"}`)
	result, err := guard.Authorize(context.Background(), Request{
		Identity:       testIdentity(identity.RoleAgent, orgAlpha),
		OrganizationID: orgAlpha,
		Resource:       "rentals.tenants.delete",
		TargetOrgID:    orgAlpha,
		TargetKind:     "tenant",
		TargetID:       "t-9",
		Payload:        payload,
		Priority:       "high",
	})
	require.NoError(t, err)
	assert.Equal(t, VerdictDefer, result.Verdict)
	assert.Equal(t, "ar-1", result.ApprovalRequestID)

	require.Len(t, opener.opened, 1)
	params := opener.opened[0]
	assert.Equal(t, "rentals.tenants.delete", params.Type)
	assert.Equal(t, orgAlpha, params.OrganizationID)
	assert.Equal(t, payload, params.Payload)
	assert.Equal(t, []identity.Role{identity.RoleLandlord}, params.ApproverRoles,
		"approver roles are captured from the winning rule")

	require.Len(t, recorder.entries, 1)
	assert.Equal(t, audit.DecisionQueued, recorder.entries[0].Decision)
	assert.Equal(t, "ar-1", recorder.entries[0].Details["approval_request_id"])
}

func TestGuard_DeferIsNotIdempotent(t *testing.T) {
	opener := &memOpener{}
	guard := NewGuard(DefaultPolicy(), opener, &memRecorder{}, nil)

	req := Request{
		Identity:       testIdentity(identity.RoleAgent, orgAlpha),
		OrganizationID: orgAlpha,
		Resource:       "rentals.tenants.delete",
		TargetOrgID:    orgAlpha,
	}

	first, err := guard.Authorize(context.Background(), req)
	require.NoError(t, err)
	second, err := guard.Authorize(context.Background(), req)
	require.NoError(t, err)

	// each gated attempt opens its own request
	assert.NotEqual(t, first.ApprovalRequestID, second.ApprovalRequestID)
	assert.Len(t, opener.opened, 2)
}

func TestGuard_AllowAndDenyAreIdempotent(t *testing.T) {
	guard := NewGuard(DefaultPolicy(), &memOpener{}, &memRecorder{}, nil)

	allowReq := Request{
		Identity:       testIdentity(identity.RoleLandlord, orgAlpha),
		OrganizationID: orgAlpha,
		Resource:       "orgs.view",
	}
	denyReq := Request{
		Identity:       testIdentity(identity.RoleTenant, orgAlpha),
		OrganizationID: orgAlpha,
		Resource:       "orgs.update",
	}

	for i := 0; i < 2; i++ {
		result, err := guard.Authorize(context.Background(), allowReq)
		require.NoError(t, err)
		assert.Equal(t, VerdictAllow, result.Verdict)

		result, err = guard.Authorize(context.Background(), denyReq)
		require.NoError(t, err)
		assert.Equal(t, VerdictDeny, result.Verdict)
		assert.Equal(t, CodeRoleNotPermitted, result.DenyCode)
	}
}

func TestGuard_AuditFailureIsFailClosed(t *testing.T) {
	recorder := &memRecorder{err: errors.New("audit db down")}
	guard := NewGuard(DefaultPolicy(), &memOpener{}, recorder, nil)

	// an allow the policy would grant is downgraded to an error when it
	// cannot be recorded
	_, err := guard.Authorize(context.Background(), Request{
		Identity:       testIdentity(identity.RoleLandlord, orgAlpha),
		OrganizationID: orgAlpha,
		Resource:       "orgs.view",
	})
	require.Error(t, err)
	assert.Equal(t, CodeAuditWriteFailed, CodeOf(err))

	// deny paths surface the failure too: a silent audit gap is never OK
	_, err = guard.Authorize(context.Background(), Request{
		Identity:       testIdentity(identity.RoleTenant, orgAlpha),
		OrganizationID: orgAlpha,
		Resource:       "orgs.update",
	})
	require.Error(t, err)
	assert.Equal(t, CodeAuditWriteFailed, CodeOf(err))
}

func TestGuard_QueuedAuditFailureAbandonsApproval(t *testing.T) {
	recorder := &memRecorder{err: errors.New("audit db down")}
	opener := &memOpener{}
	guard := NewGuard(DefaultPolicy(), opener, recorder, nil)

	_, err := guard.Authorize(context.Background(), Request{
		Identity:       testIdentity(identity.RoleAgent, orgAlpha),
		OrganizationID: orgAlpha,
		Resource:       "rentals.tenants.delete",
	})
	require.Error(t, err)
	assert.Equal(t, CodeAuditWriteFailed, CodeOf(err))

	// the request was opened but never acknowledged; it must not stay in
	// the queue without its trail entry
	require.Len(t, opener.opened, 1)
	assert.Equal(t, []string{"ar-1"}, opener.abandoned)
}

func TestGuard_OpenApprovalFailure(t *testing.T) {
	recorder := &memRecorder{}
	opener := &memOpener{err: errors.New("storage down")}
	guard := NewGuard(DefaultPolicy(), opener, recorder, nil)

	_, err := guard.Authorize(context.Background(), Request{
		Identity:       testIdentity(identity.RoleAgent, orgAlpha),
		OrganizationID: orgAlpha,
		Resource:       "rentals.tenants.delete",
	})
	require.Error(t, err)
	assert.Empty(t, recorder.entries, "no queued entry for a request that was never opened")
}
