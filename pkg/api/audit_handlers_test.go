package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystone-pm/keystone/pkg/audit"
	"github.com/keystone-pm/keystone/pkg/authz"
	"github.com/keystone-pm/keystone/pkg/identity"
)

func TestSearchAudit_PinnedToOwnOrganization(t *testing.T) {
	f := newFixture(t)
	f.addActor("landlord-token", identity.RoleLandlord, orgAlpha)

	// the query asks for another organization; the handler must ignore it
	rr := f.do(t, "GET", "/v1/audit?organization_id="+orgBeta+"&action=rentals.tenants.delete", "landlord-token", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	assert.Equal(t, orgAlpha, f.auditLog.lastFilter.OrganizationID)
	assert.Equal(t, "rentals.tenants.delete", f.auditLog.lastFilter.Action)
}

func TestSearchAudit_GlobalScopeMayFilterByOrg(t *testing.T) {
	f := newFixture(t)
	f.addActor("mod-token", identity.RoleSuperModerator, "")

	rr := f.do(t, "GET", "/v1/audit?organization_id="+orgBeta, "mod-token", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, orgBeta, f.auditLog.lastFilter.OrganizationID)
}

func TestSearchAudit_TimeWindow(t *testing.T) {
	f := newFixture(t)
	f.addActor("landlord-token", identity.RoleLandlord, orgAlpha)

	since := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rr := f.do(t, "GET", "/v1/audit?since="+since.Format(time.RFC3339), "landlord-token", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotNil(t, f.auditLog.lastFilter.Since)
	assert.True(t, f.auditLog.lastFilter.Since.Equal(since))
	assert.Nil(t, f.auditLog.lastFilter.Until)
}

func TestSearchAudit_AgentDenied(t *testing.T) {
	f := newFixture(t)
	f.addActor("agent-token", identity.RoleAgent, orgAlpha)

	rr := f.do(t, "GET", "/v1/audit", "agent-token", nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, string(authz.CodeRoleNotPermitted), errorCode(t, rr))
}

func TestAuditStats(t *testing.T) {
	f := newFixture(t)
	f.addActor("landlord-token", identity.RoleLandlord, orgAlpha)
	f.auditLog.entries = []*audit.Entry{{Action: "orgs.view"}, {Action: "rentals.properties.view"}}

	rr := f.do(t, "GET", "/v1/audit/stats", "landlord-token", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var stats audit.Stats
	decodeBody(t, rr, &stats)
	assert.Equal(t, int64(2), stats.Total)
}

func TestExportAudit_CSV(t *testing.T) {
	f := newFixture(t)
	f.addActor("landlord-token", identity.RoleLandlord, orgAlpha)

	rr := f.do(t, "GET", "/v1/audit/export?format=csv", "landlord-token", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "text/csv", rr.Header().Get("Content-Type"))
	assert.Contains(t, rr.Header().Get("Content-Disposition"), "audit-export.csv")
	assert.Equal(t, audit.FormatCSV, f.auditLog.lastFormat)
	assert.Equal(t, orgAlpha, f.auditLog.lastFilter.OrganizationID)
}

func TestExportAudit_UnknownFormat(t *testing.T) {
	f := newFixture(t)
	f.addActor("landlord-token", identity.RoleLandlord, orgAlpha)

	rr := f.do(t, "GET", "/v1/audit/export?format=xml", "landlord-token", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
