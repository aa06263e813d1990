package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keystone-pm/keystone/pkg/contextkeys"
	"github.com/keystone-pm/keystone/pkg/identity"
	"github.com/keystone-pm/keystone/pkg/orgs"
)

const orgBeta = "7a2b3c4d-5e6f-4a8b-9c1d-2e3f4a5b6c7d"

type fakeOrgLookup struct {
	orgs  map[string]*orgs.Organization
	calls int
}

func (f *fakeOrgLookup) GetOrganization(_ context.Context, id string) (*orgs.Organization, error) {
	f.calls++
	if org, ok := f.orgs[id]; ok {
		return org, nil
	}
	return nil, orgs.ErrNotFound
}

func activeOrg(id string) *orgs.Organization {
	return &orgs.Organization{ID: id, Name: "Alpha Estates", Status: orgs.StatusActive}
}

func scopedRequest(ident *identity.Identity, claim string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/v1/properties", nil)
	if claim != "" {
		req.Header.Set(OrgHeader, claim)
	}
	return req.WithContext(contextkeys.WithIdentity(req.Context(), ident))
}

func captureScope(t *testing.T) (http.Handler, *string, *bool) {
	t.Helper()
	var scope string
	var resolved bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope, resolved = ScopeFromRequest(r)
		w.WriteHeader(http.StatusOK)
	})
	return handler, &scope, &resolved
}

func TestOrgScopeMemberPinnedToOwnOrg(t *testing.T) {
	lookup := &fakeOrgLookup{orgs: map[string]*orgs.Organization{orgAlpha: activeOrg(orgAlpha)}}
	mw := NewOrgScopeMiddleware(lookup)
	inner, scope, resolved := captureScope(t)

	rec := httptest.NewRecorder()
	mw.Handler(inner).ServeHTTP(rec, scopedRequest(activeAgent(), ""))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, *resolved)
	assert.Equal(t, orgAlpha, *scope)
}

func TestOrgScopeMemberClaimMismatch(t *testing.T) {
	lookup := &fakeOrgLookup{orgs: map[string]*orgs.Organization{orgAlpha: activeOrg(orgAlpha)}}
	mw := NewOrgScopeMiddleware(lookup)
	inner, _, _ := captureScope(t)

	rec := httptest.NewRecorder()
	mw.Handler(inner).ServeHTTP(rec, scopedRequest(activeAgent(), orgBeta))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "ScopeMismatch")
}

func TestOrgScopeAdminGlobalWhenNoClaim(t *testing.T) {
	lookup := &fakeOrgLookup{orgs: map[string]*orgs.Organization{}}
	mw := NewOrgScopeMiddleware(lookup)
	inner, scope, resolved := captureScope(t)

	admin := &identity.Identity{ID: "admin-1", Role: identity.RoleSuperAdmin, Status: identity.StatusActive}
	rec := httptest.NewRecorder()
	mw.Handler(inner).ServeHTTP(rec, scopedRequest(admin, ""))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, *resolved)
	assert.Empty(t, *scope)
	assert.Zero(t, lookup.calls)
}

func TestOrgScopeAdminTrustsClaim(t *testing.T) {
	lookup := &fakeOrgLookup{orgs: map[string]*orgs.Organization{orgBeta: activeOrg(orgBeta)}}
	mw := NewOrgScopeMiddleware(lookup)
	inner, scope, _ := captureScope(t)

	admin := &identity.Identity{ID: "admin-1", Role: identity.RoleSuperAdmin, Status: identity.StatusActive}
	rec := httptest.NewRecorder()
	mw.Handler(inner).ServeHTTP(rec, scopedRequest(admin, orgBeta))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orgBeta, *scope)
}

func TestOrgScopeSuspendedOrgRejected(t *testing.T) {
	suspended := activeOrg(orgAlpha)
	suspended.Status = orgs.StatusSuspended
	lookup := &fakeOrgLookup{orgs: map[string]*orgs.Organization{orgAlpha: suspended}}
	mw := NewOrgScopeMiddleware(lookup)
	inner, _, _ := captureScope(t)

	rec := httptest.NewRecorder()
	mw.Handler(inner).ServeHTTP(rec, scopedRequest(activeAgent(), ""))

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestOrgScopeAdminReachesSuspendedOrg(t *testing.T) {
	suspended := activeOrg(orgAlpha)
	suspended.Status = orgs.StatusSuspended
	lookup := &fakeOrgLookup{orgs: map[string]*orgs.Organization{orgAlpha: suspended}}
	mw := NewOrgScopeMiddleware(lookup)
	inner, scope, _ := captureScope(t)

	admin := &identity.Identity{ID: "admin-1", Role: identity.RoleSuperAdmin, Status: identity.StatusActive}
	rec := httptest.NewRecorder()
	mw.Handler(inner).ServeHTTP(rec, scopedRequest(admin, orgAlpha))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, orgAlpha, *scope)
}

func TestOrgScopeUnknownOrg(t *testing.T) {
	lookup := &fakeOrgLookup{orgs: map[string]*orgs.Organization{}}
	mw := NewOrgScopeMiddleware(lookup)
	inner, _, _ := captureScope(t)

	admin := &identity.Identity{ID: "admin-1", Role: identity.RoleSuperAdmin, Status: identity.StatusActive}
	rec := httptest.NewRecorder()
	mw.Handler(inner).ServeHTTP(rec, scopedRequest(admin, orgBeta))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOrgScopeUnauthenticated(t *testing.T) {
	mw := NewOrgScopeMiddleware(&fakeOrgLookup{})
	inner, _, _ := captureScope(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/properties", nil)
	rec := httptest.NewRecorder()
	mw.Handler(inner).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOrgScopeCachesLookups(t *testing.T) {
	lookup := &fakeOrgLookup{orgs: map[string]*orgs.Organization{orgAlpha: activeOrg(orgAlpha)}}
	mw := NewOrgScopeMiddleware(lookup)
	inner, _, _ := captureScope(t)

	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		mw.Handler(inner).ServeHTTP(rec, scopedRequest(activeAgent(), ""))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 1, lookup.calls)

	mw.InvalidateOrg(orgAlpha)
	rec := httptest.NewRecorder()
	mw.Handler(inner).ServeHTTP(rec, scopedRequest(activeAgent(), ""))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 2, lookup.calls)
}
