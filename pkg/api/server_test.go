package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/keystone-pm/keystone/pkg/approvals"
	"github.com/keystone-pm/keystone/pkg/audit"
	"github.com/keystone-pm/keystone/pkg/authz"
	"github.com/keystone-pm/keystone/pkg/billing"
	"github.com/keystone-pm/keystone/pkg/contextkeys"
	"github.com/keystone-pm/keystone/pkg/httputil"
	"github.com/keystone-pm/keystone/pkg/identity"
	"github.com/keystone-pm/keystone/pkg/middleware"
	"github.com/keystone-pm/keystone/pkg/orgs"
	"github.com/keystone-pm/keystone/pkg/rentals"
)

const (
	orgAlpha = "5b8f0c7a-6e3d-4f2b-9a1c-8d7e6f5a4b3c"
	orgBeta  = "9c2e1d0b-7f4a-4e3c-8b2d-1a0f9e8d7c6b"
)

// fakeIdentities is an in-memory IdentityDirectory

type fakeIdentities struct {
	byID     map[string]*identity.Identity
	byEmail  map[string]*identity.Identity
	sessions map[string]*identity.Session
}

func newFakeIdentities() *fakeIdentities {
	return &fakeIdentities{
		byID:     map[string]*identity.Identity{},
		byEmail:  map[string]*identity.Identity{},
		sessions: map[string]*identity.Session{},
	}
}

func (f *fakeIdentities) add(ident *identity.Identity) *identity.Identity {
	if ident.ID == "" {
		ident.ID = uuid.NewString()
	}
	f.byID[ident.ID] = ident
	f.byEmail[ident.Email] = ident
	return ident
}

func (f *fakeIdentities) Create(ctx context.Context, ident *identity.Identity) error {
	if _, exists := f.byEmail[ident.Email]; exists {
		return identity.ErrEmailExists
	}
	f.add(ident)
	return nil
}

func (f *fakeIdentities) GetByID(ctx context.Context, id string) (*identity.Identity, error) {
	ident, ok := f.byID[id]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return ident, nil
}

func (f *fakeIdentities) GetByEmail(ctx context.Context, email string) (*identity.Identity, error) {
	ident, ok := f.byEmail[email]
	if !ok {
		return nil, identity.ErrNotFound
	}
	return ident, nil
}

func (f *fakeIdentities) ListByOrganization(ctx context.Context, organizationID string) ([]*identity.Identity, error) {
	var out []*identity.Identity
	for _, ident := range f.byID {
		if ident.OrganizationID == organizationID {
			out = append(out, ident)
		}
	}
	return out, nil
}

func (f *fakeIdentities) Update(ctx context.Context, ident *identity.Identity) error {
	if _, ok := f.byID[ident.ID]; !ok {
		return identity.ErrNotFound
	}
	f.byID[ident.ID] = ident
	f.byEmail[ident.Email] = ident
	return nil
}

func (f *fakeIdentities) CreateSession(ctx context.Context, identityID, tokenHash string, ttl time.Duration) (*identity.Session, error) {
	session := &identity.Session{
		ID:         uuid.NewString(),
		IdentityID: identityID,
		TokenHash:  tokenHash,
		ExpiresAt:  time.Now().Add(ttl),
		CreatedAt:  time.Now(),
	}
	f.sessions[tokenHash] = session
	return session, nil
}

func (f *fakeIdentities) DeleteSession(ctx context.Context, tokenHash string) error {
	delete(f.sessions, tokenHash)
	return nil
}

// fakeOrgs is an in-memory OrgService

type fakeOrgs struct {
	byID        map[string]*orgs.Organization
	invitations map[string]*orgs.Invitation
	usage       map[string]*orgs.Usage
}

func newFakeOrgs() *fakeOrgs {
	return &fakeOrgs{
		byID:        map[string]*orgs.Organization{},
		invitations: map[string]*orgs.Invitation{},
		usage:       map[string]*orgs.Usage{},
	}
}

func (f *fakeOrgs) add(org *orgs.Organization) *orgs.Organization {
	if org.ID == "" {
		org.ID = uuid.NewString()
	}
	if org.Status == "" {
		org.Status = orgs.StatusActive
	}
	f.byID[org.ID] = org
	return org
}

func (f *fakeOrgs) CreateOrganization(ctx context.Context, org *orgs.Organization) error {
	f.add(org)
	return nil
}

func (f *fakeOrgs) DeleteOrganization(ctx context.Context, id string) error {
	if _, ok := f.byID[id]; !ok {
		return orgs.ErrNotFound
	}
	delete(f.byID, id)
	return nil
}

func (f *fakeOrgs) GetOrganization(ctx context.Context, id string) (*orgs.Organization, error) {
	org, ok := f.byID[id]
	if !ok {
		return nil, orgs.ErrNotFound
	}
	return org, nil
}

func (f *fakeOrgs) ListOrganizations(ctx context.Context) ([]*orgs.Organization, error) {
	var out []*orgs.Organization
	for _, org := range f.byID {
		out = append(out, org)
	}
	return out, nil
}

func (f *fakeOrgs) UpdateOrganization(ctx context.Context, id string, updates *orgs.UpdateRequest) error {
	org, ok := f.byID[id]
	if !ok {
		return orgs.ErrNotFound
	}
	if updates.Name != nil {
		org.Name = *updates.Name
	}
	return nil
}

func (f *fakeOrgs) SetStatus(ctx context.Context, id string, status orgs.Status) error {
	org, ok := f.byID[id]
	if !ok {
		return orgs.ErrNotFound
	}
	org.Status = status
	return nil
}

func (f *fakeOrgs) TransferOwnership(ctx context.Context, id, newOwnerID string) error {
	org, ok := f.byID[id]
	if !ok {
		return orgs.ErrNotFound
	}
	org.OwnerIdentityID = newOwnerID
	return nil
}

func (f *fakeOrgs) GetUsage(ctx context.Context, organizationID string) (*orgs.Usage, error) {
	if u, ok := f.usage[organizationID]; ok {
		return u, nil
	}
	return &orgs.Usage{OrganizationID: organizationID}, nil
}

func (f *fakeOrgs) CreateInvitation(ctx context.Context, inv *orgs.Invitation) error {
	if inv.ID == "" {
		inv.ID = uuid.NewString()
	}
	if inv.Token == "" {
		inv.Token = uuid.NewString()
	}
	if inv.ExpiresAt.IsZero() {
		inv.ExpiresAt = time.Now().Add(72 * time.Hour)
	}
	f.invitations[inv.Token] = inv
	return nil
}

func (f *fakeOrgs) GetInvitation(ctx context.Context, token string) (*orgs.Invitation, error) {
	inv, ok := f.invitations[token]
	if !ok {
		return nil, orgs.ErrInvitationNotFound
	}
	return inv, nil
}

func (f *fakeOrgs) ListInvitations(ctx context.Context, organizationID string) ([]*orgs.Invitation, error) {
	var out []*orgs.Invitation
	for _, inv := range f.invitations {
		if inv.OrganizationID == organizationID {
			out = append(out, inv)
		}
	}
	return out, nil
}

func (f *fakeOrgs) AcceptInvitation(ctx context.Context, token, identityID string) (*orgs.Invitation, error) {
	inv, ok := f.invitations[token]
	if !ok {
		return nil, orgs.ErrInvitationNotFound
	}
	if time.Now().After(inv.ExpiresAt) {
		return nil, orgs.ErrInvitationExpired
	}
	if inv.AcceptedAt != nil {
		return nil, orgs.ErrInvitationAccepted
	}
	now := time.Now()
	inv.AcceptedAt = &now
	inv.AcceptedBy = identityID
	return inv, nil
}

func (f *fakeOrgs) RevokeInvitation(ctx context.Context, id string) error {
	for token, inv := range f.invitations {
		if inv.ID == id {
			delete(f.invitations, token)
			return nil
		}
	}
	return orgs.ErrInvitationNotFound
}

// fakeApprovals backs both the ApprovalService used by the handlers and
// the ApprovalOpener used by the guard, so a deferred mutation in a test
// is immediately visible through the approvals endpoints.

type fakeApprovals struct {
	byID      map[string]*approvals.Request
	opened    []authz.ApprovalParams
	decideErr error
}

func newFakeApprovals() *fakeApprovals {
	return &fakeApprovals{byID: map[string]*approvals.Request{}}
}

func (f *fakeApprovals) OpenApproval(ctx context.Context, params authz.ApprovalParams) (string, error) {
	f.opened = append(f.opened, params)
	id := fmt.Sprintf("ar-%d", len(f.opened))
	f.byID[id] = &approvals.Request{
		ID:             id,
		Type:           params.Type,
		RequestedBy:    params.RequestedBy,
		OrganizationID: params.OrganizationID,
		Target:         approvals.TargetRef{Kind: params.TargetKind, ID: params.TargetID},
		Payload:        params.Payload,
		Description:    params.Description,
		Priority:       approvals.Priority(params.Priority),
		Status:         approvals.StatusPending,
		ApproverRoles:  params.ApproverRoles,
		CreatedAt:      time.Now(),
	}
	return id, nil
}

func (f *fakeApprovals) Get(ctx context.Context, id string) (*approvals.Request, error) {
	req, ok := f.byID[id]
	if !ok {
		return nil, authz.NewError(authz.CodeNotFound, "approval request %s not found", id)
	}
	return req, nil
}

func (f *fakeApprovals) ListPending(ctx context.Context, organizationID string) ([]*approvals.Request, error) {
	var out []*approvals.Request
	for _, req := range f.byID {
		if req.Status != approvals.StatusPending {
			continue
		}
		if organizationID != authz.GlobalScope && req.OrganizationID != organizationID {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

func (f *fakeApprovals) Decide(ctx context.Context, id string, approver *identity.Identity, outcome approvals.Outcome, rejectionReason string) (*approvals.Request, error) {
	if f.decideErr != nil {
		return nil, f.decideErr
	}
	req, ok := f.byID[id]
	if !ok {
		return nil, authz.NewError(authz.CodeNotFound, "approval request %s not found", id)
	}
	if req.Status != approvals.StatusPending {
		return nil, authz.NewError(authz.CodeAlreadyDecided, "approval request %s is already decided", id)
	}
	if approver.ID == req.RequestedBy {
		return nil, authz.NewError(authz.CodeSelfApproval, "requester may not decide their own request")
	}
	if outcome == approvals.OutcomeApproved {
		req.Status = approvals.StatusApproved
	} else {
		req.Status = approvals.StatusRejected
		req.RejectionReason = rejectionReason
	}
	now := time.Now()
	req.DecidedBy = approver.ID
	req.DecidedAt = &now
	return req, nil
}

// fakeAudit records the filters the handlers build

type fakeAudit struct {
	lastFilter audit.SearchFilter
	lastFormat audit.ExportFormat
	entries    []*audit.Entry
}

func (f *fakeAudit) Search(ctx context.Context, filter audit.SearchFilter) ([]*audit.Entry, error) {
	f.lastFilter = filter
	return f.entries, nil
}

func (f *fakeAudit) GetStats(ctx context.Context, organizationID string, since, until *time.Time) (*audit.Stats, error) {
	return &audit.Stats{Total: int64(len(f.entries))}, nil
}

func (f *fakeAudit) Export(ctx context.Context, filter audit.SearchFilter, format audit.ExportFormat) ([]byte, error) {
	f.lastFilter = filter
	f.lastFormat = format
	return []byte("exported"), nil
}

// fakeBilling is an in-memory BillingService

type fakeBilling struct {
	subs map[string]*billing.Subscription
}

func newFakeBilling() *fakeBilling {
	return &fakeBilling{subs: map[string]*billing.Subscription{}}
}

func (f *fakeBilling) GetSubscription(ctx context.Context, organizationID string) (*billing.Subscription, error) {
	sub, ok := f.subs[organizationID]
	if !ok {
		return nil, billing.ErrNotFound
	}
	return sub, nil
}

func (f *fakeBilling) CreateSubscription(ctx context.Context, organizationID string, plan billing.Plan, trialDays int) (*billing.Subscription, error) {
	sub := &billing.Subscription{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		Plan:           plan,
		Status:         billing.SubscriptionActive,
	}
	if trialDays > 0 {
		sub.Status = billing.SubscriptionTrialing
		trialEnd := time.Now().AddDate(0, 0, trialDays)
		sub.TrialEnd = &trialEnd
	}
	f.subs[organizationID] = sub
	return sub, nil
}

func (f *fakeBilling) ChangePlan(ctx context.Context, organizationID string, plan billing.Plan) error {
	sub, ok := f.subs[organizationID]
	if !ok {
		return billing.ErrNotFound
	}
	sub.Plan = plan
	return nil
}

func (f *fakeBilling) CancelSubscription(ctx context.Context, organizationID string, immediately bool) error {
	sub, ok := f.subs[organizationID]
	if !ok {
		return billing.ErrNotFound
	}
	if immediately {
		sub.Status = billing.SubscriptionCanceled
	} else {
		sub.CancelAtPeriodEnd = true
	}
	return nil
}

func (f *fakeBilling) ReactivateSubscription(ctx context.Context, organizationID string) error {
	sub, ok := f.subs[organizationID]
	if !ok {
		return billing.ErrNotFound
	}
	sub.CancelAtPeriodEnd = false
	return nil
}

func (f *fakeBilling) LimitsFor(ctx context.Context, organizationID string) (billing.PlanLimits, error) {
	if sub, ok := f.subs[organizationID]; ok && sub.Usable() {
		return billing.LimitsFor(sub.Plan), nil
	}
	return billing.LimitsFor(billing.PlanFree), nil
}

// apiRecorder captures guard audit entries

type apiRecorder struct {
	entries []*audit.Entry
	err     error
}

func (r *apiRecorder) Record(ctx context.Context, entry *audit.Entry) error {
	if r.err != nil {
		return r.err
	}
	r.entries = append(r.entries, entry)
	return nil
}

func (r *apiRecorder) Close() error { return nil }

// fixture wires a full server around the fakes. Authentication is
// replaced with a token lookup so each test can act as any role without
// minting real sessions.
type fixture struct {
	idents     *fakeIdentities
	orgsSvc    *fakeOrgs
	approvals  *fakeApprovals
	auditLog   *fakeAudit
	billingSvc *fakeBilling
	recorder   *apiRecorder
	rentalsDB  sqlmock.Sqlmock
	blacklist  *middleware.MemoryBlacklist
	actors     map[string]*identity.Identity
	server     *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS properties").
		WillReturnResult(sqlmock.NewResult(0, 0))
	store, err := rentals.NewStore(db)
	require.NoError(t, err)

	f := &fixture{
		idents:     newFakeIdentities(),
		orgsSvc:    newFakeOrgs(),
		approvals:  newFakeApprovals(),
		auditLog:   &fakeAudit{},
		billingSvc: newFakeBilling(),
		recorder:   &apiRecorder{},
		rentalsDB:  mock,
		blacklist:  middleware.NewMemoryBlacklist(),
		actors:     map[string]*identity.Identity{},
	}

	f.orgsSvc.add(&orgs.Organization{ID: orgAlpha, Name: "Alpha Property Group"})
	f.orgsSvc.add(&orgs.Organization{ID: orgBeta, Name: "Beta Holdings"})

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f.server = NewServer(Config{
		Identities: f.idents,
		Orgs:       f.orgsSvc,
		Rentals:    store,
		Approvals:  f.approvals,
		Guard:      authz.NewGuard(authz.DefaultPolicy(), f.approvals, f.recorder, nil),
		Audit:      f.auditLog,
		Billing:    f.billingSvc,
		Tokens:     identity.NewTokenGenerator(""),
		Blacklist:  f.blacklist,
		Logger:     logger,
	}, f.injectAuth())

	return f
}

// addActor registers an identity reachable with the given bearer token
func (f *fixture) addActor(token string, role identity.Role, organizationID string) *identity.Identity {
	ident := f.idents.add(&identity.Identity{
		DisplayName:    string(role) + " " + token,
		Email:          token + "@example.com",
		Role:           role,
		OrganizationID: organizationID,
		Status:         identity.StatusActive,
	})
	f.actors[token] = ident
	return ident
}

func (f *fixture) injectAuth() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			ident, ok := f.actors[token]
			if !ok {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}
			scope, err := authz.ResolveScope(ident, r.Header.Get(middleware.OrgHeader))
			if err != nil {
				code := authz.CodeOf(err)
				httputil.WriteCodedError(w, authz.HTTPStatus(code), string(code), err.Error())
				return
			}
			ctx := contextkeys.WithIdentity(r.Context(), ident)
			ctx = contextkeys.WithOrgScope(ctx, scope)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func (f *fixture) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	f.server.Router().ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rr.Body).Decode(dest))
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body httputil.ErrorResponse
	decodeBody(t, rr, &body)
	return body.Code
}
