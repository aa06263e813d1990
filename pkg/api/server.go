package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/keystone-pm/keystone/pkg/approvals"
	"github.com/keystone-pm/keystone/pkg/audit"
	"github.com/keystone-pm/keystone/pkg/authz"
	"github.com/keystone-pm/keystone/pkg/billing"
	"github.com/keystone-pm/keystone/pkg/contextkeys"
	"github.com/keystone-pm/keystone/pkg/httputil"
	"github.com/keystone-pm/keystone/pkg/identity"
	"github.com/keystone-pm/keystone/pkg/middleware"
	"github.com/keystone-pm/keystone/pkg/notify"
	"github.com/keystone-pm/keystone/pkg/orgs"
	"github.com/keystone-pm/keystone/pkg/rentals"
)

// IdentityDirectory is the identity persistence surface the handlers
// use; *identity.Store satisfies it.
type IdentityDirectory interface {
	Create(ctx context.Context, ident *identity.Identity) error
	GetByID(ctx context.Context, id string) (*identity.Identity, error)
	GetByEmail(ctx context.Context, email string) (*identity.Identity, error)
	ListByOrganization(ctx context.Context, organizationID string) ([]*identity.Identity, error)
	Update(ctx context.Context, ident *identity.Identity) error
	CreateSession(ctx context.Context, identityID, tokenHash string, ttl time.Duration) (*identity.Session, error)
	DeleteSession(ctx context.Context, tokenHash string) error
}

// OrgService is the organization surface; *orgs.PostgresService
// satisfies it.
type OrgService interface {
	CreateOrganization(ctx context.Context, org *orgs.Organization) error
	DeleteOrganization(ctx context.Context, id string) error
	GetOrganization(ctx context.Context, id string) (*orgs.Organization, error)
	ListOrganizations(ctx context.Context) ([]*orgs.Organization, error)
	UpdateOrganization(ctx context.Context, id string, updates *orgs.UpdateRequest) error
	SetStatus(ctx context.Context, id string, status orgs.Status) error
	TransferOwnership(ctx context.Context, id, newOwnerID string) error
	GetUsage(ctx context.Context, organizationID string) (*orgs.Usage, error)
	CreateInvitation(ctx context.Context, inv *orgs.Invitation) error
	GetInvitation(ctx context.Context, token string) (*orgs.Invitation, error)
	ListInvitations(ctx context.Context, organizationID string) ([]*orgs.Invitation, error)
	AcceptInvitation(ctx context.Context, token, identityID string) (*orgs.Invitation, error)
	RevokeInvitation(ctx context.Context, id string) error
}

// ApprovalService is the approval workflow surface; *approvals.Engine
// satisfies it.
type ApprovalService interface {
	Get(ctx context.Context, id string) (*approvals.Request, error)
	ListPending(ctx context.Context, organizationID string) ([]*approvals.Request, error)
	Decide(ctx context.Context, id string, approver *identity.Identity, outcome approvals.Outcome, rejectionReason string) (*approvals.Request, error)
}

// AuditLog is the audit query surface; *audit.Store satisfies it
type AuditLog interface {
	Search(ctx context.Context, filter audit.SearchFilter) ([]*audit.Entry, error)
	GetStats(ctx context.Context, organizationID string, since, until *time.Time) (*audit.Stats, error)
	Export(ctx context.Context, filter audit.SearchFilter, format audit.ExportFormat) ([]byte, error)
}

// BillingService is the subscription surface; *billing.PostgresService
// satisfies it.
type BillingService interface {
	GetSubscription(ctx context.Context, organizationID string) (*billing.Subscription, error)
	CreateSubscription(ctx context.Context, organizationID string, plan billing.Plan, trialDays int) (*billing.Subscription, error)
	ChangePlan(ctx context.Context, organizationID string, plan billing.Plan) error
	CancelSubscription(ctx context.Context, organizationID string, immediately bool) error
	ReactivateSubscription(ctx context.Context, organizationID string) error
	LimitsFor(ctx context.Context, organizationID string) (billing.PlanLimits, error)
}

// Config carries the server's dependencies
type Config struct {
	Identities IdentityDirectory
	Orgs       OrgService
	Rentals    *rentals.Store
	Approvals  ApprovalService
	Guard      *authz.Guard
	Audit      AuditLog
	Billing    BillingService
	Notifier   notify.Notifier
	Tokens     *identity.TokenGenerator
	Blacklist  middleware.Blacklist
	SessionTTL time.Duration
	Logger     *logrus.Logger
}

// Server is the HTTP API server
type Server struct {
	router     *mux.Router
	identities IdentityDirectory
	orgs       OrgService
	rentals    *rentals.Store
	approvals  ApprovalService
	guard      *authz.Guard
	audit      AuditLog
	billing    BillingService
	notifier   notify.Notifier
	tokens     *identity.TokenGenerator
	blacklist  middleware.Blacklist
	sessionTTL time.Duration
	logger     *logrus.Logger
}

// NewServer creates the API server. Protected routes receive the given
// middleware in order; the public auth routes bypass them.
func NewServer(cfg Config, protected ...mux.MiddlewareFunc) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 24 * time.Hour
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewFanout(cfg.Logger)
	}
	if cfg.Blacklist == nil {
		cfg.Blacklist = middleware.NewMemoryBlacklist()
	}

	s := &Server{
		router:     mux.NewRouter(),
		identities: cfg.Identities,
		orgs:       cfg.Orgs,
		rentals:    cfg.Rentals,
		approvals:  cfg.Approvals,
		guard:      cfg.Guard,
		audit:      cfg.Audit,
		billing:    cfg.Billing,
		notifier:   cfg.Notifier,
		tokens:     cfg.Tokens,
		blacklist:  cfg.Blacklist,
		sessionTTL: cfg.SessionTTL,
		logger:     cfg.Logger,
	}
	s.setupRoutes(protected)
	return s
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

func (s *Server) setupRoutes(protected []mux.MiddlewareFunc) {
	// Public routes: signup, login, invitation acceptance
	public := s.router.PathPrefix("/v1/auth").Subrouter()
	public.HandleFunc("/register", s.register).Methods("POST")
	public.HandleFunc("/login", s.login).Methods("POST")
	public.HandleFunc("/invitations/accept", s.acceptInvitation).Methods("POST")

	v1 := s.router.PathPrefix("/v1").Subrouter()
	for _, mw := range protected {
		v1.Use(mw)
	}

	v1.HandleFunc("/auth/logout", s.logout).Methods("POST")
	v1.HandleFunc("/auth/me", s.me).Methods("GET")

	// Identities
	v1.HandleFunc("/identities", s.listIdentities).Methods("GET")
	v1.HandleFunc("/identities", s.createIdentity).Methods("POST")
	v1.HandleFunc("/identities/{id}", s.getIdentity).Methods("GET")
	v1.HandleFunc("/identities/{id}", s.updateIdentity).Methods("PUT")
	v1.HandleFunc("/identities/{id}/role", s.changeIdentityRole).Methods("POST")
	v1.HandleFunc("/identities/{id}", s.removeIdentity).Methods("DELETE")

	// Organization
	v1.HandleFunc("/org", s.getOrg).Methods("GET")
	v1.HandleFunc("/org", s.updateOrg).Methods("PUT")
	v1.HandleFunc("/org/transfer", s.transferOrg).Methods("POST")
	v1.HandleFunc("/org/usage", s.getOrgUsage).Methods("GET")
	v1.HandleFunc("/org/suspend", s.suspendOrg).Methods("POST")
	v1.HandleFunc("/org/invitations", s.listInvitations).Methods("GET")
	v1.HandleFunc("/org/invitations", s.createInvitation).Methods("POST")
	v1.HandleFunc("/org/invitations/{id}", s.revokeInvitation).Methods("DELETE")
	v1.HandleFunc("/orgs", s.listOrgs).Methods("GET")

	// Rentals
	v1.HandleFunc("/properties", s.listProperties).Methods("GET")
	v1.HandleFunc("/properties", s.createProperty).Methods("POST")
	v1.HandleFunc("/properties/{id}", s.getProperty).Methods("GET")
	v1.HandleFunc("/properties/{id}", s.updateProperty).Methods("PUT")
	v1.HandleFunc("/properties/{id}", s.deleteProperty).Methods("DELETE")
	v1.HandleFunc("/tenants", s.listTenants).Methods("GET")
	v1.HandleFunc("/tenants", s.createTenant).Methods("POST")
	v1.HandleFunc("/tenants/{id}", s.getTenant).Methods("GET")
	v1.HandleFunc("/tenants/{id}", s.updateTenant).Methods("PUT")
	v1.HandleFunc("/tenants/{id}", s.deleteTenant).Methods("DELETE")
	v1.HandleFunc("/leases", s.listLeases).Methods("GET")
	v1.HandleFunc("/leases", s.createLease).Methods("POST")
	v1.HandleFunc("/leases/{id}", s.getLease).Methods("GET")
	v1.HandleFunc("/leases/{id}/terminate", s.terminateLease).Methods("POST")
	v1.HandleFunc("/payments", s.listPayments).Methods("GET")
	v1.HandleFunc("/payments", s.createPayment).Methods("POST")
	v1.HandleFunc("/payments/{id}", s.updatePayment).Methods("PUT")
	v1.HandleFunc("/payments/{id}", s.deletePayment).Methods("DELETE")
	v1.HandleFunc("/expenses", s.listExpenses).Methods("GET")
	v1.HandleFunc("/expenses", s.createExpense).Methods("POST")
	v1.HandleFunc("/expenses/{id}", s.deleteExpense).Methods("DELETE")
	v1.HandleFunc("/maintenance", s.listMaintenance).Methods("GET")
	v1.HandleFunc("/maintenance", s.createMaintenance).Methods("POST")
	v1.HandleFunc("/maintenance/{id}", s.updateMaintenance).Methods("PUT")

	// Approvals
	v1.HandleFunc("/approvals", s.listApprovals).Methods("GET")
	v1.HandleFunc("/approvals/{id}", s.getApproval).Methods("GET")
	v1.HandleFunc("/approvals/{id}/approve", s.approveRequest).Methods("POST")
	v1.HandleFunc("/approvals/{id}/reject", s.rejectRequest).Methods("POST")

	// Audit
	v1.HandleFunc("/audit", s.searchAudit).Methods("GET")
	v1.HandleFunc("/audit/stats", s.auditStats).Methods("GET")
	v1.HandleFunc("/audit/export", s.exportAudit).Methods("GET")

	// Billing
	v1.HandleFunc("/billing", s.getBilling).Methods("GET")
	v1.HandleFunc("/billing", s.updateBilling).Methods("PUT")
	v1.HandleFunc("/billing/cancel", s.cancelBilling).Methods("POST")
	v1.HandleFunc("/billing/reactivate", s.reactivateBilling).Methods("POST")
}

// requestContext pulls the authenticated identity and resolved scope out
// of the request. Routes behind the middleware chain always have both.
func (s *Server) requestContext(w http.ResponseWriter, r *http.Request) (*identity.Identity, string, bool) {
	ident, _ := contextkeys.IdentityFrom(r.Context()).(*identity.Identity)
	if ident == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return nil, "", false
	}
	scope, ok := contextkeys.OrgScopeFrom(r.Context())
	if !ok {
		httputil.WriteCodedError(w, http.StatusBadRequest,
			string(authz.CodeMissingOrganizationContext), "organization scope not resolved")
		return nil, "", false
	}
	return ident, scope, true
}

// authorize runs the guard and translates the result. The returned bool
// reports whether the handler should proceed with the action: denies and
// deferrals have already been written to the response.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, req authz.Request) bool {
	req.RequestID = contextkeys.RequestIDFrom(r.Context())
	req.IPAddress = middleware.ClientIP(r)

	result, err := s.guard.Authorize(r.Context(), req)
	if err != nil {
		code := authz.CodeOf(err)
		s.logger.WithError(err).WithField("resource", req.Resource).Error("authorization failed")
		httputil.WriteCodedError(w, authz.HTTPStatus(code), string(code), "authorization could not be completed")
		return false
	}

	switch result.Verdict {
	case authz.VerdictAllow:
		return true
	case authz.VerdictDefer:
		s.notify(r.Context(), notify.Event{
			Type:           notify.EventApprovalOpened,
			OrganizationID: req.OrganizationID,
			ActorID:        req.Identity.ID,
			SubjectID:      result.ApprovalRequestID,
			Message:        "approval requested: " + req.Resource,
		})
		httputil.WriteAccepted(w, result.ApprovalRequestID)
		return false
	default:
		httputil.WriteCodedError(w, authz.HTTPStatus(result.DenyCode), string(result.DenyCode), "access denied")
		return false
	}
}

func (s *Server) notify(ctx context.Context, event notify.Event) {
	if err := s.notifier.Notify(ctx, event); err != nil {
		s.logger.WithError(err).Warn("failed to send notification")
	}
}
