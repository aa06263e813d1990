package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/keystone-pm/keystone/pkg/authz"
	"github.com/keystone-pm/keystone/pkg/httputil"
	"github.com/keystone-pm/keystone/pkg/notify"
	"github.com/keystone-pm/keystone/pkg/orgs"
)

type transferOwnershipRequest struct {
	NewOwnerID string `json:"new_owner_id"`
}

type suspendOrgRequest struct {
	Description string `json:"description,omitempty"`
	Priority    string `json:"priority,omitempty"`
}

// requireScopedOrg resolves the request's organization. Global-scope
// callers get a 400: these routes address one tenant and platform admins
// pick it with the X-Org-Id header.
func (s *Server) requireScopedOrg(w http.ResponseWriter, scope string) bool {
	if scope == authz.GlobalScope {
		httputil.WriteCodedError(w, http.StatusBadRequest,
			string(authz.CodeMissingOrganizationContext),
			"this route requires an organization scope; platform admins set X-Org-Id")
		return false
	}
	return true
}

func (s *Server) getOrg(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity:       ident,
		OrganizationID: scope,
		Resource:       "orgs.view",
	}) {
		return
	}
	org, err := s.orgs.GetOrganization(r.Context(), scope)
	if err != nil {
		if errors.Is(err, orgs.ErrNotFound) {
			httputil.WriteNotFound(w, "organization not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, org)
}

func (s *Server) updateOrg(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	var req orgs.UpdateRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity:       ident,
		OrganizationID: scope,
		Resource:       "orgs.update",
		TargetOrgID:    scope,
		TargetKind:     "organization",
		TargetID:       scope,
	}) {
		return
	}
	if err := s.orgs.UpdateOrganization(r.Context(), scope, &req); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	org, err := s.orgs.GetOrganization(r.Context(), scope)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, org)
}

func (s *Server) transferOrg(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	var req transferOwnershipRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.NewOwnerID == "" {
		httputil.WriteBadRequest(w, "new_owner_id is required")
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity:       ident,
		OrganizationID: scope,
		Resource:       "orgs.update",
		TargetOrgID:    scope,
		TargetKind:     "organization",
		TargetID:       scope,
	}) {
		return
	}

	newOwner, err := s.identities.GetByID(r.Context(), req.NewOwnerID)
	if err != nil || newOwner.OrganizationID != scope {
		httputil.WriteBadRequest(w, "new owner must be a member of the organization")
		return
	}
	if err := s.orgs.TransferOwnership(r.Context(), scope, req.NewOwnerID); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) getOrgUsage(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity:       ident,
		OrganizationID: scope,
		Resource:       "orgs.view",
	}) {
		return
	}
	usage, err := s.orgs.GetUsage(r.Context(), scope)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, usage)
}

// suspendOrg is approval-gated for moderators: the suspension is parked
// until a platform admin approves it. Admins suspend immediately.
func (s *Server) suspendOrg(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	var req suspendOrgRequest
	if r.ContentLength > 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}
	if !s.authorize(w, r, authz.Request{
		Identity:       ident,
		OrganizationID: scope,
		Resource:       orgs.TypeSuspend,
		TargetOrgID:    scope,
		TargetKind:     "organization",
		TargetID:       scope,
		Description:    req.Description,
		Priority:       req.Priority,
	}) {
		return
	}
	if err := s.orgs.SetStatus(r.Context(), scope, orgs.StatusSuspended); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

// listOrgs is a platform operations route; tenants see only their own
// organization through /v1/org.
func (s *Server) listOrgs(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok {
		return
	}
	if !ident.Role.IsPlatformAdmin() {
		httputil.WriteCodedError(w, http.StatusForbidden,
			string(authz.CodeRoleNotPermitted), "platform staff only")
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity:       ident,
		OrganizationID: scope,
		Resource:       "orgs.view",
	}) {
		return
	}
	all, err := s.orgs.ListOrganizations(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, all)
}

func (s *Server) listInvitations(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity:       ident,
		OrganizationID: scope,
		Resource:       "orgs.members.manage",
	}) {
		return
	}
	invitations, err := s.orgs.ListInvitations(r.Context(), scope)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, invitations)
}

func (s *Server) createInvitation(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	var req orgs.InviteRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.Email == "" {
		httputil.WriteBadRequest(w, "email is required")
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity:       ident,
		OrganizationID: scope,
		Resource:       "orgs.members.manage",
	}) {
		return
	}

	inv := &orgs.Invitation{
		OrganizationID: scope,
		Email:          req.Email,
		Role:           req.Role,
		InvitedBy:      ident.ID,
	}
	if err := s.orgs.CreateInvitation(r.Context(), inv); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	s.notify(r.Context(), notify.Event{
		Type:           notify.EventInvitationSent,
		OrganizationID: scope,
		ActorID:        ident.ID,
		SubjectID:      inv.ID,
		Message:        "invitation sent to " + inv.Email,
	})
	httputil.WriteCreated(w, inv)
}

func (s *Server) revokeInvitation(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity:       ident,
		OrganizationID: scope,
		Resource:       "orgs.members.manage",
	}) {
		return
	}
	if err := s.orgs.RevokeInvitation(r.Context(), id); err != nil {
		if errors.Is(err, orgs.ErrInvitationNotFound) {
			httputil.WriteNotFound(w, "invitation not found")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
