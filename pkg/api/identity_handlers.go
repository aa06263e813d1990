package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/keystone-pm/keystone/pkg/authz"
	"github.com/keystone-pm/keystone/pkg/httputil"
	"github.com/keystone-pm/keystone/pkg/identity"
	"github.com/keystone-pm/keystone/pkg/orgs"
)

type createIdentityRequest struct {
	DisplayName string        `json:"display_name"`
	Email       string        `json:"email"`
	Password    string        `json:"password"`
	Role        identity.Role `json:"role"`
}

type updateIdentityRequest struct {
	DisplayName         *string  `json:"display_name,omitempty"`
	PermissionOverrides []string `json:"permission_overrides,omitempty"`
	ManagedAgentIDs     []string `json:"managed_agent_ids,omitempty"`
}

type changeRoleRequest struct {
	Role        identity.Role `json:"role"`
	Description string        `json:"description,omitempty"`
	Priority    string        `json:"priority,omitempty"`
}

func (s *Server) listIdentities(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity:       ident,
		OrganizationID: scope,
		Resource:       "identities.view",
	}) {
		return
	}
	members, err := s.identities.ListByOrganization(r.Context(), scope)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, members)
}

func (s *Server) createIdentity(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok {
		return
	}
	var req createIdentityRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !req.Role.IsValid() || req.Role.IsPlatformAdmin() {
		httputil.WriteBadRequest(w, "role must be one of landlord, agent, tenant")
		return
	}
	if len(req.Password) < 8 {
		httputil.WriteBadRequest(w, "password must be at least 8 characters")
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity:       ident,
		OrganizationID: scope,
		Resource:       "identities.create",
	}) {
		return
	}

	hash, err := identity.HashPassword(req.Password, 0)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	member := &identity.Identity{
		DisplayName:    req.DisplayName,
		Email:          strings.TrimSpace(strings.ToLower(req.Email)),
		CredentialHash: hash,
		Role:           req.Role,
		OrganizationID: scope,
		Status:         identity.StatusActive,
	}
	if err := s.identities.Create(r.Context(), member); err != nil {
		if errors.Is(err, identity.ErrEmailExists) {
			httputil.WriteConflict(w, "email is already registered")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCreated(w, member)
}

// fetchMember loads the target identity and enforces tenancy through the
// guard: a member of another organization is indistinguishable from a
// missing one only after the guard has recorded the cross-tenant denial.
func (s *Server) fetchMember(w http.ResponseWriter, r *http.Request) (*identity.Identity, bool) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return nil, false
	}
	member, err := s.identities.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			httputil.WriteCodedError(w, http.StatusNotFound, string(authz.CodeNotFound), "identity not found")
			return nil, false
		}
		httputil.WriteInternalError(w, err)
		return nil, false
	}
	return member, true
}

func (s *Server) getIdentity(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok {
		return
	}
	member, ok := s.fetchMember(w, r)
	if !ok {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity:       ident,
		OrganizationID: scope,
		Resource:       "identities.view",
		TargetOrgID:    member.OrganizationID,
		TargetKind:     "identity",
		TargetID:       member.ID,
	}) {
		return
	}
	httputil.WriteSuccess(w, member)
}

func (s *Server) updateIdentity(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok {
		return
	}
	member, ok := s.fetchMember(w, r)
	if !ok {
		return
	}
	var req updateIdentityRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity:       ident,
		OrganizationID: scope,
		Resource:       "identities.update",
		TargetOrgID:    member.OrganizationID,
		TargetKind:     "identity",
		TargetID:       member.ID,
	}) {
		return
	}

	if req.DisplayName != nil {
		member.DisplayName = *req.DisplayName
	}
	if req.PermissionOverrides != nil {
		member.PermissionOverrides = req.PermissionOverrides
	}
	if req.ManagedAgentIDs != nil {
		member.ManagedAgentIDs = req.ManagedAgentIDs
	}
	if err := s.identities.Update(r.Context(), member); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, member)
}

func (s *Server) changeIdentityRole(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok {
		return
	}
	member, ok := s.fetchMember(w, r)
	if !ok {
		return
	}
	var req changeRoleRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !req.Role.IsValid() || req.Role.IsPlatformAdmin() {
		httputil.WriteBadRequest(w, "role must be one of landlord, agent, tenant")
		return
	}

	payload, err := json.Marshal(orgs.RoleChange{Role: req.Role})
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity:       ident,
		OrganizationID: scope,
		Resource:       orgs.TypeMemberRoleChange,
		TargetOrgID:    member.OrganizationID,
		TargetKind:     "identity",
		TargetID:       member.ID,
		Payload:        payload,
		Description:    req.Description,
		Priority:       req.Priority,
	}) {
		return
	}

	// Guard allowed immediately (platform admin bypass): apply now
	member.Role = req.Role
	if err := s.identities.Update(r.Context(), member); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, member)
}

func (s *Server) removeIdentity(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok {
		return
	}
	member, ok := s.fetchMember(w, r)
	if !ok {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity:       ident,
		OrganizationID: scope,
		Resource:       orgs.TypeMemberRemove,
		TargetOrgID:    member.OrganizationID,
		TargetKind:     "identity",
		TargetID:       member.ID,
	}) {
		return
	}

	member.Status = identity.StatusRemoved
	if err := s.identities.Update(r.Context(), member); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}
