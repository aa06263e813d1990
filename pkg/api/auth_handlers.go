package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/keystone-pm/keystone/pkg/httputil"
	"github.com/keystone-pm/keystone/pkg/identity"
	"github.com/keystone-pm/keystone/pkg/notify"
	"github.com/keystone-pm/keystone/pkg/orgs"
)

type registerRequest struct {
	OrganizationName string `json:"organization_name"`
	DisplayName      string `json:"display_name"`
	Email            string `json:"email"`
	Password         string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expires_at"`
	Identity  *identity.Identity `json:"identity"`
}

type acceptInvitationRequest struct {
	Token       string `json:"token"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
}

// register creates a new organization with the caller as its landlord.
// This is the signup path; members join through invitations instead.
func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))
	if req.OrganizationName == "" || req.Email == "" || len(req.Password) < 8 {
		httputil.WriteBadRequest(w, "organization name, email, and a password of at least 8 characters are required")
		return
	}

	hash, err := identity.HashPassword(req.Password, 0)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	org := &orgs.Organization{Name: req.OrganizationName}
	if err := s.orgs.CreateOrganization(r.Context(), org); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}

	owner := &identity.Identity{
		DisplayName:    req.DisplayName,
		Email:          req.Email,
		CredentialHash: hash,
		Role:           identity.RoleLandlord,
		OrganizationID: org.ID,
		Status:         identity.StatusActive,
	}
	if err := s.identities.Create(r.Context(), owner); err != nil {
		// unwind the just-created organization so it is not left ownerless
		if derr := s.orgs.DeleteOrganization(r.Context(), org.ID); derr != nil {
			s.logger.WithError(derr).WithField("organization_id", org.ID).
				Warn("failed to clean up organization after signup failure")
		}
		if errors.Is(err, identity.ErrEmailExists) {
			httputil.WriteConflict(w, "email is already registered")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}

	if err := s.orgs.TransferOwnership(r.Context(), org.ID, owner.ID); err != nil {
		s.logger.WithError(err).Warn("failed to record organization owner")
	}

	s.writeSession(w, r, owner, http.StatusCreated)
}

// login exchanges credentials for a bearer session token
func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(strings.ToLower(req.Email))

	ident, err := s.identities.GetByEmail(r.Context(), req.Email)
	if err != nil {
		// Same response as a bad password so the endpoint does not
		// reveal which emails exist.
		httputil.WriteUnauthorized(w, "invalid credentials")
		return
	}
	if !identity.CheckPassword(ident.CredentialHash, req.Password) {
		httputil.WriteUnauthorized(w, "invalid credentials")
		return
	}
	if !ident.IsActive() {
		httputil.WriteUnauthorized(w, "account is not active")
		return
	}

	s.writeSession(w, r, ident, http.StatusOK)
}

func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, ident *identity.Identity, status int) {
	token, tokenHash, err := s.tokens.Generate()
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	session, err := s.identities.CreateSession(r.Context(), ident.ID, tokenHash, s.sessionTTL)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteJSON(w, status, sessionResponse{
		Token:     token,
		ExpiresAt: session.ExpiresAt,
		Identity:  ident,
	})
}

// logout deletes the session and blacklists the token for the rest of
// its lifetime, so it dies even on replicas with a stale session cache.
func (s *Server) logout(w http.ResponseWriter, r *http.Request) {
	authHeader := r.Header.Get("Authorization")
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		httputil.WriteBadRequest(w, "missing bearer token")
		return
	}
	tokenHash := s.tokens.Hash(parts[1])

	if err := s.identities.DeleteSession(r.Context(), tokenHash); err != nil {
		s.logger.WithError(err).Warn("failed to delete session")
	}
	if err := s.blacklist.Revoke(r.Context(), tokenHash, s.sessionTTL); err != nil {
		s.logger.WithError(err).Warn("failed to blacklist token")
	}
	httputil.WriteNoContent(w)
}

// me returns the authenticated identity
func (s *Server) me(w http.ResponseWriter, r *http.Request) {
	ident, _, ok := s.requestContext(w, r)
	if !ok {
		return
	}
	httputil.WriteSuccess(w, ident)
}

// acceptInvitation redeems an invitation token, creating the member's
// identity in the inviting organization.
func (s *Server) acceptInvitation(w http.ResponseWriter, r *http.Request) {
	var req acceptInvitationRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Token == "" || len(req.Password) < 8 {
		httputil.WriteBadRequest(w, "token and a password of at least 8 characters are required")
		return
	}

	inv, err := s.orgs.GetInvitation(r.Context(), req.Token)
	if err != nil {
		httputil.WriteNotFound(w, "invitation not found")
		return
	}

	hash, err := identity.HashPassword(req.Password, 0)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	member := &identity.Identity{
		DisplayName:    req.DisplayName,
		Email:          inv.Email,
		CredentialHash: hash,
		Role:           inv.Role,
		OrganizationID: inv.OrganizationID,
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

	if _, err := s.orgs.AcceptInvitation(r.Context(), req.Token, member.ID); err != nil {
		switch {
		case errors.Is(err, orgs.ErrInvitationExpired):
			httputil.WriteCodedError(w, http.StatusGone, "InvitationExpired", "invitation has expired")
		case errors.Is(err, orgs.ErrInvitationAccepted):
			httputil.WriteConflict(w, "invitation was already accepted")
		default:
			httputil.WriteInternalError(w, err)
		}
		return
	}

	s.notify(r.Context(), notify.Event{
		Type:           notify.EventMemberJoined,
		OrganizationID: inv.OrganizationID,
		ActorID:        member.ID,
		Message:        "member joined via invitation",
	})
	s.writeSession(w, r, member, http.StatusCreated)
}
