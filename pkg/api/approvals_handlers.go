package api

import (
	"net/http"

	"github.com/keystone-pm/keystone/pkg/approvals"
	"github.com/keystone-pm/keystone/pkg/authz"
	"github.com/keystone-pm/keystone/pkg/httputil"
	"github.com/keystone-pm/keystone/pkg/notify"
)

func (s *Server) listApprovals(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "approvals.view",
	}) {
		return
	}
	// Platform admins on the global scope see pending requests across
	// every organization.
	pending, err := s.approvals.ListPending(r.Context(), scope)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, pending)
}

func (s *Server) getApproval(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	req, err := s.approvals.Get(r.Context(), id)
	if err != nil {
		s.writeApprovalErr(w, err)
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "approvals.view",
		TargetOrgID: req.OrganizationID, TargetKind: "approval_request", TargetID: req.ID,
	}) {
		return
	}
	httputil.WriteSuccess(w, req)
}

func (s *Server) approveRequest(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, approvals.OutcomeApproved)
}

func (s *Server) rejectRequest(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, approvals.OutcomeRejected)
}

// decideApproval finalizes a pending request. The engine owns the hard
// checks (single decision, approver eligibility, the self-approval ban);
// the guard here covers tenancy and the base permission.
func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request, outcome approvals.Outcome) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok {
		return
	}
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	req, err := s.approvals.Get(r.Context(), id)
	if err != nil {
		s.writeApprovalErr(w, err)
		return
	}

	var body struct {
		Reason string `json:"reason"`
	}
	if outcome == approvals.OutcomeRejected {
		if !httputil.ParseJSONOrError(w, r, &body) {
			return
		}
		if body.Reason == "" {
			httputil.WriteBadRequest(w, "a rejection reason is required")
			return
		}
	}

	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "approvals.decide",
		TargetOrgID: req.OrganizationID, TargetKind: "approval_request", TargetID: req.ID,
	}) {
		return
	}

	decided, err := s.approvals.Decide(r.Context(), id, ident, outcome, body.Reason)
	if err != nil {
		s.writeApprovalErr(w, err)
		return
	}

	eventType := notify.EventApprovalApproved
	if outcome == approvals.OutcomeRejected {
		eventType = notify.EventApprovalRejected
	}
	s.notify(r.Context(), notify.Event{
		Type:           eventType,
		OrganizationID: decided.OrganizationID,
		ActorID:        ident.ID,
		SubjectID:      decided.ID,
		Message:        decided.Type,
	})
	httputil.WriteSuccess(w, decided)
}

// writeApprovalErr maps engine errors onto their coded HTTP responses
func (s *Server) writeApprovalErr(w http.ResponseWriter, err error) {
	code := authz.CodeOf(err)
	if code == "" {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteCodedError(w, authz.HTTPStatus(code), string(code), err.Error())
}
