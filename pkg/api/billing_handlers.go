package api

import (
	"errors"
	"net/http"

	"github.com/keystone-pm/keystone/pkg/authz"
	"github.com/keystone-pm/keystone/pkg/billing"
	"github.com/keystone-pm/keystone/pkg/httputil"
)

type billingResponse struct {
	Subscription *billing.Subscription `json:"subscription,omitempty"`
	Plan         billing.Plan          `json:"plan"`
	Limits       billing.PlanLimits    `json:"limits"`
}

func (s *Server) getBilling(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "billing.view",
	}) {
		return
	}

	resp := billingResponse{Plan: billing.PlanFree, Limits: billing.LimitsFor(billing.PlanFree)}
	sub, err := s.billing.GetSubscription(r.Context(), scope)
	switch {
	case err == nil:
		resp.Subscription = sub
		if sub.Usable() {
			resp.Plan = sub.Plan
			resp.Limits = billing.LimitsFor(sub.Plan)
		}
	case errors.Is(err, billing.ErrNotFound):
		// unsubscribed orgs run on the free plan
	default:
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, resp)
}

func (s *Server) updateBilling(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	var body struct {
		Plan      billing.Plan `json:"plan"`
		TrialDays int          `json:"trial_days"`
	}
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	if !body.Plan.IsValid() {
		httputil.WriteBadRequest(w, "unknown plan")
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "billing.update",
	}) {
		return
	}

	_, err := s.billing.GetSubscription(r.Context(), scope)
	switch {
	case errors.Is(err, billing.ErrNotFound):
		sub, err := s.billing.CreateSubscription(r.Context(), scope, body.Plan, body.TrialDays)
		if err != nil {
			httputil.WriteInternalError(w, err)
			return
		}
		httputil.WriteCreated(w, sub)
		return
	case err != nil:
		httputil.WriteInternalError(w, err)
		return
	}

	if err := s.billing.ChangePlan(r.Context(), scope, body.Plan); err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	sub, err := s.billing.GetSubscription(r.Context(), scope)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

func (s *Server) cancelBilling(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "billing.update",
	}) {
		return
	}
	immediately := httputil.ParseQueryBool(r, "immediately", false)
	if err := s.billing.CancelSubscription(r.Context(), scope, immediately); err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			httputil.WriteNotFound(w, "no subscription")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteNoContent(w)
}

func (s *Server) reactivateBilling(w http.ResponseWriter, r *http.Request) {
	ident, scope, ok := s.requestContext(w, r)
	if !ok || !s.requireScopedOrg(w, scope) {
		return
	}
	if !s.authorize(w, r, authz.Request{
		Identity: ident, OrganizationID: scope, Resource: "billing.update",
	}) {
		return
	}
	if err := s.billing.ReactivateSubscription(r.Context(), scope); err != nil {
		if errors.Is(err, billing.ErrNotFound) {
			httputil.WriteNotFound(w, "no subscription")
			return
		}
		httputil.WriteInternalError(w, err)
		return
	}
	sub, err := s.billing.GetSubscription(r.Context(), scope)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}
