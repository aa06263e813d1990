package authz

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/keystone-pm/keystone/pkg/audit"
	"github.com/keystone-pm/keystone/pkg/identity"
	"github.com/keystone-pm/keystone/pkg/observability"
)

// ApprovalParams carries everything the approval engine needs to park a
// deferred mutation: what to run later, for whom, and who may approve it.
type ApprovalParams struct {
	Type           string
	RequestedBy    string
	OrganizationID string
	TargetKind     string
	TargetID       string
	Payload        json.RawMessage
	Description    string
	Priority       string
	ApproverRoles  []identity.Role
}

// ApprovalOpener opens a pending approval request and returns its ID.
// Implemented by the approvals engine.
type ApprovalOpener interface {
	OpenApproval(ctx context.Context, params ApprovalParams) (string, error)
}

// ApprovalAbandoner discards a pending request whose queued audit entry
// could not be written. Openers that implement it keep the approval queue
// and the trail from diverging: a request the trail never saw must not
// stay decidable.
type ApprovalAbandoner interface {
	AbandonApproval(ctx context.Context, id string) error
}

// Request is one authorization question put to the guard
type Request struct {
	// Identity is the authenticated actor
	Identity *identity.Identity
	// OrganizationID is the resolved scope from ResolveScope, never
	// re-derived here
	OrganizationID string
	// Resource is the capability being exercised, e.g.
	// "rentals.tenants.delete"
	Resource string
	// TargetOrgID is the organization owning the target entity; empty when
	// the action has no persisted target yet (creates, lists)
	TargetOrgID string
	// Target identifies the entity a deferred mutation would touch
	TargetKind string
	TargetID   string
	// Payload holds the caller-supplied mutation parameters, stored on the
	// approval request when the action is gated
	Payload json.RawMessage
	// Description and Priority annotate a gated request for triage
	Description string
	Priority    string
	// RequestID and IPAddress flow into the audit entry
	RequestID string
	IPAddress string
}

// Guard decides whether an action may proceed, parks gated actions as
// approval requests, and records every verdict to the audit trail before
// returning it.
type Guard struct {
	policy    *Policy
	approvals ApprovalOpener
	recorder  audit.Recorder
	metrics   *observability.Metrics
}

// NewGuard creates a guard. metrics may be nil.
func NewGuard(policy *Policy, approvals ApprovalOpener, recorder audit.Recorder, metrics *observability.Metrics) *Guard {
	return &Guard{
		policy:    policy,
		approvals: approvals,
		recorder:  recorder,
		metrics:   metrics,
	}
}

// Authorize answers one request.
//
// Cross-tenant isolation is checked before the policy table and is
// role-independent apart from the two platform-admin roles: no rule can
// grant an agent access to another organization's data. Then the table
// decides allow, deny, or defer. Gated actions are parked as pending
// approval requests; the caller's mutation must not run in this call.
//
// Deny is returned as a result, not an error. Errors mean the guard
// itself could not do its job: opening the approval request failed, or
// the audit write failed. Every verdict is recorded exactly once before
// it is returned, and an unrecordable verdict is never honored — an allow
// whose audit write fails comes back as an AuditWriteFailed error.
func (g *Guard) Authorize(ctx context.Context, req Request) (GuardResult, error) {
	ident := req.Identity

	// Tenancy isolation first, before any policy consultation.
	if req.TargetOrgID != "" && req.TargetOrgID != req.OrganizationID && !ident.Role.IsPlatformAdmin() {
		result := GuardResult{Verdict: VerdictDeny, DenyCode: CodeCrossTenantAccess}
		if err := g.record(ctx, req, audit.DecisionDenied, map[string]interface{}{
			"code":       string(CodeCrossTenantAccess),
			"target_org": req.TargetOrgID,
		}); err != nil {
			return GuardResult{}, err
		}
		g.observe(req.Resource, result)
		return result, nil
	}

	decision := g.policy.Evaluate(ident.Role, req.Resource)

	// Per-identity overrides grant a capability the role table denies.
	if decision.Outcome == OutcomeDenied && ident.HasOverride(req.Resource) {
		decision = PolicyDecision{Outcome: OutcomeAllowed, Override: true}
	}

	switch decision.Outcome {
	case OutcomeAllowed:
		result := GuardResult{Verdict: VerdictAllow, AdminBypass: decision.AdminBypass}
		details := map[string]interface{}{}
		if decision.AdminBypass {
			details["superadmin_bypass"] = true
		}
		if decision.Override {
			details["permission_override"] = true
		}
		if err := g.record(ctx, req, audit.DecisionAllowed, details); err != nil {
			return GuardResult{}, err
		}
		g.observe(req.Resource, result)
		return result, nil

	case OutcomeAllowedWithApproval:
		approvalID, err := g.approvals.OpenApproval(ctx, ApprovalParams{
			Type:           req.Resource,
			RequestedBy:    ident.ID,
			OrganizationID: req.OrganizationID,
			TargetKind:     req.TargetKind,
			TargetID:       req.TargetID,
			Payload:        req.Payload,
			Description:    req.Description,
			Priority:       req.Priority,
			ApproverRoles:  decision.ApproverRoles,
		})
		if err != nil {
			return GuardResult{}, fmt.Errorf("failed to open approval request: %w", err)
		}

		result := GuardResult{Verdict: VerdictDefer, ApprovalRequestID: approvalID}
		if err := g.record(ctx, req, audit.DecisionQueued, map[string]interface{}{
			"approval_request_id": approvalID,
		}); err != nil {
			// best effort: the request was never acknowledged, so it must
			// not survive without its queued trail entry
			if abandoner, ok := g.approvals.(ApprovalAbandoner); ok {
				_ = abandoner.AbandonApproval(ctx, approvalID)
			}
			return GuardResult{}, err
		}
		g.observe(req.Resource, result)
		return result, nil

	default:
		result := GuardResult{Verdict: VerdictDeny, DenyCode: CodeRoleNotPermitted}
		if err := g.record(ctx, req, audit.DecisionDenied, map[string]interface{}{
			"code": string(CodeRoleNotPermitted),
			"role": string(ident.Role),
		}); err != nil {
			return GuardResult{}, err
		}
		g.observe(req.Resource, result)
		return result, nil
	}
}

// record writes the audit entry for a verdict. A write failure downgrades
// the verdict to an AuditWriteFailed error (fail-closed).
func (g *Guard) record(ctx context.Context, req Request, decision audit.Decision, details map[string]interface{}) error {
	if len(details) == 0 {
		details = nil
	}
	err := g.recorder.Record(ctx, &audit.Entry{
		ActorID:        req.Identity.ID,
		OrganizationID: req.OrganizationID,
		Action:         req.Resource,
		TargetKind:     req.TargetKind,
		TargetID:       req.TargetID,
		Decision:       decision,
		RequestID:      req.RequestID,
		IPAddress:      req.IPAddress,
		Details:        details,
	})
	if g.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		g.metrics.AuditWritesTotal.WithLabelValues(string(decision), status).Inc()
	}
	if err != nil {
		return WrapError(CodeAuditWriteFailed, err, "audit write failed for %s", req.Resource)
	}
	return nil
}

func (g *Guard) observe(resource string, result GuardResult) {
	if g.metrics == nil {
		return
	}
	g.metrics.GuardDecisionsTotal.WithLabelValues(resource, result.Verdict.String()).Inc()
	if result.AdminBypass {
		g.metrics.GuardBypassTotal.Inc()
	}
}
