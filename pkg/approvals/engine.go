package approvals

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/keystone-pm/keystone/pkg/audit"
	"github.com/keystone-pm/keystone/pkg/authz"
	"github.com/keystone-pm/keystone/pkg/identity"
	"github.com/keystone-pm/keystone/pkg/observability"
)

// ErrReasonRequired is returned when a rejection carries no reason
var ErrReasonRequired = errors.New("rejection reason is required")

// ErrInvalidOutcome is returned for an outcome other than approved or
// rejected.
var ErrInvalidOutcome = errors.New("outcome must be approved or rejected")

// Engine runs the approval workflow: it opens requests on behalf of the
// guard and applies the one permitted transition when an approver decides.
type Engine struct {
	db       *sql.DB
	store    *Store
	executor Executor
	recorder audit.Recorder
	metrics  *observability.Metrics
	logger   *logrus.Logger
}

// NewEngine creates an approval engine. metrics may be nil.
func NewEngine(db *sql.DB, store *Store, executor Executor, recorder audit.Recorder, metrics *observability.Metrics, logger *logrus.Logger) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	return &Engine{
		db:       db,
		store:    store,
		executor: executor,
		recorder: recorder,
		metrics:  metrics,
		logger:   logger,
	}
}

// OpenApproval parks a gated mutation as a pending request and returns its
// ID. Called by the authorization guard; the guard records the queued
// audit entry itself.
func (e *Engine) OpenApproval(ctx context.Context, params authz.ApprovalParams) (string, error) {
	priority := Priority(params.Priority)
	if !priority.IsValid() {
		priority = PriorityMedium
	}

	req := &Request{
		Type:           params.Type,
		RequestedBy:    params.RequestedBy,
		OrganizationID: params.OrganizationID,
		Target:         TargetRef{Kind: params.TargetKind, ID: params.TargetID},
		Payload:        params.Payload,
		Description:    params.Description,
		Priority:       priority,
		ApproverRoles:  params.ApproverRoles,
	}
	if err := e.store.Create(ctx, req); err != nil {
		return "", err
	}

	if e.metrics != nil {
		e.metrics.ApprovalsCreatedTotal.WithLabelValues(req.Type).Inc()
		e.metrics.ApprovalsPending.Inc()
	}
	e.logger.WithFields(logrus.Fields{
		"approval_request_id": req.ID,
		"type":                req.Type,
		"organization_id":     req.OrganizationID,
		"priority":            req.Priority,
	}).Info("Approval request opened")

	return req.ID, nil
}

// AbandonApproval discards a still-pending request whose queued audit
// entry could not be written, so the queue holds no request the trail
// never saw. Decided requests are left alone.
func (e *Engine) AbandonApproval(ctx context.Context, id string) error {
	deleted, err := e.store.DeletePending(ctx, id)
	if err != nil {
		return err
	}
	if deleted {
		if e.metrics != nil {
			e.metrics.ApprovalsPending.Dec()
		}
		e.logger.WithField("approval_request_id", id).
			Warn("Approval request abandoned after failed audit write")
	}
	return nil
}

// Get retrieves a request by ID
func (e *Engine) Get(ctx context.Context, id string) (*Request, error) {
	req, err := e.store.Get(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, authz.NewError(authz.CodeNotFound, "approval request %s not found", id)
	}
	return req, err
}

// ListPending returns pending requests visible under the resolved scope
func (e *Engine) ListPending(ctx context.Context, organizationID string) ([]*Request, error) {
	return e.store.ListPending(ctx, organizationID)
}

// Decide applies an approver's decision to a pending request.
//
// Eligibility is checked against the approver roles captured when the
// request was opened, not the current policy table, and the requester may
// never decide their own request regardless of role. The status
// transition is a conditional update scoped to status=pending, so of two
// concurrent decisions exactly one commits and the other returns
// AlreadyDecided. On approval the deferred mutation runs inside the same
// transaction; if it fails, the transaction rolls back and the request
// stays pending with the approval unspent.
//
// Every call records exactly one audit entry, success or failure. When
// the recorder can join the transaction, the decision entry commits with
// the transition; a failed audit write then rolls the decision back and
// the request stays pending.
func (e *Engine) Decide(ctx context.Context, id string, approver *identity.Identity, outcome Outcome, rejectionReason string) (*Request, error) {
	if outcome != OutcomeApproved && outcome != OutcomeRejected {
		return nil, ErrInvalidOutcome
	}
	if outcome == OutcomeRejected && rejectionReason == "" {
		return nil, ErrReasonRequired
	}

	req, err := e.store.Get(ctx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, e.fail(ctx, approver, id, nil,
			authz.NewError(authz.CodeNotFound, "approval request %s not found", id))
	}
	if err != nil {
		return nil, err
	}

	if req.Status != StatusPending {
		return nil, e.fail(ctx, approver, id, req,
			authz.NewError(authz.CodeAlreadyDecided, "approval request %s is already %s", id, req.Status))
	}
	if approver.ID == req.RequestedBy {
		return nil, e.fail(ctx, approver, id, req,
			authz.NewError(authz.CodeSelfApproval, "requester may not decide their own request"))
	}
	if !req.EligibleApprover(approver.Role) {
		return nil, e.fail(ctx, approver, id, req,
			authz.NewError(authz.CodeApproverNotEligible, "role %s may not approve this request", approver.Role))
	}

	decidedAt := time.Now().UTC()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin approval transaction: %w", err)
	}
	defer tx.Rollback()

	won, err := decideTx(ctx, tx, id, outcome, approver.ID, rejectionReason, decidedAt)
	if err != nil {
		return nil, err
	}
	if !won {
		// lost a race: the request existed and was pending moments ago
		return nil, e.fail(ctx, approver, id, req,
			authz.NewError(authz.CodeAlreadyDecided, "approval request %s was decided concurrently", id))
	}

	if outcome == OutcomeApproved {
		if err := e.executor.Execute(ctx, tx, req); err != nil {
			// rollback via defer: the request stays pending for retry
			e.logger.WithError(err).WithField("approval_request_id", id).
				Warn("Deferred mutation failed; approval rolled back")
			execErr := fmt.Errorf("failed to execute approved mutation: %w", err)
			if aerr := e.recordDecision(ctx, approver, req.OrganizationID, id, map[string]interface{}{
				"outcome": "execution_failed",
				"type":    req.Type,
			}, audit.DecisionDenied); aerr != nil {
				return nil, aerr
			}
			return nil, execErr
		}
	}

	entry := e.decisionEntry(approver, req.OrganizationID, id, map[string]interface{}{
		"outcome": string(outcome),
		"type":    req.Type,
	}, audit.DecisionAllowed)

	tr, joinsTx := e.recorder.(audit.TxRecorder)
	if joinsTx {
		if err := e.noteAuditWrite(tr.RecordTx(ctx, tx, entry), id, audit.DecisionAllowed); err != nil {
			// rollback via defer: an unaudited decision is not honored
			// and the request stays pending
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit approval transaction: %w", err)
	}

	req.Status = StatusApproved
	if outcome == OutcomeRejected {
		req.Status = StatusRejected
		req.RejectionReason = rejectionReason
	}
	req.DecidedBy = approver.ID
	req.DecidedAt = &decidedAt

	if e.metrics != nil {
		e.metrics.ApprovalsDecidedTotal.WithLabelValues(string(outcome)).Inc()
		e.metrics.ApprovalsPending.Dec()
	}

	if !joinsTx {
		if err := e.noteAuditWrite(e.recorder.Record(ctx, entry), id, audit.DecisionAllowed); err != nil {
			// the transition is committed; the caller still must not
			// treat an unaudited decide as acknowledged
			return nil, err
		}
	}

	return req, nil
}

// fail records the audit entry for a refused decide and returns the coded
// error, downgrading to AuditWriteFailed when the trail cannot be written.
func (e *Engine) fail(ctx context.Context, approver *identity.Identity, id string, req *Request, cause *authz.Error) error {
	orgID := ""
	details := map[string]interface{}{"code": string(cause.Code)}
	if req != nil {
		orgID = req.OrganizationID
		details["type"] = req.Type
	}
	if err := e.recordDecision(ctx, approver, orgID, id, details, audit.DecisionDenied); err != nil {
		return err
	}
	return cause
}

func (e *Engine) decisionEntry(approver *identity.Identity, orgID, id string, details map[string]interface{}, decision audit.Decision) *audit.Entry {
	return &audit.Entry{
		ActorID:        approver.ID,
		OrganizationID: orgID,
		Action:         "approvals.decide",
		TargetKind:     "approval_request",
		TargetID:       id,
		Decision:       decision,
		Details:        details,
	}
}

func (e *Engine) recordDecision(ctx context.Context, approver *identity.Identity, orgID, id string, details map[string]interface{}, decision audit.Decision) error {
	entry := e.decisionEntry(approver, orgID, id, details, decision)
	return e.noteAuditWrite(e.recorder.Record(ctx, entry), id, decision)
}

func (e *Engine) noteAuditWrite(err error, id string, decision audit.Decision) error {
	if e.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		e.metrics.AuditWritesTotal.WithLabelValues(string(decision), status).Inc()
	}
	if err != nil {
		return authz.WrapError(authz.CodeAuditWriteFailed, err, "audit write failed for decide on %s", id)
	}
	return nil
}
