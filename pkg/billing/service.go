package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/keystone-pm/keystone/pkg/storage"
)

// ErrNotFound is returned when an organization has no subscription
var ErrNotFound = errors.New("subscription not found")

// OrgDirectory is the slice of the orgs service billing needs
type OrgDirectory interface {
	SetSubscription(ctx context.Context, id, subscriptionID string) error
}

// PostgresService implements subscription management on PostgreSQL
type PostgresService struct {
	db   *sql.DB
	orgs OrgDirectory
}

// NewPostgresService creates the billing service and ensures its table
func NewPostgresService(db *sql.DB, orgs OrgDirectory) (*PostgresService, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	s := &PostgresService{db: db, orgs: orgs}
	if err := s.ensureTable(); err != nil {
		return nil, fmt.Errorf("failed to ensure subscriptions table: %w", err)
	}
	return s, nil
}

func (s *PostgresService) ensureTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS subscriptions (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL UNIQUE,
		plan VARCHAR(20) NOT NULL,
		status VARCHAR(20) NOT NULL,
		current_period_start TIMESTAMP WITH TIME ZONE NOT NULL,
		current_period_end TIMESTAMP WITH TIME ZONE NOT NULL,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
		trial_end TIMESTAMP WITH TIME ZONE,
		canceled_at TIMESTAMP WITH TIME ZONE,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);
	CREATE INDEX IF NOT EXISTS idx_subscriptions_status ON subscriptions(status);
	`
	_, err := s.db.Exec(query)
	return err
}

// CreateSubscription starts a subscription for an organization, replacing
// any existing one. A positive trialDays starts the subscription trialing.
func (s *PostgresService) CreateSubscription(ctx context.Context, organizationID string, plan Plan, trialDays int) (*Subscription, error) {
	if !plan.IsValid() {
		return nil, fmt.Errorf("invalid plan %q", plan)
	}

	now := time.Now().UTC()
	sub := &Subscription{
		ID:                 uuid.NewString(),
		OrganizationID:     organizationID,
		Plan:               plan,
		Status:             SubscriptionActive,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
	}
	if trialDays > 0 {
		trialEnd := now.AddDate(0, 0, trialDays)
		sub.Status = SubscriptionTrialing
		sub.TrialEnd = &trialEnd
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO subscriptions (id, organization_id, plan, status, current_period_start, current_period_end, trial_end)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (organization_id) DO UPDATE
		SET plan = EXCLUDED.plan, status = EXCLUDED.status,
		    current_period_start = EXCLUDED.current_period_start,
		    current_period_end = EXCLUDED.current_period_end,
		    trial_end = EXCLUDED.trial_end,
		    cancel_at_period_end = FALSE, canceled_at = NULL,
		    updated_at = NOW()
		RETURNING id, created_at, updated_at
	`, sub.ID, sub.OrganizationID, sub.Plan, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.TrialEnd).
		Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	if s.orgs != nil {
		if err := s.orgs.SetSubscription(ctx, organizationID, sub.ID); err != nil {
			return nil, fmt.Errorf("failed to link subscription to organization: %w", err)
		}
	}
	return sub, nil
}

const subscriptionColumns = `id, organization_id, plan, status, current_period_start, current_period_end,
	cancel_at_period_end, trial_end, canceled_at, created_at, updated_at`

func scanSubscription(row *sql.Row) (*Subscription, error) {
	sub := &Subscription{}
	err := row.Scan(&sub.ID, &sub.OrganizationID, &sub.Plan, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.TrialEnd, &sub.CanceledAt, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	return sub, nil
}

// GetSubscription retrieves an organization's subscription
func (s *PostgresService) GetSubscription(ctx context.Context, organizationID string) (*Subscription, error) {
	var sub *Subscription
	err := storage.WithRetry(ctx, func(ctx context.Context) error {
		var scanErr error
		sub, scanErr = scanSubscription(s.db.QueryRowContext(ctx,
			`SELECT `+subscriptionColumns+` FROM subscriptions WHERE organization_id = $1`, organizationID))
		return scanErr
	})
	if err != nil {
		return nil, err
	}
	return sub, nil
}

// LimitsFor returns the quota set the organization's plan grants.
// Organizations without a subscription get free-tier limits.
func (s *PostgresService) LimitsFor(ctx context.Context, organizationID string) (PlanLimits, error) {
	sub, err := s.GetSubscription(ctx, organizationID)
	if errors.Is(err, ErrNotFound) {
		return LimitsFor(PlanFree), nil
	}
	if err != nil {
		return PlanLimits{}, err
	}
	if !sub.Usable() {
		return LimitsFor(PlanFree), nil
	}
	return LimitsFor(sub.Plan), nil
}

// ChangePlan moves the subscription to a different plan immediately
func (s *PostgresService) ChangePlan(ctx context.Context, organizationID string, plan Plan) error {
	if !plan.IsValid() {
		return fmt.Errorf("invalid plan %q", plan)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET plan = $1, updated_at = NOW()
		WHERE organization_id = $2 AND status != $3
	`, plan, organizationID, SubscriptionCanceled)
	if err != nil {
		return fmt.Errorf("failed to change plan: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelSubscription cancels now or flags the subscription to end with
// the current period.
func (s *PostgresService) CancelSubscription(ctx context.Context, organizationID string, immediately bool) error {
	var result sql.Result
	var err error
	if immediately {
		result, err = s.db.ExecContext(ctx, `
			UPDATE subscriptions SET status = $1, canceled_at = NOW(), updated_at = NOW()
			WHERE organization_id = $2 AND status != $1
		`, SubscriptionCanceled, organizationID)
	} else {
		result, err = s.db.ExecContext(ctx, `
			UPDATE subscriptions SET cancel_at_period_end = TRUE, updated_at = NOW()
			WHERE organization_id = $1 AND status != $2
		`, organizationID, SubscriptionCanceled)
	}
	if err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// ReactivateSubscription clears a pending cancellation
func (s *PostgresService) ReactivateSubscription(ctx context.Context, organizationID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET cancel_at_period_end = FALSE, updated_at = NOW()
		WHERE organization_id = $1 AND status != $2
	`, organizationID, SubscriptionCanceled)
	if err != nil {
		return fmt.Errorf("failed to reactivate subscription: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SweepSubscriptions advances subscription lifecycle state. Run by the
// janitor. In order: expired trials become active, subscriptions flagged
// for cancellation whose period ended are canceled, and remaining active
// periods that ended roll forward one month.
func (s *PostgresService) SweepSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	var total int64

	result, err := s.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = $1, updated_at = NOW()
		WHERE status = $2 AND trial_end IS NOT NULL AND trial_end < $3
	`, SubscriptionActive, SubscriptionTrialing, now)
	if err != nil {
		return total, fmt.Errorf("failed to end trials: %w", err)
	}
	n, _ := result.RowsAffected()
	total += n

	result, err = s.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = $1, canceled_at = NOW(), updated_at = NOW()
		WHERE status != $1 AND cancel_at_period_end AND current_period_end < $2
	`, SubscriptionCanceled, now)
	if err != nil {
		return total, fmt.Errorf("failed to cancel flagged subscriptions: %w", err)
	}
	n, _ = result.RowsAffected()
	total += n

	result, err = s.db.ExecContext(ctx, `
		UPDATE subscriptions
		SET current_period_start = current_period_end,
		    current_period_end = current_period_end + INTERVAL '1 month',
		    updated_at = NOW()
		WHERE status = $1 AND current_period_end < $2
	`, SubscriptionActive, now)
	if err != nil {
		return total, fmt.Errorf("failed to roll subscription periods: %w", err)
	}
	n, _ = result.RowsAffected()
	total += n

	return total, nil
}
