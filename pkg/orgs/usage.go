package orgs

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetUsage returns the current usage period for an organization
func (s *PostgresService) GetUsage(ctx context.Context, organizationID string) (*Usage, error) {
	usage := &Usage{}
	err := s.db.QueryRowContext(ctx, `
		SELECT organization_id, period_start, period_end, api_requests, properties_count, updated_at
		FROM org_usage WHERE organization_id = $1
	`, organizationID).Scan(
		&usage.OrganizationID, &usage.PeriodStart, &usage.PeriodEnd,
		&usage.APIRequests, &usage.PropertiesCount, &usage.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return usage, nil
}

// IncrementAPIRequests bumps the request counter for the current period
func (s *PostgresService) IncrementAPIRequests(ctx context.Context, organizationID string, n int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE org_usage SET api_requests = api_requests + $1, updated_at = NOW()
		WHERE organization_id = $2
	`, n, organizationID)
	if err != nil {
		return fmt.Errorf("failed to increment api requests: %w", err)
	}
	return nil
}

// SetPropertiesCount records the current property count for quota checks
func (s *PostgresService) SetPropertiesCount(ctx context.Context, organizationID string, count int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE org_usage SET properties_count = $1, updated_at = NOW()
		WHERE organization_id = $2
	`, count, organizationID)
	if err != nil {
		return fmt.Errorf("failed to set properties count: %w", err)
	}
	return nil
}

func (s *PostgresService) initializeUsagePeriod(ctx context.Context, organizationID string) error {
	start, end := currentPeriod(time.Now().UTC())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO org_usage (organization_id, period_start, period_end)
		VALUES ($1, $2, $3)
		ON CONFLICT (organization_id) DO NOTHING
	`, organizationID, start, end)
	return err
}

// ResetExpiredUsagePeriods rolls every organization whose period has
// ended into a fresh one. Run monthly by the janitor.
func (s *PostgresService) ResetExpiredUsagePeriods(ctx context.Context) (int64, error) {
	start, end := currentPeriod(time.Now().UTC())
	result, err := s.db.ExecContext(ctx, `
		UPDATE org_usage
		SET period_start = $1, period_end = $2, api_requests = 0, updated_at = NOW()
		WHERE period_end <= NOW()
	`, start, end)
	if err != nil {
		return 0, fmt.Errorf("failed to reset usage periods: %w", err)
	}
	return result.RowsAffected()
}

// currentPeriod returns the calendar month containing now
func currentPeriod(now time.Time) (time.Time, time.Time) {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}
