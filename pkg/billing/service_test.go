package billing

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testOrg = "3f1d2c4e-8a91-4c5e-9b3a-0d6f7e8a9b1c"

type orgLink struct {
	orgID, subID string
}

func (o *orgLink) SetSubscription(ctx context.Context, id, subscriptionID string) error {
	o.orgID, o.subID = id, subscriptionID
	return nil
}

func newTestService(t *testing.T) (*PostgresService, sqlmock.Sqlmock, *orgLink) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	link := &orgLink{}
	return &PostgresService{db: db, orgs: link}, mock, link
}

func TestCreateSubscription(t *testing.T) {
	svc, mock, link := newTestService(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WithArgs(sqlmock.AnyArg(), testOrg, PlanStandard, SubscriptionActive,
			sqlmock.AnyArg(), sqlmock.AnyArg(), nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow("sub-1", now, now))

	sub, err := svc.CreateSubscription(context.Background(), testOrg, PlanStandard, 0)
	require.NoError(t, err)
	assert.Equal(t, SubscriptionActive, sub.Status)
	assert.Equal(t, testOrg, link.orgID)
	assert.Equal(t, "sub-1", link.subID)
}

func TestCreateSubscriptionWithTrial(t *testing.T) {
	svc, mock, _ := newTestService(t)
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WithArgs(sqlmock.AnyArg(), testOrg, PlanPremium, SubscriptionTrialing,
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow("sub-2", now, now))

	sub, err := svc.CreateSubscription(context.Background(), testOrg, PlanPremium, 14)
	require.NoError(t, err)
	assert.Equal(t, SubscriptionTrialing, sub.Status)
	require.NotNil(t, sub.TrialEnd)
	assert.WithinDuration(t, time.Now().AddDate(0, 0, 14), *sub.TrialEnd, time.Minute)
}

func TestCreateSubscriptionInvalidPlan(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.CreateSubscription(context.Background(), testOrg, Plan("platinum"), 0)
	assert.Error(t, err)
}

func TestGetSubscriptionNotFound(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectQuery(`SELECT .+ FROM subscriptions WHERE organization_id`).
		WithArgs(testOrg).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := svc.GetSubscription(context.Background(), testOrg)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLimitsForFallsBackToFree(t *testing.T) {
	svc, mock, _ := newTestService(t)

	t.Run("no subscription", func(t *testing.T) {
		mock.ExpectQuery(`SELECT .+ FROM subscriptions`).
			WithArgs(testOrg).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))

		limits, err := svc.LimitsFor(context.Background(), testOrg)
		require.NoError(t, err)
		assert.Equal(t, PlanFree, limits.Plan)
	})

	t.Run("canceled subscription", func(t *testing.T) {
		now := time.Now()
		mock.ExpectQuery(`SELECT .+ FROM subscriptions`).
			WithArgs(testOrg).
			WillReturnRows(subscriptionRows().
				AddRow("sub-1", testOrg, PlanPremium, SubscriptionCanceled,
					now.AddDate(0, -1, 0), now, false, nil, now, now, now))

		limits, err := svc.LimitsFor(context.Background(), testOrg)
		require.NoError(t, err)
		assert.Equal(t, PlanFree, limits.Plan)
	})

	t.Run("active premium", func(t *testing.T) {
		now := time.Now()
		mock.ExpectQuery(`SELECT .+ FROM subscriptions`).
			WithArgs(testOrg).
			WillReturnRows(subscriptionRows().
				AddRow("sub-1", testOrg, PlanPremium, SubscriptionActive,
					now, now.AddDate(0, 1, 0), false, nil, nil, now, now))

		limits, err := svc.LimitsFor(context.Background(), testOrg)
		require.NoError(t, err)
		assert.Equal(t, PlanPremium, limits.Plan)
		assert.Equal(t, 500, limits.MaxProperties)
	})
}

func subscriptionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "organization_id", "plan", "status",
		"current_period_start", "current_period_end", "cancel_at_period_end",
		"trial_end", "canceled_at", "created_at", "updated_at"})
}

func TestCancelSubscriptionAtPeriodEnd(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectExec(`UPDATE subscriptions SET cancel_at_period_end = TRUE`).
		WithArgs(testOrg, SubscriptionCanceled).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, svc.CancelSubscription(context.Background(), testOrg, false))
}

func TestCancelSubscriptionImmediately(t *testing.T) {
	svc, mock, _ := newTestService(t)

	mock.ExpectExec(`UPDATE subscriptions SET status`).
		WithArgs(SubscriptionCanceled, testOrg).
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, svc.CancelSubscription(context.Background(), testOrg, true))
}

func TestSweepSubscriptions(t *testing.T) {
	svc, mock, _ := newTestService(t)
	now := time.Now()

	mock.ExpectExec(`UPDATE subscriptions SET status .+ trial_end`).
		WithArgs(SubscriptionActive, SubscriptionTrialing, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE subscriptions SET status .+ cancel_at_period_end`).
		WithArgs(SubscriptionCanceled, now).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE subscriptions\s+SET current_period_start`).
		WithArgs(SubscriptionActive, now).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := svc.SweepSubscriptions(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLimitsTableIsMonotonic(t *testing.T) {
	free := LimitsFor(PlanFree)
	std := LimitsFor(PlanStandard)
	prem := LimitsFor(PlanPremium)

	assert.Less(t, free.MaxProperties, std.MaxProperties)
	assert.Less(t, std.MaxProperties, prem.MaxProperties)
	assert.Less(t, free.APIRequestsPerMonth, std.APIRequestsPerMonth)
	assert.Less(t, std.APIRequestsPerMonth, prem.APIRequestsPerMonth)
}
