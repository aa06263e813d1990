package orgs

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*PostgresService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS organizations").
		WillReturnResult(sqlmock.NewResult(0, 0))

	svc, err := NewPostgresService(db)
	require.NoError(t, err)
	return svc, mock
}

func orgRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "owner_identity_id", "status", "subscription_id",
		"settings", "created_at", "updated_at",
	})
}

func TestPostgresService_CreateOrganization(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()

	mock.ExpectQuery("INSERT INTO organizations").
		WithArgs(sqlmock.AnyArg(), "Hillside Rentals", "landlord-1", StatusActive, "", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))
	mock.ExpectExec("INSERT INTO org_usage").
		WillReturnResult(sqlmock.NewResult(0, 1))

	org := &Organization{
		Name:            "Hillside Rentals",
		OwnerIdentityID: "landlord-1",
		Settings:        map[string]any{"currency": "EUR"},
	}
	require.NoError(t, svc.CreateOrganization(context.Background(), org))
	assert.NotEmpty(t, org.ID)
	assert.Equal(t, StatusActive, org.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresService_GetOrganization(t *testing.T) {
	svc, mock := newTestService(t)
	now := time.Now()

	t.Run("found", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM organizations WHERE id").
			WithArgs("org-1").
			WillReturnRows(orgRows().AddRow(
				"org-1", "Hillside Rentals", "landlord-1", "active", "sub-1",
				[]byte(`{"currency":"EUR"}`), now, now,
			))

		org, err := svc.GetOrganization(context.Background(), "org-1")
		require.NoError(t, err)
		assert.Equal(t, "sub-1", org.SubscriptionID)
		assert.Equal(t, "EUR", org.Settings["currency"])
		assert.True(t, org.IsActive())
	})

	t.Run("not found", func(t *testing.T) {
		mock.ExpectQuery("SELECT (.+) FROM organizations WHERE id").
			WithArgs("missing").
			WillReturnRows(orgRows())

		_, err := svc.GetOrganization(context.Background(), "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresService_SetStatus(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec("UPDATE organizations SET status").
		WithArgs(StatusSuspended, "org-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.SetStatus(context.Background(), "org-1", StatusSuspended))

	mock.ExpectExec("UPDATE organizations SET status").
		WithArgs(StatusActive, "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := svc.SetStatus(context.Background(), "missing", StatusActive)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresService_ResetExpiredUsagePeriods(t *testing.T) {
	svc, mock := newTestService(t)

	mock.ExpectExec("UPDATE org_usage").
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := svc.ResetExpiredUsagePeriods(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCurrentPeriod(t *testing.T) {
	now := time.Date(2026, 8, 17, 13, 45, 0, 0, time.UTC)
	start, end := currentPeriod(now)
	assert.Equal(t, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC), end)
}
