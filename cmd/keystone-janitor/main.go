// Command keystone-janitor runs the recurring maintenance jobs that keep the
// operational tables tidy: expired session and invitation cleanup, lease
// expiry, subscription status sweeps, usage period resets, and audit log
// retention. It shares the configuration surface of the API server and is
// intended to run as a single replica alongside it.
package main

import (
	"context"
	"database/sql"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/keystone-pm/keystone/pkg/audit"
	"github.com/keystone-pm/keystone/pkg/billing"
	"github.com/keystone-pm/keystone/pkg/config"
	"github.com/keystone-pm/keystone/pkg/identity"
	"github.com/keystone-pm/keystone/pkg/orgs"
	"github.com/keystone-pm/keystone/pkg/rentals"
)

const jobTimeout = 5 * time.Minute

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		logger.WithError(err).Fatal("failed to open postgres")
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	if err := db.Ping(); err != nil {
		logger.WithError(err).Fatal("failed to connect to postgres")
	}

	identities, err := identity.NewStore(db)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize identity store")
	}
	orgService, err := orgs.NewPostgresService(db)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize organization service")
	}
	rentalStore, err := rentals.NewStore(db)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize rentals store")
	}
	auditStore, err := audit.NewStore(db)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize audit store")
	}
	billingService, err := billing.NewPostgresService(db, orgService)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize billing service")
	}

	retentionDays := envInt("KEYSTONE_AUDIT_RETENTION_DAYS", 365)

	c := cron.New(cron.WithChain(
		cron.Recover(cronLogger{logger}),
		cron.SkipIfStillRunning(cronLogger{logger}),
	))

	schedule(c, logger, "@every 1h", "expired-sessions", func(ctx context.Context) (int64, error) {
		return identities.DeleteExpiredSessions(ctx)
	})
	schedule(c, logger, "@every 6h", "expired-invitations", func(ctx context.Context) (int64, error) {
		return orgService.CleanupExpiredInvitations(ctx)
	})
	schedule(c, logger, "@daily", "lease-expiry", func(ctx context.Context) (int64, error) {
		return rentalStore.ExpireLeases(ctx, time.Now().UTC())
	})
	schedule(c, logger, "@hourly", "subscription-sweep", func(ctx context.Context) (int64, error) {
		return billingService.SweepSubscriptions(ctx, time.Now().UTC())
	})
	schedule(c, logger, "@hourly", "usage-period-reset", func(ctx context.Context) (int64, error) {
		return orgService.ResetExpiredUsagePeriods(ctx)
	})
	schedule(c, logger, "@daily", "audit-retention", func(ctx context.Context) (int64, error) {
		cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)
		return auditStore.Purge(ctx, cutoff)
	})

	c.Start()
	logger.WithField("audit_retention_days", retentionDays).Info("janitor started")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("janitor stopping")
	<-c.Stop().Done()
}

func schedule(c *cron.Cron, logger *logrus.Logger, spec, name string, job func(context.Context) (int64, error)) {
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
		defer cancel()

		start := time.Now()
		affected, err := job(ctx)
		entry := logger.WithFields(logrus.Fields{
			"job":      name,
			"duration": time.Since(start).String(),
		})
		if err != nil {
			entry.WithError(err).Error("maintenance job failed")
			return
		}
		entry.WithField("affected", affected).Info("maintenance job completed")
	})
	if err != nil {
		logger.WithError(err).WithField("job", name).Fatal("failed to schedule maintenance job")
	}
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// cronLogger adapts logrus to cron's Logger interface.
type cronLogger struct {
	logger *logrus.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.WithField("fields", keysAndValues).Info(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.WithError(err).WithField("fields", keysAndValues).Error(msg)
}
