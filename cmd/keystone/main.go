package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/keystone-pm/keystone/pkg/api"
	"github.com/keystone-pm/keystone/pkg/approvals"
	"github.com/keystone-pm/keystone/pkg/audit"
	"github.com/keystone-pm/keystone/pkg/authz"
	"github.com/keystone-pm/keystone/pkg/billing"
	"github.com/keystone-pm/keystone/pkg/config"
	"github.com/keystone-pm/keystone/pkg/httputil"
	"github.com/keystone-pm/keystone/pkg/identity"
	"github.com/keystone-pm/keystone/pkg/middleware"
	"github.com/keystone-pm/keystone/pkg/notify"
	"github.com/keystone-pm/keystone/pkg/observability"
	"github.com/keystone-pm/keystone/pkg/orgs"
	"github.com/keystone-pm/keystone/pkg/rentals"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.WithError(err).Fatal("failed to load configuration")
	}

	db, err := openPostgres(cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to postgres")
	}
	defer db.Close()

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.WithError(err).Warn("redis unreachable; falling back to in-memory rate limiting and blacklist")
			redisClient = nil
		}
	}

	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// Stores and services
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
	approvalStore, err := approvals.NewStore(db)
	if err != nil {
		logger.WithError(err).Fatal("failed to initialize approval store")
	}

	// Gated mutations are routed to their domain executor by request type
	dispatcher := approvals.NewDispatcher()
	dispatcher.Register("rentals.", rentals.NewExecutor())
	orgExecutor := orgs.NewExecutor()
	dispatcher.Register("identities.", orgExecutor)
	dispatcher.Register("orgs.", orgExecutor)

	engine := approvals.NewEngine(db, approvalStore, dispatcher, auditStore, metrics, logger)
	guard := authz.NewGuard(authz.DefaultPolicy(), engine, auditStore, metrics)

	channels := []notify.Notifier{notify.NewLogNotifier(logger)}
	if redisClient != nil {
		channels = append(channels, notify.NewRedisNotifier(redisClient))
	}
	notifier := notify.NewFanout(logger, channels...)

	var blacklist middleware.Blacklist = middleware.NewMemoryBlacklist()
	if redisClient != nil {
		blacklist = middleware.NewRedisBlacklist(redisClient)
	}

	tokens := identity.NewTokenGenerator(cfg.Auth.TokenPrefix)
	authMW := middleware.NewAuthMiddleware(identities, tokens, blacklist, logger)
	orgMW := middleware.NewOrgScopeMiddleware(orgService)
	quotaMW := middleware.NewQuotaMiddleware(billingService, orgService, logger)

	protected := []mux.MiddlewareFunc{
		authMW.Handler,
		orgMW.Handler,
	}
	if redisClient != nil {
		protected = append(protected, middleware.NewRateLimitMiddleware(redisClient).Handler)
	}
	protected = append(protected, quotaMW.Handler)

	server := api.NewServer(api.Config{
		Identities: identities,
		Orgs:       orgService,
		Rentals:    rentalStore,
		Approvals:  engine,
		Guard:      guard,
		Audit:      auditStore,
		Billing:    billingService,
		Notifier:   notifier,
		Tokens:     tokens,
		Blacklist:  blacklist,
		SessionTTL: cfg.Auth.SessionTTL,
		Logger:     logger,
	}, protected...)

	handler := httpStack(cfg, logger, metrics, server.Router())

	apiServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Probes and metrics on a separate listener
	health := observability.NewHealthChecker(db, redisClient)
	probeMux := http.NewServeMux()
	probeMux.HandleFunc("/healthz", health.Liveness)
	probeMux.HandleFunc("/readyz", health.Readiness)
	if cfg.Observability.MetricsEnabled {
		probeMux.Handle("/metrics", observability.Handler(registry))
	}
	probeServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: probeMux,
	}

	obsLogger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	shutdown := observability.NewShutdownManager(obsLogger, cfg.Server.ShutdownTimeout, apiServer, probeServer)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error { return db.Close() })
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error { return redisClient.Close() })
	}

	g, _ := errgroup.WithContext(context.Background())
	g.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("api server listening")
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.WithField("addr", probeServer.Addr).Info("health server listening")
		if err := probeServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return shutdown.WaitForShutdown()
	})

	if err := g.Wait(); err != nil {
		logger.WithError(err).Fatal("server exited")
	}
}

func openPostgres(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// httpStack wraps the router with the outermost concerns: request IDs,
// access logging, panic recovery, CORS, and per-route metrics.
func httpStack(cfg *config.Config, logger *logrus.Logger, metrics *observability.Metrics, router http.Handler) http.Handler {
	stack := httputil.Chain(
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		httputil.CORSMiddleware(cfg.Server.CORSAllowedOrigins),
		httputil.MaxBytesMiddleware(1<<20),
	)(router)
	stack = httputil.RequestIDMiddleware(stack)
	if metrics != nil {
		stack = metrics.InstrumentHandler("/v1", stack)
	}
	return stack
}
