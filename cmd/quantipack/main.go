package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/quantipackai/quantipack/pkg/api"
	"github.com/quantipackai/quantipack/pkg/billing"
	"github.com/quantipackai/quantipack/pkg/config"
	"github.com/quantipackai/quantipack/pkg/entitlements"
	"github.com/quantipackai/quantipack/pkg/middleware"
	"github.com/quantipackai/quantipack/pkg/observability"
	"github.com/quantipackai/quantipack/pkg/plans"
	"github.com/quantipackai/quantipack/pkg/reconciler"
	"github.com/quantipackai/quantipack/pkg/storage/postgres"
	"github.com/quantipackai/quantipack/pkg/users"
)

func main() {
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before the environment")
	flag.Parse()

	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("Service exited with error")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *observability.Logger) error {
	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	db, err := postgres.Open(ctx, postgres.ConnectionConfig{
		URL:      cfg.Database.URL,
		MaxConns: cfg.Database.MaxOpenConns,
		MinConns: cfg.Database.MaxIdleConns,
		Timeout:  cfg.Database.Timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	logger.Info("Connected to PostgreSQL")

	if cfg.Database.RunMigrations {
		if err := postgres.Migrate(ctx, db); err != nil {
			db.Close()
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		logger.Info("Database migrations applied")
	}

	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		redisClient, err = postgres.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			db.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		logger.Info("Connected to Redis")
	} else {
		logger.Warn("No Redis configured, webhook dedupe and rate limits are per instance")
	}

	catalog, err := plans.Load(cfg.Plans.File)
	if err != nil {
		closeStores(db, redisClient)
		return fmt.Errorf("failed to load plan catalog: %w", err)
	}
	planStore := plans.NewStore(catalog)
	metrics.PlanCatalogEntries.Set(float64(catalog.Len()))
	logger.WithFields(map[string]interface{}{
		"file":   cfg.Plans.File,
		"prices": catalog.Len(),
	}).Info("Plan catalog loaded")

	ledger := entitlements.NewPostgresLedger(db, metrics)
	userStore := users.NewPostgresStore(db, ledger, planStore, cfg.Auth.UserCacheSize)

	provider := billing.NewProvider(cfg.Stripe)
	if !provider.Configured() {
		logger.Warn("Stripe secret key not set, checkout and portal answer 503")
	}

	rec := reconciler.New(reconciler.Deps{
		Verifier: provider,
		Ledger:   ledger,
		Users:    userStore,
		Plans:    planStore,
		Events:   newEventStore(redisClient, cfg.Redis.DedupeTTL),
		Logger:   logger,
		Metrics:  metrics,
	})

	verifier, err := newIdentityVerifier(ctx, cfg.Auth, logger)
	if err != nil {
		closeStores(db, redisClient)
		return err
	}
	auth := middleware.NewAuthMiddleware(verifier, userStore)

	deps := api.Deps{
		Webhooks: rec,
		Ledger:   ledger,
		Sessions: billing.NewSessions(provider, ledger),
		Plans:    planStore,
		Auth:     auth.Handler,
		Logger:   logger,
		Metrics:  metrics,
	}
	if cfg.Server.AllowedOrigin != "" {
		deps.AllowedOrigins = strings.Split(cfg.Server.AllowedOrigin, ",")
	}
	var memoryLimiter *middleware.MemoryLimiter
	if cfg.Server.RateLimitPerMinute > 0 {
		limit := middleware.PerMinute(cfg.Server.RateLimitPerMinute)
		var limiter middleware.Limiter
		if redisClient != nil {
			limiter = middleware.NewRedisLimiter(redisClient, limit, "")
		} else {
			memoryLimiter = middleware.NewMemoryLimiter(limit)
			limiter = memoryLimiter
		}
		rateLimit := middleware.NewRateLimitMiddleware(limiter, limit)
		if err := rateLimit.TrustProxies(cfg.Server.TrustedProxies); err != nil {
			closeStores(db, redisClient)
			return err
		}
		deps.RateLimit = rateLimit.Handler
	}

	apiServer := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewServer(deps),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(db, redisClient))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:              cfg.Server.HealthAddr(),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, apiServer, healthServer)
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		return db.Close()
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(context.Context) error {
			return redisClient.Close()
		})
	}
	if providers != nil {
		shutdown.RegisterShutdownFunc(providers.Shutdown)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.WithField("addr", apiServer.Addr).Info("Starting API server")
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		logger.WithField("addr", healthServer.Addr).Info("Starting health server")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	})

	if cfg.Plans.Watch {
		watcher := plans.NewWatcher(cfg.Plans.File, planStore, logger, metrics)
		g.Go(func() error {
			if err := watcher.Run(gctx); err != nil {
				// Losing the watcher keeps the last good catalog.
				logger.WithError(err).Error("Plan catalog watcher stopped")
			}
			return nil
		})
	}

	if memoryLimiter != nil {
		g.Go(func() error {
			ticker := time.NewTicker(time.Minute)
			defer ticker.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-ticker.C:
					memoryLimiter.Cleanup()
				}
			}
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutting down")
		return shutdown.Shutdown(context.Background())
	})

	return g.Wait()
}

func newEventStore(client *redis.Client, ttl time.Duration) reconciler.EventStore {
	if client == nil {
		return reconciler.NewMemoryEventStore(0, ttl)
	}
	return reconciler.NewRedisEventStore(client, ttl)
}

func newIdentityVerifier(ctx context.Context, cfg config.AuthConfig, logger *observability.Logger) (middleware.IdentityVerifier, error) {
	if cfg.IssuerURL == "" {
		logger.Warn("No OIDC issuer configured, user routes answer 503")
		return middleware.UnconfiguredVerifier{}, nil
	}

	verifier, err := middleware.NewOIDCVerifier(ctx, cfg.IssuerURL, cfg.ClientID)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OIDC verifier: %w", err)
	}
	logger.WithField("issuer", cfg.IssuerURL).Info("OIDC verifier ready")
	return verifier, nil
}

func closeStores(db *sql.DB, client *redis.Client) {
	db.Close()
	if client != nil {
		client.Close()
	}
}
