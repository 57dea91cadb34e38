package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/quantipackai/quantipack/pkg/config"
	"github.com/quantipackai/quantipack/pkg/entitlements"
	"github.com/quantipackai/quantipack/pkg/observability"
	"github.com/quantipackai/quantipack/pkg/plans"
	"github.com/quantipackai/quantipack/pkg/storage/postgres"
)

var (
	envFile     = flag.String("env-file", ".env", "Optional dotenv file loaded before the environment")
	schedule    = flag.String("schedule", "@hourly", "Cron schedule for the free-tier refresh")
	runOnce     = flag.Bool("run-once", false, "Refresh once and exit")
	metricsAddr = flag.String("metrics-addr", "", "Address serving /metrics while scheduled (disabled when empty)")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

// sweeper refreshes the balances of users who receive no billing events
type sweeper struct {
	ledger  entitlements.Ledger
	catalog *plans.Store
	reload  func() error
	metrics *observability.Metrics
	logger  *logrus.Logger
	now     func() time.Time
}

func main() {
	flag.Parse()

	logger := setupLogger(*logLevel)

	cfg, err := config.LoadConfig(*envFile)
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, postgres.ConnectionConfig{
		URL:      cfg.Database.URL,
		MaxConns: 2,
		MinConns: 1,
		Timeout:  cfg.Database.Timeout,
	})
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	catalog, err := plans.Load(cfg.Plans.File)
	if err != nil {
		logger.Fatalf("Failed to load plan catalog: %v", err)
	}
	planStore := plans.NewStore(catalog)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)
	watcher := plans.NewWatcher(cfg.Plans.File, planStore, observability.NewNopLogger(), metrics)

	s := &sweeper{
		ledger:  entitlements.NewPostgresLedger(db, metrics),
		catalog: planStore,
		reload:  watcher.Reload,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}

	if *runOnce {
		if _, err := s.run(ctx); err != nil {
			logger.Fatalf("Refresh failed: %v", err)
		}
		return
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(*schedule, func() {
		if _, err := s.run(ctx); err != nil {
			logger.Errorf("Refresh failed: %v", err)
		}
	}); err != nil {
		logger.Fatalf("Invalid schedule %q: %v", *schedule, err)
	}

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		observability.RegisterMetricsEndpoint(mux, registry)
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	c.Start()
	logger.Infof("Free-tier sweeper started with schedule %s", *schedule)

	<-ctx.Done()
	logger.Info("Shutting down gracefully...")

	stopped := c.Stop()
	<-stopped.Done()

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsServer.Shutdown(shutdownCtx)
	}

	logger.Info("Sweeper stopped")
}

// run reloads the catalog and resets every expired free-tier balance
func (s *sweeper) run(ctx context.Context) (int64, error) {
	if s.reload != nil {
		if err := s.reload(); err != nil {
			// The previous catalog stays active.
			s.logger.Warnf("Plan catalog reload failed: %v", err)
		}
	}

	now := s.now()
	freeTokens := s.catalog.FreeTokens()
	refreshed, err := s.ledger.RefreshFreeBalances(ctx, now, freeTokens, entitlements.NextReset(now))
	if err != nil {
		return 0, err
	}

	if s.metrics != nil {
		s.metrics.BalancesRefreshedTotal.Add(float64(refreshed))
	}
	s.logger.WithFields(logrus.Fields{
		"refreshed":   refreshed,
		"free_tokens": freeTokens,
	}).Info("Free-tier balances refreshed")
	return refreshed, nil
}

func setupLogger(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	return logger
}
