// Package observability provides structured logging, Prometheus metrics, health
// checks and OpenTelemetry tracing for the entitlements service.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("event_id", evt.ID).Warn("dropping webhook event")
//
// Handlers retrieve the request-scoped logger with FromContext, which adds the
// request and user IDs set by the HTTP middleware.
//
// # Prometheus Metrics
//
//	metrics := observability.NewMetrics(prometheus.NewRegistry())
//	metrics.WebhookEventsTotal.WithLabelValues("customer.subscription.created", "applied").Inc()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(db, redisClient)
//	observability.RegisterHealthRoutes(healthMux, checker)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer providers.Shutdown(ctx)
//
//	ctx, span := observability.Tracer().Start(ctx, "reconciler.apply")
//	defer span.End()
package observability
