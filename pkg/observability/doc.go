// Package observability provides structured logging, Prometheus metrics,
// health checks, and OpenTelemetry tracing for the service.
//
// # Structured Logging
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("user_id", userID).Info("access granted")
//
// # Prometheus Metrics
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.GrantsTotal.WithLabelValues("kenya", "ok").Inc()
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(store, redisClient)
//	status := checker.Check(ctx)
//
// # OpenTelemetry
//
//	providers, err := observability.InitOTel(ctx, cfg, logger)
//	defer observability.ShutdownOTel(ctx, providers, logger)
package observability
