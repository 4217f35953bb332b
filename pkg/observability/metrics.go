package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Payment metrics
	PaymentsInitiatedTotal *prometheus.CounterVec
	PaymentsSettledTotal   *prometheus.CounterVec
	GatewayRequestDuration *prometheus.HistogramVec
	GatewayErrorsTotal     *prometheus.CounterVec

	// Webhook metrics
	WebhookEventsTotal      *prometheus.CounterVec
	WebhookRejectedTotal    *prometheus.CounterVec
	WebhookQueueDepth       prometheus.Gauge
	WebhookDroppedTotal     prometheus.Counter
	WebhookProcessDuration  prometheus.Histogram

	// Access metrics
	GrantsTotal         *prometheus.CounterVec
	RevokesTotal        *prometheus.CounterVec
	RevokeRetriesTotal  prometheus.Counter
	InviteFallbackTotal prometheus.Counter

	// Sweeper metrics
	SweepsTotal        prometheus.Counter
	SweepDuration      prometheus.Histogram
	SweepExpiredFound  prometheus.Counter

	// Storage metrics
	StorageOperationsTotal   *prometheus.CounterVec
	StorageOperationDuration *prometheus.HistogramVec
	StorageErrorsTotal       *prometheus.CounterVec

	// Session metrics
	SessionsActive       prometheus.Gauge
	SessionExpiriesTotal prometheus.Counter

	// Business metrics
	ActiveSubscriptionsTotal prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		// HTTP metrics
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		// Payment metrics
		PaymentsInitiatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_payments_initiated_total",
				Help: "Total number of payment initiations",
			},
			[]string{"plan", "status"},
		),
		PaymentsSettledTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_payments_settled_total",
				Help: "Total number of payments settled out of pending",
			},
			[]string{"status", "source"},
		),
		GatewayRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_gateway_request_duration_seconds",
				Help:    "Payment gateway request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		GatewayErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_gateway_errors_total",
				Help: "Total number of payment gateway errors",
			},
			[]string{"operation", "error_type"},
		),

		// Webhook metrics
		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_webhook_events_total",
				Help: "Total number of webhook events received",
			},
			[]string{"source", "event"},
		),
		WebhookRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_webhook_rejected_total",
				Help: "Total number of webhook deliveries rejected",
			},
			[]string{"source", "reason"},
		),
		WebhookQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeeper_webhook_queue_depth",
				Help: "Number of webhook events waiting for a worker",
			},
		),
		WebhookDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeeper_webhook_dropped_total",
				Help: "Total number of webhook events dropped because the queue was full",
			},
		),
		WebhookProcessDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_webhook_process_duration_seconds",
				Help:    "Webhook event processing duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		// Access metrics
		GrantsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_grants_total",
				Help: "Total number of access grants",
			},
			[]string{"plan", "status"},
		),
		RevokesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_revokes_total",
				Help: "Total number of access revocations",
			},
			[]string{"status"},
		),
		RevokeRetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeeper_revoke_retries_total",
				Help: "Total number of revoke retry attempts",
			},
		),
		InviteFallbackTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeeper_invite_fallback_total",
				Help: "Total number of grants that fell back to manual invite delivery",
			},
		),

		// Sweeper metrics
		SweepsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeeper_sweeps_total",
				Help: "Total number of expiry sweeps",
			},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_sweep_duration_seconds",
				Help:    "Expiry sweep duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		SweepExpiredFound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeeper_sweep_expired_found_total",
				Help: "Total number of expired subscriptions found by the sweeper",
			},
		),

		// Storage metrics
		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_storage_operations_total",
				Help: "Total number of storage operations",
			},
			[]string{"operation", "backend", "status"},
		),
		StorageOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gatekeeper_storage_operation_duration_seconds",
				Help:    "Storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "backend"},
		),
		StorageErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_storage_errors_total",
				Help: "Total number of storage errors",
			},
			[]string{"operation", "backend", "error_type"},
		),

		// Session metrics
		SessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeeper_sessions_active",
				Help: "Number of live conversation sessions",
			},
		),
		SessionExpiriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "gatekeeper_session_expiries_total",
				Help: "Total number of sessions expired by TTL",
			},
		),

		// Business metrics
		ActiveSubscriptionsTotal: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gatekeeper_active_subscriptions_total",
				Help: "Current number of active subscriptions",
			},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.PaymentsInitiatedTotal,
		m.PaymentsSettledTotal,
		m.GatewayRequestDuration,
		m.GatewayErrorsTotal,
		m.WebhookEventsTotal,
		m.WebhookRejectedTotal,
		m.WebhookQueueDepth,
		m.WebhookDroppedTotal,
		m.WebhookProcessDuration,
		m.GrantsTotal,
		m.RevokesTotal,
		m.RevokeRetriesTotal,
		m.InviteFallbackTotal,
		m.SweepsTotal,
		m.SweepDuration,
		m.SweepExpiredFound,
		m.StorageOperationsTotal,
		m.StorageOperationDuration,
		m.StorageErrorsTotal,
		m.SessionsActive,
		m.SessionExpiriesTotal,
		m.ActiveSubscriptionsTotal,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status and size
			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			// Record request size
			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(r.ContentLength))
			}

			// Serve the request
			next.ServeHTTP(rw, r)

			// Record metrics
			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// MetricsHandler returns the /metrics handler for the registry
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
