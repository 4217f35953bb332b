package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/pouchon/gatekeeper/pkg/async"
	"github.com/pouchon/gatekeeper/pkg/httputil"
	"github.com/pouchon/gatekeeper/pkg/observability"
	"github.com/pouchon/gatekeeper/pkg/paystack"
	"github.com/pouchon/gatekeeper/pkg/storage"
)

// Verifier re-checks a transaction with the gateway by reference.
// *paystack.Client satisfies it.
type Verifier interface {
	Verify(ctx context.Context, reference string) (*paystack.Transaction, error)
}

// Granter settles a payment and admits the user. *access.Manager
// satisfies it.
type Granter interface {
	Grant(ctx context.Context, reference string) (*storage.Subscription, bool, error)
	MarkFailed(ctx context.Context, reference string) (bool, error)
}

// UpdateHandler processes one Telegram update. *bot.Handler satisfies it.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update tgbotapi.Update) error
}

// Config holds the server settings.
type Config struct {
	Addr string

	// PaystackSecret signs inbound webhook deliveries. The server refuses
	// to start without it.
	PaystackSecret string

	// MaxBodyBytes caps inbound request bodies. Defaults to 1 MiB.
	MaxBodyBytes int64

	// Worker pool sizing for Telegram updates.
	UpdateWorkers   int
	UpdateQueueSize int
	UpdateTimeout   time.Duration
}

// Server is the HTTP server for webhooks, health, and metrics.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	pool       *async.WorkerPool

	verifier Verifier
	granter  Granter
	updates  UpdateHandler
	health   *observability.HealthChecker
	logger   *observability.Logger
	metrics  *observability.Metrics
	registry *prometheus.Registry
	cfg      Config
}

// NewServer creates the HTTP server and its update worker pool.
func NewServer(ctx context.Context, cfg Config, verifier Verifier, granter Granter,
	updates UpdateHandler, health *observability.HealthChecker,
	logger *observability.Logger, metrics *observability.Metrics,
	registry *prometheus.Registry) (*Server, error) {

	if cfg.PaystackSecret == "" {
		return nil, fmt.Errorf("paystack webhook secret is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.UpdateWorkers <= 0 {
		cfg.UpdateWorkers = 4
	}
	if cfg.UpdateQueueSize <= 0 {
		cfg.UpdateQueueSize = 64
	}
	if cfg.UpdateTimeout <= 0 {
		cfg.UpdateTimeout = 30 * time.Second
	}

	s := &Server{
		router:   mux.NewRouter(),
		pool:     async.NewWorkerPool(ctx, cfg.UpdateWorkers, cfg.UpdateQueueSize, "telegram-update", cfg.UpdateTimeout),
		verifier: verifier,
		granter:  granter,
		updates:  updates,
		health:   health,
		logger:   logger,
		metrics:  metrics,
		registry: registry,
		cfg:      cfg,
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:              cfg.Addr,
		Handler:           otelhttp.NewHandler(s.middleware()(s.router), "gatekeeper-api"),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.HandleFunc("/paystack/webhook", s.handlePaystackWebhook).Methods("POST")
	s.router.HandleFunc("/telegram/webhook", s.handleTelegramWebhook).Methods("POST")

	if s.health != nil {
		s.router.HandleFunc("/healthz", s.health.Liveness).Methods("GET")
		s.router.HandleFunc("/readyz", s.health.Readiness).Methods("GET")
	}
	if s.registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(s.registry)).Methods("GET")
	}
}

func (s *Server) middleware() func(http.Handler) http.Handler {
	chain := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
		httputil.MaxBytesMiddleware(s.cfg.MaxBodyBytes),
	}
	if s.metrics != nil {
		chain = append(chain, observability.HTTPMetricsMiddleware(s.metrics))
	}
	return httputil.Chain(chain...)
}

// ServeHTTP implements http.Handler. Used by tests; production traffic
// goes through the middleware stack on the embedded http.Server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Start serves HTTP until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.cfg.Addr).Info("http server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops the listener and drains the update worker pool.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)

	drain := 10 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < drain {
			drain = left
		}
	}
	if poolErr := s.pool.Shutdown(drain); poolErr != nil && err == nil {
		err = poolErr
	}
	return err
}
