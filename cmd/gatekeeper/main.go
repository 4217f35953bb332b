package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/pouchon/gatekeeper/pkg/access"
	"github.com/pouchon/gatekeeper/pkg/api"
	"github.com/pouchon/gatekeeper/pkg/bot"
	"github.com/pouchon/gatekeeper/pkg/config"
	"github.com/pouchon/gatekeeper/pkg/observability"
	"github.com/pouchon/gatekeeper/pkg/paystack"
	"github.com/pouchon/gatekeeper/pkg/plans"
	"github.com/pouchon/gatekeeper/pkg/storage"
	"github.com/pouchon/gatekeeper/pkg/sweeper"
	"github.com/pouchon/gatekeeper/pkg/telegram"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gatekeeper: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("gatekeeper exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// OpenTelemetry, if enabled.
	var otelProviders *observability.OTelProviders
	if cfg.Observability.OTelEnabled {
		providers, err := observability.InitOTel(ctx, observability.OTelConfig{
			Enabled:        true,
			Endpoint:       cfg.Observability.OTelEndpoint,
			ServiceName:    cfg.Observability.OTelServiceName,
			ServiceVersion: cfg.Observability.OTelServiceVersion,
			Insecure:       cfg.Observability.OTelInsecure,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
		}
		otelProviders = providers
	}

	// Metrics.
	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// Durable storage.
	store, err := storage.Open(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()
	logger.WithField("type", cfg.Storage.Type).Info("storage initialized")

	// Conversation sessions: Redis when configured, in-process otherwise.
	var sessions bot.SessionStore
	var redisStore *bot.RedisStore
	if cfg.Sessions.RedisURL != "" {
		redisStore, err = bot.NewRedisStoreFromURL(cfg.Sessions.RedisURL, cfg.Sessions.TTL)
		if err != nil {
			return fmt.Errorf("failed to connect session store: %w", err)
		}
		sessions = redisStore
		logger.Info("session store: redis")
	} else {
		sessions = bot.NewMemoryStore(cfg.Sessions.MemorySize, cfg.Sessions.TTL)
		logger.Info("session store: memory")
	}
	defer sessions.Close()

	// Plan catalog.
	catalog := plans.DefaultCatalog()
	if cfg.PlansFile != "" {
		catalog, err = plans.LoadFile(cfg.PlansFile)
		if err != nil {
			return fmt.Errorf("failed to load plan catalog: %w", err)
		}
	}
	logger.WithField("plans", len(catalog.List())).Info("plan catalog loaded")

	// Telegram and Paystack clients.
	tg, err := telegram.New(cfg.Telegram.BotToken)
	if err != nil {
		return fmt.Errorf("failed to connect to telegram: %w", err)
	}
	logger.WithField("bot", tg.Username()).Info("authenticated with telegram")

	gateway := paystack.NewClient(cfg.Paystack.SecretKey)

	// Access manager: settlement, invites, revocations.
	manager := access.NewManager(store, tg, catalog, logger, metrics, access.Config{
		GroupChatID:  cfg.Telegram.GroupChatID,
		AdminContact: cfg.Telegram.AdminContact,
	})

	// Conversation handler.
	handler := bot.NewHandler(tg.Bot(), sessions, catalog, store, gateway, manager,
		logger, metrics, bot.Config{
			EmailDomain:  cfg.Paystack.EmailDomain,
			AdminIDs:     cfg.Telegram.AdminIDs,
			AdminContact: cfg.Telegram.AdminContact,
		})

	// Expiry sweeper.
	sweep := sweeper.New(store, manager, logger, metrics, sweeper.Config{
		Interval: cfg.Sweeper.Interval,
		Workers:  cfg.Sweeper.Workers,
	})
	if err := sweep.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sweeper: %w", err)
	}

	// HTTP server: gateway webhook, health, metrics, and (in webhook
	// mode) the Telegram update endpoint.
	var health *observability.HealthChecker
	if redisStore != nil {
		health = observability.NewHealthChecker(store, redisStore.Client())
	} else {
		health = observability.NewHealthChecker(store, nil)
	}

	server, err := api.NewServer(ctx, api.Config{
		Addr:            cfg.Server.Addr(),
		PaystackSecret:  cfg.Paystack.SecretKey,
		UpdateWorkers:   cfg.Server.UpdateWorkers,
		UpdateQueueSize: cfg.Server.UpdateQueueSize,
	}, gateway, manager, handler, health, logger, metrics, registry)
	if err != nil {
		return fmt.Errorf("failed to build http server: %w", err)
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(server.Start)

	if cfg.Telegram.WebhookBaseURL != "" {
		// Webhook mode: Telegram pushes updates to our HTTP endpoint.
		if err := tg.RegisterWebhook(cfg.Telegram.WebhookBaseURL + "/telegram/webhook"); err != nil {
			return fmt.Errorf("failed to register telegram webhook: %w", err)
		}
		logger.Info("telegram updates: webhook mode")
	} else {
		// Polling mode: clear any stale webhook, then pull updates.
		if err := tg.DeleteWebhook(); err != nil {
			logger.WithError(err).Warn("failed to delete stale webhook")
		}
		logger.Info("telegram updates: long polling")

		group.Go(func() error {
			return pollUpdates(groupCtx, tg.Bot(), handler, logger)
		})
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	shutdown := observability.NewShutdownManager(logger, nil, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(func(sctx context.Context) error {
		return sweep.Stop(sctx)
	})
	shutdown.RegisterShutdownFunc(func(sctx context.Context) error {
		return server.Shutdown(sctx)
	})
	if otelProviders != nil {
		shutdown.RegisterShutdownFunc(func(sctx context.Context) error {
			return observability.ShutdownOTel(sctx, otelProviders, logger)
		})
	}

	group.Go(func() error {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-sigCh:
			logger.Infof("Received signal %s, starting graceful shutdown", sig)
		case <-groupCtx.Done():
			// Another component failed; clean up what did start.
		}

		sctx, scancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer scancel()
		err := shutdown.Shutdown(sctx)
		cancel()
		return err
	})

	return group.Wait()
}

// pollUpdates runs the long-polling loop, feeding every update through
// the conversation handler.
func pollUpdates(ctx context.Context, botAPI *tgbotapi.BotAPI, handler *bot.Handler, logger *observability.Logger) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := botAPI.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			botAPI.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			uctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := handler.HandleUpdate(uctx, update); err != nil {
				logger.WithError(err).Error("failed to handle update")
			}
			cancel()
		}
	}
}
