// Package sweeper periodically scans for subscriptions whose access
// window has elapsed and revokes them.
package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pouchon/gatekeeper/pkg/async"
	"github.com/pouchon/gatekeeper/pkg/observability"
	"github.com/pouchon/gatekeeper/pkg/storage"
)

// Revoker removes a user's access. Implemented by access.Manager.
type Revoker interface {
	Revoke(ctx context.Context, sub *storage.Subscription) error
}

// Config holds sweeper settings.
type Config struct {
	// Interval between sweeps. Defaults to one minute.
	Interval time.Duration

	// Workers bounds how many revocations run concurrently per sweep.
	Workers int

	// RevokeTimeout bounds a single revocation, including its retries.
	RevokeTimeout time.Duration
}

// DefaultConfig returns the default sweeper settings.
func DefaultConfig() Config {
	return Config{
		Interval:      time.Minute,
		Workers:       4,
		RevokeTimeout: 2 * time.Minute,
	}
}

// Sweeper drives the expiry loop on a cron schedule.
type Sweeper struct {
	store   storage.Store
	revoker Revoker
	logger  *observability.Logger
	metrics *observability.Metrics
	cfg     Config

	cron *cron.Cron
	ctx  context.Context

	now func() time.Time
}

// New creates a sweeper. Call Start to begin sweeping.
func New(store storage.Store, revoker Revoker, logger *observability.Logger,
	metrics *observability.Metrics, cfg Config) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RevokeTimeout <= 0 {
		cfg.RevokeTimeout = 2 * time.Minute
	}
	return &Sweeper{
		store:   store,
		revoker: revoker,
		logger:  logger,
		metrics: metrics,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Start schedules the sweep loop. The context bounds all sweep work;
// cancelling it stops in-flight revocations.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.cron != nil {
		return fmt.Errorf("sweeper already started")
	}
	s.ctx = ctx
	s.cron = cron.New()

	spec := fmt.Sprintf("@every %s", s.cfg.Interval)
	if _, err := s.cron.AddFunc(spec, func() {
		if err := s.Sweep(s.ctx); err != nil {
			s.logger.WithError(err).Error("sweep failed")
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.cron.Start()
	s.logger.Infof("expiry sweeper started, interval %s", s.cfg.Interval)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish or the
// context to expire.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	done := s.cron.Stop().Done()
	select {
	case <-done:
		s.logger.Info("expiry sweeper stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sweeper stop timed out: %w", ctx.Err())
	}
}

// Sweep revokes every subscription whose window has elapsed. Failed
// revocations stay active and are retried on the next sweep.
func (s *Sweeper) Sweep(ctx context.Context) error {
	start := s.now()

	expired, err := s.store.ListExpiredSubscriptions(ctx, start.UTC())
	if err != nil {
		return fmt.Errorf("failed to list expired subscriptions: %w", err)
	}

	if s.metrics != nil {
		s.metrics.SweepsTotal.Inc()
		s.metrics.SweepExpiredFound.Add(float64(len(expired)))
	}
	if len(expired) == 0 {
		return nil
	}

	s.logger.Infof("sweeping %d expired subscriptions", len(expired))

	errs := async.Batch(ctx, expired, s.cfg.Workers, "expiry revoke", s.cfg.RevokeTimeout,
		func(ctx context.Context, sub *storage.Subscription) error {
			return s.revoker.Revoke(ctx, sub)
		})

	if s.metrics != nil {
		s.metrics.SweepDuration.Observe(time.Since(start).Seconds())
	}

	if len(errs) > 0 {
		return fmt.Errorf("%d of %d revocations failed: %v", len(errs), len(expired), errs[0])
	}
	return nil
}
