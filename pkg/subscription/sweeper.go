package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/saasbilling/pkg/logger"
)

// SweepResult counts what one sweep did.
type SweepResult struct {
	Expired  int // local-only records moved to expired
	Canceled int // provider-backed records the provider reports as canceled
	Synced   int // provider-backed records refreshed from the provider
	Skipped  int // records left for the next sweep
}

// ExpireOverdue processes up to limit subscriptions whose period ended and
// that will not renew. Records without a provider subscription expire
// locally. Provider-backed records are reconciled against the provider's
// current state, since the provider owns their final status.
func (e *Engine) ExpireOverdue(ctx context.Context, limit int) (SweepResult, error) {
	var res SweepResult
	overdue, err := e.store.ListExpired(ctx, e.now(), limit)
	if err != nil {
		return res, err
	}

	for _, sub := range overdue {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		log := e.logger.With(logger.SubscriptionID(sub.ID), logger.UserID(sub.UserID))
		if !sub.HasProvider() {
			if err := e.expireLocal(ctx, log, sub, &res); err != nil {
				return res, err
			}
			continue
		}
		e.reconcileOverdue(ctx, log, sub, &res)
	}
	return res, nil
}

func (e *Engine) expireLocal(ctx context.Context, log *slog.Logger, sub *Subscription, res *SweepResult) error {
	updated, err := e.store.Update(ctx, sub.ID, Patch{
		Status:    ptr(StatusExpired),
		AutoRenew: ptr(false),
	})
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrSubscriptionNotFound) {
			res.Skipped++
			return nil
		}
		return fmt.Errorf("expire subscription %s: %w", sub.ID, err)
	}
	res.Expired++
	e.metrics.expired.Inc()
	log.InfoContext(ctx, "subscription expired")
	e.projector.Changed(ctx, sub, updated)
	return nil
}

func (e *Engine) reconcileOverdue(ctx context.Context, log *slog.Logger, sub *Subscription, res *SweepResult) {
	log = log.With(logger.ExternalID(sub.ExternalID))

	pctx, cancel := e.providerContext(ctx)
	started := time.Now()
	ps, err := e.gateway.FetchSubscription(pctx, sub.ExternalID)
	e.metrics.observeProvider("fetch_subscription", started)
	cancel()
	if err != nil {
		res.Skipped++
		log.WarnContext(ctx, "failed to fetch overdue subscription", logger.Error(err))
		return
	}

	if ps.Status == StatusCanceled {
		at := e.now()
		if ps.CanceledAt != nil {
			at = *ps.CanceledAt
		}
		canceled, err := e.store.MarkCanceled(ctx, sub.ID, at)
		if err != nil {
			res.Skipped++
			log.WarnContext(ctx, "failed to cancel overdue subscription", logger.Error(err))
			return
		}
		res.Canceled++
		log.InfoContext(ctx, "overdue subscription canceled per provider")
		e.projector.Changed(ctx, sub, canceled)
		return
	}

	patch := snapshotPatch(ps, time.Time{})
	if ps.Status.Valid() && CanTransition(sub.Status, ps.Status) {
		patch.Status = &ps.Status
	}
	updated, err := e.updateProviderRecord(ctx, log, sub, patch)
	if err != nil {
		res.Skipped++
		log.WarnContext(ctx, "failed to sync overdue subscription", logger.Error(err))
		return
	}
	res.Synced++
	if updated.Status == StatusExpired {
		e.metrics.expired.Inc()
	}
	log.InfoContext(ctx, "overdue subscription synced from provider", logger.Status(string(updated.Status)))
	e.projector.Changed(ctx, sub, updated)
}

// Sweeper runs ExpireOverdue on a fixed interval.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

// SweeperConfig holds sweeper settings loadable from the environment.
type SweeperConfig struct {
	Interval  time.Duration `env:"BILLING_SWEEP_INTERVAL" envDefault:"5m"`
	BatchSize int           `env:"BILLING_SWEEP_BATCH" envDefault:"100"`
}

// NewSweeper creates a sweeper. Panics if engine is nil.
func NewSweeper(engine *Engine, cfg SweeperConfig) *Sweeper {
	if engine == nil {
		panic("subscription: Engine is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		engine:   engine,
		interval: cfg.Interval,
		batch:    cfg.BatchSize,
		logger:   engine.logger.With(logger.Component("expiry_sweeper")),
	}
}

// Run sweeps immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "sweeper shutting down")
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	// Drain full batches so a backlog does not wait for later ticks.
	for {
		res, err := s.engine.ExpireOverdue(ctx, s.batch)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.ErrorContext(ctx, "sweep failed", logger.Error(err))
			}
			return
		}
		processed := res.Expired + res.Canceled + res.Synced + res.Skipped
		if processed > 0 {
			s.logger.InfoContext(ctx, "sweep completed",
				slog.Int("expired", res.Expired),
				slog.Int("canceled", res.Canceled),
				slog.Int("synced", res.Synced),
				slog.Int("skipped", res.Skipped),
			)
		}
		// Synced and skipped records stay overdue and would be listed again.
		if processed < s.batch || res.Synced > 0 || res.Skipped > 0 {
			return
		}
	}
}
