package subscription

import (
	"context"
	"errors"
	"log/slog"

	"github.com/dmitrymomot/saasbilling/pkg/logger"
)

// TierProjector copies the authoritative tier onto the user's denormalized
// subscriptionTier field. Writes are best effort: the subscription record is
// already committed when the projector runs, so failures are logged and
// counted, never returned.
type TierProjector struct {
	users   UserDirectory
	store   SubscriptionStore
	logger  *slog.Logger
	metrics *metrics
}

func newTierProjector(users UserDirectory, store SubscriptionStore, log *slog.Logger, m *metrics) *TierProjector {
	return &TierProjector{
		users:   users,
		store:   store,
		logger:  log.With(logger.Component("tier_projector")),
		metrics: m,
	}
}

// Created projects the tier of a freshly created subscription.
func (p *TierProjector) Created(ctx context.Context, sub *Subscription) {
	if sub.Status.Terminal() {
		return
	}
	p.project(ctx, sub.UserID, sub.Tier)
}

// Changed projects the outcome of an update. A tier change on a live record
// pushes the new tier; a move into a terminal status falls back to the user's
// remaining active subscription or to the free tier.
func (p *TierProjector) Changed(ctx context.Context, before, after *Subscription) {
	switch {
	case after.Status.Terminal() && !before.Status.Terminal():
		p.demote(ctx, after)
	case !after.Status.Terminal() && (before.Tier != after.Tier || before.Status != after.Status):
		p.project(ctx, after.UserID, after.Tier)
	}
}

func (p *TierProjector) demote(ctx context.Context, ended *Subscription) {
	tier := TierFree
	active, err := p.store.GetActiveForUser(ctx, ended.UserID)
	switch {
	case err == nil && active.ID != ended.ID:
		tier = active.Tier
	case err != nil && !errors.Is(err, ErrSubscriptionNotFound):
		p.metrics.projections.WithLabelValues("error").Inc()
		p.logger.ErrorContext(ctx, "failed to resolve remaining subscription",
			logger.UserID(ended.UserID),
			logger.SubscriptionID(ended.ID),
			logger.Error(err),
		)
		return
	}
	p.project(ctx, ended.UserID, tier)
}

func (p *TierProjector) project(ctx context.Context, userID string, tier Tier) {
	if err := p.users.UpdateTier(ctx, userID, tier); err != nil {
		p.metrics.projections.WithLabelValues("error").Inc()
		p.logger.ErrorContext(ctx, "failed to project subscription tier",
			logger.UserID(userID),
			logger.Tier(string(tier)),
			logger.Error(err),
		)
		return
	}
	p.metrics.projections.WithLabelValues("ok").Inc()
	p.logger.DebugContext(ctx, "projected subscription tier",
		logger.UserID(userID),
		logger.Tier(string(tier)),
	)
}
