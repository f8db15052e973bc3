package subscription_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/saasbilling/pkg/subscription"
)

func TestNewEngine_PanicsOnNilDependencies(t *testing.T) {
	t.Parallel()

	store := subscription.NewMemoryStore()
	users := subscription.NewMemoryUsers()
	gw := &mockGateway{}

	assert.Panics(t, func() { subscription.NewEngine(nil, gw, users) })
	assert.Panics(t, func() { subscription.NewEngine(store, nil, users) })
	assert.Panics(t, func() { subscription.NewEngine(store, gw, nil) })
}

func TestEngine_StartCheckout_Free(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("activates immediately for one year", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		res, err := f.engine.StartCheckout(ctx, subscription.CheckoutCommand{
			UserID: "user-1",
			Tier:   subscription.TierFree,
		})
		require.NoError(t, err)
		require.True(t, res.IsFree)
		require.NotNil(t, res.Subscription)

		sub := res.Subscription
		assert.Equal(t, subscription.StatusActive, sub.Status)
		assert.Equal(t, subscription.TierFree, sub.Tier)
		assert.Equal(t, baseTime, sub.StartDate)
		assert.Equal(t, baseTime.AddDate(1, 0, 0), sub.EndDate)
		assert.Zero(t, sub.Price.Amount)
		assert.Empty(t, sub.ExternalID)
		assert.False(t, sub.AutoRenew)
		assert.NotEmpty(t, sub.Features)
		assert.Equal(t, subscription.TierFree, f.userTier(t, "user-1"))

		f.gateway.AssertNotCalled(t, "CreateCheckoutSession", mock.Anything, mock.Anything)
	})

	t.Run("second free activation is rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.engine.StartCheckout(ctx, subscription.CheckoutCommand{UserID: "user-1", Tier: subscription.TierFree})
		require.NoError(t, err)

		_, err = f.engine.StartCheckout(ctx, subscription.CheckoutCommand{UserID: "user-1", Tier: subscription.TierFree})
		assert.ErrorIs(t, err, subscription.ErrAlreadySubscribed)
	})
}

func TestEngine_StartCheckout_Paid(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("returns hosted checkout without a local record", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		f.gateway.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(req subscription.CheckoutRequest) bool {
			return req.UserID == "user-1" &&
				req.Email == "one@example.com" &&
				req.Tier == subscription.TierProfessional &&
				req.Interval == subscription.IntervalYearly &&
				req.Price.Amount == 29999 &&
				req.ProductName == "professional Plan - Yearly" &&
				req.Metadata[subscription.MetadataUserID] == "user-1" &&
				req.Metadata[subscription.MetadataTier] == "professional" &&
				req.Metadata[subscription.MetadataInterval] == "yearly" &&
				req.SuccessURL == "https://app.test/ok" &&
				req.CancelURL != ""
		})).Return(&subscription.CheckoutSession{SessionID: "cs_1", URL: "https://pay.test/cs_1"}, nil).Once()

		res, err := f.engine.StartCheckout(ctx, subscription.CheckoutCommand{
			UserID:     "user-1",
			Tier:       subscription.TierProfessional,
			Interval:   subscription.IntervalYearly,
			SuccessURL: "https://app.test/ok",
		})
		require.NoError(t, err)
		assert.False(t, res.IsFree)
		assert.Nil(t, res.Subscription)
		assert.Equal(t, "cs_1", res.SessionID)
		assert.Equal(t, "https://pay.test/cs_1", res.URL)

		_, err = f.store.GetActiveForUser(ctx, "user-1")
		assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
		assert.Equal(t, subscription.TierFree, f.userTier(t, "user-1"))
		f.gateway.AssertExpectations(t)
	})

	t.Run("interval defaults to monthly", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		f.gateway.On("CreateCheckoutSession", mock.Anything, mock.MatchedBy(func(req subscription.CheckoutRequest) bool {
			return req.Interval == subscription.IntervalMonthly && req.Price.Amount == 999
		})).Return(&subscription.CheckoutSession{SessionID: "cs_2"}, nil).Once()

		_, err := f.engine.StartCheckout(ctx, subscription.CheckoutCommand{UserID: "user-1", Tier: subscription.TierStarter})
		require.NoError(t, err)
		f.gateway.AssertExpectations(t)
	})

	t.Run("allowed while on the free tier", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.engine.StartCheckout(ctx, subscription.CheckoutCommand{UserID: "user-1", Tier: subscription.TierFree})
		require.NoError(t, err)

		f.gateway.On("CreateCheckoutSession", mock.Anything, mock.Anything).
			Return(&subscription.CheckoutSession{SessionID: "cs_3"}, nil).Once()
		_, err = f.engine.StartCheckout(ctx, subscription.CheckoutCommand{UserID: "user-1", Tier: subscription.TierStarter})
		assert.NoError(t, err)
	})

	t.Run("rejected with an active paid subscription", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.materialize(t, "user-1", "sub_1", subscription.TierStarter)

		_, err := f.engine.StartCheckout(ctx, subscription.CheckoutCommand{UserID: "user-1", Tier: subscription.TierProfessional})
		assert.ErrorIs(t, err, subscription.ErrAlreadySubscribed)
		f.gateway.AssertNotCalled(t, "CreateCheckoutSession", mock.Anything, mock.Anything)
	})

	t.Run("rejected while a paid subscription is not yet active", func(t *testing.T) {
		t.Parallel()

		for _, status := range []subscription.Status{
			subscription.StatusTrialing,
			subscription.StatusPending,
			subscription.StatusPastDue,
		} {
			f := newFixture(t)
			f.materializeAs(t, "user-1", "sub_1", subscription.TierStarter, status)

			_, err := f.engine.StartCheckout(ctx, subscription.CheckoutCommand{UserID: "user-1", Tier: subscription.TierProfessional})
			assert.ErrorIs(t, err, subscription.ErrAlreadySubscribed, "paid start while %s", status)

			_, err = f.engine.StartCheckout(ctx, subscription.CheckoutCommand{UserID: "user-1", Tier: subscription.TierFree})
			assert.ErrorIs(t, err, subscription.ErrAlreadySubscribed, "free start while %s", status)

			_, err = f.store.GetActiveForUser(ctx, "user-1")
			assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
			f.gateway.AssertNotCalled(t, "CreateCheckoutSession", mock.Anything, mock.Anything)
		}
	})

	t.Run("allowed again once the paid subscription ended", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.materializeAs(t, "user-1", "sub_1", subscription.TierStarter, subscription.StatusTrialing)
		_, err := f.store.MarkCanceled(ctx, sub.ID, f.clock.Now())
		require.NoError(t, err)

		res, err := f.engine.StartCheckout(ctx, subscription.CheckoutCommand{UserID: "user-1", Tier: subscription.TierFree})
		require.NoError(t, err)
		assert.True(t, res.IsFree)
	})

	t.Run("provider failure creates nothing", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		f.gateway.On("CreateCheckoutSession", mock.Anything, mock.Anything).
			Return(nil, subscription.ErrProviderUnavailable).Once()

		_, err := f.engine.StartCheckout(ctx, subscription.CheckoutCommand{UserID: "user-1", Tier: subscription.TierStarter})
		assert.ErrorIs(t, err, subscription.ErrProviderUnavailable)

		_, err = f.store.GetActiveForUser(ctx, "user-1")
		assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	})

	t.Run("provider timeout is retryable", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		f.gateway.On("CreateCheckoutSession", mock.Anything, mock.Anything).
			Return(nil, context.DeadlineExceeded).Once()

		_, err := f.engine.StartCheckout(ctx, subscription.CheckoutCommand{UserID: "user-1", Tier: subscription.TierStarter})
		assert.ErrorIs(t, err, subscription.ErrProviderUnavailable)
	})
}

func TestEngine_StartCheckout_Validation(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	t.Cleanup(func() {
		f.gateway.AssertNotCalled(t, "CreateCheckoutSession", mock.Anything, mock.Anything)
	})

	tests := []struct {
		name string
		cmd  subscription.CheckoutCommand
		err  error
	}{
		{
			name: "unknown tier",
			cmd:  subscription.CheckoutCommand{UserID: "user-1", Tier: "platinum"},
			err:  subscription.ErrUnknownTier,
		},
		{
			name: "invalid interval",
			cmd:  subscription.CheckoutCommand{UserID: "user-1", Tier: subscription.TierStarter, Interval: "weekly"},
			err:  subscription.ErrInvalidInterval,
		},
		{
			name: "unknown user",
			cmd:  subscription.CheckoutCommand{UserID: "ghost", Tier: subscription.TierStarter},
			err:  subscription.ErrInvalidReference,
		},
		{
			name: "unknown user on free tier",
			cmd:  subscription.CheckoutCommand{UserID: "ghost", Tier: subscription.TierFree},
			err:  subscription.ErrInvalidReference,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := f.engine.StartCheckout(ctx, tt.cmd)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestEngine_Cancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("free subscription cancels locally", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		res, err := f.engine.StartCheckout(ctx, subscription.CheckoutCommand{UserID: "user-1", Tier: subscription.TierFree})
		require.NoError(t, err)

		out, err := f.engine.Cancel(ctx, subscription.CancelCommand{SubscriptionID: res.Subscription.ID, AtPeriodEnd: true})
		require.NoError(t, err)
		assert.True(t, out.Canceled)
		assert.Equal(t, subscription.StatusCanceled, out.Subscription.Status)
		require.NotNil(t, out.Subscription.CanceledAt)
		assert.Equal(t, baseTime, *out.Subscription.CanceledAt)
		assert.False(t, out.Subscription.AutoRenew)
		f.gateway.AssertNotCalled(t, "CancelSubscription", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("immediate cancel of a paid subscription", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.materialize(t, "user-1", "sub_1", subscription.TierProfessional)
		require.Equal(t, subscription.TierProfessional, f.userTier(t, "user-1"))

		f.gateway.On("CancelSubscription", mock.Anything, "sub_1", false).Return(nil).Once()

		out, err := f.engine.Cancel(ctx, subscription.CancelCommand{SubscriptionID: sub.ID})
		require.NoError(t, err)
		assert.True(t, out.Canceled)
		assert.False(t, out.CanceledAtPeriodEnd)
		assert.Equal(t, subscription.StatusCanceled, out.Subscription.Status)
		assert.NotNil(t, out.Subscription.CanceledAt)
		assert.Equal(t, subscription.TierFree, f.userTier(t, "user-1"))
		f.gateway.AssertExpectations(t)
	})

	t.Run("at period end keeps the record active", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.materialize(t, "user-1", "sub_1", subscription.TierStarter)

		f.gateway.On("CancelSubscription", mock.Anything, "sub_1", true).Return(nil).Once()

		out, err := f.engine.Cancel(ctx, subscription.CancelCommand{SubscriptionID: sub.ID, AtPeriodEnd: true})
		require.NoError(t, err)
		assert.False(t, out.Canceled)
		assert.True(t, out.CanceledAtPeriodEnd)
		assert.Equal(t, subscription.StatusActive, out.Subscription.Status)
		assert.False(t, out.Subscription.AutoRenew)
		assert.Nil(t, out.Subscription.CanceledAt)
		assert.Equal(t, subscription.TierStarter, f.userTier(t, "user-1"))
	})

	t.Run("provider failure leaves the record unchanged", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.materialize(t, "user-1", "sub_1", subscription.TierStarter)

		f.gateway.On("CancelSubscription", mock.Anything, "sub_1", false).
			Return(errors.Join(subscription.ErrProviderUnavailable, errors.New("503"))).Once()

		_, err := f.engine.Cancel(ctx, subscription.CancelCommand{SubscriptionID: sub.ID})
		assert.ErrorIs(t, err, subscription.ErrProviderUnavailable)

		got, err := f.store.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, got.Status)
		assert.True(t, got.AutoRenew)
	})

	t.Run("already canceled is idempotent", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		res, err := f.engine.StartCheckout(ctx, subscription.CheckoutCommand{UserID: "user-1", Tier: subscription.TierFree})
		require.NoError(t, err)

		first, err := f.engine.Cancel(ctx, subscription.CancelCommand{SubscriptionID: res.Subscription.ID})
		require.NoError(t, err)
		f.clock.Advance(time.Hour)
		second, err := f.engine.Cancel(ctx, subscription.CancelCommand{SubscriptionID: res.Subscription.ID})
		require.NoError(t, err)
		assert.True(t, second.Canceled)
		assert.Equal(t, *first.Subscription.CanceledAt, *second.Subscription.CanceledAt)
	})

	t.Run("unknown subscription", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		_, err := f.engine.Cancel(ctx, subscription.CancelCommand{SubscriptionID: "missing"})
		assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	})
}

func TestEngine_PortalSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("requires a provider-backed subscription", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		_, err := f.engine.PortalSession(ctx, subscription.PortalCommand{UserID: "user-1"})
		assert.ErrorIs(t, err, subscription.ErrNoActiveSubscription)

		_, err = f.engine.StartCheckout(ctx, subscription.CheckoutCommand{UserID: "user-1", Tier: subscription.TierFree})
		require.NoError(t, err)
		_, err = f.engine.PortalSession(ctx, subscription.PortalCommand{UserID: "user-1"})
		assert.ErrorIs(t, err, subscription.ErrNoActiveSubscription)

		f.gateway.AssertNotCalled(t, "CreatePortalSession", mock.Anything, mock.Anything)
	})

	t.Run("returns the portal link", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.materialize(t, "user-1", "sub_1", subscription.TierStarter)

		f.gateway.On("CreatePortalSession", mock.Anything, subscription.PortalRequest{
			ExternalID: "sub_1",
			CustomerID: "cus_1",
			ReturnURL:  "https://app.test/billing",
		}).Return(&subscription.PortalSession{URL: "https://portal.test/1"}, nil).Once()

		res, err := f.engine.PortalSession(ctx, subscription.PortalCommand{UserID: "user-1", ReturnURL: "https://app.test/billing"})
		require.NoError(t, err)
		assert.Equal(t, "https://portal.test/1", res.URL)
		f.gateway.AssertExpectations(t)
	})
}

func TestEngine_UserSubscription(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	us, err := f.engine.UserSubscription(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, us.Subscription)
	assert.Equal(t, subscription.TierFree, us.Tier)

	f.materialize(t, "user-1", "sub_1", subscription.TierProfessional)

	us, err = f.engine.UserSubscription(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, us.Subscription)
	assert.Equal(t, subscription.TierProfessional, us.Tier)
	assert.Equal(t, int64(2999), us.Details.Price.Monthly.Amount)

	_, err = f.engine.UserSubscription(ctx, "ghost")
	assert.ErrorIs(t, err, subscription.ErrUserNotFound)
}

func TestEngine_ChangeTier(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	sub := f.materialize(t, "user-1", "sub_1", subscription.TierStarter)

	updated, err := f.engine.ChangeTier(ctx, sub.ID, subscription.TierEnterprise)
	require.NoError(t, err)
	assert.Equal(t, subscription.TierEnterprise, updated.Tier)
	assert.Equal(t, int64(9999), updated.Price.Amount)

	details, err := f.engine.Catalog().Details(subscription.TierEnterprise)
	require.NoError(t, err)
	assert.Equal(t, details.Features, updated.Features)
	assert.Equal(t, subscription.TierEnterprise, f.userTier(t, "user-1"))

	_, err = f.engine.ChangeTier(ctx, sub.ID, "platinum")
	assert.ErrorIs(t, err, subscription.ErrUnknownTier)

	_, err = f.store.MarkCanceled(ctx, sub.ID, baseTime)
	require.NoError(t, err)
	_, err = f.engine.ChangeTier(ctx, sub.ID, subscription.TierStarter)
	assert.ErrorIs(t, err, subscription.ErrInvalidTransition)
}
