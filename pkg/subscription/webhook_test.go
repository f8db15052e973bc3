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

func TestEngine_ApplyCheckout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("materializes a paid checkout with the catalog snapshot", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		sub := f.materialize(t, "user-1", "sub_1", subscription.TierProfessional)

		details, err := f.engine.Catalog().Details(subscription.TierProfessional)
		require.NoError(t, err)

		assert.Equal(t, subscription.StatusActive, sub.Status)
		assert.Equal(t, subscription.TierProfessional, sub.Tier)
		assert.Equal(t, "user-1", sub.UserID)
		assert.Equal(t, details.Features, sub.Features)
		assert.Equal(t, subscription.Money{Amount: 2999, Currency: "usd"}, sub.Price)
		assert.Equal(t, baseTime, sub.StartDate)
		assert.Equal(t, baseTime.AddDate(0, 1, 0), sub.EndDate)
		assert.True(t, sub.AutoRenew)
		assert.Equal(t, "cus_1", sub.Metadata[subscription.MetadataCustomerID])
		assert.Equal(t, subscription.TierProfessional, f.userTier(t, "user-1"))
	})

	t.Run("redelivered checkout creates one record", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.materialize(t, "user-1", "sub_1", subscription.TierStarter)

		event := checkoutEvent("evt_again", "sub_1", "user-1", subscription.TierStarter, true, baseTime)
		require.NoError(t, f.engine.Apply(ctx, event))
		require.NoError(t, f.engine.Apply(ctx, event))

		f.gateway.AssertNumberOfCalls(t, "FetchSubscription", 1)
		_, err := f.store.GetByExternalID(ctx, "sub_1")
		assert.NoError(t, err)
	})

	t.Run("unpaid checkout is ignored", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		err := f.engine.Apply(ctx, checkoutEvent("evt_1", "sub_1", "user-1", subscription.TierStarter, false, baseTime))
		require.NoError(t, err)

		_, err = f.store.GetByExternalID(ctx, "sub_1")
		assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
		f.gateway.AssertNotCalled(t, "FetchSubscription", mock.Anything, mock.Anything)
	})

	t.Run("missing metadata is reported without side effects", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		event := checkoutEvent("evt_1", "sub_1", "", subscription.TierStarter, true, baseTime)
		assert.ErrorIs(t, f.engine.Apply(ctx, event), subscription.ErrMissingEventMetadata)

		event = checkoutEvent("evt_2", "sub_1", "user-1", "", true, baseTime)
		assert.ErrorIs(t, f.engine.Apply(ctx, event), subscription.ErrMissingEventMetadata)

		event = checkoutEvent("evt_3", "sub_1", "user-1", "platinum", true, baseTime)
		assert.ErrorIs(t, f.engine.Apply(ctx, event), subscription.ErrUnknownTier)

		event = checkoutEvent("evt_4", "", "user-1", subscription.TierStarter, true, baseTime)
		assert.ErrorIs(t, f.engine.Apply(ctx, event), subscription.ErrMissingExternalID)

		f.gateway.AssertNotCalled(t, "FetchSubscription", mock.Anything, mock.Anything)
	})

	t.Run("supersedes an active free subscription", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		res, err := f.engine.StartCheckout(ctx, subscription.CheckoutCommand{UserID: "user-1", Tier: subscription.TierFree})
		require.NoError(t, err)

		paid := f.materialize(t, "user-1", "sub_1", subscription.TierStarter)

		free, err := f.store.Get(ctx, res.Subscription.ID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusCanceled, free.Status)

		active, err := f.store.GetActiveForUser(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, paid.ID, active.ID)
		assert.Equal(t, subscription.TierStarter, f.userTier(t, "user-1"))
		f.gateway.AssertNotCalled(t, "CancelSubscription", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("keeps the provider cancellation time", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		canceledAt := baseTime.Add(-time.Minute)
		ps := providerSub("sub_1", subscription.StatusCanceled, baseTime)
		ps.CanceledAt = &canceledAt
		f.gateway.On("FetchSubscription", mock.Anything, "sub_1").Return(ps, nil).Once()

		require.NoError(t, f.engine.Apply(ctx, checkoutEvent("evt_1", "sub_1", "user-1", subscription.TierStarter, true, baseTime)))

		sub, err := f.store.GetByExternalID(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusCanceled, sub.Status)
		require.NotNil(t, sub.CanceledAt)
		assert.Equal(t, canceledAt, *sub.CanceledAt)
		assert.False(t, sub.AutoRenew)
	})

	t.Run("falls back to the catalog price", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		ps := providerSub("sub_1", subscription.StatusActive, baseTime)
		ps.Price = subscription.Money{}
		f.gateway.On("FetchSubscription", mock.Anything, "sub_1").Return(ps, nil).Once()

		require.NoError(t, f.engine.Apply(ctx, checkoutEvent("evt_1", "sub_1", "user-1", subscription.TierStarter, true, baseTime)))

		sub, err := f.store.GetByExternalID(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, int64(999), sub.Price.Amount)
	})

	t.Run("provider failure is returned for redelivery", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		f.gateway.On("FetchSubscription", mock.Anything, "sub_1").
			Return(nil, subscription.ErrProviderUnavailable).Once()

		err := f.engine.Apply(ctx, checkoutEvent("evt_1", "sub_1", "user-1", subscription.TierStarter, true, baseTime))
		assert.ErrorIs(t, err, subscription.ErrProviderUnavailable)

		_, err = f.store.GetByExternalID(ctx, "sub_1")
		assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	})
}

func TestEngine_ApplySnapshot(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("update before the record exists is skipped", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		ps := providerSub("sub_1", subscription.StatusActive, baseTime)
		err := f.engine.Apply(ctx, snapshotEvent("evt_1", subscription.EventSubscriptionUpdated, ps, baseTime))
		require.NoError(t, err)

		_, err = f.store.GetByExternalID(ctx, "sub_1")
		assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	})

	t.Run("activation supersedes the free subscription", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		res, err := f.engine.StartCheckout(ctx, subscription.CheckoutCommand{UserID: "user-1", Tier: subscription.TierFree})
		require.NoError(t, err)

		paid := f.materializeAs(t, "user-1", "sub_1", subscription.TierStarter, subscription.StatusTrialing)
		assert.Equal(t, subscription.StatusTrialing, paid.Status)

		free, err := f.store.Get(ctx, res.Subscription.ID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, free.Status, "a trial does not replace the free tier")

		ps := providerSub("sub_1", subscription.StatusActive, baseTime)
		require.NoError(t, f.engine.Apply(ctx, snapshotEvent("evt_up", subscription.EventSubscriptionUpdated, ps, baseTime.Add(time.Hour))))

		paid, err = f.store.Get(ctx, paid.ID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, paid.Status)

		free, err = f.store.Get(ctx, res.Subscription.ID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusCanceled, free.Status)

		active, err := f.store.GetActiveForUser(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, paid.ID, active.ID)
		assert.Equal(t, subscription.TierStarter, f.userTier(t, "user-1"))
		f.gateway.AssertNotCalled(t, "CancelSubscription", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("past due and recovery", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.materialize(t, "user-1", "sub_1", subscription.TierStarter)

		ps := providerSub("sub_1", subscription.StatusPastDue, baseTime)
		require.NoError(t, f.engine.Apply(ctx, snapshotEvent("evt_1", subscription.EventSubscriptionUpdated, ps, baseTime.Add(time.Minute))))

		sub, err := f.store.GetByExternalID(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusPastDue, sub.Status)

		ps = providerSub("sub_1", subscription.StatusActive, baseTime)
		require.NoError(t, f.engine.Apply(ctx, snapshotEvent("evt_2", subscription.EventSubscriptionUpdated, ps, baseTime.Add(time.Hour))))

		sub, err = f.store.GetByExternalID(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, sub.Status)
	})

	t.Run("stale snapshot does not regress state", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.materialize(t, "user-1", "sub_1", subscription.TierStarter)

		newer := providerSub("sub_1", subscription.StatusPastDue, baseTime)
		require.NoError(t, f.engine.Apply(ctx, snapshotEvent("evt_2", subscription.EventSubscriptionUpdated, newer, baseTime.Add(time.Hour))))

		older := providerSub("sub_1", subscription.StatusActive, baseTime)
		require.NoError(t, f.engine.Apply(ctx, snapshotEvent("evt_1", subscription.EventSubscriptionUpdated, older, baseTime.Add(time.Minute))))

		sub, err := f.store.GetByExternalID(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusPastDue, sub.Status)
	})

	t.Run("renewal extends the period", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.materialize(t, "user-1", "sub_1", subscription.TierStarter)

		next := baseTime.AddDate(0, 1, 0)
		ps := providerSub("sub_1", subscription.StatusActive, next)
		require.NoError(t, f.engine.Apply(ctx, snapshotEvent("evt_1", subscription.EventSubscriptionUpdated, ps, next)))

		sub, err := f.store.GetByExternalID(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, next, sub.StartDate)
		assert.Equal(t, next.AddDate(0, 1, 0), sub.EndDate)
	})

	t.Run("cancel at period end then deleted", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.materialize(t, "user-1", "sub_1", subscription.TierProfessional)

		ps := providerSub("sub_1", subscription.StatusActive, baseTime)
		ps.CancelAtPeriodEnd = true
		require.NoError(t, f.engine.Apply(ctx, snapshotEvent("evt_1", subscription.EventSubscriptionUpdated, ps, baseTime.Add(time.Minute))))

		sub, err := f.store.GetByExternalID(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusActive, sub.Status)
		assert.False(t, sub.AutoRenew)
		assert.Nil(t, sub.CanceledAt)
		assert.Equal(t, subscription.TierProfessional, f.userTier(t, "user-1"))

		endedAt := baseTime.AddDate(0, 1, 0)
		ended := providerSub("sub_1", subscription.StatusCanceled, baseTime)
		ended.CanceledAt = &endedAt
		require.NoError(t, f.engine.Apply(ctx, snapshotEvent("evt_2", subscription.EventSubscriptionDeleted, ended, endedAt)))

		sub, err = f.store.GetByExternalID(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusCanceled, sub.Status)
		require.NotNil(t, sub.CanceledAt)
		assert.Equal(t, endedAt, *sub.CanceledAt)
		assert.Equal(t, subscription.TierFree, f.userTier(t, "user-1"))
	})

	t.Run("canceled record ignores later status", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		sub := f.materialize(t, "user-1", "sub_1", subscription.TierStarter)
		_, err := f.store.MarkCanceled(ctx, sub.ID, baseTime)
		require.NoError(t, err)

		ps := providerSub("sub_1", subscription.StatusActive, baseTime)
		require.NoError(t, f.engine.Apply(ctx, snapshotEvent("evt_1", subscription.EventSubscriptionUpdated, ps, baseTime.Add(time.Hour))))

		got, err := f.store.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusCanceled, got.Status)
		assert.False(t, got.AutoRenew)
	})
}

func TestEngine_ApplyDeleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("deleted twice is idempotent", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		f.materialize(t, "user-1", "sub_1", subscription.TierStarter)

		first := baseTime.Add(time.Hour)
		ps := providerSub("sub_1", subscription.StatusCanceled, baseTime)
		ps.CanceledAt = &first
		require.NoError(t, f.engine.Apply(ctx, snapshotEvent("evt_1", subscription.EventSubscriptionDeleted, ps, first)))

		second := baseTime.Add(2 * time.Hour)
		again := providerSub("sub_1", subscription.StatusCanceled, baseTime)
		again.CanceledAt = &second
		require.NoError(t, f.engine.Apply(ctx, snapshotEvent("evt_2", subscription.EventSubscriptionDeleted, again, second)))

		sub, err := f.store.GetByExternalID(ctx, "sub_1")
		require.NoError(t, err)
		assert.Equal(t, subscription.StatusCanceled, sub.Status)
		assert.Equal(t, first, *sub.CanceledAt)
	})

	t.Run("unknown subscription is skipped", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		ps := providerSub("sub_404", subscription.StatusCanceled, baseTime)
		assert.NoError(t, f.engine.Apply(ctx, snapshotEvent("evt_1", subscription.EventSubscriptionDeleted, ps, baseTime)))
	})

	t.Run("superseded subscription keeps the new tier", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		old := f.materialize(t, "user-1", "sub_old", subscription.TierStarter)

		f.gateway.On("CancelSubscription", mock.Anything, "sub_old", false).Return(nil).Once()
		f.materialize(t, "user-1", "sub_new", subscription.TierEnterprise)
		f.gateway.AssertExpectations(t)

		got, err := f.store.Get(ctx, old.ID)
		require.NoError(t, err)
		require.Equal(t, subscription.StatusCanceled, got.Status)

		ps := providerSub("sub_old", subscription.StatusCanceled, baseTime)
		require.NoError(t, f.engine.Apply(ctx, snapshotEvent("evt_1", subscription.EventSubscriptionDeleted, ps, baseTime)))
		assert.Equal(t, subscription.TierEnterprise, f.userTier(t, "user-1"))
	})
}

func TestEngine_ApplyPaymentAndUnknown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	sub := f.materialize(t, "user-1", "sub_1", subscription.TierStarter)

	events := []*subscription.Event{
		{
			ID:   "evt_pay_ok",
			Kind: subscription.EventPaymentSucceeded,
			Payment: &subscription.PaymentInfo{
				ID:         "pi_1",
				ExternalID: "sub_1",
				Amount:     subscription.Money{Amount: 999, Currency: "usd"},
			},
		},
		{
			ID:   "evt_pay_fail",
			Kind: subscription.EventPaymentFailed,
			Payment: &subscription.PaymentInfo{
				ID:         "pi_2",
				ExternalID: "sub_1",
				Reason:     "card_declined",
			},
		},
		{ID: "evt_other", Kind: subscription.EventUnknown, ProviderType: "customer.created"},
	}
	for _, ev := range events {
		require.NoError(t, f.engine.Apply(ctx, ev))
	}

	got, err := f.store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, subscription.StatusActive, got.Status)

	assert.ErrorIs(t, f.engine.Apply(ctx, nil), subscription.ErrMalformedEvent)
}

func TestEngine_HandleWebhook(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("invalid signature is rejected without mutation", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		f.gateway.On("VerifyEvent", mock.Anything, []byte("{}"), "bad").
			Return(nil, subscription.ErrInvalidSignature).Once()

		err := f.engine.HandleWebhook(ctx, []byte("{}"), "bad")
		assert.ErrorIs(t, err, subscription.ErrInvalidSignature)

		_, err = f.store.GetActiveForUser(ctx, "user-1")
		assert.ErrorIs(t, err, subscription.ErrSubscriptionNotFound)
	})

	t.Run("unparseable verified payload is acknowledged", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		f.gateway.On("VerifyEvent", mock.Anything, mock.Anything, mock.Anything).
			Return(nil, subscription.ErrMalformedEvent).Once()

		assert.NoError(t, f.engine.HandleWebhook(ctx, []byte("{"), "sig"))
	})

	t.Run("apply failures are acknowledged", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)

		event := checkoutEvent("evt_1", "sub_1", "", subscription.TierStarter, true, baseTime)
		f.gateway.On("VerifyEvent", mock.Anything, mock.Anything, mock.Anything).Return(event, nil).Once()

		assert.NoError(t, f.engine.HandleWebhook(ctx, []byte("{}"), "sig"))
	})

	t.Run("ledger short-circuits redelivery", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t, subscription.WithEventLedger(subscription.NewMemoryLedger(time.Hour)))

		event := checkoutEvent("evt_1", "sub_1", "user-1", subscription.TierStarter, true, baseTime)
		f.gateway.On("VerifyEvent", mock.Anything, mock.Anything, mock.Anything).Return(event, nil).Twice()
		f.gateway.On("FetchSubscription", mock.Anything, "sub_1").
			Return(providerSub("sub_1", subscription.StatusActive, baseTime), nil).Once()

		require.NoError(t, f.engine.HandleWebhook(ctx, []byte("{}"), "sig"))
		require.NoError(t, f.engine.HandleWebhook(ctx, []byte("{}"), "sig"))

		f.gateway.AssertNumberOfCalls(t, "FetchSubscription", 1)
		f.gateway.AssertExpectations(t)
	})

	t.Run("failed events are not remembered", func(t *testing.T) {
		t.Parallel()
		ledger := subscription.NewMemoryLedger(time.Hour)
		f := newFixture(t, subscription.WithEventLedger(ledger))

		event := checkoutEvent("evt_1", "sub_1", "user-1", subscription.TierStarter, true, baseTime)
		f.gateway.On("VerifyEvent", mock.Anything, mock.Anything, mock.Anything).Return(event, nil)
		f.gateway.On("FetchSubscription", mock.Anything, "sub_1").
			Return(nil, errors.Join(subscription.ErrProviderUnavailable, errors.New("timeout"))).Once()

		require.NoError(t, f.engine.HandleWebhook(ctx, []byte("{}"), "sig"))

		seen, err := ledger.Seen(ctx, "evt_1")
		require.NoError(t, err)
		assert.False(t, seen)
	})
}

func TestEngine_ConcurrentCheckoutDeliveries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)

	f.gateway.On("FetchSubscription", mock.Anything, "sub_1").
		Return(providerSub("sub_1", subscription.StatusActive, baseTime), nil)

	event := checkoutEvent("evt_1", "sub_1", "user-1", subscription.TierStarter, true, baseTime)
	errs := make(chan error, 8)
	for range 8 {
		go func() { errs <- f.engine.Apply(ctx, event) }()
	}
	for range 8 {
		assert.NoError(t, <-errs)
	}

	active, err := f.store.GetActiveForUser(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "sub_1", active.ExternalID)
}
