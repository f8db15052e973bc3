package subscription_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/saasbilling/pkg/subscription"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) CreateCheckoutSession(ctx context.Context, req subscription.CheckoutRequest) (*subscription.CheckoutSession, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*subscription.CheckoutSession), args.Error(1)
}

func (m *mockGateway) VerifyEvent(ctx context.Context, payload []byte, signature string) (*subscription.Event, error) {
	args := m.Called(ctx, payload, signature)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*subscription.Event), args.Error(1)
}

func (m *mockGateway) FetchSubscription(ctx context.Context, externalID string) (*subscription.ProviderSubscription, error) {
	args := m.Called(ctx, externalID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*subscription.ProviderSubscription), args.Error(1)
}

func (m *mockGateway) CancelSubscription(ctx context.Context, externalID string, atPeriodEnd bool) error {
	args := m.Called(ctx, externalID, atPeriodEnd)
	return args.Error(0)
}

func (m *mockGateway) CreatePortalSession(ctx context.Context, req subscription.PortalRequest) (*subscription.PortalSession, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*subscription.PortalSession), args.Error(1)
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

var baseTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	engine  *subscription.Engine
	store   *subscription.MemoryStore
	users   *subscription.MemoryUsers
	gateway *mockGateway
	clock   *testClock
}

func newFixture(t *testing.T, opts ...subscription.EngineOption) *fixture {
	t.Helper()

	clock := &testClock{t: baseTime}
	users := subscription.NewMemoryUsers(
		subscription.User{ID: "user-1", Email: "one@example.com", SubscriptionTier: subscription.TierFree},
		subscription.User{ID: "user-2", Email: "two@example.com", SubscriptionTier: subscription.TierFree},
	)
	store := subscription.NewMemoryStore(
		subscription.WithMemoryStoreUsers(users),
		subscription.WithMemoryStoreClock(clock.Now),
	)
	gw := &mockGateway{}

	opts = append([]subscription.EngineOption{subscription.WithClock(clock.Now)}, opts...)
	engine := subscription.NewEngine(store, gw, users, opts...)
	require.NotNil(t, engine)

	return &fixture{
		engine:  engine,
		store:   store,
		users:   users,
		gateway: gw,
		clock:   clock,
	}
}

func (f *fixture) userTier(t *testing.T, userID string) subscription.Tier {
	t.Helper()
	u, err := f.users.FindByID(context.Background(), userID)
	require.NoError(t, err)
	return u.SubscriptionTier
}

func providerSub(externalID string, status subscription.Status, start time.Time) *subscription.ProviderSubscription {
	return &subscription.ProviderSubscription{
		ExternalID:     externalID,
		CustomerID:     "cus_1",
		Status:         status,
		ProviderStatus: string(status),
		PeriodStart:    start,
		PeriodEnd:      start.AddDate(0, 1, 0),
		Price:          subscription.Money{Amount: 2999, Currency: "usd"},
	}
}

func checkoutEvent(id, externalID, userID string, tier subscription.Tier, paid bool, at time.Time) *subscription.Event {
	return &subscription.Event{
		ID:           id,
		Kind:         subscription.EventCheckoutCompleted,
		ProviderType: "checkout.session.completed",
		CreatedAt:    at,
		Checkout: &subscription.CheckoutCompletion{
			SessionID:  "cs_" + id,
			Paid:       paid,
			ExternalID: externalID,
			CustomerID: "cus_1",
			Metadata: map[string]string{
				subscription.MetadataUserID:   userID,
				subscription.MetadataTier:     string(tier),
				subscription.MetadataInterval: string(subscription.IntervalMonthly),
			},
		},
	}
}

func snapshotEvent(id string, kind subscription.EventKind, ps *subscription.ProviderSubscription, at time.Time) *subscription.Event {
	return &subscription.Event{
		ID:           id,
		Kind:         kind,
		ProviderType: string(kind),
		CreatedAt:    at,
		Subscription: ps,
	}
}

// materialize creates a paid active subscription through a checkout event.
func (f *fixture) materialize(t *testing.T, userID, externalID string, tier subscription.Tier) *subscription.Subscription {
	t.Helper()
	return f.materializeAs(t, userID, externalID, tier, subscription.StatusActive)
}

// materializeAs completes a paid checkout whose provider subscription is in status.
func (f *fixture) materializeAs(t *testing.T, userID, externalID string, tier subscription.Tier, status subscription.Status) *subscription.Subscription {
	t.Helper()
	ctx := context.Background()

	f.gateway.On("FetchSubscription", mock.Anything, externalID).
		Return(providerSub(externalID, status, f.clock.Now()), nil).Once()

	require.NoError(t, f.engine.Apply(ctx, checkoutEvent("evt_co_"+externalID, externalID, userID, tier, true, f.clock.Now())))

	sub, err := f.store.GetByExternalID(ctx, externalID)
	require.NoError(t, err)
	return sub
}
