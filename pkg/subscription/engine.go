package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dmitrymomot/saasbilling/pkg/logger"
)

// Engine reconciles local subscription records with the payment provider.
// It serves user commands and applies verified provider events. Every call is
// independent; the engine holds no per-request state.
type Engine struct {
	store      SubscriptionStore
	gateway    ProviderGateway
	users      UserDirectory
	catalog    *Catalog
	ledger     EventLedger
	projector  *TierProjector
	cfg        EngineConfig
	logger     *slog.Logger
	registerer prometheus.Registerer
	metrics    *metrics
	now        func() time.Time
}

// NewEngine creates an engine. Panics if a required dependency is nil.
func NewEngine(store SubscriptionStore, gateway ProviderGateway, users UserDirectory, opts ...EngineOption) *Engine {
	if store == nil {
		panic("subscription: SubscriptionStore is required")
	}
	if gateway == nil {
		panic("subscription: ProviderGateway is required")
	}
	if users == nil {
		panic("subscription: UserDirectory is required")
	}

	e := &Engine{
		store:      store,
		gateway:    gateway,
		users:      users,
		cfg:        DefaultEngineConfig(),
		logger:     discardLogger(),
		registerer: prometheus.NewRegistry(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.catalog == nil {
		e.catalog = DefaultCatalog()
	}

	e.logger = e.logger.With(logger.Component("billing_engine"))
	e.metrics = newMetrics(e.registerer)
	e.projector = newTierProjector(users, store, e.logger, e.metrics)
	return e
}

// Catalog returns the tier catalog the engine sells from.
func (e *Engine) Catalog() *Catalog {
	return e.catalog
}

// CheckoutCommand starts a subscription for a user.
type CheckoutCommand struct {
	UserID     string
	Tier       Tier
	Interval   BillingInterval // defaults to monthly
	SuccessURL string
	CancelURL  string
}

// CheckoutResult is either an immediately active free subscription or a
// reference to a hosted checkout for a paid tier.
type CheckoutResult struct {
	IsFree       bool
	Subscription *Subscription
	SessionID    string
	URL          string
}

// StartCheckout activates the free tier synchronously or returns a hosted
// checkout for a paid tier. No local record is created for paid tiers until
// the provider reports a paid checkout.
func (e *Engine) StartCheckout(ctx context.Context, cmd CheckoutCommand) (res *CheckoutResult, err error) {
	defer func() { e.metrics.command("checkout", err) }()

	details, err := e.catalog.Details(cmd.Tier)
	if err != nil {
		return nil, err
	}
	if cmd.Interval == "" {
		cmd.Interval = IntervalMonthly
	}
	if !cmd.Interval.Valid() {
		return nil, ErrInvalidInterval
	}

	user, err := e.users.FindByID(ctx, cmd.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrInvalidReference
		}
		return nil, err
	}

	// A provider-backed record that is trialing, pending or past due still
	// belongs to a paying customer, so it blocks both tiers.
	live, err := e.store.GetLiveForUser(ctx, user.ID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}
	if live != nil {
		return nil, ErrAlreadySubscribed
	}

	if cmd.Tier.IsFree() {
		_, err := e.store.GetActiveForUser(ctx, user.ID)
		if err == nil {
			return nil, ErrAlreadySubscribed
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return nil, err
		}
		sub, err := e.activateFree(ctx, user.ID, details)
		if err != nil {
			return nil, err
		}
		return &CheckoutResult{IsFree: true, Subscription: sub}, nil
	}

	req := CheckoutRequest{
		UserID:      user.ID,
		Email:       user.Email,
		Tier:        cmd.Tier,
		Interval:    cmd.Interval,
		Price:       details.Price.For(cmd.Interval),
		ProductName: productName(cmd.Tier, cmd.Interval),
		Description: strings.Join(details.Features, ", "),
		Metadata: map[string]string{
			MetadataUserID:   user.ID,
			MetadataTier:     string(cmd.Tier),
			MetadataInterval: string(cmd.Interval),
		},
		SuccessURL: firstNonEmpty(cmd.SuccessURL, e.cfg.SuccessURL),
		CancelURL:  firstNonEmpty(cmd.CancelURL, e.cfg.CancelURL),
	}

	pctx, cancel := e.providerContext(ctx)
	defer cancel()
	started := time.Now()
	session, err := e.gateway.CreateCheckoutSession(pctx, req)
	e.metrics.observeProvider("checkout", started)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to create checkout session",
			logger.UserID(user.ID),
			logger.Tier(string(cmd.Tier)),
			logger.Error(err),
		)
		return nil, providerError(err)
	}

	e.logger.InfoContext(ctx, "checkout session created",
		logger.UserID(user.ID),
		logger.Tier(string(cmd.Tier)),
		slog.String("session_id", session.SessionID),
	)
	return &CheckoutResult{SessionID: session.SessionID, URL: session.URL}, nil
}

func (e *Engine) activateFree(ctx context.Context, userID string, details TierDetails) (*Subscription, error) {
	now := e.now().UTC()
	sub, err := e.store.Create(ctx, CreateParams{
		UserID:    userID,
		Tier:      TierFree,
		Status:    StatusActive,
		StartDate: now,
		EndDate:   now.AddDate(1, 0, 0),
		AutoRenew: false,
		Price:     Money{Amount: 0, Currency: details.Price.Monthly.Currency},
		Features:  details.Features,
	})
	if err != nil {
		if errors.Is(err, ErrActiveSubscriptionExists) {
			return nil, ErrAlreadySubscribed
		}
		return nil, err
	}

	e.logger.InfoContext(ctx, "free tier activated",
		logger.UserID(userID),
		logger.SubscriptionID(sub.ID),
	)
	e.projector.Created(ctx, sub)
	return sub, nil
}

// CancelCommand cancels a subscription.
type CancelCommand struct {
	SubscriptionID string
	AtPeriodEnd    bool
}

// CancelResult reports how the cancellation was carried out.
type CancelResult struct {
	Canceled            bool // the local record is canceled now
	CanceledAtPeriodEnd bool // the provider finalizes the cancellation later
	Subscription        *Subscription
}

// Cancel cancels locally for records without a provider subscription. For
// provider-backed records it asks the provider first; an immediate cancel is
// then recorded locally, while an at-period-end cancel only stops renewal and
// leaves the final status to the provider's later events.
func (e *Engine) Cancel(ctx context.Context, cmd CancelCommand) (res *CancelResult, err error) {
	defer func() { e.metrics.command("cancel", err) }()

	sub, err := e.store.Get(ctx, cmd.SubscriptionID)
	if err != nil {
		return nil, err
	}

	switch sub.Status {
	case StatusCanceled:
		return &CancelResult{Canceled: true, Subscription: sub}, nil
	case StatusExpired:
		return nil, ErrNoActiveSubscription
	}

	if !sub.HasProvider() {
		canceled, err := e.markCanceled(ctx, sub)
		if err != nil {
			return nil, err
		}
		return &CancelResult{Canceled: true, Subscription: canceled}, nil
	}

	pctx, cancel := e.providerContext(ctx)
	defer cancel()
	started := time.Now()
	err = e.gateway.CancelSubscription(pctx, sub.ExternalID, cmd.AtPeriodEnd)
	e.metrics.observeProvider("cancel", started)
	if err != nil {
		e.logger.ErrorContext(ctx, "provider cancellation failed",
			logger.SubscriptionID(sub.ID),
			logger.ExternalID(sub.ExternalID),
			logger.Error(err),
		)
		return nil, providerError(err)
	}

	if !cmd.AtPeriodEnd {
		canceled, err := e.markCanceled(ctx, sub)
		if err != nil {
			return nil, err
		}
		return &CancelResult{Canceled: true, Subscription: canceled}, nil
	}

	updated, err := e.store.Update(ctx, sub.ID, Patch{AutoRenew: ptr(false)})
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "subscription set to cancel at period end",
		logger.SubscriptionID(sub.ID),
		logger.ExternalID(sub.ExternalID),
	)
	return &CancelResult{CanceledAtPeriodEnd: true, Subscription: updated}, nil
}

func (e *Engine) markCanceled(ctx context.Context, sub *Subscription) (*Subscription, error) {
	canceled, err := e.store.MarkCanceled(ctx, sub.ID, e.now())
	if err != nil {
		return nil, err
	}
	e.logger.InfoContext(ctx, "subscription canceled",
		logger.SubscriptionID(sub.ID),
		logger.UserID(sub.UserID),
	)
	e.projector.Changed(ctx, sub, canceled)
	return canceled, nil
}

// PortalCommand requests a billing portal link for a user.
type PortalCommand struct {
	UserID    string
	ReturnURL string
}

// PortalResult holds the portal link.
type PortalResult struct {
	URL string
}

// PortalSession returns a billing portal link. The user needs an active
// subscription backed by the provider.
func (e *Engine) PortalSession(ctx context.Context, cmd PortalCommand) (res *PortalResult, err error) {
	defer func() { e.metrics.command("portal", err) }()

	sub, err := e.store.GetActiveForUser(ctx, cmd.UserID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			return nil, ErrNoActiveSubscription
		}
		return nil, err
	}
	if !sub.HasProvider() {
		return nil, ErrNoActiveSubscription
	}

	pctx, cancel := e.providerContext(ctx)
	defer cancel()
	started := time.Now()
	session, err := e.gateway.CreatePortalSession(pctx, PortalRequest{
		ExternalID: sub.ExternalID,
		CustomerID: sub.Metadata[MetadataCustomerID],
		ReturnURL:  firstNonEmpty(cmd.ReturnURL, e.cfg.PortalReturnURL),
	})
	e.metrics.observeProvider("portal", started)
	if err != nil {
		e.logger.ErrorContext(ctx, "failed to create portal session",
			logger.UserID(cmd.UserID),
			logger.ExternalID(sub.ExternalID),
			logger.Error(err),
		)
		return nil, providerError(err)
	}
	return &PortalResult{URL: session.URL}, nil
}

// GetSubscription returns a subscription by ID.
func (e *Engine) GetSubscription(ctx context.Context, id string) (*Subscription, error) {
	return e.store.Get(ctx, id)
}

// ActiveSubscription returns the user's current active subscription.
func (e *Engine) ActiveSubscription(ctx context.Context, userID string) (*Subscription, error) {
	return e.store.GetActiveForUser(ctx, userID)
}

// UserSubscription summarizes what a user is entitled to.
type UserSubscription struct {
	User         User
	Subscription *Subscription // nil when the user has no active subscription
	Tier         Tier
	Details      TierDetails
}

// UserSubscription returns the user's projected tier with its catalog details
// and the active subscription, if any.
func (e *Engine) UserSubscription(ctx context.Context, userID string) (*UserSubscription, error) {
	user, err := e.users.FindByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	active, err := e.store.GetActiveForUser(ctx, userID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	tier := user.SubscriptionTier
	if !tier.Valid() {
		tier = TierFree
	}
	details, err := e.catalog.Details(tier)
	if err != nil {
		return nil, err
	}

	return &UserSubscription{
		User:         *user,
		Subscription: active,
		Tier:         tier,
		Details:      details,
	}, nil
}

// ChangeTier moves a live subscription to another tier, taking a fresh
// feature and price snapshot from the catalog. It does not talk to the
// provider; it exists for administrative corrections.
func (e *Engine) ChangeTier(ctx context.Context, id string, tier Tier) (res *Subscription, err error) {
	defer func() { e.metrics.command("change_tier", err) }()

	details, err := e.catalog.Details(tier)
	if err != nil {
		return nil, err
	}
	sub, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if sub.Status.Terminal() {
		return nil, &TransitionError{From: sub.Status, To: sub.Status}
	}
	if sub.Tier == tier {
		return sub, nil
	}

	interval := BillingInterval(sub.Metadata[MetadataInterval])
	if !interval.Valid() {
		interval = IntervalMonthly
	}
	price := details.Price.For(interval)

	updated, err := e.store.Update(ctx, id, Patch{
		Tier:     &tier,
		Features: details.Features,
		Price:    &price,
	})
	if err != nil {
		return nil, err
	}

	e.logger.InfoContext(ctx, "subscription tier changed",
		logger.SubscriptionID(id),
		slog.String("from_tier", string(sub.Tier)),
		slog.String("to_tier", string(tier)),
	)
	e.projector.Changed(ctx, sub, updated)
	return updated, nil
}

func (e *Engine) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.ProviderTimeout)
}

// providerError marks a timed out or interrupted gateway call as retryable.
// Gateways classify their own transport failures.
func providerError(err error) error {
	if errors.Is(err, ErrProviderUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errors.Join(ErrProviderUnavailable, err)
	}
	return err
}

func productName(tier Tier, interval BillingInterval) string {
	suffix := "Monthly"
	if interval == IntervalYearly {
		suffix = "Yearly"
	}
	return fmt.Sprintf("%s Plan - %s", tier, suffix)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
