package subscription

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	portalsession "github.com/stripe/stripe-go/v82/billingportal/session"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	stripesub "github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeConfig holds configuration for the Stripe gateway.
type StripeConfig struct {
	SecretKey     string        `env:"STRIPE_SECRET_KEY"`
	WebhookSecret string        `env:"STRIPE_WEBHOOK_SECRET"`
	Timeout       time.Duration `env:"STRIPE_TIMEOUT" envDefault:"10s"`
}

// StripeGateway implements ProviderGateway on top of stripe-go.
// The backend is built with network retries disabled so a checkout session is
// never created twice behind the caller's back.
type StripeGateway struct {
	checkout      checkoutsession.Client
	portal        portalsession.Client
	subscriptions stripesub.Client
	webhookSecret string
}

// NewStripeGateway creates a Stripe gateway with its own backend.
func NewStripeGateway(cfg StripeConfig) (*StripeGateway, error) {
	if cfg.SecretKey == "" {
		return nil, ErrMissingAPIKey
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: timeout},
		MaxNetworkRetries: stripe.Int64(0),
	})
	return newStripeGateway(cfg, backend)
}

func newStripeGateway(cfg StripeConfig, backend stripe.Backend) (*StripeGateway, error) {
	if cfg.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}
	return &StripeGateway{
		checkout:      checkoutsession.Client{B: backend, Key: cfg.SecretKey},
		portal:        portalsession.Client{B: backend, Key: cfg.SecretKey},
		subscriptions: stripesub.Client{B: backend, Key: cfg.SecretKey},
		webhookSecret: cfg.WebhookSecret,
	}, nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	interval := "month"
	if req.Interval == IntervalYearly {
		interval = "year"
	}

	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency: stripe.String(req.Price.Currency),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name:        stripe.String(req.ProductName),
						Description: stripe.String(req.Description),
					},
					UnitAmount: stripe.Int64(req.Price.Amount),
					Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
						Interval: stripe.String(interval),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(req.UserID),
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		Metadata:          req.Metadata,
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: req.Metadata,
		},
	}
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.Context = ctx

	s, err := g.checkout.New(params)
	if err != nil {
		return nil, stripeError("create checkout session", err)
	}
	if s.URL == "" {
		return nil, ErrNoCheckoutURL
	}
	return &CheckoutSession{
		SessionID: s.ID,
		URL:       s.URL,
		ExpiresAt: unixTime(s.ExpiresAt),
	}, nil
}

func (g *StripeGateway) VerifyEvent(_ context.Context, payload []byte, signature string) (*Event, error) {
	if err := webhook.ValidatePayload(payload, signature, g.webhookSecret); err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}

	var raw stripe.Event
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}
	if raw.Data == nil {
		return nil, ErrMalformedEvent
	}

	event := &Event{
		ID:           raw.ID,
		ProviderType: string(raw.Type),
		CreatedAt:    unixTime(raw.Created),
		Kind:         EventUnknown,
	}

	switch string(raw.Type) {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		var s stripe.CheckoutSession
		if err := json.Unmarshal(raw.Data.Raw, &s); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		event.Kind = EventCheckoutCompleted
		event.Checkout = &CheckoutCompletion{
			SessionID: s.ID,
			Paid:      s.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
			Metadata:  s.Metadata,
		}
		if s.Subscription != nil {
			event.Checkout.ExternalID = s.Subscription.ID
		}
		if s.Customer != nil {
			event.Checkout.CustomerID = s.Customer.ID
		}

	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var s stripe.Subscription
		if err := json.Unmarshal(raw.Data.Raw, &s); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		event.Subscription = stripeSubscription(&s)
		switch string(raw.Type) {
		case "customer.subscription.created":
			event.Kind = EventSubscriptionCreated
		case "customer.subscription.updated":
			event.Kind = EventSubscriptionUpdated
		default:
			event.Kind = EventSubscriptionDeleted
		}

	case "payment_intent.succeeded", "payment_intent.payment_failed":
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(raw.Data.Raw, &pi); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		event.Kind = EventPaymentSucceeded
		event.Payment = &PaymentInfo{
			ID:     pi.ID,
			Amount: Money{Amount: pi.Amount, Currency: string(pi.Currency)},
		}
		if string(raw.Type) == "payment_intent.payment_failed" {
			event.Kind = EventPaymentFailed
			if pi.LastPaymentError != nil {
				event.Payment.Reason = pi.LastPaymentError.Msg
			}
		}

	case "invoice.paid", "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(raw.Data.Raw, &inv); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		event.Kind = EventPaymentSucceeded
		event.Payment = &PaymentInfo{
			ID:     inv.ID,
			Amount: Money{Amount: inv.AmountPaid, Currency: string(inv.Currency)},
		}
		if string(raw.Type) == "invoice.payment_failed" {
			event.Kind = EventPaymentFailed
			event.Payment.Amount.Amount = inv.AmountDue
		}
	}

	return event, nil
}

func (g *StripeGateway) FetchSubscription(ctx context.Context, externalID string) (*ProviderSubscription, error) {
	if externalID == "" {
		return nil, ErrMissingExternalID
	}
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	s, err := g.subscriptions.Get(externalID, params)
	if err != nil {
		return nil, stripeError("fetch subscription", err)
	}
	return stripeSubscription(s), nil
}

func (g *StripeGateway) CancelSubscription(ctx context.Context, externalID string, atPeriodEnd bool) error {
	if externalID == "" {
		return ErrMissingExternalID
	}
	if atPeriodEnd {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
		params.Context = ctx
		if _, err := g.subscriptions.Update(externalID, params); err != nil {
			return stripeError("schedule subscription cancellation", err)
		}
		return nil
	}

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := g.subscriptions.Cancel(externalID, params); err != nil {
		return stripeError("cancel subscription", err)
	}
	return nil
}

func (g *StripeGateway) CreatePortalSession(ctx context.Context, req PortalRequest) (*PortalSession, error) {
	customerID := req.CustomerID
	if customerID == "" {
		ps, err := g.FetchSubscription(ctx, req.ExternalID)
		if err != nil {
			return nil, err
		}
		customerID = ps.CustomerID
	}
	if customerID == "" {
		return nil, ErrMissingProviderCustomerID
	}

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(req.ReturnURL),
	}
	params.Context = ctx
	s, err := g.portal.New(params)
	if err != nil {
		return nil, stripeError("create portal session", err)
	}
	if s.URL == "" {
		return nil, ErrNoPortalURL
	}
	return &PortalSession{URL: s.URL}, nil
}

// stripeSubscription converts a Stripe subscription into the internal snapshot.
// Period bounds live on the subscription items.
func stripeSubscription(s *stripe.Subscription) *ProviderSubscription {
	ps := &ProviderSubscription{
		ExternalID:        s.ID,
		Status:            mapStripeStatus(s.Status),
		ProviderStatus:    string(s.Status),
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          s.Metadata,
	}
	if s.Customer != nil {
		ps.CustomerID = s.Customer.ID
	}
	if s.CanceledAt > 0 {
		t := unixTime(s.CanceledAt)
		ps.CanceledAt = &t
	}
	if s.Items != nil && len(s.Items.Data) > 0 {
		item := s.Items.Data[0]
		ps.PeriodStart = unixTime(item.CurrentPeriodStart)
		ps.PeriodEnd = unixTime(item.CurrentPeriodEnd)
		if item.Price != nil {
			ps.Price = Money{Amount: item.Price.UnitAmount, Currency: string(item.Price.Currency)}
		}
	}
	return ps
}

// mapStripeStatus maps the Stripe subscription status to the internal vocabulary.
func mapStripeStatus(status stripe.SubscriptionStatus) Status {
	switch status {
	case stripe.SubscriptionStatusActive:
		return StatusActive
	case stripe.SubscriptionStatusCanceled:
		return StatusCanceled
	case stripe.SubscriptionStatusPastDue:
		return StatusPastDue
	case stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
		return StatusExpired
	case stripe.SubscriptionStatusTrialing:
		return StatusTrialing
	default:
		return StatusPending
	}
}

// stripeError classifies a Stripe failure. Requests the API rejected as
// invalid keep their own error; transport failures, rate limits and server
// errors are reported as ErrProviderUnavailable.
func stripeError(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) && se.HTTPStatusCode >= 400 && se.HTTPStatusCode < 500 &&
		se.HTTPStatusCode != http.StatusTooManyRequests {
		if se.HTTPStatusCode == http.StatusNotFound {
			return fmt.Errorf("stripe %s: %w", op, errors.Join(ErrSubscriptionNotFound, err))
		}
		return fmt.Errorf("stripe %s: %w", op, err)
	}
	return fmt.Errorf("stripe %s: %w", op, errors.Join(ErrProviderUnavailable, err))
}

func unixTime(sec int64) time.Time {
	if sec <= 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}
