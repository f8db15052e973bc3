package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// PaddleConfig holds configuration for the Paddle gateway.
// PriceIDs maps "<tier>_<interval>" (for example "starter_monthly") to a
// Paddle catalog price ID.
type PaddleConfig struct {
	APIKey        string            `env:"PADDLE_API_KEY"`
	WebhookSecret string            `env:"PADDLE_WEBHOOK_SECRET"`
	Environment   string            `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
	PriceIDs      map[string]string `env:"PADDLE_PRICE_IDS"`
}

// PaddleGateway implements ProviderGateway for Paddle Billing.
type PaddleGateway struct {
	client   *paddle.SDK
	verifier *paddle.WebhookVerifier
	priceIDs map[string]string
}

// NewPaddleGateway creates a Paddle gateway.
func NewPaddleGateway(config PaddleConfig) (*PaddleGateway, error) {
	if config.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if config.WebhookSecret == "" {
		return nil, ErrMissingWebhookSecret
	}

	var client *paddle.SDK
	var err error

	switch strings.ToLower(config.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(config.APIKey)
	case "production", "":
		client, err = paddle.New(config.APIKey)
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidProviderEnvironment, config.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleGateway{
		client:   client,
		verifier: paddle.NewWebhookVerifier(config.WebhookSecret),
		priceIDs: config.PriceIDs,
	}, nil
}

// CreateCheckoutSession creates a Paddle transaction with a hosted checkout.
// Paddle prices come from the Paddle catalog, so the request's tier and
// interval select a configured price ID.
func (p *PaddleGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	priceID := p.priceIDs[paddlePriceKey(req.Tier, req.Interval)]
	if priceID == "" {
		return nil, fmt.Errorf("%w: no paddle price for %s %s", ErrUnknownTier, req.Tier, req.Interval)
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  priceID,
		Quantity: 1,
	})

	customData := paddle.CustomData{}
	for k, v := range req.Metadata {
		customData[k] = v
	}

	transactionReq := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomData: customData,
	}
	if req.SuccessURL != "" {
		transactionReq.Checkout = &paddle.TransactionCheckout{
			URL: paddle.PtrTo(req.SuccessURL),
		}
	}

	transaction, err := p.client.TransactionsClient.CreateTransaction(ctx, transactionReq)
	if err != nil {
		return nil, paddleError("create transaction", err)
	}
	if transaction.Checkout == nil || transaction.Checkout.URL == nil || *transaction.Checkout.URL == "" {
		return nil, ErrNoCheckoutURL
	}

	return &CheckoutSession{
		SessionID: transaction.ID,
		URL:       *transaction.Checkout.URL,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

// VerifyEvent checks the Paddle-Signature header and normalizes the notification.
func (p *PaddleGateway) VerifyEvent(ctx context.Context, payload []byte, signature string) (*Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for verification: %w", err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}
	if !valid {
		return nil, ErrInvalidSignature
	}

	var envelope struct {
		EventID    string          `json:"event_id"`
		EventType  string          `json:"event_type"`
		OccurredAt string          `json:"occurred_at"`
		Data       json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, errors.Join(ErrMalformedEvent, err)
	}

	event := &Event{
		ID:           envelope.EventID,
		ProviderType: envelope.EventType,
		CreatedAt:    parsePaddleTime(envelope.OccurredAt),
		Kind:         mapPaddleEventType(envelope.EventType),
	}

	switch event.Kind {
	case EventCheckoutCompleted, EventPaymentSucceeded, EventPaymentFailed:
		var txn struct {
			ID             string         `json:"id"`
			Status         string         `json:"status"`
			CustomerID     string         `json:"customer_id"`
			SubscriptionID string         `json:"subscription_id"`
			CustomData     map[string]any `json:"custom_data"`
			Details        struct {
				Totals struct {
					Total        string `json:"total"`
					CurrencyCode string `json:"currency_code"`
				} `json:"totals"`
			} `json:"details"`
		}
		if err := json.Unmarshal(envelope.Data, &txn); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		if event.Kind == EventCheckoutCompleted {
			event.Checkout = &CheckoutCompletion{
				SessionID:  txn.ID,
				Paid:       txn.Status == "completed" || txn.Status == "paid",
				ExternalID: txn.SubscriptionID,
				CustomerID: txn.CustomerID,
				Metadata:   stringMap(txn.CustomData),
			}
			break
		}
		event.Payment = &PaymentInfo{
			ID:         txn.ID,
			ExternalID: txn.SubscriptionID,
			Amount: Money{
				Amount:   parseMinorUnits(txn.Details.Totals.Total),
				Currency: strings.ToLower(txn.Details.Totals.CurrencyCode),
			},
		}

	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var s paddle.Subscription
		if err := json.Unmarshal(envelope.Data, &s); err != nil {
			return nil, errors.Join(ErrMalformedEvent, err)
		}
		event.Subscription = paddleSubscription(&s)
	}

	return event, nil
}

func (p *PaddleGateway) FetchSubscription(ctx context.Context, externalID string) (*ProviderSubscription, error) {
	if externalID == "" {
		return nil, ErrMissingExternalID
	}
	s, err := p.client.SubscriptionsClient.GetSubscription(ctx, &paddle.GetSubscriptionRequest{
		SubscriptionID: externalID,
	})
	if err != nil {
		return nil, paddleError("get subscription", err)
	}
	return paddleSubscription(s), nil
}

func (p *PaddleGateway) CancelSubscription(ctx context.Context, externalID string, atPeriodEnd bool) error {
	if externalID == "" {
		return ErrMissingExternalID
	}
	effective := paddle.EffectiveFromImmediately
	if atPeriodEnd {
		effective = paddle.EffectiveFromNextBillingPeriod
	}
	_, err := p.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: externalID,
		EffectiveFrom:  paddle.PtrTo(effective),
	})
	if err != nil {
		return paddleError("cancel subscription", err)
	}
	return nil
}

// CreatePortalSession returns the general overview link of Paddle's customer portal.
func (p *PaddleGateway) CreatePortalSession(ctx context.Context, req PortalRequest) (*PortalSession, error) {
	customerID := req.CustomerID
	if customerID == "" {
		ps, err := p.FetchSubscription(ctx, req.ExternalID)
		if err != nil {
			return nil, err
		}
		customerID = ps.CustomerID
	}
	if customerID == "" {
		return nil, ErrMissingProviderCustomerID
	}

	portalSessionReq := &paddle.CreateCustomerPortalSessionRequest{
		CustomerID: customerID,
	}
	if req.ExternalID != "" {
		portalSessionReq.SubscriptionIDs = []string{req.ExternalID}
	}

	session, err := p.client.CustomerPortalSessionsClient.CreateCustomerPortalSession(ctx, portalSessionReq)
	if err != nil {
		return nil, paddleError("create customer portal session", err)
	}
	if session.URLs.General.Overview == "" {
		return nil, ErrNoPortalURL
	}
	return &PortalSession{
		URL:       session.URLs.General.Overview,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	}, nil
}

func paddleSubscription(s *paddle.Subscription) *ProviderSubscription {
	ps := &ProviderSubscription{
		ExternalID:     s.ID,
		CustomerID:     s.CustomerID,
		Status:         mapPaddleStatus(string(s.Status)),
		ProviderStatus: string(s.Status),
		Metadata:       stringMap(s.CustomData),
	}
	if s.CurrentBillingPeriod != nil {
		ps.PeriodStart = parsePaddleTime(s.CurrentBillingPeriod.StartsAt)
		ps.PeriodEnd = parsePaddleTime(s.CurrentBillingPeriod.EndsAt)
	}
	if s.ScheduledChange != nil && string(s.ScheduledChange.Action) == "cancel" {
		ps.CancelAtPeriodEnd = true
	}
	if s.CanceledAt != nil {
		if t := parsePaddleTime(*s.CanceledAt); !t.IsZero() {
			ps.CanceledAt = &t
		}
	}
	if len(s.Items) > 0 {
		price := s.Items[0].Price.UnitPrice
		ps.Price = Money{
			Amount:   parseMinorUnits(price.Amount),
			Currency: strings.ToLower(string(price.CurrencyCode)),
		}
	}
	return ps
}

// mapPaddleEventType maps Paddle notification types to normalized kinds.
func mapPaddleEventType(eventType string) EventKind {
	switch eventType {
	case "transaction.completed":
		return EventCheckoutCompleted
	case "transaction.paid":
		return EventPaymentSucceeded
	case "transaction.payment_failed":
		return EventPaymentFailed
	case "subscription.created":
		return EventSubscriptionCreated
	case "subscription.updated", "subscription.activated", "subscription.past_due",
		"subscription.paused", "subscription.resumed", "subscription.trialing":
		return EventSubscriptionUpdated
	case "subscription.canceled":
		return EventSubscriptionDeleted
	default:
		return EventUnknown
	}
}

// mapPaddleStatus maps Paddle subscription status to the internal vocabulary.
func mapPaddleStatus(paddleStatus string) Status {
	switch strings.ToLower(paddleStatus) {
	case "trialing":
		return StatusTrialing
	case "active":
		return StatusActive
	case "past_due":
		return StatusPastDue
	case "canceled", "cancelled":
		return StatusCanceled
	default:
		return StatusPending
	}
}

func paddlePriceKey(tier Tier, interval BillingInterval) string {
	return string(tier) + "_" + string(interval)
}

func paddleError(op string, err error) error {
	return fmt.Errorf("paddle %s: %w", op, errors.Join(ErrProviderUnavailable, err))
}

func parsePaddleTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

// parseMinorUnits parses Paddle's string amounts, which are already in minor units.
func parseMinorUnits(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func stringMap(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}
