package subscription

import (
	"context"
	"time"
)

// ProviderGateway abstracts the external payment provider. Provider handles
// all payment complexity through hosted checkouts and portals, so card data
// never reaches this service.
//
// Implementations own the mapping from the provider's status vocabulary to
// Status and normalize provider event names to EventKind.
type ProviderGateway interface {
	// CreateCheckoutSession creates a hosted checkout. It must not be retried
	// automatically once the provider has answered: a retry would hand the user
	// a second purchase flow.
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)

	// VerifyEvent checks the signature over the raw payload bytes and parses
	// the event. Any verification failure returns ErrInvalidSignature.
	VerifyEvent(ctx context.Context, payload []byte, signature string) (*Event, error)

	// FetchSubscription reads the provider's authoritative subscription object.
	FetchSubscription(ctx context.Context, externalID string) (*ProviderSubscription, error)

	// CancelSubscription cancels immediately or at the end of the current period.
	CancelSubscription(ctx context.Context, externalID string, atPeriodEnd bool) error

	// CreatePortalSession returns a pre-authenticated billing portal link.
	CreatePortalSession(ctx context.Context, req PortalRequest) (*PortalSession, error)
}

// CheckoutRequest contains data needed to create a checkout session.
type CheckoutRequest struct {
	UserID      string
	Email       string // optional billing email
	Tier        Tier
	Interval    BillingInterval
	Price       Money
	ProductName string
	Description string
	Metadata    map[string]string
	SuccessURL  string
	CancelURL   string
}

// CheckoutSession represents a hosted checkout session.
type CheckoutSession struct {
	SessionID string
	URL       string
	ExpiresAt time.Time
}

// PortalRequest identifies the provider subscription whose customer gets the portal.
type PortalRequest struct {
	ExternalID string
	CustomerID string // optional; resolved from ExternalID when empty
	ReturnURL  string
}

// PortalSession represents a customer portal session.
type PortalSession struct {
	URL       string
	ExpiresAt time.Time
}

// ProviderSubscription is a snapshot of the provider-side subscription object
// with the status already mapped to the internal vocabulary.
type ProviderSubscription struct {
	ExternalID        string
	CustomerID        string
	Status            Status
	ProviderStatus    string // original provider status, for logs
	PeriodStart       time.Time
	PeriodEnd         time.Time
	CancelAtPeriodEnd bool
	CanceledAt        *time.Time
	Price             Money
	Metadata          map[string]string
}

// EventKind is the normalized provider event type.
type EventKind string

const (
	EventCheckoutCompleted   EventKind = "checkout_completed"
	EventSubscriptionCreated EventKind = "subscription_created"
	EventSubscriptionUpdated EventKind = "subscription_updated"
	EventSubscriptionDeleted EventKind = "subscription_deleted"
	EventPaymentSucceeded    EventKind = "payment_succeeded"
	EventPaymentFailed       EventKind = "payment_failed"
	EventUnknown             EventKind = "unknown"
)

// Event is a verified, normalized provider event. Exactly one of Checkout,
// Subscription or Payment is set for the known kinds.
type Event struct {
	ID           string
	Kind         EventKind
	ProviderType string // original provider event name
	CreatedAt    time.Time

	Checkout     *CheckoutCompletion
	Subscription *ProviderSubscription
	Payment      *PaymentInfo
}

// CheckoutCompletion is the payload of a completed checkout.
type CheckoutCompletion struct {
	SessionID  string
	Paid       bool
	ExternalID string // provider subscription created by the checkout
	CustomerID string
	Metadata   map[string]string
}

// PaymentInfo describes a charge outcome. It never drives status transitions.
type PaymentInfo struct {
	ID         string
	ExternalID string
	Amount     Money
	Reason     string
}
