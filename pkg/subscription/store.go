package subscription

import (
	"context"
	"time"
)

// SubscriptionStore defines the interface for subscription persistence.
//
// Update and MarkCanceled must be atomic single-record operations: the guards
// described on Patch are evaluated in the same operation that writes, so a
// webhook-driven update and a user-driven cancel racing on the same record
// resolve deterministically without losing either write.
type SubscriptionStore interface {
	// Create assigns an ID and persists a new subscription.
	// Returns ErrInvalidReference if the user does not exist,
	// ErrDuplicateExternalID if the external ID is already mapped and
	// ErrActiveSubscriptionExists if the user already has an active record.
	Create(ctx context.Context, params CreateParams) (*Subscription, error)

	// Get returns ErrSubscriptionNotFound if no subscription exists.
	Get(ctx context.Context, id string) (*Subscription, error)

	// GetByExternalID returns ErrSubscriptionNotFound when no record maps to the external ID.
	GetByExternalID(ctx context.Context, externalID string) (*Subscription, error)

	// GetActiveForUser returns the single record with status active and an
	// end date not in the past, or ErrSubscriptionNotFound.
	GetActiveForUser(ctx context.Context, userID string) (*Subscription, error)

	// GetLiveForUser returns the most recently created provider-backed record
	// of the user that is not canceled or expired, whatever its end date,
	// or ErrSubscriptionNotFound.
	GetLiveForUser(ctx context.Context, userID string) (*Subscription, error)

	// Update applies a partial update atomically.
	// Returns ErrSubscriptionNotFound, ErrInvalidTransition or ErrStaleEvent.
	Update(ctx context.Context, id string, patch Patch) (*Subscription, error)

	// MarkCanceled sets status canceled, canceledAt (if not yet set) and
	// autoRenew false in a single operation. Repeated calls are no-ops.
	MarkCanceled(ctx context.Context, id string, at time.Time) (*Subscription, error)

	// ListExpired returns non-terminal records whose period ended before now
	// and that will not be renewed by the provider.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Subscription, error)
}
