package subscription

import "errors"

var (
	ErrUnknownTier     = errors.New("unknown subscription tier")
	ErrInvalidInterval = errors.New("invalid billing interval")
	ErrInvalidCatalog  = errors.New("invalid tier catalog")

	ErrSubscriptionNotFound     = errors.New("subscription not found")
	ErrInvalidReference         = errors.New("subscription references an unknown user")
	ErrDuplicateExternalID      = errors.New("subscription with this external ID already exists")
	ErrActiveSubscriptionExists = errors.New("user already has an active subscription")
	ErrInvalidTransition        = errors.New("invalid subscription status transition")
	ErrStaleEvent               = errors.New("provider event is older than the stored snapshot")

	ErrAlreadySubscribed    = errors.New("user already has an active subscription")
	ErrNoActiveSubscription = errors.New("no active subscription found for this user")

	ErrUserNotFound = errors.New("user not found")

	ErrInvalidSignature     = errors.New("webhook signature verification failed")
	ErrMalformedEvent       = errors.New("malformed provider event")
	ErrMissingEventMetadata = errors.New("provider event is missing required metadata")
	ErrProviderUnavailable  = errors.New("billing provider unavailable")

	// Provider configuration errors
	ErrMissingAPIKey              = errors.New("billing provider API key is required")
	ErrMissingWebhookSecret       = errors.New("billing provider webhook secret is required")
	ErrInvalidProviderEnvironment = errors.New("invalid billing provider environment")
	ErrNoCheckoutURL              = errors.New("no checkout URL returned from provider")
	ErrNoPortalURL                = errors.New("no portal URL returned from provider")
	ErrMissingProviderCustomerID  = errors.New("provider customer ID not available")
	ErrMissingExternalID          = errors.New("provider subscription ID is required")
)
