package billingapi

import (
	"errors"
	"fmt"

	"github.com/dmitrymomot/saasbilling/binder"
	"github.com/dmitrymomot/saasbilling/handler"
	"github.com/dmitrymomot/saasbilling/pkg/subscription"
)

// errorResponse maps domain and binding errors to HTTP errors. Anything not
// listed is a 500 and its message is not exposed.
func errorResponse(err error) handler.Response {
	return handler.JSONError(toHTTPError(err))
}

func toHTTPError(err error) error {
	var status handler.HTTPError
	switch {
	case errors.Is(err, subscription.ErrSubscriptionNotFound),
		errors.Is(err, subscription.ErrUserNotFound):
		status = handler.ErrNotFound
	case errors.Is(err, subscription.ErrUnknownTier),
		errors.Is(err, subscription.ErrInvalidInterval),
		errors.Is(err, subscription.ErrInvalidReference):
		status = handler.ErrUnprocessableEntity
	case errors.Is(err, subscription.ErrAlreadySubscribed),
		errors.Is(err, subscription.ErrActiveSubscriptionExists),
		errors.Is(err, subscription.ErrNoActiveSubscription),
		errors.Is(err, subscription.ErrInvalidTransition),
		errors.Is(err, subscription.ErrMissingProviderCustomerID):
		status = handler.ErrConflict
	case errors.Is(err, subscription.ErrProviderUnavailable):
		status = handler.ErrServiceUnavailable
	case errors.Is(err, subscription.ErrInvalidSignature),
		errors.Is(err, binder.ErrInvalidJSON),
		errors.Is(err, binder.ErrMissingContentType):
		status = handler.ErrBadRequest
	case errors.Is(err, binder.ErrUnsupportedMediaType):
		status = handler.ErrUnsupportedMediaType
	case errors.Is(err, binder.ErrBodyTooLarge):
		status = handler.ErrRequestEntityTooLarge
	default:
		var verr handler.ValidationError
		if errors.As(err, &verr) {
			return verr
		}
		return err
	}
	return fmt.Errorf("%w: %s", status, err.Error())
}
