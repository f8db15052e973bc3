package billingapi

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dmitrymomot/saasbilling/binder"
	"github.com/dmitrymomot/saasbilling/handler"
	"github.com/dmitrymomot/saasbilling/pkg/logger"
	"github.com/dmitrymomot/saasbilling/pkg/subscription"
)

// handleWebhook reads the raw body, since signatures are computed over the
// exact bytes, and hands it to the engine. Only a signature failure is
// reported to the provider; everything past verification is acknowledged.
func (a *API) handleWebhook(r *http.Request) handler.Response {
	body, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, a.cfg.MaxWebhookBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			// The provider redelivers on 413, so these must stay visible.
			a.rejected.WithLabelValues("too_large").Inc()
			a.log.ErrorContext(r.Context(), "webhook body exceeds limit",
				slog.Int64("limit_bytes", tooLarge.Limit),
			)
			return errorResponse(binder.ErrBodyTooLarge)
		}
		a.log.WarnContext(r.Context(), "failed to read webhook body", logger.Error(err))
		return errorResponse(binder.ErrInvalidJSON)
	}

	signature := r.Header.Get(a.cfg.SignatureHeader)
	if signature == "" {
		return errorResponse(subscription.ErrInvalidSignature)
	}

	if err := a.engine.HandleWebhook(r.Context(), body, signature); err != nil {
		return errorResponse(err)
	}
	return handler.JSON(map[string]bool{"received": true})
}

func (a *API) listTiers(*http.Request) handler.Response {
	tiers := a.engine.Catalog().Tiers()
	out := make([]tierResponse, 0, len(tiers))
	for _, d := range tiers {
		out = append(out, newTierResponse(d))
	}
	return handler.JSON(out)
}

func (a *API) checkout(r *http.Request) handler.Response {
	var req checkoutRequest
	if err := a.bind(r, &req); err != nil {
		return errorResponse(err)
	}

	verr := handler.NewValidationError()
	if strings.TrimSpace(req.UserID) == "" {
		verr.Add("userId", "is required")
	}
	if !subscription.Tier(req.Tier).Valid() {
		verr.Add("tier", "must be one of free, starter, professional, enterprise")
	}
	if req.BillingInterval != "" && !subscription.BillingInterval(req.BillingInterval).Valid() {
		verr.Add("billingInterval", "must be monthly or yearly")
	}
	if !verr.IsEmpty() {
		return errorResponse(verr)
	}

	res, err := a.engine.StartCheckout(r.Context(), subscription.CheckoutCommand{
		UserID:     req.UserID,
		Tier:       subscription.Tier(req.Tier),
		Interval:   subscription.BillingInterval(req.BillingInterval),
		SuccessURL: req.SuccessURL,
		CancelURL:  req.CancelURL,
	})
	if err != nil {
		return errorResponse(err)
	}

	if res.IsFree {
		return handler.JSON(checkoutResponse{
			IsFree:       true,
			Subscription: newSubscriptionResponse(res.Subscription),
		}, handler.WithJSONStatus(http.StatusCreated))
	}
	return handler.JSON(checkoutResponse{SessionID: res.SessionID, URL: res.URL})
}

func (a *API) cancel(r *http.Request) handler.Response {
	var req cancelRequest
	if r.ContentLength != 0 {
		if err := a.bind(r, &req); err != nil {
			return errorResponse(err)
		}
	}

	res, err := a.engine.Cancel(r.Context(), subscription.CancelCommand{
		SubscriptionID: chi.URLParam(r, "id"),
		AtPeriodEnd:    req.AtPeriodEnd,
	})
	if err != nil {
		return errorResponse(err)
	}
	return handler.JSON(cancelResponse{
		Canceled:            res.Canceled,
		CanceledAtPeriodEnd: res.CanceledAtPeriodEnd,
		Subscription:        newSubscriptionResponse(res.Subscription),
	})
}

func (a *API) portal(r *http.Request) handler.Response {
	var req portalRequest
	if err := a.bind(r, &req); err != nil {
		return errorResponse(err)
	}
	if strings.TrimSpace(req.UserID) == "" {
		verr := handler.NewValidationError()
		verr.Add("userId", "is required")
		return errorResponse(verr)
	}

	res, err := a.engine.PortalSession(r.Context(), subscription.PortalCommand{
		UserID:    req.UserID,
		ReturnURL: req.ReturnURL,
	})
	if err != nil {
		return errorResponse(err)
	}
	return handler.JSON(map[string]string{"url": res.URL})
}

func (a *API) getSubscription(r *http.Request) handler.Response {
	sub, err := a.engine.GetSubscription(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return errorResponse(err)
	}
	return handler.JSON(newSubscriptionResponse(sub))
}

func (a *API) changeTier(r *http.Request) handler.Response {
	var req changeTierRequest
	if err := a.bind(r, &req); err != nil {
		return errorResponse(err)
	}

	sub, err := a.engine.ChangeTier(r.Context(), chi.URLParam(r, "id"), subscription.Tier(req.Tier))
	if err != nil {
		return errorResponse(err)
	}
	return handler.JSON(newSubscriptionResponse(sub))
}

func (a *API) userSubscription(r *http.Request) handler.Response {
	us, err := a.engine.UserSubscription(r.Context(), chi.URLParam(r, "userId"))
	if err != nil {
		return errorResponse(err)
	}
	return handler.JSON(userSubscriptionResponse{
		UserID:       us.User.ID,
		Tier:         newTierResponse(us.Details),
		Subscription: newSubscriptionResponse(us.Subscription),
	})
}

// bind decodes a JSON command body.
func (a *API) bind(r *http.Request, v any) error {
	err := binder.JSON(nil, r, v, a.cfg.MaxCommandBytes)
	if err != nil && !errors.Is(err, binder.ErrBodyTooLarge) {
		a.log.DebugContext(r.Context(), "rejected request body", logger.Error(err))
	}
	return err
}
