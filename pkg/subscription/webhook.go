package subscription

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"time"

	"github.com/dmitrymomot/saasbilling/pkg/logger"
)

// HandleWebhook verifies and applies one provider delivery. It returns an
// error only when the signature does not verify. Every other failure is
// logged and the delivery acknowledged, so a permanently malformed event
// cannot trigger endless redelivery.
func (e *Engine) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	event, err := e.gateway.VerifyEvent(ctx, payload, signature)
	if err != nil {
		if errors.Is(err, ErrInvalidSignature) {
			e.metrics.event(EventUnknown, outcomeRejected)
			e.logger.WarnContext(ctx, "rejected webhook with invalid signature", logger.Error(err))
			return err
		}
		e.metrics.event(EventUnknown, outcomeFailed)
		e.logger.ErrorContext(ctx, "failed to parse verified webhook", logger.Error(err))
		return nil
	}

	log := e.logger.With(
		logger.EventID(event.ID),
		logger.EventType(event.ProviderType),
	)

	if e.ledger != nil && event.ID != "" {
		seen, err := e.ledger.Seen(ctx, event.ID)
		if err != nil {
			log.WarnContext(ctx, "event ledger lookup failed", logger.Error(err))
		} else if seen {
			e.metrics.event(event.Kind, outcomeDuplicate)
			log.DebugContext(ctx, "skipping already applied event")
			return nil
		}
	}

	if err := e.Apply(ctx, event); err != nil {
		log.ErrorContext(ctx, "failed to apply provider event", logger.Error(err))
		return nil
	}

	if e.ledger != nil && event.ID != "" {
		if err := e.ledger.Remember(ctx, event.ID); err != nil {
			log.WarnContext(ctx, "failed to record applied event", logger.Error(err))
		}
	}
	return nil
}

// Apply applies a verified event to the store. Benign outcomes such as an
// unpaid checkout, a record that does not exist yet, a redelivery or an event
// older than the stored snapshot return nil. Errors are malformed events and
// store or provider failures.
func (e *Engine) Apply(ctx context.Context, event *Event) error {
	if event == nil {
		return ErrMalformedEvent
	}
	log := e.logger.With(
		logger.EventID(event.ID),
		logger.EventType(event.ProviderType),
	)

	var err error
	switch event.Kind {
	case EventCheckoutCompleted:
		err = e.applyCheckout(ctx, log, event)
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		err = e.applySnapshot(ctx, log, event)
	case EventSubscriptionDeleted:
		err = e.applyDeleted(ctx, log, event)
	case EventPaymentSucceeded, EventPaymentFailed:
		e.logPayment(ctx, log, event)
		e.metrics.event(event.Kind, outcomeApplied)
	default:
		e.metrics.event(event.Kind, outcomeIgnored)
		log.InfoContext(ctx, "ignoring unhandled provider event")
	}
	if err != nil {
		e.metrics.event(event.Kind, outcomeFailed)
	}
	return err
}

func (e *Engine) applyCheckout(ctx context.Context, log *slog.Logger, event *Event) error {
	c := event.Checkout
	if c == nil {
		return ErrMalformedEvent
	}
	if !c.Paid {
		e.metrics.event(event.Kind, outcomeIgnored)
		log.InfoContext(ctx, "checkout not paid yet", slog.String("session_id", c.SessionID))
		return nil
	}

	userID := c.Metadata[MetadataUserID]
	tier := Tier(c.Metadata[MetadataTier])
	if userID == "" || tier == "" {
		return ErrMissingEventMetadata
	}
	details, err := e.catalog.Details(tier)
	if err != nil {
		return err
	}
	if tier.IsFree() {
		return ErrMalformedEvent
	}
	if c.ExternalID == "" {
		return ErrMissingExternalID
	}

	log = log.With(logger.UserID(userID), logger.ExternalID(c.ExternalID))

	if _, err := e.store.GetByExternalID(ctx, c.ExternalID); err == nil {
		e.metrics.event(event.Kind, outcomeDuplicate)
		log.DebugContext(ctx, "subscription already materialized")
		return nil
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return err
	}

	pctx, cancel := e.providerContext(ctx)
	started := time.Now()
	ps, err := e.gateway.FetchSubscription(pctx, c.ExternalID)
	e.metrics.observeProvider("fetch_subscription", started)
	cancel()
	if err != nil {
		return providerError(err)
	}

	status := ps.Status
	if !status.Valid() {
		status = StatusPending
	}

	interval := BillingInterval(c.Metadata[MetadataInterval])
	if !interval.Valid() {
		interval = IntervalMonthly
	}
	price := ps.Price
	if price.Amount <= 0 {
		price = details.Price.For(interval)
	}

	metadata := maps.Clone(c.Metadata)
	customerID := firstNonEmpty(c.CustomerID, ps.CustomerID)
	if customerID != "" {
		metadata[MetadataCustomerID] = customerID
	}

	if status == StatusActive {
		if err := e.supersedeActive(ctx, log, userID, c.ExternalID); err != nil {
			return err
		}
	}

	params := CreateParams{
		UserID:     userID,
		Tier:       tier,
		Status:     status,
		StartDate:  ps.PeriodStart,
		EndDate:    ps.PeriodEnd,
		AutoRenew:  !ps.CancelAtPeriodEnd && ps.CanceledAt == nil,
		CanceledAt: ps.CanceledAt,
		ExternalID: c.ExternalID,
		Price:      price,
		Features:   details.Features,
		Metadata:   metadata,
	}
	if !event.CreatedAt.IsZero() {
		params.LastEventAt = &event.CreatedAt
	}

	sub, err := e.store.Create(ctx, params)
	if err != nil {
		if errors.Is(err, ErrDuplicateExternalID) {
			e.metrics.event(event.Kind, outcomeDuplicate)
			log.DebugContext(ctx, "subscription created by a concurrent delivery")
			return nil
		}
		return err
	}

	e.metrics.event(event.Kind, outcomeApplied)
	log.InfoContext(ctx, "subscription created from checkout",
		logger.SubscriptionID(sub.ID),
		logger.Tier(string(sub.Tier)),
		logger.Status(string(sub.Status)),
	)
	e.projector.Created(ctx, sub)
	return nil
}

// supersedeActive ends the user's current active subscription so the paid
// record from a completed checkout can become the single active one.
// A provider-backed predecessor is also canceled at the provider, best effort.
func (e *Engine) supersedeActive(ctx context.Context, log *slog.Logger, userID, externalID string) error {
	current, err := e.store.GetActiveForUser(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if current.ExternalID == externalID {
		return nil
	}

	if current.HasProvider() {
		pctx, cancel := e.providerContext(ctx)
		err := e.gateway.CancelSubscription(pctx, current.ExternalID, false)
		cancel()
		if err != nil {
			log.WarnContext(ctx, "failed to cancel superseded provider subscription",
				logger.SubscriptionID(current.ID),
				logger.Error(err),
			)
		}
	}

	if _, err := e.store.MarkCanceled(ctx, current.ID, e.now()); err != nil {
		return err
	}
	log.InfoContext(ctx, "superseded previous subscription",
		logger.SubscriptionID(current.ID),
		logger.Tier(string(current.Tier)),
	)
	return nil
}

func (e *Engine) applySnapshot(ctx context.Context, log *slog.Logger, event *Event) error {
	ps := event.Subscription
	if ps == nil || ps.ExternalID == "" {
		return ErrMalformedEvent
	}
	log = log.With(logger.ExternalID(ps.ExternalID))

	sub, err := e.store.GetByExternalID(ctx, ps.ExternalID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			e.metrics.event(event.Kind, outcomeMissing)
			log.InfoContext(ctx, "subscription not materialized yet, skipping snapshot")
			return nil
		}
		return err
	}
	log = log.With(logger.SubscriptionID(sub.ID))

	patch := snapshotPatch(ps, event.CreatedAt)
	if ps.Status.Valid() && ps.Status != sub.Status {
		if err := ValidateTransition(sub.Status, ps.Status); err != nil {
			log.WarnContext(ctx, "ignoring provider status change",
				logger.Status(string(ps.Status)),
				slog.String("provider_status", ps.ProviderStatus),
				logger.Error(err),
			)
		} else {
			patch.Status = &ps.Status
		}
	}

	updated, err := e.updateProviderRecord(ctx, log, sub, patch)
	if errors.Is(err, ErrInvalidTransition) && patch.Status != nil {
		// The record turned terminal between the read and the write.
		patch.Status = nil
		updated, err = e.store.Update(ctx, sub.ID, patch)
	}
	if err != nil {
		if errors.Is(err, ErrStaleEvent) {
			e.metrics.event(event.Kind, outcomeStale)
			log.InfoContext(ctx, "skipping snapshot older than stored state")
			return nil
		}
		return err
	}

	e.metrics.event(event.Kind, outcomeApplied)
	log.InfoContext(ctx, "applied provider subscription snapshot",
		logger.Status(string(updated.Status)),
		slog.Bool("auto_renew", updated.AutoRenew),
	)
	e.projector.Changed(ctx, sub, updated)
	return nil
}

// updateProviderRecord writes a provider-derived patch. When the patch makes
// the record active, the user's other active record is superseded first so
// the single-active constraint cannot pin the record in its old status.
func (e *Engine) updateProviderRecord(ctx context.Context, log *slog.Logger, sub *Subscription, patch Patch) (*Subscription, error) {
	activating := patch.Status != nil && *patch.Status == StatusActive && sub.Status != StatusActive
	if !activating {
		return e.store.Update(ctx, sub.ID, patch)
	}

	if patch.CheckGuards(sub) == nil {
		if err := e.supersedeActive(ctx, log, sub.UserID, sub.ExternalID); err != nil {
			return nil, err
		}
	}
	updated, err := e.store.Update(ctx, sub.ID, patch)
	if errors.Is(err, ErrActiveSubscriptionExists) {
		// Another record became active between superseding and the write.
		if err := e.supersedeActive(ctx, log, sub.UserID, sub.ExternalID); err != nil {
			return nil, err
		}
		updated, err = e.store.Update(ctx, sub.ID, patch)
	}
	return updated, err
}

func snapshotPatch(ps *ProviderSubscription, eventAt time.Time) Patch {
	patch := Patch{
		AutoRenew:  ptr(!ps.CancelAtPeriodEnd),
		CanceledAt: ps.CanceledAt,
	}
	if !ps.PeriodStart.IsZero() {
		patch.StartDate = &ps.PeriodStart
	}
	if !ps.PeriodEnd.IsZero() {
		patch.EndDate = &ps.PeriodEnd
	}
	if !eventAt.IsZero() {
		patch.EventAt = &eventAt
	}
	return patch
}

func (e *Engine) applyDeleted(ctx context.Context, log *slog.Logger, event *Event) error {
	ps := event.Subscription
	if ps == nil || ps.ExternalID == "" {
		return ErrMalformedEvent
	}
	log = log.With(logger.ExternalID(ps.ExternalID))

	sub, err := e.store.GetByExternalID(ctx, ps.ExternalID)
	if err != nil {
		if errors.Is(err, ErrSubscriptionNotFound) {
			e.metrics.event(event.Kind, outcomeMissing)
			log.InfoContext(ctx, "deleted subscription is unknown locally")
			return nil
		}
		return err
	}
	if sub.Status.Terminal() {
		e.metrics.event(event.Kind, outcomeDuplicate)
		log.DebugContext(ctx, "subscription already ended", logger.SubscriptionID(sub.ID))
		return nil
	}

	at := e.now()
	if ps.CanceledAt != nil {
		at = *ps.CanceledAt
	}
	canceled, err := e.store.MarkCanceled(ctx, sub.ID, at)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			e.metrics.event(event.Kind, outcomeDuplicate)
			return nil
		}
		return err
	}

	e.metrics.event(event.Kind, outcomeApplied)
	log.InfoContext(ctx, "subscription canceled by provider", logger.SubscriptionID(sub.ID))
	e.projector.Changed(ctx, sub, canceled)
	return nil
}

func (e *Engine) logPayment(ctx context.Context, log *slog.Logger, event *Event) {
	attrs := []any{}
	if p := event.Payment; p != nil {
		attrs = append(attrs,
			slog.String("payment_id", p.ID),
			logger.ExternalID(p.ExternalID),
			slog.Int64("amount", p.Amount.Amount),
			slog.String("currency", p.Amount.Currency),
		)
		if p.Reason != "" {
			attrs = append(attrs, slog.String("reason", p.Reason))
		}
	}
	if event.Kind == EventPaymentFailed {
		log.WarnContext(ctx, "payment failed", attrs...)
		return
	}
	log.InfoContext(ctx, "payment succeeded", attrs...)
}
