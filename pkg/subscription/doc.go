// Package subscription keeps local subscription records consistent with an
// external payment provider.
//
// The provider delivers webhook events at least once and in no particular
// order, while users start checkouts, cancel and open the billing portal at
// the same time. The Engine reconciles both streams against a
// SubscriptionStore whose single-record operations are atomic.
//
// # Architecture
//
//   - Catalog: static tier lookup (price, quotas, features), embedded as YAML
//   - SubscriptionStore: persistence with uniqueness and status guards
//   - ProviderGateway: checkout, portal, cancellation and signed events
//     (StripeGateway, PaddleGateway)
//   - Engine: user commands and event application
//   - TierProjector: best-effort copy of the tier onto the user profile
//   - EventLedger: optional short-circuit for redelivered event IDs
//   - Sweeper: time-driven expiry of overdue subscriptions
//
// # Lifecycle
//
// Statuses move pending → active → {past_due, canceled, expired}. Trialing is
// an entry state equivalent to pending, past_due may return to active, and
// nothing leaves canceled or expired.
//
// Paid subscriptions are created only when the provider reports a paid
// checkout, so abandoned checkouts leave no records. The free tier is
// activated synchronously for one year at zero price.
//
// # Event application
//
// A subscription created or updated event is applied as a snapshot of the
// provider object: status (when the transition is allowed), period bounds,
// renewal flag and cancellation time. Snapshots older than the last applied
// one are skipped. Events for records that do not exist yet are skipped
// without error, since a later event converges the record.
//
// Payment events are logged and counted but never change status; the
// subscription object events own status transitions.
//
// # Usage
//
//	gateway, err := subscription.NewStripeGateway(stripeCfg)
//	if err != nil {
//		return err
//	}
//	engine := subscription.NewEngine(store, gateway, users,
//		subscription.WithLogger(log),
//		subscription.WithEventLedger(ledger),
//	)
//
//	res, err := engine.StartCheckout(ctx, subscription.CheckoutCommand{
//		UserID:   userID,
//		Tier:     subscription.TierProfessional,
//		Interval: subscription.IntervalMonthly,
//	})
//
//	// In the webhook handler, with the unparsed body:
//	if err := engine.HandleWebhook(ctx, body, r.Header.Get("Stripe-Signature")); err != nil {
//		http.Error(w, "invalid signature", http.StatusBadRequest)
//		return
//	}
//
// # Errors
//
// Errors are sentinel values compared with errors.Is. HandleWebhook returns
// only ErrInvalidSignature; every other webhook failure is logged and
// acknowledged. Commands return ErrProviderUnavailable for retryable
// provider failures.
package subscription
