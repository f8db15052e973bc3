// Package logger builds slog loggers for the billing service and provides
// attribute helpers that keep key names consistent across packages.
//
// New returns a *slog.Logger whose handler is wrapped by LogHandlerDecorator,
// so values stored in the context (such as the HTTP request ID) are added to
// every record logged with a *Context method.
//
// # Usage
//
//	log, err := logger.FromConfig(cfg,
//		logger.WithContextValue("request_id", middleware.RequestIDKey),
//	)
//	if err != nil {
//		return err
//	}
//	log.InfoContext(ctx, "subscription canceled",
//		logger.SubscriptionID(sub.ID),
//		logger.UserID(sub.UserID),
//	)
//
// Helpers for optional identifiers and errors return an empty slog.Attr when
// the value is empty, which slog drops, so callers need no nil checks.
package logger
