package requestid

import (
	"context"
	"log/slog"

	"github.com/dmitrymomot/saasbilling/pkg/logger"
)

// LoggerExtractor tags log records with the request ID of the call that
// produced them, so a webhook delivery can be traced through the engine.
func LoggerExtractor() logger.ContextExtractor {
	return func(ctx context.Context) (slog.Attr, bool) {
		if id := FromContext(ctx); id != "" {
			return logger.RequestID(id), true
		}
		return slog.Attr{}, false
	}
}
