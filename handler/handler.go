package handler

import (
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/saasbilling/pkg/logger"
)

// Response renders itself to an http.ResponseWriter.
type Response interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// Func is an HTTP handler that returns its response instead of writing it.
type Func func(r *http.Request) Response

// Wrap adapts h to http.HandlerFunc. A nil response is rendered as a 500;
// render failures are logged because the status line is already written.
func Wrap(h Func, log *slog.Logger) http.HandlerFunc {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return func(w http.ResponseWriter, r *http.Request) {
		resp := h(r)
		if resp == nil {
			log.ErrorContext(r.Context(), "handler returned no response", logger.Error(ErrNilResponse))
			resp = JSONError(ErrInternalServerError)
		}
		if err := resp.Render(w, r); err != nil {
			log.ErrorContext(r.Context(), "failed to render response", logger.Error(err))
		}
	}
}
