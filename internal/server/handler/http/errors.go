package http

import (
	"errors"
	"net/http"

	"github.com/atinyakov/PluginRepo/internal/archive"
	"github.com/atinyakov/PluginRepo/internal/middleware"
	"github.com/atinyakov/PluginRepo/internal/service"
	"go.uber.org/zap"
)

// writeError maps service and archive errors onto HTTP status codes.
// Client errors carry the error text, server errors a generic message.
func writeError(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	switch {
	case errors.Is(err, archive.ErrCorruptArchive),
		errors.Is(err, archive.ErrMissingMetadata),
		errors.Is(err, archive.ErrInvalidMetadata),
		errors.Is(err, service.ErrMissingIconAsset),
		errors.Is(err, service.ErrInvalidVote):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrDuplicateContent),
		errors.Is(err, service.ErrStaleVersion):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrAccessDenied):
		if middleware.PrincipalFromContext(r.Context()).IsAnonymous() {
			middleware.Challenge(w)
			return
		}
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, service.ErrNotFound):
		http.Error(w, "not found", http.StatusNotFound)
	default:
		log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
