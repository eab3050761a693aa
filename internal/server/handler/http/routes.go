// Package http provides HTTP routing and handlers for the plugin
// repository service.
package http

import (
	"net/http"

	"github.com/atinyakov/PluginRepo/internal/middleware"
	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter constructs the HTTP handler serving the repository.
//
// Routes:
//
//	GET    /                      → catalog.Index
//	GET    /plugins.xml           → catalog.PluginsXML
//	GET    /download/{filename}   → catalog.Download
//	GET    /icons/{filename}      → catalog.Icon
//	POST   /upload                → upload.Upload
//	DELETE /plugins/{id}          → catalog.Delete
//	POST   /plugins/{id}/access   → catalog.SetAccess
//	POST   /plugins/{id}/vote     → catalog.Vote
//	GET    /metrics               → metrics (when not nil)
//
// Middleware chain (applied in order):
//  1. RequestID and Recoverer from chi
//  2. WithRequestLogging(logger)
//  3. BasicAuth(auth) resolving the caller into a principal
func NewRouter(
	upload *UploadHandler,
	catalog *CatalogHandler,
	auth middleware.Authenticator,
	metrics http.Handler,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(middleware.WithRequestLogging(logger))
	r.Use(chiMiddleware.Recoverer)

	if metrics != nil {
		r.Method(http.MethodGet, "/metrics", metrics)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.BasicAuth(auth, logger))

		r.Get("/", catalog.Index)
		r.Get("/plugins.xml", catalog.PluginsXML)
		r.Get("/download/{filename}", catalog.Download)
		r.Get("/icons/{filename}", catalog.Icon)
		r.Post("/upload", upload.Upload)

		r.Route("/plugins/{id}", func(r chi.Router) {
			// Only allow requests with Content-Type: application/json
			r.Use(chiMiddleware.AllowContentType("application/json"))
			r.Delete("/", catalog.Delete)
			r.Post("/access", catalog.SetAccess)
			r.Post("/vote", catalog.Vote)
		})
	})

	return r
}
