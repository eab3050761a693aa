// Package middleware provides HTTP middlewares for authentication and logging.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/atinyakov/PluginRepo/internal/models"
	"github.com/atinyakov/PluginRepo/internal/service"
	"go.uber.org/zap"
)

type ctxKey string

const principalKey ctxKey = "principal"

// Realm is announced in authentication challenges.
const Realm = "QGIS plugin repository"

// Authenticator checks a user name and password.
type Authenticator interface {
	Authenticate(ctx context.Context, name, password string) (*models.Principal, error)
}

// BasicAuth resolves HTTP basic credentials into a principal and stores it
// in the request context. Requests without credentials continue as
// anonymous. Wrong credentials are answered with 401 and a challenge.
func BasicAuth(auth Authenticator, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			name, password, ok := r.BasicAuth()
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			p, err := auth.Authenticate(r.Context(), name, password)
			if errors.Is(err, service.ErrInvalidCredentials) {
				Challenge(w)
				return
			}
			if err != nil {
				log.Error("authentication failed", zap.String("user", name), zap.Error(err))
				http.Error(w, "internal error", http.StatusInternalServerError)
				return
			}

			ctx := context.WithValue(r.Context(), principalKey, p)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Challenge answers 401 asking the client for basic credentials.
func Challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Basic realm=%q`, Realm))
	http.Error(w, "authentication required", http.StatusUnauthorized)
}

// PrincipalFromContext returns the authenticated principal, or
// models.Anonymous when the request carried no credentials.
func PrincipalFromContext(ctx context.Context) *models.Principal {
	if p, ok := ctx.Value(principalKey).(*models.Principal); ok {
		return p
	}
	return models.Anonymous
}
