package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/cargohub/hub/internal/api/response"
	"github.com/cargohub/hub/internal/huberrors"
	"github.com/cargohub/hub/internal/models"
)

type contextKey string

const principalContextKey contextKey = "principal"

// PrincipalResolver maps an API key to the caller's principal.
type PrincipalResolver interface {
	Resolve(ctx context.Context, key string) (models.Principal, error)
}

// Auth validates the bearer API key and stores the resolved principal in the request context.
func Auth(resolver PrincipalResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.RespondUnauthorized(w, "Missing Authorization header")

				return
			}

			scheme, apiKey, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") {
				response.RespondUnauthorized(w, "Invalid Authorization header format. Expected: Bearer <api-key>")

				return
			}

			apiKey = strings.TrimSpace(apiKey)
			if apiKey == "" {
				response.RespondUnauthorized(w, "API key is empty")

				return
			}

			principal, err := resolver.Resolve(r.Context(), apiKey)
			if err != nil {
				if huberrors.Kind(err) == huberrors.KindNotFound {
					response.RespondUnauthorized(w, "Invalid or inactive API key")
				} else {
					response.RespondServiceError(w, r, err)
				}

				return
			}

			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
		})
	}
}

// WithPrincipal returns ctx carrying principal.
func WithPrincipal(ctx context.Context, principal models.Principal) context.Context {
	return context.WithValue(ctx, principalContextKey, principal)
}

// PrincipalFrom returns the principal stored by Auth.
func PrincipalFrom(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(principalContextKey).(models.Principal)

	return p, ok
}

// RequirePrivileged rejects principals that do not see the whole corpus.
func RequirePrivileged(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFrom(r.Context())
		if !ok || !p.Role.Privileged() {
			response.RespondServiceError(w, r, huberrors.NewForbiddenError("operation requires an admin or operator key"))

			return
		}

		next.ServeHTTP(w, r)
	})
}
