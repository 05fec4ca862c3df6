package auth

import (
	"context"
	"net/http"
)

type contextKey struct{}

// DefaultDevOwner owns every resource when the server runs without OIDC.
const DefaultDevOwner = "dev-owner"

// OwnerFromContext returns the owner attached by WithOwner or
// DevOwnerMiddleware.
func OwnerFromContext(ctx context.Context) (string, bool) {
	owner, ok := ctx.Value(contextKey{}).(string)
	return owner, ok && owner != ""
}

func ContextWithOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, contextKey{}, owner)
}

// DevOwnerMiddleware attributes every request to a fixed owner.
func DevOwnerMiddleware(owner string) func(http.Handler) http.Handler {
	if owner == "" {
		owner = DefaultDevOwner
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(ContextWithOwner(r.Context(), owner)))
		})
	}
}
