package api

import (
	"context"
	"net/http"
	"strings"
)

type contextKey int

const tenantContextKey contextKey = iota

// TenantMiddleware extracts the tenant id the engine trusts from the
// bearer token on every request and validates only its presence —
// authenticating the token itself is out of scope (§1); an upstream
// gateway is assumed to have already done that and to pass the
// resolved tenant id through as the token.
func TenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			respondError(w, http.StatusUnauthorized, "missing or malformed bearer token")
			return
		}
		tenant := strings.TrimPrefix(auth, "Bearer ")
		if tenant == "" {
			respondError(w, http.StatusUnauthorized, "missing or malformed bearer token")
			return
		}
		ctx := context.WithValue(r.Context(), tenantContextKey, tenant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tenantFromContext(ctx context.Context) string {
	t, _ := ctx.Value(tenantContextKey).(string)
	return t
}
