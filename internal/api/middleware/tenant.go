package middleware

import (
	"context"
	"net/http"
	"strings"
)

type contextKey string

// TenantKey is the context key for the tenant id.
const TenantKey contextKey = "tenant"

// TenantExtractor resolves the tenant from the X-Tenant header, then the
// tenant query parameter, and falls back to fallback.
func TenantExtractor(fallback string) func(http.Handler) http.Handler {
	if fallback == "" {
		fallback = "default"
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := strings.TrimSpace(r.Header.Get("X-Tenant"))
			if tenant == "" {
				tenant = strings.TrimSpace(r.URL.Query().Get("tenant"))
			}
			if tenant == "" {
				tenant = fallback
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), TenantKey, tenant)))
		})
	}
}

// GetTenant retrieves the tenant id from the request context.
func GetTenant(ctx context.Context) string {
	if v, ok := ctx.Value(TenantKey).(string); ok {
		return v
	}
	return "default"
}
