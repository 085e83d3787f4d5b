package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/markdave123-py/Sitewise/internal/models"
	"github.com/markdave123-py/Sitewise/internal/services"
)

// Authenticator resolves a raw access key to its tenant.
type Authenticator interface {
	Authenticate(ctx context.Context, raw string) (*models.Tenant, error)
}

// TenantAuth resolves the bearer access key to a tenant. The key may also
// arrive in X-Api-Key for widget embeds that cannot set Authorization.
func TenantAuth(auth Authenticator, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, ok := bearer(r)
			if !ok {
				raw = r.Header.Get("X-Api-Key")
			}
			if raw == "" {
				writeError(w, http.StatusUnauthorized, services.ErrInvalidCredential.Error())
				return
			}

			tenant, err := auth.Authenticate(r.Context(), raw)
			switch {
			case errors.Is(err, services.ErrInvalidCredential), errors.Is(err, services.ErrTenantInactive):
				writeError(w, http.StatusUnauthorized, err.Error())
				return
			case err != nil:
				log.Error("credential lookup failed", zap.Error(err))
				writeError(w, http.StatusInternalServerError, "credential lookup failed")
				return
			}

			ctx := context.WithValue(r.Context(), tenantKey, tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TenantFrom returns the tenant attached by TenantAuth.
func TenantFrom(ctx context.Context) (*models.Tenant, bool) {
	t, ok := ctx.Value(tenantKey).(*models.Tenant)
	return t, ok
}

// WithTenant attaches a tenant to ctx; handlers under test use it in place
// of TenantAuth.
func WithTenant(ctx context.Context, t *models.Tenant) context.Context {
	return context.WithValue(ctx, tenantKey, t)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
