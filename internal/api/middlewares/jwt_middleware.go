package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/markdave123-py/Sitewise/internal/services"
)

type ctxKey int

const (
	adminSubjectKey ctxKey = iota
	tenantKey
)

func bearer(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	return tok, tok != ""
}

// AdminJWT validates an admin bearer token and attaches its subject to the
// request context.
func AdminJWT(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tokenStr, ok := bearer(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing or invalid token")
				return
			}
			sub, err := services.VerifyAdminToken(secret, tokenStr)
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid token")
				return
			}
			ctx := context.WithValue(r.Context(), adminSubjectKey, sub)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func AdminSubject(ctx context.Context) string {
	sub, _ := ctx.Value(adminSubjectKey).(string)
	return sub
}
