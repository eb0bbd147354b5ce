package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/cyface-de/ingest-storage/internal/upload"
)

type principalKey struct{}

// ServiceToken validates the X-Service-Token header and, on success,
// attaches an upload.Principal built from the X-User-Id/X-User-Name
// headers the upstream authenticator set (spec §1: "the core receives an
// already-authenticated principal"). If token is empty (dev mode) every
// request passes through with whatever principal headers it carries.
func ServiceToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" {
				provided := r.Header.Get("X-Service-Token")
				if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
					http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
					return
				}
			}

			principal := upload.Principal{
				UserID: r.Header.Get("X-User-Id"),
				Name:   r.Header.Get("X-User-Name"),
			}
			ctx := context.WithValue(r.Context(), principalKey{}, principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// PrincipalFrom extracts the Principal a prior ServiceToken call attached.
func PrincipalFrom(ctx context.Context) upload.Principal {
	p, _ := ctx.Value(principalKey{}).(upload.Principal)
	return p
}
