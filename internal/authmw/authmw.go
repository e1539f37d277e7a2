// Package authmw provides bearer token authentication for the API.
package authmw

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

type ctxKey struct{}

// BearerTokens returns middleware that accepts any of tokens. Several tokens
// can be active at once so a new one can be rolled out before the old one is
// revoked. Empty tokens are ignored; with none left every request is rejected.
//
// Every configured token is compared on every request so response time does
// not depend on which slot matched.
func BearerTokens(tokens ...string) func(http.Handler) http.Handler {
	var expected [][]byte
	for _, t := range tokens {
		if t = strings.TrimSpace(t); t != "" {
			expected = append(expected, []byte(t))
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				unauthorized(w, "missing or malformed authorization header")
				return
			}
			got := []byte(auth[len("Bearer "):])

			slot := -1
			for i, want := range expected {
				if subtle.ConstantTimeCompare(got, want) == 1 && slot < 0 {
					slot = i
				}
			}
			if slot < 0 {
				unauthorized(w, "invalid token")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, slot)))
		})
	}
}

// TokenSlot returns the index of the configured token that authenticated the
// request, or false outside BearerTokens.
func TokenSlot(ctx context.Context) (int, bool) {
	slot, ok := ctx.Value(ctxKey{}).(int)
	return slot, ok
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="acuity"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = w.Write([]byte(`{"error":"` + msg + `"}`))
}
