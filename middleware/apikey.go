package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
)

// RequireAPIKey guards the admin API. Callers present the key as a bearer
// token; anything else gets {"status":"unauthorized"} with a 401.
func RequireAPIKey(key string) func(http.Handler) http.Handler {
	expected := []byte(strings.TrimSpace(key))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := []byte(extractBearer(r.Header.Get("Authorization")))
			if len(expected) == 0 || subtle.ConstantTimeCompare(got, expected) != 1 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				json.NewEncoder(w).Encode(map[string]string{"status": "unauthorized"}) //nolint:errcheck
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
