package middleware

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"
)

// CORSConfig lists the origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string
}

// CORS lets the panel frontend, served from another origin, call the API. With
// no origins configured every origin is allowed.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	origins := cfg.AllowedOrigins
	wildcard := len(origins) == 0 || slices.Contains(origins, "*")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			setCORSHeaders(w, r.Header.Get("Origin"), wildcard, origins)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func setCORSHeaders(w http.ResponseWriter, origin string, wildcard bool, origins []string) {
	h := w.Header()
	switch {
	case wildcard:
		h.Set("Access-Control-Allow-Origin", "*")
	case origin != "" && slices.Contains(origins, origin):
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Add("Vary", "Origin")
	default:
		return
	}
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", strings.Join([]string{"Content-Type", "Authorization", IdempotencyKeyHeader}, ", "))
	h.Set("Access-Control-Expose-Headers", strings.Join([]string{ReplayHeader, RequestIDHeader}, ", "))
}

func writeStatusError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg}) //nolint:errcheck
}
