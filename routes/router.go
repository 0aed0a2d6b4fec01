// Package routes assembles the HTTP surface of stakingd.
package routes

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/arkantrust/heliactyl-staking/handlers"
	"github.com/arkantrust/heliactyl-staking/middleware"
)

// Rate limit keys looked up in the configured limits.
const (
	RateLimitStaking = "staking"
	RateLimitAdmin   = "admin"
)

// Config carries the handlers and middleware New wires together. Handler and
// Authenticator are required; a nil middleware is skipped.
type Config struct {
	Handler       *handlers.Handler
	Authenticator *middleware.Authenticator
	Idempotency   *middleware.Idempotency
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig

	// AdminAPIKey enables the /api/v6 routes when set.
	AdminAPIKey string
}

// New builds the stakingd router.
func New(cfg Config) (http.Handler, error) {
	if cfg.Handler == nil || cfg.Authenticator == nil {
		return nil, errors.New("routes: handler and authenticator are required")
	}
	h := cfg.Handler

	r := chi.NewRouter()
	r.Use(middleware.CORS(cfg.CORS))
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Observability != nil {
		r.Handle("/metrics", cfg.Observability.MetricsHandler())
	}

	r.Group(func(sr chi.Router) {
		sr.Use(cfg.Authenticator.Middleware)
		// After authentication so that buckets are per user.
		if cfg.RateLimiter != nil {
			sr.Use(cfg.RateLimiter.Middleware(RateLimitStaking))
		}

		sr.Get("/stake/positions", h.ListPositions)
		sr.Get("/stake/positions/{positionId}", h.PositionDetail)
		sr.Get("/stake/balance", h.Balance)

		sr.Group(func(mr chi.Router) {
			if cfg.Idempotency != nil {
				mr.Use(cfg.Idempotency.Middleware)
			}
			mr.Post("/stake", h.Stake)
			mr.Post("/unstake", h.Unstake)
			mr.Post("/stake/claim", h.Claim)
		})
	})

	if cfg.AdminAPIKey != "" {
		r.Route("/api/v6", func(sr chi.Router) {
			if cfg.RateLimiter != nil {
				sr.Use(cfg.RateLimiter.Middleware(RateLimitAdmin))
			}
			sr.Use(middleware.RequireAPIKey(cfg.AdminAPIKey))
			sr.Get("/coins", h.Coins)
			sr.Post("/setcoins", h.SetCoins)
			sr.Post("/addcoins", h.AddCoins)
			sr.Get("/transactions", h.Transactions)
		})
	}

	return r, nil
}
