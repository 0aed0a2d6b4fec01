package middleware

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimit is a token bucket refilled at RequestsPerMinute holding up to
// Burst requests.
type RateLimit struct {
	RequestsPerMinute float64
	Burst             int
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per route key and client. Authenticated
// requests are keyed by user id, the rest by address.
type RateLimiter struct {
	logger     *slog.Logger
	limits     map[string]RateLimit
	trustProxy bool
	idle     time.Duration
	mu       sync.Mutex
	visitors map[string]*rateEntry
	clockNow func() time.Time
}

// NewRateLimiter returns a limiter for the given route keys. X-Real-IP and
// X-Forwarded-For are only read when trustProxy is set.
func NewRateLimiter(limits map[string]RateLimit, trustProxy bool, logger *slog.Logger) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		logger:     logger,
		limits:     limits,
		trustProxy: trustProxy,
		idle:       10 * time.Minute,
		visitors:   make(map[string]*rateEntry),
		clockNow:   time.Now,
	}
}

// Middleware limits requests under key. Keys without a configured limit pass
// through.
func (r *RateLimiter) Middleware(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			limit, ok := r.limits[key]
			if !ok {
				next.ServeHTTP(w, req)
				return
			}
			client := r.clientID(req)
			if !r.obtainLimiter(key+"|"+client, limit).Allow() {
				r.logger.Warn("rate limit exceeded", slog.String("route", key), slog.String("client", client))
				writeStatusError(w, http.StatusTooManyRequests, "Too many requests")
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func (r *RateLimiter) obtainLimiter(id string, cfg RateLimit) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clockNow()
	r.evictIdle(now)
	if entry, ok := r.visitors[id]; ok {
		entry.lastSeen = now
		return entry.limiter
	}
	perSecond := cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	r.visitors[id] = &rateEntry{limiter: limiter, lastSeen: now}
	return limiter
}

// evictIdle drops visitors not seen within the idle window. Caller holds mu.
func (r *RateLimiter) evictIdle(now time.Time) {
	for id, entry := range r.visitors {
		if now.Sub(entry.lastSeen) > r.idle {
			delete(r.visitors, id)
		}
	}
}

func (r *RateLimiter) clientID(req *http.Request) string {
	if userID, ok := UserID(req.Context()); ok {
		return "user:" + userID
	}
	return "ip:" + remoteIP(req, r.trustProxy)
}

// remoteIP returns the peer address, or the address reported by a fronting
// proxy when trustProxy is set.
func remoteIP(req *http.Request, trustProxy bool) string {
	if trustProxy {
		if ip := strings.TrimSpace(req.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
		if fwd := req.Header.Get("X-Forwarded-For"); fwd != "" {
			first := strings.TrimSpace(strings.Split(fwd, ",")[0])
			if parsed := net.ParseIP(first); parsed != nil {
				return parsed.String()
			}
			return first
		}
	}
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		return req.RemoteAddr
	}
	return host
}
