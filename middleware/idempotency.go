package middleware

import (
	"bytes"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/arkantrust/heliactyl-staking/models"
)

// Header names understood and set by Idempotency.
const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayHeader         = "X-Idempotency-Replay"

	maxIdempotencyKeyLen = 255
)

// IdempotencyStore persists cached responses.
type IdempotencyStore interface {
	GetIdempotency(key string, now time.Time) (models.IdempotencyRecord, bool, error)
	PutIdempotency(key string, record models.IdempotencyRecord) error
}

// Idempotency replays the first response produced for a client supplied
// Idempotency-Key. Keys are scoped to the authenticated user and to the
// request method and path, so it must run after the Authenticator. Requests
// without the header pass straight through.
type Idempotency struct {
	store  IdempotencyStore
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
	locks  keyedMutex
}

// NewIdempotency returns an Idempotency that keeps responses in store for ttl.
func NewIdempotency(store IdempotencyStore, ttl time.Duration, logger *slog.Logger) *Idempotency {
	if logger == nil {
		logger = slog.Default()
	}
	return &Idempotency{
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		locks:  keyedMutex{locks: make(map[string]*keyLock)},
	}
}

// Middleware caches every response below 500 under the request's key and
// replays it, with ReplayHeader set, for later requests carrying that key.
func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}
		if len(key) > maxIdempotencyKeyLen {
			writeStatusError(w, http.StatusBadRequest, "Invalid Idempotency-Key")
			return
		}
		userID, _ := UserID(r.Context())
		scoped := scopeKey(userID, r, key)

		// Concurrent retries with the same key wait here so that only the
		// first one reaches the handler.
		unlock := i.locks.lock(scoped)
		defer unlock()

		record, found, err := i.store.GetIdempotency(scoped, i.now())
		if err != nil {
			i.logger.Error("idempotency: lookup failed", slog.String("error", err.Error()))
			writeStatusError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if found {
			replay(w, record)
			return
		}

		rec := &bodyRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status >= http.StatusInternalServerError {
			return
		}

		now := i.now()
		err = i.store.PutIdempotency(scoped, models.IdempotencyRecord{
			StatusCode:  rec.status,
			ContentType: rec.Header().Get("Content-Type"),
			Body:        rec.body.Bytes(),
			StoredAt:    now,
			ExpiresAt:   now.Add(i.ttl),
		})
		if err != nil {
			i.logger.Error("idempotency: store failed", slog.String("error", err.Error()))
		}
	})
}

// scopeKey keeps a key reused on another route or by another user from
// replaying an unrelated response.
func scopeKey(userID string, r *http.Request, key string) string {
	return userID + ":" + r.Method + " " + r.URL.Path + ":" + key
}

func replay(w http.ResponseWriter, record models.IdempotencyRecord) {
	if record.ContentType != "" {
		w.Header().Set("Content-Type", record.ContentType)
	}
	w.Header().Set(ReplayHeader, "true")
	w.WriteHeader(record.StatusCode)
	_, _ = w.Write(record.Body)
}

// bodyRecorder passes the response through while keeping a copy of it.
type bodyRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	body        bytes.Buffer
}

func (b *bodyRecorder) WriteHeader(code int) {
	if b.wroteHeader {
		return
	}
	b.wroteHeader = true
	b.status = code
	b.ResponseWriter.WriteHeader(code)
}

func (b *bodyRecorder) Write(p []byte) (int, error) {
	if !b.wroteHeader {
		b.WriteHeader(http.StatusOK)
	}
	b.body.Write(p)
	return b.ResponseWriter.Write(p)
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
