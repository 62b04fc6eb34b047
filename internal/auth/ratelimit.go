package auth

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
)

// RateLimiter throttles requests per key (endpoint scope + source address),
// independently of any account-level lockout. The backing store is pluggable:
// the in-memory implementation is only safe for single-instance deployments,
// the Store-backed one shares its counters across instances.
type RateLimiter interface {
	Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error)
}

// MemoryRateLimiter keeps a sliding window of hit timestamps per key.
type MemoryRateLimiter struct {
	mu        sync.Mutex
	maxHits   int
	window    time.Duration
	hitsByKey map[string][]time.Time
	maxKeys   int
}

func NewMemoryRateLimiter(maxHits int, window time.Duration) *MemoryRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &MemoryRateLimiter{
		maxHits:   maxHits,
		window:    window,
		hitsByKey: make(map[string][]time.Time),
		maxKeys:   5000,
	}
}

func (l *MemoryRateLimiter) Allow(_ context.Context, key string, now time.Time) (bool, time.Duration, error) {
	threshold := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	hits := l.hitsByKey[key]
	filtered := make([]time.Time, 0, len(hits)+1)
	for _, hit := range hits {
		if hit.After(threshold) {
			filtered = append(filtered, hit)
		}
	}

	if len(filtered) >= l.maxHits {
		retryAfter := filtered[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		l.hitsByKey[key] = filtered
		return false, retryAfter, nil
	}

	filtered = append(filtered, now)
	l.hitsByKey[key] = filtered

	if len(l.hitsByKey) > l.maxKeys {
		for key, value := range l.hitsByKey {
			if len(value) == 0 || value[len(value)-1].Before(threshold) {
				delete(l.hitsByKey, key)
			}
		}
	}

	return true, 0, nil
}

func clientIP(r *http.Request) string {
	xForwardedFor := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xForwardedFor != "" {
		parts := strings.Split(xForwardedFor, ",")
		if len(parts) > 0 {
			ip := strings.TrimSpace(parts[0])
			if ip != "" {
				return ip
			}
		}
	}

	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}

	return "unknown"
}

// StoreRateLimiter counts hits in the shared store, for multi-instance
// deployments.
type StoreRateLimiter struct {
	store   Store
	maxHits int
	window  time.Duration
}

func NewStoreRateLimiter(store Store, maxHits int, window time.Duration) *StoreRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &StoreRateLimiter{store: store, maxHits: maxHits, window: window}
}

func (l *StoreRateLimiter) Allow(ctx context.Context, key string, now time.Time) (bool, time.Duration, error) {
	return l.store.AllowRate(ctx, key, l.maxHits, l.window, now)
}

// RateLimitMiddleware guards an endpoint with the limiter, keyed by scope and
// client address. A rejection here never touches the lockout counter. Limiter
// trouble fails closed: refusing logins is safer than unthrottled retries.
func RateLimitMiddleware(limiter RateLimiter, scope string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := scope + ":" + clientIP(r)

		allowed, retryAfter, err := limiter.Allow(r.Context(), key, time.Now().UTC())
		if err != nil {
			sentry.CaptureException(err)
			writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many requests")
			return
		}

		next.ServeHTTP(w, r)
	})
}
