package middleware

import (
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// HookRateLimiter throttles build triggers per hook name so a noisy
// repository cannot flood the queue.
type HookRateLimiter struct {
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	limiters sync.Map // hook name -> *cachedLimiter
}

// RateLimiterOption configures a HookRateLimiter.
type RateLimiterOption func(*HookRateLimiter)

// WithTTL sets how long an idle hook's limiter is kept.
func WithTTL(ttl time.Duration) RateLimiterOption {
	return func(l *HookRateLimiter) { l.ttl = ttl }
}

// NewRateLimiter allows perSecond triggers per hook with the given burst.
// perSecond <= 0 means unlimited.
func NewRateLimiter(perSecond float64, burst int, opts ...RateLimiterOption) *HookRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	l := &HookRateLimiter{limit: rate.Limit(perSecond), burst: burst, ttl: 5 * time.Minute}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Middleware keys requests on the {hook} path value.
func (l *HookRateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l.limit > 0 {
				key := r.PathValue("hook")
				if key == "" {
					key = r.URL.Path
				}
				if !l.getOrCreateLimiter(key).Allow() {
					w.Header().Set("Retry-After", "1")
					http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func (l *HookRateLimiter) getOrCreateLimiter(key string) *rate.Limiter {
	if limiter, ok := l.limiters.Load(key); ok {
		cached := limiter.(*cachedLimiter)
		if time.Now().Before(cached.expiresAt) {
			return cached.limiter
		}
		// expired, need to create new
	}

	limiter := rate.NewLimiter(l.limit, l.burst)
	l.limiters.Store(key, &cachedLimiter{
		limiter:   limiter,
		expiresAt: time.Now().Add(l.ttl),
	})
	return limiter
}
