package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

const (
	limiterIdle = 5 * time.Minute
	maxLimiters = 10000
)

// RateLimiter hands out one token bucket per caller for export creation.
// A caller is the authenticated user, or the client IP for anonymous
// requests. Buckets idle for limiterIdle are dropped.
type RateLimiter struct {
	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
	rps     rate.Limit
	burst   int
}

// NewRateLimiter allows rps requests/second per caller with bursts of up
// to burst requests. A burst below 1 is raised to 1.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		buckets: expirable.NewLRU[string, *rate.Limiter](maxLimiters, nil, limiterIdle),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

// Allow consumes a token from key's bucket.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	l, ok := rl.buckets.Get(key)
	if !ok {
		l = rate.NewLimiter(rl.rps, rl.burst)
	}
	// Re-adding refreshes the idle deadline.
	rl.buckets.Add(key, l)
	rl.mu.Unlock()
	return l.Allow()
}

// limitKey names the bucket a request draws from.
func limitKey(r *http.Request) string {
	if user := UserFromContext(r.Context()); user != "" {
		return "user:" + user
	}
	return "ip:" + clientIP(r)
}

// RateLimit limits POST /api/v1/exports to rps req/s per caller. It must
// run inside Auth so requests are keyed by user. If rps is 0 the
// middleware is a no-op.
func RateLimit(rps float64, burst int) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	rl := NewRateLimiter(rps, burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && r.URL.Path == "/api/v1/exports" && !rl.Allow(limitKey(r)) {
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate_limited", "too many exports started, retry shortly")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP is the first X-Forwarded-For hop, or RemoteAddr without its port.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}
