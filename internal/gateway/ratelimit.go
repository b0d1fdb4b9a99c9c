package gateway

import (
	"net/http"
	"sync"
	"time"
)

const (
	defaultRequestsPerMinute = 120
	defaultBurstSize         = 20
)

// tokenBucket implements a simple token bucket rate limiter.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

func newTokenBucket(requestsPerMinute, burstSize int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: time.Now(),
	}
}

// allow consumes a token when one is available.
func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

// rateLimiter buckets requests per bearer token, falling back to the
// remote address for unauthenticated callers.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	rpm     int
	burst   int
}

func newRateLimiter(requestsPerMinute, burstSize int) *rateLimiter {
	return &rateLimiter{
		buckets: make(map[string]*tokenBucket),
		rpm:     requestsPerMinute,
		burst:   burstSize,
	}
}

func (rl *rateLimiter) bucket(key string) *tokenBucket {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		b = newTokenBucket(rl.rpm, rl.burst)
		rl.buckets[key] = b
	}
	return b
}

func (rl *rateLimiter) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health probes and the long-lived event stream are exempt.
		if r.URL.Path == "/healthz" || r.URL.Path == "/ws" {
			next.ServeHTTP(w, r)
			return
		}
		key := ExtractToken(r)
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.bucket(key).allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}
