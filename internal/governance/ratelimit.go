package governance

import (
	"net/http"
	"strconv"
	"sync"
	"time"
)

// DefaultKey names the limit applied to endpoints without their own entry.
const DefaultKey = "*"

// RateLimiterConfig defines the token bucket settings for one endpoint.
type RateLimiterConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

// RateLimiter implements token bucket rate limiting per endpoint.
type RateLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*tokenBucket
	now     func() time.Time
}

// NewRateLimiter creates a rate limiter. A DefaultKey entry covers every endpoint
// not listed explicitly; endpoints matched by neither are unlimited.
func NewRateLimiter(config map[string]RateLimiterConfig) *RateLimiter {
	rl := &RateLimiter{
		buckets: make(map[string]*tokenBucket),
		now:     time.Now,
	}
	rl.Configure(config)
	return rl
}

// Configure replaces the per-endpoint limits. Buckets of endpoints that stay
// configured keep their tokens.
func (rl *RateLimiter) Configure(config map[string]RateLimiterConfig) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	buckets := make(map[string]*tokenBucket, len(config))
	for endpoint, cfg := range config {
		if bucket, ok := rl.buckets[endpoint]; ok {
			bucket.configure(cfg.RequestsPerSecond, cfg.BurstSize, rl.now())
			buckets[endpoint] = bucket
			continue
		}
		buckets[endpoint] = newTokenBucket(cfg.RequestsPerSecond, cfg.BurstSize, rl.now())
	}
	rl.buckets = buckets
}

// Allow consumes a token for endpoint and reports whether the request may proceed.
func (rl *RateLimiter) Allow(endpoint string) bool {
	rl.mu.RLock()
	bucket, ok := rl.buckets[endpoint]
	if !ok {
		bucket, ok = rl.buckets[DefaultKey]
	}
	rl.mu.RUnlock()

	if !ok {
		return true
	}
	return bucket.take(rl.now())
}

// Stats returns the current state of every configured bucket.
func (rl *RateLimiter) Stats() map[string]RateLimitStats {
	rl.mu.RLock()
	defer rl.mu.RUnlock()

	stats := make(map[string]RateLimitStats, len(rl.buckets))
	for endpoint, bucket := range rl.buckets {
		stats[endpoint] = bucket.stats(rl.now())
	}
	return stats
}

// RateLimitStats exposes current state of a rate limit bucket.
type RateLimitStats struct {
	Limit     int     `json:"limit"`
	BurstSize int     `json:"burst_size"`
	Available float64 `json:"available"`
}

type tokenBucket struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(rps, burstSize int, now time.Time) *tokenBucket {
	rps, burstSize = normalize(rps, burstSize)
	return &tokenBucket{
		rate:       float64(rps),
		capacity:   float64(burstSize),
		tokens:     float64(burstSize),
		lastRefill: now,
	}
}

func normalize(rps, burstSize int) (int, int) {
	if rps <= 0 {
		rps = 100
	}
	if burstSize <= 0 {
		burstSize = rps
	}
	return rps, burstSize
}

func (tb *tokenBucket) configure(rps, burstSize int, now time.Time) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	rps, burstSize = normalize(rps, burstSize)
	oldCapacity := tb.capacity
	tb.rate = float64(rps)
	tb.capacity = float64(burstSize)

	// A larger burst is available immediately.
	if tb.capacity > oldCapacity {
		tb.tokens += tb.capacity - oldCapacity
	}
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
}

func (tb *tokenBucket) take(now time.Time) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	if tb.tokens >= 1.0 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}

func (tb *tokenBucket) stats(now time.Time) RateLimitStats {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill(now)
	return RateLimitStats{
		Limit:     int(tb.rate),
		BurstSize: int(tb.capacity),
		Available: tb.tokens,
	}
}

// WriteRetryAfter tells a throttled client when the bucket for endpoint next has a token.
func (rl *RateLimiter) WriteRetryAfter(w http.ResponseWriter, endpoint string) {
	rl.mu.RLock()
	bucket, ok := rl.buckets[endpoint]
	if !ok {
		bucket, ok = rl.buckets[DefaultKey]
	}
	rl.mu.RUnlock()
	if !ok {
		return
	}

	bucket.mu.Lock()
	seconds := 1
	if missing := 1 - bucket.tokens; missing > 0 {
		seconds = max(1, int(missing/bucket.rate+0.999))
	}
	bucket.mu.Unlock()
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}
