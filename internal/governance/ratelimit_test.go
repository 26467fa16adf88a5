package governance

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(config map[string]RateLimiterConfig) (*RateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	rl := &RateLimiter{buckets: map[string]*tokenBucket{}, now: clock.now}
	rl.Configure(config)
	return rl, clock
}

func TestRateLimiter_BurstThenRefill(t *testing.T) {
	rl, clock := newTestLimiter(map[string]RateLimiterConfig{
		"redact": {RequestsPerSecond: 2, BurstSize: 3},
	})

	for i := range 3 {
		assert.True(t, rl.Allow("redact"), "request %d", i)
	}
	assert.False(t, rl.Allow("redact"))

	clock.advance(500 * time.Millisecond)
	assert.True(t, rl.Allow("redact"))
	assert.False(t, rl.Allow("redact"))
}

func TestRateLimiter_DefaultKey(t *testing.T) {
	rl, _ := newTestLimiter(map[string]RateLimiterConfig{
		DefaultKey: {RequestsPerSecond: 1, BurstSize: 1},
		"detect":   {RequestsPerSecond: 10, BurstSize: 5},
	})

	assert.True(t, rl.Allow("mask"))
	assert.False(t, rl.Allow("redact"), "unlisted endpoints share the default bucket")
	for range 5 {
		assert.True(t, rl.Allow("detect"))
	}
}

func TestRateLimiter_Unconfigured(t *testing.T) {
	rl := NewRateLimiter(nil)
	for range 1000 {
		require.True(t, rl.Allow("redact"))
	}
}

func TestRateLimiter_ConfigureKeepsTokens(t *testing.T) {
	rl, _ := newTestLimiter(map[string]RateLimiterConfig{
		"redact": {RequestsPerSecond: 1, BurstSize: 2},
	})
	require.True(t, rl.Allow("redact"))
	require.True(t, rl.Allow("redact"))

	rl.Configure(map[string]RateLimiterConfig{
		"redact": {RequestsPerSecond: 1, BurstSize: 4},
	})
	stats := rl.Stats()["redact"]
	assert.Equal(t, 4, stats.BurstSize)
	assert.InDelta(t, 2, stats.Available, 1e-9)
}

func TestRateLimiter_Defaults(t *testing.T) {
	rl, _ := newTestLimiter(map[string]RateLimiterConfig{"redact": {}})
	stats := rl.Stats()["redact"]
	assert.Equal(t, 100, stats.Limit)
	assert.Equal(t, 100, stats.BurstSize)
}

func TestRateLimiter_WriteRetryAfter(t *testing.T) {
	rl, _ := newTestLimiter(map[string]RateLimiterConfig{
		"redact": {RequestsPerSecond: 1, BurstSize: 1},
	})
	require.True(t, rl.Allow("redact"))

	rec := httptest.NewRecorder()
	rl.WriteRetryAfter(rec, "redact")
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	rec = httptest.NewRecorder()
	rl.WriteRetryAfter(rec, "unknown")
	assert.Empty(t, rec.Header().Get("Retry-After"))
}

func TestWithRequestTimeout(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/v1/redact", nil)

	same, cancel := WithRequestTimeout(req, 0)
	cancel()
	_, hasDeadline := same.Context().Deadline()
	assert.False(t, hasDeadline)

	bounded, cancel := WithRequestTimeout(req, time.Millisecond)
	defer cancel()
	<-bounded.Context().Done()
	assert.ErrorIs(t, bounded.Context().Err(), context.DeadlineExceeded)
}
