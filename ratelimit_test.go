package realtime

import (
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(&RateLimiterSettings{
		Limit:          3,
		WindowDuration: 1 * time.Minute,
	})

	start := time.Now()

	for i := 0; i < 3; i += 1 {
		allowed, firstDenial := limiter.check("socket:campaign", start.Add(time.Duration(i)*time.Second))
		assert.Equal(t, true, allowed)
		assert.Equal(t, false, firstDenial)
	}
	assert.Equal(t, 3, limiter.windowCount("socket:campaign", start.Add(3*time.Second)))

	// the first denial in a window is flagged exactly once
	allowed, firstDenial := limiter.check("socket:campaign", start.Add(4*time.Second))
	assert.Equal(t, false, allowed)
	assert.Equal(t, true, firstDenial)

	allowed, firstDenial = limiter.check("socket:campaign", start.Add(5*time.Second))
	assert.Equal(t, false, allowed)
	assert.Equal(t, false, firstDenial)

	// other sources have their own windows
	allowed, firstDenial = limiter.check("socket:payment", start.Add(5*time.Second))
	assert.Equal(t, true, allowed)
	assert.Equal(t, false, firstDenial)

	// an expired window resets the count and the denial flag
	allowed, firstDenial = limiter.check("socket:campaign", start.Add(2*time.Minute))
	assert.Equal(t, true, allowed)
	assert.Equal(t, false, firstDenial)
	assert.Equal(t, 1, limiter.windowCount("socket:campaign", start.Add(2*time.Minute)))

	allowed, firstDenial = limiter.check("socket:campaign", start.Add(2*time.Minute))
	assert.Equal(t, true, allowed)
	assert.Equal(t, false, firstDenial)

	assert.Equal(t, 0, limiter.windowCount("socket:campaign", start.Add(4*time.Minute)))
	assert.Equal(t, 0, limiter.windowCount("never", start))
}

func TestRateLimiterDefaults(t *testing.T) {
	limiter := NewRateLimiterWithDefaults()

	now := time.Now()
	for i := 0; i < 60; i += 1 {
		allowed, _ := limiter.check("source", now)
		assert.Equal(t, true, allowed)
	}
	allowed, firstDenial := limiter.check("source", now)
	assert.Equal(t, false, allowed)
	assert.Equal(t, true, firstDenial)
}
