package security

import (
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter is a non-blocking token bucket admission test.
// Tokens refill continuously at rate per second up to burst.
// Instances share no state; each webhook trigger owns its own.
type RateLimiter struct {
	limiter *rate.Limiter
	now     func() time.Time
}

// NewRateLimiter creates a limiter refilling ratePerSecond tokens per second
// with a bucket capacity of burst. The bucket starts full.
func NewRateLimiter(ratePerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(ratePerSecond), burst),
		now:     time.Now,
	}
}

// NewPerMinuteRateLimiter creates a limiter allowing rpm requests per minute.
// A burst of zero or less defaults to rpm.
func NewPerMinuteRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = rpm
	}
	return NewRateLimiter(float64(rpm)/60.0, burst)
}

// Allow consumes one token and reports whether one was available.
func (rl *RateLimiter) Allow() bool {
	return rl.limiter.AllowN(rl.now(), 1)
}

// Tokens reports the tokens currently available.
func (rl *RateLimiter) Tokens() float64 {
	return rl.limiter.TokensAt(rl.now())
}

// Burst returns the bucket capacity.
func (rl *RateLimiter) Burst() int {
	return rl.limiter.Burst()
}

// WithClock replaces the time source. Used by tests to advance time without sleeping.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	rl.now = now
	return rl
}
