// Package ratelimiter wraps golang.org/x/time/rate with the
// token-bucket policy used to throttle per-connection request rates.
package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"
)

// RateLimiter is a token-bucket limiter. Tokens refill at a sustained
// rate; the burst capacity absorbs short spikes above it. All methods
// are safe for concurrent use.
type RateLimiter struct {
	limiter *rate.Limiter
}

// New creates a limiter allowing requestsPerSecond sustained with up to
// burst requests served immediately from a full bucket.
//
// A zero requestsPerSecond means unlimited. A burst below the sustained
// rate is raised to it, otherwise a full second of tokens could never
// accumulate.
func New(requestsPerSecond, burst uint) *RateLimiter {
	if requestsPerSecond == 0 {
		return &RateLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	if burst < requestsPerSecond {
		burst = requestsPerSecond
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), int(burst)),
	}
}

// Allow reports whether a request may proceed right now, consuming a
// token when it does. Use this to reject over-limit requests instead of
// delaying them.
func (r *RateLimiter) Allow() bool {
	return r.limiter.Allow()
}

// Wait blocks until a token is available or the context is cancelled,
// in which case the context error is returned. Use this to throttle
// requests instead of rejecting them.
func (r *RateLimiter) Wait(ctx context.Context) error {
	return r.limiter.Wait(ctx)
}

// Tokens returns the number of tokens currently available. The value is
// advisory: concurrent consumers and replenishment change it at any
// time.
func (r *RateLimiter) Tokens() float64 {
	return r.limiter.Tokens()
}
