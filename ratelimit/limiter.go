// Package ratelimit provides rate limiting for message production and
// command execution.
//
// The package provides a local token bucket limiter built on
// golang.org/x/time/rate. It is used by the bus through the
// RateLimitMiddleware (command path) and RateLimitFilter (event path).
//
// Basic usage:
//
//	// 100 events/second with burst of 10
//	limiter := ratelimit.NewTokenBucket(100, 10)
//
//	b.AddMiddleware(bus.RateLimitMiddleware(limiter))
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is the interface for rate limiters. Implementations must be
// safe for concurrent use.
type Limiter interface {
	// Allow returns true if an event can happen right now. This is a
	// non-blocking check.
	Allow(ctx context.Context) bool

	// Wait blocks until an event is allowed or the context is cancelled.
	Wait(ctx context.Context) error

	// Reserve returns a reservation for a future event.
	Reserve(ctx context.Context) Reservation
}

// Reservation represents a rate limit reservation.
type Reservation interface {
	// OK returns whether the reservation was successful.
	OK() bool

	// Delay returns how long to wait before the event can happen.
	Delay() time.Duration

	// Cancel returns the reserved token. Call it if the event will not
	// happen.
	Cancel()
}

// TokenBucket is a local in-memory token bucket limiter.
//
// Tokens are added at the configured rate up to the burst size; each
// event consumes one token.
type TokenBucket struct {
	limiter *rate.Limiter
}

// NewTokenBucket creates a token bucket limiter allowing rps events per
// second with the given burst size.
func NewTokenBucket(rps float64, burst int) *TokenBucket {
	return &TokenBucket{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
	}
}

// Allow returns true if an event can happen right now, consuming one
// token when available.
func (t *TokenBucket) Allow(ctx context.Context) bool {
	return t.limiter.Allow()
}

// Wait blocks until an event is allowed or the context is cancelled.
func (t *TokenBucket) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}

// Reserve returns a reservation for a future event.
func (t *TokenBucket) Reserve(ctx context.Context) Reservation {
	return &tokenBucketReservation{r: t.limiter.Reserve()}
}

// SetLimit updates the rate limit dynamically.
func (t *TokenBucket) SetLimit(rps float64) {
	t.limiter.SetLimit(rate.Limit(rps))
}

// SetBurst updates the burst size dynamically.
func (t *TokenBucket) SetBurst(burst int) {
	t.limiter.SetBurst(burst)
}

// Limit returns the current rate limit in events per second.
func (t *TokenBucket) Limit() float64 {
	return float64(t.limiter.Limit())
}

// Burst returns the current burst size.
func (t *TokenBucket) Burst() int {
	return t.limiter.Burst()
}

type tokenBucketReservation struct {
	r *rate.Reservation
}

func (r *tokenBucketReservation) OK() bool {
	return r.r.OK()
}

func (r *tokenBucketReservation) Delay() time.Duration {
	return r.r.Delay()
}

func (r *tokenBucketReservation) Cancel() {
	r.r.Cancel()
}

// Compile-time check
var _ Limiter = (*TokenBucket)(nil)
