package graph

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default pacing. The directory Graph throttles per tenant; a photo tool
// never needs more than a handful of requests per second.
const (
	DefaultRequestsPerSecond = 10.0
	DefaultBurst             = 15

	// defaultRetryAfter applies when a 429 carries no usable Retry-After.
	defaultRetryAfter = 30 * time.Second
)

// RateLimiter paces requests with a token bucket and holds all requests
// back after a 429 until the server's Retry-After has passed.
type RateLimiter struct {
	limiter *rate.Limiter

	mu      sync.Mutex
	retryAt time.Time
	now     func() time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second with the
// given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		now:     time.Now,
	}
}

// Wait blocks until a request may be sent, honoring any pending
// Retry-After. sleep is the caller's cancellable sleep.
func (r *RateLimiter) Wait(ctx context.Context, sleep func(context.Context, time.Duration) error) error {
	r.mu.Lock()
	retryAt := r.retryAt
	r.mu.Unlock()

	if d := retryAt.Sub(r.now()); d > 0 {
		if err := sleep(ctx, d); err != nil {
			return err
		}
	}

	return r.limiter.Wait(ctx)
}

// Throttled records a 429 response. The next Wait blocks until the
// Retry-After delay has elapsed.
func (r *RateLimiter) Throttled(retryAfter string) time.Duration {
	d := parseRetryAfter(retryAfter, r.now())

	r.mu.Lock()
	defer r.mu.Unlock()

	if at := r.now().Add(d); at.After(r.retryAt) {
		r.retryAt = at
	}

	return d
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return defaultRetryAfter
	}

	if seconds, err := strconv.Atoi(v); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}

	return defaultRetryAfter
}
