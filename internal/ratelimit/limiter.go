// Package ratelimit protects the service's own HTTP endpoints. Two limiter
// tiers are available: a per-process token bucket from golang.org/x/time/rate
// and a shared one that runs through the bucket engine, so every instance
// behind a load balancer draws from the same budget. The middleware sets the
// standard rate limit response headers either way.
package ratelimit

import (
	"context"
	"time"
)

// Limiter defines the rate limiting contract. Implementations must be safe for
// concurrent use.
type Limiter interface {
	// Allow checks whether a request identified by key should be allowed.
	// Returns whether the request is allowed and rate information for
	// populating response headers. A non-nil error means the decision could
	// not be made or recorded; allowed still reports what was decided.
	Allow(ctx context.Context, key string) (allowed bool, info Info, err error)

	// Close stops background goroutines and releases resources.
	Close()
}

// Info contains rate limit state for populating response headers.
type Info struct {
	Limit      int           // Maximum burst
	Remaining  int           // Approximate tokens remaining
	ResetAt    time.Time     // When the bucket will be full again
	RetryAfter time.Duration // How long to wait (meaningful only when denied)
}
