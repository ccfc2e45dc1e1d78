package ratelimit

import (
	"context"
	"fmt"
	"math"

	"tokenbucket/internal/bucket"
	"tokenbucket/internal/clock"
	"tokenbucket/internal/models"
)

// SettingsFor converts a requests-per-minute budget into whole-second bucket
// settings. Rates below one per second refill a single token every
// ceil(60/rpm) seconds.
func SettingsFor(requestsPerMinute, burst int) models.Settings {
	rpm := uint64(max(requestsPerMinute, 1))
	b := uint64(max(burst, 1))

	s := models.Settings{MaxTokens: b, StartingTokens: b}
	if rpm >= 60 {
		s.RefillRate = rpm / 60
		s.RefillInterval = 1
	} else {
		s.RefillRate = 1
		s.RefillInterval = (60 + rpm - 1) / rpm
	}
	return s
}

// BucketLimiter rate limits through the bucket engine, sharing state with
// every other instance that uses the same store.
type BucketLimiter struct {
	engine bucket.EngineInterface
	prefix string
	clock  clock.Clock
}

// NewBucketLimiter creates a limiter that charges one token per request to
// the bucket named prefix+key.
func NewBucketLimiter(engine bucket.EngineInterface, prefix string, clk clock.Clock) *BucketLimiter {
	if clk == nil {
		clk = clock.NewSystemClock()
	}
	return &BucketLimiter{engine: engine, prefix: prefix, clock: clk}
}

// Allow charges one token for key.
func (b *BucketLimiter) Allow(ctx context.Context, key string) (bool, Info, error) {
	d, err := b.engine.Limit(ctx, b.prefix+key, 1)
	if err != nil && !bucket.IsPublish(err) {
		return false, Info{}, fmt.Errorf("rate limit decision for %s: %w", key, err)
	}

	now := b.clock.Now()
	info := Info{
		Limit:     clampInt(d.Limit),
		Remaining: clampInt(d.Remaining),
		ResetAt:   now,
	}
	if !d.Allowed {
		info.RetryAfter = d.RetryAfter
		if d.Retryable {
			info.ResetAt = now.Add(d.RetryAfter)
		}
	}
	return d.Allowed, info, err
}

// Close is a no-op; the engine's store is owned by the caller.
func (b *BucketLimiter) Close() {}

func clampInt(v uint64) int {
	if v > math.MaxInt {
		return math.MaxInt
	}
	return int(v)
}

// Ensure BucketLimiter implements Limiter
var _ Limiter = (*BucketLimiter)(nil)
