// Package bucket implements the token bucket decision engine: refill and
// consumption arithmetic plus the read, compute, conditional-write cycle
// that lets many engine instances share one store without locks.
package bucket

import (
	"math"
	"math/bits"
	"time"

	"tokenbucket/internal/models"
)

// Refill returns the token count of state after refilling it up to now.
// It is a pure function of its arguments. A clock that reads earlier than
// state.LastUpdated refills nothing; a zero refill interval never refills.
func Refill(state models.BucketState, settings models.Settings, now uint64) uint64 {
	tokens := satAdd(state.Tokens, satMul(elapsedIntervals(state, settings, now), settings.RefillRate))
	return min(settings.MaxTokens, tokens)
}

func elapsedIntervals(state models.BucketState, settings models.Settings, now uint64) uint64 {
	if settings.RefillInterval == 0 {
		return 0
	}
	return satSub(now, state.LastUpdated) / settings.RefillInterval
}

// retryAfter estimates how long a denied cost must wait, measured from now.
// The second result is false when waiting can never help.
func retryAfter(state models.BucketState, settings models.Settings, now, available, cost uint64) (time.Duration, bool) {
	if cost > settings.MaxTokens || settings.RefillRate == 0 || settings.RefillInterval == 0 {
		return 0, false
	}

	deficit := satSub(cost, available)
	needed := deficit / settings.RefillRate
	if deficit%settings.RefillRate != 0 {
		needed++
	}

	// Refill counts whole intervals from LastUpdated, so the wait ends on an
	// interval boundary rather than at now plus needed intervals.
	intervals := satAdd(elapsedIntervals(state, settings, now), needed)
	at := satAdd(state.LastUpdated, satMul(intervals, settings.RefillInterval))
	return secondsToDuration(satSub(at, now)), true
}

func secondsToDuration(secs uint64) time.Duration {
	if secs > uint64(math.MaxInt64/int64(time.Second)) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(secs) * time.Second
}

func satAdd(a, b uint64) uint64 {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return math.MaxUint64
	}
	return sum
}

func satSub(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

func satMul(a, b uint64) uint64 {
	hi, lo := bits.Mul64(a, b)
	if hi != 0 {
		return math.MaxUint64
	}
	return lo
}
