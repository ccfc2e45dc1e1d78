// Package models - Token bucket data model.
// This file defines the per-identifier records the limiter persists and the
// decision it hands back to callers.
//
// Data Model:
// - Settings: capacity and refill policy for one identifier (or the default)
// - BucketState: last refill timestamp and the current token count
// - Decision: outcome of a single Limit call
//
// All token and time quantities are unsigned. Arithmetic on them saturates
// instead of wrapping, so a drained bucket can never appear to hold a huge
// token count after an overflow.
package models

import (
	"errors"
	"time"
)

// Settings configures a single token bucket.
//
// StartingTokens is not required to be <= MaxTokens. A bucket created with
// more starting tokens than its capacity is clamped to MaxTokens the first
// time a decision refills it.
type Settings struct {
	MaxTokens      uint64 `json:"max_tokens" yaml:"max_tokens"`
	StartingTokens uint64 `json:"starting_tokens" yaml:"starting_tokens"`
	RefillRate     uint64 `json:"refill_rate" yaml:"refill_rate"`         // tokens added per interval
	RefillInterval uint64 `json:"refill_interval" yaml:"refill_interval"` // seconds, must be > 0
}

// ErrZeroRefillInterval is returned by Settings.Validate when the refill
// interval would be used as a zero divisor.
var ErrZeroRefillInterval = errors.New("refill interval must be greater than zero")

// Validate checks what the engine relies on: a non-zero refill interval.
func (s Settings) Validate() error {
	if s.RefillInterval == 0 {
		return ErrZeroRefillInterval
	}
	return nil
}

// BucketState is the mutable per-identifier record.
type BucketState struct {
	LastUpdated uint64 `json:"last_updated"` // unix seconds
	Tokens      uint64 `json:"tokens"`
}

// NewBucketState synthesizes the state of an identifier that has never been
// observed: a full complement of starting tokens stamped at now.
func NewBucketState(settings Settings, now uint64) BucketState {
	return BucketState{
		LastUpdated: now,
		Tokens:      settings.StartingTokens,
	}
}

// Decision is the outcome of a single Limit call.
//
// Remaining is the token count this decision computed locally. When two
// limiter instances race on the same identifier, only the fresher write is
// kept by the store, so Remaining may differ from what a later read returns.
// The admission itself always stands.
type Decision struct {
	Allowed   bool   `json:"allowed"`
	Remaining uint64 `json:"remaining"`
	Limit     uint64 `json:"limit"`

	// RetryAfter is how long until enough tokens refill to admit the same
	// cost. Only meaningful on a deny with Retryable set.
	RetryAfter time.Duration `json:"-"`

	// Retryable is false when the denied cost can never be admitted, either
	// because it exceeds MaxTokens or because the bucket does not refill.
	Retryable bool `json:"retryable"`
}

// Allow builds an admitting decision.
func Allow(remaining, limit uint64) Decision {
	return Decision{Allowed: true, Remaining: remaining, Limit: limit}
}

// Deny builds a rejecting decision.
func Deny(remaining, limit uint64, retryAfter time.Duration, retryable bool) Decision {
	return Decision{
		Allowed:    false,
		Remaining:  remaining,
		Limit:      limit,
		RetryAfter: retryAfter,
		Retryable:  retryable,
	}
}
