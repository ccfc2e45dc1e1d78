// Package models - API request types and input validation.
//
// Validation Philosophy:
// - Fail fast with clear error messages for invalid input
// - Provide sensible defaults where appropriate (cost defaults to 1)
package models

import (
	"errors"
	"fmt"
	"strings"
)

// MaxIdentifierLength bounds bucket identifiers accepted over the API.
const MaxIdentifierLength = 256

// LimitRequest is the body of POST /api/v1/buckets/{id}/limit.
// A missing cost means a cost of one token.
type LimitRequest struct {
	Cost *uint64 `json:"cost,omitempty"`
}

// EffectiveCost returns the requested cost, defaulting to 1.
func (r *LimitRequest) EffectiveCost() uint64 {
	if r == nil || r.Cost == nil {
		return 1
	}
	return *r.Cost
}

// SettingsRequest is the body of PUT /api/v1/buckets/{id}/settings.
type SettingsRequest struct {
	MaxTokens      *uint64 `json:"max_tokens"`
	StartingTokens *uint64 `json:"starting_tokens"`
	RefillRate     *uint64 `json:"refill_rate"`
	RefillInterval *uint64 `json:"refill_interval"`
}

// Validate ensures every field is present and the interval is non-zero.
func (r *SettingsRequest) Validate() error {
	var missing []string
	if r.MaxTokens == nil {
		missing = append(missing, "max_tokens")
	}
	if r.StartingTokens == nil {
		missing = append(missing, "starting_tokens")
	}
	if r.RefillRate == nil {
		missing = append(missing, "refill_rate")
	}
	if r.RefillInterval == nil {
		missing = append(missing, "refill_interval")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required fields: %s", strings.Join(missing, ", "))
	}
	return r.Settings().Validate()
}

// Settings converts the request into a Settings value. Call Validate first.
func (r *SettingsRequest) Settings() Settings {
	var s Settings
	if r.MaxTokens != nil {
		s.MaxTokens = *r.MaxTokens
	}
	if r.StartingTokens != nil {
		s.StartingTokens = *r.StartingTokens
	}
	if r.RefillRate != nil {
		s.RefillRate = *r.RefillRate
	}
	if r.RefillInterval != nil {
		s.RefillInterval = *r.RefillInterval
	}
	return s
}

// ValidateIdentifier checks a bucket identifier taken from a request path.
func ValidateIdentifier(id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("identifier is required")
	}
	if len(id) > MaxIdentifierLength {
		return fmt.Errorf("identifier exceeds %d bytes", MaxIdentifierLength)
	}
	return nil
}
