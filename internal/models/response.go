// Package models - API response types and error handling.
// This file defines all outgoing API response structures with consistent formatting.
//
// Response Design Principles:
// - Consistent JSON structure across all endpoints
// - Token counts are returned as unsigned integers, never floats
// - Machine-readable error codes alongside human-readable messages
package models

import (
	"time"
)

// LimitResponse reports the outcome of POST /api/v1/buckets/{id}/limit.
//
// Recorded is false when the decision was admitted but the resulting state
// could not be published to the store. Callers that need the admission to be
// durable should treat that case as a failure.
type LimitResponse struct {
	ID                string `json:"id"`
	Allowed           bool   `json:"allowed"`
	Remaining         uint64 `json:"remaining"`
	Limit             uint64 `json:"limit"`
	Cost              uint64 `json:"cost"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
	Retryable         bool   `json:"retryable"`
	Recorded          bool   `json:"recorded"`
	Error             string `json:"error,omitempty"`
}

// NewLimitResponse converts an engine decision into its API form.
func NewLimitResponse(id string, cost uint64, d Decision) *LimitResponse {
	resp := &LimitResponse{
		ID:        id,
		Allowed:   d.Allowed,
		Remaining: d.Remaining,
		Limit:     d.Limit,
		Cost:      cost,
		Retryable: d.Retryable,
		Recorded:  d.Allowed,
	}
	if !d.Allowed && d.Retryable {
		resp.RetryAfterSeconds = int64(d.RetryAfter.Round(time.Second) / time.Second)
	}
	return resp
}

// BucketResponse is the read-only view returned by GET /api/v1/buckets/{id}.
// Tokens is the count after refilling up to AsOf; nothing is written.
type BucketResponse struct {
	ID          string   `json:"id"`
	Tokens      uint64   `json:"tokens"`
	LastUpdated uint64   `json:"last_updated"`
	AsOf        uint64   `json:"as_of"`
	Settings    Settings `json:"settings"`
}

// SettingsResponse acknowledges PUT /api/v1/buckets/{id}/settings.
type SettingsResponse struct {
	ID        string    `json:"id"`
	Settings  Settings  `json:"settings"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrorResponse provides structured error information.
type ErrorResponse struct {
	Error     string            `json:"error"`                // Error type (always "error")
	Message   string            `json:"message"`              // Human-readable error description
	Code      string            `json:"code,omitempty"`       // Machine-readable error code
	Details   map[string]string `json:"details,omitempty"`    // Field-specific error details
	Timestamp time.Time         `json:"timestamp"`            // Error occurrence time
	RequestID string            `json:"request_id,omitempty"` // Unique request identifier
}

type HealthCheckResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Uptime     string                     `json:"uptime,omitempty"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
	Metrics    map[string]interface{}     `json:"metrics,omitempty"`
}

type ComponentHealth struct {
	Status    string                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Health Status Constants
const (
	StatusHealthy   = "healthy"   // All systems operational
	StatusUnhealthy = "unhealthy" // Major system issues
	StatusDegraded  = "degraded"  // Partial functionality
	StatusUnknown   = "unknown"   // Status indeterminate
)

// Standard HTTP Error Codes
const (
	ErrorCodeNotFound           = "NOT_FOUND"           // 404: Resource doesn't exist
	ErrorCodeBadRequest         = "BAD_REQUEST"         // 400: Invalid request format
	ErrorCodeInvalidRequest     = "INVALID_REQUEST"     // 400: Invalid request data
	ErrorCodeValidation         = "VALIDATION_ERROR"    // 422: Input validation failed
	ErrorCodeInternalError      = "INTERNAL_ERROR"      // 500: Server-side error
	ErrorCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED" // 429: Too many requests
	ErrorCodeServiceUnavailable = "SERVICE_UNAVAILABLE" // 503: Store temporarily down
)

func NewErrorResponse(message string, code string) *ErrorResponse {
	return &ErrorResponse{
		Error:     "error",
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

func NewHealthCheckResponse(status string) *HealthCheckResponse {
	return &HealthCheckResponse{
		Status:     status,
		Timestamp:  time.Now(),
		Components: make(map[string]ComponentHealth),
		Metrics:    make(map[string]interface{}),
	}
}

func (h *HealthCheckResponse) AddComponent(name, status, message string) {
	h.Components[name] = ComponentHealth{
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
		Details:   make(map[string]interface{}),
	}
}

func (h *HealthCheckResponse) AddMetric(name string, value interface{}) {
	h.Metrics[name] = value
}
