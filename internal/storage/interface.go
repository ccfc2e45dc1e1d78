package storage

import (
	"context"

	"tokenbucket/internal/clock"
	"tokenbucket/internal/models"
)

// Store defines durable, possibly shared persistence for bucket state and
// settings. Implementations must be safe for concurrent use by any number of
// limiter instances without external locking.
type Store interface {
	// Get returns the stored state and settings for id. Missing settings are
	// replaced by defaults; missing state is synthesized from the effective
	// settings at the store's current time. Get never writes.
	Get(ctx context.Context, id string, defaults models.Settings) (models.BucketState, models.Settings, error)

	// PutState records state only if no stored state for id has a strictly
	// greater LastUpdated. Losing that comparison is not an error.
	PutState(ctx context.Context, id string, state models.BucketState) error

	// PutSettings records settings unconditionally.
	PutSettings(ctx context.Context, id string, settings models.Settings) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

// Config holds configuration for storage backends
type Config struct {
	// Type specifies the storage backend type (memory, json, sqlite, postgres, redis)
	Type string `json:"type" yaml:"type"`

	// Path is used for file-based storage backends
	Path string `json:"path,omitempty" yaml:"path,omitempty"`

	// ConnectionString is used for database backends
	ConnectionString string `json:"connection_string,omitempty" yaml:"connection_string,omitempty"`

	// KeyPrefix namespaces every identifier written by this store
	KeyPrefix string `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`

	// CacheTTL specifies how long the JSON backend trusts its in-memory copy
	CacheTTL string `json:"cache_ttl,omitempty" yaml:"cache_ttl,omitempty"`

	Database models.DatabaseConfig `json:"database" yaml:"database"`
	Redis    models.RedisConfig    `json:"redis" yaml:"redis"`

	// Clock stamps synthesized state. Defaults to the system clock.
	Clock clock.Clock `json:"-" yaml:"-"`
}

func (c Config) clock() clock.Clock {
	if c.Clock == nil {
		return clock.NewSystemClock()
	}
	return c.Clock
}

// effective resolves what Get returns once stored records have been looked up.
func effective(clk clock.Clock, state *models.BucketState, settings *models.Settings, defaults models.Settings) (models.BucketState, models.Settings) {
	s := defaults
	if settings != nil {
		s = *settings
	}
	if state != nil {
		return *state, s
	}
	return models.NewBucketState(s, clock.UnixSeconds(clk)), s
}

// fresher reports whether a write stamped incoming may replace a record
// stamped stored. Equal timestamps overwrite.
func fresher(stored, incoming uint64) bool {
	return stored <= incoming
}
