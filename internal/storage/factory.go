package storage

import (
	"fmt"

	"tokenbucket/internal/clock"
	"tokenbucket/internal/models"
)

// Factory provides a centralized way to create stores based on configuration.
// This allows for easy extensibility and provider swapping without code changes.
type Factory struct {
	clock clock.Clock
}

// NewFactory creates a new storage factory. Stores it creates stamp
// synthesized state with clk; nil means the system clock.
func NewFactory(clk clock.Clock) *Factory {
	return &Factory{clock: clk}
}

// Create instantiates a store based on the provided configuration.
// Supported providers:
//   - memory: In-memory maps (tests, single instance)
//   - json: JSON file with an in-memory cache (single instance, survives restarts)
//   - sqlite: SQLite database (single host)
//   - postgres: PostgreSQL database (shared by many instances)
//   - redis: Redis hashes with a Lua compare-and-set (shared by many instances)
func (f *Factory) Create(config models.StorageConfig) (Store, error) {
	if err := f.ValidateConfig(config); err != nil {
		return nil, err
	}

	storeConfig := Config{
		Type:             config.Type,
		Path:             config.Path,
		ConnectionString: config.Database.DSN,
		KeyPrefix:        config.KeyPrefix,
		CacheTTL:         config.Options["cache_ttl"],
		Database:         config.Database,
		Redis:            config.Redis,
		Clock:            f.clock,
	}

	switch config.Type {
	case models.StorageTypeMemory:
		return NewMemoryStore(storeConfig)
	case models.StorageTypeJSON:
		return NewJSONStore(storeConfig)
	case models.StorageTypeSQLite:
		return NewSQLiteStore(storeConfig)
	case models.StorageTypePostgres:
		return NewPostgresStore(storeConfig)
	case models.StorageTypeRedis:
		return NewRedisStore(storeConfig)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", config.Type)
	}
}

// GetSupportedProviders returns a list of all supported storage provider types
func (f *Factory) GetSupportedProviders() []string {
	return []string{
		models.StorageTypeMemory,
		models.StorageTypeJSON,
		models.StorageTypeSQLite,
		models.StorageTypePostgres,
		models.StorageTypeRedis,
	}
}

// ValidateConfig validates that a storage configuration is valid for its type
func (f *Factory) ValidateConfig(config models.StorageConfig) error {
	switch config.Type {
	case models.StorageTypeMemory:
	case models.StorageTypeJSON:
		if config.Path == "" {
			return fmt.Errorf("path is required for JSON storage")
		}
	case models.StorageTypePostgres, models.StorageTypeSQLite:
		if config.Database.DSN == "" {
			return fmt.Errorf("database DSN is required for %s storage", config.Type)
		}
	case models.StorageTypeRedis:
		if config.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for redis storage")
		}
	default:
		return fmt.Errorf("unsupported storage type: %s", config.Type)
	}
	return nil
}
