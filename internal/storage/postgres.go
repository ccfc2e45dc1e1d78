package storage

import (
	"context"
	"fmt"

	"tokenbucket/internal/clock"
	"tokenbucket/internal/models"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS bucket_state (
	id           TEXT PRIMARY KEY,
	last_updated BIGINT NOT NULL CHECK (last_updated >= 0),
	tokens       BIGINT NOT NULL CHECK (tokens >= 0)
);
CREATE TABLE IF NOT EXISTS bucket_settings (
	id              TEXT PRIMARY KEY,
	max_tokens      BIGINT NOT NULL CHECK (max_tokens >= 0),
	starting_tokens BIGINT NOT NULL CHECK (starting_tokens >= 0),
	refill_rate     BIGINT NOT NULL CHECK (refill_rate >= 0),
	refill_interval BIGINT NOT NULL CHECK (refill_interval > 0)
);`

// Both records are fetched in one round trip; either side may be absent.
const postgresGet = `
SELECT s.last_updated, s.tokens,
       c.max_tokens, c.starting_tokens, c.refill_rate, c.refill_interval
FROM (SELECT $1::text AS id) k
LEFT JOIN bucket_state s ON s.id = k.id
LEFT JOIN bucket_settings c ON c.id = k.id`

const postgresPutState = `
INSERT INTO bucket_state (id, last_updated, tokens) VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET
	last_updated = EXCLUDED.last_updated,
	tokens       = EXCLUDED.tokens
WHERE bucket_state.last_updated <= EXCLUDED.last_updated`

const postgresPutSettings = `
INSERT INTO bucket_settings (id, max_tokens, starting_tokens, refill_rate, refill_interval)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
	max_tokens      = EXCLUDED.max_tokens,
	starting_tokens = EXCLUDED.starting_tokens,
	refill_rate     = EXCLUDED.refill_rate,
	refill_interval = EXCLUDED.refill_interval`

// PostgresStore implements Store on PostgreSQL through a pgx connection pool.
// The freshness check runs inside the upsert, so concurrent limiter
// instances never need a transaction or row lock.
type PostgresStore struct {
	pool   *pgxpool.Pool
	clock  clock.Clock
	prefix string
}

// NewPostgresStore creates a new PostgreSQL store and provisions its tables.
func NewPostgresStore(config Config) (*PostgresStore, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for PostgreSQL storage")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.Database.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(config.Database.MaxOpenConns)
	}
	if config.Database.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(min(config.Database.MaxIdleConns, int(poolConfig.MaxConns)))
	}
	if config.Database.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = config.Database.ConnMaxLifetime
	}
	if config.Database.ConnMaxIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.Database.ConnMaxIdleTime
	}

	ctx := context.Background()
	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &PostgresStore{
		pool:   pool,
		clock:  config.clock(),
		prefix: config.KeyPrefix,
	}, nil
}

// Get returns the state and settings for id.
func (ps *PostgresStore) Get(ctx context.Context, id string, defaults models.Settings) (models.BucketState, models.Settings, error) {
	var lastUpdated, tokens pgtype.Int8
	var maxTokens, startingTokens, refillRate, refillInterval pgtype.Int8
	err := ps.pool.QueryRow(ctx, postgresGet, ps.prefix+id).Scan(
		&lastUpdated, &tokens,
		&maxTokens, &startingTokens, &refillRate, &refillInterval,
	)
	if err != nil {
		return models.BucketState{}, models.Settings{}, unavailable("get bucket", id, err)
	}

	var statePtr *models.BucketState
	if lastUpdated.Valid && tokens.Valid {
		st, err := rowToState(stateRow{LastUpdated: lastUpdated.Int64, Tokens: tokens.Int64})
		if err != nil {
			return models.BucketState{}, models.Settings{}, serialization("decode state", id, err)
		}
		statePtr = &st
	}

	var settingsPtr *models.Settings
	if maxTokens.Valid && startingTokens.Valid && refillRate.Valid && refillInterval.Valid {
		s, err := rowToSettings(settingsRow{
			MaxTokens:      maxTokens.Int64,
			StartingTokens: startingTokens.Int64,
			RefillRate:     refillRate.Int64,
			RefillInterval: refillInterval.Int64,
		})
		if err != nil {
			return models.BucketState{}, models.Settings{}, serialization("decode settings", id, err)
		}
		settingsPtr = &s
	}

	state, settings := effective(ps.clock, statePtr, settingsPtr, defaults)
	return state, settings, nil
}

// PutState stores state unless a fresher one is already recorded.
func (ps *PostgresStore) PutState(ctx context.Context, id string, state models.BucketState) error {
	row, err := stateToRow(state)
	if err != nil {
		return serialization("encode state", id, err)
	}

	if _, err := ps.pool.Exec(ctx, postgresPutState, ps.prefix+id, row.LastUpdated, row.Tokens); err != nil {
		return unavailable("put state", id, err)
	}
	return nil
}

// PutSettings stores settings for id, replacing any previous value.
func (ps *PostgresStore) PutSettings(ctx context.Context, id string, settings models.Settings) error {
	if err := settings.Validate(); err != nil {
		return invalidSettings(id, err)
	}
	row, err := settingsToRow(settings)
	if err != nil {
		return serialization("encode settings", id, err)
	}

	if _, err := ps.pool.Exec(ctx, postgresPutSettings,
		ps.prefix+id, row.MaxTokens, row.StartingTokens, row.RefillRate, row.RefillInterval,
	); err != nil {
		return unavailable("put settings", id, err)
	}
	return nil
}

// Ping verifies the database connection.
func (ps *PostgresStore) Ping(ctx context.Context) error {
	if err := ps.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close closes the connection pool.
func (ps *PostgresStore) Close() error {
	ps.pool.Close()
	return nil
}
