package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tokenbucket/internal/clock"
	"tokenbucket/internal/models"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS bucket_state (
	id           TEXT PRIMARY KEY,
	last_updated INTEGER NOT NULL,
	tokens       INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS bucket_settings (
	id              TEXT PRIMARY KEY,
	max_tokens      INTEGER NOT NULL,
	starting_tokens INTEGER NOT NULL,
	refill_rate     INTEGER NOT NULL,
	refill_interval INTEGER NOT NULL
);`

// The WHERE clause on the conflict branch is the freshness check: an
// existing row is only replaced when it is not newer than the incoming one.
const sqlitePutState = `
INSERT INTO bucket_state (id, last_updated, tokens) VALUES (?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	last_updated = excluded.last_updated,
	tokens       = excluded.tokens
WHERE bucket_state.last_updated <= excluded.last_updated`

const sqlitePutSettings = `
INSERT INTO bucket_settings (id, max_tokens, starting_tokens, refill_rate, refill_interval)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	max_tokens      = excluded.max_tokens,
	starting_tokens = excluded.starting_tokens,
	refill_rate     = excluded.refill_rate,
	refill_interval = excluded.refill_interval`

// SQLiteStore implements Store on an SQLite database. Writes are funnelled
// through a single connection since SQLite allows one writer at a time.
type SQLiteStore struct {
	db     *sql.DB
	clock  clock.Clock
	prefix string
}

// NewSQLiteStore opens the database and creates the bucket tables if needed.
func NewSQLiteStore(config Config) (*SQLiteStore, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required for SQLite storage")
	}

	db, err := sql.Open("sqlite", config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if config.Database.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(config.Database.ConnMaxIdleTime)
	}

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{
		db:     db,
		clock:  config.clock(),
		prefix: config.KeyPrefix,
	}, nil
}

// Get returns the state and settings for id
func (ss *SQLiteStore) Get(ctx context.Context, id string, defaults models.Settings) (models.BucketState, models.Settings, error) {
	key := ss.prefix + id

	var settingsPtr *models.Settings
	var sr settingsRow
	err := ss.db.QueryRowContext(ctx,
		`SELECT max_tokens, starting_tokens, refill_rate, refill_interval FROM bucket_settings WHERE id = ?`, key,
	).Scan(&sr.MaxTokens, &sr.StartingTokens, &sr.RefillRate, &sr.RefillInterval)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return models.BucketState{}, models.Settings{}, unavailable("get settings", id, err)
	default:
		s, err := rowToSettings(sr)
		if err != nil {
			return models.BucketState{}, models.Settings{}, serialization("decode settings", id, err)
		}
		settingsPtr = &s
	}

	var statePtr *models.BucketState
	var row stateRow
	err = ss.db.QueryRowContext(ctx,
		`SELECT last_updated, tokens FROM bucket_state WHERE id = ?`, key,
	).Scan(&row.LastUpdated, &row.Tokens)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return models.BucketState{}, models.Settings{}, unavailable("get state", id, err)
	default:
		st, err := rowToState(row)
		if err != nil {
			return models.BucketState{}, models.Settings{}, serialization("decode state", id, err)
		}
		statePtr = &st
	}

	state, settings := effective(ss.clock, statePtr, settingsPtr, defaults)
	return state, settings, nil
}

// PutState stores state unless a fresher one is already recorded
func (ss *SQLiteStore) PutState(ctx context.Context, id string, state models.BucketState) error {
	row, err := stateToRow(state)
	if err != nil {
		return serialization("encode state", id, err)
	}

	if _, err := ss.db.ExecContext(ctx, sqlitePutState, ss.prefix+id, row.LastUpdated, row.Tokens); err != nil {
		return unavailable("put state", id, err)
	}
	return nil
}

// PutSettings stores settings for id, replacing any previous value
func (ss *SQLiteStore) PutSettings(ctx context.Context, id string, settings models.Settings) error {
	if err := settings.Validate(); err != nil {
		return invalidSettings(id, err)
	}
	row, err := settingsToRow(settings)
	if err != nil {
		return serialization("encode settings", id, err)
	}

	if _, err := ss.db.ExecContext(ctx, sqlitePutSettings,
		ss.prefix+id, row.MaxTokens, row.StartingTokens, row.RefillRate, row.RefillInterval,
	); err != nil {
		return unavailable("put settings", id, err)
	}
	return nil
}

// Ping verifies the database connection
func (ss *SQLiteStore) Ping(ctx context.Context) error {
	if err := ss.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close closes the storage connection
func (ss *SQLiteStore) Close() error {
	return ss.db.Close()
}
