package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"tokenbucket/internal/clock"
	"tokenbucket/internal/models"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPoolSize    = 20
	defaultRedisDialTimeout = 5 * time.Second

	redisStateSuffix    = ":state"
	redisSettingsSuffix = ":settings"
)

// Timestamps are compared as canonical decimal strings so the full uint64
// range survives; Lua numbers are doubles and lose precision above 2^53.
// A longer string is a larger number, equal lengths compare lexically.
var redisPutStateScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'last_updated')
local new = ARGV[1]
if cur then
  if #cur > #new or (#cur == #new and cur > new) then
    return 0
  end
end
redis.call('HSET', KEYS[1], 'last_updated', new, 'tokens', ARGV[2])
return 1
`)

// RedisStore implements Store on Redis. Each identifier owns two hashes,
// one for state and one for settings. The conditional write runs as a Lua
// script so the compare and the set are atomic on the server.
type RedisStore struct {
	client redis.UniversalClient
	clock  clock.Clock
	prefix string

	closeOnce sync.Once
	closeErr  error
}

// NewRedisStore connects to the address in config.Redis and pings it.
func NewRedisStore(config Config) (*RedisStore, error) {
	if config.Redis.Addr == "" {
		return nil, fmt.Errorf("address is required for redis storage")
	}

	poolSize := config.Redis.PoolSize
	if poolSize <= 0 {
		poolSize = defaultRedisPoolSize
	}

	client := redis.NewClient(&redis.Options{
		Addr:        config.Redis.Addr,
		Password:    config.Redis.Password,
		DB:          config.Redis.DB,
		PoolSize:    poolSize,
		DialTimeout: defaultRedisDialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), defaultRedisDialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStoreWithClient(client, config), nil
}

// NewRedisStoreWithClient wraps an existing client, which may be a cluster
// or failover client. Close closes the client.
func NewRedisStoreWithClient(client redis.UniversalClient, config Config) *RedisStore {
	return &RedisStore{
		client: client,
		clock:  config.clock(),
		prefix: config.KeyPrefix,
	}
}

func (rs *RedisStore) stateKey(id string) string {
	return rs.prefix + id + redisStateSuffix
}

func (rs *RedisStore) settingsKey(id string) string {
	return rs.prefix + id + redisSettingsSuffix
}

// Get returns the state and settings for id.
func (rs *RedisStore) Get(ctx context.Context, id string, defaults models.Settings) (models.BucketState, models.Settings, error) {
	var stateCmd, settingsCmd *redis.MapStringStringCmd
	_, err := rs.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		stateCmd = p.HGetAll(ctx, rs.stateKey(id))
		settingsCmd = p.HGetAll(ctx, rs.settingsKey(id))
		return nil
	})
	if err != nil {
		return models.BucketState{}, models.Settings{}, unavailable("get bucket", id, err)
	}

	var statePtr *models.BucketState
	if fields := stateCmd.Val(); len(fields) > 0 {
		st, err := decodeRedisState(fields)
		if err != nil {
			return models.BucketState{}, models.Settings{}, serialization("decode state", id, err)
		}
		statePtr = &st
	}

	var settingsPtr *models.Settings
	if fields := settingsCmd.Val(); len(fields) > 0 {
		s, err := decodeRedisSettings(fields)
		if err != nil {
			return models.BucketState{}, models.Settings{}, serialization("decode settings", id, err)
		}
		settingsPtr = &s
	}

	state, settings := effective(rs.clock, statePtr, settingsPtr, defaults)
	return state, settings, nil
}

// PutState stores state unless a fresher one is already recorded.
func (rs *RedisStore) PutState(ctx context.Context, id string, state models.BucketState) error {
	err := redisPutStateScript.Run(ctx, rs.client, []string{rs.stateKey(id)},
		strconv.FormatUint(state.LastUpdated, 10),
		strconv.FormatUint(state.Tokens, 10),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return unavailable("put state", id, err)
	}
	return nil
}

// PutSettings stores settings for id, replacing any previous value.
func (rs *RedisStore) PutSettings(ctx context.Context, id string, settings models.Settings) error {
	if err := settings.Validate(); err != nil {
		return invalidSettings(id, err)
	}

	err := rs.client.HSet(ctx, rs.settingsKey(id), encodeRedisSettings(settings)).Err()
	if err != nil {
		return unavailable("put settings", id, err)
	}
	return nil
}

// Ping verifies the server is reachable.
func (rs *RedisStore) Ping(ctx context.Context) error {
	if err := rs.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close closes the client. Safe to call more than once.
func (rs *RedisStore) Close() error {
	rs.closeOnce.Do(func() {
		rs.closeErr = rs.client.Close()
	})
	return rs.closeErr
}

func decodeRedisState(fields map[string]string) (models.BucketState, error) {
	lastUpdated, err := parseUintField(fields, "last_updated")
	if err != nil {
		return models.BucketState{}, err
	}
	tokens, err := parseUintField(fields, "tokens")
	if err != nil {
		return models.BucketState{}, err
	}
	return models.BucketState{LastUpdated: lastUpdated, Tokens: tokens}, nil
}

func decodeRedisSettings(fields map[string]string) (models.Settings, error) {
	var s models.Settings
	var err error
	if s.MaxTokens, err = parseUintField(fields, "max_tokens"); err != nil {
		return s, err
	}
	if s.StartingTokens, err = parseUintField(fields, "starting_tokens"); err != nil {
		return s, err
	}
	if s.RefillRate, err = parseUintField(fields, "refill_rate"); err != nil {
		return s, err
	}
	if s.RefillInterval, err = parseUintField(fields, "refill_interval"); err != nil {
		return s, err
	}
	return s, nil
}

func encodeRedisSettings(s models.Settings) map[string]interface{} {
	return map[string]interface{}{
		"max_tokens":      strconv.FormatUint(s.MaxTokens, 10),
		"starting_tokens": strconv.FormatUint(s.StartingTokens, 10),
		"refill_rate":     strconv.FormatUint(s.RefillRate, 10),
		"refill_interval": strconv.FormatUint(s.RefillInterval, 10),
	}
}
