package storage

import (
	"context"
	"sync"

	"tokenbucket/internal/clock"
	"tokenbucket/internal/models"
)

// MemoryStore implements Store using in-memory maps. It is ideal for tests
// and single-instance deployments; state is lost on restart and not shared
// between processes.
type MemoryStore struct {
	mu       sync.RWMutex
	states   map[string]models.BucketState
	settings map[string]models.Settings
	closed   bool

	clock  clock.Clock
	prefix string
}

// NewMemoryStore creates a new memory-based store
func NewMemoryStore(config Config) (*MemoryStore, error) {
	return &MemoryStore{
		states:   make(map[string]models.BucketState),
		settings: make(map[string]models.Settings),
		clock:    config.clock(),
		prefix:   config.KeyPrefix,
	}, nil
}

// Get returns the state and settings for id
func (m *MemoryStore) Get(ctx context.Context, id string, defaults models.Settings) (models.BucketState, models.Settings, error) {
	if err := ctx.Err(); err != nil {
		return models.BucketState{}, models.Settings{}, unavailable("get bucket", id, err)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return models.BucketState{}, models.Settings{}, ErrClosed
	}

	key := m.prefix + id
	var statePtr *models.BucketState
	if st, ok := m.states[key]; ok {
		statePtr = &st
	}
	var settingsPtr *models.Settings
	if s, ok := m.settings[key]; ok {
		settingsPtr = &s
	}

	state, settings := effective(m.clock, statePtr, settingsPtr, defaults)
	return state, settings, nil
}

// PutState stores state unless a fresher one is already recorded
func (m *MemoryStore) PutState(ctx context.Context, id string, state models.BucketState) error {
	if err := ctx.Err(); err != nil {
		return unavailable("put state", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	key := m.prefix + id
	if existing, ok := m.states[key]; ok && !fresher(existing.LastUpdated, state.LastUpdated) {
		return nil
	}
	m.states[key] = state
	return nil
}

// PutSettings stores settings for id, replacing any previous value
func (m *MemoryStore) PutSettings(ctx context.Context, id string, settings models.Settings) error {
	if err := settings.Validate(); err != nil {
		return invalidSettings(id, err)
	}
	if err := ctx.Err(); err != nil {
		return unavailable("put settings", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	m.settings[m.prefix+id] = settings
	return nil
}

// Ping reports whether the store is open
func (m *MemoryStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close drops all data
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.states = make(map[string]models.BucketState)
	m.settings = make(map[string]models.Settings)
	return nil
}

// Len returns the number of identifiers with recorded state
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.states)
}
