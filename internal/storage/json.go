package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tokenbucket/internal/clock"
	"tokenbucket/internal/models"
)

// JSONStore implements Store using a single JSON file for persistence.
// It keeps an in-memory copy of the file for CacheTTL and reloads it when
// the file's modification time moves. Writers within one process are
// serialized by the store's mutex; the file is not meant to be shared by
// several processes.
type JSONStore struct {
	filePath     string
	cacheTTL     time.Duration
	mu           sync.RWMutex
	data         *JSONData
	lastModified time.Time
	cacheExpiry  time.Time
	closed       bool

	clock  clock.Clock
	prefix string
}

// JSONData represents the structure of data stored in JSON format
type JSONData struct {
	States      map[string]models.BucketState `json:"states"`
	Settings    map[string]models.Settings    `json:"settings"`
	LastUpdated time.Time                     `json:"last_updated"`
}

// NewJSONStore creates a new JSON-based store
func NewJSONStore(config Config) (*JSONStore, error) {
	if config.Path == "" {
		return nil, fmt.Errorf("path is required for JSON storage")
	}

	cacheTTL := 5 * time.Minute
	if config.CacheTTL != "" {
		if duration, err := time.ParseDuration(config.CacheTTL); err == nil {
			cacheTTL = duration
		}
	}

	store := &JSONStore{
		filePath: config.Path,
		cacheTTL: cacheTTL,
		clock:    config.clock(),
		prefix:   config.KeyPrefix,
	}

	if err := store.ensureFileExists(); err != nil {
		return nil, fmt.Errorf("failed to ensure file exists: %w", err)
	}

	if err := store.loadData(); err != nil {
		return nil, fmt.Errorf("failed to load initial data: %w", err)
	}

	return store, nil
}

// ensureFileExists creates the JSON file with empty data if it doesn't exist
func (j *JSONStore) ensureFileExists() error {
	if _, err := os.Stat(j.filePath); os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(j.filePath), 0700); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
		return j.saveData(newJSONData())
	}
	return nil
}

func newJSONData() *JSONData {
	return &JSONData{
		States:   make(map[string]models.BucketState),
		Settings: make(map[string]models.Settings),
	}
}

// loadData loads data from the JSON file with caching.
// It uses double-checked locking: a fast read-lock path for cache hits,
// and a write-lock slow path with re-validation to prevent TOCTOU races.
func (j *JSONStore) loadData() error {
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	if j.data != nil && time.Now().Before(j.cacheExpiry) {
		j.mu.RUnlock()
		return nil
	}
	j.mu.RUnlock()

	j.mu.Lock()
	defer j.mu.Unlock()
	return j.reloadLocked()
}

// reloadLocked refreshes the cached copy if it expired. Callers hold j.mu.
func (j *JSONStore) reloadLocked() error {
	if j.closed {
		return ErrClosed
	}
	if j.data != nil && time.Now().Before(j.cacheExpiry) {
		return nil
	}

	info, err := os.Stat(j.filePath)
	if err != nil {
		return fmt.Errorf("%w: failed to stat file: %w", ErrUnavailable, err)
	}

	if j.data != nil && !info.ModTime().After(j.lastModified) {
		j.cacheExpiry = time.Now().Add(j.cacheTTL)
		return nil
	}

	fileData, err := os.ReadFile(j.filePath)
	if err != nil {
		return fmt.Errorf("%w: failed to read file: %w", ErrUnavailable, err)
	}

	data := newJSONData()
	if err := json.Unmarshal(fileData, data); err != nil {
		return fmt.Errorf("%w: failed to unmarshal JSON: %w", ErrSerialization, err)
	}
	if data.States == nil {
		data.States = make(map[string]models.BucketState)
	}
	if data.Settings == nil {
		data.Settings = make(map[string]models.Settings)
	}

	j.data = data
	j.lastModified = info.ModTime()
	j.cacheExpiry = time.Now().Add(j.cacheTTL)
	return nil
}

// saveData writes data to a temporary file and renames it over the target,
// so readers never observe a half-written document.
func (j *JSONStore) saveData(data *JSONData) error {
	data.LastUpdated = time.Now()

	fileData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal JSON: %w", ErrSerialization, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(j.filePath), ".buckets-*.json")
	if err != nil {
		return fmt.Errorf("%w: failed to create temp file: %w", ErrUnavailable, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(fileData); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: failed to write file: %w", ErrUnavailable, err)
	}
	if err := tmp.Chmod(0600); err != nil {
		tmp.Close()
		return fmt.Errorf("%w: failed to set file mode: %w", ErrUnavailable, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("%w: failed to close file: %w", ErrUnavailable, err)
	}
	if err := os.Rename(tmpName, j.filePath); err != nil {
		return fmt.Errorf("%w: failed to replace file: %w", ErrUnavailable, err)
	}

	if info, err := os.Stat(j.filePath); err == nil {
		j.lastModified = info.ModTime()
	}
	return nil
}

// Get returns the state and settings for id
func (j *JSONStore) Get(ctx context.Context, id string, defaults models.Settings) (models.BucketState, models.Settings, error) {
	if err := ctx.Err(); err != nil {
		return models.BucketState{}, models.Settings{}, unavailable("get bucket", id, err)
	}
	if err := j.loadData(); err != nil {
		return models.BucketState{}, models.Settings{}, fmt.Errorf("failed to get bucket %q: %w", id, err)
	}

	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.closed {
		return models.BucketState{}, models.Settings{}, ErrClosed
	}

	key := j.prefix + id
	var statePtr *models.BucketState
	if st, ok := j.data.States[key]; ok {
		statePtr = &st
	}
	var settingsPtr *models.Settings
	if s, ok := j.data.Settings[key]; ok {
		settingsPtr = &s
	}

	state, settings := effective(j.clock, statePtr, settingsPtr, defaults)
	return state, settings, nil
}

// PutState stores state unless a fresher one is already recorded
func (j *JSONStore) PutState(ctx context.Context, id string, state models.BucketState) error {
	if err := ctx.Err(); err != nil {
		return unavailable("put state", id, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.reloadLocked(); err != nil {
		return fmt.Errorf("failed to put state %q: %w", id, err)
	}

	key := j.prefix + id
	if existing, ok := j.data.States[key]; ok && !fresher(existing.LastUpdated, state.LastUpdated) {
		return nil
	}

	previous, had := j.data.States[key]
	j.data.States[key] = state
	if err := j.saveData(j.data); err != nil {
		if had {
			j.data.States[key] = previous
		} else {
			delete(j.data.States, key)
		}
		return fmt.Errorf("failed to put state %q: %w", id, err)
	}
	return nil
}

// PutSettings stores settings for id, replacing any previous value
func (j *JSONStore) PutSettings(ctx context.Context, id string, settings models.Settings) error {
	if err := settings.Validate(); err != nil {
		return invalidSettings(id, err)
	}
	if err := ctx.Err(); err != nil {
		return unavailable("put settings", id, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if err := j.reloadLocked(); err != nil {
		return fmt.Errorf("failed to put settings %q: %w", id, err)
	}

	key := j.prefix + id
	previous, had := j.data.Settings[key]
	j.data.Settings[key] = settings
	if err := j.saveData(j.data); err != nil {
		if had {
			j.data.Settings[key] = previous
		} else {
			delete(j.data.Settings, key)
		}
		return fmt.Errorf("failed to put settings %q: %w", id, err)
	}
	return nil
}

// Ping verifies the backing file is still readable.
func (j *JSONStore) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	j.mu.RLock()
	closed := j.closed
	j.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if _, err := os.Stat(j.filePath); err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	return nil
}

// Close clears the cache. The file is left in place.
func (j *JSONStore) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.closed = true
	j.data = nil
	j.cacheExpiry = time.Time{}
	return nil
}
