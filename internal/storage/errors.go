package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable wraps transport, I/O and context failures. No partial
	// state has been applied when it is returned.
	ErrUnavailable = errors.New("store unavailable")

	// ErrSerialization is returned when a stored record cannot be decoded or
	// a value cannot be represented by the backend.
	ErrSerialization = errors.New("record serialization failed")

	// ErrInvalidSettings is returned by PutSettings for settings that fail validation.
	ErrInvalidSettings = errors.New("invalid settings")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("store closed")
)

func unavailable(op, id string, err error) error {
	return fmt.Errorf("failed to %s %q: %w: %w", op, id, ErrUnavailable, err)
}

func serialization(op, id string, err error) error {
	return fmt.Errorf("failed to %s %q: %w: %w", op, id, ErrSerialization, err)
}

func invalidSettings(id string, err error) error {
	return fmt.Errorf("settings for %q: %w: %w", id, ErrInvalidSettings, err)
}
