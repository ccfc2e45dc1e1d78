package bucket

import (
	"context"

	"tokenbucket/internal/models"
)

// EngineInterface defines the operations callers need from the engine
type EngineInterface interface {
	// Limit decides whether cost tokens may be taken from id's bucket
	Limit(ctx context.Context, id string, cost uint64) (models.Decision, error)

	// Inspect returns id's bucket refilled up to now without writing anything
	Inspect(ctx context.Context, id string) (Snapshot, error)

	// Configure stores settings for id
	Configure(ctx context.Context, id string, settings models.Settings) error

	// Ping checks the underlying store
	Ping(ctx context.Context) error
}

// Ensure Engine implements EngineInterface
var _ EngineInterface = (*Engine)(nil)
