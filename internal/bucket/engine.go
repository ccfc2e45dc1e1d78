package bucket

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"tokenbucket/internal/clock"
	"tokenbucket/internal/models"
	"tokenbucket/internal/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Engine makes token bucket decisions against a shared Store.
//
// Every call re-reads the store and performs at most one conditional write,
// so any number of engines may serve the same identifiers concurrently. When
// two of them race, both callers keep their admissions and the store keeps
// whichever state carries the later timestamp.
type Engine struct {
	store    storage.Store
	defaults models.Settings
	clock    clock.Clock
	timeout  time.Duration
	logger   *slog.Logger

	tracer    trace.Tracer
	decisions metric.Int64Counter
	failures  metric.Int64Counter
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the system clock.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithOperationTimeout bounds each individual store call. Zero leaves the
// caller's context as the only deadline.
func WithOperationTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.timeout = d
	}
}

// WithLogger sets the logger used for failures and decisions.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates an engine that substitutes defaults for identifiers
// without stored settings.
func NewEngine(store storage.Store, defaults models.Settings, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if err := defaults.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default settings: %w", err)
	}

	e := &Engine{
		store:    store,
		defaults: defaults,
		clock:    clock.NewSystemClock(),
		logger:   slog.Default(),
		tracer:   otel.Tracer("tokenbucket/bucket"),
	}
	for _, opt := range opts {
		opt(e)
	}

	meter := otel.Meter("tokenbucket/bucket")

	var err error
	e.decisions, err = meter.Int64Counter(
		"bucket.decisions",
		metric.WithDescription("Number of limit decisions by outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}

	e.failures, err = meter.Int64Counter(
		"bucket.failures",
		metric.WithDescription("Number of limit calls that failed by kind"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return e, nil
}

// Defaults returns the settings applied to identifiers without their own.
func (e *Engine) Defaults() models.Settings {
	return e.defaults
}

// Limit decides whether cost tokens may be taken from id's bucket.
//
// A denial never writes. An admission publishes the new state with a
// conditional write; if that write fails the admitting decision is returned
// together with a KindPublish error, and the caller decides whether an
// unrecorded admission is acceptable. A fetch failure returns a zero
// Decision and a KindFetch error.
func (e *Engine) Limit(ctx context.Context, id string, cost uint64) (models.Decision, error) {
	ctx, span := e.tracer.Start(ctx, "bucket.Limit", trace.WithAttributes(
		attribute.String("bucket.id", id),
		attribute.Int64("bucket.cost", int64(min(cost, 1<<63-1))),
	))
	defer span.End()

	state, settings, err := e.get(ctx, id)
	if err != nil {
		return models.Decision{}, e.fail(ctx, span, KindFetch, id, err)
	}

	now := clock.UnixSeconds(e.clock)
	available := Refill(state, settings, now)

	if available < cost {
		wait, retryable := retryAfter(state, settings, now, available, cost)
		decision := models.Deny(available, settings.MaxTokens, wait, retryable)
		e.observe(ctx, span, decision)
		e.logger.DebugContext(ctx, "bucket denied",
			"id", id,
			"cost", cost,
			"available", available,
			"retry_after", wait,
			"retryable", retryable,
		)
		return decision, nil
	}

	remaining := available - cost
	decision := models.Allow(remaining, settings.MaxTokens)
	e.observe(ctx, span, decision)

	next := models.BucketState{LastUpdated: now, Tokens: remaining}
	if err := e.put(ctx, id, next); err != nil {
		return decision, e.fail(ctx, span, KindPublish, id, err)
	}

	e.logger.DebugContext(ctx, "bucket allowed",
		"id", id,
		"cost", cost,
		"remaining", remaining,
	)
	return decision, nil
}

// Snapshot is a read-only view of a bucket at a point in time.
type Snapshot struct {
	// State holds the tokens refilled up to AsOf, with the stored LastUpdated.
	State    models.BucketState
	Settings models.Settings
	AsOf     uint64
}

// Inspect returns id's bucket refilled up to now. Nothing is written, so a
// bucket that has never been used stays unrecorded.
func (e *Engine) Inspect(ctx context.Context, id string) (Snapshot, error) {
	ctx, span := e.tracer.Start(ctx, "bucket.Inspect", trace.WithAttributes(
		attribute.String("bucket.id", id),
	))
	defer span.End()

	state, settings, err := e.get(ctx, id)
	if err != nil {
		return Snapshot{}, e.fail(ctx, span, KindFetch, id, err)
	}

	now := clock.UnixSeconds(e.clock)
	state.Tokens = Refill(state, settings, now)
	return Snapshot{State: state, Settings: settings, AsOf: now}, nil
}

// Configure stores settings for id. The bucket's state is left alone; new
// capacity applies from the next decision onward.
func (e *Engine) Configure(ctx context.Context, id string, settings models.Settings) error {
	ctx, span := e.tracer.Start(ctx, "bucket.Configure", trace.WithAttributes(
		attribute.String("bucket.id", id),
	))
	defer span.End()

	opCtx, cancel := e.operationContext(ctx)
	defer cancel()

	if err := e.store.PutSettings(opCtx, id, settings); err != nil {
		return e.fail(ctx, span, KindConfigure, id, err)
	}

	e.logger.InfoContext(ctx, "bucket settings updated",
		"id", id,
		"max_tokens", settings.MaxTokens,
		"starting_tokens", settings.StartingTokens,
		"refill_rate", settings.RefillRate,
		"refill_interval", settings.RefillInterval,
	)
	return nil
}

// Ping checks the underlying store.
func (e *Engine) Ping(ctx context.Context) error {
	opCtx, cancel := e.operationContext(ctx)
	defer cancel()
	return e.store.Ping(opCtx)
}

func (e *Engine) get(ctx context.Context, id string) (models.BucketState, models.Settings, error) {
	opCtx, cancel := e.operationContext(ctx)
	defer cancel()
	return e.store.Get(opCtx, id, e.defaults)
}

func (e *Engine) put(ctx context.Context, id string, state models.BucketState) error {
	opCtx, cancel := e.operationContext(ctx)
	defer cancel()

	return e.store.PutState(opCtx, id, state)
}

func (e *Engine) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

func (e *Engine) observe(ctx context.Context, span trace.Span, d models.Decision) {
	outcome := "deny"
	if d.Allowed {
		outcome = "allow"
	}
	span.SetAttributes(
		attribute.Bool("bucket.allowed", d.Allowed),
		attribute.Int64("bucket.remaining", int64(min(d.Remaining, 1<<63-1))),
	)
	e.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (e *Engine) fail(ctx context.Context, span trace.Span, kind Kind, id string, err error) error {
	wrapped := &Error{Kind: kind, ID: id, Err: err}

	span.RecordError(wrapped)
	span.SetStatus(codes.Error, wrapped.Error())
	e.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))

	level := slog.LevelError
	if kind == KindPublish {
		level = slog.LevelWarn
	}
	e.logger.Log(ctx, level, "bucket operation failed",
		"id", id,
		"kind", string(kind),
		"error", err,
	)
	return wrapped
}
