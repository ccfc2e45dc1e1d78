package observability

import (
	"context"
	"time"

	"tokenbucket/internal/models"
	"tokenbucket/internal/storage"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentedStore wraps a storage.Store implementation with
// OpenTelemetry tracing and metrics instrumentation.
type InstrumentedStore struct {
	inner    storage.Store
	backend  string
	tracer   trace.Tracer
	duration metric.Float64Histogram
	errors   metric.Int64Counter
}

// NewInstrumentedStore creates a store wrapper that records trace spans,
// operation latency histograms, and error counters for every store call.
// backend labels the metrics, e.g. "redis".
func NewInstrumentedStore(inner storage.Store, backend string) (*InstrumentedStore, error) {
	tracer := otel.Tracer("tokenbucket/storage")
	meter := otel.Meter("tokenbucket/storage")

	duration, err := meter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Duration of storage operations in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	errCounter, err := meter.Int64Counter(
		"storage.operation.errors",
		metric.WithDescription("Number of storage operation errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &InstrumentedStore{
		inner:    inner,
		backend:  backend,
		tracer:   tracer,
		duration: duration,
		errors:   errCounter,
	}, nil
}

func (s *InstrumentedStore) startSpan(ctx context.Context, operation, id string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "storage."+operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("storage.operation", operation),
			attribute.String("storage.backend", s.backend),
			attribute.String("bucket.id", id),
		),
	)
}

func (s *InstrumentedStore) record(ctx context.Context, span trace.Span, operation string, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()
	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("backend", s.backend),
	)

	s.duration.Record(ctx, elapsed, attrs)

	if err != nil {
		s.errors.Add(ctx, 1, attrs)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	span.End()
}

func (s *InstrumentedStore) Get(ctx context.Context, id string, defaults models.Settings) (models.BucketState, models.Settings, error) {
	ctx, span := s.startSpan(ctx, "Get", id)
	start := time.Now()
	state, settings, err := s.inner.Get(ctx, id, defaults)
	if err == nil {
		span.SetAttributes(
			attribute.Int64("bucket.last_updated", clampInt64(state.LastUpdated)),
			attribute.Int64("bucket.tokens", clampInt64(state.Tokens)),
		)
	}
	s.record(ctx, span, "Get", start, err)
	return state, settings, err
}

func (s *InstrumentedStore) PutState(ctx context.Context, id string, state models.BucketState) error {
	ctx, span := s.startSpan(ctx, "PutState", id)
	span.SetAttributes(attribute.Int64("bucket.last_updated", clampInt64(state.LastUpdated)))
	start := time.Now()
	err := s.inner.PutState(ctx, id, state)
	s.record(ctx, span, "PutState", start, err)
	return err
}

func (s *InstrumentedStore) PutSettings(ctx context.Context, id string, settings models.Settings) error {
	ctx, span := s.startSpan(ctx, "PutSettings", id)
	start := time.Now()
	err := s.inner.PutSettings(ctx, id, settings)
	s.record(ctx, span, "PutSettings", start, err)
	return err
}

func (s *InstrumentedStore) Ping(ctx context.Context) error {
	ctx, span := s.startSpan(ctx, "Ping", "")
	start := time.Now()
	err := s.inner.Ping(ctx)
	s.record(ctx, span, "Ping", start, err)
	return err
}

func (s *InstrumentedStore) Close() error {
	return s.inner.Close()
}

func clampInt64(v uint64) int64 {
	if v > 1<<63-1 {
		return 1<<63 - 1
	}
	return int64(v)
}

// Ensure InstrumentedStore implements storage.Store
var _ storage.Store = (*InstrumentedStore)(nil)
