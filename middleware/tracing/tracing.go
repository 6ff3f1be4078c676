// Package tracing provides OpenTelemetry integration for locus.
//
// Basic usage with the command bus:
//
//	tp := sdktrace.NewTracerProvider(...)
//	otel.SetTracerProvider(tp)
//
//	tracer := tracing.NewTracer()
//	bus := locus.NewCommandBus()
//	bus.Use(tracing.CommandMiddleware(tracer))
//
//	repo := locus.NewRepository(tracing.NewEventLogMiddleware(store, tracer),
//	    locus.WithSnapshots(tracing.NewSnapshotMiddleware(store, tracer), 100))
//
// The tracing middleware captures:
//   - Command type, location id and resulting version
//   - Event log, snapshot and publisher calls as client spans
//   - Error details when operations fail
//   - Correlation and causation IDs
package tracing

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AshkanYarmoradi/go-locus"
	"github.com/AshkanYarmoradi/go-locus/adapters"
)

const (
	// TracerName is the name of the locus tracer.
	TracerName = "github.com/AshkanYarmoradi/go-locus"

	// DefaultServiceName is the default service name for spans.
	DefaultServiceName = "locus"
)

// Tracer wraps an OpenTelemetry tracer for locus operations.
type Tracer struct {
	tracer      trace.Tracer
	serviceName string
}

// TracerOption configures a Tracer.
type TracerOption func(*Tracer)

// WithTracerProvider sets a custom TracerProvider.
func WithTracerProvider(tp trace.TracerProvider) TracerOption {
	return func(t *Tracer) {
		t.tracer = tp.Tracer(TracerName)
	}
}

// WithServiceName sets the service name for spans.
func WithServiceName(name string) TracerOption {
	return func(t *Tracer) {
		t.serviceName = name
	}
}

// NewTracer creates a new Tracer with the global TracerProvider.
func NewTracer(opts ...TracerOption) *Tracer {
	t := &Tracer{
		tracer:      otel.Tracer(TracerName),
		serviceName: DefaultServiceName,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// Tracer returns the underlying OpenTelemetry tracer.
func (t *Tracer) Tracer() trace.Tracer {
	return t.tracer
}

// ServiceName returns the configured service name.
func (t *Tracer) ServiceName() string {
	return t.serviceName
}

func (t *Tracer) client(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := t.StartSpan(ctx, name, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(attribute.String("locus.service", t.serviceName))
	span.SetAttributes(attrs...)
	return ctx, span
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// =============================================================================
// Command Middleware
// =============================================================================

// CommandMiddleware creates middleware that traces command execution.
func CommandMiddleware(tracer *Tracer) locus.Middleware {
	return func(next locus.MiddlewareFunc) locus.MiddlewareFunc {
		return func(ctx context.Context, cmd locus.Command) (locus.CommandResult, error) {
			ctx, span := tracer.StartSpan(ctx, fmt.Sprintf("command.%s", cmd.CommandType()),
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()

			span.SetAttributes(
				attribute.String("locus.service", tracer.serviceName),
				attribute.String("locus.command.type", cmd.CommandType()),
			)
			if aggCmd, ok := cmd.(locus.AggregateCommand); ok && aggCmd.AggregateID() != "" {
				span.SetAttributes(attribute.String("locus.location_id", aggCmd.AggregateID()))
			}
			if id := locus.CorrelationIDFromContext(ctx); id != "" {
				span.SetAttributes(attribute.String("locus.correlation_id", id))
			}
			if id := locus.CausationIDFromContext(ctx); id != "" {
				span.SetAttributes(attribute.String("locus.causation_id", id))
			}

			result, err := next(ctx, cmd)

			switch {
			case err != nil:
				finish(span, err)
			case result.IsError():
				finish(span, result.Error)
			default:
				finish(span, nil)
				span.SetAttributes(
					attribute.String("locus.result.location_id", result.AggregateID),
					attribute.Int64("locus.result.version", result.Version),
				)
			}
			var exhausted *locus.ConcurrencyExhaustedError
			if errors.As(err, &exhausted) {
				span.SetAttributes(attribute.Int("locus.conflict.attempts", exhausted.Attempts))
			}

			return result, err
		}
	}
}

// =============================================================================
// Store Middleware
// =============================================================================

// EventLogMiddleware wraps an EventLog with tracing.
type EventLogMiddleware struct {
	log    adapters.EventLog
	tracer *Tracer
}

// NewEventLogMiddleware wraps an event log with tracing.
func NewEventLogMiddleware(log adapters.EventLog, tracer *Tracer) *EventLogMiddleware {
	return &EventLogMiddleware{log: log, tracer: tracer}
}

// Append stores an event with tracing.
func (m *EventLogMiddleware) Append(ctx context.Context, streamID string, event adapters.EventRecord, expectedVersion int64) (adapters.StoredEvent, error) {
	ctx, span := m.tracer.client(ctx, "eventlog.append",
		attribute.String("locus.stream_id", streamID),
		attribute.String("locus.event.type", event.Type),
		attribute.Int64("locus.expected_version", expectedVersion),
	)
	defer span.End()

	stored, err := m.log.Append(ctx, streamID, event, expectedVersion)
	finish(span, err)
	if err == nil {
		span.SetAttributes(
			attribute.Int64("locus.stored.version", stored.Version),
			attribute.Int64("locus.stored.global_position", int64(stored.GlobalPosition)),
		)
	}
	return stored, err
}

// Load retrieves events with tracing.
func (m *EventLogMiddleware) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	ctx, span := m.tracer.client(ctx, "eventlog.load",
		attribute.String("locus.stream_id", streamID),
		attribute.Int64("locus.from_version", fromVersion),
	)
	defer span.End()

	events, err := m.log.Load(ctx, streamID, fromVersion)
	finish(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int("locus.events.loaded", len(events)))
	}
	return events, err
}

// GetStreamInfo returns stream metadata with tracing.
func (m *EventLogMiddleware) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	ctx, span := m.tracer.client(ctx, "eventlog.get_stream_info",
		attribute.String("locus.stream_id", streamID),
	)
	defer span.End()

	info, err := m.log.GetStreamInfo(ctx, streamID)
	finish(span, err)
	if err == nil {
		span.SetAttributes(attribute.Int64("locus.stream.version", info.Version))
	}
	return info, err
}

// Initialize initializes the log with tracing.
func (m *EventLogMiddleware) Initialize(ctx context.Context) error {
	ctx, span := m.tracer.client(ctx, "eventlog.initialize")
	defer span.End()

	err := m.log.Initialize(ctx)
	finish(span, err)
	return err
}

// Close closes the log.
func (m *EventLogMiddleware) Close() error {
	return m.log.Close()
}

// SnapshotMiddleware wraps a SnapshotAdapter with tracing.
type SnapshotMiddleware struct {
	store  adapters.SnapshotAdapter
	tracer *Tracer
}

// NewSnapshotMiddleware wraps a snapshot store with tracing.
func NewSnapshotMiddleware(store adapters.SnapshotAdapter, tracer *Tracer) *SnapshotMiddleware {
	return &SnapshotMiddleware{store: store, tracer: tracer}
}

// SaveSnapshot stores a snapshot with tracing.
func (m *SnapshotMiddleware) SaveSnapshot(ctx context.Context, snapshot adapters.SnapshotRecord) error {
	ctx, span := m.tracer.client(ctx, "snapshot.save",
		attribute.String("locus.stream_id", snapshot.StreamID),
		attribute.Int64("locus.snapshot.version", snapshot.Version),
		attribute.String("locus.snapshot.encoding", snapshot.Encoding),
	)
	defer span.End()

	err := m.store.SaveSnapshot(ctx, snapshot)
	finish(span, err)
	return err
}

// LoadSnapshot loads a snapshot with tracing.
func (m *SnapshotMiddleware) LoadSnapshot(ctx context.Context, streamID string, maxVersion int64) (*adapters.SnapshotRecord, error) {
	ctx, span := m.tracer.client(ctx, "snapshot.load",
		attribute.String("locus.stream_id", streamID),
		attribute.Int64("locus.snapshot.max_version", maxVersion),
	)
	defer span.End()

	snap, err := m.store.LoadSnapshot(ctx, streamID, maxVersion)
	finish(span, err)
	span.SetAttributes(attribute.Bool("locus.snapshot.hit", snap != nil))
	if snap != nil {
		span.SetAttributes(attribute.Int64("locus.snapshot.version", snap.Version))
	}
	return snap, err
}

// DeleteSnapshots deletes snapshots with tracing.
func (m *SnapshotMiddleware) DeleteSnapshots(ctx context.Context, streamID string) error {
	ctx, span := m.tracer.client(ctx, "snapshot.delete",
		attribute.String("locus.stream_id", streamID),
	)
	defer span.End()

	err := m.store.DeleteSnapshots(ctx, streamID)
	finish(span, err)
	return err
}

// =============================================================================
// Publisher Middleware
// =============================================================================

// PublisherMiddleware wraps a locus.Publisher with tracing.
type PublisherMiddleware struct {
	publisher locus.Publisher
	tracer    *Tracer
}

// NewPublisherMiddleware wraps a publisher with tracing.
func NewPublisherMiddleware(publisher locus.Publisher, tracer *Tracer) *PublisherMiddleware {
	return &PublisherMiddleware{publisher: publisher, tracer: tracer}
}

// Destination returns the wrapped publisher's destination.
func (m *PublisherMiddleware) Destination() string {
	return m.publisher.Destination()
}

// Publish delivers messages with tracing.
func (m *PublisherMiddleware) Publish(ctx context.Context, messages []*adapters.Message) error {
	ctx, span := m.tracer.StartSpan(ctx, "publish."+m.publisher.Destination(),
		trace.WithSpanKind(trace.SpanKindProducer),
	)
	defer span.End()

	span.SetAttributes(
		attribute.String("locus.service", m.tracer.serviceName),
		attribute.String("locus.destination", m.publisher.Destination()),
		attribute.Int("locus.messages.count", len(messages)),
	)
	if len(messages) > 0 {
		span.SetAttributes(attribute.String("locus.location_id", messages[0].AggregateID))
	}

	err := m.publisher.Publish(ctx, messages)
	finish(span, err)
	return err
}

var (
	_ adapters.EventLog        = (*EventLogMiddleware)(nil)
	_ adapters.SnapshotAdapter = (*SnapshotMiddleware)(nil)
	_ locus.Publisher          = (*PublisherMiddleware)(nil)
)

// =============================================================================
// Span Helpers
// =============================================================================

// SpanFromContext returns the current span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddEvent adds an event to the current span.
func AddEvent(ctx context.Context, name string, opts ...trace.EventOption) {
	trace.SpanFromContext(ctx).AddEvent(name, opts...)
}

// SetError sets an error on the current span.
func SetError(ctx context.Context, err error) {
	finish(trace.SpanFromContext(ctx), err)
}

// SetAttributes sets attributes on the current span.
func SetAttributes(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}
