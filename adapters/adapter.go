// Package adapters defines the storage and transport contracts used by the
// location repository and notifier.
package adapters

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for adapter implementations.
// Adapters should return these (or errors that match via errors.Is)
// so the repository can classify failures independently of the backend.
var (
	// ErrConcurrencyConflict is returned when the optimistic concurrency check fails.
	ErrConcurrencyConflict = errors.New("locus: concurrency conflict")

	// ErrStreamNotFound is returned when a stream does not exist.
	ErrStreamNotFound = errors.New("locus: stream not found")

	// ErrEmptyStreamID is returned when an empty stream ID is provided.
	ErrEmptyStreamID = errors.New("locus: stream ID is required")

	// ErrInvalidVersion is returned when an invalid version is specified.
	ErrInvalidVersion = errors.New("locus: invalid version")

	// ErrAdapterClosed is returned when operations are attempted on a closed adapter.
	ErrAdapterClosed = errors.New("locus: adapter is closed")

	// ErrStoreUnavailable marks transient infrastructure failures that may
	// succeed when retried.
	ErrStoreUnavailable = errors.New("locus: store unavailable")
)

// Metadata contains event context for tracing and auditing.
type Metadata struct {
	// CorrelationID links related commands and events across services.
	CorrelationID string `json:"correlationId,omitempty"`

	// CausationID identifies the command that caused this event.
	CausationID string `json:"causationId,omitempty"`

	// UserID identifies who triggered this event.
	UserID string `json:"userId,omitempty"`

	// Custom holds any additional metadata.
	Custom map[string]string `json:"custom,omitempty"`
}

// EventRecord is an event ready to be appended to a stream.
type EventRecord struct {
	// Type is the event type identifier.
	Type string

	// SchemaVersion is the payload schema version the record was written with.
	SchemaVersion int

	// OccurredAt is the business time of the event.
	OccurredAt time.Time

	// Data is the serialized event payload.
	Data []byte

	// Metadata contains optional contextual information.
	Metadata Metadata
}

// StoredEvent is a persisted event with its storage metadata.
type StoredEvent struct {
	// ID is the unique event identifier.
	ID string

	// StreamID is the stream this event belongs to.
	StreamID string

	// Type is the event type identifier.
	Type string

	// SchemaVersion is the payload schema version.
	SchemaVersion int

	// Data is the serialized event payload.
	Data []byte

	// Metadata contains contextual information.
	Metadata Metadata

	// Version is the position within the stream (1-based).
	Version int64

	// GlobalPosition orders events across all streams.
	GlobalPosition uint64

	// OccurredAt is the business time carried by the event.
	OccurredAt time.Time

	// Timestamp is when the event was stored.
	Timestamp time.Time
}

// StreamInfo contains metadata about an event stream.
type StreamInfo struct {
	StreamID  string
	Category  string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// EventLog is the append-only, per-stream ordered event storage.
type EventLog interface {
	// Append stores one event with optimistic concurrency control.
	// expectedVersion is the stream head the caller observed:
	//   - AnyVersion (-1): skip the check
	//   - NoStream (0): the stream must not exist
	//   - StreamExists (-2): the stream must exist
	//   - any positive number: the head must be exactly this version
	// The append is atomic: either the event is stored at expectedVersion+1
	// or nothing is written.
	Append(ctx context.Context, streamID string, event EventRecord, expectedVersion int64) (StoredEvent, error)

	// Load returns the events of a stream with Version > fromVersion, in order.
	// A missing stream yields an empty slice.
	Load(ctx context.Context, streamID string, fromVersion int64) ([]StoredEvent, error)

	// GetStreamInfo returns metadata about a stream.
	// Returns ErrStreamNotFound if the stream does not exist.
	GetStreamInfo(ctx context.Context, streamID string) (*StreamInfo, error)

	// Initialize sets up the required schema.
	Initialize(ctx context.Context) error

	// Close releases any resources held by the adapter.
	Close() error
}

// SnapshotRecord is a cached aggregate state at a version.
type SnapshotRecord struct {
	// StreamID is the stream identifier.
	StreamID string

	// Version is the aggregate version the state corresponds to.
	Version int64

	// Encoding names the codec that produced Data (json, msgpack, protobuf).
	Encoding string

	// Data is the serialized state.
	Data []byte

	// CreatedAt is when the snapshot was taken.
	CreatedAt time.Time
}

// SnapshotAdapter stores aggregate snapshots. Snapshots are a cache: an
// adapter may drop them at any time.
type SnapshotAdapter interface {
	// SaveSnapshot stores a snapshot.
	SaveSnapshot(ctx context.Context, snapshot SnapshotRecord) error

	// LoadSnapshot returns the newest snapshot with Version <= maxVersion.
	// maxVersion <= 0 means no upper bound.
	// Returns nil, nil if no snapshot qualifies.
	LoadSnapshot(ctx context.Context, streamID string, maxVersion int64) (*SnapshotRecord, error)

	// DeleteSnapshots removes all snapshots of the stream.
	DeleteSnapshots(ctx context.Context, streamID string) error
}

// HealthChecker reports backend health.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// StreamLister is implemented by event logs that can enumerate their streams.
type StreamLister interface {
	// ListStreams returns the ids of the streams in category, sorted.
	ListStreams(ctx context.Context, category string) ([]string, error)
}

// Message is a notification about a committed event, addressed to an
// external destination such as "kafka:locations" or "sns:arn:...".
type Message struct {
	// ID is the stored event ID.
	ID string

	// AggregateID is the location the event belongs to.
	AggregateID string

	// EventType is the event type identifier.
	EventType string

	// Subject is the routing subject, e.g. "location.<id>.defined".
	Subject string

	// Version is the aggregate version produced by the event.
	Version int64

	// Destination is the publisher-prefixed target.
	Destination string

	// Payload is the serialized event envelope.
	Payload []byte

	// Headers carries string attributes for the transport.
	Headers map[string]string
}
