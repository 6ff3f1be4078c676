// Package memory provides an in-memory event log and snapshot store.
// It is intended for tests, local development and the CLI "memory" driver.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-locus/adapters"
	"github.com/google/uuid"
)

// Version constants re-exported for convenience.
const (
	AnyVersion   = adapters.AnyVersion
	NoStream     = adapters.NoStream
	StreamExists = adapters.StreamExists
)

var (
	_ adapters.EventLog        = (*MemoryAdapter)(nil)
	_ adapters.SnapshotAdapter = (*MemoryAdapter)(nil)
	_ adapters.HealthChecker   = (*MemoryAdapter)(nil)
	_ adapters.StreamLister    = (*MemoryAdapter)(nil)
)

// MemoryAdapter is a thread-safe in-memory EventLog and SnapshotAdapter.
type MemoryAdapter struct {
	mu             sync.RWMutex
	streams        map[string]*streamData
	globalPosition uint64
	snapshots      map[string][]adapters.SnapshotRecord
	keepSnapshots  int
	now            func() time.Time
	closed         bool
}

type streamData struct {
	info   adapters.StreamInfo
	events []adapters.StoredEvent
}

// Option configures a MemoryAdapter.
type Option func(*MemoryAdapter)

// WithSnapshotRetention keeps at most n snapshots per stream (newest first).
// n <= 0 keeps all of them.
func WithSnapshotRetention(n int) Option {
	return func(a *MemoryAdapter) {
		a.keepSnapshots = n
	}
}

// WithClock overrides the clock used for storage timestamps.
func WithClock(now func() time.Time) Option {
	return func(a *MemoryAdapter) {
		a.now = now
	}
}

// NewAdapter creates a new in-memory adapter.
func NewAdapter(opts ...Option) *MemoryAdapter {
	adapter := &MemoryAdapter{
		streams:       make(map[string]*streamData),
		snapshots:     make(map[string][]adapters.SnapshotRecord),
		keepSnapshots: 3,
		now:           time.Now,
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// Initialize is a no-op for the memory adapter.
func (a *MemoryAdapter) Initialize(ctx context.Context) error {
	return nil
}

// Append stores one event with optimistic concurrency control.
func (a *MemoryAdapter) Append(ctx context.Context, streamID string, event adapters.EventRecord, expectedVersion int64) (adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return adapters.StoredEvent{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.StoredEvent{}, adapters.ErrAdapterClosed
	}

	if streamID == "" {
		return adapters.StoredEvent{}, adapters.ErrEmptyStreamID
	}

	stream, exists := a.streams[streamID]
	currentVersion := int64(0)
	if exists {
		currentVersion = stream.info.Version
	}

	if err := adapters.CheckVersion(streamID, expectedVersion, currentVersion, exists); err != nil {
		return adapters.StoredEvent{}, err
	}

	now := a.now()
	if !exists {
		stream = &streamData{
			info: adapters.StreamInfo{
				StreamID:  streamID,
				Category:  adapters.ExtractCategory(streamID),
				CreatedAt: now,
			},
		}
		a.streams[streamID] = stream
	}

	a.globalPosition++
	stored := adapters.StoredEvent{
		ID:             uuid.New().String(),
		StreamID:       streamID,
		Type:           event.Type,
		SchemaVersion:  event.SchemaVersion,
		Data:           append([]byte(nil), event.Data...),
		Metadata:       event.Metadata,
		Version:        currentVersion + 1,
		GlobalPosition: a.globalPosition,
		OccurredAt:     event.OccurredAt,
		Timestamp:      now,
	}

	stream.events = append(stream.events, stored)
	stream.info.Version = stored.Version
	stream.info.UpdatedAt = now

	return stored, nil
}

// Load returns the events of a stream with Version > fromVersion.
func (a *MemoryAdapter) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	if streamID == "" {
		return nil, adapters.ErrEmptyStreamID
	}

	stream, exists := a.streams[streamID]
	if !exists {
		return []adapters.StoredEvent{}, nil
	}

	events := make([]adapters.StoredEvent, 0, len(stream.events))
	for _, event := range stream.events {
		if event.Version > fromVersion {
			events = append(events, event)
		}
	}

	return events, nil
}

// GetStreamInfo returns metadata about a stream.
func (a *MemoryAdapter) GetStreamInfo(ctx context.Context, streamID string) (*adapters.StreamInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	stream, exists := a.streams[streamID]
	if !exists {
		return nil, adapters.NewStreamNotFoundError(streamID)
	}

	info := stream.info
	return &info, nil
}

// ListStreams returns the ids of the streams in category, sorted.
func (a *MemoryAdapter) ListStreams(ctx context.Context, category string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	ids := make([]string, 0, len(a.streams))
	for id, stream := range a.streams {
		if stream.info.Category == category {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// SaveSnapshot stores a snapshot, replacing one at the same version.
func (a *MemoryAdapter) SaveSnapshot(ctx context.Context, snapshot adapters.SnapshotRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}

	if snapshot.StreamID == "" {
		return adapters.ErrEmptyStreamID
	}

	if snapshot.CreatedAt.IsZero() {
		snapshot.CreatedAt = a.now()
	}
	snapshot.Data = append([]byte(nil), snapshot.Data...)

	list := a.snapshots[snapshot.StreamID]
	replaced := false
	for i := range list {
		if list[i].Version == snapshot.Version {
			list[i] = snapshot
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, snapshot)
	}

	// newest first
	sort.Slice(list, func(i, j int) bool { return list[i].Version > list[j].Version })
	if a.keepSnapshots > 0 && len(list) > a.keepSnapshots {
		list = list[:a.keepSnapshots]
	}
	a.snapshots[snapshot.StreamID] = list

	return nil
}

// LoadSnapshot returns the newest snapshot with Version <= maxVersion.
func (a *MemoryAdapter) LoadSnapshot(ctx context.Context, streamID string, maxVersion int64) (*adapters.SnapshotRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return nil, adapters.ErrAdapterClosed
	}

	for _, snapshot := range a.snapshots[streamID] {
		if maxVersion <= 0 || snapshot.Version <= maxVersion {
			out := snapshot
			out.Data = append([]byte(nil), snapshot.Data...)
			return &out, nil
		}
	}

	return nil, nil
}

// DeleteSnapshots removes all snapshots of the stream.
func (a *MemoryAdapter) DeleteSnapshots(ctx context.Context, streamID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}

	delete(a.snapshots, streamID)
	return nil
}

// Ping checks if the adapter is usable.
func (a *MemoryAdapter) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		return adapters.ErrAdapterClosed
	}

	return nil
}

// Close marks the adapter closed.
func (a *MemoryAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closed = true
	return nil
}

// Reset clears all data. Useful for testing.
func (a *MemoryAdapter) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.streams = make(map[string]*streamData)
	a.snapshots = make(map[string][]adapters.SnapshotRecord)
	a.globalPosition = 0
}

// EventCount returns the total number of events stored.
func (a *MemoryAdapter) EventCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return int(a.globalPosition)
}

// StreamCount returns the number of streams.
func (a *MemoryAdapter) StreamCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.streams)
}

// SnapshotCount returns the number of snapshots kept for a stream.
func (a *MemoryAdapter) SnapshotCount(streamID string) int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.snapshots[streamID])
}
