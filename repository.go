package locus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/singleflight"

	"github.com/AshkanYarmoradi/go-locus/adapters"
)

// DefaultSnapshotFrequency is the number of events between snapshots.
const DefaultSnapshotFrequency = 100

// StoreRetryPolicy bounds how often the repository retries an operation that
// failed with ErrStoreUnavailable.
type StoreRetryPolicy struct {
	// MaxAttempts includes the first try. Values below 1 mean a single try.
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultStoreRetryPolicy returns 4 attempts backing off from 50ms to 2s.
func DefaultStoreRetryPolicy() StoreRetryPolicy {
	return StoreRetryPolicy{
		MaxAttempts:     4,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

func (p StoreRetryPolicy) tries() uint {
	if p.MaxAttempts < 1 {
		return 1
	}
	return uint(p.MaxAttempts)
}

func (p StoreRetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Repository loads locations by folding their events over the latest
// snapshot and appends new events under optimistic concurrency.
type Repository struct {
	log       adapters.EventLog
	snapshots adapters.SnapshotAdapter
	frequency int64
	codec     SnapshotCodec
	codecs    map[string]SnapshotCodec
	async     bool
	registry  *EventRegistry
	retry     StoreRetryPolicy
	logger    Logger
	now       func() time.Time

	loads   singleflight.Group
	pending sync.WaitGroup
}

// RepositoryOption configures a Repository.
type RepositoryOption func(*Repository)

// WithSnapshots enables snapshotting every frequency events.
// A frequency below 1 uses DefaultSnapshotFrequency.
func WithSnapshots(store adapters.SnapshotAdapter, frequency int) RepositoryOption {
	return func(r *Repository) {
		r.snapshots = store
		if frequency < 1 {
			frequency = DefaultSnapshotFrequency
		}
		r.frequency = int64(frequency)
	}
}

// WithSnapshotCodec sets the codec new snapshots are written with. Snapshots
// written with any previously registered codec remain readable.
func WithSnapshotCodec(c SnapshotCodec) RepositoryOption {
	return func(r *Repository) {
		r.codec = c
		r.codecs[c.Name()] = c
	}
}

// WithAsyncSnapshots writes snapshots in the background. Close waits for
// pending writes.
func WithAsyncSnapshots() RepositoryOption {
	return func(r *Repository) {
		r.async = true
	}
}

// WithEventRegistry sets the registry used to encode and decode events.
func WithEventRegistry(reg *EventRegistry) RepositoryOption {
	return func(r *Repository) {
		r.registry = reg
	}
}

// WithStoreRetry sets the retry policy for store outages.
func WithStoreRetry(p StoreRetryPolicy) RepositoryOption {
	return func(r *Repository) {
		r.retry = p
	}
}

// WithRepositoryLogger sets the logger.
func WithRepositoryLogger(l Logger) RepositoryOption {
	return func(r *Repository) {
		r.logger = l
	}
}

// NewRepository creates a Repository over the given event log.
func NewRepository(log adapters.EventLog, opts ...RepositoryOption) *Repository {
	codec := NewJSONSnapshotCodec()
	r := &Repository{
		log:       log,
		frequency: DefaultSnapshotFrequency,
		codec:     codec,
		codecs:    map[string]SnapshotCodec{codec.Name(): codec},
		registry:  NewEventRegistry(),
		retry:     DefaultStoreRetryPolicy(),
		logger:    &noopLogger{},
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Registry returns the event registry.
func (r *Repository) Registry() *EventRegistry {
	return r.registry
}

// SnapshotFrequency returns the snapshot cadence, 0 if snapshots are disabled.
func (r *Repository) SnapshotFrequency() int64 {
	if r.snapshots == nil {
		return 0
	}
	return r.frequency
}

// Load returns the current state of a location. Concurrent loads of the same
// id share one read of the store.
func (r *Repository) Load(ctx context.Context, id string) (*Location, error) {
	if id == "" {
		return nil, NewValidationError("locationId", "must not be empty")
	}

	// The shared read must not fail because the first caller went away.
	ch := r.loads.DoChan(id, func() (interface{}, error) {
		return r.load(context.WithoutCancel(ctx), id, 0, true)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Location), nil
	}
}

// LoadLatest is Load without sharing: the read starts after the call.
func (r *Repository) LoadLatest(ctx context.Context, id string) (*Location, error) {
	if id == "" {
		return nil, NewValidationError("locationId", "must not be empty")
	}
	return r.load(ctx, id, 0, true)
}

// LoadAt returns the state of a location right after the given version.
func (r *Repository) LoadAt(ctx context.Context, id string, version int64) (*Location, error) {
	if id == "" {
		return nil, NewValidationError("locationId", "must not be empty")
	}
	if version < 1 {
		return nil, NewValidationError("version", "must be at least 1")
	}

	loc, err := r.load(ctx, id, version, true)
	if err != nil {
		return nil, err
	}
	if loc.Version() < version {
		return nil, NewValidationError("version",
			fmt.Sprintf("location %q has only %d events", id, loc.Version()))
	}
	return loc, nil
}

// load folds the events after the newest usable snapshot. A target of 0
// means the head of the stream.
func (r *Repository) load(ctx context.Context, id string, target int64, useSnapshot bool) (*Location, error) {
	var state *Location
	if useSnapshot {
		state = r.loadSnapshot(ctx, id, target)
	}

	var from int64
	if state != nil {
		from = state.Version()
	}

	var stored []adapters.StoredEvent
	err := r.withRetry(ctx, "load", func() error {
		var err error
		stored, err = r.log.Load(ctx, StreamID(id), from)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("locus: load %q: %w", id, err)
	}

	for _, se := range stored {
		if target > 0 && se.Version > target {
			break
		}

		rec, err := r.registry.DecodeStored(id, se)
		if err != nil {
			return nil, fmt.Errorf("locus: load %q at version %d: %w", id, se.Version, err)
		}

		next, err := Apply(state, rec.Event)
		if err != nil {
			return nil, fmt.Errorf("locus: replay %q at version %d: %w", id, se.Version, err)
		}
		if next.Version() != se.Version {
			return nil, fmt.Errorf("locus: replay %q: state version %d does not match stored version %d",
				id, next.Version(), se.Version)
		}
		state = next
	}

	if state == nil {
		return nil, NewNotFoundError(id)
	}
	return state, nil
}

// loadSnapshot returns the newest snapshot not above target, or nil. Any
// failure degrades to a full replay.
func (r *Repository) loadSnapshot(ctx context.Context, id string, target int64) *Location {
	if r.snapshots == nil {
		return nil
	}

	rec, err := r.snapshots.LoadSnapshot(ctx, StreamID(id), target)
	if err != nil {
		r.logger.Warn("Snapshot load failed, replaying from start", "locationId", id, "error", err)
		return nil
	}
	if rec == nil {
		return nil
	}

	codec, ok := r.codecs[rec.Encoding]
	if !ok {
		r.logger.Warn("Unknown snapshot encoding, replaying from start",
			"locationId", id, "encoding", rec.Encoding, "version", rec.Version)
		return nil
	}

	state, err := codec.Unmarshal(rec.Data)
	if err != nil {
		r.logger.Warn("Snapshot decode failed, replaying from start", "locationId", id, "error", err)
		return nil
	}

	loc, err := Snapshot{LocationID: id, Version: rec.Version, State: state, CreatedAt: rec.CreatedAt}.restore()
	if err != nil {
		r.logger.Warn("Snapshot rejected, replaying from start", "locationId", id, "error", err)
		return nil
	}
	return loc
}

// Save appends event to the location's stream if its head is at
// expectedVersion, and returns the new version. The event is applied to the
// head state first, so an event the location cannot take is rejected before
// anything is written. Once the append has been issued, cancelling ctx no
// longer aborts it.
func (r *Repository) Save(ctx context.Context, id string, expectedVersion int64, event Event) (int64, error) {
	if err := checkTarget(id, event); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	state, err := r.load(ctx, id, 0, true)
	switch {
	case errors.Is(err, ErrNotFound):
		state = nil
	case err != nil:
		return 0, err
	}

	var head int64
	if state != nil {
		head = state.Version()
	}
	if err := adapters.CheckVersion(StreamID(id), expectedVersion, head, state != nil); err != nil {
		return 0, err
	}

	next, _, err := r.commit(ctx, state, event)
	if err != nil {
		return 0, err
	}
	return next.Version(), nil
}

// Commit applies event to current and appends it, expecting the stream to be
// at current's version (or empty when current is nil). It returns the new
// state, which is also used for the snapshot when one is due.
func (r *Repository) Commit(ctx context.Context, current *Location, event Event) (*Location, error) {
	next, _, err := r.commit(ctx, current, event)
	return next, err
}

// commit is Commit that also returns the event as the log recorded it.
func (r *Repository) commit(ctx context.Context, current *Location, event Event) (*Location, RecordedEvent, error) {
	if event == nil {
		return nil, RecordedEvent{}, NewValidationError("event", "must not be nil")
	}
	event = normalized(event)

	next, err := Apply(current, event)
	if err != nil {
		return nil, RecordedEvent{}, err
	}

	expected := int64(NoStream)
	if current != nil {
		expected = current.Version()
	}

	stored, err := r.append(ctx, next.ID(), expected, event)
	if err != nil {
		return nil, RecordedEvent{}, err
	}
	if stored.Version != next.Version() {
		return nil, RecordedEvent{}, fmt.Errorf("locus: commit %q: store assigned version %d, expected %d",
			next.ID(), stored.Version, next.Version())
	}

	if r.snapshotDue(stored.Version) {
		r.snapshotAsync(ctx, next)
	}
	return next, RecordedEvent{
		Event:      event,
		Version:    stored.Version,
		ID:         stored.ID,
		RecordedAt: stored.Timestamp,
	}, nil
}

func checkTarget(id string, event Event) error {
	if id == "" {
		return NewValidationError("locationId", "must not be empty")
	}
	if event == nil {
		return NewValidationError("event", "must not be nil")
	}
	if event.AggregateID() != id {
		return NewValidationError("event",
			fmt.Sprintf("belongs to location %q, not %q", event.AggregateID(), id))
	}
	return nil
}

func (r *Repository) append(ctx context.Context, id string, expectedVersion int64, event Event) (adapters.StoredEvent, error) {
	if err := checkTarget(id, event); err != nil {
		return adapters.StoredEvent{}, err
	}

	record, err := r.registry.Encode(event, MetadataFromContext(ctx))
	if err != nil {
		return adapters.StoredEvent{}, err
	}

	if err := ctx.Err(); err != nil {
		return adapters.StoredEvent{}, err
	}
	appendCtx := context.WithoutCancel(ctx)

	var stored adapters.StoredEvent
	err = r.withRetry(appendCtx, "append", func() error {
		var err error
		stored, err = r.log.Append(appendCtx, StreamID(id), record, expectedVersion)
		return err
	})
	return stored, err
}

func (r *Repository) snapshotDue(version int64) bool {
	return r.snapshots != nil && r.frequency > 0 && version%r.frequency == 0
}

// snapshotAsync persists a snapshot of state.
func (r *Repository) snapshotAsync(ctx context.Context, state *Location) {
	ctx = context.WithoutCancel(ctx)
	write := func() {
		if err := r.writeSnapshot(ctx, state); err != nil {
			r.logger.Warn("Snapshot write failed", "locationId", state.ID(), "version", state.Version(), "error", err)
		}
	}

	if !r.async {
		write()
		return
	}

	r.pending.Add(1)
	go func() {
		defer r.pending.Done()
		write()
	}()
}

func (r *Repository) writeSnapshot(ctx context.Context, loc *Location) error {
	snap := snapshotOf(loc)
	data, err := r.codec.Marshal(snap.State)
	if err != nil {
		return err
	}
	return r.snapshots.SaveSnapshot(ctx, adapters.SnapshotRecord{
		StreamID:  StreamID(loc.ID()),
		Version:   snap.Version,
		Encoding:  r.codec.Name(),
		Data:      data,
		CreatedAt: r.now().UTC(),
	})
}

// RebuildSnapshot discards the snapshots of a location and writes a fresh
// one from a full replay.
func (r *Repository) RebuildSnapshot(ctx context.Context, id string) (Snapshot, error) {
	if r.snapshots == nil {
		return Snapshot{}, errors.New("locus: snapshots are not enabled")
	}

	loc, err := r.load(ctx, id, 0, false)
	if err != nil {
		return Snapshot{}, err
	}

	if err := r.snapshots.DeleteSnapshots(ctx, StreamID(id)); err != nil {
		return Snapshot{}, fmt.Errorf("locus: rebuild snapshot %q: %w", id, err)
	}
	if err := r.writeSnapshot(ctx, loc); err != nil {
		return Snapshot{}, fmt.Errorf("locus: rebuild snapshot %q: %w", id, err)
	}

	snap := snapshotOf(loc)
	snap.CreatedAt = r.now().UTC()
	return snap, nil
}

// History returns every recorded event of a location in version order.
func (r *Repository) History(ctx context.Context, id string) ([]RecordedEvent, error) {
	var stored []adapters.StoredEvent
	err := r.withRetry(ctx, "history", func() error {
		var err error
		stored, err = r.log.Load(ctx, StreamID(id), 0)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("locus: history %q: %w", id, err)
	}
	if len(stored) == 0 {
		return nil, NewNotFoundError(id)
	}

	events := make([]RecordedEvent, 0, len(stored))
	for _, se := range stored {
		rec, err := r.registry.DecodeStored(id, se)
		if err != nil {
			return nil, err
		}
		events = append(events, rec)
	}
	return events, nil
}

// Exists reports whether a location has any events.
func (r *Repository) Exists(ctx context.Context, id string) (bool, error) {
	var info *adapters.StreamInfo
	err := r.withRetry(ctx, "exists", func() error {
		var err error
		info, err = r.log.GetStreamInfo(ctx, StreamID(id))
		return err
	})
	if errors.Is(err, adapters.ErrStreamNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Version > 0, nil
}

// Close waits for background snapshot writes.
func (r *Repository) Close() error {
	r.pending.Wait()
	return nil
}

// withRetry runs op, retrying only ErrStoreUnavailable with exponential backoff.
func (r *Repository) withRetry(ctx context.Context, op string, fn func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if err := fn(); err != nil {
			if errors.Is(err, ErrStoreUnavailable) {
				return struct{}{}, err
			}
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(r.retry.backOff()),
		backoff.WithMaxTries(r.retry.tries()),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("Store unavailable, retrying", "op", op, "retryIn", next, "error", err)
		}),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

type metadataKey struct{}

// ContextWithMetadata attaches event metadata that Save records with the event.
func ContextWithMetadata(ctx context.Context, md adapters.Metadata) context.Context {
	return context.WithValue(ctx, metadataKey{}, md)
}

// MetadataFromContext returns the metadata attached by ContextWithMetadata.
func MetadataFromContext(ctx context.Context) adapters.Metadata {
	md, _ := ctx.Value(metadataKey{}).(adapters.Metadata)
	return md
}
