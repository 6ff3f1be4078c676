package locus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-locus"
	"github.com/AshkanYarmoradi/go-locus/adapters"
	"github.com/AshkanYarmoradi/go-locus/adapters/memory"
	"github.com/AshkanYarmoradi/go-locus/serializer/msgpack"
	"github.com/AshkanYarmoradi/go-locus/testing/testutil"
)

var fastRetry = locus.StoreRetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func history(id string) []locus.Event {
	return []locus.Event{
		testutil.LogicalDefined(id, "Region", ""),
		testutil.MetadataAdded(id, "owner", "ops"),
		testutil.Renamed(id, "Region", "North"),
	}
}

func TestRepository_Load(t *testing.T) {
	ctx := context.Background()
	repo := locus.NewRepository(memory.NewAdapter())
	require.NoError(t, testutil.Seed(ctx, repo, history("north")...))

	loc, err := repo.Load(ctx, "north")
	require.NoError(t, err)
	assert.Equal(t, int64(3), loc.Version())
	assert.Equal(t, "North", loc.Name())

	latest, err := repo.LoadLatest(ctx, "north")
	require.NoError(t, err)
	assert.Equal(t, loc.State(), latest.State())

	_, err = repo.Load(ctx, "south")
	assert.ErrorIs(t, err, locus.ErrNotFound)

	_, err = repo.Load(ctx, "")
	assert.ErrorIs(t, err, locus.ErrValidationFailed)
}

func TestRepository_LoadAt(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAdapter()
	repo := locus.NewRepository(store, locus.WithSnapshots(store, 2))
	require.NoError(t, testutil.Seed(ctx, repo, history("north")...))
	require.Equal(t, 1, store.SnapshotCount(locus.StreamID("north")))

	first, err := repo.LoadAt(ctx, "north", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.Version())
	assert.Equal(t, "Region", first.Name())
	_, ok := first.MetadataValue("owner")
	assert.False(t, ok)

	third, err := repo.LoadAt(ctx, "north", 3)
	require.NoError(t, err)
	assert.Equal(t, "North", third.Name())

	_, err = repo.LoadAt(ctx, "north", 0)
	assert.ErrorIs(t, err, locus.ErrValidationFailed)
	_, err = repo.LoadAt(ctx, "north", 4)
	assert.ErrorIs(t, err, locus.ErrValidationFailed)
	_, err = repo.LoadAt(ctx, "south", 1)
	assert.ErrorIs(t, err, locus.ErrNotFound)
}

func TestRepository_ConcurrentLoads(t *testing.T) {
	ctx := context.Background()
	repo := locus.NewRepository(memory.NewAdapter())
	require.NoError(t, testutil.Seed(ctx, repo, history("north")...))

	var wg sync.WaitGroup
	versions := make([]int64, 16)
	for i := range versions {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			loc, err := repo.Load(ctx, "north")
			if assert.NoError(t, err) {
				versions[i] = loc.Version()
			}
		}(i)
	}
	wg.Wait()

	for _, v := range versions {
		assert.Equal(t, int64(3), v)
	}
}

func TestRepository_Commit(t *testing.T) {
	ctx := context.Background()
	repo := locus.NewRepository(memory.NewAdapter())

	loc, err := repo.Commit(ctx, nil, testutil.LogicalDefined("a", "A", ""))
	require.NoError(t, err)
	assert.Equal(t, int64(1), loc.Version())

	next, err := repo.Commit(ctx, loc, testutil.MetadataAdded("a", "k", "v"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), next.Version())

	t.Run("stale state conflicts", func(t *testing.T) {
		_, err := repo.Commit(ctx, loc, testutil.MetadataAdded("a", "k", "w"))
		assert.ErrorIs(t, err, locus.ErrVersionConflict)
	})

	t.Run("second define conflicts", func(t *testing.T) {
		_, err := repo.Commit(ctx, nil, testutil.LogicalDefined("a", "A", ""))
		assert.ErrorIs(t, err, locus.ErrVersionConflict)
	})

	t.Run("rejected event is not stored", func(t *testing.T) {
		_, err := repo.Commit(ctx, next, testutil.ParentRemoved("a", ""))
		assert.ErrorIs(t, err, locus.ErrNoOpRejected)

		current, err := repo.LoadLatest(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, int64(2), current.Version())
	})
}

func TestRepository_Save(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAdapter()
	repo := locus.NewRepository(store)

	v, err := repo.Save(ctx, "a", locus.NoStream, testutil.LogicalDefined("a", "A", ""))
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)

	_, err = repo.Save(ctx, "a", locus.NoStream, testutil.MetadataAdded("a", "k", "v"))
	assert.ErrorIs(t, err, locus.ErrVersionConflict)

	_, err = repo.Save(ctx, "a", 1, testutil.MetadataAdded("b", "k", "v"))
	assert.ErrorIs(t, err, locus.ErrValidationFailed)

	md := adapters.Metadata{CorrelationID: "corr-1", UserID: "alice"}
	v, err = repo.Save(locus.ContextWithMetadata(ctx, md), "a", 1, testutil.MetadataAdded("a", "k", "v"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	stored, err := store.Load(ctx, locus.StreamID("a"), 1)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, md, stored[0].Metadata)
	assert.Equal(t, locus.EventLocationMetadataAdded, stored[0].Type)

	v, err = repo.Save(ctx, "a", locus.AnyVersion, testutil.MetadataAdded("a", "k", "w"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}

func TestRepository_SaveRejectsEventsTheLocationCannotTake(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAdapter()
	repo := locus.NewRepository(store)

	_, err := repo.Save(ctx, "a", locus.NoStream, testutil.LogicalDefined("a", "A", ""))
	require.NoError(t, err)
	_, err = repo.Save(ctx, "a", 1, testutil.Archived("a"))
	require.NoError(t, err)

	tests := []struct {
		name     string
		expected int64
		event    locus.Event
		want     error
	}{
		{"after archival", 2, testutil.MetadataAdded("a", "k", "v"), locus.ErrTerminalStateViolation},
		{"after archival, any version", locus.AnyVersion, testutil.Renamed("a", "A", "B"), locus.ErrTerminalStateViolation},
		{"archived twice", 2, testutil.Archived("a"), locus.ErrAlreadyArchived},
		{"second define", locus.AnyVersion, testutil.LogicalDefined("a", "A", ""), locus.ErrOutOfSequence},
		{"first event is not a define", locus.NoStream, testutil.MetadataAdded("b", "k", "v"), locus.ErrOutOfSequence},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.event.AggregateID()
			_, err := repo.Save(ctx, id, tt.expected, tt.event)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	stored, err := store.Load(ctx, locus.StreamID("a"), 0)
	require.NoError(t, err)
	assert.Len(t, stored, 2)

	loc, err := repo.Load(ctx, "a")
	require.NoError(t, err)
	assert.True(t, loc.Archived())
	assert.Equal(t, int64(2), loc.Version())

	exists, err := repo.Exists(ctx, "b")
	require.NoError(t, err)
	assert.False(t, exists)
}

// microsecondLog keeps event times the way a TIMESTAMPTZ column does:
// microsecond precision, read back in local time.
type microsecondLog struct {
	adapters.EventLog
}

func (l microsecondLog) Append(ctx context.Context, streamID string, event adapters.EventRecord, expectedVersion int64) (adapters.StoredEvent, error) {
	event.OccurredAt = event.OccurredAt.Truncate(time.Microsecond)
	return l.EventLog.Append(ctx, streamID, event, expectedVersion)
}

func (l microsecondLog) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	events, err := l.EventLog.Load(ctx, streamID, fromVersion)
	for i := range events {
		events[i].OccurredAt = events[i].OccurredAt.Truncate(time.Microsecond).In(time.FixedZone("CEST", 2*60*60))
	}
	return events, err
}

func TestRepository_SnapshotMatchesReplayOnCoarseClocks(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAdapter()
	log := microsecondLog{EventLog: store}

	for _, codec := range []locus.SnapshotCodec{locus.NewJSONSnapshotCodec(), msgpack.NewCodec()} {
		t.Run(codec.Name(), func(t *testing.T) {
			id := "north-" + codec.Name()
			repo := locus.NewRepository(log, locus.WithSnapshots(store, 2), locus.WithSnapshotCodec(codec))

			at := time.Date(2025, 6, 1, 10, 15, 8, 747082134, time.FixedZone("EDT", -4*60*60))
			loc, err := repo.Commit(ctx, nil, locus.LocationDefined{
				EventHeader:  locus.Header(id, at),
				Name:         "North",
				LocationType: locus.Logical,
			})
			require.NoError(t, err)
			loc, err = repo.Commit(ctx, loc, locus.LocationMetadataAdded{
				EventHeader: locus.EventHeader{LocationID: id, At: at.Add(999 * time.Nanosecond)},
				Key:         "owner",
				Value:       "ops",
			})
			require.NoError(t, err)
			require.Equal(t, 1, store.SnapshotCount(locus.StreamID(id)))

			withSnapshot, err := repo.LoadLatest(ctx, id)
			require.NoError(t, err)
			replayed, err := locus.NewRepository(log).LoadLatest(ctx, id)
			require.NoError(t, err)

			assert.Equal(t, replayed.State(), withSnapshot.State())
			assert.Equal(t, loc.State(), replayed.State())
			assert.Equal(t, locus.EventTime(at), replayed.CreatedAt())
			assert.Equal(t, locus.EventTime(at.Add(999*time.Nanosecond)), replayed.UpdatedAt())
			assert.Equal(t, time.UTC, replayed.CreatedAt().Location())
		})
	}
}

func TestRepository_SnapshotFrequency(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAdapter(memory.WithSnapshotRetention(0))
	repo := locus.NewRepository(store, locus.WithSnapshots(store, 2))
	assert.Equal(t, int64(2), repo.SnapshotFrequency())
	assert.Equal(t, int64(0), locus.NewRepository(store).SnapshotFrequency())

	loc, err := repo.Commit(ctx, nil, testutil.LogicalDefined("a", "A", ""))
	require.NoError(t, err)
	for i, v := range []string{"1", "2", "3", "4"} {
		loc, err = repo.Commit(ctx, loc, testutil.MetadataAdded("a", "k", v))
		require.NoError(t, err, "commit %d", i)
	}

	assert.Equal(t, 2, store.SnapshotCount(locus.StreamID("a")))
	snap, err := store.LoadSnapshot(ctx, locus.StreamID("a"), 0)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(4), snap.Version)
	assert.Equal(t, "json", snap.Encoding)

	fromSnapshot, err := repo.LoadLatest(ctx, "a")
	require.NoError(t, err)
	fromEvents, err := locus.NewRepository(store).LoadLatest(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, fromEvents.State(), fromSnapshot.State())
}

func TestRepository_DefaultSnapshotFrequency(t *testing.T) {
	store := memory.NewAdapter()
	repo := locus.NewRepository(store, locus.WithSnapshots(store, 0))
	assert.Equal(t, int64(locus.DefaultSnapshotFrequency), repo.SnapshotFrequency())
}

func TestRepository_BadSnapshotFallsBackToReplay(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAdapter()
	repo := locus.NewRepository(store, locus.WithSnapshots(store, 100))
	require.NoError(t, testutil.Seed(ctx, repo, history("north")...))

	for _, rec := range []adapters.SnapshotRecord{
		{StreamID: locus.StreamID("north"), Version: 3, Encoding: "xml", Data: []byte("<state/>")},
		{StreamID: locus.StreamID("north"), Version: 3, Encoding: "json", Data: []byte("{")},
		{StreamID: locus.StreamID("north"), Version: 3, Encoding: "json", Data: []byte(`{"id":"north","version":2,"name":"Forged","locationType":"Logical"}`)},
	} {
		require.NoError(t, store.SaveSnapshot(ctx, rec))

		loc, err := repo.LoadLatest(ctx, "north")
		require.NoError(t, err, rec.Encoding)
		assert.Equal(t, "North", loc.Name())
		assert.Equal(t, int64(3), loc.Version())
	}
}

func TestRepository_AsyncSnapshots(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAdapter()
	repo := locus.NewRepository(store, locus.WithSnapshots(store, 1), locus.WithAsyncSnapshots())

	_, err := repo.Commit(ctx, nil, testutil.LogicalDefined("a", "A", ""))
	require.NoError(t, err)
	require.NoError(t, repo.Close())

	assert.Equal(t, 1, store.SnapshotCount(locus.StreamID("a")))
}

func TestRepository_MsgpackSnapshots(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAdapter()
	repo := locus.NewRepository(store,
		locus.WithSnapshots(store, 2),
		locus.WithSnapshotCodec(msgpack.NewCodec()),
	)
	require.NoError(t, testutil.Seed(ctx, repo, history("north")[:2]...))

	snap, err := store.LoadSnapshot(ctx, locus.StreamID("north"), 0)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, msgpack.Name, snap.Encoding)

	loc, err := repo.LoadLatest(ctx, "north")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loc.Version())
	owner, _ := loc.MetadataValue("owner")
	assert.Equal(t, "ops", owner)

	// A repository that does not know the encoding replays instead.
	jsonOnly := locus.NewRepository(store, locus.WithSnapshots(store, 2))
	loc, err = jsonOnly.LoadLatest(ctx, "north")
	require.NoError(t, err)
	assert.Equal(t, int64(2), loc.Version())
}

func TestRepository_StoreRetry(t *testing.T) {
	ctx := context.Background()
	flaky := testutil.NewFlakyEventLog(memory.NewAdapter())
	repo := locus.NewRepository(flaky, locus.WithStoreRetry(fastRetry))

	flaky.FailAppends(2)
	_, err := repo.Save(ctx, "a", locus.NoStream, testutil.LogicalDefined("a", "A", ""))
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.AppendCalls())

	loads := flaky.LoadCalls()
	flaky.FailLoads(2)
	loc, err := repo.LoadLatest(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loc.Version())
	assert.Equal(t, loads+3, flaky.LoadCalls())

	t.Run("exhausted", func(t *testing.T) {
		flaky.FailLoads(3)
		_, err := repo.LoadLatest(ctx, "a")
		assert.ErrorIs(t, err, locus.ErrStoreUnavailable)
		assert.True(t, locus.IsRetryable(err))
	})

	t.Run("conflicts are not retried", func(t *testing.T) {
		before := flaky.AppendCalls()
		flaky.ConflictAppends(1)
		_, err := repo.Save(ctx, "a", 1, testutil.MetadataAdded("a", "k", "v"))
		assert.ErrorIs(t, err, locus.ErrVersionConflict)
		assert.Equal(t, before+1, flaky.AppendCalls())
	})
}

func TestRepository_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	repo := locus.NewRepository(memory.NewAdapter())
	_, err := repo.Save(ctx, "a", locus.NoStream, testutil.LogicalDefined("a", "A", ""))
	assert.ErrorIs(t, err, context.Canceled)

	exists, err := repo.Exists(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRepository_RebuildSnapshot(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAdapter()
	repo := locus.NewRepository(store, locus.WithSnapshots(store, 100))
	require.NoError(t, testutil.Seed(ctx, repo, history("north")...))

	snap, err := repo.RebuildSnapshot(ctx, "north")
	require.NoError(t, err)
	assert.Equal(t, "north", snap.LocationID)
	assert.Equal(t, int64(3), snap.Version)
	assert.Equal(t, "North", snap.State.Name)
	assert.False(t, snap.CreatedAt.IsZero())
	assert.Equal(t, 1, store.SnapshotCount(locus.StreamID("north")))

	_, err = repo.RebuildSnapshot(ctx, "south")
	assert.ErrorIs(t, err, locus.ErrNotFound)

	_, err = locus.NewRepository(store).RebuildSnapshot(ctx, "north")
	assert.Error(t, err)
}

func TestRepository_History(t *testing.T) {
	ctx := context.Background()
	repo := locus.NewRepository(memory.NewAdapter())
	require.NoError(t, testutil.Seed(ctx, repo, history("north")...))

	events, err := repo.History(ctx, "north")
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, rec := range events {
		assert.Equal(t, int64(i+1), rec.Version)
		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, "north", rec.Event.AggregateID())
	}
	assert.Equal(t, locus.EventLocationUpdated, events[2].Event.EventType())

	_, err = repo.History(ctx, "south")
	assert.ErrorIs(t, err, locus.ErrNotFound)
}

func TestRepository_Exists(t *testing.T) {
	ctx := context.Background()
	repo := locus.NewRepository(memory.NewAdapter())
	require.NoError(t, testutil.Seed(ctx, repo, testutil.LogicalDefined("a", "A", "")))

	ok, err := repo.Exists(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Exists(ctx, "b")
	require.NoError(t, err)
	assert.False(t, ok)
}
