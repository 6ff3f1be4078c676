package locus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-locus"
	"github.com/AshkanYarmoradi/go-locus/adapters"
	"github.com/AshkanYarmoradi/go-locus/adapters/memory"
	"github.com/AshkanYarmoradi/go-locus/testing/assertions"
	"github.com/AshkanYarmoradi/go-locus/testing/bdd"
	"github.com/AshkanYarmoradi/go-locus/testing/testutil"
)

func ptr(s string) *string { return &s }

type recordingHandlerObserver struct {
	mu          sync.Mutex
	retried     []int
	exhausted   int
	compensated map[string]bool
}

func (o *recordingHandlerObserver) ConflictRetried(_ string, attempt int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retried = append(o.retried, attempt)
}

func (o *recordingHandlerObserver) RetriesExhausted(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.exhausted++
}

func (o *recordingHandlerObserver) CycleCompensated(id string, ok bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.compensated == nil {
		o.compensated = make(map[string]bool)
	}
	o.compensated[id] = ok
}

func TestDefineLocation(t *testing.T) {
	t.Run("physical", func(t *testing.T) {
		bdd.Given(t).
			When(locus.DefineLocation{LocationID: "hq", Name: "HQ", LocationType: locus.Physical, Address: testutil.Address()}).
			Then(locus.LocationDefined{
				EventHeader:  locus.Header("hq", testutil.Epoch),
				Name:         "HQ",
				LocationType: locus.Physical,
				Address:      testutil.Address(),
			}).
			ThenVersion(1).
			ThenState("hq", func(loc *locus.Location) {
				assert.Equal(t, testutil.Epoch, loc.CreatedAt())
				assert.False(t, loc.Archived())
			})
	})

	t.Run("under a parent", func(t *testing.T) {
		bdd.Given(t, testutil.LogicalDefined("emea", "EMEA", "")).
			When(locus.DefineLocation{LocationID: "ams", Name: "Amsterdam", LocationType: locus.Logical, ParentID: "emea"}).
			Then(locus.LocationDefined{EventHeader: locus.Header("ams", testutil.Epoch), Name: "Amsterdam", LocationType: locus.Logical, ParentID: "emea"})
	})

	t.Run("already exists", func(t *testing.T) {
		bdd.Given(t, testutil.LogicalDefined("emea", "EMEA", "")).
			When(locus.DefineLocation{LocationID: "emea", Name: "EMEA", LocationType: locus.Logical}).
			ThenError(locus.ErrAlreadyExists)
	})

	t.Run("unknown parent", func(t *testing.T) {
		bdd.Given(t).
			When(locus.DefineLocation{LocationID: "ams", Name: "Amsterdam", LocationType: locus.Logical, ParentID: "emea"}).
			ThenError(locus.ErrNotFound)
	})

	t.Run("parent already points at the new id", func(t *testing.T) {
		bdd.Given(t, testutil.LogicalDefined("a", "A", "n")).
			When(locus.DefineLocation{LocationID: "n", Name: "N", LocationType: locus.Logical, ParentID: "a"}).
			ThenError(locus.ErrCycleDetected)
	})

	t.Run("invalid site", func(t *testing.T) {
		bdd.Given(t).
			When(locus.DefineLocation{LocationID: "web", Name: "Web", LocationType: locus.Virtual}).
			ThenError(locus.ErrInvalidFieldForType)
	})

	t.Run("generated id", func(t *testing.T) {
		s := bdd.Given(t).
			WithHandlerOptions(locus.WithIDGenerator(func() string { return "gen-1" })).
			When(locus.DefineLocation{Name: "Shop", LocationType: locus.Virtual, VirtualLocation: testutil.Website()}).
			ThenVersion(1)
		result, err := s.Result()
		require.NoError(t, err)
		assert.Equal(t, "gen-1", result.AggregateID)
	})

	t.Run("default generated id is a uuid", func(t *testing.T) {
		result, err := bdd.Given(t).
			When(locus.DefineLocation{Name: "Shop", LocationType: locus.Virtual, VirtualLocation: testutil.Website()}).
			Result()
		require.NoError(t, err)
		assert.Len(t, result.AggregateID, 36)
	})
}

func TestUpdateLocation(t *testing.T) {
	t.Run("rename", func(t *testing.T) {
		bdd.Given(t, testutil.PhysicalDefined("depot", "Depot")).
			When(locus.UpdateLocation{LocationID: "depot", Name: ptr("Main depot")}).
			Then(locus.LocationUpdated{
				EventHeader: locus.Header("depot", testutil.Epoch),
				Patch:       locus.LocationPatch{Name: ptr("Main depot")},
				Previous:    locus.LocationPatch{Name: ptr("Depot")},
			}).
			ThenVersion(2)
	})

	t.Run("same values", func(t *testing.T) {
		bdd.Given(t, testutil.PhysicalDefined("depot", "Depot")).
			When(locus.UpdateLocation{LocationID: "depot", Name: ptr("Depot"), Address: testutil.Address()}).
			ThenError(locus.ErrNoOpRejected)
	})

	t.Run("address on a virtual location", func(t *testing.T) {
		bdd.Given(t, testutil.VirtualDefined("shop", "Shop")).
			When(locus.UpdateLocation{LocationID: "shop", Address: testutil.Address()}).
			ThenError(locus.ErrInvalidFieldForType)
	})

	t.Run("missing", func(t *testing.T) {
		bdd.Given(t).
			When(locus.UpdateLocation{LocationID: "depot", Name: ptr("x")}).
			ThenError(locus.ErrNotFound)
	})
}

func TestSetParentLocation(t *testing.T) {
	given := append(testutil.Chain("a", "b", "c"), testutil.LogicalDefined("x", "X", ""))

	t.Run("move", func(t *testing.T) {
		bdd.Given(t, given...).
			When(locus.SetParentLocation{LocationID: "b", ParentID: "x"}).
			Then(locus.ParentLocationSet{EventHeader: locus.Header("b", testutil.Epoch), ParentID: "x", PreviousParentID: "a"}).
			ThenVersion(2).
			ThenState("b", func(loc *locus.Location) {
				parent, _ := loc.ParentID()
				assert.Equal(t, "x", parent)
			})
	})

	t.Run("cycle", func(t *testing.T) {
		bdd.Given(t, given...).
			When(locus.SetParentLocation{LocationID: "a", ParentID: "c"}).
			ThenError(locus.ErrCycleDetected).
			ThenState("a", func(loc *locus.Location) {
				assert.Equal(t, int64(1), loc.Version())
			})
	})

	t.Run("own parent", func(t *testing.T) {
		bdd.Given(t, given...).
			When(locus.SetParentLocation{LocationID: "a", ParentID: "a"}).
			ThenError(locus.ErrValidationFailed)
	})

	t.Run("same parent", func(t *testing.T) {
		bdd.Given(t, given...).
			When(locus.SetParentLocation{LocationID: "b", ParentID: "a"}).
			ThenError(locus.ErrNoOpRejected)
	})

	t.Run("too deep", func(t *testing.T) {
		bdd.Given(t, given...).
			When(locus.SetParentLocation{LocationID: "x", ParentID: "c"}).
			ThenVersion(2)

		s := bdd.Given(t, given...)
		s.WithHandlerOptions(locus.WithHierarchyGuard(locus.NewHierarchyGuard(s.Repository(), locus.WithMaxDepth(2)))).
			When(locus.SetParentLocation{LocationID: "x", ParentID: "c"}).
			ThenError(locus.ErrHierarchyDepthExceeded)
	})

	t.Run("archived child", func(t *testing.T) {
		bdd.Given(t, append(given, testutil.Archived("c"))...).
			When(locus.SetParentLocation{LocationID: "c", ParentID: "x"}).
			ThenError(locus.ErrTerminalStateViolation)
	})

	t.Run("archived parent", func(t *testing.T) {
		bdd.Given(t, append(given, testutil.Archived("x"))...).
			When(locus.SetParentLocation{LocationID: "c", ParentID: "x"}).
			ThenError(locus.ErrValidationFailed)
	})
}

func TestRemoveParentLocation(t *testing.T) {
	bdd.Given(t, testutil.Chain("a", "b")...).
		When(locus.RemoveParentLocation{LocationID: "b", Reason: "reorg"}).
		Then(locus.ParentLocationRemoved{EventHeader: locus.Header("b", testutil.Epoch), PreviousParentID: "a", Reason: "reorg"})

	bdd.Given(t, testutil.Chain("a")...).
		When(locus.RemoveParentLocation{LocationID: "a"}).
		ThenError(locus.ErrNoOpRejected)
}

func TestAddLocationMetadata(t *testing.T) {
	given := []locus.Event{testutil.PhysicalDefined("depot", "Depot"), testutil.MetadataAdded("depot", "dock", "4")}

	bdd.Given(t, given...).
		When(locus.AddLocationMetadata{LocationID: "depot", Key: "dock", Value: "5"}).
		Then(locus.LocationMetadataAdded{EventHeader: locus.Header("depot", testutil.Epoch), Key: "dock", Value: "5", PreviousValue: ptr("4")}).
		ThenVersion(3)

	bdd.Given(t, given...).
		When(locus.AddLocationMetadata{LocationID: "depot", Key: "gate", Value: "B"}).
		Then(locus.LocationMetadataAdded{EventHeader: locus.Header("depot", testutil.Epoch), Key: "gate", Value: "B"})

	bdd.Given(t, given...).
		When(locus.AddLocationMetadata{LocationID: "depot", Key: "dock", Value: "4"}).
		ThenError(locus.ErrNoOpRejected)
}

func TestArchiveLocation(t *testing.T) {
	bdd.Given(t, testutil.PhysicalDefined("depot", "Depot")).
		When(locus.ArchiveLocation{LocationID: "depot", Reason: "closed"}).
		Then(locus.LocationArchived{EventHeader: locus.Header("depot", testutil.Epoch), Name: "Depot", LocationType: locus.Physical, Reason: "closed"}).
		ThenState("depot", func(loc *locus.Location) {
			assert.True(t, loc.Archived())
		})

	bdd.Given(t, testutil.PhysicalDefined("depot", "Depot"), testutil.Archived("depot")).
		When(locus.ArchiveLocation{LocationID: "depot"}).
		ThenError(locus.ErrAlreadyArchived)

	bdd.Given(t, testutil.PhysicalDefined("depot", "Depot"), testutil.Archived("depot")).
		When(locus.AddLocationMetadata{LocationID: "depot", Key: "k", Value: "v"}).
		ThenError(locus.ErrTerminalStateViolation)
}

func TestHandler_RetriesVersionConflicts(t *testing.T) {
	ctx := context.Background()
	flaky := testutil.NewFlakyEventLog(memory.NewAdapter())
	repo := locus.NewRepository(flaky)
	require.NoError(t, testutil.Seed(ctx, repo, testutil.LogicalDefined("a", "A", "")))

	obs := &recordingHandlerObserver{}
	h := locus.NewLocationHandler(repo, locus.WithHandlerObserver(obs))

	before := flaky.AppendCalls()
	flaky.ConflictAppends(2)
	result, err := h.Handle(ctx, locus.AddLocationMetadata{LocationID: "a", Key: "k", Value: "v"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Version)
	assert.Equal(t, before+3, flaky.AppendCalls())
	assert.Equal(t, []int{1, 2}, obs.retried)
	assert.Zero(t, obs.exhausted)
}

func TestHandler_RetriesAfterConcurrentUpdate(t *testing.T) {
	ctx := context.Background()
	flaky := testutil.NewFlakyEventLog(memory.NewAdapter())
	repo := locus.NewRepository(flaky)
	require.NoError(t, testutil.Seed(ctx, repo,
		testutil.PhysicalDefined("depot", "Depot"),
		testutil.MetadataAdded("depot", "dock", "1"),
		testutil.MetadataAdded("depot", "dock", "2"),
		testutil.MetadataAdded("depot", "dock", "3"),
		testutil.MetadataAdded("depot", "dock", "4"),
	))

	obs := &recordingHandlerObserver{}
	h := locus.NewLocationHandler(repo, locus.WithHandlerObserver(obs))

	// Another writer renames the depot after this command loaded version 5.
	flaky.BeforeNextAppend(testutil.Interleave(repo.Registry(), testutil.Renamed("depot", "Depot", "North depot")))

	coords := &locus.GeoCoordinates{Latitude: 51.95, Longitude: 4.14, CoordinateSystem: "WGS84"}
	result, err := h.Handle(ctx, locus.UpdateLocation{LocationID: "depot", Coordinates: coords})
	require.NoError(t, err)
	assert.Equal(t, int64(7), result.Version)
	assert.Equal(t, []int{1}, obs.retried)

	loc, err := repo.LoadLatest(ctx, "depot")
	require.NoError(t, err)
	assert.Equal(t, int64(7), loc.Version())
	assert.Equal(t, "North depot", loc.Name())
	assert.Equal(t, coords, locus.Fields(loc.Site()).Coordinates)

	events, err := repo.History(ctx, "depot")
	require.NoError(t, err)
	assertions.AssertContiguous(t, events)
	assertions.AssertEventAt(t, events, 5, locus.LocationUpdated{
		EventHeader: locus.Header("depot", testutil.Epoch),
		Patch:       locus.LocationPatch{Name: ptr("North depot")},
		Previous:    locus.LocationPatch{Name: ptr("Depot")},
	})
	assertions.AssertLastEvent(t, events, locus.LocationUpdated{
		EventHeader: locus.Header("depot", testutil.Epoch),
		Patch:       locus.LocationPatch{Coordinates: coords},
		Previous:    locus.LocationPatch{Coordinates: testutil.Coordinates()},
	})
}

func TestHandler_ConcurrencyExhausted(t *testing.T) {
	ctx := context.Background()
	flaky := testutil.NewFlakyEventLog(memory.NewAdapter())
	repo := locus.NewRepository(flaky)
	require.NoError(t, testutil.Seed(ctx, repo, testutil.LogicalDefined("a", "A", "")))

	obs := &recordingHandlerObserver{}
	h := locus.NewLocationHandler(repo, locus.WithConflictRetries(2), locus.WithHandlerObserver(obs))

	flaky.ConflictAppends(10)
	result, err := h.Handle(ctx, locus.AddLocationMetadata{LocationID: "a", Key: "k", Value: "v"})
	require.ErrorIs(t, err, locus.ErrConcurrencyExhausted)
	assert.ErrorIs(t, err, locus.ErrVersionConflict)
	assert.ErrorIs(t, result.Error, locus.ErrConcurrencyExhausted)
	assert.False(t, result.IsSuccess())

	var exhausted *locus.ConcurrencyExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, "a", exhausted.LocationID)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.Equal(t, 1, obs.exhausted)
	assert.Equal(t, []int{1, 2}, obs.retried)
}

func TestHandler_StoreOutageIsNotAConflict(t *testing.T) {
	ctx := context.Background()
	flaky := testutil.NewFlakyEventLog(memory.NewAdapter())
	repo := locus.NewRepository(flaky, locus.WithStoreRetry(fastRetry))
	require.NoError(t, testutil.Seed(ctx, repo, testutil.LogicalDefined("a", "A", "")))

	h := locus.NewLocationHandler(repo)
	flaky.FailLoads(5)
	_, err := h.Handle(ctx, locus.ArchiveLocation{LocationID: "a"})
	assert.ErrorIs(t, err, locus.ErrStoreUnavailable)
	assert.NotErrorIs(t, err, locus.ErrConcurrencyExhausted)
}

func TestHandler_CompensatesCycleFormedAfterCommit(t *testing.T) {
	ctx := context.Background()
	flaky := testutil.NewFlakyEventLog(memory.NewAdapter())
	repo := locus.NewRepository(flaky)
	require.NoError(t, testutil.Seed(ctx, repo,
		testutil.LogicalDefined("a", "A", ""),
		testutil.LogicalDefined("b", "B", ""),
	))

	obs := &recordingHandlerObserver{}
	rec := testutil.NewRecordingPublisher("kafka")
	notifier := locus.NewNotifier(
		locus.WithPublisher(rec),
		locus.WithRoutes(locus.Route{Destination: "kafka:locations"}),
		locus.WithSyncPublish(),
	)
	h := locus.NewLocationHandler(repo, locus.WithHandlerObserver(obs), locus.WithNotifier(notifier))

	// b -> a lands between the guard check and the append of a -> b.
	flaky.BeforeNextAppend(testutil.Interleave(repo.Registry(), testutil.ParentSet("b", "a")))

	_, err := h.Handle(ctx, locus.SetParentLocation{LocationID: "a", ParentID: "b"})
	require.ErrorIs(t, err, locus.ErrCycleDetectedPostCommit)
	assert.ErrorIs(t, err, locus.ErrCycleDetected)

	var post *locus.PostCommitCycleError
	require.ErrorAs(t, err, &post)
	assert.Equal(t, "a", post.ChildID)
	assert.Equal(t, "b", post.ParentID)
	assert.Equal(t, int64(2), post.CommittedVersion)
	assert.Equal(t, int64(3), post.CompensatedVersion)
	assert.NoError(t, post.CompensationErr)
	assert.Equal(t, map[string]bool{"a": true}, obs.compensated)

	a, err := repo.LoadLatest(ctx, "a")
	require.NoError(t, err)
	_, hasParent := a.ParentID()
	assert.False(t, hasParent)

	events, err := repo.History(ctx, "a")
	require.NoError(t, err)
	assertions.AssertEventTypes(t, events, locus.EventLocationDefined, locus.EventParentLocationSet, locus.EventParentLocationRemoved)
	assertions.AssertContiguous(t, events)
	assertions.AssertLastEvent(t, events, locus.ParentLocationRemoved{
		EventHeader:      locus.Header("a", testutil.Epoch),
		PreviousParentID: "b",
		Reason:           "cycle compensation",
	})

	guard := locus.NewHierarchyGuard(repo)
	assert.NoError(t, guard.VerifyAfterCommit(ctx, "a"))
	assert.NoError(t, guard.VerifyAfterCommit(ctx, "b"))

	// Both the committed edge and its compensation were published.
	var types []string
	for _, m := range rec.Messages() {
		types = append(types, m.EventType)
	}
	assert.Equal(t, []string{locus.EventParentLocationSet, locus.EventParentLocationRemoved}, types)
}

func TestHandler_PostCommitVerificationDisabled(t *testing.T) {
	ctx := context.Background()
	flaky := testutil.NewFlakyEventLog(memory.NewAdapter())
	repo := locus.NewRepository(flaky)
	require.NoError(t, testutil.Seed(ctx, repo,
		testutil.LogicalDefined("a", "A", ""),
		testutil.LogicalDefined("b", "B", ""),
	))

	h := locus.NewLocationHandler(repo, locus.WithPostCommitVerification(false))
	flaky.BeforeNextAppend(testutil.Interleave(repo.Registry(), testutil.ParentSet("b", "a")))

	result, err := h.Handle(ctx, locus.SetParentLocation{LocationID: "a", ParentID: "b"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), result.Version)
	assert.ErrorIs(t, h.Guard().VerifyAfterCommit(ctx, "a"), locus.ErrCycleDetected)
}

func TestReparentBatch(t *testing.T) {
	given := append(testutil.Chain("a", "b", "c"), testutil.LogicalDefined("x", "X", ""))

	t.Run("moves", func(t *testing.T) {
		s := bdd.Given(t, given...).
			When(locus.ReparentBatch{Moves: []locus.ParentMove{{ChildID: "c", ParentID: "x"}, {ChildID: "b"}}, Reason: "reorg"}).
			Then(
				locus.ParentLocationSet{EventHeader: locus.Header("c", testutil.Epoch), ParentID: "x", PreviousParentID: "b", Reason: "reorg"},
				locus.ParentLocationRemoved{EventHeader: locus.Header("b", testutil.Epoch), PreviousParentID: "a", Reason: "reorg"},
			)

		result, err := s.Result()
		require.NoError(t, err)
		assert.Equal(t, locus.BatchResult{Versions: map[string]int64{"c": 2, "b": 2}}, result.Data)
	})

	t.Run("swap that is only valid as a whole", func(t *testing.T) {
		bdd.Given(t, given...).
			When(locus.ReparentBatch{Moves: []locus.ParentMove{{ChildID: "b", ParentID: "x"}, {ChildID: "a", ParentID: "c"}}}).
			ThenVersion(2).
			ThenState("a", func(loc *locus.Location) {
				parent, _ := loc.ParentID()
				assert.Equal(t, "c", parent)
			})
	})

	t.Run("cycle", func(t *testing.T) {
		bdd.Given(t, given...).
			When(locus.ReparentBatch{Moves: []locus.ParentMove{{ChildID: "a", ParentID: "c"}}}).
			ThenError(locus.ErrCycleDetected)
	})

	t.Run("already in place", func(t *testing.T) {
		bdd.Given(t, given...).
			When(locus.ReparentBatch{Moves: []locus.ParentMove{{ChildID: "c", ParentID: "b"}, {ChildID: "x"}}}).
			ThenError(locus.ErrNoOpRejected)
	})

	t.Run("archived child", func(t *testing.T) {
		bdd.Given(t, append(given, testutil.Archived("c"))...).
			When(locus.ReparentBatch{Moves: []locus.ParentMove{{ChildID: "c", ParentID: "x"}}}).
			ThenError(locus.ErrTerminalStateViolation)
	})
}

func TestReparentBatch_RevertsOnFailure(t *testing.T) {
	ctx := context.Background()
	flaky := testutil.NewFlakyEventLog(memory.NewAdapter())
	repo := locus.NewRepository(flaky)
	require.NoError(t, testutil.Seed(ctx, repo, append(testutil.Chain("a", "b", "c"), testutil.LogicalDefined("x", "X", ""))...))

	diskFull := errors.New("disk full")
	flaky.BeforeNextAppend(func(context.Context, adapters.EventLog, string) error { return nil })
	flaky.BeforeNextAppend(func(context.Context, adapters.EventLog, string) error { return diskFull })

	h := locus.NewLocationHandler(repo)
	_, err := h.Handle(ctx, locus.ReparentBatch{Moves: []locus.ParentMove{{ChildID: "c", ParentID: "x"}, {ChildID: "b", ParentID: "x"}}})
	require.ErrorIs(t, err, diskFull)

	c, err := repo.LoadLatest(ctx, "c")
	require.NoError(t, err)
	parent, _ := c.ParentID()
	assert.Equal(t, "b", parent)
	assert.Equal(t, int64(3), c.Version())

	events, err := repo.History(ctx, "c")
	require.NoError(t, err)
	assertions.AssertLastEvent(t, events, locus.ParentLocationSet{
		EventHeader:      locus.Header("c", testutil.Epoch),
		ParentID:         "b",
		PreviousParentID: "x",
		Reason:           "batch compensation",
	})
	assert.Equal(t, 1, assertions.CountMatches(events, assertions.MatchReason("batch compensation")))

	b, err := repo.LoadLatest(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), b.Version())
}

func TestHandler_OnCommandBus(t *testing.T) {
	ctx := context.Background()
	store := memory.NewAdapter()
	repo := locus.NewRepository(store)
	h := locus.NewLocationHandler(repo, locus.WithClock(testutil.Clock()))

	bus := locus.NewCommandBus(locus.WithMiddleware(
		locus.RecoveryMiddleware(),
		locus.CorrelationIDMiddleware(),
		locus.CausationIDMiddleware(),
		locus.ValidationMiddleware(),
		locus.TimeoutMiddleware(time.Second),
	))
	h.RegisterAll(bus)
	assert.ElementsMatch(t, h.CommandTypes(), bus.CommandTypes())

	result, err := bus.Dispatch(ctx, locus.DefineLocation{
		CommandBase:  locus.CommandBase{CommandID: "cmd-1", UserID: "alice"}.WithMetadata("source", "import"),
		LocationID:   "hq",
		Name:         "HQ",
		LocationType: locus.Logical,
	})
	require.NoError(t, err)
	assert.Equal(t, "hq", result.AggregateID)

	stored, err := store.Load(ctx, locus.StreamID("hq"), 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	md := stored[0].Metadata
	assert.Len(t, md.CorrelationID, 36)
	assert.Equal(t, "cmd-1", md.CausationID)
	assert.Equal(t, "alice", md.UserID)
	assert.Equal(t, map[string]string{"source": "import"}, md.Custom)
	assert.Equal(t, testutil.Epoch, stored[0].OccurredAt)

	_, err = bus.Dispatch(ctx, locus.SetParentLocation{LocationID: "hq", ParentID: "hq"})
	assert.ErrorIs(t, err, locus.ErrValidationFailed)

	_, err = h.Handle(ctx, nil)
	assert.ErrorIs(t, err, locus.ErrNilCommand)
}
