package locus_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AshkanYarmoradi/go-locus"
	"github.com/AshkanYarmoradi/go-locus/adapters/memory"
	"github.com/AshkanYarmoradi/go-locus/testing/testutil"
)

type guardCheck struct {
	check   string
	outcome string
	walked  int
}

type recordingGuardObserver struct {
	mu     sync.Mutex
	checks []guardCheck
}

func (o *recordingGuardObserver) ObserveHierarchyCheck(check, outcome string, walked int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.checks = append(o.checks, guardCheck{check, outcome, walked})
}

func (o *recordingGuardObserver) last() guardCheck {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.checks[len(o.checks)-1]
}

func seededGuard(t *testing.T, events []locus.Event, opts ...locus.GuardOption) (*locus.HierarchyGuard, *locus.Repository) {
	t.Helper()
	repo := locus.NewRepository(memory.NewAdapter())
	require.NoError(t, testutil.Seed(context.Background(), repo, events...))
	return locus.NewHierarchyGuard(repo, opts...), repo
}

func TestHierarchyGuard_ValidateNewParent(t *testing.T) {
	ctx := context.Background()
	events := append(testutil.Chain("a", "b", "c"),
		testutil.LogicalDefined("d", "D", ""),
		testutil.LogicalDefined("old", "Old", ""),
		testutil.Archived("old"),
	)
	guard, _ := seededGuard(t, events)

	t.Run("closing a cycle", func(t *testing.T) {
		err := guard.ValidateNewParent(ctx, "a", "c")
		require.ErrorIs(t, err, locus.ErrCycleDetected)

		var cycle *locus.CycleError
		require.ErrorAs(t, err, &cycle)
		assert.Equal(t, "a", cycle.ChildID)
		assert.Equal(t, "c", cycle.ParentID)
		assert.Equal(t, []string{"c", "b", "a"}, cycle.Path)
	})

	t.Run("own parent", func(t *testing.T) {
		assert.ErrorIs(t, guard.ValidateNewParent(ctx, "a", "a"), locus.ErrCycleDetected)
	})

	t.Run("valid moves", func(t *testing.T) {
		assert.NoError(t, guard.ValidateNewParent(ctx, "c", "a"))
		assert.NoError(t, guard.ValidateNewParent(ctx, "a", "d"))
		assert.NoError(t, guard.ValidateNewParent(ctx, "new", "c"))
	})

	t.Run("missing parent", func(t *testing.T) {
		assert.ErrorIs(t, guard.ValidateNewParent(ctx, "a", "nowhere"), locus.ErrNotFound)
	})

	t.Run("archived parent", func(t *testing.T) {
		assert.ErrorIs(t, guard.ValidateNewParent(ctx, "a", "old"), locus.ErrValidationFailed)
	})

	t.Run("empty parent", func(t *testing.T) {
		assert.ErrorIs(t, guard.ValidateNewParent(ctx, "a", ""), locus.ErrValidationFailed)
	})
}

func TestHierarchyGuard_MaxDepth(t *testing.T) {
	ctx := context.Background()
	guard, _ := seededGuard(t, testutil.Chain("l0", "l1", "l2", "l3", "l4"), locus.WithMaxDepth(3))
	assert.Equal(t, 3, guard.MaxDepth())

	assert.NoError(t, guard.ValidateNewParent(ctx, "x", "l2"))

	err := guard.ValidateNewParent(ctx, "x", "l4")
	require.ErrorIs(t, err, locus.ErrHierarchyDepthExceeded)
	var depth *locus.DepthExceededError
	require.ErrorAs(t, err, &depth)
	assert.Equal(t, "l4", depth.StartID)
	assert.Equal(t, 3, depth.MaxDepth)

	_, err = guard.Ancestors(ctx, "l4")
	assert.ErrorIs(t, err, locus.ErrHierarchyDepthExceeded)

	assert.Equal(t, locus.DefaultMaxHierarchyDepth, locus.NewHierarchyGuard(nil, locus.WithMaxDepth(0)).MaxDepth())
}

func TestHierarchyGuard_ExistingLoopIsBounded(t *testing.T) {
	// p and q already point at each other; a walk through them must stop.
	guard, _ := seededGuard(t, []locus.Event{
		testutil.LogicalDefined("p", "P", ""),
		testutil.LogicalDefined("q", "Q", "p"),
		testutil.ParentSet("p", "q"),
	})

	err := guard.ValidateNewParent(context.Background(), "x", "p")
	assert.ErrorIs(t, err, locus.ErrHierarchyDepthExceeded)
	assert.NotErrorIs(t, err, locus.ErrCycleDetected)
}

func TestHierarchyGuard_DanglingAncestor(t *testing.T) {
	ctx := context.Background()
	guard, _ := seededGuard(t, []locus.Event{testutil.LogicalDefined("a", "A", "ghost")})

	assert.NoError(t, guard.ValidateNewParent(ctx, "x", "a"))

	ancestors, err := guard.Ancestors(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost"}, ancestors)
}

func TestHierarchyGuard_Ancestors(t *testing.T) {
	ctx := context.Background()
	guard, _ := seededGuard(t, testutil.Chain("site", "building", "floor", "room"))

	ancestors, err := guard.Ancestors(ctx, "room")
	require.NoError(t, err)
	assert.Equal(t, []string{"floor", "building", "site"}, ancestors)

	root, err := guard.Ancestors(ctx, "site")
	require.NoError(t, err)
	assert.Empty(t, root)
	assert.NotNil(t, root)

	depth, err := guard.Depth(ctx, "floor")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	_, err = guard.Ancestors(ctx, "attic")
	assert.ErrorIs(t, err, locus.ErrNotFound)
}

func TestHierarchyGuard_ValidateBatch(t *testing.T) {
	ctx := context.Background()
	events := append(testutil.Chain("a", "b", "c"),
		testutil.LogicalDefined("x", "X", ""),
		testutil.LogicalDefined("y", "Y", ""),
		testutil.LogicalDefined("old", "Old", ""),
		testutil.Archived("old"),
	)
	guard, _ := seededGuard(t, events)

	tests := []struct {
		name  string
		moves []locus.ParentMove
		want  error
	}{
		{"single valid move", []locus.ParentMove{{ChildID: "c", ParentID: "x"}}, nil},
		{"cycle with stored edges", []locus.ParentMove{{ChildID: "a", ParentID: "c"}}, locus.ErrCycleDetected},
		{"cycle only within batch", []locus.ParentMove{{ChildID: "x", ParentID: "y"}, {ChildID: "y", ParentID: "x"}}, locus.ErrCycleDetected},
		{"batch breaks the cycle it would form", []locus.ParentMove{{ChildID: "b", ParentID: "x"}, {ChildID: "a", ParentID: "c"}}, nil},
		{"removal only", []locus.ParentMove{{ChildID: "c"}}, nil},
		{"self parent", []locus.ParentMove{{ChildID: "x", ParentID: "x"}}, locus.ErrCycleDetected},
		{"duplicate child", []locus.ParentMove{{ChildID: "c", ParentID: "x"}, {ChildID: "c", ParentID: "y"}}, locus.ErrValidationFailed},
		{"missing child id", []locus.ParentMove{{ParentID: "x"}}, locus.ErrValidationFailed},
		{"archived parent", []locus.ParentMove{{ChildID: "c", ParentID: "old"}}, locus.ErrValidationFailed},
		{"missing parent", []locus.ParentMove{{ChildID: "c", ParentID: "nowhere"}}, locus.ErrNotFound},
		{"empty", nil, locus.ErrValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := guard.ValidateBatch(ctx, tt.moves)
			if tt.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestHierarchyGuard_VerifyAfterCommit(t *testing.T) {
	ctx := context.Background()
	guard, repo := seededGuard(t, append(testutil.Chain("a", "b"), testutil.LogicalDefined("r", "R", "")))

	assert.NoError(t, guard.VerifyAfterCommit(ctx, "b"))
	assert.NoError(t, guard.VerifyAfterCommit(ctx, "r"))

	// A concurrent writer closed the loop behind the guard's back.
	require.NoError(t, testutil.Seed(ctx, repo, testutil.ParentSet("a", "b")))
	err := guard.VerifyAfterCommit(ctx, "a")
	assert.ErrorIs(t, err, locus.ErrCycleDetected)
	assert.ErrorIs(t, guard.VerifyAfterCommit(ctx, "missing"), locus.ErrNotFound)
}

func TestHierarchyGuard_Observer(t *testing.T) {
	ctx := context.Background()
	obs := &recordingGuardObserver{}
	guard, _ := seededGuard(t, testutil.Chain("a", "b", "c"), locus.WithGuardObserver(obs), locus.WithMaxDepth(2))

	require.NoError(t, guard.ValidateNewParent(ctx, "x", "b"))
	assert.Equal(t, guardCheck{"validate", "ok", 2}, obs.last())

	require.Error(t, guard.ValidateNewParent(ctx, "a", "b"))
	assert.Equal(t, guardCheck{"validate", "cycle", 1}, obs.last())

	require.Error(t, guard.ValidateNewParent(ctx, "x", "c"))
	assert.Equal(t, "depth", obs.last().outcome)

	require.Error(t, guard.ValidateBatch(ctx, []locus.ParentMove{{ChildID: "c", ParentID: "nowhere"}}))
	assert.Equal(t, guardCheck{"batch", "error", 0}, obs.last())

	require.NoError(t, guard.VerifyAfterCommit(ctx, "b"))
	assert.Equal(t, guardCheck{"verify", "ok", 1}, obs.last())
}
