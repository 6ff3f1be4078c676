package locus

import (
	"context"
	"errors"
	"fmt"
)

// DefaultMaxHierarchyDepth bounds every ancestor walk.
const DefaultMaxHierarchyDepth = 10

// LocationLoader resolves a location by id.
type LocationLoader interface {
	Load(ctx context.Context, id string) (*Location, error)
}

// latestLoader is implemented by loaders that can bypass shared reads.
type latestLoader interface {
	LoadLatest(ctx context.Context, id string) (*Location, error)
}

// GuardObserver receives the outcome of every hierarchy check.
type GuardObserver interface {
	// ObserveHierarchyCheck is called with "ok", "cycle", "depth" or "error"
	// and the number of ancestors walked.
	ObserveHierarchyCheck(check, outcome string, walked int)
}

// ParentMove is one edge change of a batch. An empty ParentID removes the parent.
type ParentMove struct {
	ChildID  string `json:"childId" validate:"required"`
	ParentID string `json:"parentId,omitempty"`
}

// HierarchyGuard keeps the parent relation across all locations acyclic.
// The graph is never materialized: each check walks parent ids through the
// loader.
type HierarchyGuard struct {
	loader   LocationLoader
	maxDepth int
	logger   Logger
	observer GuardObserver
}

// GuardOption configures a HierarchyGuard.
type GuardOption func(*HierarchyGuard)

// WithMaxDepth sets the longest ancestor chain a walk may visit.
func WithMaxDepth(n int) GuardOption {
	return func(g *HierarchyGuard) {
		if n > 0 {
			g.maxDepth = n
		}
	}
}

// WithGuardLogger sets the logger.
func WithGuardLogger(l Logger) GuardOption {
	return func(g *HierarchyGuard) {
		g.logger = l
	}
}

// WithGuardObserver reports check outcomes to o.
func WithGuardObserver(o GuardObserver) GuardOption {
	return func(g *HierarchyGuard) {
		g.observer = o
	}
}

// NewHierarchyGuard creates a guard resolving locations through loader.
func NewHierarchyGuard(loader LocationLoader, opts ...GuardOption) *HierarchyGuard {
	g := &HierarchyGuard{
		loader:   loader,
		maxDepth: DefaultMaxHierarchyDepth,
		logger:   &noopLogger{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// MaxDepth returns the walk bound.
func (g *HierarchyGuard) MaxDepth() int {
	return g.maxDepth
}

// parentFunc returns the parent id of a location, "" for a root.
type parentFunc func(ctx context.Context, id string) (string, error)

func (g *HierarchyGuard) storedParent(load func(context.Context, string) (*Location, error)) parentFunc {
	return func(ctx context.Context, id string) (string, error) {
		loc, err := load(ctx, id)
		if err != nil {
			return "", err
		}
		parent, _ := loc.ParentID()
		return parent, nil
	}
}

// walk follows parents from start, failing if childID is reached or the
// chain is longer than maxDepth. It returns the visited ids.
func (g *HierarchyGuard) walk(ctx context.Context, childID, start string, parentOf parentFunc) ([]string, error) {
	path := make([]string, 0, g.maxDepth)
	seen := make(map[string]struct{}, g.maxDepth)

	for current := start; current != ""; {
		if current == childID {
			return path, &CycleError{ChildID: childID, ParentID: start, Path: append(path, current)}
		}
		if _, ok := seen[current]; ok {
			// A cycle that does not involve childID never terminates.
			return path, &DepthExceededError{StartID: start, MaxDepth: g.maxDepth}
		}
		if len(path) >= g.maxDepth {
			return path, &DepthExceededError{StartID: start, MaxDepth: g.maxDepth}
		}

		seen[current] = struct{}{}
		path = append(path, current)

		next, err := parentOf(ctx, current)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Dangling reference: the chain ends here.
				g.logger.Warn("Ancestor not found, treating as root", "locationId", current)
				return path, nil
			}
			return path, err
		}
		current = next
	}
	return path, nil
}

func (g *HierarchyGuard) observe(check string, walked int, err error) {
	if g.observer == nil {
		return
	}
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrCycleDetected):
		outcome = "cycle"
	case errors.Is(err, ErrHierarchyDepthExceeded):
		outcome = "depth"
	default:
		outcome = "error"
	}
	g.observer.ObserveHierarchyCheck(check, outcome, walked)
}

// ValidateNewParent checks that making parentID the parent of childID keeps
// the hierarchy acyclic and within the depth bound. The proposed parent must
// exist and not be archived.
func (g *HierarchyGuard) ValidateNewParent(ctx context.Context, childID, parentID string) (err error) {
	var path []string
	defer func() { g.observe("validate", len(path), err) }()

	if parentID == "" {
		return NewValidationError("parentId", "must not be empty")
	}
	if childID == parentID {
		return &CycleError{ChildID: childID, ParentID: parentID, Path: []string{childID}}
	}

	parent, err := g.loader.Load(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.Archived() {
		return NewValidationError("parentId", fmt.Sprintf("location %q is archived", parentID))
	}

	path, err = g.walk(ctx, childID, parentID, g.storedParent(g.loader.Load))
	if err != nil {
		g.logger.Debug("Parent rejected", "childId", childID, "parentId", parentID, "error", err)
	}
	return err
}

// ValidateBatch checks every move against the hierarchy as it would be after
// the whole batch is applied. Each child may appear at most once.
func (g *HierarchyGuard) ValidateBatch(ctx context.Context, moves []ParentMove) (err error) {
	walked := 0
	defer func() { g.observe("batch", walked, err) }()

	if len(moves) == 0 {
		return NewValidationError("moves", "must not be empty")
	}

	overlay := make(map[string]string, len(moves))
	for i, m := range moves {
		if m.ChildID == "" {
			return NewValidationError(fmt.Sprintf("moves[%d].childId", i), "must not be empty")
		}
		if _, dup := overlay[m.ChildID]; dup {
			return NewValidationError(fmt.Sprintf("moves[%d].childId", i),
				fmt.Sprintf("location %q is moved more than once", m.ChildID))
		}
		if m.ChildID == m.ParentID {
			return &CycleError{ChildID: m.ChildID, ParentID: m.ParentID, Path: []string{m.ChildID}}
		}
		overlay[m.ChildID] = m.ParentID
	}

	stored := g.storedParent(g.loader.Load)
	simulated := func(ctx context.Context, id string) (string, error) {
		if parent, ok := overlay[id]; ok {
			return parent, nil
		}
		return stored(ctx, id)
	}

	for _, m := range moves {
		if m.ParentID == "" {
			continue
		}
		parent, err := g.loader.Load(ctx, m.ParentID)
		if err != nil {
			return err
		}
		if parent.Archived() {
			return NewValidationError("parentId", fmt.Sprintf("location %q is archived", m.ParentID))
		}

		path, err := g.walk(ctx, m.ChildID, m.ParentID, simulated)
		walked += len(path)
		if err != nil {
			g.logger.Debug("Batch move rejected", "childId", m.ChildID, "parentId", m.ParentID, "error", err)
			return err
		}
	}
	return nil
}

// Ancestors returns the parent chain of id, nearest first.
func (g *HierarchyGuard) Ancestors(ctx context.Context, id string) ([]string, error) {
	loc, err := g.loader.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	parent, ok := loc.ParentID()
	if !ok {
		return []string{}, nil
	}
	return g.walk(ctx, id, parent, g.storedParent(g.loader.Load))
}

// Depth returns the number of ancestors of id.
func (g *HierarchyGuard) Depth(ctx context.Context, id string) (int, error) {
	ancestors, err := g.Ancestors(ctx, id)
	if err != nil {
		return 0, err
	}
	return len(ancestors), nil
}

// VerifyAfterCommit re-walks the committed ancestor chain of childID with
// fresh reads. It returns a CycleError if a concurrent parent change closed
// a cycle through childID.
func (g *HierarchyGuard) VerifyAfterCommit(ctx context.Context, childID string) (err error) {
	var path []string
	defer func() { g.observe("verify", len(path), err) }()

	load := g.loader.Load
	if l, ok := g.loader.(latestLoader); ok {
		load = l.LoadLatest
	}

	child, err := load(ctx, childID)
	if err != nil {
		return err
	}
	parent, ok := child.ParentID()
	if !ok {
		return nil
	}

	path, err = g.walk(ctx, childID, parent, g.storedParent(load))
	return err
}
