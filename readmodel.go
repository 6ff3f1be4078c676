package locus

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/AshkanYarmoradi/go-locus/adapters"
)

// ReadModelDestination is the destination prefix the read model registers
// under when it is fed by a Notifier, e.g. Route{Destination: "readmodel:locations"}.
const ReadModelDestination = "readmodel"

// LocationQuery selects locations from the read model. Zero values match
// everything.
type LocationQuery struct {
	// NameContains matches names case-insensitively.
	NameContains string

	Type LocationType

	// ParentID matches direct children of a location.
	ParentID string

	// RootsOnly matches locations without a parent.
	RootsOnly bool

	// Metadata entries that must all be present with the given values.
	Metadata map[string]string

	IncludeArchived bool

	// Offset and Limit page through the results; Limit 0 means no limit.
	Offset int
	Limit  int
}

func (q LocationQuery) matches(s LocationState) bool {
	if s.Archived && !q.IncludeArchived {
		return false
	}
	if q.NameContains != "" && !strings.Contains(strings.ToLower(s.Name), strings.ToLower(q.NameContains)) {
		return false
	}
	if q.Type != "" && s.LocationType != q.Type {
		return false
	}
	if q.ParentID != "" && s.ParentID != q.ParentID {
		return false
	}
	if q.RootsOnly && s.ParentID != "" {
		return false
	}
	for k, v := range q.Metadata {
		if got, ok := s.Metadata[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// HierarchyNode is one location in a tree returned by Hierarchy.
type HierarchyNode struct {
	Location LocationState   `json:"location"`
	Depth    int             `json:"depth"`
	Children []HierarchyNode `json:"children,omitempty"`
}

// LocationStatistics summarises the read model.
type LocationStatistics struct {
	Total           int                  `json:"total"`
	Active          int                  `json:"active"`
	Archived        int                  `json:"archived"`
	ByType          map[LocationType]int `json:"byType"`
	WithCoordinates int                  `json:"withCoordinates"`
}

// LocationReadModel keeps the latest known state of every location it has
// seen, for listing and browsing. It may lag the event log; the hierarchy
// guard never reads from it.
//
// It is fed either by a Notifier (it implements Publisher) or by Refresh
// and Rebuild, which read through the repository.
type LocationReadModel struct {
	repo     *Repository
	registry *EventRegistry
	logger   Logger

	mu        sync.RWMutex
	locations map[string]*Location
}

// ReadModelOption configures a LocationReadModel.
type ReadModelOption func(*LocationReadModel)

// WithReadModelLogger sets the logger.
func WithReadModelLogger(l Logger) ReadModelOption {
	return func(m *LocationReadModel) {
		m.logger = l
	}
}

// NewLocationReadModel creates an empty read model that catches up through repo.
func NewLocationReadModel(repo *Repository, opts ...ReadModelOption) *LocationReadModel {
	m := &LocationReadModel{
		repo:      repo,
		registry:  repo.Registry(),
		logger:    &noopLogger{},
		locations: make(map[string]*Location),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Destination returns ReadModelDestination.
func (m *LocationReadModel) Destination() string {
	return ReadModelDestination
}

// Publish projects notification envelopes into the read model.
func (m *LocationReadModel) Publish(ctx context.Context, messages []*adapters.Message) error {
	var errs []error
	for _, msg := range messages {
		rec, err := m.registry.UnmarshalEnvelope(msg.Payload)
		if err != nil {
			errs = append(errs, fmt.Errorf("message %s: %w", msg.ID, err))
			continue
		}
		if err := m.Project(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Project folds one recorded event into the read model. Events at or below
// the known version are ignored. A gap, or an event that does not apply,
// reloads the location from the repository instead.
func (m *LocationReadModel) Project(ctx context.Context, rec RecordedEvent) error {
	if rec.Event == nil {
		return NewValidationError("event", "must not be nil")
	}
	id := rec.Event.AggregateID()

	m.mu.Lock()
	current := m.locations[id]
	var known int64
	if current != nil {
		known = current.Version()
	}
	if rec.Version <= known {
		m.mu.Unlock()
		return nil
	}
	if rec.Version == known+1 {
		next, err := Apply(current, rec.Event)
		if err == nil {
			m.locations[id] = next
			m.mu.Unlock()
			return nil
		}
		m.logger.Warn("Read model could not apply event, reloading",
			"locationId", id, "version", rec.Version, "error", err)
	}
	m.mu.Unlock()

	return m.Refresh(ctx, id)
}

// Refresh reloads one location from the repository.
func (m *LocationReadModel) Refresh(ctx context.Context, id string) error {
	loc, err := m.repo.LoadLatest(ctx, id)
	if errors.Is(err, ErrNotFound) {
		m.mu.Lock()
		delete(m.locations, id)
		m.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("locus: refresh read model %q: %w", id, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if current := m.locations[id]; current == nil || current.Version() < loc.Version() {
		m.locations[id] = loc
	}
	return nil
}

// Rebuild refreshes every location stream the lister knows about.
func (m *LocationReadModel) Rebuild(ctx context.Context, lister adapters.StreamLister) error {
	streams, err := lister.ListStreams(ctx, StreamCategory)
	if err != nil {
		return fmt.Errorf("locus: list location streams: %w", err)
	}

	var errs []error
	for _, stream := range streams {
		id, ok := LocationIDFromStream(stream)
		if !ok {
			continue
		}
		if err := m.Refresh(ctx, id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of locations held.
func (m *LocationReadModel) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.locations)
}

// Get returns the known state of a location.
func (m *LocationReadModel) Get(id string) (LocationState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	loc, ok := m.locations[id]
	if !ok {
		return LocationState{}, NewNotFoundError(id)
	}
	return loc.State(), nil
}

// Find returns the locations matching q ordered by name, then id.
func (m *LocationReadModel) Find(q LocationQuery) []LocationState {
	m.mu.RLock()
	results := make([]LocationState, 0, len(m.locations))
	for _, loc := range m.locations {
		if s := loc.State(); q.matches(s) {
			results = append(results, s)
		}
	}
	m.mu.RUnlock()

	sortStates(results)

	if q.Offset > 0 {
		if q.Offset >= len(results) {
			return []LocationState{}
		}
		results = results[q.Offset:]
	}
	if q.Limit > 0 && q.Limit < len(results) {
		results = results[:q.Limit]
	}
	return results
}

// Children returns the direct children of parentID.
func (m *LocationReadModel) Children(parentID string, includeArchived bool) []LocationState {
	return m.Find(LocationQuery{ParentID: parentID, IncludeArchived: includeArchived})
}

// Hierarchy returns the tree below rootID, or the trees below every root
// when rootID is empty. maxDepth below 1 uses DefaultMaxHierarchyDepth.
func (m *LocationReadModel) Hierarchy(rootID string, maxDepth int, includeArchived bool) ([]HierarchyNode, error) {
	if maxDepth < 1 {
		maxDepth = DefaultMaxHierarchyDepth
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	children := make(map[string][]LocationState)
	var roots []LocationState
	for _, loc := range m.locations {
		s := loc.State()
		if s.Archived && !includeArchived {
			continue
		}
		// A parent the read model does not know is treated as absent.
		if _, known := m.locations[s.ParentID]; s.ParentID == "" || !known {
			roots = append(roots, s)
			continue
		}
		children[s.ParentID] = append(children[s.ParentID], s)
	}

	if rootID != "" {
		loc, ok := m.locations[rootID]
		if !ok {
			return nil, NewNotFoundError(rootID)
		}
		roots = []LocationState{loc.State()}
	}
	sortStates(roots)

	// The read model can lag behind a compensated cycle, so the walk tracks
	// the current path.
	onPath := make(map[string]bool)
	var build func(s LocationState, depth int) HierarchyNode
	build = func(s LocationState, depth int) HierarchyNode {
		node := HierarchyNode{Location: s, Depth: depth}
		if depth >= maxDepth || onPath[s.ID] {
			return node
		}
		onPath[s.ID] = true
		kids := children[s.ID]
		sortStates(kids)
		for _, c := range kids {
			if onPath[c.ID] {
				continue
			}
			node.Children = append(node.Children, build(c, depth+1))
		}
		onPath[s.ID] = false
		return node
	}

	nodes := make([]HierarchyNode, 0, len(roots))
	for _, r := range roots {
		nodes = append(nodes, build(r, 0))
	}
	return nodes, nil
}

// Statistics counts the locations held. ByType counts active locations only.
func (m *LocationReadModel) Statistics() LocationStatistics {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := LocationStatistics{ByType: make(map[LocationType]int)}
	for _, loc := range m.locations {
		stats.Total++
		if loc.Archived() {
			stats.Archived++
		} else {
			stats.Active++
			stats.ByType[loc.Type()]++
		}
		if _, ok := loc.Coordinates(); ok {
			stats.WithCoordinates++
		}
	}
	return stats
}

func sortStates(states []LocationState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].Name != states[j].Name {
			return states[i].Name < states[j].Name
		}
		return states[i].ID < states[j].ID
	})
}

var _ Publisher = (*LocationReadModel)(nil)
