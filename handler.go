package locus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AshkanYarmoradi/go-locus/adapters"
)

// DefaultConflictRetries is how often a command is re-run after a version conflict.
const DefaultConflictRetries = 3

// HandlerObserver receives retry and compensation outcomes.
type HandlerObserver interface {
	ConflictRetried(commandType string, attempt int)
	RetriesExhausted(commandType string)
	CycleCompensated(locationID string, compensated bool)
}

// LocationHandler executes location commands: it loads the target, decides
// the event, checks the hierarchy for parent changes, commits, and publishes.
// Version conflicts re-run the whole sequence against fresh state.
type LocationHandler struct {
	repo     *Repository
	guard    *HierarchyGuard
	notifier *Notifier
	retries  int
	verify   bool
	logger   Logger
	observer HandlerObserver
	now      func() time.Time
	newID    func() string
}

// HandlerOption configures a LocationHandler.
type HandlerOption func(*LocationHandler)

// WithConflictRetries sets how many times a conflicting command is re-run.
func WithConflictRetries(n int) HandlerOption {
	return func(h *LocationHandler) {
		if n >= 0 {
			h.retries = n
		}
	}
}

// WithHierarchyGuard replaces the default guard.
func WithHierarchyGuard(g *HierarchyGuard) HandlerOption {
	return func(h *LocationHandler) {
		h.guard = g
	}
}

// WithNotifier publishes committed events through n.
func WithNotifier(n *Notifier) HandlerOption {
	return func(h *LocationHandler) {
		h.notifier = n
	}
}

// WithPostCommitVerification toggles the ancestor re-walk after a parent
// change is committed.
func WithPostCommitVerification(enabled bool) HandlerOption {
	return func(h *LocationHandler) {
		h.verify = enabled
	}
}

// WithHandlerLogger sets the logger.
func WithHandlerLogger(l Logger) HandlerOption {
	return func(h *LocationHandler) {
		h.logger = l
	}
}

// WithHandlerObserver reports retries and compensations to o.
func WithHandlerObserver(o HandlerObserver) HandlerOption {
	return func(h *LocationHandler) {
		h.observer = o
	}
}

// WithClock sets the source of event timestamps.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *LocationHandler) {
		h.now = now
	}
}

// WithIDGenerator sets the generator for DefineLocation commands without an id.
func WithIDGenerator(fn func() string) HandlerOption {
	return func(h *LocationHandler) {
		h.newID = fn
	}
}

// NewLocationHandler creates a handler over repo. Unless replaced, the
// hierarchy guard resolves parents through repo.
func NewLocationHandler(repo *Repository, opts ...HandlerOption) *LocationHandler {
	h := &LocationHandler{
		repo:    repo,
		retries: DefaultConflictRetries,
		verify:  true,
		logger:  &noopLogger{},
		now:     time.Now,
		newID:   NewLocationID,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.guard == nil {
		h.guard = NewHierarchyGuard(repo, WithGuardLogger(h.logger))
	}
	return h
}

// Guard returns the hierarchy guard.
func (h *LocationHandler) Guard() *HierarchyGuard {
	return h.guard
}

// Repository returns the repository.
func (h *LocationHandler) Repository() *Repository {
	return h.repo
}

// CommandTypes lists the commands Handle accepts.
func (h *LocationHandler) CommandTypes() []string {
	return []string{
		CommandDefineLocation,
		CommandUpdateLocation,
		CommandSetParentLocation,
		CommandRemoveParentLocation,
		CommandAddLocationMetadata,
		CommandArchiveLocation,
		CommandReparentBatch,
	}
}

// RegisterAll registers the handler on bus for every command type.
func (h *LocationHandler) RegisterAll(bus *CommandBus) {
	for _, t := range h.CommandTypes() {
		bus.Register(NewCommandHandlerFunc(t, h.Handle))
	}
}

// Handle executes cmd. On failure the error is returned both directly and
// in the result.
func (h *LocationHandler) Handle(ctx context.Context, cmd Command) (CommandResult, error) {
	if cmd == nil {
		return NewErrorResult(ErrNilCommand), ErrNilCommand
	}
	if err := cmd.Validate(); err != nil {
		return NewErrorResult(err), err
	}

	ctx = ContextWithMetadata(ctx, h.metadataFor(ctx, cmd))

	var (
		result CommandResult
		err    error
	)
	switch c := cmd.(type) {
	case ReparentBatch:
		result, err = h.handleBatch(ctx, c)
	case locationCommand:
		result, err = h.handleLocation(ctx, c)
	default:
		err = NewHandlerNotFoundError(cmd.CommandType())
	}
	if err != nil {
		return NewErrorResult(err), err
	}
	return result, nil
}

func (h *LocationHandler) metadataFor(ctx context.Context, cmd Command) adapters.Metadata {
	var md adapters.Metadata
	if b, ok := cmd.(interface{ base() CommandBase }); ok {
		base := b.base()
		md = adapters.Metadata{
			CorrelationID: base.CorrelationID,
			CausationID:   base.CausationID,
			UserID:        base.UserID,
			Custom:        cloneStrings(base.Metadata),
		}
	}
	if md.CorrelationID == "" {
		md.CorrelationID = CorrelationIDFromContext(ctx)
	}
	if md.CausationID == "" {
		md.CausationID = CausationIDFromContext(ctx)
	}
	return md
}

// retry runs attempt until it succeeds, fails with anything but a version
// conflict, or the retries are used up.
func (h *LocationHandler) retry(ctx context.Context, cmdType, id string, attempt func() error) error {
	var last error
	total := h.retries + 1
	for n := 1; n <= total; n++ {
		err := attempt()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return err
		}
		last = err

		if err := ctx.Err(); err != nil {
			return err
		}
		if n < total {
			h.logger.Debug("Version conflict, retrying", "command", cmdType, "locationId", id, "attempt", n)
			if h.observer != nil {
				h.observer.ConflictRetried(cmdType, n)
			}
		}
	}

	h.logger.Warn("Concurrency retries exhausted", "command", cmdType, "locationId", id, "attempts", total)
	if h.observer != nil {
		h.observer.RetriesExhausted(cmdType)
	}
	return &ConcurrencyExhaustedError{LocationID: id, Attempts: total, Last: last}
}

func (h *LocationHandler) handleLocation(ctx context.Context, cmd locationCommand) (CommandResult, error) {
	if d, ok := cmd.(DefineLocation); ok && d.LocationID == "" {
		d.LocationID = h.newID()
		cmd = d
	}
	id := cmd.AggregateID()

	var (
		committed *Location
		rec       RecordedEvent
	)
	err := h.retry(ctx, cmd.CommandType(), id, func() error {
		var err error
		committed, rec, err = h.attempt(ctx, cmd)
		return err
	})
	if err != nil {
		return CommandResult{}, err
	}

	h.publish(ctx, rec)

	if parent, ok := newParent(rec.Event); ok && h.verify {
		if err := h.verifyCommitted(ctx, committed, parent); err != nil {
			return CommandResult{}, err
		}
	}

	return NewSuccessResult(id, committed.Version()), nil
}

// attempt runs one load, decide, check and commit cycle.
func (h *LocationHandler) attempt(ctx context.Context, cmd locationCommand) (*Location, RecordedEvent, error) {
	id := cmd.AggregateID()

	state, err := h.repo.LoadLatest(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		if _, ok := cmd.(DefineLocation); !ok {
			return nil, RecordedEvent{}, err
		}
		state = nil
	case err != nil:
		return nil, RecordedEvent{}, err
	}

	if state != nil && state.Archived() {
		if _, ok := cmd.(ArchiveLocation); ok {
			return nil, RecordedEvent{}, transitionError(ErrAlreadyArchived, EventLocationArchived, id, "")
		}
		return nil, RecordedEvent{}, transitionError(ErrTerminalStateViolation, "", id, cmd.CommandType()+" rejected")
	}

	event, err := cmd.decide(state, h.clock())
	if err != nil {
		return nil, RecordedEvent{}, err
	}

	if parent, ok := newParent(event); ok {
		if err := h.guard.ValidateNewParent(ctx, id, parent); err != nil {
			return nil, RecordedEvent{}, err
		}
	}

	return h.repo.commit(ctx, state, event)
}

// newParent returns the parent an event assigns, if any.
func newParent(event Event) (string, bool) {
	switch e := event.(type) {
	case ParentLocationSet:
		return e.ParentID, true
	case LocationDefined:
		return e.ParentID, e.ParentID != ""
	}
	return "", false
}

// verifyCommitted re-walks the ancestors of a committed parent change. If a
// concurrent change closed a cycle, the edge is removed again.
func (h *LocationHandler) verifyCommitted(ctx context.Context, committed *Location, parent string) error {
	verr := h.guard.VerifyAfterCommit(ctx, committed.ID())
	if verr == nil {
		return nil
	}
	if !errors.Is(verr, ErrCycleDetected) {
		h.logger.Warn("Post-commit hierarchy check failed", "locationId", committed.ID(), "error", verr)
		return nil
	}

	out := &PostCommitCycleError{
		ChildID:          committed.ID(),
		ParentID:         parent,
		CommittedVersion: committed.Version(),
		Cycle:            verr,
	}

	version, err := h.compensate(context.WithoutCancel(ctx), committed.ID(), func(state *Location) (Event, bool) {
		if p, _ := state.ParentID(); p != parent {
			return nil, false
		}
		return ParentLocationRemoved{
			EventHeader:      Header(state.ID(), h.clock()),
			PreviousParentID: parent,
			Reason:           "cycle compensation",
		}, true
	})
	out.CompensatedVersion, out.CompensationErr = version, err

	if err != nil {
		h.logger.Error("Cycle compensation failed", "locationId", committed.ID(), "parentId", parent, "error", err)
	} else {
		h.logger.Error("Cycle detected after commit, parent removed",
			"locationId", committed.ID(), "parentId", parent, "version", version)
	}
	if h.observer != nil {
		h.observer.CycleCompensated(committed.ID(), err == nil)
	}
	return out
}

// compensate appends the event build returns for the current state of id,
// retrying on conflicts. build reports false when nothing is left to undo;
// the current version is then returned.
func (h *LocationHandler) compensate(ctx context.Context, id string, build func(*Location) (Event, bool)) (int64, error) {
	var version int64
	err := h.retry(ctx, "compensation", id, func() error {
		state, err := h.repo.LoadLatest(ctx, id)
		if err != nil {
			return err
		}
		event, ok := build(state)
		if !ok {
			version = state.Version()
			return nil
		}
		next, rec, err := h.repo.commit(ctx, state, event)
		if err != nil {
			return err
		}
		version = next.Version()
		h.publish(ctx, rec)
		return nil
	})
	return version, err
}

type batchStep struct {
	move  ParentMove
	state *Location
	event Event
}

func (h *LocationHandler) handleBatch(ctx context.Context, cmd ReparentBatch) (CommandResult, error) {
	var versions map[string]int64
	err := h.retry(ctx, cmd.CommandType(), "", func() error {
		var err error
		versions, err = h.attemptBatch(ctx, cmd)
		return err
	})
	if err != nil {
		return CommandResult{}, err
	}
	return NewSuccessResultWithData("", int64(len(versions)), BatchResult{Versions: versions}), nil
}

// attemptBatch validates the whole batch against the simulated hierarchy,
// decides and pre-applies every move, and only then commits them in order.
// A failed commit reverts the moves committed before it.
func (h *LocationHandler) attemptBatch(ctx context.Context, cmd ReparentBatch) (map[string]int64, error) {
	if err := h.guard.ValidateBatch(ctx, cmd.Moves); err != nil {
		return nil, err
	}

	at := h.clock()
	steps := make([]batchStep, 0, len(cmd.Moves))
	for _, m := range cmd.Moves {
		state, err := h.repo.LoadLatest(ctx, m.ChildID)
		if err != nil {
			return nil, err
		}
		if state.Archived() {
			return nil, transitionError(ErrTerminalStateViolation, "", m.ChildID, cmd.CommandType()+" rejected")
		}

		current, _ := state.ParentID()
		if current == m.ParentID {
			continue
		}

		var event Event
		if m.ParentID == "" {
			event = ParentLocationRemoved{EventHeader: Header(m.ChildID, at), PreviousParentID: current, Reason: cmd.Reason}
		} else {
			event = ParentLocationSet{EventHeader: Header(m.ChildID, at), ParentID: m.ParentID, PreviousParentID: current, Reason: cmd.Reason}
		}
		if _, err := Apply(state, event); err != nil {
			return nil, err
		}
		steps = append(steps, batchStep{move: m, state: state, event: event})
	}

	if len(steps) == 0 {
		return nil, transitionError(ErrNoOpRejected, EventParentLocationSet, "", "every move is already in place")
	}

	versions := make(map[string]int64, len(steps))
	done := make([]batchStep, 0, len(steps))
	for _, s := range steps {
		next, rec, err := h.repo.commit(ctx, s.state, s.event)
		if err != nil {
			if rerr := h.revertBatch(ctx, done); rerr != nil {
				return nil, errors.Join(err, rerr)
			}
			return nil, err
		}
		versions[s.move.ChildID] = next.Version()
		done = append(done, s)
		h.publish(ctx, rec)
	}

	if h.verify {
		for _, s := range done {
			if s.move.ParentID == "" {
				continue
			}
			verr := h.guard.VerifyAfterCommit(ctx, s.move.ChildID)
			if !errors.Is(verr, ErrCycleDetected) {
				continue
			}
			out := &PostCommitCycleError{
				ChildID:          s.move.ChildID,
				ParentID:         s.move.ParentID,
				CommittedVersion: versions[s.move.ChildID],
				Cycle:            verr,
			}
			out.CompensationErr = h.revertBatch(ctx, done)
			if h.observer != nil {
				h.observer.CycleCompensated(s.move.ChildID, out.CompensationErr == nil)
			}
			return nil, out
		}
	}

	return versions, nil
}

// revertBatch restores the previous parent of every committed move, newest
// first, as long as nobody changed the parent since.
func (h *LocationHandler) revertBatch(ctx context.Context, done []batchStep) error {
	ctx = context.WithoutCancel(ctx)

	var errs []error
	for i := len(done) - 1; i >= 0; i-- {
		s := done[i]
		previous, _ := s.state.ParentID()

		_, err := h.compensate(ctx, s.move.ChildID, func(state *Location) (Event, bool) {
			if p, _ := state.ParentID(); p != s.move.ParentID {
				return nil, false
			}
			header := Header(state.ID(), h.clock())
			if previous == "" {
				return ParentLocationRemoved{EventHeader: header, PreviousParentID: s.move.ParentID, Reason: "batch compensation"}, true
			}
			return ParentLocationSet{EventHeader: header, ParentID: previous, PreviousParentID: s.move.ParentID, Reason: "batch compensation"}, true
		})
		if err != nil {
			h.logger.Error("Batch compensation failed", "locationId", s.move.ChildID, "error", err)
			errs = append(errs, fmt.Errorf("revert %q: %w", s.move.ChildID, err))
		}
	}
	return errors.Join(errs...)
}

func (h *LocationHandler) publish(ctx context.Context, rec RecordedEvent) {
	if h.notifier == nil {
		return
	}
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = h.clock()
	}
	h.notifier.Publish(ctx, rec)
}

// clock returns the current time as event headers store it.
func (h *LocationHandler) clock() time.Time {
	return EventTime(h.now())
}
