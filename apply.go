package locus

import (
	"errors"
	"strings"
)

// Apply folds one event into state and returns the next state. It is pure:
// state is never modified, and the result shares no mutable data with it.
//
// A nil state accepts only LocationDefined, which yields version 1. An
// archived state rejects every event. Each accepted event increments the
// version by exactly one.
func Apply(state *Location, event Event) (*Location, error) {
	if event == nil {
		return nil, NewValidationError("event", "must not be nil")
	}

	if state == nil {
		defined, ok := event.(LocationDefined)
		if !ok {
			return nil, transitionError(ErrOutOfSequence, event.EventType(), event.AggregateID(),
				"the first event must be "+EventLocationDefined)
		}
		return applyDefined(defined)
	}

	if event.AggregateID() != state.id {
		return nil, transitionError(ErrOutOfSequence, event.EventType(), state.id,
			"event belongs to location "+event.AggregateID())
	}

	if state.archived {
		if _, ok := event.(LocationArchived); ok {
			return nil, transitionError(ErrAlreadyArchived, event.EventType(), state.id, "")
		}
		return nil, transitionError(ErrTerminalStateViolation, event.EventType(), state.id, "")
	}

	next := state.clone()

	switch e := event.(type) {
	case LocationDefined:
		return nil, transitionError(ErrOutOfSequence, e.EventType(), state.id, "location is already defined")

	case LocationUpdated:
		if err := applyPatch(next, e); err != nil {
			return nil, err
		}

	case ParentLocationSet:
		if strings.TrimSpace(e.ParentID) == "" {
			return nil, &TransitionError{EventType: e.EventType(), LocationID: state.id, Kind: ErrValidationFailed,
				Cause: NewValidationError("parentId", "must not be empty")}
		}
		if e.ParentID == state.id {
			return nil, &TransitionError{EventType: e.EventType(), LocationID: state.id, Kind: ErrCycleDetected,
				Reason: "a location cannot be its own parent",
				Cause:  &CycleError{ChildID: state.id, ParentID: e.ParentID, Path: []string{state.id}}}
		}
		if e.ParentID == state.parentID {
			return nil, transitionError(ErrNoOpRejected, e.EventType(), state.id, "parent is already "+e.ParentID)
		}
		next.parentID = e.ParentID

	case ParentLocationRemoved:
		if state.parentID == "" {
			return nil, transitionError(ErrNoOpRejected, e.EventType(), state.id, "location has no parent")
		}
		next.parentID = ""

	case LocationMetadataAdded:
		if strings.TrimSpace(e.Key) == "" {
			return nil, &TransitionError{EventType: e.EventType(), LocationID: state.id, Kind: ErrValidationFailed,
				Cause: NewValidationError("key", "must not be empty")}
		}
		if next.metadata == nil {
			next.metadata = make(map[string]string)
		}
		next.metadata[e.Key] = e.Value

	case LocationArchived:
		next.archived = true

	default:
		return nil, transitionError(ErrUnknownEventType, event.EventType(), state.id, "")
	}

	next.version = state.version + 1
	next.updatedAt = event.OccurredAt()
	return next, nil
}

func applyDefined(e LocationDefined) (*Location, error) {
	if strings.TrimSpace(e.LocationID) == "" {
		return nil, &TransitionError{EventType: e.EventType(), Kind: ErrValidationFailed,
			Cause: NewValidationError("locationId", "must not be empty")}
	}
	if strings.TrimSpace(e.Name) == "" {
		return nil, &TransitionError{EventType: e.EventType(), LocationID: e.LocationID, Kind: ErrValidationFailed,
			Cause: NewValidationError("name", "must not be empty")}
	}
	if e.ParentID == e.LocationID {
		return nil, &TransitionError{EventType: e.EventType(), LocationID: e.LocationID, Kind: ErrCycleDetected,
			Reason: "a location cannot be its own parent"}
	}

	site, err := NewSite(e.LocationType, SiteFields{
		Address:         e.Address,
		Coordinates:     e.Coordinates,
		VirtualLocation: e.VirtualLocation,
	})
	if err != nil {
		return nil, siteError(e.EventType(), e.LocationID, err)
	}

	return &Location{
		id:        e.LocationID,
		version:   1,
		name:      e.Name,
		site:      site,
		parentID:  e.ParentID,
		createdAt: e.At,
		updatedAt: e.At,
	}, nil
}

func applyPatch(next *Location, e LocationUpdated) error {
	if e.Patch.IsEmpty() {
		return transitionError(ErrNoOpRejected, e.EventType(), next.id, "patch changes no field")
	}

	if e.Patch.Name != nil {
		if strings.TrimSpace(*e.Patch.Name) == "" {
			return &TransitionError{EventType: e.EventType(), LocationID: next.id, Kind: ErrValidationFailed,
				Cause: NewValidationError("name", "must not be empty")}
		}
		next.name = *e.Patch.Name
	}

	if e.Patch.Address == nil && e.Patch.Coordinates == nil && e.Patch.VirtualLocation == nil {
		return nil
	}

	fields := Fields(next.site)
	if e.Patch.Address != nil {
		fields.Address = e.Patch.Address
	}
	if e.Patch.Coordinates != nil {
		fields.Coordinates = e.Patch.Coordinates
	}
	if e.Patch.VirtualLocation != nil {
		fields.VirtualLocation = e.Patch.VirtualLocation
	}

	site, err := NewSite(next.site.Type(), fields)
	if err != nil {
		return siteError(e.EventType(), next.id, err)
	}
	next.site = site
	return nil
}

func siteError(eventType, id string, err error) error {
	kind := ErrValidationFailed
	if errors.Is(err, ErrInvalidFieldForType) {
		kind = ErrInvalidFieldForType
	}
	return &TransitionError{EventType: eventType, LocationID: id, Kind: kind, Cause: err}
}

// Replay folds events from an empty state. The result's version equals
// len(events).
func Replay(events []Event) (*Location, error) {
	return ReplayFrom(nil, events)
}

// ReplayFrom folds events on top of state.
func ReplayFrom(state *Location, events []Event) (*Location, error) {
	current := state
	for _, event := range events {
		next, err := Apply(current, event)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}
