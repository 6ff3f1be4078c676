package locus

import (
	"time"
)

// Event type identifiers as persisted in the event log.
const (
	EventLocationDefined       = "LocationDefined"
	EventLocationUpdated       = "LocationUpdated"
	EventParentLocationSet     = "ParentLocationSet"
	EventParentLocationRemoved = "ParentLocationRemoved"
	EventLocationMetadataAdded = "LocationMetadataAdded"
	EventLocationArchived      = "LocationArchived"
)

// Event is one of the six location events. The set is closed: only types in
// this package implement it.
type Event interface {
	// EventType returns the persisted type identifier.
	EventType() string

	// AggregateID returns the location the event belongs to.
	AggregateID() string

	// OccurredAt returns the business time of the event.
	OccurredAt() time.Time

	// Subject returns the notification subject, "location.<id>.<verb>".
	Subject() string

	withHeader(h EventHeader) Event
}

// EventHeader carries the fields every event has. They travel in the
// envelope rather than the payload.
type EventHeader struct {
	LocationID string    `json:"-" msgpack:"-"`
	At         time.Time `json:"-" msgpack:"-"`
}

// AggregateID returns the location id.
func (h EventHeader) AggregateID() string { return h.LocationID }

// OccurredAt returns the business time.
func (h EventHeader) OccurredAt() time.Time { return h.At }

// Header builds an EventHeader. The time is stored as EventTime(at).
func Header(locationID string, at time.Time) EventHeader {
	return EventHeader{LocationID: locationID, At: EventTime(at)}
}

// EventTime normalises t to UTC at microsecond precision, the finest
// resolution every event log keeps, so replayed and snapshotted state agree.
func EventTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// normalized returns event with its header rebuilt through Header.
func normalized(event Event) Event {
	return event.withHeader(Header(event.AggregateID(), event.OccurredAt()))
}

func subject(id, verb string) string {
	return "location." + id + "." + verb
}

// LocationDefined creates a location.
type LocationDefined struct {
	EventHeader
	Name            string           `json:"name"`
	LocationType    LocationType     `json:"locationType"`
	Address         *Address         `json:"address,omitempty"`
	Coordinates     *GeoCoordinates  `json:"coordinates,omitempty"`
	VirtualLocation *VirtualLocation `json:"virtualLocation,omitempty"`
	ParentID        string           `json:"parentId,omitempty"`
	Reason          string           `json:"reason,omitempty"`
}

// LocationPatch lists the fields a LocationUpdated changes. Nil means unchanged.
type LocationPatch struct {
	Name            *string          `json:"name,omitempty"`
	Address         *Address         `json:"address,omitempty"`
	Coordinates     *GeoCoordinates  `json:"coordinates,omitempty"`
	VirtualLocation *VirtualLocation `json:"virtualLocation,omitempty"`
}

// IsEmpty reports whether the patch changes nothing.
func (p LocationPatch) IsEmpty() bool {
	return p.Name == nil && p.Address == nil && p.Coordinates == nil && p.VirtualLocation == nil
}

// LocationUpdated applies a partial patch. Previous holds the replaced
// values of the patched fields for audit.
type LocationUpdated struct {
	EventHeader
	Patch    LocationPatch `json:"patch"`
	Previous LocationPatch `json:"previous"`
	Reason   string        `json:"reason,omitempty"`
}

// ParentLocationSet points the location at a parent.
type ParentLocationSet struct {
	EventHeader
	ParentID         string `json:"parentId"`
	PreviousParentID string `json:"previousParentId,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// ParentLocationRemoved clears the parent.
type ParentLocationRemoved struct {
	EventHeader
	PreviousParentID string `json:"previousParentId,omitempty"`
	Reason           string `json:"reason,omitempty"`
}

// LocationMetadataAdded inserts or overwrites one metadata entry.
type LocationMetadataAdded struct {
	EventHeader
	Key           string  `json:"key"`
	Value         string  `json:"value"`
	PreviousValue *string `json:"previousValue,omitempty"`
	Reason        string  `json:"reason,omitempty"`
}

// LocationArchived moves the location to its terminal state.
type LocationArchived struct {
	EventHeader
	Name         string       `json:"name,omitempty"`
	LocationType LocationType `json:"locationType,omitempty"`
	Reason       string       `json:"reason,omitempty"`
}

func (LocationDefined) EventType() string       { return EventLocationDefined }
func (LocationUpdated) EventType() string       { return EventLocationUpdated }
func (ParentLocationSet) EventType() string     { return EventParentLocationSet }
func (ParentLocationRemoved) EventType() string { return EventParentLocationRemoved }
func (LocationMetadataAdded) EventType() string { return EventLocationMetadataAdded }
func (LocationArchived) EventType() string      { return EventLocationArchived }

func (e LocationDefined) Subject() string       { return subject(e.LocationID, "defined") }
func (e LocationUpdated) Subject() string       { return subject(e.LocationID, "updated") }
func (e ParentLocationSet) Subject() string     { return subject(e.LocationID, "parent_set") }
func (e ParentLocationRemoved) Subject() string { return subject(e.LocationID, "parent_removed") }
func (e LocationMetadataAdded) Subject() string { return subject(e.LocationID, "metadata_added") }
func (e LocationArchived) Subject() string      { return subject(e.LocationID, "archived") }

func (e LocationDefined) withHeader(h EventHeader) Event       { e.EventHeader = h; return e }
func (e LocationUpdated) withHeader(h EventHeader) Event       { e.EventHeader = h; return e }
func (e ParentLocationSet) withHeader(h EventHeader) Event     { e.EventHeader = h; return e }
func (e ParentLocationRemoved) withHeader(h EventHeader) Event { e.EventHeader = h; return e }
func (e LocationMetadataAdded) withHeader(h EventHeader) Event { e.EventHeader = h; return e }
func (e LocationArchived) withHeader(h EventHeader) Event      { e.EventHeader = h; return e }

// RecordedEvent is an event together with its position in the log.
type RecordedEvent struct {
	Event      Event
	Version    int64
	ID         string
	RecordedAt time.Time
}
