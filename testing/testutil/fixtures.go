// Package testutil provides fixtures and fault-injecting test doubles for locus.
package testutil

import (
	"time"

	"github.com/AshkanYarmoradi/go-locus"
)

// Epoch is the fixed business time used by the fixtures.
var Epoch = time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)

// Clock returns a function that reports Epoch plus one second per call.
func Clock() func() time.Time {
	next := Epoch
	return func() time.Time {
		now := next
		next = next.Add(time.Second)
		return now
	}
}

// Address returns a valid street address.
func Address() *locus.Address {
	return &locus.Address{
		Street1:    "221B Baker Street",
		Locality:   "London",
		Region:     "Greater London",
		Country:    "GB",
		PostalCode: "NW1 6XE",
	}
}

// Coordinates returns valid WGS84 coordinates.
func Coordinates() *locus.GeoCoordinates {
	return &locus.GeoCoordinates{Latitude: 51.5237, Longitude: -0.1585, CoordinateSystem: "WGS84"}
}

// Website returns a valid website virtual location.
func Website() *locus.VirtualLocation {
	v, err := locus.Website("https://shop.example.com")
	if err != nil {
		panic(err)
	}
	return &v
}

// PhysicalDefined returns a LocationDefined for a physical location.
func PhysicalDefined(id, name string) locus.LocationDefined {
	return locus.LocationDefined{
		EventHeader:  locus.Header(id, Epoch),
		Name:         name,
		LocationType: locus.Physical,
		Address:      Address(),
		Coordinates:  Coordinates(),
	}
}

// LogicalDefined returns a LocationDefined for a logical location, optionally
// under parentID.
func LogicalDefined(id, name, parentID string) locus.LocationDefined {
	return locus.LocationDefined{
		EventHeader:  locus.Header(id, Epoch),
		Name:         name,
		LocationType: locus.Logical,
		ParentID:     parentID,
	}
}

// VirtualDefined returns a LocationDefined for a website.
func VirtualDefined(id, name string) locus.LocationDefined {
	return locus.LocationDefined{
		EventHeader:     locus.Header(id, Epoch),
		Name:            name,
		LocationType:    locus.Virtual,
		VirtualLocation: Website(),
	}
}

// ParentSet returns a ParentLocationSet.
func ParentSet(id, parentID string) locus.ParentLocationSet {
	return locus.ParentLocationSet{EventHeader: locus.Header(id, Epoch), ParentID: parentID}
}

// ParentRemoved returns a ParentLocationRemoved.
func ParentRemoved(id, previous string) locus.ParentLocationRemoved {
	return locus.ParentLocationRemoved{EventHeader: locus.Header(id, Epoch), PreviousParentID: previous}
}

// Renamed returns a LocationUpdated that changes only the name.
func Renamed(id, from, to string) locus.LocationUpdated {
	return locus.LocationUpdated{
		EventHeader: locus.Header(id, Epoch),
		Patch:       locus.LocationPatch{Name: &to},
		Previous:    locus.LocationPatch{Name: &from},
	}
}

// MetadataAdded returns a LocationMetadataAdded.
func MetadataAdded(id, key, value string) locus.LocationMetadataAdded {
	return locus.LocationMetadataAdded{EventHeader: locus.Header(id, Epoch), Key: key, Value: value}
}

// Archived returns a LocationArchived.
func Archived(id string) locus.LocationArchived {
	return locus.LocationArchived{EventHeader: locus.Header(id, Epoch)}
}

// Chain returns the events that define ids as a parent chain: ids[0] is the
// root and every following id is a child of the one before it.
func Chain(ids ...string) []locus.Event {
	events := make([]locus.Event, 0, len(ids))
	parent := ""
	for _, id := range ids {
		events = append(events, LogicalDefined(id, id, parent))
		parent = id
	}
	return events
}
