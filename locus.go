// Package locus provides an event-sourced Location aggregate with an
// acyclic parent/child hierarchy.
//
// Every change to a location is an immutable event. Current state is the
// fold of those events through the pure Apply function; the Repository
// rebuilds it from the event log plus periodic snapshots and appends new
// events under optimistic concurrency. The HierarchyGuard walks ancestor
// chains across locations to keep the hierarchy free of cycles.
//
// # Quick Start
//
// Wire a repository over the in-memory adapter and a handler on top:
//
//	import (
//	    "github.com/AshkanYarmoradi/go-locus"
//	    "github.com/AshkanYarmoradi/go-locus/adapters/memory"
//	)
//
//	store := memory.NewAdapter()
//	repo := locus.NewRepository(store, locus.WithSnapshots(store, 100))
//	handler := locus.NewLocationHandler(repo)
//
//	result, err := handler.Handle(ctx, locus.DefineLocation{
//	    Name:         "HQ",
//	    LocationType: locus.Physical,
//	    Address:      &locus.Address{Street1: "1 Main St", Locality: "Springfield", Region: "IL", Country: "US", PostalCode: "62701"},
//	})
//
// For production, use the PostgreSQL adapter:
//
//	adapter, err := postgres.NewAdapter(connStr)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	repo := locus.NewRepository(adapter, locus.WithSnapshots(adapter, 100))
//
// # Hierarchy
//
// SetParentLocation is validated against the ancestor chain of the proposed
// parent before the event is appended, and re-checked after the append:
//
//	_, err := handler.Handle(ctx, locus.SetParentLocation{LocationID: floor, ParentID: building})
//	if errors.Is(err, locus.ErrCycleDetected) {
//	    // rejected before anything was written
//	}
//
// ReparentBatch moves several locations at once, validated against the
// graph as it would look after every move.
//
// # Commands on a bus
//
// The handler registers all location commands on a CommandBus:
//
//	bus := locus.NewCommandBus()
//	bus.Use(locus.RecoveryMiddleware())
//	bus.Use(locus.ValidationMiddleware())
//	handler.RegisterAll(bus)
//
//	result, err := bus.Dispatch(ctx, locus.ArchiveLocation{LocationID: id})
package locus

import (
	"strings"

	"github.com/AshkanYarmoradi/go-locus/adapters"
)

// Version returns the library version string.
func Version() string {
	return "0.1.0"
}

// StreamCategory is the category prefix of every location stream.
const StreamCategory = "Location"

// Version constants for optimistic concurrency control.
const (
	AnyVersion   = adapters.AnyVersion
	NoStream     = adapters.NoStream
	StreamExists = adapters.StreamExists
)

// StreamID returns the event log stream of a location: "Location-{id}".
func StreamID(locationID string) string {
	return StreamCategory + "-" + locationID
}

// LocationIDFromStream is the inverse of StreamID.
func LocationIDFromStream(streamID string) (string, bool) {
	id, ok := strings.CutPrefix(streamID, StreamCategory+"-")
	return id, ok && id != ""
}

// Logger defines the logging interface used across the package.
// Arguments after msg are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...interface{})
	Info(msg string, args ...interface{})
	Warn(msg string, args ...interface{})
	Error(msg string, args ...interface{})
}

// noopLogger is a no-op logger implementation.
type noopLogger struct{}

func (l *noopLogger) Debug(msg string, args ...interface{}) {}
func (l *noopLogger) Info(msg string, args ...interface{})  {}
func (l *noopLogger) Warn(msg string, args ...interface{})  {}
func (l *noopLogger) Error(msg string, args ...interface{}) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger {
	return &noopLogger{}
}
