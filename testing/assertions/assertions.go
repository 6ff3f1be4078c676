// Package assertions checks location histories: the ordered events a
// repository returns for one location.
package assertions

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/AshkanYarmoradi/go-locus"
)

// TB is an alias for testing.TB interface to allow mocking in tests
type TB = testing.TB

// AssertEventTypes checks that history holds events of types, in order.
func AssertEventTypes(t TB, history []locus.RecordedEvent, types ...string) {
	t.Helper()

	if len(history) != len(types) {
		t.Fatalf("Expected %d events, got %d", len(types), len(history))
	}
	for i, want := range types {
		if got := history[i].Event.EventType(); got != want {
			t.Errorf("Event %d: expected type %s, got %s", i, want, got)
		}
	}
}

// AssertContiguous checks that versions run 1, 2, 3... without gaps.
func AssertContiguous(t TB, history []locus.RecordedEvent) {
	t.Helper()

	for i, rec := range history {
		if rec.Version != int64(i+1) {
			t.Errorf("Event %d: expected version %d, got %d", i, i+1, rec.Version)
		}
	}
}

// AssertEventAt checks that the event at index is a T with the payload of
// expected. Business time is ignored.
func AssertEventAt[T locus.Event](t TB, history []locus.RecordedEvent, index int, expected T) {
	t.Helper()

	if index < 0 || index >= len(history) {
		t.Fatalf("Index %d out of bounds, have %d events", index, len(history))
	}
	actual, ok := history[index].Event.(T)
	if !ok {
		t.Fatalf("Event %d is not %T, got %T", index, expected, history[index].Event)
	}
	if !SameEvent(expected, actual) {
		t.Errorf("Event %d mismatch:\nExpected: %+v\nActual: %+v", index, expected, actual)
	}
}

// AssertLastEvent checks the newest event.
func AssertLastEvent[T locus.Event](t TB, history []locus.RecordedEvent, expected T) {
	t.Helper()

	if len(history) == 0 {
		t.Fatal("Expected at least one event, got none")
	}
	AssertEventAt(t, history, len(history)-1, expected)
}

// SameEvent reports whether a and b have the same type, location and
// payload. Business time is ignored.
func SameEvent(a, b locus.Event) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.EventType() != b.EventType() || a.AggregateID() != b.AggregateID() {
		return false
	}
	pa, errA := json.Marshal(a)
	pb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(pa, pb)
}

// EventDiff is one difference between an expected and an actual history.
type EventDiff struct {
	Index    int
	Expected locus.Event
	Actual   locus.Event
	Type     DiffType
}

// DiffType represents the type of difference.
type DiffType int

const (
	// DiffMissing indicates an expected event was not present.
	DiffMissing DiffType = iota
	// DiffExtra indicates an unexpected event was present.
	DiffExtra
	// DiffMismatch indicates event data did not match.
	DiffMismatch
)

// String returns a human-readable representation of the diff type.
func (d DiffType) String() string {
	switch d {
	case DiffMissing:
		return "missing"
	case DiffExtra:
		return "extra"
	case DiffMismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// DiffEvents compares expected events with a recorded history.
func DiffEvents(expected []locus.Event, history []locus.RecordedEvent) []EventDiff {
	var diffs []EventDiff

	n := max(len(expected), len(history))
	for i := 0; i < n; i++ {
		var exp, act locus.Event
		if i < len(expected) {
			exp = expected[i]
		}
		if i < len(history) {
			act = history[i].Event
		}

		switch {
		case exp == nil:
			diffs = append(diffs, EventDiff{Index: i, Actual: act, Type: DiffExtra})
		case act == nil:
			diffs = append(diffs, EventDiff{Index: i, Expected: exp, Type: DiffMissing})
		case !SameEvent(exp, act):
			diffs = append(diffs, EventDiff{Index: i, Expected: exp, Actual: act, Type: DiffMismatch})
		}
	}
	return diffs
}

// FormatDiffs formats event diffs as a human-readable string.
func FormatDiffs(diffs []EventDiff) string {
	if len(diffs) == 0 {
		return "no differences"
	}

	var buf strings.Builder
	buf.WriteString("Event differences:\n")
	for _, d := range diffs {
		fmt.Fprintf(&buf, "  Event %d (%s):\n", d.Index, d.Type)
		switch d.Type {
		case DiffExtra:
			fmt.Fprintf(&buf, "    + %s %+v (unexpected)\n", d.Actual.EventType(), d.Actual)
		case DiffMissing:
			fmt.Fprintf(&buf, "    - %s %+v (missing)\n", d.Expected.EventType(), d.Expected)
		case DiffMismatch:
			fmt.Fprintf(&buf, "    - %s %+v\n", d.Expected.EventType(), d.Expected)
			fmt.Fprintf(&buf, "    + %s %+v\n", d.Actual.EventType(), d.Actual)
		}
	}
	return buf.String()
}

// AssertHistory fails if history differs from expected.
func AssertHistory(t TB, history []locus.RecordedEvent, expected ...locus.Event) {
	t.Helper()

	if diffs := DiffEvents(expected, history); len(diffs) > 0 {
		t.Error(FormatDiffs(diffs))
	}
}

// EventMatcher selects events.
type EventMatcher func(rec locus.RecordedEvent) bool

// MatchEventType matches events of one type.
func MatchEventType(eventType string) EventMatcher {
	return func(rec locus.RecordedEvent) bool {
		return rec.Event.EventType() == eventType
	}
}

// MatchReason matches events recorded with reason, such as compensations.
func MatchReason(reason string) EventMatcher {
	return func(rec locus.RecordedEvent) bool {
		return eventReason(rec.Event) == reason
	}
}

// MatchParent matches events that assign parentID.
func MatchParent(parentID string) EventMatcher {
	return func(rec locus.RecordedEvent) bool {
		switch e := rec.Event.(type) {
		case locus.ParentLocationSet:
			return e.ParentID == parentID
		case locus.LocationDefined:
			return e.ParentID == parentID
		}
		return false
	}
}

func eventReason(e locus.Event) string {
	switch e := e.(type) {
	case locus.LocationDefined:
		return e.Reason
	case locus.LocationUpdated:
		return e.Reason
	case locus.ParentLocationSet:
		return e.Reason
	case locus.ParentLocationRemoved:
		return e.Reason
	case locus.LocationMetadataAdded:
		return e.Reason
	case locus.LocationArchived:
		return e.Reason
	}
	return ""
}

// AssertAnyMatch checks that at least one event matches.
func AssertAnyMatch(t TB, history []locus.RecordedEvent, matcher EventMatcher) {
	t.Helper()

	for _, rec := range history {
		if matcher(rec) {
			return
		}
	}
	t.Error("No event matched the criteria")
}

// AssertNoneMatch checks that no event matches.
func AssertNoneMatch(t TB, history []locus.RecordedEvent, matcher EventMatcher) {
	t.Helper()

	for i, rec := range history {
		if matcher(rec) {
			t.Errorf("Event %d unexpectedly matched: %+v", i, rec.Event)
		}
	}
}

// CountMatches returns the number of matching events.
func CountMatches(history []locus.RecordedEvent, matcher EventMatcher) int {
	count := 0
	for _, rec := range history {
		if matcher(rec) {
			count++
		}
	}
	return count
}

// FilterEvents returns the matching events.
func FilterEvents(history []locus.RecordedEvent, matcher EventMatcher) []locus.RecordedEvent {
	var result []locus.RecordedEvent
	for _, rec := range history {
		if matcher(rec) {
			result = append(result, rec)
		}
	}
	return result
}
