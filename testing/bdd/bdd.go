// Package bdd provides Given-When-Then fixtures for location commands.
//
//	bdd.Given(t, testutil.Chain("a", "b")...).
//	    When(locus.SetParentLocation{LocationID: "a", ParentID: "b"}).
//	    ThenError(locus.ErrCycleDetected)
//
// Each scenario runs against a fresh in-memory event log. Given events are
// appended as history; Then compares only what the command appended.
package bdd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/AshkanYarmoradi/go-locus"
	"github.com/AshkanYarmoradi/go-locus/adapters"
	"github.com/AshkanYarmoradi/go-locus/adapters/memory"
	"github.com/AshkanYarmoradi/go-locus/testing/testutil"
)

// TB is an alias for testing.TB to allow mocking in tests.
type TB = testing.TB

// Scenario is one Given-When-Then run over a LocationHandler.
type Scenario struct {
	t       TB
	ctx     context.Context
	log     *recordingLog
	repo    *locus.Repository
	opts    []locus.HandlerOption
	handler *locus.LocationHandler
	given   []locus.Event

	result   locus.CommandResult
	err      error
	executed bool
}

// Given starts a scenario whose event log already holds events.
func Given(t TB, events ...locus.Event) *Scenario {
	t.Helper()
	log := &recordingLog{EventLog: memory.NewAdapter()}
	return &Scenario{
		t:     t,
		ctx:   context.Background(),
		log:   log,
		repo:  locus.NewRepository(log),
		given: events,
	}
}

// WithContext sets the context the command runs with.
func (s *Scenario) WithContext(ctx context.Context) *Scenario {
	s.ctx = ctx
	return s
}

// WithHandlerOptions adds options for the handler built by When.
func (s *Scenario) WithHandlerOptions(opts ...locus.HandlerOption) *Scenario {
	s.opts = append(s.opts, opts...)
	return s
}

// Handler returns the handler, building it if needed.
func (s *Scenario) Handler() *locus.LocationHandler {
	if s.handler == nil {
		opts := append([]locus.HandlerOption{locus.WithClock(testutil.Clock())}, s.opts...)
		s.handler = locus.NewLocationHandler(s.repo, opts...)
	}
	return s.handler
}

// Repository returns the scenario's repository.
func (s *Scenario) Repository() *locus.Repository {
	return s.repo
}

// When seeds the given history and handles cmd.
func (s *Scenario) When(cmd locus.Command) *Scenario {
	s.t.Helper()

	if err := testutil.Seed(s.ctx, s.repo, s.given...); err != nil {
		s.t.Fatalf("bdd: failed to store given events: %v", err)
	}
	s.log.record()

	s.result, s.err = s.Handler().Handle(s.ctx, cmd)
	s.executed = true
	return s
}

func (s *Scenario) mustHaveRun(step string) {
	s.t.Helper()
	if !s.executed {
		s.t.Fatalf("bdd: %s() must be called after When() - no command was handled", step)
	}
}

// Then asserts the command succeeded and appended exactly expected, in
// order. Events match on type, location and payload; business time is ignored.
func (s *Scenario) Then(expected ...locus.Event) *Scenario {
	s.t.Helper()
	s.mustHaveRun("Then")

	if s.err != nil {
		s.t.Fatalf("Expected success but got error: %v", s.err)
	}

	actual := s.appended()
	if len(actual) != len(expected) {
		s.t.Fatalf("Expected %d events, got %d.\nExpected: %+v\nActual: %+v",
			len(expected), len(actual), expected, actual)
	}
	for i := range expected {
		if !sameEvent(expected[i], actual[i]) {
			s.t.Errorf("Event %d mismatch:\nExpected: %+v\nActual: %+v", i, expected[i], actual[i])
		}
	}
	return s
}

// ThenNoEvents asserts the command succeeded without appending anything.
func (s *Scenario) ThenNoEvents() {
	s.t.Helper()
	s.mustHaveRun("ThenNoEvents")

	if s.err != nil {
		s.t.Fatalf("Expected success but got error: %v", s.err)
	}
	if actual := s.appended(); len(actual) > 0 {
		s.t.Errorf("Expected no events, got %d: %+v", len(actual), actual)
	}
}

// ThenError asserts the command failed with an error matching expected.
func (s *Scenario) ThenError(expected error) *Scenario {
	s.t.Helper()
	s.mustHaveRun("ThenError")

	if s.err == nil {
		s.t.Fatal("Expected error but got success")
	}
	if !errors.Is(s.err, expected) {
		s.t.Errorf("Expected error %v, got %v", expected, s.err)
	}
	if s.result.IsSuccess() {
		s.t.Errorf("Expected an error result, got success")
	}
	return s
}

// ThenErrorContains asserts the error message contains substring.
func (s *Scenario) ThenErrorContains(substring string) {
	s.t.Helper()
	s.mustHaveRun("ThenErrorContains")

	if s.err == nil {
		s.t.Fatal("Expected error but got success")
	}
	if !strings.Contains(s.err.Error(), substring) {
		s.t.Errorf("Expected error containing %q, got %q", substring, s.err.Error())
	}
}

// ThenVersion asserts the resulting aggregate version.
func (s *Scenario) ThenVersion(expected int64) *Scenario {
	s.t.Helper()
	s.mustHaveRun("ThenVersion")

	if s.result.Version != expected {
		s.t.Errorf("Expected version %d, got %d", expected, s.result.Version)
	}
	return s
}

// ThenState loads the location and passes it to check.
func (s *Scenario) ThenState(id string, check func(loc *locus.Location)) *Scenario {
	s.t.Helper()
	s.mustHaveRun("ThenState")

	loc, err := s.repo.LoadLatest(s.ctx, id)
	if err != nil {
		s.t.Fatalf("bdd: failed to load %q: %v", id, err)
	}
	check(loc)
	return s
}

// Result returns the command result and error.
func (s *Scenario) Result() (locus.CommandResult, error) {
	return s.result, s.err
}

func (s *Scenario) appended() []locus.Event {
	s.t.Helper()
	stored := s.log.recorded()
	events := make([]locus.Event, 0, len(stored))
	for _, se := range stored {
		id := strings.TrimPrefix(se.StreamID, "Location-")
		rec, err := s.repo.Registry().DecodeStored(id, se)
		if err != nil {
			s.t.Fatalf("bdd: failed to decode appended event: %v", err)
		}
		events = append(events, rec.Event)
	}
	return events
}

func sameEvent(a, b locus.Event) bool {
	if a.EventType() != b.EventType() || a.AggregateID() != b.AggregateID() {
		return false
	}
	pa, errA := json.Marshal(a)
	pb, errB := json.Marshal(b)
	return errA == nil && errB == nil && bytes.Equal(pa, pb)
}

// recordingLog keeps the events appended once recording starts.
type recordingLog struct {
	adapters.EventLog

	mu        sync.Mutex
	recording bool
	events    []adapters.StoredEvent
}

func (l *recordingLog) record() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recording = true
}

func (l *recordingLog) recorded() []adapters.StoredEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]adapters.StoredEvent(nil), l.events...)
}

func (l *recordingLog) Append(ctx context.Context, streamID string, event adapters.EventRecord, expectedVersion int64) (adapters.StoredEvent, error) {
	stored, err := l.EventLog.Append(ctx, streamID, event, expectedVersion)
	if err == nil {
		l.mu.Lock()
		if l.recording {
			l.events = append(l.events, stored)
		}
		l.mu.Unlock()
	}
	return stored, err
}
