package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/AshkanYarmoradi/go-locus"
	"github.com/AshkanYarmoradi/go-locus/adapters"
)

// AppendHook runs before an append reaches the wrapped log. It receives the
// wrapped log so it can write concurrently-committed events.
type AppendHook func(ctx context.Context, log adapters.EventLog, streamID string) error

// Interleave returns a hook that commits event to its own stream, as a
// concurrent writer would have done inside the race window.
func Interleave(reg *locus.EventRegistry, event locus.Event) AppendHook {
	return func(ctx context.Context, log adapters.EventLog, _ string) error {
		rec, err := reg.Encode(event, adapters.Metadata{})
		if err != nil {
			return err
		}
		_, err = log.Append(ctx, locus.StreamID(event.AggregateID()), rec, adapters.AnyVersion)
		return err
	}
}

// FlakyEventLog wraps an EventLog and injects failures: transient
// unavailability, spurious version conflicts, and writes interleaved
// just before an append.
type FlakyEventLog struct {
	adapters.EventLog

	mu              sync.Mutex
	unavailAppends  int
	unavailLoads    int
	conflictAppends int
	hooks           []AppendHook
	appendCalls     int
	loadCalls       int
}

// NewFlakyEventLog wraps log.
func NewFlakyEventLog(log adapters.EventLog) *FlakyEventLog {
	return &FlakyEventLog{EventLog: log}
}

// FailAppends makes the next n appends fail with ErrStoreUnavailable.
func (f *FlakyEventLog) FailAppends(n int) *FlakyEventLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailAppends = n
	return f
}

// FailLoads makes the next n loads fail with ErrStoreUnavailable.
func (f *FlakyEventLog) FailLoads(n int) *FlakyEventLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unavailLoads = n
	return f
}

// ConflictAppends makes the next n appends fail with a version conflict
// without writing anything.
func (f *FlakyEventLog) ConflictAppends(n int) *FlakyEventLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conflictAppends = n
	return f
}

// BeforeNextAppend queues hook to run once, ahead of the next append.
// Queued hooks run on successive appends in order.
func (f *FlakyEventLog) BeforeNextAppend(hook AppendHook) *FlakyEventLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hooks = append(f.hooks, hook)
	return f
}

// AppendCalls returns how many appends were attempted.
func (f *FlakyEventLog) AppendCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.appendCalls
}

// LoadCalls returns how many loads were attempted.
func (f *FlakyEventLog) LoadCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loadCalls
}

// Append injects the configured faults, then delegates.
func (f *FlakyEventLog) Append(ctx context.Context, streamID string, event adapters.EventRecord, expectedVersion int64) (adapters.StoredEvent, error) {
	f.mu.Lock()
	f.appendCalls++
	var hook AppendHook
	if len(f.hooks) > 0 {
		hook, f.hooks = f.hooks[0], f.hooks[1:]
	}
	unavailable := f.unavailAppends > 0
	if unavailable {
		f.unavailAppends--
	}
	conflict := !unavailable && f.conflictAppends > 0
	if conflict {
		f.conflictAppends--
	}
	f.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, f.EventLog, streamID); err != nil {
			return adapters.StoredEvent{}, fmt.Errorf("testutil: append hook: %w", err)
		}
	}
	if unavailable {
		return adapters.StoredEvent{}, adapters.NewUnavailableError("append", fmt.Errorf("injected outage"))
	}
	if conflict {
		return adapters.StoredEvent{}, adapters.NewConcurrencyError(streamID, expectedVersion, expectedVersion+1)
	}
	return f.EventLog.Append(ctx, streamID, event, expectedVersion)
}

// Load injects the configured faults, then delegates.
func (f *FlakyEventLog) Load(ctx context.Context, streamID string, fromVersion int64) ([]adapters.StoredEvent, error) {
	f.mu.Lock()
	f.loadCalls++
	unavailable := f.unavailLoads > 0
	if unavailable {
		f.unavailLoads--
	}
	f.mu.Unlock()

	if unavailable {
		return nil, adapters.NewUnavailableError("load", fmt.Errorf("injected outage"))
	}
	return f.EventLog.Load(ctx, streamID, fromVersion)
}

var _ adapters.EventLog = (*FlakyEventLog)(nil)
