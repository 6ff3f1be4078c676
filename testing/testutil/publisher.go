package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-locus"
	"github.com/AshkanYarmoradi/go-locus/adapters"
)

// RecordingPublisher is a locus.Publisher that keeps every message it is given.
type RecordingPublisher struct {
	destination string

	mu       sync.Mutex
	messages []*adapters.Message
	err      error
	notify   chan struct{}
}

// NewRecordingPublisher creates a publisher for the destination prefix, e.g. "kafka".
func NewRecordingPublisher(destination string) *RecordingPublisher {
	return &RecordingPublisher{destination: destination, notify: make(chan struct{}, 1)}
}

// FailWith makes every following Publish record the messages and return err.
func (p *RecordingPublisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Destination returns the configured prefix.
func (p *RecordingPublisher) Destination() string {
	return p.destination
}

// Publish records messages.
func (p *RecordingPublisher) Publish(_ context.Context, messages []*adapters.Message) error {
	p.mu.Lock()
	p.messages = append(p.messages, messages...)
	err := p.err
	p.mu.Unlock()

	select {
	case p.notify <- struct{}{}:
	default:
	}
	return err
}

// Messages returns a copy of the recorded messages.
func (p *RecordingPublisher) Messages() []*adapters.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*adapters.Message(nil), p.messages...)
}

// WaitFor blocks until at least n messages were recorded or timeout passes.
// It returns whatever was recorded.
func (p *RecordingPublisher) WaitFor(n int, timeout time.Duration) []*adapters.Message {
	deadline := time.After(timeout)
	for {
		if msgs := p.Messages(); len(msgs) >= n {
			return msgs
		}
		select {
		case <-p.notify:
		case <-deadline:
			return p.Messages()
		}
	}
}

var _ locus.Publisher = (*RecordingPublisher)(nil)
