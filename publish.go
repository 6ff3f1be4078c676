package locus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/AshkanYarmoradi/go-locus/adapters"
)

// Publisher delivers notifications to an external system.
type Publisher interface {
	// Publish sends one or more messages.
	Publish(ctx context.Context, messages []*adapters.Message) error

	// Destination returns the destination prefix this publisher handles
	// (e.g. "webhook", "kafka", "sns").
	Destination() string
}

// Route sends matching events to a destination such as
// "kafka:locations" or "webhook:https://example.com/hooks".
type Route struct {
	// EventTypes is the list of event types this route matches. Empty matches all.
	EventTypes []string

	// Destination is the publisher-prefixed target.
	Destination string

	// Filter optionally drops events. Return true to publish.
	Filter func(RecordedEvent) bool
}

func (r Route) matches(rec RecordedEvent) bool {
	if len(r.EventTypes) > 0 {
		found := false
		for _, t := range r.EventTypes {
			if t == rec.Event.EventType() {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return r.Filter == nil || r.Filter(rec)
}

// PublishObserver receives the outcome of every delivery.
type PublishObserver interface {
	ObservePublish(destination string, err error)
}

// Notifier publishes committed events downstream. Delivery is fire-and-forget:
// failures are logged and never reach the command that produced the event.
type Notifier struct {
	registry   *EventRegistry
	routes     []Route
	publishers map[string]Publisher
	timeout    time.Duration
	sync       bool
	logger     Logger
	observer   PublishObserver

	pending sync.WaitGroup
}

// NotifierOption configures a Notifier.
type NotifierOption func(*Notifier)

// WithRoutes adds routes.
func WithRoutes(routes ...Route) NotifierOption {
	return func(n *Notifier) {
		n.routes = append(n.routes, routes...)
	}
}

// WithPublisher registers a publisher under its destination prefix.
func WithPublisher(p Publisher) NotifierOption {
	return func(n *Notifier) {
		n.publishers[p.Destination()] = p
	}
}

// WithPublishTimeout bounds each delivery.
func WithPublishTimeout(d time.Duration) NotifierOption {
	return func(n *Notifier) {
		n.timeout = d
	}
}

// WithSyncPublish delivers on the caller's goroutine.
func WithSyncPublish() NotifierOption {
	return func(n *Notifier) {
		n.sync = true
	}
}

// WithNotifierLogger sets the logger.
func WithNotifierLogger(l Logger) NotifierOption {
	return func(n *Notifier) {
		n.logger = l
	}
}

// WithNotifierObserver reports delivery outcomes to o.
func WithNotifierObserver(o PublishObserver) NotifierOption {
	return func(n *Notifier) {
		n.observer = o
	}
}

// WithNotifierRegistry sets the registry used to build envelopes.
func WithNotifierRegistry(r *EventRegistry) NotifierOption {
	return func(n *Notifier) {
		n.registry = r
	}
}

// NewNotifier creates a Notifier.
func NewNotifier(opts ...NotifierOption) *Notifier {
	n := &Notifier{
		registry:   NewEventRegistry(),
		publishers: make(map[string]Publisher),
		timeout:    10 * time.Second,
		logger:     &noopLogger{},
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Publish routes rec to every matching destination.
func (n *Notifier) Publish(ctx context.Context, rec RecordedEvent) {
	batches, err := n.messagesFor(ctx, rec)
	if err != nil {
		n.logger.Warn("Notification dropped", "eventType", rec.Event.EventType(),
			"locationId", rec.Event.AggregateID(), "error", err)
		return
	}

	ctx = context.WithoutCancel(ctx)
	for dest, msgs := range batches {
		if n.sync {
			n.deliver(ctx, dest, msgs)
			continue
		}
		n.pending.Add(1)
		go func(dest string, msgs []*adapters.Message) {
			defer n.pending.Done()
			n.deliver(ctx, dest, msgs)
		}(dest, msgs)
	}
}

// Close waits for background deliveries.
func (n *Notifier) Close() error {
	n.pending.Wait()
	return nil
}

// messagesFor builds one message per matching route, grouped by publisher.
func (n *Notifier) messagesFor(ctx context.Context, rec RecordedEvent) (map[string][]*adapters.Message, error) {
	batches := make(map[string][]*adapters.Message)
	var payload []byte

	md := MetadataFromContext(ctx)
	for _, route := range n.routes {
		if !route.matches(rec) {
			continue
		}
		if payload == nil {
			var err error
			if payload, err = n.registry.MarshalEnvelope(rec.Event, rec.Version); err != nil {
				return nil, err
			}
		}

		prefix := destinationPrefix(route.Destination)
		batches[prefix] = append(batches[prefix], &adapters.Message{
			ID:          rec.ID,
			AggregateID: rec.Event.AggregateID(),
			EventType:   rec.Event.EventType(),
			Subject:     rec.Event.Subject(),
			Version:     rec.Version,
			Destination: route.Destination,
			Payload:     payload,
			Headers: map[string]string{
				"location-id":    rec.Event.AggregateID(),
				"event-type":     rec.Event.EventType(),
				"subject":        rec.Event.Subject(),
				"version":        fmt.Sprint(rec.Version),
				"correlation-id": md.CorrelationID,
				"causation-id":   md.CausationID,
			},
		})
	}
	return batches, nil
}

func (n *Notifier) deliver(ctx context.Context, prefix string, msgs []*adapters.Message) {
	p, ok := n.publishers[prefix]
	if !ok {
		n.logger.Warn("No publisher for destination", "destination", prefix)
		n.observe(prefix, fmt.Errorf("locus: no publisher for %q", prefix))
		return
	}

	if n.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.timeout)
		defer cancel()
	}

	err := p.Publish(ctx, msgs)
	if err != nil {
		n.logger.Warn("Publish failed", "destination", prefix, "messages", len(msgs), "error", err)
	}
	n.observe(prefix, err)
}

func (n *Notifier) observe(dest string, err error) {
	if n.observer != nil {
		n.observer.ObservePublish(dest, err)
	}
}

// destinationPrefix extracts the prefix from a destination string.
// For example, "webhook:https://example.com" returns "webhook".
func destinationPrefix(destination string) string {
	if idx := strings.Index(destination, ":"); idx > 0 {
		return destination[:idx]
	}
	return destination
}
