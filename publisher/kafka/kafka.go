// Package kafka publishes location notifications to Kafka topics using
// github.com/segmentio/kafka-go. Messages are keyed by location id so the
// events of one location stay in one partition, in order.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/AshkanYarmoradi/go-locus/adapters"
)

// Publisher writes messages to the topic named by their destination.
// Destination format: "kafka:topic-name". The placeholder "{type}" in the
// topic is replaced by the event type.
type Publisher struct {
	brokers      []string
	balancer     kafkago.Balancer
	batchTimeout time.Duration
	transport    kafkago.RoundTripper
	mu           sync.RWMutex
	writers      map[string]*kafkago.Writer
}

// Option configures a Kafka Publisher.
type Option func(*Publisher)

// WithBrokers sets the Kafka broker addresses.
func WithBrokers(brokers ...string) Option {
	return func(p *Publisher) {
		p.brokers = brokers
	}
}

// WithBalancer sets the partitioner. The default hashes the location id.
func WithBalancer(balancer kafkago.Balancer) Option {
	return func(p *Publisher) {
		p.balancer = balancer
	}
}

// WithBatchTimeout sets the batch timeout for the writer.
func WithBatchTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		p.batchTimeout = d
	}
}

// WithTransport sets the transport used by the writers.
func WithTransport(rt kafkago.RoundTripper) Option {
	return func(p *Publisher) {
		p.transport = rt
	}
}

// New creates a new Kafka Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{
		brokers:      []string{"localhost:9092"},
		balancer:     &kafkago.Hash{},
		batchTimeout: 10 * time.Millisecond,
		writers:      make(map[string]*kafkago.Writer),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Destination returns "kafka".
func (p *Publisher) Destination() string {
	return "kafka"
}

// Publish writes the messages grouped by topic. Every topic is attempted;
// failures are joined.
func (p *Publisher) Publish(ctx context.Context, messages []*adapters.Message) error {
	grouped := make(map[string][]kafkago.Message)
	var errs []error

	for _, msg := range messages {
		topic := topicFor(msg)
		if topic == "" {
			errs = append(errs, fmt.Errorf("kafka: invalid destination %q: missing topic", msg.Destination))
			continue
		}
		grouped[topic] = append(grouped[topic], toKafka(msg))
	}

	for topic, msgs := range grouped {
		if err := p.writer(topic).WriteMessages(ctx, msgs...); err != nil {
			errs = append(errs, fmt.Errorf("kafka: write to topic %s: %w", topic, err))
		}
	}
	return errors.Join(errs...)
}

func toKafka(msg *adapters.Message) kafkago.Message {
	km := kafkago.Message{
		Key:   []byte(msg.AggregateID),
		Value: msg.Payload,
	}
	for k, v := range msg.Headers {
		if v == "" {
			continue
		}
		km.Headers = append(km.Headers, kafkago.Header{Key: k, Value: []byte(v)})
	}
	return km
}

// Close closes all writers.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(p.writers, topic)
	}
	return errors.Join(errs...)
}

func (p *Publisher) writer(topic string) *kafkago.Writer {
	p.mu.RLock()
	w, ok := p.writers[topic]
	p.mu.RUnlock()
	if ok {
		return w
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writers[topic]; ok {
		return w
	}

	w = &kafkago.Writer{
		Addr:                   kafkago.TCP(p.brokers...),
		Topic:                  topic,
		Balancer:               p.balancer,
		BatchTimeout:           p.batchTimeout,
		Transport:              p.transport,
		AllowAutoTopicCreation: true,
	}
	p.writers[topic] = w
	return w
}

// topicFor strips the "kafka:" prefix and expands "{type}".
func topicFor(msg *adapters.Message) string {
	const prefix = "kafka:"
	if !strings.HasPrefix(msg.Destination, prefix) {
		return ""
	}
	topic := msg.Destination[len(prefix):]
	return strings.ReplaceAll(topic, "{type}", msg.EventType)
}
