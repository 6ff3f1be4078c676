// Package sns publishes location notifications to AWS SNS topics.
package sns

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/AshkanYarmoradi/go-locus/adapters"
)

// SNSClient defines the subset of the SNS API used by the publisher.
type SNSClient interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Publisher publishes messages to the SNS topic named by their destination.
// Destination format: "sns:arn:aws:sns:region:account:topic".
type Publisher struct {
	client SNSClient
	fifo   bool
}

// Option configures an SNS Publisher.
type Option func(*Publisher)

// WithSNSClient sets the SNS client.
func WithSNSClient(client SNSClient) Option {
	return func(p *Publisher) {
		p.client = client
	}
}

// WithFIFO groups messages by location id and deduplicates them by
// location id and version, as FIFO topics require.
func WithFIFO() Option {
	return func(p *Publisher) {
		p.fifo = true
	}
}

// New creates a new SNS Publisher.
func New(opts ...Option) *Publisher {
	p := &Publisher{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Destination returns "sns".
func (p *Publisher) Destination() string {
	return "sns"
}

// Publish sends each message. Every message is attempted; failures are joined.
func (p *Publisher) Publish(ctx context.Context, messages []*adapters.Message) error {
	if p.client == nil {
		return fmt.Errorf("sns: client not configured")
	}

	var errs []error
	for _, msg := range messages {
		input, err := p.input(msg)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if _, err := p.client.Publish(ctx, input); err != nil {
			errs = append(errs, fmt.Errorf("sns: publish to %s: %w", aws.ToString(input.TopicArn), err))
		}
	}
	return errors.Join(errs...)
}

func (p *Publisher) input(msg *adapters.Message) (*sns.PublishInput, error) {
	arn := extractTopicARN(msg.Destination)
	if arn == "" {
		return nil, fmt.Errorf("sns: invalid destination %q: missing topic ARN", msg.Destination)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(arn),
		Message:  aws.String(string(msg.Payload)),
		Subject:  aws.String(msg.Subject),
	}

	attrs := make(map[string]types.MessageAttributeValue, len(msg.Headers))
	for k, v := range msg.Headers {
		if v == "" {
			continue
		}
		attrs[k] = types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	if len(attrs) > 0 {
		input.MessageAttributes = attrs
	}

	if p.fifo {
		input.MessageGroupId = aws.String(msg.AggregateID)
		input.MessageDeduplicationId = aws.String(fmt.Sprintf("%s-%d", msg.AggregateID, msg.Version))
	}
	return input, nil
}

func extractTopicARN(destination string) string {
	const prefix = "sns:"
	if strings.HasPrefix(destination, prefix) {
		return destination[len(prefix):]
	}
	return ""
}
