// Package sns publishes the alert transition stream to an SNS topic for
// the external observability collaborator.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/lalithlochan/gatekeeper/internal/model"
)

// maxBatch is the SNS PublishBatch entry limit.
const maxBatch = 10

// API is the subset of the SNS client the publisher uses.
type API interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	PublishBatch(ctx context.Context, in *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

// Publisher sends alert transitions to a topic. Subscribers filter on the
// kind, severity and status message attributes.
type Publisher struct {
	client   API
	topicARN string
}

// NewPublisher creates a publisher using the default AWS config chain.
func NewPublisher(ctx context.Context, topicARN string, optFns ...func(*config.LoadOptions) error) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &Publisher{client: sns.NewFromConfig(cfg), topicARN: topicARN}, nil
}

// NewPublisherWithEndpoint creates a publisher against a custom endpoint
// (LocalStack).
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return &Publisher{client: client, topicARN: topicARN}, nil
}

// NewPublisherWithClient wraps an existing client.
func NewPublisherWithClient(client API, topicARN string) *Publisher {
	return &Publisher{client: client, topicARN: topicARN}
}

func attributes(tr model.AlertTransition) map[string]types.MessageAttributeValue {
	str := func(v string) types.MessageAttributeValue {
		return types.MessageAttributeValue{DataType: aws.String("String"), StringValue: aws.String(v)}
	}
	return map[string]types.MessageAttributeValue{
		"kind":     str(string(tr.Kind)),
		"severity": str(string(tr.Severity)),
		"status":   str(string(tr.To)),
	}
}

// PublishTransition sends one transition.
func (p *Publisher) PublishTransition(ctx context.Context, tr model.AlertTransition) error {
	payload, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("failed to marshal transition: %w", err)
	}

	_, err = p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(payload)),
		Subject:           aws.String(fmt.Sprintf("[%s] %s %s", tr.Severity, tr.Kind, tr.To)),
		MessageAttributes: attributes(tr),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}
	return nil
}

// PublishBatch sends up to ten transitions in one call, used when the
// feed is replayed from the store.
func (p *Publisher) PublishBatch(ctx context.Context, trs []model.AlertTransition) error {
	if len(trs) == 0 {
		return nil
	}
	if len(trs) > maxBatch {
		return fmt.Errorf("batch size %d exceeds SNS limit of %d", len(trs), maxBatch)
	}

	entries := make([]types.PublishBatchRequestEntry, len(trs))
	for i, tr := range trs {
		payload, err := json.Marshal(tr)
		if err != nil {
			return fmt.Errorf("failed to marshal transition %d: %w", i, err)
		}
		entries[i] = types.PublishBatchRequestEntry{
			Id:                aws.String(tr.ID.String()),
			Message:           aws.String(string(payload)),
			MessageAttributes: attributes(tr),
		}
	}

	result, err := p.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(p.topicARN),
		PublishBatchRequestEntries: entries,
	})
	if err != nil {
		return fmt.Errorf("failed to publish batch to SNS: %w", err)
	}
	if len(result.Failed) > 0 {
		return fmt.Errorf("partial batch failure: %d of %d transitions failed", len(result.Failed), len(trs))
	}
	return nil
}
