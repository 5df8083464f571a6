// Package sqs carries delivery outcomes in from the send orchestrator and
// parks delivery log entries that could not be written.
package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/model"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
	Endpoint string // optional, for LocalStack
}

// API is the subset of the SQS client used here.
type API interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// NewClient builds an SQS client from the default AWS config chain.
func NewClient(ctx context.Context, cfg Config) (*sqs.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// SpillMessage wraps a delivery log entry parked for replay.
type SpillMessage struct {
	Entry     model.DeliveryLogEntry `json:"entry"`
	SpilledAt int64                  `json:"spilled_at"`
}

// SpillProducer sends unwritten delivery log entries to the spill queue.
type SpillProducer struct {
	client   API
	queueURL string
	logger   *zap.Logger
}

// NewSpillProducer creates a spill producer.
func NewSpillProducer(client API, queueURL string, logger *zap.Logger) *SpillProducer {
	logger.Info("sqs spill producer initialized", zap.String("queue_url", queueURL))
	return &SpillProducer{client: client, queueURL: queueURL, logger: logger}
}

// Spill enqueues e. The outcome attribute lets operators tell lost sent
// entries, which under-count caps, from the rest.
func (p *SpillProducer) Spill(ctx context.Context, e model.DeliveryLogEntry) error {
	body, err := json.Marshal(SpillMessage{Entry: e, SpilledAt: time.Now().UnixNano()})
	if err != nil {
		return fmt.Errorf("failed to marshal spill message: %w", err)
	}

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"outcome": {DataType: aws.String("String"), StringValue: aws.String(string(e.Outcome))},
			"queue":   {DataType: aws.String("String"), StringValue: aws.String(e.Queue)},
		},
	})
	if err != nil {
		p.logger.Error("failed to spill delivery log entry",
			zap.String("entry_id", e.ID.String()),
			zap.Error(err),
		)
		return fmt.Errorf("sqs send failed: %w", err)
	}
	return nil
}
