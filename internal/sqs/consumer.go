package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/deliverylog"
	"github.com/lalithlochan/gatekeeper/internal/metrics"
	"github.com/lalithlochan/gatekeeper/internal/model"
)

// ErrMalformed marks a message that can never be processed. It is
// deleted instead of redelivered.
var ErrMalformed = errors.New("malformed message")

// Handler processes one message body.
type Handler func(ctx context.Context, body []byte) error

// ConsumerConfig tunes polling.
type ConsumerConfig struct {
	BatchSize         int32
	WaitTimeSeconds   int32
	VisibilityTimeout int32
	// RetryDelays is the visibility backoff per receive count.
	RetryDelays []time.Duration
}

// Consumer long-polls a queue and dispatches messages to a handler.
type Consumer struct {
	client   API
	queueURL string
	name     string
	handler  Handler
	config   ConsumerConfig
	logger   *zap.Logger
}

// NewConsumer creates a consumer.
func NewConsumer(client API, queueURL, name string, handler Handler, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 10
	}
	if cfg.WaitTimeSeconds == 0 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout == 0 {
		cfg.VisibilityTimeout = 60
	}
	if cfg.RetryDelays == nil {
		cfg.RetryDelays = []time.Duration{
			30 * time.Second, // receive 1 → wait 30s
			2 * time.Minute,  // receive 2 → wait 2 min
			10 * time.Minute, // receive 3+ → wait 10 min
		}
	}

	logger.Info("sqs consumer initialized", zap.String("name", name), zap.String("queue_url", queueURL))
	return &Consumer{client: client, queueURL: queueURL, name: name, handler: handler, config: cfg, logger: logger}
}

// Run polls until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("sqs consumer stopping", zap.String("name", c.name))
			return
		default:
		}

		if _, err := c.Poll(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("sqs poll failed", zap.String("name", c.name), zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// Poll receives one batch and handles every message in it. It returns
// the number of messages received.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: c.config.BatchSize,
		WaitTimeSeconds:     c.config.WaitTimeSeconds,
		VisibilityTimeout:   c.config.VisibilityTimeout,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}

	metrics.SetSQSMessagesInFlight(len(out.Messages))
	defer metrics.SetSQSMessagesInFlight(0)

	for _, msg := range out.Messages {
		c.handle(ctx, msg)
	}
	return len(out.Messages), nil
}

func (c *Consumer) handle(ctx context.Context, msg types.Message) {
	id := aws.ToString(msg.MessageId)
	err := c.handler(ctx, []byte(aws.ToString(msg.Body)))

	switch {
	case err == nil:
	case errors.Is(err, ErrMalformed):
		c.logger.Error("dropping malformed message", zap.String("name", c.name), zap.String("message_id", id), zap.Error(err))
	default:
		receives := receiveCount(msg)
		delay := c.retryDelay(receives)
		c.logger.Warn("message handling failed, will be redelivered",
			zap.String("name", c.name),
			zap.String("message_id", id),
			zap.Int("receive_count", receives),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		if verr := c.ChangeVisibility(ctx, aws.ToString(msg.ReceiptHandle), int32(delay.Seconds())); verr != nil {
			c.logger.Error("failed to extend visibility", zap.String("message_id", id), zap.Error(verr))
		}
		return
	}

	if derr := c.DeleteMessage(ctx, aws.ToString(msg.ReceiptHandle)); derr != nil {
		c.logger.Error("failed to delete message", zap.String("message_id", id), zap.Error(derr))
	}
}

func (c *Consumer) retryDelay(receives int) time.Duration {
	idx := receives - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(c.config.RetryDelays) {
		idx = len(c.config.RetryDelays) - 1
	}
	return c.config.RetryDelays[idx]
}

func receiveCount(msg types.Message) int {
	n, err := strconv.Atoi(msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil {
		return 1
	}
	return n
}

// DeleteMessage removes a processed message.
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// ChangeVisibility delays redelivery of a message.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}

// AttemptRecorder is the delivery log write the outcome handler needs.
type AttemptRecorder interface {
	RecordAttempt(ctx context.Context, a deliverylog.Attempt) (model.DeliveryLogEntry, error)
}

// OutcomeHandler records transport outcomes reported by the orchestrator.
// Invalid reports are dropped; write failures are left for redelivery,
// which is safe because appends are idempotent on the attempt ID.
func OutcomeHandler(rec AttemptRecorder) Handler {
	return func(ctx context.Context, body []byte) error {
		var a deliverylog.Attempt
		if err := json.Unmarshal(body, &a); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		_, err := rec.RecordAttempt(ctx, a)
		if err != nil && !errors.Is(err, model.ErrLogWrite) {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return err
	}
}

// EntryReplayer writes a spilled entry back to the log.
type EntryReplayer interface {
	Replay(ctx context.Context, e model.DeliveryLogEntry) error
}

// SpillHandler drains the spill queue back into the delivery log.
func SpillHandler(r EntryReplayer) Handler {
	return func(ctx context.Context, body []byte) error {
		var msg SpillMessage
		if err := json.Unmarshal(body, &msg); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return r.Replay(ctx, msg.Entry)
	}
}
