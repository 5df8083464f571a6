package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/gatekeeper/internal/model"
)

type mockSQS struct {
	mu         sync.Mutex
	sent       []*sqs.SendMessageInput
	inbox      []types.Message
	deleted    []string
	visibility map[string]int32
	sendErr    error
	receiveErr error
}

func newMockSQS() *mockSQS {
	return &mockSQS{visibility: make(map[string]int32)}
}

func (m *mockSQS) SendMessage(ctx context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	m.sent = append(m.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String(uuid.NewString())}, nil
}

func (m *mockSQS) ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.receiveErr != nil {
		return nil, m.receiveErr
	}
	msgs := m.inbox
	m.inbox = nil
	return &sqs.ReceiveMessageOutput{Messages: msgs}, nil
}

func (m *mockSQS) DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleted = append(m.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (m *mockSQS) ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.visibility[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (m *mockSQS) push(handle, body string, receives string) {
	m.inbox = append(m.inbox, types.Message{
		MessageId:     aws.String(handle),
		ReceiptHandle: aws.String(handle),
		Body:          aws.String(body),
		Attributes:    map[string]string{"ApproximateReceiveCount": receives},
	})
}

func sentEntry() model.DeliveryLogEntry {
	return model.DeliveryLogEntry{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		Channel:   model.ChannelSMS,
		AlertType: model.AlertFraud,
		Queue:     model.QueueName(model.ChannelSMS, model.AlertFraud),
		Outcome:   model.OutcomeSent,
	}
}

func TestSpill(t *testing.T) {
	mock := newMockSQS()
	p := NewSpillProducer(mock, "http://localhost:4566/000000000000/gatekeeper-spill", zap.NewNop())
	e := sentEntry()

	if err := p.Spill(context.Background(), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(mock.sent) != 1 {
		t.Fatalf("expected 1 message, got %d", len(mock.sent))
	}

	in := mock.sent[0]
	var msg SpillMessage
	if err := json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &msg); err != nil {
		t.Fatalf("body is not a spill message: %v", err)
	}
	if msg.Entry.ID != e.ID || msg.Entry.Outcome != model.OutcomeSent {
		t.Errorf("unexpected entry: %+v", msg.Entry)
	}
	if msg.SpilledAt == 0 {
		t.Error("spilled_at should be set")
	}
	if got := aws.ToString(in.MessageAttributes["outcome"].StringValue); got != "sent" {
		t.Errorf("outcome attribute = %q, want sent", got)
	}
	if got := aws.ToString(in.MessageAttributes["queue"].StringValue); got != e.Queue {
		t.Errorf("queue attribute = %q, want %q", got, e.Queue)
	}
}

func TestSpill_Error(t *testing.T) {
	mock := newMockSQS()
	mock.sendErr = errors.New("access denied")
	p := NewSpillProducer(mock, "queue", zap.NewNop())

	if err := p.Spill(context.Background(), sentEntry()); err == nil {
		t.Fatal("expected error")
	}
}
