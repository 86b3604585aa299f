package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"playsync/internal/config"
	"playsync/internal/types"
)

// --- Mock SQS Client ---

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	// calls records every SendMessageInput passed to SendMessage.
	calls []*sqs.SendMessageInput
	// err is returned by SendMessage if non-nil (simulates SQS failures).
	err error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

// --- Test Helpers ---

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/ack-retry"

func newTestPublisher(mock *mockSQSSender) *AckRetryPublisher {
	awsCfg := config.AWSConfig{
		AckRetryQueue: testQueueURL,
	}
	logger := slog.Default()
	return NewAckRetryPublisher(mock, awsCfg, logger)
}

// --- Tests ---

func TestScheduleAckRetry_SendsToConfiguredQueue(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	err := pub.ScheduleAckRetry(context.Background(), "user-1", "premium_monthly", "tok_abc", time.Minute)
	if err != nil {
		t.Fatalf("ScheduleAckRetry returned unexpected error: %v", err)
	}

	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(mock.calls))
	}
	if *mock.calls[0].QueueUrl != testQueueURL {
		t.Errorf("expected queue URL %q, got %q", testQueueURL, *mock.calls[0].QueueUrl)
	}
}

func TestScheduleAckRetry_SerializesFullIdentity(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	err := pub.ScheduleAckRetry(context.Background(), "user-42", "premium_yearly", "tok_xyz_789", time.Minute)
	if err != nil {
		t.Fatalf("ScheduleAckRetry returned unexpected error: %v", err)
	}

	var msg types.AckRetryMessage
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &msg); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}

	if msg.UserID != "user-42" {
		t.Errorf("UserID mismatch: got %q, want %q", msg.UserID, "user-42")
	}
	if msg.ProductID != "premium_yearly" {
		t.Errorf("ProductID mismatch: got %q, want %q", msg.ProductID, "premium_yearly")
	}
	if msg.PurchaseToken != "tok_xyz_789" {
		t.Errorf("PurchaseToken mismatch: got %q, want %q", msg.PurchaseToken, "tok_xyz_789")
	}
}

func TestScheduleAckRetry_GeneratesTraceID(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	err := pub.ScheduleAckRetry(context.Background(), "user-1", "premium_monthly", "tok_abc", time.Minute)
	if err != nil {
		t.Fatalf("ScheduleAckRetry returned unexpected error: %v", err)
	}

	var msg types.AckRetryMessage
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &msg); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}

	if msg.TraceID == "" {
		t.Error("expected non-empty TraceID")
	}
}

func TestScheduleAckRetry_SetsScheduledAt(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	before := time.Now().UTC()
	err := pub.ScheduleAckRetry(context.Background(), "user-1", "premium_monthly", "tok_abc", time.Minute)
	if err != nil {
		t.Fatalf("ScheduleAckRetry returned unexpected error: %v", err)
	}
	after := time.Now().UTC()

	var msg types.AckRetryMessage
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &msg); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}

	if msg.ScheduledAt.Before(before) || msg.ScheduledAt.After(after) {
		t.Errorf("ScheduledAt %v not in expected range [%v, %v]", msg.ScheduledAt, before, after)
	}
}

func TestScheduleAckRetry_SetsTriggerMessageAttribute(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	err := pub.ScheduleAckRetry(context.Background(), "user-1", "premium_monthly", "tok_abc", time.Minute)
	if err != nil {
		t.Fatalf("ScheduleAckRetry returned unexpected error: %v", err)
	}

	attr, ok := mock.calls[0].MessageAttributes["trigger"]
	if !ok {
		t.Fatal("expected 'trigger' message attribute to be set")
	}
	if *attr.StringValue != "ack_retry" {
		t.Errorf("expected trigger attribute %q, got %q", "ack_retry", *attr.StringValue)
	}
	if *attr.DataType != "String" {
		t.Errorf("expected DataType 'String', got %q", *attr.DataType)
	}
}

func TestScheduleAckRetry_SetsDelaySeconds(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	err := pub.ScheduleAckRetry(context.Background(), "user-1", "premium_monthly", "tok_abc", 90*time.Second)
	if err != nil {
		t.Fatalf("ScheduleAckRetry returned unexpected error: %v", err)
	}

	if got := mock.calls[0].DelaySeconds; got != 90 {
		t.Errorf("expected DelaySeconds 90, got %d", got)
	}
}

func TestScheduleAckRetry_SQSError(t *testing.T) {
	sqsErr := fmt.Errorf("service unavailable")
	mock := &mockSQSSender{err: sqsErr}
	pub := newTestPublisher(mock)

	err := pub.ScheduleAckRetry(context.Background(), "user-1", "premium_monthly", "tok_abc", time.Minute)
	if err == nil {
		t.Fatal("expected error from ScheduleAckRetry, got nil")
	}
	if !strings.Contains(err.Error(), "failed to send AckRetryMessage") {
		t.Errorf("expected error message to contain 'failed to send AckRetryMessage', got %q", err.Error())
	}
	if !strings.Contains(err.Error(), testQueueURL) {
		t.Errorf("expected error message to contain queue URL %q, got %q", testQueueURL, err.Error())
	}
}

func TestDelaySeconds_Bounds(t *testing.T) {
	tests := []struct {
		name     string
		delay    time.Duration
		expected int32
	}{
		{
			name:     "zero delay",
			delay:    0,
			expected: 0,
		},
		{
			name:     "negative delay clamps to zero",
			delay:    -time.Minute,
			expected: 0,
		},
		{
			name:     "sub-second delay rounds up",
			delay:    500 * time.Millisecond,
			expected: 1,
		},
		{
			name:     "one minute",
			delay:    time.Minute,
			expected: 60,
		},
		{
			name:     "above SQS maximum clamps to 900",
			delay:    time.Hour,
			expected: 900,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := delaySeconds(tt.delay); got != tt.expected {
				t.Errorf("delaySeconds(%v) = %d, want %d", tt.delay, got, tt.expected)
			}
		})
	}
}

// TestAckRetryPublisherSatisfiesRetrySchedulerSignature is a compile-time
// check that ScheduleAckRetry matches the scheduler method shape the sync
// pipeline expects.
func TestAckRetryPublisherSatisfiesRetrySchedulerSignature(t *testing.T) {
	mock := &mockSQSSender{}
	pub := newTestPublisher(mock)

	var fn func(ctx context.Context, userID, productID, purchaseToken string, delay time.Duration) error
	fn = pub.ScheduleAckRetry
	_ = fn
}
