// Package queue provides the SQS-based producer for deferred acknowledgment
// retries consumed by the ack worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"playsync/internal/config"
	"playsync/internal/types"
)

// maxSQSDelay is the longest per-message delay SQS supports. Delays beyond it
// are clamped rather than rejected.
const maxSQSDelay = 15 * time.Minute

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// AckRetryPublisher enqueues failed acknowledgments for later re-delivery.
// Each message carries the full sync identity (user, product, token) so the
// worker can replay the whole pipeline instead of retrying the acknowledge
// call blind.
type AckRetryPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewAckRetryPublisher creates a publisher targeting the ack-retry queue from
// the AWS configuration.
func NewAckRetryPublisher(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *AckRetryPublisher {
	return &AckRetryPublisher{
		client:   client,
		queueURL: awsCfg.AckRetryQueue,
		logger:   logger,
	}
}

// ScheduleAckRetry serializes an AckRetryMessage and sends it with the given
// delivery delay. The delay is clamped to the SQS per-message maximum of
// fifteen minutes.
func (p *AckRetryPublisher) ScheduleAckRetry(ctx context.Context, userID, productID, purchaseToken string, delay time.Duration) error {
	msg := types.AckRetryMessage{
		TraceID:       uuid.New().String(),
		UserID:        userID,
		ProductID:     productID,
		PurchaseToken: purchaseToken,
		ScheduledAt:   time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal AckRetryMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:     aws.String(p.queueURL),
		MessageBody:  aws.String(string(body)),
		DelaySeconds: delaySeconds(delay),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"trigger": {
				DataType:    aws.String("String"),
				StringValue: aws.String("ack_retry"),
			},
		},
	}

	_, err = p.client.SendMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("queue: failed to send AckRetryMessage to %s: %w", p.queueURL, err)
	}

	p.logger.InfoContext(ctx, "ack retry scheduled",
		"queue_url", p.queueURL,
		"trace_id", msg.TraceID,
		"user_id", userID,
		"product_id", productID,
		"delay", delay.String(),
	)

	return nil
}

// delaySeconds converts a duration to the SQS DelaySeconds field, rounding up
// and clamping to the valid 0..900 range.
func delaySeconds(delay time.Duration) int32 {
	if delay <= 0 {
		return 0
	}
	if delay > maxSQSDelay {
		delay = maxSQSDelay
	}
	return int32(math.Ceil(delay.Seconds()))
}
