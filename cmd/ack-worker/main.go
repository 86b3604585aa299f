// Package main is the entrypoint for the Ack Worker Lambda function.
//
// The Ack Worker consumes deferred acknowledgment retries from the ack-retry
// SQS queue. Each message carries the full sync identity (user, product,
// purchase token); the worker replays the message through the complete sync
// pipeline rather than re-issuing the acknowledge call in isolation, so a
// purchase whose state changed while the retry was queued is reconciled
// correctly before any acknowledgment happens.
//
// Cold Start (main):
//  1. Initialize structured logger.
//  2. Resolve SSM-referenced secrets into the environment.
//  3. Read environment variables (database URL, Play credentials, queue URL).
//  4. Connect the database pool and build the Play client.
//  5. Wire the sync orchestrator with the ack-retry publisher, so a retry
//     that fails again with a retryable kind re-queues itself.
//  6. Register the handler and call lambda.Start.
//
// Handler flow:
//
//	For each SQS message in the batch (processed concurrently):
//	  1. Unmarshal AckRetryMessage from the message body.
//	  2. Run one sync pass via the orchestrator.
//	  3. Retryable failure -> report in batchItemFailures so SQS redelivers.
//	     Anything else (success, guard block, terminal failure) -> ACK.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"playsync/internal/config"
	"playsync/internal/db"
	"playsync/internal/entitlement"
	"playsync/internal/external"
	"playsync/internal/queue"
	"playsync/internal/types"
)

// maxConcurrentMessages bounds per-batch parallelism. SQS batches cap at ten
// records, so this mostly guards against oversized configured batch windows.
const maxConcurrentMessages = 4

// Syncer is the single pipeline entry point the handler drives.
type Syncer interface {
	Sync(ctx context.Context, req types.SyncRequest, trigger string) (*types.SyncOutcome, error)
}

// Handler holds the dependencies for the ack worker Lambda handler.
type Handler struct {
	syncer Syncer
	logger *slog.Logger
}

// Handle processes an SQS event containing one or more ack retry messages.
// Messages are independent, so they are processed concurrently. Lambda SQS
// integration uses partial batch responses: messages whose failure is
// retryable are returned in batchItemFailures so SQS redelivers only them.
func (h *Handler) Handle(ctx context.Context, sqsEvent events.SQSEvent) (events.SQSEventResponse, error) {
	response := events.SQSEventResponse{}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentMessages)

	for _, record := range sqsEvent.Records {
		g.Go(func() error {
			if retry := h.processMessage(gctx, record); retry {
				mu.Lock()
				response.BatchItemFailures = append(response.BatchItemFailures,
					events.SQSBatchItemFailure{ItemIdentifier: record.MessageId},
				)
				mu.Unlock()
			}
			return nil
		})
	}

	// Workers never return errors; Wait only fences the goroutines.
	_ = g.Wait()

	return response, nil
}

// processMessage runs one retry through the sync pipeline. The return value
// reports whether the message should be redelivered by SQS.
func (h *Handler) processMessage(ctx context.Context, record events.SQSMessage) bool {
	var msg types.AckRetryMessage
	if err := json.Unmarshal([]byte(record.Body), &msg); err != nil {
		h.logger.Error("failed to unmarshal ack retry message",
			"message_id", record.MessageId,
			"error", err.Error(),
		)
		// Permanent parse failure, redelivery cannot fix it.
		return false
	}

	logger := h.logger.With(
		"message_id", record.MessageId,
		"trace_id", msg.TraceID,
		"user_id", msg.UserID,
		"product_id", msg.ProductID,
	)

	logger.Info("processing ack retry", "scheduled_at", msg.ScheduledAt.Format(time.RFC3339))

	req := types.SyncRequest{
		UserID:        msg.UserID,
		ProductID:     msg.ProductID,
		PurchaseToken: msg.PurchaseToken,
	}

	outcome, err := h.syncer.Sync(ctx, req, entitlement.TriggerAckRetry)
	if err != nil {
		kind := types.Classify(err)
		if kind.Retryable() {
			logger.Warn("ack retry sync failed, leaving message for redelivery",
				"failure_kind", string(kind),
				"error", types.TechnicalMessage(err),
			)
			return true
		}
		logger.Error("ack retry sync failed terminally",
			"failure_kind", string(kind),
			"error", types.TechnicalMessage(err),
		)
		return false
	}

	logger.Info("ack retry completed",
		"state", string(outcome.State),
		"guard_blocked", outcome.GuardBlocked,
		"acknowledgment", string(outcome.Ack),
	)
	return false
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	logger.Info("ack worker Lambda initializing (cold start)")

	region := os.Getenv("AWS_REGION")
	if region == "" {
		region = "us-east-1"
	}

	// Resolve SSM-referenced secrets (database URL, service account key)
	// into the environment before any os.Getenv below.
	if err := config.ResolveSecrets(config.NewSSMProvider(region)); err != nil {
		logger.Error("failed to resolve secrets", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		logger.Error("failed to load AWS SDK config", "error", err)
		os.Exit(1)
	}

	databaseURL := os.Getenv("DATABASE_URL")
	packageName := os.Getenv("PLAY_PACKAGE_NAME")
	serviceAccountJSON := os.Getenv("PLAY_SERVICE_ACCOUNT_JSON")
	ackRetryQueueURL := os.Getenv("SQS_ACK_RETRY")
	endpointURL := os.Getenv("AWS_ENDPOINT_URL")

	if databaseURL == "" || packageName == "" || serviceAccountJSON == "" || ackRetryQueueURL == "" {
		logger.Error("missing required environment variables",
			"has_database_url", databaseURL != "",
			"has_package_name", packageName != "",
			"has_service_account", serviceAccountJSON != "",
			"has_ack_retry_queue", ackRetryQueueURL != "",
		)
		os.Exit(1)
	}

	verifyTimeout := durationEnv("PLAY_VERIFY_TIMEOUT", 15*time.Second)
	ackTimeout := durationEnv("PLAY_ACK_TIMEOUT", 10*time.Second)
	ackRetryDelay := durationEnv("PLAY_ACK_RETRY_DELAY", time.Minute)

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		logger.Error("failed to create database pool", "error", err)
		os.Exit(1)
	}

	repo := db.NewEntitlementRepository(pool, logger)

	sqsClient := sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if endpointURL != "" {
			o.BaseEndpoint = aws.String(endpointURL)
		}
	})
	cwClient := cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
		if endpointURL != "" {
			o.BaseEndpoint = aws.String(endpointURL)
		}
	})

	catalog := entitlement.NewStaticProductCatalog()
	playClient, err := external.NewPlayClient(
		&http.Client{Timeout: verifyTimeout},
		catalog,
		external.PlayClientConfig{
			PackageName:        packageName,
			ServiceAccountJSON: []byte(serviceAccountJSON),
			Logger:             logger,
		},
	)
	if err != nil {
		logger.Error("failed to create Play client", "error", err)
		os.Exit(1)
	}

	// A retry that fails again with a retryable kind re-queues itself through
	// the same publisher that fed this worker.
	publisher := queue.NewAckRetryPublisher(sqsClient, config.AWSConfig{
		Region:        region,
		AckRetryQueue: ackRetryQueueURL,
		EndpointURL:   endpointURL,
	}, logger)

	tracker := entitlement.NewTracker(repo, playClient, publisher, logger,
		entitlement.WithAckRetryDelay(ackRetryDelay),
	)

	var metrics entitlement.Metrics
	if os.Getenv("ENABLE_METRICS") != "false" {
		metrics = entitlement.NewCloudWatchMetrics(cwClient, logger)
	}

	orchestrator := entitlement.NewOrchestrator(repo, playClient, tracker, catalog, metrics, logger,
		entitlement.WithVerifyTimeout(verifyTimeout),
		entitlement.WithAckTimeout(ackTimeout),
	)

	handler := &Handler{
		syncer: orchestrator,
		logger: logger,
	}

	logger.Info("ack worker Lambda initialized",
		"ack_retry_queue", ackRetryQueueURL,
		"package_name", packageName,
		"verify_timeout", verifyTimeout.String(),
		"ack_timeout", ackTimeout.String(),
	)

	lambda.Start(handler.Handle)
}

// durationEnv reads a duration environment variable, falling back to the
// given default when unset or malformed.
func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using default %s\n", key, raw, fallback)
		return fallback
	}
	return d
}
