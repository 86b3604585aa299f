package entitlement

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"playsync/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Compile-time assertion that CloudWatchMetrics implements Metrics.
var _ Metrics = (*CloudWatchMetrics)(nil)

// CloudWatchMetrics implements Metrics by emitting sync telemetry to AWS
// CloudWatch. Emission failures are logged and dropped; telemetry must never
// fail a sync.
//
// Metrics emitted:
//   - EntitlementSyncCompleted:    Dims {ProductID, Trigger}
//   - EntitlementSyncGuardBlocked: Dims {ProductID, Trigger}
//   - EntitlementSyncFailed:       Dims {FailureKind, Trigger}
//   - VerificationLatency:         no dims, milliseconds
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetrics creates a CloudWatchMetrics publishing to the
// service's metric namespace.
func NewCloudWatchMetrics(client CloudWatchClient, logger *slog.Logger) *CloudWatchMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: types.MetricNamespace,
		logger:    logger,
	}
}

// RecordSyncOutcome emits one count metric per terminal sync state.
func (m *CloudWatchMetrics) RecordSyncOutcome(ctx context.Context, outcome *types.SyncOutcome, productID string, trigger string) {
	var datum cwtypes.MetricDatum
	switch {
	case outcome.State == types.SyncStateFailed:
		datum = cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricSyncFailed),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(types.DimFailureKind), Value: aws.String(string(outcome.FailureKind))},
				{Name: aws.String(types.DimTrigger), Value: aws.String(trigger)},
			},
		}
	case outcome.GuardBlocked:
		datum = cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricSyncGuardBlocked),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(types.DimProductID), Value: aws.String(productID)},
				{Name: aws.String(types.DimTrigger), Value: aws.String(trigger)},
			},
		}
	default:
		datum = cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricSyncCompleted),
			Value:      aws.Float64(1),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{
				{Name: aws.String(types.DimProductID), Value: aws.String(productID)},
				{Name: aws.String(types.DimTrigger), Value: aws.String(trigger)},
			},
		}
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.WarnContext(ctx, "failed to record sync outcome metric",
			"state", string(outcome.State),
			"error", err,
		)
	}
}

// RecordVerificationLatency emits the verification call latency in milliseconds.
func (m *CloudWatchMetrics) RecordVerificationLatency(ctx context.Context, d time.Duration) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(types.MetricVerificationLatency),
				Value:      aws.Float64(float64(d.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
			},
		},
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.WarnContext(ctx, "failed to record verification latency metric",
			"duration_ms", d.Milliseconds(),
			"error", err,
		)
	}
}
