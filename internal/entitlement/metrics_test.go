package entitlement

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playsync/internal/types"
)

type capturingCWClient struct {
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (c *capturingCWClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	c.inputs = append(c.inputs, params)
	if c.err != nil {
		return nil, c.err
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestCloudWatchMetrics_RecordSyncOutcome(t *testing.T) {
	tests := []struct {
		name       string
		outcome    *types.SyncOutcome
		wantMetric string
	}{
		{"completed", &types.SyncOutcome{State: types.SyncStateDone}, types.MetricSyncCompleted},
		{"guard blocked", &types.SyncOutcome{State: types.SyncStateDone, GuardBlocked: true}, types.MetricSyncGuardBlocked},
		{"failed", &types.SyncOutcome{State: types.SyncStateFailed, FailureKind: types.FailureTimeout}, types.MetricSyncFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &capturingCWClient{}
			m := NewCloudWatchMetrics(client, nil)

			m.RecordSyncOutcome(context.Background(), tt.outcome, "premium_monthly", TriggerWebhook)

			require.Len(t, client.inputs, 1)
			require.Len(t, client.inputs[0].MetricData, 1)
			assert.Equal(t, types.MetricNamespace, *client.inputs[0].Namespace)
			assert.Equal(t, tt.wantMetric, *client.inputs[0].MetricData[0].MetricName)
		})
	}
}

func TestCloudWatchMetrics_RecordVerificationLatency(t *testing.T) {
	client := &capturingCWClient{}
	m := NewCloudWatchMetrics(client, nil)

	m.RecordVerificationLatency(context.Background(), 250*time.Millisecond)

	require.Len(t, client.inputs, 1)
	datum := client.inputs[0].MetricData[0]
	assert.Equal(t, types.MetricVerificationLatency, *datum.MetricName)
	assert.Equal(t, float64(250), *datum.Value)
}

func TestCloudWatchMetrics_EmissionFailureIsSwallowed(t *testing.T) {
	client := &capturingCWClient{err: assert.AnError}
	m := NewCloudWatchMetrics(client, nil)

	// Must not panic or propagate.
	m.RecordSyncOutcome(context.Background(), &types.SyncOutcome{State: types.SyncStateDone}, "premium_monthly", TriggerClient)
	m.RecordVerificationLatency(context.Background(), time.Second)
}
