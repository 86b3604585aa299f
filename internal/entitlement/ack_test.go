package entitlement

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playsync/internal/types"
)

func TestTracker_Acknowledge_FirstTime(t *testing.T) {
	store := newMemStore()
	store.seed(types.Entitlement{UserID: "user_1", IsPremium: true})
	remote := &fakeAcknowledger{}
	tracker := NewTracker(store, remote, nil, nil)

	outcome, err := tracker.Acknowledge(context.Background(), "user_1", "premium_monthly", "tok_1")
	require.NoError(t, err)
	assert.Equal(t, types.AckDone, outcome)
	assert.Equal(t, 1, remote.callCount())
	assert.True(t, store.get("user_1").HasAcknowledged("tok_1"))
}

func TestTracker_Acknowledge_Idempotent(t *testing.T) {
	store := newMemStore()
	store.seed(types.Entitlement{UserID: "user_1", IsPremium: true})
	remote := &fakeAcknowledger{}
	tracker := NewTracker(store, remote, nil, nil)

	first, err := tracker.Acknowledge(context.Background(), "user_1", "premium_monthly", "tok_1")
	require.NoError(t, err)
	second, err := tracker.Acknowledge(context.Background(), "user_1", "premium_monthly", "tok_1")
	require.NoError(t, err)

	// Exactly one remote call across both invocations, both non-error.
	assert.Equal(t, types.AckDone, first)
	assert.Equal(t, types.AckAlready, second)
	assert.Equal(t, 1, remote.callCount())

	ledger := store.get("user_1").AcknowledgedTokens
	assert.Equal(t, []string{"tok_1"}, ledger, "ledger must not accumulate duplicates")
}

func TestTracker_Acknowledge_RetryableFailureSchedulesRetry(t *testing.T) {
	store := newMemStore()
	store.seed(types.Entitlement{UserID: "user_1", IsPremium: true})
	remote := &fakeAcknowledger{err: types.NewAppError(types.ErrCodeUpstreamNetwork, "unreachable", nil)}
	scheduler := &fakeScheduler{}
	tracker := NewTracker(store, remote, scheduler, nil)

	outcome, err := tracker.Acknowledge(context.Background(), "user_1", "premium_monthly", "tok_1")
	require.NoError(t, err)
	assert.Equal(t, types.AckRetryScheduled, outcome)
	assert.Equal(t, 1, scheduler.count())
	assert.False(t, store.get("user_1").HasAcknowledged("tok_1"),
		"failed acknowledgment must not enter the ledger")
}

func TestTracker_Acknowledge_RetryDelayOption(t *testing.T) {
	store := newMemStore()
	store.seed(types.Entitlement{UserID: "user_1", IsPremium: true})
	remote := &fakeAcknowledger{err: types.NewAppError(types.ErrCodeUpstreamNetwork, "unreachable", nil)}
	scheduler := &fakeScheduler{}
	tracker := NewTracker(store, remote, scheduler, nil, WithAckRetryDelay(5*time.Minute))

	outcome, err := tracker.Acknowledge(context.Background(), "user_1", "premium_monthly", "tok_1")
	require.NoError(t, err)
	assert.Equal(t, types.AckRetryScheduled, outcome)
	assert.Equal(t, 5*time.Minute, scheduler.lastDelay)
}

func TestTracker_Acknowledge_TerminalFailureReported(t *testing.T) {
	store := newMemStore()
	store.seed(types.Entitlement{UserID: "user_1", IsPremium: true})
	remote := &fakeAcknowledger{err: types.NewAppError(types.ErrCodeBillingPlatform, "500", nil)}
	scheduler := &fakeScheduler{}
	tracker := NewTracker(store, remote, scheduler, nil)

	outcome, err := tracker.Acknowledge(context.Background(), "user_1", "premium_monthly", "tok_1")
	require.NoError(t, err)
	assert.Equal(t, types.AckFailed, outcome)
	assert.Zero(t, scheduler.count(), "terminal failures are not retried")
}

func TestTracker_Acknowledge_LedgerReadFailure(t *testing.T) {
	store := newMemStore()
	store.getErr = errors.New("db down")
	remote := &fakeAcknowledger{}
	tracker := NewTracker(store, remote, nil, nil)

	_, err := tracker.Acknowledge(context.Background(), "user_1", "premium_monthly", "tok_1")
	require.Error(t, err)
	assert.Zero(t, remote.callCount(), "no remote call when idempotence cannot be established")
}
