package entitlement

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"playsync/internal/types"
)

func newTestOrchestrator(store *memStore, verifier *fakeVerifier, remote *fakeAcknowledger) *Orchestrator {
	tracker := NewTracker(store, remote, nil, nil)
	return NewOrchestrator(store, verifier, tracker, NewStaticProductCatalog(), nil, nil)
}

func activeResult() *types.VerificationResult {
	expiry := time.Now().Add(30 * 24 * time.Hour).UTC()
	return &types.VerificationResult{
		State:        types.PurchaseStateActive,
		ProductID:    "premium_monthly",
		ExpiryTime:   &expiry,
		AutoRenewing: true,
	}
}

func TestSync_ActivePurchaseRoundTrip(t *testing.T) {
	store := newMemStore()
	verifier := &fakeVerifier{result: activeResult()}
	remote := &fakeAcknowledger{}
	orch := newTestOrchestrator(store, verifier, remote)

	outcome, err := orch.Sync(context.Background(), types.SyncRequest{
		UserID:        "user_1",
		ProductID:     "premium_monthly",
		PurchaseToken: "tok_1",
	}, TriggerClient)
	require.NoError(t, err)

	assert.Equal(t, types.SyncStateDone, outcome.State)
	assert.False(t, outcome.GuardBlocked)
	assert.Equal(t, types.AckDone, outcome.Ack)

	// Round trip: a subsequent read reflects the verified grant.
	stored, err := store.Get(context.Background(), "user_1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.IsPremium)
	assert.Equal(t, types.SourceStoreVerified, stored.Source)
	assert.Equal(t, "premium_monthly", stored.ProductID)
	assert.NotNil(t, stored.LastVerifiedAt)
	assert.True(t, stored.HasAcknowledged("tok_1"))
}

func TestSync_AlreadyAcknowledgedByPlatform(t *testing.T) {
	store := newMemStore()
	result := activeResult()
	result.Acknowledged = true
	verifier := &fakeVerifier{result: result}
	remote := &fakeAcknowledger{}
	orch := newTestOrchestrator(store, verifier, remote)

	outcome, err := orch.Sync(context.Background(), types.SyncRequest{
		UserID:        "user_1",
		ProductID:     "premium_monthly",
		PurchaseToken: "tok_1",
	}, TriggerWebhook)
	require.NoError(t, err)

	assert.Equal(t, types.AckNone, outcome.Ack)
	assert.Zero(t, remote.callCount())
	assert.True(t, outcome.Entitlement.IsPremium)
}

func TestSync_ExpiredWithDowngradeIntent(t *testing.T) {
	store := newMemStore()
	store.seed(types.Entitlement{
		UserID:    "user_1",
		IsPremium: true,
		Source:    types.SourceStoreVerified,
	})
	verifier := &fakeVerifier{result: &types.VerificationResult{
		State:     types.PurchaseStateExpired,
		ProductID: "premium_monthly",
	}}
	orch := newTestOrchestrator(store, verifier, &fakeAcknowledger{})

	outcome, err := orch.Sync(context.Background(), types.SyncRequest{
		UserID:         "user_1",
		ProductID:      "premium_monthly",
		PurchaseToken:  "tok_1",
		AllowDowngrade: true,
	}, TriggerWebhook)
	require.NoError(t, err)

	assert.False(t, outcome.GuardBlocked)
	assert.False(t, outcome.Entitlement.IsPremium)
	assert.Equal(t, types.SourceStoreVerified, outcome.Entitlement.Source)
	assert.Equal(t, types.AckNone, outcome.Ack, "no acknowledgment for non-granting states")
}

func TestSync_GuardBlocksVerifiedDowngrade(t *testing.T) {
	store := newMemStore()
	verifiedAt := time.Now().Add(-24 * time.Hour).UTC()
	store.seed(types.Entitlement{
		UserID:         "user_1",
		IsPremium:      true,
		Source:         types.SourceStoreVerified,
		ProductID:      "premium_monthly",
		PurchaseToken:  "tok_old",
		LastVerifiedAt: &verifiedAt,
	})
	verifier := &fakeVerifier{result: &types.VerificationResult{
		State:     types.PurchaseStateExpired,
		ProductID: "premium_monthly",
	}}
	orch := newTestOrchestrator(store, verifier, &fakeAcknowledger{})

	outcome, err := orch.Sync(context.Background(), types.SyncRequest{
		UserID:        "user_1",
		ProductID:     "premium_monthly",
		PurchaseToken: "tok_1",
	}, TriggerClient)
	require.NoError(t, err)

	// Guard block is a successful, safety-preserving outcome.
	assert.Equal(t, types.SyncStateDone, outcome.State)
	assert.True(t, outcome.GuardBlocked)
	assert.True(t, outcome.Entitlement.IsPremium)

	// The write refreshed last_verified_at without flipping the flag.
	stored := store.get("user_1")
	assert.True(t, stored.IsPremium)
	assert.Equal(t, "tok_old", stored.PurchaseToken)
	require.NotNil(t, stored.LastVerifiedAt)
	assert.True(t, stored.LastVerifiedAt.After(verifiedAt))
}

func TestSync_TokenlessResyncLeavesPremiumUntouched(t *testing.T) {
	store := newMemStore()
	store.seed(types.Entitlement{
		UserID:    "user_1",
		IsPremium: true,
		Source:    types.SourceStoreVerified,
	})
	verifier := &fakeVerifier{}
	remote := &fakeAcknowledger{}
	orch := newTestOrchestrator(store, verifier, remote)

	before := store.get("user_1").Version

	outcome, err := orch.Sync(context.Background(), types.SyncRequest{
		UserID:    "user_1",
		ProductID: "premium_monthly",
	}, TriggerClient)
	require.NoError(t, err)

	assert.Equal(t, types.SyncStateDone, outcome.State)
	assert.True(t, outcome.GuardBlocked)
	assert.True(t, outcome.Entitlement.IsPremium)
	assert.Zero(t, verifier.callCount(), "no remote verification without a token")
	assert.Zero(t, remote.callCount(), "no acknowledgment attempted")
	assert.Equal(t, before, store.get("user_1").Version, "no write occurred")
}

func TestSync_TokenlessExplicitDowngrade(t *testing.T) {
	store := newMemStore()
	store.seed(types.Entitlement{
		UserID:    "user_1",
		IsPremium: true,
		Source:    types.SourceStoreVerified,
	})
	orch := newTestOrchestrator(store, &fakeVerifier{}, &fakeAcknowledger{})

	outcome, err := orch.Sync(context.Background(), types.SyncRequest{
		UserID:         "user_1",
		ProductID:      "premium_monthly",
		AllowDowngrade: true,
	}, TriggerClient)
	require.NoError(t, err)

	assert.False(t, outcome.GuardBlocked)
	assert.False(t, outcome.Entitlement.IsPremium)
	assert.Equal(t, types.SourceUnknown, outcome.Entitlement.Source,
		"nothing was verified, so the write is attributable only to caller intent")
}

func TestSync_TokenlessNoRecordIsNoop(t *testing.T) {
	store := newMemStore()
	orch := newTestOrchestrator(store, &fakeVerifier{}, &fakeAcknowledger{})

	outcome, err := orch.Sync(context.Background(), types.SyncRequest{
		UserID:    "user_1",
		ProductID: "premium_monthly",
	}, TriggerClient)
	require.NoError(t, err)

	assert.Equal(t, types.SyncStateDone, outcome.State)
	assert.Nil(t, outcome.Entitlement)
	assert.Nil(t, store.get("user_1"), "records are only created by successful verification")
}

func TestSync_VerificationTimeoutLeavesStoreUntouched(t *testing.T) {
	store := newMemStore()
	store.seed(types.Entitlement{UserID: "user_1", IsPremium: true, Source: types.SourceStoreVerified})
	verifier := &fakeVerifier{err: context.DeadlineExceeded}
	orch := newTestOrchestrator(store, verifier, &fakeAcknowledger{})

	before := store.get("user_1").Version

	outcome, err := orch.Sync(context.Background(), types.SyncRequest{
		UserID:        "user_1",
		ProductID:     "premium_monthly",
		PurchaseToken: "tok_1",
	}, TriggerClient)
	require.Error(t, err)

	assert.Equal(t, types.SyncStateFailed, outcome.State)
	assert.Equal(t, types.FailureTimeout, outcome.FailureKind)
	assert.Equal(t, before, store.get("user_1").Version, "no store write on verification failure")
	assert.True(t, store.get("user_1").IsPremium)
}

func TestSync_UnknownProductRejectedBeforeRemoteCall(t *testing.T) {
	store := newMemStore()
	verifier := &fakeVerifier{result: activeResult()}
	orch := newTestOrchestrator(store, verifier, &fakeAcknowledger{})

	outcome, err := orch.Sync(context.Background(), types.SyncRequest{
		UserID:        "user_1",
		ProductID:     "not_a_product",
		PurchaseToken: "tok_1",
	}, TriggerClient)
	require.Error(t, err)

	assert.Equal(t, types.SyncStateFailed, outcome.State)
	assert.Zero(t, verifier.callCount())
}

func TestSync_VersionConflictReevaluatesGuard(t *testing.T) {
	store := newMemStore()
	// No record at Start. While this sync is verifying an expired purchase,
	// a concurrent sync installs a premium grant.
	verifier := &fakeVerifier{fn: func(ctx context.Context, productID, token string) (*types.VerificationResult, error) {
		store.seed(types.Entitlement{
			UserID:    "user_1",
			IsPremium: true,
			Source:    types.SourceStoreVerified,
			Version:   7,
		})
		return &types.VerificationResult{State: types.PurchaseStateExpired, ProductID: productID}, nil
	}}
	orch := newTestOrchestrator(store, verifier, &fakeAcknowledger{})

	outcome, err := orch.Sync(context.Background(), types.SyncRequest{
		UserID:        "user_1",
		ProductID:     "premium_monthly",
		PurchaseToken: "tok_1",
	}, TriggerWebhook)
	require.NoError(t, err)

	// The conflict re-read found a premium grant; the guard re-evaluation
	// blocked the downgrade instead of clobbering it.
	assert.True(t, outcome.GuardBlocked)
	assert.True(t, store.get("user_1").IsPremium)
}

func TestSync_VersionConflictReleasesStaleGuardBlock(t *testing.T) {
	store := newMemStore()
	store.seed(types.Entitlement{
		UserID:    "user_1",
		IsPremium: true,
		Source:    types.SourceStoreVerified,
		Version:   1,
	})
	// While this sync is verifying an expired purchase, a concurrent sync
	// legitimately downgrades the record. The block decided against the stale
	// premium snapshot must be dropped on re-evaluation, not resurrect the
	// revoked grant.
	verifier := &fakeVerifier{fn: func(ctx context.Context, productID, token string) (*types.VerificationResult, error) {
		store.seed(types.Entitlement{
			UserID:    "user_1",
			IsPremium: false,
			Source:    types.SourceStoreVerified,
			Version:   2,
		})
		return &types.VerificationResult{State: types.PurchaseStateExpired, ProductID: productID}, nil
	}}
	orch := newTestOrchestrator(store, verifier, &fakeAcknowledger{})

	outcome, err := orch.Sync(context.Background(), types.SyncRequest{
		UserID:        "user_1",
		ProductID:     "premium_monthly",
		PurchaseToken: "tok_1",
	}, TriggerClient)
	require.NoError(t, err)

	assert.False(t, outcome.GuardBlocked)
	assert.False(t, outcome.Entitlement.IsPremium)

	stored := store.get("user_1")
	require.NotNil(t, stored)
	assert.False(t, stored.IsPremium, "an expired verification must not resurrect premium")
	assert.Equal(t, types.SourceStoreVerified, stored.Source)
}

func TestSync_ConcurrentActiveAndExpiredKeepPremium(t *testing.T) {
	// Two orchestrator runs race for the same user: one verifying active,
	// one verifying expired without downgrade intent. Premium must survive
	// regardless of completion order.
	for i := 0; i < 25; i++ {
		store := newMemStore()
		activeOrch := newTestOrchestrator(store, &fakeVerifier{result: activeResult()}, &fakeAcknowledger{})
		expiredOrch := newTestOrchestrator(store, &fakeVerifier{result: &types.VerificationResult{
			State:     types.PurchaseStateExpired,
			ProductID: "premium_monthly",
		}}, &fakeAcknowledger{})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = activeOrch.Sync(context.Background(), types.SyncRequest{
				UserID:        "user_1",
				ProductID:     "premium_monthly",
				PurchaseToken: "tok_active",
			}, TriggerWebhook)
		}()
		go func() {
			defer wg.Done()
			_, _ = expiredOrch.Sync(context.Background(), types.SyncRequest{
				UserID:        "user_1",
				ProductID:     "premium_monthly",
				PurchaseToken: "tok_stale",
			}, TriggerClient)
		}()
		wg.Wait()

		final := store.get("user_1")
		require.NotNil(t, final)
		assert.True(t, final.IsPremium,
			"guard-blocked run must not clobber the valid grant (iteration %d)", i)
	}
}

func TestSync_CanceledBeforeWritingDoesNotWrite(t *testing.T) {
	store := newMemStore()
	ctx, cancel := context.WithCancel(context.Background())
	verifier := &fakeVerifier{fn: func(context.Context, string, string) (*types.VerificationResult, error) {
		cancel() // request aborted while the verification was in flight
		return activeResult(), nil
	}}
	orch := newTestOrchestrator(store, verifier, &fakeAcknowledger{})

	outcome, err := orch.Sync(ctx, types.SyncRequest{
		UserID:        "user_1",
		ProductID:     "premium_monthly",
		PurchaseToken: "tok_1",
	}, TriggerClient)
	require.Error(t, err)

	assert.Equal(t, types.SyncStateFailed, outcome.State)
	assert.Nil(t, store.get("user_1"), "no partial write after cancellation")
}
