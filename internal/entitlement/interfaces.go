package entitlement

import (
	"context"
	"time"

	"playsync/internal/types"
)

// Verifier fetches the authoritative purchase state for a (productID,
// purchaseToken) pair from the billing platform. It performs no writes and
// never acknowledges; a missing token is a caller-side condition that must be
// handled upstream and never reaches this call.
type Verifier interface {
	Verify(ctx context.Context, productID, purchaseToken string) (*types.VerificationResult, error)
}

// Acknowledger performs the remote acknowledge call against the billing
// platform. It has no local side effects; the ledger append is owned by the
// Tracker.
type Acknowledger interface {
	Acknowledge(ctx context.Context, productID, purchaseToken string) error
}

// Store is the focused persistence surface consumed by the orchestrator and
// the acknowledgment tracker. Implemented by db.EntitlementRepo.
type Store interface {
	// Get returns the entitlement record for the user, or (nil, nil) when no
	// record exists yet.
	Get(ctx context.Context, userID string) (*types.Entitlement, error)

	// Write performs a conditional upsert. expectedVersion is the version
	// observed at read time; 0 means "no record existed". On a version
	// mismatch it returns an AppError with ErrCodeConflictVersion and
	// performs no write.
	Write(ctx context.Context, patch types.Entitlement, expectedVersion int64) (*types.Entitlement, error)

	// AppendAcknowledgedToken appends the token to the user's append-only
	// acknowledgment ledger. Appending an already-present token is a no-op.
	AppendAcknowledgedToken(ctx context.Context, userID, token string) error
}

// RetryScheduler schedules a failed acknowledgment for later re-delivery.
// Implemented by the SQS publisher in internal/queue. A nil scheduler is
// valid: failures are then only reported in the outcome.
type RetryScheduler interface {
	ScheduleAckRetry(ctx context.Context, userID, productID, purchaseToken string, delay time.Duration) error
}

// Metrics records sync telemetry. Implementations must be safe for
// concurrent use and must never fail the sync: errors are logged and dropped.
type Metrics interface {
	RecordSyncOutcome(ctx context.Context, outcome *types.SyncOutcome, productID string, trigger string)
	RecordVerificationLatency(ctx context.Context, d time.Duration)
}
