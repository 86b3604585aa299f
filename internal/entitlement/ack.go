package entitlement

import (
	"context"
	"log/slog"
	"time"

	"playsync/internal/types"
)

// ackRetryDelay is the initial delay before a failed acknowledgment is
// re-driven by the retry worker.
const ackRetryDelay = 1 * time.Minute

// Tracker ensures a verified purchase is acknowledged with the billing
// platform at most once per purchase token. The ledger lives on the
// entitlement record (acknowledged_tokens); the remote call goes through the
// Acknowledger.
//
// Acknowledgment is decoupled from entitlement activation: a failure here
// never rolls back a premium grant that was already persisted. A billing
// platform outage during acknowledgment must not revoke access the user has
// paid for, so failures are reported (and scheduled for retry when the kind
// is retryable) instead of propagated as sync failures.
type Tracker struct {
	store      Store
	remote     Acknowledger
	scheduler  RetryScheduler
	retryDelay time.Duration
	logger     *slog.Logger
}

// TrackerOption customizes a Tracker.
type TrackerOption func(*Tracker)

// WithAckRetryDelay overrides the delay applied to scheduled retries.
func WithAckRetryDelay(d time.Duration) TrackerOption {
	return func(t *Tracker) { t.retryDelay = d }
}

// NewTracker creates an acknowledgment tracker. scheduler may be nil, in
// which case retryable failures are only reported, not re-driven.
func NewTracker(store Store, remote Acknowledger, scheduler RetryScheduler, logger *slog.Logger, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Tracker{
		store:      store,
		remote:     remote,
		scheduler:  scheduler,
		retryDelay: ackRetryDelay,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Acknowledge acknowledges the purchase token for the user, exactly once.
//
// Sequence:
//  1. Re-read the ledger; a token already present returns AckAlready with no
//     remote call (idempotent no-op).
//  2. Call the platform's acknowledge endpoint.
//  3. Only on success, append the token to the ledger. If the append itself
//     fails the token stays out of the ledger and a later retry re-issues the
//     acknowledge call; the platform treats re-acknowledgment of an
//     acknowledged purchase as a no-op, so this is safe.
//
// The returned outcome is never an error from the caller's point of view;
// the error return covers only ledger read failures, where idempotence
// cannot be established.
func (t *Tracker) Acknowledge(ctx context.Context, userID, productID, purchaseToken string) (types.AckOutcome, error) {
	record, err := t.store.Get(ctx, userID)
	if err != nil {
		return types.AckNone, err
	}
	if record != nil && record.HasAcknowledged(purchaseToken) {
		return types.AckAlready, nil
	}

	if err := t.remote.Acknowledge(ctx, productID, purchaseToken); err != nil {
		kind := types.Classify(err)
		t.logger.WarnContext(ctx, "acknowledge call failed",
			"user_id", userID,
			"product_id", productID,
			"failure_kind", string(kind),
			"error", types.TechnicalMessage(err),
		)
		if kind.Retryable() && t.scheduler != nil {
			if schedErr := t.scheduler.ScheduleAckRetry(ctx, userID, productID, purchaseToken, t.retryDelay); schedErr != nil {
				t.logger.ErrorContext(ctx, "failed to schedule acknowledgment retry",
					"user_id", userID,
					"error", schedErr,
				)
				return types.AckFailed, nil
			}
			return types.AckRetryScheduled, nil
		}
		return types.AckFailed, nil
	}

	if err := t.store.AppendAcknowledgedToken(ctx, userID, purchaseToken); err != nil {
		// The remote side is acknowledged; only the local ledger is behind.
		// Report success so nothing upstream reverts the grant.
		t.logger.ErrorContext(ctx, "acknowledged remotely but ledger append failed",
			"user_id", userID,
			"error", err,
		)
	}

	return types.AckDone, nil
}
