package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"playsync/internal/types"
)

// Trigger labels for telemetry: what caused a sync invocation.
const (
	TriggerWebhook  = "webhook"
	TriggerClient   = "client_resync"
	TriggerAckRetry = "ack_retry"
)

// defaultVerifyTimeout bounds the verification call so a stalled platform
// request cannot hold the entitlement decision open indefinitely.
const defaultVerifyTimeout = 15 * time.Second

// defaultAckTimeout bounds the acknowledgment call.
const defaultAckTimeout = 10 * time.Second

// Orchestrator reconciles a user's entitlement between the billing platform
// and the canonical store. One invocation is one pass through the states
// Start -> Verifying -> Deciding -> Writing -> Acknowledging -> Done, with
// Failed reachable from Verifying and Writing.
//
// Multiple invocations for the same user may run concurrently (a webhook and
// a client re-sync racing). The entitlement document is never locked:
// correctness relies on the store's version-conditioned write plus one guard
// re-evaluation on conflict.
type Orchestrator struct {
	store    Store
	verifier Verifier
	tracker  *Tracker
	catalog  ProductCatalog
	metrics  Metrics
	logger   *slog.Logger

	verifyTimeout time.Duration
	ackTimeout    time.Duration
	now           func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithVerifyTimeout overrides the verification call deadline.
func WithVerifyTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.verifyTimeout = d }
}

// WithAckTimeout overrides the acknowledgment call deadline.
func WithAckTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) { o.ackTimeout = d }
}

// withClock overrides the time source for tests.
func withClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

// NewOrchestrator wires the sync pipeline. metrics may be nil (telemetry is
// then skipped); everything else is required.
func NewOrchestrator(
	store Store,
	verifier Verifier,
	tracker *Tracker,
	catalog ProductCatalog,
	metrics Metrics,
	logger *slog.Logger,
	opts ...OrchestratorOption,
) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:         store,
		verifier:      verifier,
		tracker:       tracker,
		catalog:       catalog,
		metrics:       metrics,
		logger:        logger,
		verifyTimeout: defaultVerifyTimeout,
		ackTimeout:    defaultAckTimeout,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Sync runs one reconciliation pass for the request. The trigger labels the
// invocation origin for logs and metrics.
//
// A guard block is a successful outcome: the returned SyncOutcome has
// GuardBlocked set and carries the preserved snapshot. Verification and write
// failures return a non-nil error alongside an outcome whose FailureKind
// carries the classification; no store write precedes a Verifying failure.
func (o *Orchestrator) Sync(ctx context.Context, req types.SyncRequest, trigger string) (*types.SyncOutcome, error) {
	logger := o.logger.With(
		"user_id", req.UserID,
		"product_id", req.ProductID,
		"trigger", trigger,
		"has_token", req.PurchaseToken != "",
		"allow_downgrade", req.AllowDowngrade,
	)

	product, err := ValidateProduct(o.catalog, req.ProductID)
	if err != nil {
		return o.fail(ctx, logger, req, trigger, types.SyncStateStart, err)
	}

	// Start: snapshot the current entitlement.
	snapshot, err := o.store.Get(ctx, req.UserID)
	if err != nil {
		return o.fail(ctx, logger, req, trigger, types.SyncStateStart, err)
	}
	existingIsPremium := snapshot != nil && snapshot.IsPremium

	// Verifying. A token-less request never reaches the remote call; the
	// guard decides its fate directly.
	var result *types.VerificationResult
	if req.PurchaseToken != "" {
		result, err = o.verify(ctx, product, req.PurchaseToken)
		if err != nil {
			return o.fail(ctx, logger, req, trigger, types.SyncStateVerifying, err)
		}
		logger.InfoContext(ctx, "purchase verified",
			"state", string(result.State),
			"acknowledged", result.Acknowledged,
		)
	}

	// Deciding.
	proposedPremium := result != nil && result.State.GrantsPremium()
	guardBlocked := false
	if !proposedPremium {
		if ShouldBlockDowngrade(existingIsPremium, req.AllowDowngrade) {
			guardBlocked = true
			logger.InfoContext(ctx, "downgrade blocked by guard")
		}
	}

	// A token-less attempt has verified nothing: it can only act as an
	// explicit downgrade of an existing premium record. Guard-blocked or
	// no-op token-less attempts leave the record untouched entirely; records
	// are only ever created by a successful verification.
	if result == nil && !(req.AllowDowngrade && existingIsPremium) {
		outcome := &types.SyncOutcome{
			Entitlement:  snapshot,
			State:        types.SyncStateDone,
			GuardBlocked: guardBlocked,
		}
		o.record(ctx, outcome, req.ProductID, trigger)
		logger.InfoContext(ctx, "token-less sync left entitlement untouched",
			"guard_blocked", guardBlocked,
		)
		return outcome, nil
	}

	// Abort cleanly before Writing if the invoking request is already gone.
	if err := ctx.Err(); err != nil {
		return o.fail(ctx, logger, req, trigger, types.SyncStateDeciding, err)
	}

	// Writing. Once started, the write runs to completion even if the
	// invoking request is canceled mid-flight. The conflict path inside may
	// revise the guard decision against the fresh record, so the effective
	// decision comes back out.
	writeCtx := context.WithoutCancel(ctx)
	written, guardBlocked, err := o.write(writeCtx, req, snapshot, result, proposedPremium, guardBlocked)
	if err != nil {
		return o.fail(ctx, logger, req, trigger, types.SyncStateWriting, err)
	}

	// Acknowledging: only an active purchase with a token gets acknowledged,
	// and never one the platform already marks acknowledged. The outcome of
	// this step cannot revert the write above.
	ack := types.AckNone
	if result != nil && result.State.GrantsPremium() && req.PurchaseToken != "" && !result.Acknowledged {
		ackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.ackTimeout)
		ack, err = o.tracker.Acknowledge(ackCtx, req.UserID, req.ProductID, req.PurchaseToken)
		cancel()
		if err != nil {
			// Ledger read failure: the grant stands, the acknowledgment will
			// be retried on the next sync. Report, do not fail.
			logger.ErrorContext(ctx, "acknowledgment ledger unavailable", "error", err)
			ack = types.AckFailed
		}
	}

	outcome := &types.SyncOutcome{
		Entitlement:  written,
		State:        types.SyncStateDone,
		GuardBlocked: guardBlocked,
		Verification: result,
		Ack:          ack,
	}
	o.record(ctx, outcome, req.ProductID, trigger)
	logger.InfoContext(ctx, "entitlement sync completed",
		"is_premium", written.IsPremium,
		"guard_blocked", guardBlocked,
		"ack", string(ack),
	)
	return outcome, nil
}

// verify calls the platform with a bounded deadline and records latency.
func (o *Orchestrator) verify(ctx context.Context, product Product, token string) (*types.VerificationResult, error) {
	vctx, cancel := context.WithTimeout(ctx, o.verifyTimeout)
	defer cancel()

	start := o.now()
	result, err := o.verifier.Verify(vctx, product.ID, token)
	if o.metrics != nil {
		o.metrics.RecordVerificationLatency(ctx, o.now().Sub(start))
	}
	return result, err
}

// write performs the conditional store write, re-reading and re-evaluating
// the guard once if the record changed between Start and Writing. The bool
// it returns is the guard decision that actually drove the persisted patch,
// which on the conflict path may differ in either direction from the
// Deciding-time value.
func (o *Orchestrator) write(
	ctx context.Context,
	req types.SyncRequest,
	snapshot *types.Entitlement,
	result *types.VerificationResult,
	proposedPremium bool,
	guardBlocked bool,
) (*types.Entitlement, bool, error) {
	patch := o.buildPatch(req, snapshot, result, proposedPremium, guardBlocked)

	var expected int64
	if snapshot != nil {
		expected = snapshot.Version
	}

	written, err := o.store.Write(ctx, patch, expected)
	if err == nil {
		return written, guardBlocked, nil
	}

	var appErr *types.AppError
	if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeConflictVersion {
		return nil, guardBlocked, err
	}

	// The record changed between Start and Writing: re-read and re-evaluate
	// the guard from scratch against the fresh state rather than blindly
	// overwriting. A block decided against the stale snapshot must not carry
	// over if the fresh record is no longer premium.
	fresh, rerr := o.store.Get(ctx, req.UserID)
	if rerr != nil {
		return nil, guardBlocked, rerr
	}
	freshIsPremium := fresh != nil && fresh.IsPremium
	guardBlocked = !proposedPremium && ShouldBlockDowngrade(freshIsPremium, req.AllowDowngrade)

	patch = o.buildPatch(req, fresh, result, proposedPremium, guardBlocked)
	expected = 0
	if fresh != nil {
		expected = fresh.Version
	}
	written, err = o.store.Write(ctx, patch, expected)
	return written, guardBlocked, err
}

// buildPatch computes the record the write step persists.
//
// Guard-blocked writes preserve the stored premium flag and provenance and
// only refresh last_verified_at: the verification itself succeeded, the
// downgrade it proposed is what gets discarded. Unblocked writes carry the
// decided value with store-verified provenance.
func (o *Orchestrator) buildPatch(
	req types.SyncRequest,
	snapshot *types.Entitlement,
	result *types.VerificationResult,
	proposedPremium bool,
	guardBlocked bool,
) types.Entitlement {
	now := o.now()
	patch := types.Entitlement{
		UserID:         req.UserID,
		ProductID:      req.ProductID,
		PurchaseToken:  req.PurchaseToken,
		LastVerifiedAt: &now,
	}

	switch {
	case guardBlocked:
		// A guard block implies a premium snapshot; the blocked patch carries
		// the snapshot's flag and provenance forward unchanged.
		if snapshot != nil {
			patch.IsPremium = snapshot.IsPremium
			patch.Source = snapshot.Source
			patch.ProductID = snapshot.ProductID
			patch.PurchaseToken = snapshot.PurchaseToken
		}
	case result != nil:
		patch.IsPremium = proposedPremium
		patch.Source = types.SourceStoreVerified
	default:
		// Token-less explicit downgrade: nothing was verified, so the write
		// is attributable only to caller intent.
		patch.IsPremium = false
		patch.Source = types.SourceUnknown
		patch.LastVerifiedAt = nil
		if snapshot != nil && snapshot.LastVerifiedAt != nil {
			patch.LastVerifiedAt = snapshot.LastVerifiedAt
		}
	}

	return patch
}

// fail classifies err, records telemetry, and returns the failure outcome.
func (o *Orchestrator) fail(
	ctx context.Context,
	logger *slog.Logger,
	req types.SyncRequest,
	trigger string,
	state types.SyncState,
	err error,
) (*types.SyncOutcome, error) {
	kind := types.Classify(err)
	logger.WarnContext(ctx, "entitlement sync failed",
		"state", string(state),
		"failure_kind", string(kind),
		"error", types.TechnicalMessage(err),
	)
	outcome := &types.SyncOutcome{
		State:       types.SyncStateFailed,
		FailureKind: kind,
	}
	o.record(ctx, outcome, req.ProductID, trigger)
	return outcome, err
}

func (o *Orchestrator) record(ctx context.Context, outcome *types.SyncOutcome, productID, trigger string) {
	if o.metrics != nil {
		o.metrics.RecordSyncOutcome(ctx, outcome, productID, trigger)
	}
}
