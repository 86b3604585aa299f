package types

import "time"

// EntitlementSource records the provenance of the last write to an
// entitlement record. Every write is attributable to exactly one source.
type EntitlementSource string

const (
	// SourceStoreVerified marks a write backed by a successful verification
	// call against the billing platform.
	SourceStoreVerified EntitlementSource = "store-verified"
	// SourceManualGrant marks an administrative grant performed outside the
	// verification flow.
	SourceManualGrant EntitlementSource = "manual-grant"
	// SourceUnknown is the provenance of records that predate verification
	// or whose origin cannot be established.
	SourceUnknown EntitlementSource = "unknown"
)

// Entitlement is the canonical premium-subscription record, one per user.
// It is owned exclusively by the entitlement repository; every other part of
// the application reads IsPremium and nothing else.
type Entitlement struct {
	UserID             string            `json:"user_id" db:"user_id"`
	IsPremium          bool              `json:"is_premium" db:"is_premium"`
	Source             EntitlementSource `json:"source" db:"source"`
	ProductID          string            `json:"product_id,omitempty" db:"product_id"`
	PurchaseToken      string            `json:"-" db:"purchase_token"`
	LastVerifiedAt     *time.Time        `json:"last_verified_at,omitempty" db:"last_verified_at"`
	AcknowledgedTokens []string          `json:"-" db:"acknowledged_tokens"`

	// Version is the optimistic-concurrency token. Conditional writes carry
	// the version observed at read time; a mismatch means the record changed
	// underneath the caller.
	Version int64 `json:"-" db:"version"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasAcknowledged reports whether the given purchase token is already in the
// append-only acknowledgment ledger.
func (e *Entitlement) HasAcknowledged(token string) bool {
	for _, t := range e.AcknowledgedTokens {
		if t == token {
			return true
		}
	}
	return false
}

// PurchaseState is the classification of a purchase as reported by the
// billing platform. The full Play subscription state set is enumerated
// explicitly rather than assuming a binary active/expired split.
type PurchaseState string

const (
	PurchaseStateActive        PurchaseState = "active"
	PurchaseStateInGracePeriod PurchaseState = "in_grace_period"
	PurchaseStateOnHold        PurchaseState = "on_hold"
	PurchaseStatePaused        PurchaseState = "paused"
	PurchaseStateCanceled      PurchaseState = "canceled"
	PurchaseStateExpired       PurchaseState = "expired"
	PurchaseStatePending       PurchaseState = "pending"
	// PurchaseStateNotFound means the token is unknown to the platform.
	// This is distinct from "no token supplied", which never reaches the
	// remote call.
	PurchaseStateNotFound PurchaseState = "not_found"
)

// GrantsPremium reports whether this purchase state entitles the user to
// premium access. Grace period retains access (the user is still paying and
// the platform is retrying collection); on-hold, paused and everything
// terminal do not.
func (s PurchaseState) GrantsPremium() bool {
	return s == PurchaseStateActive || s == PurchaseStateInGracePeriod
}

// VerificationResult is the authoritative purchase state returned by the
// billing platform for a (productID, purchaseToken) pair.
type VerificationResult struct {
	State        PurchaseState `json:"state"`
	ProductID    string        `json:"product_id"`
	ExpiryTime   *time.Time    `json:"expiry_time,omitempty"`
	AutoRenewing bool          `json:"auto_renewing"`
	// Acknowledged reflects the platform's own acknowledgment flag; an
	// already-acknowledged purchase must not be acknowledged again.
	Acknowledged bool `json:"acknowledged"`
}

// SyncRequest is the single invocation surface for entitlement
// reconciliation, accepted from both the billing webhook and authenticated
// client re-sync calls.
type SyncRequest struct {
	UserID        string `json:"user_id" validate:"required,max=128"`
	ProductID     string `json:"product_id" validate:"required,max=256"`
	PurchaseToken string `json:"purchase_token,omitempty" validate:"omitempty,max=1024"`
	// AllowDowngrade carries explicit downgrade intent. Without it, a
	// verification attempt can never flip a stored premium grant to false.
	AllowDowngrade bool `json:"allow_downgrade,omitempty"`
}

// SyncState names the orchestrator's per-invocation states, used in outcome
// reporting and logs.
type SyncState string

const (
	SyncStateStart         SyncState = "start"
	SyncStateVerifying     SyncState = "verifying"
	SyncStateDeciding      SyncState = "deciding"
	SyncStateWriting       SyncState = "writing"
	SyncStateAcknowledging SyncState = "acknowledging"
	SyncStateDone          SyncState = "done"
	SyncStateFailed        SyncState = "failed"
)

// SyncOutcome is the orchestrator's terminal report. A guard block is a
// successful, safety-preserving outcome: GuardBlocked is set and Entitlement
// holds the preserved snapshot. Failures carry the classified kind; no
// partial writes precede them.
type SyncOutcome struct {
	Entitlement  *Entitlement        `json:"entitlement,omitempty"`
	State        SyncState           `json:"state"`
	GuardBlocked bool                `json:"guard_blocked,omitempty"`
	Verification *VerificationResult `json:"verification,omitempty"`
	Ack          AckOutcome          `json:"acknowledgment,omitempty"`
	FailureKind  FailureKind         `json:"failure_kind,omitempty"`
}

// AckRetryMessage is the queue payload for a deferred acknowledgment retry.
// The ack worker replays it through the full sync pipeline rather than
// re-issuing the acknowledge call in isolation, so a purchase that changed
// state while the retry was queued is handled correctly.
type AckRetryMessage struct {
	TraceID       string    `json:"trace_id"`
	UserID        string    `json:"user_id"`
	ProductID     string    `json:"product_id"`
	PurchaseToken string    `json:"purchase_token"`
	ScheduledAt   time.Time `json:"scheduled_at"`
}

// AckOutcome reports the result of the acknowledgment step.
type AckOutcome string

const (
	// AckNone: no acknowledgment was attempted (no active purchase, or no token).
	AckNone AckOutcome = ""
	// AckDone: the remote acknowledge call succeeded and the ledger was updated.
	AckDone AckOutcome = "acknowledged"
	// AckAlready: the token was already in the ledger; no remote call was made.
	AckAlready AckOutcome = "already-acknowledged"
	// AckRetryScheduled: the remote call failed with a retryable kind and the
	// retry was handed to the scheduler. The preceding entitlement write stands.
	AckRetryScheduled AckOutcome = "retry-scheduled"
	// AckFailed: the remote call failed terminally. Reported for investigation;
	// the preceding entitlement write stands.
	AckFailed AckOutcome = "failed"
)
