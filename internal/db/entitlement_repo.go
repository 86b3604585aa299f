package db

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"playsync/internal/types"
)

// EntitlementRepository provides data access for the entitlements table,
// one row per user.
//
// Key invariants:
//   - Write is version-conditioned: the UPDATE only applies when the stored
//     version matches the version observed at read time, and every applied
//     write increments it. A concurrent writer surfaces as
//     ErrCodeConflictVersion, never as silent last-write-wins.
//   - AppendAcknowledgedToken mutates only the acknowledgment ledger and
//     never touches version, so a ledger append between a caller's read and
//     its conditional write cannot fail that write.
type EntitlementRepository struct {
	db     DBTX
	logger *slog.Logger
}

// NewEntitlementRepository creates a new EntitlementRepository backed by the
// given database connection (pool or transaction).
func NewEntitlementRepository(db DBTX, logger *slog.Logger) *EntitlementRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementRepository{db: db, logger: logger}
}

// entitlementColumns defines the standard set of columns selected for
// entitlement queries. Used consistently across all query methods to avoid
// column drift.
const entitlementColumns = `user_id, is_premium, source, product_id, purchase_token,
	last_verified_at, acknowledged_tokens, version, created_at, updated_at`

// scanEntitlement scans a single entitlement row into a types.Entitlement.
// The columns must match the order defined in entitlementColumns. Uses
// nullable scan targets for columns that may be NULL (product_id,
// purchase_token, last_verified_at).
func scanEntitlement(row pgx.Row) (*types.Entitlement, error) {
	var e types.Entitlement
	var (
		productID     *string
		purchaseToken *string
	)
	err := row.Scan(
		&e.UserID,
		&e.IsPremium,
		&e.Source,
		&productID,
		&purchaseToken,
		&e.LastVerifiedAt,
		&e.AcknowledgedTokens,
		&e.Version,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if productID != nil {
		e.ProductID = *productID
	}
	if purchaseToken != nil {
		e.PurchaseToken = *purchaseToken
	}
	return &e, nil
}

// Get retrieves the entitlement record for a user. Returns (nil, nil) when no
// record exists; absence is a normal state (the user has never completed a
// verified purchase), not an error.
func (r *EntitlementRepository) Get(ctx context.Context, userID string) (*types.Entitlement, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+entitlementColumns+`
		 FROM entitlements
		 WHERE user_id = $1`,
		userID,
	)

	e, err := scanEntitlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve entitlement", err)
	}
	return e, nil
}

// GetByPurchaseToken retrieves the entitlement record currently holding the
// given purchase token. Used by the webhook path, where platform notifications
// carry a token but no user identity. Returns (nil, nil) when no record holds
// the token; such notifications are unattributable and the caller decides how
// to report them.
func (r *EntitlementRepository) GetByPurchaseToken(ctx context.Context, token string) (*types.Entitlement, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+entitlementColumns+`
		 FROM entitlements
		 WHERE purchase_token = $1`,
		token,
	)

	e, err := scanEntitlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve entitlement by token", err)
	}
	return e, nil
}

// Write applies a version-conditioned upsert of the entitlement record.
//
// expectedVersion is the version observed when the record was read, or 0 when
// no record existed. The write path is split on that:
//   - expectedVersion == 0: INSERT a fresh row at version 1. A unique
//     violation means another writer created the row first.
//   - expectedVersion > 0: conditional UPDATE keyed on version, setting
//     version = version + 1. Zero rows affected means the stored version
//     moved (or the row vanished).
//
// Both mismatch cases return ErrCodeConflictVersion so the caller can re-read
// and re-decide. The acknowledgment ledger and created_at are never written
// here; they belong to AppendAcknowledgedToken and the INSERT default.
func (r *EntitlementRepository) Write(ctx context.Context, patch types.Entitlement, expectedVersion int64) (*types.Entitlement, error) {
	if expectedVersion == 0 {
		row := r.db.QueryRow(ctx,
			`INSERT INTO entitlements (user_id, is_premium, source, product_id, purchase_token, last_verified_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, 1)
			 ON CONFLICT (user_id) DO NOTHING
			 RETURNING `+entitlementColumns,
			patch.UserID,
			patch.IsPremium,
			patch.Source,
			nilIfEmpty(patch.ProductID),
			nilIfEmpty(patch.PurchaseToken),
			patch.LastVerifiedAt,
		)
		e, err := scanEntitlement(row)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				// DO NOTHING swallowed the insert: a concurrent writer
				// created the row between our read and this call.
				return nil, types.NewAppError(types.ErrCodeConflictVersion, "entitlement created concurrently", nil)
			}
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to create entitlement", err)
		}
		return e, nil
	}

	row := r.db.QueryRow(ctx,
		`UPDATE entitlements
		 SET is_premium = $1,
		     source = $2,
		     product_id = $3,
		     purchase_token = $4,
		     last_verified_at = $5,
		     version = version + 1,
		     updated_at = NOW()
		 WHERE user_id = $6
		   AND version = $7
		 RETURNING `+entitlementColumns,
		patch.IsPremium,
		patch.Source,
		nilIfEmpty(patch.ProductID),
		nilIfEmpty(patch.PurchaseToken),
		patch.LastVerifiedAt,
		patch.UserID,
		expectedVersion,
	)
	e, err := scanEntitlement(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			r.logger.InfoContext(ctx, "entitlement write rejected (optimistic lock)",
				slog.String("user_id", patch.UserID),
				slog.Int64("expected_version", expectedVersion),
			)
			return nil, types.NewAppError(types.ErrCodeConflictVersion, "entitlement changed concurrently", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to update entitlement", err)
	}
	return e, nil
}

// AppendAcknowledgedToken adds a purchase token to the user's acknowledgment
// ledger. The append is duplicate-guarded in SQL, so replaying it is a no-op,
// and it deliberately does not bump version: ledger growth is monotone
// bookkeeping, not a state change other writers need to observe.
func (r *EntitlementRepository) AppendAcknowledgedToken(ctx context.Context, userID, token string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE entitlements
		 SET acknowledged_tokens = array_append(acknowledged_tokens, $1),
		     updated_at = NOW()
		 WHERE user_id = $2
		   AND NOT ($1 = ANY(acknowledged_tokens))`,
		token,
		userID,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append acknowledged token", err)
	}

	if tag.RowsAffected() == 0 {
		// Either the token is already in the ledger (idempotent replay) or
		// the row does not exist. Distinguish so a missing row is not
		// silently treated as recorded.
		var exists bool
		if err := r.db.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM entitlements WHERE user_id = $1)`,
			userID,
		).Scan(&exists); err != nil {
			return types.NewAppError(types.ErrCodeInternalDB, "failed to check entitlement existence", err)
		}
		if !exists {
			return types.NewAppError(types.ErrCodeNotFoundEntitlement, "entitlement not found", nil)
		}
	}

	return nil
}

// nilIfEmpty returns nil if the string is empty, otherwise returns a pointer
// to the string. Used for nullable text columns.
func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
