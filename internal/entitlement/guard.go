// Package entitlement implements the premium-entitlement reconciliation core:
// the downgrade guard, the acknowledgment tracker, and the sync orchestrator
// that sequences verification, guard evaluation, the conditional store write,
// and acknowledgment.
package entitlement

// ShouldBlockDowngrade is the central safety decision: it reports whether a
// verification attempt may write a downgrade (premium -> not premium) to the
// store.
//
// It blocks exactly when the stored record says premium and the caller did
// not carry explicit downgrade intent. Verification attempts made without a
// purchase token (for example a background re-sync fired before the client
// has re-attached a receipt) must never silently erase a previously confirmed
// premium status; only a call that explicitly allows downgrades may clear it.
//
// The function is pure and independent of network state so it can be tested
// exhaustively without any billing or storage mock.
func ShouldBlockDowngrade(existingIsPremium, allowDowngrade bool) bool {
	return existingIsPremium && !allowDowngrade
}
