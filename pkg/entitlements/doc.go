// Package entitlements holds the per-user entitlement ledger: the
// subscription plan and the metered token balance.
//
// A balance satisfies 0 <= used <= monthly + additional at all times.
// PostgresLedger enforces this with a conditional UPDATE backed by a CHECK
// constraint; MemoryLedger serializes on a mutex.
//
// Consuming a token:
//
//	balance, err := ledger.ConsumeToken(ctx, userID)
//	if entitlements.IsInsufficientBalance(err) {
//		// refuse the feature run
//	}
//
// Writes that must land together go through Transact:
//
//	err := ledger.Transact(ctx, func(tx entitlements.Ledger) error {
//		if _, err := tx.UpsertSubscription(ctx, userID, update); err != nil {
//			return err
//		}
//		_, err := tx.ResetTokenBalance(ctx, userID, update.MonthlyTokens, entitlements.NextReset(now))
//		return err
//	})
package entitlements
