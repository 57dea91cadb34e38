package entitlements

import (
	"context"
	"time"
)

// Ledger stores the per-user subscription and token balance.
//
// Every mutation is keyed by the internal user id. Implementations must make
// ConsumeToken atomic with respect to concurrent calls for the same user.
type Ledger interface {
	// GetSubscription returns ErrNotFound when the user has no subscription
	GetSubscription(ctx context.Context, userID int64) (*Subscription, error)

	// UpsertSubscription inserts the user's subscription or replaces its
	// mutable fields in place. It never creates a second record.
	UpsertSubscription(ctx context.Context, userID int64, update SubscriptionUpdate) (*Subscription, error)

	// SetSubscriptionStatus changes only the status, keeping the other fields
	SetSubscriptionStatus(ctx context.Context, userID int64, status SubscriptionStatus) error

	// SetStripeCustomerID records the billing customer of the user
	SetStripeCustomerID(ctx context.Context, userID int64, customerID string) error

	// GetTokenBalance returns ErrNotFound when the user has no balance
	GetTokenBalance(ctx context.Context, userID int64) (*TokenBalance, error)

	// ResetTokenBalance zeroes the used counter and applies a new allotment.
	// The balance is created when missing. Additional tokens are kept.
	ResetTokenBalance(ctx context.Context, userID int64, monthlyTokens int64, resetAt time.Time) (*TokenBalance, error)

	// ConsumeToken debits one token. It returns an *InsufficientBalanceError,
	// leaving the balance untouched, once used reaches the limit.
	ConsumeToken(ctx context.Context, userID int64) (*TokenBalance, error)

	// AddBonusTokens grows the additional token pool by n
	AddBonusTokens(ctx context.Context, userID int64, n int64) (*TokenBalance, error)

	// Seed creates the trial subscription and balance of a new user.
	// Existing records are left alone.
	Seed(ctx context.Context, userID int64, trialTokens int64, resetAt time.Time) error

	// RefreshFreeBalances resets expired balances of free and canceled users
	// to monthlyTokens with a reset time of next. It returns the number of
	// balances refreshed.
	RefreshFreeBalances(ctx context.Context, now time.Time, monthlyTokens int64, next time.Time) (int64, error)

	// Transact runs fn with a ledger whose mutations commit together or not at all
	Transact(ctx context.Context, fn func(Ledger) error) error
}

var (
	_ Ledger = (*PostgresLedger)(nil)
	_ Ledger = (*MemoryLedger)(nil)
)
