package entitlements

import (
	"errors"
	"fmt"
	"time"
)

// PlanTier represents subscription plan tiers
type PlanTier string

const (
	PlanFree         PlanTier = "free"
	PlanStarter      PlanTier = "starter"
	PlanProfessional PlanTier = "professional"
	PlanEnterprise   PlanTier = "enterprise"
)

// Valid reports whether t is a known tier
func (t PlanTier) Valid() bool {
	switch t {
	case PlanFree, PlanStarter, PlanProfessional, PlanEnterprise:
		return true
	}
	return false
}

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusTrialing   SubscriptionStatus = "trialing"
	SubscriptionStatusActive     SubscriptionStatus = "active"
	SubscriptionStatusPastDue    SubscriptionStatus = "past_due"
	SubscriptionStatusCanceled   SubscriptionStatus = "canceled"
	SubscriptionStatusIncomplete SubscriptionStatus = "incomplete"
)

// Valid reports whether s is a known status
func (s SubscriptionStatus) Valid() bool {
	switch s {
	case SubscriptionStatusTrialing, SubscriptionStatusActive, SubscriptionStatusPastDue,
		SubscriptionStatusCanceled, SubscriptionStatusIncomplete:
		return true
	}
	return false
}

// BalancePeriod is the lifetime of a token allotment
const BalancePeriod = 30 * 24 * time.Hour

// NextReset returns the reset timestamp for an allotment applied at now
func NextReset(now time.Time) time.Time {
	return now.Add(BalancePeriod)
}

// Subscription is a user's billing plan. There is exactly one per user.
type Subscription struct {
	ID                   int64              `json:"id"`
	UserID               int64              `json:"user_id"`
	StripeCustomerID     string             `json:"stripe_customer_id,omitempty"`
	StripeSubscriptionID string             `json:"stripe_subscription_id,omitempty"`
	Status               SubscriptionStatus `json:"status"`
	Plan                 PlanTier           `json:"plan"`
	MonthlyTokens        int64              `json:"monthly_tokens"`
	CurrentPeriodEnd     *time.Time         `json:"current_period_end,omitempty"`
	CreatedAt            time.Time          `json:"created_at"`
	UpdatedAt            time.Time          `json:"updated_at"`
}

// SubscriptionUpdate carries the mutable fields written by UpsertSubscription.
// Empty Stripe ids leave the stored references untouched.
type SubscriptionUpdate struct {
	Status               SubscriptionStatus
	Plan                 PlanTier
	MonthlyTokens        int64
	PeriodEnd            *time.Time
	StripeSubscriptionID string
	StripeCustomerID     string
}

// Validate checks the update before it reaches storage
func (u SubscriptionUpdate) Validate() error {
	if !u.Status.Valid() {
		return fmt.Errorf("invalid subscription status %q", u.Status)
	}
	if !u.Plan.Valid() {
		return fmt.Errorf("invalid plan tier %q", u.Plan)
	}
	if u.MonthlyTokens < 0 {
		return fmt.Errorf("monthly tokens must not be negative, got %d", u.MonthlyTokens)
	}
	return nil
}

// TokenBalance tracks metered usage for the current allotment.
// 0 <= UsedTokens <= MonthlyTokens + AdditionalTokens always holds.
type TokenBalance struct {
	UserID           int64     `json:"user_id"`
	MonthlyTokens    int64     `json:"monthly_tokens"`
	AdditionalTokens int64     `json:"additional_tokens"`
	UsedTokens       int64     `json:"used_tokens"`
	ResetAt          time.Time `json:"reset_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Limit returns the total number of tokens that may be used
func (b *TokenBalance) Limit() int64 {
	return b.MonthlyTokens + b.AdditionalTokens
}

// Remaining returns the number of tokens still available
func (b *TokenBalance) Remaining() int64 {
	return b.Limit() - b.UsedTokens
}

var (
	// ErrNotFound is returned when a user has no subscription or balance
	ErrNotFound = errors.New("entitlement not found")

	// ErrInsufficientBalance is returned by ConsumeToken when the balance is exhausted
	ErrInsufficientBalance = errors.New("insufficient token balance")

	// ErrInvalidAmount is returned for non-positive token grants
	ErrInvalidAmount = errors.New("token amount must be positive")
)

// InsufficientBalanceError reports an exhausted balance with its counters
type InsufficientBalanceError struct {
	Used  int64
	Limit int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient token balance: used %d of %d", e.Used, e.Limit)
}

// Is makes errors.Is(err, ErrInsufficientBalance) match
func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// IsInsufficientBalance checks if an error is an insufficient balance error
func IsInsufficientBalance(err error) bool {
	return errors.Is(err, ErrInsufficientBalance)
}
