package entitlements

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryState struct {
	nextID        int64
	subscriptions map[int64]Subscription
	balances      map[int64]TokenBalance
}

func (s *memoryState) clone() *memoryState {
	c := &memoryState{
		nextID:        s.nextID,
		subscriptions: make(map[int64]Subscription, len(s.subscriptions)),
		balances:      make(map[int64]TokenBalance, len(s.balances)),
	}
	for k, v := range s.subscriptions {
		c.subscriptions[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	return c
}

// MemoryLedger is an in-process Ledger for local development and tests.
// All operations serialize on a single mutex.
type MemoryLedger struct {
	mu    *sync.Mutex
	state *memoryState
	inTx  bool
	now   func() time.Time
}

// NewMemoryLedger creates an empty MemoryLedger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		mu: &sync.Mutex{},
		state: &memoryState{
			subscriptions: make(map[int64]Subscription),
			balances:      make(map[int64]TokenBalance),
		},
		now: time.Now,
	}
}

func (l *MemoryLedger) lock() func() {
	if l.inTx {
		return func() {}
	}
	l.mu.Lock()
	return l.mu.Unlock
}

// GetSubscription retrieves the subscription for a user
func (l *MemoryLedger) GetSubscription(ctx context.Context, userID int64) (*Subscription, error) {
	defer l.lock()()

	sub, ok := l.state.subscriptions[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &sub, nil
}

// UpsertSubscription creates or supersedes the user's subscription
func (l *MemoryLedger) UpsertSubscription(ctx context.Context, userID int64, update SubscriptionUpdate) (*Subscription, error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}
	defer l.lock()()

	now := l.now()
	sub, ok := l.state.subscriptions[userID]
	if !ok {
		l.state.nextID++
		sub = Subscription{ID: l.state.nextID, UserID: userID, CreatedAt: now}
	}

	sub.Status = update.Status
	sub.Plan = update.Plan
	sub.MonthlyTokens = update.MonthlyTokens
	sub.CurrentPeriodEnd = nil
	if update.PeriodEnd != nil {
		t := *update.PeriodEnd
		sub.CurrentPeriodEnd = &t
	}
	if update.StripeSubscriptionID != "" {
		sub.StripeSubscriptionID = update.StripeSubscriptionID
	}
	if update.StripeCustomerID != "" {
		sub.StripeCustomerID = update.StripeCustomerID
	}
	sub.UpdatedAt = now

	l.state.subscriptions[userID] = sub
	return &sub, nil
}

// SetSubscriptionStatus updates only the subscription status
func (l *MemoryLedger) SetSubscriptionStatus(ctx context.Context, userID int64, status SubscriptionStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid subscription status %q", status)
	}
	defer l.lock()()

	sub, ok := l.state.subscriptions[userID]
	if !ok {
		return ErrNotFound
	}
	sub.Status = status
	sub.UpdatedAt = l.now()
	l.state.subscriptions[userID] = sub
	return nil
}

// SetStripeCustomerID records the billing customer id of the user
func (l *MemoryLedger) SetStripeCustomerID(ctx context.Context, userID int64, customerID string) error {
	defer l.lock()()

	sub, ok := l.state.subscriptions[userID]
	if !ok {
		return ErrNotFound
	}
	sub.StripeCustomerID = customerID
	sub.UpdatedAt = l.now()
	l.state.subscriptions[userID] = sub
	return nil
}

// GetTokenBalance retrieves the token balance of a user
func (l *MemoryLedger) GetTokenBalance(ctx context.Context, userID int64) (*TokenBalance, error) {
	defer l.lock()()

	b, ok := l.state.balances[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &b, nil
}

// ResetTokenBalance applies a new allotment and zeroes the used counter
func (l *MemoryLedger) ResetTokenBalance(ctx context.Context, userID int64, monthlyTokens int64, resetAt time.Time) (*TokenBalance, error) {
	if monthlyTokens < 0 {
		return nil, fmt.Errorf("monthly tokens must not be negative, got %d", monthlyTokens)
	}
	defer l.lock()()

	b := l.state.balances[userID]
	b.UserID = userID
	b.MonthlyTokens = monthlyTokens
	b.UsedTokens = 0
	b.ResetAt = resetAt
	b.UpdatedAt = l.now()
	l.state.balances[userID] = b
	return &b, nil
}

// ConsumeToken debits one token when the balance allows it
func (l *MemoryLedger) ConsumeToken(ctx context.Context, userID int64) (*TokenBalance, error) {
	defer l.lock()()

	b, ok := l.state.balances[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if b.UsedTokens >= b.Limit() {
		return nil, &InsufficientBalanceError{Used: b.UsedTokens, Limit: b.Limit()}
	}
	b.UsedTokens++
	b.UpdatedAt = l.now()
	l.state.balances[userID] = b
	return &b, nil
}

// AddBonusTokens grows the additional token pool
func (l *MemoryLedger) AddBonusTokens(ctx context.Context, userID int64, n int64) (*TokenBalance, error) {
	if n <= 0 {
		return nil, ErrInvalidAmount
	}
	defer l.lock()()

	b, ok := l.state.balances[userID]
	if !ok {
		return nil, ErrNotFound
	}
	b.AdditionalTokens += n
	b.UpdatedAt = l.now()
	l.state.balances[userID] = b
	return &b, nil
}

// Seed creates the trial subscription and balance for a new user
func (l *MemoryLedger) Seed(ctx context.Context, userID int64, trialTokens int64, resetAt time.Time) error {
	defer l.lock()()

	now := l.now()
	if _, ok := l.state.subscriptions[userID]; !ok {
		l.state.nextID++
		l.state.subscriptions[userID] = Subscription{
			ID:            l.state.nextID,
			UserID:        userID,
			Status:        SubscriptionStatusTrialing,
			Plan:          PlanFree,
			MonthlyTokens: trialTokens,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	}
	if _, ok := l.state.balances[userID]; !ok {
		l.state.balances[userID] = TokenBalance{
			UserID:        userID,
			MonthlyTokens: trialTokens,
			ResetAt:       resetAt,
			UpdatedAt:     now,
		}
	}
	return nil
}

// RefreshFreeBalances resets expired balances of users without a paid plan
func (l *MemoryLedger) RefreshFreeBalances(ctx context.Context, now time.Time, monthlyTokens int64, next time.Time) (int64, error) {
	defer l.lock()()

	var refreshed int64
	for userID, b := range l.state.balances {
		sub, ok := l.state.subscriptions[userID]
		if !ok || b.ResetAt.After(now) {
			continue
		}
		if sub.Status != SubscriptionStatusCanceled && sub.Plan != PlanFree {
			continue
		}
		b.MonthlyTokens = monthlyTokens
		b.UsedTokens = 0
		b.ResetAt = next
		b.UpdatedAt = l.now()
		l.state.balances[userID] = b
		refreshed++
	}
	return refreshed, nil
}

// Transact runs fn while holding the ledger lock and restores the previous
// state when fn fails.
func (l *MemoryLedger) Transact(ctx context.Context, fn func(Ledger) error) error {
	if l.inTx {
		return fn(l)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	snapshot := l.state.clone()
	tx := &MemoryLedger{mu: l.mu, state: l.state, inTx: true, now: l.now}
	if err := fn(tx); err != nil {
		*l.state = *snapshot
		return err
	}
	return nil
}
