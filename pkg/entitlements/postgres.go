package entitlements

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/quantipackai/quantipack/pkg/observability"
)

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// PostgresLedger implements Ledger using PostgreSQL
type PostgresLedger struct {
	db      *sql.DB // nil inside a transaction
	q       querier
	metrics *observability.Metrics
}

// NewPostgresLedger creates a new PostgresLedger. metrics may be nil.
func NewPostgresLedger(db *sql.DB, metrics *observability.Metrics) *PostgresLedger {
	return &PostgresLedger{
		db:      db,
		q:       db,
		metrics: metrics,
	}
}

const subscriptionColumns = `id, user_id, stripe_customer_id, stripe_subscription_id, status, plan,
	monthly_tokens, current_period_end, created_at, updated_at`

const balanceColumns = `user_id, monthly_tokens, additional_tokens, used_tokens, reset_at, updated_at`

func scanSubscription(row rowScanner) (*Subscription, error) {
	sub := &Subscription{}
	var customerID, subscriptionID sql.NullString
	var periodEnd sql.NullTime
	err := row.Scan(
		&sub.ID, &sub.UserID, &customerID, &subscriptionID, &sub.Status, &sub.Plan,
		&sub.MonthlyTokens, &periodEnd, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.StripeCustomerID = customerID.String
	sub.StripeSubscriptionID = subscriptionID.String
	if periodEnd.Valid {
		t := periodEnd.Time
		sub.CurrentPeriodEnd = &t
	}
	return sub, nil
}

func scanBalance(row rowScanner) (*TokenBalance, error) {
	b := &TokenBalance{}
	err := row.Scan(&b.UserID, &b.MonthlyTokens, &b.AdditionalTokens, &b.UsedTokens, &b.ResetAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// observe opens a span and times the operation. The returned func records
// the outcome; not-found and exhausted balances are not failures.
func (l *PostgresLedger) observe(ctx context.Context, op string, userID int64) (context.Context, func(error)) {
	ctx, span := observability.Tracer().Start(ctx, "entitlements."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.Int64("user.id", userID),
		),
	)
	start := time.Now()
	return ctx, func(err error) {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInsufficientBalance) {
			err = nil
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		l.metrics.ObserveLedgerOperation(op, start, err)
		span.End()
	}
}

// GetSubscription retrieves the subscription for a user
func (l *PostgresLedger) GetSubscription(ctx context.Context, userID int64) (sub *Subscription, err error) {
	ctx, done := l.observe(ctx, "get_subscription", userID)
	defer func() { done(err) }()

	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE user_id = $1`
	sub, err = scanSubscription(l.q.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// UpsertSubscription creates or supersedes the user's subscription
func (l *PostgresLedger) UpsertSubscription(ctx context.Context, userID int64, update SubscriptionUpdate) (sub *Subscription, err error) {
	if err := update.Validate(); err != nil {
		return nil, err
	}

	ctx, done := l.observe(ctx, "upsert_subscription", userID)
	defer func() { done(err) }()

	query := `
		INSERT INTO subscriptions (user_id, status, plan, monthly_tokens, current_period_end,
		                           stripe_subscription_id, stripe_customer_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), NULLIF($7, ''))
		ON CONFLICT (user_id) DO UPDATE
		SET status = EXCLUDED.status,
		    plan = EXCLUDED.plan,
		    monthly_tokens = EXCLUDED.monthly_tokens,
		    current_period_end = EXCLUDED.current_period_end,
		    stripe_subscription_id = COALESCE(EXCLUDED.stripe_subscription_id, subscriptions.stripe_subscription_id),
		    stripe_customer_id = COALESCE(EXCLUDED.stripe_customer_id, subscriptions.stripe_customer_id),
		    updated_at = NOW()
		RETURNING ` + subscriptionColumns

	var periodEnd sql.NullTime
	if update.PeriodEnd != nil {
		periodEnd = sql.NullTime{Time: *update.PeriodEnd, Valid: true}
	}

	sub, err = scanSubscription(l.q.QueryRowContext(ctx, query,
		userID, update.Status, update.Plan, update.MonthlyTokens, periodEnd,
		update.StripeSubscriptionID, update.StripeCustomerID,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return sub, nil
}

// SetSubscriptionStatus updates only the subscription status
func (l *PostgresLedger) SetSubscriptionStatus(ctx context.Context, userID int64, status SubscriptionStatus) (err error) {
	if !status.Valid() {
		return fmt.Errorf("invalid subscription status %q", status)
	}

	ctx, done := l.observe(ctx, "set_subscription_status", userID)
	defer func() { done(err) }()

	query := `UPDATE subscriptions SET status = $2, updated_at = NOW() WHERE user_id = $1`
	return l.execOne(ctx, "update subscription status", query, userID, status)
}

// SetStripeCustomerID records the billing customer id of the user
func (l *PostgresLedger) SetStripeCustomerID(ctx context.Context, userID int64, customerID string) (err error) {
	ctx, done := l.observe(ctx, "set_stripe_customer", userID)
	defer func() { done(err) }()

	query := `UPDATE subscriptions SET stripe_customer_id = $2, updated_at = NOW() WHERE user_id = $1`
	return l.execOne(ctx, "set stripe customer", query, userID, customerID)
}

func (l *PostgresLedger) execOne(ctx context.Context, what, query string, args ...any) error {
	result, err := l.q.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// GetTokenBalance retrieves the token balance of a user
func (l *PostgresLedger) GetTokenBalance(ctx context.Context, userID int64) (b *TokenBalance, err error) {
	ctx, done := l.observe(ctx, "get_token_balance", userID)
	defer func() { done(err) }()

	return l.getBalance(ctx, userID)
}

func (l *PostgresLedger) getBalance(ctx context.Context, userID int64) (*TokenBalance, error) {
	query := `SELECT ` + balanceColumns + ` FROM token_balances WHERE user_id = $1`
	b, err := scanBalance(l.q.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get token balance: %w", err)
	}
	return b, nil
}

// ResetTokenBalance applies a new allotment and zeroes the used counter
func (l *PostgresLedger) ResetTokenBalance(ctx context.Context, userID int64, monthlyTokens int64, resetAt time.Time) (b *TokenBalance, err error) {
	if monthlyTokens < 0 {
		return nil, fmt.Errorf("monthly tokens must not be negative, got %d", monthlyTokens)
	}

	ctx, done := l.observe(ctx, "reset_token_balance", userID)
	defer func() { done(err) }()

	query := `
		INSERT INTO token_balances (user_id, monthly_tokens, additional_tokens, used_tokens, reset_at)
		VALUES ($1, $2, 0, 0, $3)
		ON CONFLICT (user_id) DO UPDATE
		SET monthly_tokens = EXCLUDED.monthly_tokens,
		    used_tokens = 0,
		    reset_at = EXCLUDED.reset_at,
		    updated_at = NOW()
		RETURNING ` + balanceColumns

	b, err = scanBalance(l.q.QueryRowContext(ctx, query, userID, monthlyTokens, resetAt))
	if err != nil {
		return nil, fmt.Errorf("failed to reset token balance: %w", err)
	}
	return b, nil
}

// ConsumeToken debits one token with a single conditional update, so
// concurrent callers can never push used past the limit.
func (l *PostgresLedger) ConsumeToken(ctx context.Context, userID int64) (b *TokenBalance, err error) {
	ctx, done := l.observe(ctx, "consume_token", userID)
	defer func() { done(err) }()

	query := `
		UPDATE token_balances
		SET used_tokens = used_tokens + 1, updated_at = NOW()
		WHERE user_id = $1 AND used_tokens < monthly_tokens + additional_tokens
		RETURNING ` + balanceColumns

	b, err = scanBalance(l.q.QueryRowContext(ctx, query, userID))
	if err == nil {
		return b, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to consume token: %w", err)
	}

	// No row matched: either the user has no balance or it is exhausted.
	current, err := l.getBalance(ctx, userID)
	if err != nil {
		return nil, err
	}
	return nil, &InsufficientBalanceError{Used: current.UsedTokens, Limit: current.Limit()}
}

// AddBonusTokens grows the additional token pool
func (l *PostgresLedger) AddBonusTokens(ctx context.Context, userID int64, n int64) (b *TokenBalance, err error) {
	if n <= 0 {
		return nil, ErrInvalidAmount
	}

	ctx, done := l.observe(ctx, "add_bonus_tokens", userID)
	defer func() { done(err) }()

	query := `
		UPDATE token_balances
		SET additional_tokens = additional_tokens + $2, updated_at = NOW()
		WHERE user_id = $1
		RETURNING ` + balanceColumns

	b, err = scanBalance(l.q.QueryRowContext(ctx, query, userID, n))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add bonus tokens: %w", err)
	}
	return b, nil
}

// Seed creates the trial subscription and balance for a new user
func (l *PostgresLedger) Seed(ctx context.Context, userID int64, trialTokens int64, resetAt time.Time) (err error) {
	ctx, done := l.observe(ctx, "seed", userID)
	defer func() { done(err) }()

	subQuery := `
		INSERT INTO subscriptions (user_id, status, plan, monthly_tokens)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := l.q.ExecContext(ctx, subQuery, userID, SubscriptionStatusTrialing, PlanFree, trialTokens); err != nil {
		return fmt.Errorf("failed to seed subscription: %w", err)
	}

	balanceQuery := `
		INSERT INTO token_balances (user_id, monthly_tokens, additional_tokens, used_tokens, reset_at)
		VALUES ($1, $2, 0, 0, $3)
		ON CONFLICT (user_id) DO NOTHING
	`
	if _, err := l.q.ExecContext(ctx, balanceQuery, userID, trialTokens, resetAt); err != nil {
		return fmt.Errorf("failed to seed token balance: %w", err)
	}
	return nil
}

// RefreshFreeBalances resets expired balances of users without a paid plan
func (l *PostgresLedger) RefreshFreeBalances(ctx context.Context, now time.Time, monthlyTokens int64, next time.Time) (n int64, err error) {
	ctx, done := l.observe(ctx, "refresh_free_balances", 0)
	defer func() { done(err) }()

	query := `
		UPDATE token_balances AS b
		SET monthly_tokens = $2, used_tokens = 0, reset_at = $3, updated_at = NOW()
		FROM subscriptions AS s
		WHERE s.user_id = b.user_id
		  AND b.reset_at <= $1
		  AND (s.status = $4 OR s.plan = $5)
	`
	result, err := l.q.ExecContext(ctx, query, now, monthlyTokens, next, SubscriptionStatusCanceled, PlanFree)
	if err != nil {
		return 0, fmt.Errorf("failed to refresh free balances: %w", err)
	}
	n, err = result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to refresh free balances: %w", err)
	}
	return n, nil
}

// Transact runs fn inside a database transaction. Nested calls reuse the
// outer transaction.
func (l *PostgresLedger) Transact(ctx context.Context, fn func(Ledger) error) (err error) {
	if l.db == nil {
		return fn(l)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&PostgresLedger{q: tx, metrics: l.metrics}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
