//go:build integration

package entitlements

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantipackai/quantipack/pkg/storage/postgres"
)

func createUser(t *testing.T, db *sql.DB, subject string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, db.QueryRow(`INSERT INTO users (subject) VALUES ($1) RETURNING id`, subject).Scan(&id))
	return id
}

func TestPostgresLedger_ConcurrentConsumeIntegration(t *testing.T) {
	db := postgres.SetupTestDatabase(t)
	ledger := NewPostgresLedger(db, nil)
	ctx := context.Background()

	userID := createUser(t, db, "user_concurrent")
	require.NoError(t, ledger.Seed(ctx, userID, 25, time.Now().Add(BalancePeriod)))

	var succeeded int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := ledger.ConsumeToken(ctx, userID); err == nil {
				atomic.AddInt64(&succeeded, 1)
			} else if !IsInsufficientBalance(err) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(25), succeeded)

	b, err := ledger.GetTokenBalance(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, int64(25), b.UsedTokens)
}

func TestPostgresLedger_UpsertIntegration(t *testing.T) {
	db := postgres.SetupTestDatabase(t)
	ledger := NewPostgresLedger(db, nil)
	ctx := context.Background()

	userID := createUser(t, db, "user_upsert")
	require.NoError(t, ledger.Seed(ctx, userID, 5, time.Now()))

	_, err := ledger.UpsertSubscription(ctx, userID, SubscriptionUpdate{
		Status: SubscriptionStatusActive, Plan: PlanStarter, MonthlyTokens: 50,
		StripeSubscriptionID: "sub_1", StripeCustomerID: "cus_1",
	})
	require.NoError(t, err)

	sub, err := ledger.UpsertSubscription(ctx, userID, SubscriptionUpdate{
		Status: SubscriptionStatusActive, Plan: PlanProfessional, MonthlyTokens: 150,
	})
	require.NoError(t, err)
	assert.Equal(t, PlanProfessional, sub.Plan)
	assert.Equal(t, "sub_1", sub.StripeSubscriptionID)

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM subscriptions WHERE user_id = $1`, userID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestPostgresLedger_TransactRollbackIntegration(t *testing.T) {
	db := postgres.SetupTestDatabase(t)
	ledger := NewPostgresLedger(db, nil)
	ctx := context.Background()

	userID := createUser(t, db, "user_tx")
	require.NoError(t, ledger.Seed(ctx, userID, 5, time.Now()))

	err := ledger.Transact(ctx, func(tx Ledger) error {
		if _, err := tx.UpsertSubscription(ctx, userID, SubscriptionUpdate{
			Status: SubscriptionStatusActive, Plan: PlanEnterprise, MonthlyTokens: 1000,
		}); err != nil {
			return err
		}
		// Rejected before any statement is sent.
		_, err := tx.ResetTokenBalance(ctx, userID, -1, time.Now())
		return err
	})
	require.Error(t, err)

	sub, err := ledger.GetSubscription(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, PlanFree, sub.Plan)
}
