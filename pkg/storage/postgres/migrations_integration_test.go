//go:build integration

package postgres

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMigrate_CreatesSchema(t *testing.T) {
	db := SetupTestDatabase(t)
	ctx := context.Background()

	for _, table := range []string{"users", "subscriptions", "token_balances"} {
		var exists bool
		err := db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = $1)`, table,
		).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, table)
	}

	// Re-running is a no-op.
	require.NoError(t, Migrate(ctx, db))
}

func TestMigrate_BalanceConstraint(t *testing.T) {
	db := SetupTestDatabase(t)
	ctx := context.Background()

	var userID int64
	require.NoError(t, db.QueryRowContext(ctx,
		`INSERT INTO users (subject) VALUES ('user_constraint') RETURNING id`).Scan(&userID))

	_, err := db.ExecContext(ctx,
		`INSERT INTO token_balances (user_id, monthly_tokens, used_tokens, reset_at) VALUES ($1, 5, 6, NOW())`, userID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "token_balances_used_within_limit")
}
