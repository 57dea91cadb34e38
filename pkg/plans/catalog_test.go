package plans

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantipackai/quantipack/pkg/entitlements"
)

const sampleCatalog = `
free_tokens: 5
prices:
  price_pro:
    name: Professional
    tier: professional
    monthly_tokens: 150
  price_starter:
    tier: starter
    monthly_tokens: 50
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(sampleCatalog))
	require.NoError(t, err)

	plan, ok := c.Lookup("price_pro")
	require.True(t, ok)
	assert.Equal(t, entitlements.PlanProfessional, plan.Tier)
	assert.Equal(t, int64(150), plan.MonthlyTokens)
	assert.Equal(t, "price_pro", plan.PriceID)

	_, ok = c.Lookup("price_unknown")
	assert.False(t, ok)

	assert.Equal(t, int64(5), c.FreeTokens())
	assert.Equal(t, int64(5), c.TrialTokens(), "trial allotment defaults to the free allotment")
	assert.Equal(t, 2, c.Len())

	all := c.Plans()
	require.Len(t, all, 2)
	assert.Equal(t, "price_pro", all[0].PriceID)
	assert.Equal(t, "price_starter", all[1].PriceID)
}

func TestParse_Defaults(t *testing.T) {
	c, err := Parse([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, FreeTierTokens, c.FreeTokens())
	assert.Equal(t, 0, c.Len())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr string
	}{
		{
			name:    "unknown tier",
			input:   "prices:\n  price_x:\n    tier: platinum\n    monthly_tokens: 10\n",
			wantErr: "invalid tier",
		},
		{
			name:    "negative tokens",
			input:   "prices:\n  price_x:\n    tier: starter\n    monthly_tokens: -1\n",
			wantErr: "must not be negative",
		},
		{
			name:    "unknown field",
			input:   "prices:\n  price_x:\n    tier: starter\n    tokens: 10\n",
			wantErr: "failed to decode",
		},
		{
			name:    "negative free tokens",
			input:   "free_tokens: -5\n",
			wantErr: "must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.input))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_RepositoryCatalog(t *testing.T) {
	c, err := Load(filepath.Join("..", "..", "plans.yaml"))
	require.NoError(t, err)

	var professional *Plan
	for _, plan := range c.Plans() {
		if plan.Tier == entitlements.PlanProfessional {
			p := plan
			professional = &p
		}
	}
	require.NotNil(t, professional)
	assert.Equal(t, int64(150), professional.MonthlyTokens)
	assert.Equal(t, FreeTierTokens, c.FreeTokens())
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStore_Replace(t *testing.T) {
	first, err := Parse([]byte(sampleCatalog))
	require.NoError(t, err)
	second, err := Parse([]byte("free_tokens: 7\n"))
	require.NoError(t, err)

	store := NewStore(first)
	_, ok := store.Lookup("price_pro")
	assert.True(t, ok)

	store.Replace(second)
	_, ok = store.Lookup("price_pro")
	assert.False(t, ok)
	assert.Equal(t, int64(7), store.FreeTokens())
	assert.Equal(t, int64(7), store.TrialTokens())
}
