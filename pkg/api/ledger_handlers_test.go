package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantipackai/quantipack/pkg/entitlements"
	"github.com/quantipackai/quantipack/pkg/httputil"
	"github.com/quantipackai/quantipack/pkg/observability"
)

// mockLedgerService implements LedgerService for testing
type mockLedgerService struct {
	getSubscriptionFunc func(ctx context.Context, userID int64) (*entitlements.Subscription, error)
	getTokenBalanceFunc func(ctx context.Context, userID int64) (*entitlements.TokenBalance, error)
	consumeTokenFunc    func(ctx context.Context, userID int64) (*entitlements.TokenBalance, error)
}

func (m *mockLedgerService) GetSubscription(ctx context.Context, userID int64) (*entitlements.Subscription, error) {
	if m.getSubscriptionFunc != nil {
		return m.getSubscriptionFunc(ctx, userID)
	}
	return nil, errors.New("not implemented")
}

func (m *mockLedgerService) GetTokenBalance(ctx context.Context, userID int64) (*entitlements.TokenBalance, error) {
	if m.getTokenBalanceFunc != nil {
		return m.getTokenBalanceFunc(ctx, userID)
	}
	return nil, errors.New("not implemented")
}

func (m *mockLedgerService) ConsumeToken(ctx context.Context, userID int64) (*entitlements.TokenBalance, error) {
	if m.consumeTokenFunc != nil {
		return m.consumeTokenFunc(ctx, userID)
	}
	return nil, errors.New("not implemented")
}

func ledgerRouter(h *LedgerHandlers) *mux.Router {
	router := mux.NewRouter()
	router.Use(asUser(testUser))
	h.RegisterRoutes(router)
	return router
}

func TestLedgerHandlers_GetSubscription(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		ledger := &mockLedgerService{
			getSubscriptionFunc: func(ctx context.Context, userID int64) (*entitlements.Subscription, error) {
				assert.Equal(t, int64(7), userID)
				return &entitlements.Subscription{
					UserID:        userID,
					Status:        entitlements.SubscriptionStatusActive,
					Plan:          entitlements.PlanProfessional,
					MonthlyTokens: 150,
				}, nil
			},
		}
		router := ledgerRouter(NewLedgerHandlers(ledger, nil))

		req := httptest.NewRequest("GET", "/me/subscription", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var sub entitlements.Subscription
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&sub))
		assert.Equal(t, entitlements.PlanProfessional, sub.Plan)
		assert.Equal(t, int64(150), sub.MonthlyTokens)
	})

	t.Run("not found", func(t *testing.T) {
		ledger := &mockLedgerService{
			getSubscriptionFunc: func(ctx context.Context, userID int64) (*entitlements.Subscription, error) {
				return nil, entitlements.ErrNotFound
			},
		}
		router := ledgerRouter(NewLedgerHandlers(ledger, nil))

		req := httptest.NewRequest("GET", "/me/subscription", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})

	t.Run("storage failure", func(t *testing.T) {
		ledger := &mockLedgerService{
			getSubscriptionFunc: func(ctx context.Context, userID int64) (*entitlements.Subscription, error) {
				return nil, errors.New("pq: connection reset")
			},
		}
		router := ledgerRouter(NewLedgerHandlers(ledger, nil))

		req := httptest.NewRequest("GET", "/me/subscription", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusInternalServerError, rr.Code)
		assert.NotContains(t, rr.Body.String(), "pq:")
	})
}

func TestLedgerHandlers_GetBalance(t *testing.T) {
	resetAt := time.Date(2026, 11, 1, 0, 0, 0, 0, time.UTC)
	ledger := &mockLedgerService{
		getTokenBalanceFunc: func(ctx context.Context, userID int64) (*entitlements.TokenBalance, error) {
			return &entitlements.TokenBalance{
				UserID:           userID,
				MonthlyTokens:    50,
				AdditionalTokens: 10,
				UsedTokens:       12,
				ResetAt:          resetAt,
			}, nil
		},
	}
	router := ledgerRouter(NewLedgerHandlers(ledger, nil))

	req := httptest.NewRequest("GET", "/me/balance", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	var resp balanceResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, int64(60), resp.Limit)
	assert.Equal(t, int64(48), resp.Remaining)
	assert.True(t, resetAt.Equal(resp.ResetAt))
}

func TestLedgerHandlers_GetMe(t *testing.T) {
	t.Run("with entitlements", func(t *testing.T) {
		ledger := &mockLedgerService{
			getSubscriptionFunc: func(ctx context.Context, userID int64) (*entitlements.Subscription, error) {
				return &entitlements.Subscription{UserID: userID, Status: entitlements.SubscriptionStatusActive, Plan: entitlements.PlanFree, MonthlyTokens: 5}, nil
			},
			getTokenBalanceFunc: func(ctx context.Context, userID int64) (*entitlements.TokenBalance, error) {
				return &entitlements.TokenBalance{UserID: userID, MonthlyTokens: 5, UsedTokens: 1}, nil
			},
		}
		router := ledgerRouter(NewLedgerHandlers(ledger, nil))

		req := httptest.NewRequest("GET", "/me", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var resp meResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, "alice@example.com", resp.Email)
		require.NotNil(t, resp.Subscription)
		require.NotNil(t, resp.Balance)
		assert.Equal(t, int64(4), resp.Balance.Remaining)
	})

	t.Run("not yet seeded", func(t *testing.T) {
		ledger := &mockLedgerService{
			getSubscriptionFunc: func(ctx context.Context, userID int64) (*entitlements.Subscription, error) {
				return nil, entitlements.ErrNotFound
			},
			getTokenBalanceFunc: func(ctx context.Context, userID int64) (*entitlements.TokenBalance, error) {
				return nil, entitlements.ErrNotFound
			},
		}
		router := ledgerRouter(NewLedgerHandlers(ledger, nil))

		req := httptest.NewRequest("GET", "/me", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var resp meResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Nil(t, resp.Subscription)
		assert.Nil(t, resp.Balance)
	})
}

func TestLedgerHandlers_ConsumeToken(t *testing.T) {
	t.Run("consumed", func(t *testing.T) {
		metrics := observability.NewMetrics(prometheus.NewRegistry())
		ledger := &mockLedgerService{
			consumeTokenFunc: func(ctx context.Context, userID int64) (*entitlements.TokenBalance, error) {
				return &entitlements.TokenBalance{UserID: userID, MonthlyTokens: 5, UsedTokens: 3}, nil
			},
		}
		router := ledgerRouter(NewLedgerHandlers(ledger, metrics))

		req := httptest.NewRequest("POST", "/me/tokens/consume", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var resp balanceResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, int64(2), resp.Remaining)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TokenConsumptionsTotal.WithLabelValues("consumed")))
	})

	t.Run("exhausted", func(t *testing.T) {
		metrics := observability.NewMetrics(prometheus.NewRegistry())
		ledger := &mockLedgerService{
			consumeTokenFunc: func(ctx context.Context, userID int64) (*entitlements.TokenBalance, error) {
				return nil, &entitlements.InsufficientBalanceError{Used: 5, Limit: 5}
			},
		}
		router := ledgerRouter(NewLedgerHandlers(ledger, metrics))

		req := httptest.NewRequest("POST", "/me/tokens/consume", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		require.Equal(t, http.StatusPaymentRequired, rr.Code)
		var resp httputil.ErrorResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, "insufficient token balance", resp.Error)
		assert.Equal(t, map[string]string{"used": "5", "limit": "5"}, resp.Details)
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.TokenConsumptionsTotal.WithLabelValues("insufficient")))
	})

	t.Run("no balance", func(t *testing.T) {
		ledger := &mockLedgerService{
			consumeTokenFunc: func(ctx context.Context, userID int64) (*entitlements.TokenBalance, error) {
				return nil, entitlements.ErrNotFound
			},
		}
		router := ledgerRouter(NewLedgerHandlers(ledger, nil))

		req := httptest.NewRequest("POST", "/me/tokens/consume", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusNotFound, rr.Code)
	})
}

func TestLedgerHandlers_RequiresUser(t *testing.T) {
	router := mux.NewRouter()
	NewLedgerHandlers(&mockLedgerService{}, nil).RegisterRoutes(router)

	req := httptest.NewRequest("GET", "/me/balance", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}
