package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantipackai/quantipack/pkg/billing"
	"github.com/quantipackai/quantipack/pkg/contextkeys"
	"github.com/quantipackai/quantipack/pkg/plans"
	"github.com/quantipackai/quantipack/pkg/reconciler"
	"github.com/quantipackai/quantipack/pkg/users"
)

const testCatalog = `
free_tokens: 5
trial_tokens: 5
prices:
  price_starter:
    name: Starter
    tier: starter
    monthly_tokens: 50
  price_professional:
    name: Professional
    tier: professional
    monthly_tokens: 150
`

// mockWebhookHandler implements WebhookHandler for testing
type mockWebhookHandler struct {
	handleWebhookFunc func(ctx context.Context, payload []byte, signature string) (reconciler.Result, error)
}

func (m *mockWebhookHandler) HandleWebhook(ctx context.Context, payload []byte, signature string) (reconciler.Result, error) {
	if m.handleWebhookFunc != nil {
		return m.handleWebhookFunc(ctx, payload, signature)
	}
	return reconciler.Result{}, errors.New("not implemented")
}

// mockSessionService implements SessionService for testing
type mockSessionService struct {
	configured   bool
	checkoutFunc func(ctx context.Context, c billing.Customer, priceID string) (*billing.Session, error)
	portalFunc   func(ctx context.Context, c billing.Customer) (*billing.Session, error)
}

func (m *mockSessionService) Configured() bool {
	return m.configured
}

func (m *mockSessionService) Checkout(ctx context.Context, c billing.Customer, priceID string) (*billing.Session, error) {
	if m.checkoutFunc != nil {
		return m.checkoutFunc(ctx, c, priceID)
	}
	return nil, errors.New("not implemented")
}

func (m *mockSessionService) Portal(ctx context.Context, c billing.Customer) (*billing.Session, error) {
	if m.portalFunc != nil {
		return m.portalFunc(ctx, c)
	}
	return nil, errors.New("not implemented")
}

func testPlans(t *testing.T) *plans.Store {
	t.Helper()
	catalog, err := plans.Parse([]byte(testCatalog))
	require.NoError(t, err)
	return plans.NewStore(catalog)
}

var testUser = &users.User{ID: 7, Subject: "auth0|alice", Email: "alice@example.com", DisplayName: "Alice"}

// asUser stands in for AuthMiddleware
func asUser(user *users.User) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := contextkeys.WithUser(r.Context(), user)
			ctx = contextkeys.WithUserID(ctx, user.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func billingRouter(h *BillingHandlers) *mux.Router {
	router := mux.NewRouter()
	h.RegisterWebhookRoutes(router)
	h.RegisterPublicRoutes(router)
	private := router.NewRoute().Subrouter()
	private.Use(asUser(testUser))
	h.RegisterRoutes(private)
	return router
}

func TestBillingHandlers_HandleWebhook(t *testing.T) {
	tests := []struct {
		name       string
		result     reconciler.Result
		err        error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "applied",
			result:     reconciler.Result{EventID: "evt_1", Outcome: reconciler.OutcomeApplied},
			wantStatus: http.StatusOK,
			wantBody:   `"outcome":"applied"`,
		},
		{
			name:       "dropped still acknowledged",
			result:     reconciler.Result{EventID: "evt_2", Outcome: reconciler.OutcomeDropped},
			wantStatus: http.StatusOK,
			wantBody:   `"outcome":"dropped"`,
		},
		{
			name:       "duplicate acknowledged",
			result:     reconciler.Result{EventID: "evt_3", Outcome: reconciler.OutcomeDuplicate},
			wantStatus: http.StatusOK,
			wantBody:   `"outcome":"duplicate"`,
		},
		{
			name:       "invalid signature",
			err:        reconciler.ErrInvalidSignature,
			wantStatus: http.StatusBadRequest,
			wantBody:   "invalid signature",
		},
		{
			name:       "malformed event",
			err:        reconciler.ErrMalformedEvent,
			wantStatus: http.StatusBadRequest,
			wantBody:   "malformed event",
		},
		{
			name:       "not configured",
			err:        billing.ErrNotConfigured,
			wantStatus: http.StatusServiceUnavailable,
		},
		{
			name:       "ledger failure asks for redelivery",
			result:     reconciler.Result{EventID: "evt_4"},
			err:        errors.New("connection refused"),
			wantStatus: http.StatusInternalServerError,
			wantBody:   "internal server error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotSignature string
			var gotPayload []byte
			webhooks := &mockWebhookHandler{
				handleWebhookFunc: func(ctx context.Context, payload []byte, signature string) (reconciler.Result, error) {
					gotPayload = payload
					gotSignature = signature
					return tt.result, tt.err
				},
			}
			router := billingRouter(NewBillingHandlers(webhooks, &mockSessionService{}, testPlans(t)))

			req := httptest.NewRequest("POST", "/billing/webhook", bytes.NewBufferString(`{"id":"evt"}`))
			req.Header.Set(SignatureHeader, "t=1,v1=abc")
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Contains(t, rr.Body.String(), tt.wantBody)
			assert.Equal(t, "t=1,v1=abc", gotSignature)
			assert.Equal(t, `{"id":"evt"}`, string(gotPayload))
			assert.NotContains(t, rr.Body.String(), "connection refused")
		})
	}
}

func TestBillingHandlers_HandleWebhook_TooLarge(t *testing.T) {
	called := false
	webhooks := &mockWebhookHandler{
		handleWebhookFunc: func(ctx context.Context, payload []byte, signature string) (reconciler.Result, error) {
			called = true
			return reconciler.Result{}, nil
		},
	}
	router := billingRouter(NewBillingHandlers(webhooks, &mockSessionService{}, testPlans(t)))

	req := httptest.NewRequest("POST", "/billing/webhook", bytes.NewReader(make([]byte, maxWebhookBody+1)))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rr.Code)
	assert.False(t, called)
}

func TestBillingHandlers_ListPlans(t *testing.T) {
	router := billingRouter(NewBillingHandlers(&mockWebhookHandler{}, &mockSessionService{}, testPlans(t)))

	req := httptest.NewRequest("GET", "/plans", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)

	var resp plansResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, int64(5), resp.FreeTokens)
	require.Len(t, resp.Plans, 2)
	assert.Equal(t, "price_professional", resp.Plans[0].PriceID)
	assert.Equal(t, int64(150), resp.Plans[0].MonthlyTokens)
}

func TestBillingHandlers_CreateCheckout(t *testing.T) {
	t.Run("known price", func(t *testing.T) {
		var gotCustomer billing.Customer
		var gotPrice string
		sessions := &mockSessionService{
			configured: true,
			checkoutFunc: func(ctx context.Context, c billing.Customer, priceID string) (*billing.Session, error) {
				gotCustomer = c
				gotPrice = priceID
				return &billing.Session{ID: "cs_1", URL: "https://checkout.example/cs_1"}, nil
			},
		}
		router := billingRouter(NewBillingHandlers(&mockWebhookHandler{}, sessions, testPlans(t)))

		req := httptest.NewRequest("POST", "/billing/checkout", bytes.NewBufferString(`{"price_id":"price_starter"}`))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		require.Equal(t, http.StatusOK, rr.Code)
		var resp sessionResponse
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
		assert.Equal(t, "https://checkout.example/cs_1", resp.URL)
		assert.Equal(t, "price_starter", gotPrice)
		assert.Equal(t, billing.Customer{UserID: 7, Subject: "auth0|alice", Email: "alice@example.com", Name: "Alice"}, gotCustomer)
	})

	t.Run("default price", func(t *testing.T) {
		sessions := &mockSessionService{
			configured: true,
			checkoutFunc: func(ctx context.Context, c billing.Customer, priceID string) (*billing.Session, error) {
				assert.Empty(t, priceID)
				return &billing.Session{ID: "cs_2", URL: "https://checkout.example/cs_2"}, nil
			},
		}
		router := billingRouter(NewBillingHandlers(&mockWebhookHandler{}, sessions, testPlans(t)))

		req := httptest.NewRequest("POST", "/billing/checkout", nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("unknown price", func(t *testing.T) {
		sessions := &mockSessionService{configured: true}
		router := billingRouter(NewBillingHandlers(&mockWebhookHandler{}, sessions, testPlans(t)))

		req := httptest.NewRequest("POST", "/billing/checkout", bytes.NewBufferString(`{"price_id":"price_gold"}`))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
		assert.Contains(t, rr.Body.String(), "unknown price id")
	})

	t.Run("billing not configured", func(t *testing.T) {
		router := billingRouter(NewBillingHandlers(&mockWebhookHandler{}, &mockSessionService{}, testPlans(t)))

		req := httptest.NewRequest("POST", "/billing/checkout", bytes.NewBufferString(`{}`))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})

	t.Run("provider failure", func(t *testing.T) {
		sessions := &mockSessionService{
			configured: true,
			checkoutFunc: func(ctx context.Context, c billing.Customer, priceID string) (*billing.Session, error) {
				return nil, errors.New("stripe unavailable")
			},
		}
		router := billingRouter(NewBillingHandlers(&mockWebhookHandler{}, sessions, testPlans(t)))

		req := httptest.NewRequest("POST", "/billing/checkout", bytes.NewBufferString(`{}`))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusBadGateway, rr.Code)
	})

	t.Run("unknown field", func(t *testing.T) {
		sessions := &mockSessionService{configured: true}
		router := billingRouter(NewBillingHandlers(&mockWebhookHandler{}, sessions, testPlans(t)))

		req := httptest.NewRequest("POST", "/billing/checkout", bytes.NewBufferString(`{"plan":"gold"}`))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestBillingHandlers_CreatePortal(t *testing.T) {
	tests := []struct {
		name       string
		configured bool
		session    *billing.Session
		err        error
		wantStatus int
	}{
		{name: "success", configured: true, session: &billing.Session{ID: "bps_1", URL: "https://portal.example"}, wantStatus: http.StatusOK},
		{name: "no customer yet", configured: true, err: billing.ErrNoCustomer, wantStatus: http.StatusConflict},
		{name: "not configured", configured: false, wantStatus: http.StatusServiceUnavailable},
		{name: "provider not configured", configured: true, err: billing.ErrNotConfigured, wantStatus: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &mockSessionService{
				configured: tt.configured,
				portalFunc: func(ctx context.Context, c billing.Customer) (*billing.Session, error) {
					assert.Equal(t, int64(7), c.UserID)
					return tt.session, tt.err
				},
			}
			router := billingRouter(NewBillingHandlers(&mockWebhookHandler{}, sessions, testPlans(t)))

			req := httptest.NewRequest("POST", "/billing/portal", nil)
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
		})
	}
}

func TestBillingHandlers_RequiresUser(t *testing.T) {
	h := NewBillingHandlers(&mockWebhookHandler{}, &mockSessionService{configured: true}, testPlans(t))
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	for _, path := range []string{"/billing/checkout", "/billing/portal"} {
		req := httptest.NewRequest("POST", path, nil)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code, path)
	}
}
