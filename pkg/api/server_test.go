package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stripe/stripe-go/v79/webhook"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantipackai/quantipack/pkg/billing"
	"github.com/quantipackai/quantipack/pkg/config"
	"github.com/quantipackai/quantipack/pkg/entitlements"
	"github.com/quantipackai/quantipack/pkg/httputil"
	"github.com/quantipackai/quantipack/pkg/middleware"
	"github.com/quantipackai/quantipack/pkg/observability"
	"github.com/quantipackai/quantipack/pkg/reconciler"
	"github.com/quantipackai/quantipack/pkg/users"
)

const testWebhookSecret = "whsec_api_test"

// tokenVerifier maps bearer tokens to identities
type tokenVerifier map[string]users.Identity

func (v tokenVerifier) VerifyIdentity(ctx context.Context, rawToken string) (users.Identity, error) {
	identity, ok := v[rawToken]
	if !ok {
		return users.Identity{}, errors.New("unknown token")
	}
	return identity, nil
}

type testServer struct {
	*httptest.Server
	ledger *entitlements.MemoryLedger
	users  *users.MemoryStore
}

func newTestServer(t *testing.T, limit int) *testServer {
	t.Helper()

	catalog := testPlans(t)
	ledger := entitlements.NewMemoryLedger()
	userStore := users.NewMemoryStore(ledger, catalog)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	rec := reconciler.New(reconciler.Deps{
		Verifier: billing.NewVerifier(testWebhookSecret),
		Ledger:   ledger,
		Users:    userStore,
		Plans:    catalog,
		Events:   reconciler.NewMemoryEventStore(100, time.Hour),
		Metrics:  metrics,
	})

	auth := middleware.NewAuthMiddleware(tokenVerifier{
		"alice-token": {Subject: "auth0|alice", Email: "alice@example.com", DisplayName: "Alice"},
	}, userStore)

	rateLimit := middleware.PerMinute(limit)
	limiter := middleware.NewRateLimitMiddleware(middleware.NewMemoryLimiter(rateLimit), rateLimit)

	srv := NewServer(Deps{
		Webhooks:  rec,
		Ledger:    ledger,
		Sessions:  billing.NewSessions(billing.NewProvider(config.StripeConfig{WebhookSecret: testWebhookSecret}), ledger),
		Plans:     catalog,
		Auth:      auth.Handler,
		RateLimit: limiter.Handler,
		Metrics:   metrics,
	})

	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	return &testServer{Server: ts, ledger: ledger, users: userStore}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body []byte, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, bytes.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func subscriptionEvent(t *testing.T, id, typ, status, priceID string) []byte {
	t.Helper()
	payload, err := json.Marshal(map[string]interface{}{
		"id":          id,
		"object":      "event",
		"type":        typ,
		"api_version": "2020-08-27",
		"data": map[string]interface{}{"object": map[string]interface{}{
			"id":                 "sub_alice",
			"object":             "subscription",
			"customer":           "cus_alice",
			"status":             status,
			"current_period_end": time.Now().Add(30 * 24 * time.Hour).Unix(),
			"metadata":           map[string]string{billing.SubjectMetadataKey: "auth0|alice"},
			"items": map[string]interface{}{
				"object": "list",
				"data": []map[string]interface{}{
					{"id": "si_1", "object": "subscription_item", "price": map[string]interface{}{"id": priceID, "object": "price"}},
				},
			},
		}},
	})
	require.NoError(t, err)
	return payload
}

func signed(payload []byte) http.Header {
	s := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return http.Header{SignatureHeader: []string{s.Header}}
}

func TestServer_SubscriptionLifecycle(t *testing.T) {
	ts := newTestServer(t, 1000)

	// First login seeds the free trial.
	resp := ts.do(t, "GET", "/api/v1/me/balance", "alice-token", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var balance balanceResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&balance))
	assert.Equal(t, int64(5), balance.Limit)
	assert.NotEmpty(t, resp.Header.Get(httputil.RequestIDHeader))

	created := subscriptionEvent(t, "evt_created", billing.EventSubscriptionCreated, "active", "price_professional")
	resp = ts.do(t, "POST", "/api/v1/billing/webhook", "", created, signed(created))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ack webhookResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, reconciler.OutcomeApplied, ack.Outcome)

	resp = ts.do(t, "GET", "/api/v1/me/subscription", "alice-token", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var sub entitlements.Subscription
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sub))
	assert.Equal(t, entitlements.PlanProfessional, sub.Plan)
	assert.Equal(t, entitlements.SubscriptionStatusActive, sub.Status)

	resp = ts.do(t, "POST", "/api/v1/me/tokens/consume", "alice-token", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&balance))
	assert.Equal(t, int64(150), balance.Limit)
	assert.Equal(t, int64(149), balance.Remaining)

	// Redelivery is acknowledged without touching the ledger.
	resp = ts.do(t, "POST", "/api/v1/billing/webhook", "", created, signed(created))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, reconciler.OutcomeDuplicate, ack.Outcome)

	deleted := subscriptionEvent(t, "evt_deleted", billing.EventSubscriptionDeleted, "canceled", "price_professional")
	resp = ts.do(t, "POST", "/api/v1/billing/webhook", "", deleted, signed(deleted))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/me", "alice-token", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me meResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	require.NotNil(t, me.Subscription)
	assert.Equal(t, entitlements.SubscriptionStatusCanceled, me.Subscription.Status)
	require.NotNil(t, me.Balance)
	assert.Equal(t, int64(5), me.Balance.Limit)
}

func TestServer_ForgedWebhook(t *testing.T) {
	ts := newTestServer(t, 1000)
	resp := ts.do(t, "GET", "/api/v1/me", "alice-token", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	forged := subscriptionEvent(t, "evt_forged", billing.EventSubscriptionCreated, "active", "price_professional")
	header := http.Header{SignatureHeader: []string{"t=1,v1=deadbeef"}}
	resp = ts.do(t, "POST", "/api/v1/billing/webhook", "", forged, header)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	id, err := ts.users.ResolveSubject(context.Background(), "auth0|alice")
	require.NoError(t, err)
	sub, err := ts.ledger.GetSubscription(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, entitlements.PlanFree, sub.Plan)
}

func TestServer_Authentication(t *testing.T) {
	ts := newTestServer(t, 1000)

	resp := ts.do(t, "GET", "/api/v1/me", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/me", "mallory-token", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/plans", "", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestServer_BillingNotConfigured(t *testing.T) {
	ts := newTestServer(t, 1000)

	resp := ts.do(t, "POST", "/api/v1/billing/checkout", "alice-token", []byte(`{"price_id":"price_starter"}`), nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	resp = ts.do(t, "POST", "/api/v1/billing/portal", "alice-token", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestServer_RateLimit(t *testing.T) {
	ts := newTestServer(t, 2)

	for i := 0; i < 2; i++ {
		resp := ts.do(t, "GET", "/api/v1/me/balance", "alice-token", nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp := ts.do(t, "GET", "/api/v1/me/balance", "alice-token", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestServer_WebhookNotRateLimited(t *testing.T) {
	ts := newTestServer(t, 2)
	spoofed := "3.18.12.63"

	resp := ts.do(t, "GET", "/api/v1/me", "alice-token", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	junk := []byte(`{"id":"evt_junk"}`)
	for i := 0; i < 3; i++ {
		resp := ts.do(t, "POST", "/api/v1/billing/webhook", "", junk, http.Header{"X-Forwarded-For": []string{spoofed}})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}

	created := subscriptionEvent(t, "evt_after_junk", billing.EventSubscriptionCreated, "active", "price_professional")
	header := signed(created)
	header.Set("X-Forwarded-For", spoofed)
	resp = ts.do(t, "POST", "/api/v1/billing/webhook", "", created, header)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ack webhookResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ack))
	assert.Equal(t, reconciler.OutcomeApplied, ack.Outcome)

	// Anonymous routes stay limited by peer address, whatever the header says.
	for _, ip := range []string{"198.51.100.1", "198.51.100.2"} {
		resp = ts.do(t, "GET", "/api/v1/plans", "", nil, http.Header{"X-Forwarded-For": []string{ip}})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp = ts.do(t, "GET", "/api/v1/plans", "", nil, http.Header{"X-Forwarded-For": []string{"198.51.100.9"}})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestServer_NotFound(t *testing.T) {
	ts := newTestServer(t, 1000)

	resp := ts.do(t, "GET", "/api/v1/nope", "alice-token", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = ts.do(t, "GET", "/api/v1/billing/webhook", "", nil, nil)
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
