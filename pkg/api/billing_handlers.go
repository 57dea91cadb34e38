package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/quantipackai/quantipack/pkg/billing"
	"github.com/quantipackai/quantipack/pkg/httputil"
	"github.com/quantipackai/quantipack/pkg/middleware"
	"github.com/quantipackai/quantipack/pkg/observability"
	"github.com/quantipackai/quantipack/pkg/plans"
	"github.com/quantipackai/quantipack/pkg/reconciler"
)

const (
	// SignatureHeader carries the billing provider's webhook signature
	SignatureHeader = "Stripe-Signature"

	maxWebhookBody = 512 << 10
)

// BillingHandlers handles billing-related HTTP requests
type BillingHandlers struct {
	webhooks WebhookHandler
	sessions SessionService
	plans    PlanCatalog
}

// NewBillingHandlers creates a new BillingHandlers
func NewBillingHandlers(webhooks WebhookHandler, sessions SessionService, catalog PlanCatalog) *BillingHandlers {
	return &BillingHandlers{
		webhooks: webhooks,
		sessions: sessions,
		plans:    catalog,
	}
}

// RegisterWebhookRoutes registers the provider webhook. Its signature is the
// authentication, so it belongs on a router without per-IP limits.
func (h *BillingHandlers) RegisterWebhookRoutes(router *mux.Router) {
	router.HandleFunc("/billing/webhook", h.HandleWebhook).Methods("POST")
}

// RegisterPublicRoutes registers routes that need no user session
func (h *BillingHandlers) RegisterPublicRoutes(router *mux.Router) {
	router.HandleFunc("/plans", h.ListPlans).Methods("GET")
}

// RegisterRoutes registers routes for the authenticated user
func (h *BillingHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/billing/checkout", h.CreateCheckout).Methods("POST")
	router.HandleFunc("/billing/portal", h.CreatePortal).Methods("POST")
}

type webhookResponse struct {
	Received bool               `json:"received"`
	EventID  string             `json:"event_id,omitempty"`
	Outcome  reconciler.Outcome `json:"outcome"`
}

// HandleWebhook handles billing provider webhook deliveries. Anything the
// reconciler accepts, including dropped and duplicate events, answers 200 so
// the provider stops retrying.
func (h *BillingHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := httputil.ReadBody(r, maxWebhookBody)
	if errors.Is(err, httputil.ErrBodyTooLarge) {
		httputil.WriteErrorMessage(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}

	result, err := h.webhooks.HandleWebhook(r.Context(), payload, r.Header.Get(SignatureHeader))
	switch {
	case errors.Is(err, reconciler.ErrInvalidSignature):
		httputil.WriteBadRequest(w, "invalid signature")
		return
	case errors.Is(err, reconciler.ErrMalformedEvent):
		httputil.WriteBadRequest(w, "malformed event")
		return
	case errors.Is(err, billing.ErrNotConfigured):
		httputil.WriteServiceUnavailable(w, "webhook verification is not configured")
		return
	case err != nil:
		observability.FromContext(r.Context()).WithError(err).
			WithField("event_id", result.EventID).
			Error("Webhook processing failed")
		httputil.WriteInternalError(w, err)
		return
	}

	httputil.WriteSuccess(w, webhookResponse{
		Received: true,
		EventID:  result.EventID,
		Outcome:  result.Outcome,
	})
}

type plansResponse struct {
	FreeTokens int64        `json:"free_tokens"`
	Plans      []plans.Plan `json:"plans"`
}

// ListPlans lists the subscribable plans
func (h *BillingHandlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	httputil.WriteSuccess(w, plansResponse{
		FreeTokens: h.plans.FreeTokens(),
		Plans:      h.plans.Plans(),
	})
}

type checkoutRequest struct {
	PriceID string `json:"price_id"`
}

type sessionResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCheckout starts a hosted subscription checkout
func (h *BillingHandlers) CreateCheckout(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	var req checkoutRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.PriceID != "" {
		if _, ok := h.plans.Lookup(req.PriceID); !ok {
			httputil.WriteBadRequest(w, "unknown price id")
			return
		}
	}

	if !h.sessions.Configured() {
		httputil.WriteServiceUnavailable(w, "billing is not configured")
		return
	}

	session, err := h.sessions.Checkout(r.Context(), customerOf(r), req.PriceID)
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sessionResponse{ID: session.ID, URL: session.URL})
}

// CreatePortal opens the hosted billing portal
func (h *BillingHandlers) CreatePortal(w http.ResponseWriter, r *http.Request) {
	if middleware.UserFromContext(r.Context()) == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}
	if !h.sessions.Configured() {
		httputil.WriteServiceUnavailable(w, "billing is not configured")
		return
	}

	session, err := h.sessions.Portal(r.Context(), customerOf(r))
	if err != nil {
		h.writeSessionError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sessionResponse{ID: session.ID, URL: session.URL})
}

func (h *BillingHandlers) writeSessionError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrNotConfigured):
		httputil.WriteServiceUnavailable(w, "billing is not configured")
	case errors.Is(err, billing.ErrNoCustomer):
		httputil.WriteErrorMessage(w, http.StatusConflict, "no billing account yet, start a checkout first")
	default:
		observability.FromContext(r.Context()).WithError(err).Error("Failed to create billing session")
		httputil.WriteErrorMessage(w, http.StatusBadGateway, "billing provider request failed")
	}
}

func customerOf(r *http.Request) billing.Customer {
	user := middleware.UserFromContext(r.Context())
	return billing.Customer{
		UserID:  user.ID,
		Subject: user.Subject,
		Email:   user.Email,
		Name:    user.DisplayName,
	}
}
