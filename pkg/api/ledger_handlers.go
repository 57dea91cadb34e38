package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/quantipackai/quantipack/pkg/entitlements"
	"github.com/quantipackai/quantipack/pkg/httputil"
	"github.com/quantipackai/quantipack/pkg/middleware"
	"github.com/quantipackai/quantipack/pkg/observability"
)

// LedgerHandlers exposes the caller's subscription and token balance
type LedgerHandlers struct {
	ledger  LedgerService
	metrics *observability.Metrics
}

// NewLedgerHandlers creates a new LedgerHandlers
func NewLedgerHandlers(ledger LedgerService, metrics *observability.Metrics) *LedgerHandlers {
	return &LedgerHandlers{
		ledger:  ledger,
		metrics: metrics,
	}
}

// RegisterRoutes registers user entitlement routes
func (h *LedgerHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/me", h.GetMe).Methods("GET")
	router.HandleFunc("/me/subscription", h.GetSubscription).Methods("GET")
	router.HandleFunc("/me/balance", h.GetBalance).Methods("GET")
	router.HandleFunc("/me/tokens/consume", h.ConsumeToken).Methods("POST")
}

type balanceResponse struct {
	MonthlyTokens    int64     `json:"monthly_tokens"`
	AdditionalTokens int64     `json:"additional_tokens"`
	UsedTokens       int64     `json:"used_tokens"`
	Limit            int64     `json:"limit"`
	Remaining        int64     `json:"remaining"`
	ResetAt          time.Time `json:"reset_at"`
}

func newBalanceResponse(b *entitlements.TokenBalance) balanceResponse {
	return balanceResponse{
		MonthlyTokens:    b.MonthlyTokens,
		AdditionalTokens: b.AdditionalTokens,
		UsedTokens:       b.UsedTokens,
		Limit:            b.Limit(),
		Remaining:        b.Remaining(),
		ResetAt:          b.ResetAt,
	}
}

type meResponse struct {
	ID           int64                      `json:"id"`
	Email        string                     `json:"email"`
	DisplayName  string                     `json:"display_name"`
	Subscription *entitlements.Subscription `json:"subscription,omitempty"`
	Balance      *balanceResponse           `json:"balance,omitempty"`
}

// GetMe returns the caller with their subscription and balance
func (h *LedgerHandlers) GetMe(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	resp := meResponse{
		ID:          user.ID,
		Email:       user.Email,
		DisplayName: user.DisplayName,
	}

	sub, err := h.ledger.GetSubscription(r.Context(), user.ID)
	if err != nil && !errors.Is(err, entitlements.ErrNotFound) {
		h.writeLedgerError(w, r, err)
		return
	}
	resp.Subscription = sub

	balance, err := h.ledger.GetTokenBalance(r.Context(), user.ID)
	if err != nil && !errors.Is(err, entitlements.ErrNotFound) {
		h.writeLedgerError(w, r, err)
		return
	}
	if balance != nil {
		b := newBalanceResponse(balance)
		resp.Balance = &b
	}

	httputil.WriteSuccess(w, resp)
}

// GetSubscription returns the caller's subscription
func (h *LedgerHandlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	sub, err := h.ledger.GetSubscription(r.Context(), user.ID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

// GetBalance returns the caller's token balance
func (h *LedgerHandlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	balance, err := h.ledger.GetTokenBalance(r.Context(), user.ID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	httputil.WriteSuccess(w, newBalanceResponse(balance))
}

// ConsumeToken meters one token against the caller's balance. An exhausted
// balance answers 402 with the current counters.
func (h *LedgerHandlers) ConsumeToken(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		httputil.WriteUnauthorized(w, "authentication required")
		return
	}

	balance, err := h.ledger.ConsumeToken(r.Context(), user.ID)

	var insufficient *entitlements.InsufficientBalanceError
	switch {
	case errors.As(err, &insufficient):
		h.recordConsumption("insufficient")
		httputil.WriteDetailedError(w, http.StatusPaymentRequired, "insufficient token balance", map[string]string{
			"used":  strconv.FormatInt(insufficient.Used, 10),
			"limit": strconv.FormatInt(insufficient.Limit, 10),
		})
		return
	case errors.Is(err, entitlements.ErrInsufficientBalance):
		h.recordConsumption("insufficient")
		httputil.WriteErrorMessage(w, http.StatusPaymentRequired, "insufficient token balance")
		return
	case err != nil:
		h.recordConsumption("error")
		h.writeLedgerError(w, r, err)
		return
	}

	h.recordConsumption("consumed")
	httputil.WriteSuccess(w, newBalanceResponse(balance))
}

func (h *LedgerHandlers) recordConsumption(result string) {
	if h.metrics != nil {
		h.metrics.TokenConsumptionsTotal.WithLabelValues(result).Inc()
	}
}

func (h *LedgerHandlers) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, entitlements.ErrNotFound) {
		httputil.WriteNotFoundError(w, "no entitlements for this user")
		return
	}
	observability.FromContext(r.Context()).WithError(err).Error("Ledger request failed")
	httputil.WriteInternalError(w, err)
}
