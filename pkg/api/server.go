package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/quantipackai/quantipack/pkg/billing"
	"github.com/quantipackai/quantipack/pkg/entitlements"
	"github.com/quantipackai/quantipack/pkg/httputil"
	"github.com/quantipackai/quantipack/pkg/observability"
	"github.com/quantipackai/quantipack/pkg/plans"
	"github.com/quantipackai/quantipack/pkg/reconciler"
)

// maxRequestBody caps JSON request bodies on authenticated routes
const maxRequestBody = 1 << 20

// WebhookHandler processes a signed billing provider delivery
type WebhookHandler interface {
	HandleWebhook(ctx context.Context, payload []byte, signature string) (reconciler.Result, error)
}

// LedgerService is the part of the entitlement ledger the API reads and meters
type LedgerService interface {
	GetSubscription(ctx context.Context, userID int64) (*entitlements.Subscription, error)
	GetTokenBalance(ctx context.Context, userID int64) (*entitlements.TokenBalance, error)
	ConsumeToken(ctx context.Context, userID int64) (*entitlements.TokenBalance, error)
}

// SessionService opens hosted checkout and billing portal sessions
type SessionService interface {
	Configured() bool
	Checkout(ctx context.Context, c billing.Customer, priceID string) (*billing.Session, error)
	Portal(ctx context.Context, c billing.Customer) (*billing.Session, error)
}

// PlanCatalog lists the plans users can subscribe to
type PlanCatalog interface {
	Lookup(priceID string) (plans.Plan, bool)
	Plans() []plans.Plan
	FreeTokens() int64
}

// Middleware wraps a handler
type Middleware func(http.Handler) http.Handler

// Deps are the collaborators of the API server. Auth is required for the
// /api/v1/me and checkout routes; RateLimit is optional.
type Deps struct {
	Webhooks       WebhookHandler
	Ledger         LedgerService
	Sessions       SessionService
	Plans          PlanCatalog
	Auth           Middleware
	RateLimit      Middleware
	Logger         *observability.Logger
	Metrics        *observability.Metrics
	AllowedOrigins []string
}

// Server represents our API server
type Server struct {
	router  *mux.Router
	handler http.Handler
	deps    Deps
}

// NewServer creates a new API server with all routes registered
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = observability.NewNopLogger()
	}

	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
	}
	s.setupRoutes()

	chain := []func(http.Handler) http.Handler{
		httputil.RequestIDMiddleware,
		httputil.RequestLoggerMiddleware(deps.Logger),
		httputil.RecoveryMiddleware,
		httputil.CORSMiddleware(deps.AllowedOrigins),
	}
	if deps.Metrics != nil {
		chain = append(chain, observability.HTTPMetricsMiddleware(deps.Metrics))
	}
	s.handler = otelhttp.NewHandler(httputil.Chain(chain...)(s.router), "quantipack-api")

	return s
}

func (s *Server) setupRoutes() {
	limit := s.deps.RateLimit
	if limit == nil {
		limit = func(next http.Handler) http.Handler { return next }
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	billingHandlers := NewBillingHandlers(s.deps.Webhooks, s.deps.Sessions, s.deps.Plans)

	// Signed deliveries must never compete with anonymous traffic for a bucket.
	billingHandlers.RegisterWebhookRoutes(v1)

	public := v1.NewRoute().Subrouter()
	public.Use(mux.MiddlewareFunc(limit))
	billingHandlers.RegisterPublicRoutes(public)

	if s.deps.Auth == nil {
		s.deps.Logger.Warn("No authentication middleware configured, user routes disabled")
		return
	}

	// Authentication runs before rate limiting so the limiter keys by user.
	private := v1.NewRoute().Subrouter()
	private.Use(mux.MiddlewareFunc(s.deps.Auth), mux.MiddlewareFunc(limit), mux.MiddlewareFunc(httputil.MaxBytesMiddleware(maxRequestBody)))

	billingHandlers.RegisterRoutes(private)
	NewLedgerHandlers(s.deps.Ledger, s.deps.Metrics).RegisterRoutes(private)
}

// Router exposes the route table for tests
func (s *Server) Router() *mux.Router {
	return s.router
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
