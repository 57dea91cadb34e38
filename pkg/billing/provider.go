package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/quantipackai/quantipack/pkg/config"
	"github.com/quantipackai/quantipack/pkg/observability"
)

// ErrNotConfigured is returned by provider operations whose credentials are missing
var ErrNotConfigured = errors.New("billing provider is not configured")

// Provider is the payment provider used by the reconciler and the session handlers
type Provider interface {
	// Verify authenticates and parses a webhook delivery
	Verify(payload []byte, signature string) (stripe.Event, error)

	// Configured reports whether sessions and customers can be created
	Configured() bool

	CreateCustomer(ctx context.Context, req CustomerRequest) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error)
	CreatePortalSession(ctx context.Context, customerID string) (*Session, error)
}

// CustomerRequest describes a billing customer to create
type CustomerRequest struct {
	Subject string
	Email   string
	Name    string
}

// CheckoutRequest describes a subscription checkout. An empty PriceID falls
// back to the configured default price.
type CheckoutRequest struct {
	CustomerID string
	Subject    string
	PriceID    string
}

// Session is a hosted provider page the user is redirected to
type Session struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// NewProvider builds the provider from configuration. Without a secret key it
// returns Unconfigured.
func NewProvider(cfg config.StripeConfig) Provider {
	verifier := NewVerifier(cfg.WebhookSecret)
	if cfg.SecretKey == "" {
		return &Unconfigured{verifier: verifier, reason: "stripe secret key is not set"}
	}
	return NewStripeProvider(cfg, verifier)
}

// StripeProvider is the Stripe implementation of Provider
type StripeProvider struct {
	api            *client.API
	verifier       *Verifier
	frontendURL    string
	defaultPriceID string
}

// NewStripeProvider creates a Stripe client. cfg.APIURL overrides the API
// endpoint, which tests point at a local server.
func NewStripeProvider(cfg config.StripeConfig, verifier *Verifier) *StripeProvider {
	return &StripeProvider{
		api:            client.New(cfg.SecretKey, newBackends(cfg.APIURL)),
		verifier:       verifier,
		frontendURL:    cfg.FrontendURL,
		defaultPriceID: cfg.DefaultPriceID,
	}
}

func newBackends(apiURL string) *stripe.Backends {
	if apiURL == "" {
		return nil
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		URL:               stripe.String(apiURL),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	})
	return &stripe.Backends{API: backend, Connect: backend, Uploads: backend}
}

// Verify authenticates and parses a webhook delivery
func (p *StripeProvider) Verify(payload []byte, signature string) (stripe.Event, error) {
	return p.verifier.Verify(payload, signature)
}

// Configured always reports true
func (p *StripeProvider) Configured() bool { return true }

// CreateCustomer creates a customer tagged with the user's subject
func (p *StripeProvider) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	ctx, span := observability.Tracer().Start(ctx, "billing.CreateCustomer")
	defer span.End()

	params := &stripe.CustomerParams{}
	if req.Email != "" {
		params.Email = stripe.String(req.Email)
	}
	if req.Name != "" {
		params.Name = stripe.String(req.Name)
	}
	params.AddMetadata(SubjectMetadataKey, req.Subject)
	params.Context = ctx

	c, err := p.api.Customers.New(params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create customer failed")
		return "", fmt.Errorf("failed to create stripe customer: %w", err)
	}
	span.SetAttributes(attribute.String("stripe.customer_id", c.ID))
	return c.ID, nil
}

// CreateCheckoutSession starts a subscription checkout for the customer
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error) {
	ctx, span := observability.Tracer().Start(ctx, "billing.CreateCheckoutSession")
	defer span.End()

	priceID := req.PriceID
	if priceID == "" {
		priceID = p.defaultPriceID
	}
	if priceID == "" {
		return nil, fmt.Errorf("%w: no price id given and no default price set", ErrNotConfigured)
	}
	if req.CustomerID == "" {
		return nil, errors.New("checkout requires a customer id")
	}
	span.SetAttributes(attribute.String("stripe.price_id", priceID))

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer:          stripe.String(req.CustomerID),
		ClientReferenceID: stripe.String(req.Subject),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{SubjectMetadataKey: req.Subject},
		},
		SuccessURL: stripe.String(p.frontendURL + "/billing/success"),
		CancelURL:  stripe.String(p.frontendURL + "/billing/cancel"),
	}
	params.Context = ctx

	s, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create checkout session failed")
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}
	return &Session{ID: s.ID, URL: s.URL}, nil
}

// CreatePortalSession opens the customer's billing portal
func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerID string) (*Session, error) {
	ctx, span := observability.Tracer().Start(ctx, "billing.CreatePortalSession")
	defer span.End()

	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(p.frontendURL + "/settings/billing"),
	}
	params.Context = ctx

	s, err := p.api.BillingPortalSessions.New(params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create portal session failed")
		return nil, fmt.Errorf("failed to create portal session: %w", err)
	}
	return &Session{ID: s.ID, URL: s.URL}, nil
}

// Unconfigured is the provider used when no secret key is set. Webhooks are
// still verified when a webhook secret is present.
type Unconfigured struct {
	verifier *Verifier
	reason   string
}

// Verify authenticates and parses a webhook delivery
func (u *Unconfigured) Verify(payload []byte, signature string) (stripe.Event, error) {
	return u.verifier.Verify(payload, signature)
}

// Configured always reports false
func (u *Unconfigured) Configured() bool { return false }

// CreateCustomer always fails with ErrNotConfigured
func (u *Unconfigured) CreateCustomer(ctx context.Context, req CustomerRequest) (string, error) {
	return "", u.err()
}

// CreateCheckoutSession always fails with ErrNotConfigured
func (u *Unconfigured) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*Session, error) {
	return nil, u.err()
}

// CreatePortalSession always fails with ErrNotConfigured
func (u *Unconfigured) CreatePortalSession(ctx context.Context, customerID string) (*Session, error) {
	return nil, u.err()
}

func (u *Unconfigured) err() error {
	return fmt.Errorf("%w: %s", ErrNotConfigured, u.reason)
}

var (
	_ Provider = (*StripeProvider)(nil)
	_ Provider = (*Unconfigured)(nil)
)
