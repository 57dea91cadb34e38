package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/quantipackai/quantipack/pkg/entitlements"
)

// CustomerLedger is the part of the entitlement ledger that stores the
// billing customer reference
type CustomerLedger interface {
	GetSubscription(ctx context.Context, userID int64) (*entitlements.Subscription, error)
	SetStripeCustomerID(ctx context.Context, userID int64, customerID string) error
}

// Customer identifies the signed-in user a session is created for
type Customer struct {
	UserID  int64
	Subject string
	Email   string
	Name    string
}

// ErrNoCustomer is returned by Portal for users who never went through checkout
var ErrNoCustomer = errors.New("user has no billing customer")

// Sessions creates checkout and portal sessions for signed-in users
type Sessions struct {
	provider Provider
	ledger   CustomerLedger
}

// NewSessions creates a session service
func NewSessions(provider Provider, ledger CustomerLedger) *Sessions {
	return &Sessions{provider: provider, ledger: ledger}
}

// Configured reports whether the underlying provider can create sessions
func (s *Sessions) Configured() bool {
	return s.provider.Configured()
}

// EnsureCustomer returns the user's stored customer id, creating and storing
// one on first use
func (s *Sessions) EnsureCustomer(ctx context.Context, c Customer) (string, error) {
	sub, err := s.ledger.GetSubscription(ctx, c.UserID)
	if err != nil {
		return "", fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.StripeCustomerID != "" {
		return sub.StripeCustomerID, nil
	}

	customerID, err := s.provider.CreateCustomer(ctx, CustomerRequest{
		Subject: c.Subject,
		Email:   c.Email,
		Name:    c.Name,
	})
	if err != nil {
		return "", err
	}

	if err := s.ledger.SetStripeCustomerID(ctx, c.UserID, customerID); err != nil {
		return "", fmt.Errorf("failed to store customer id: %w", err)
	}
	return customerID, nil
}

// Checkout starts a subscription checkout for priceID, or the default price
// when empty
func (s *Sessions) Checkout(ctx context.Context, c Customer, priceID string) (*Session, error) {
	if !s.provider.Configured() {
		return s.provider.CreateCheckoutSession(ctx, CheckoutRequest{})
	}

	customerID, err := s.EnsureCustomer(ctx, c)
	if err != nil {
		return nil, err
	}

	return s.provider.CreateCheckoutSession(ctx, CheckoutRequest{
		CustomerID: customerID,
		Subject:    c.Subject,
		PriceID:    priceID,
	})
}

// Portal opens the billing portal of a user who already has a customer
func (s *Sessions) Portal(ctx context.Context, c Customer) (*Session, error) {
	if !s.provider.Configured() {
		return s.provider.CreatePortalSession(ctx, "")
	}

	sub, err := s.ledger.GetSubscription(ctx, c.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load subscription: %w", err)
	}
	if sub.StripeCustomerID == "" {
		return nil, ErrNoCustomer
	}

	return s.provider.CreatePortalSession(ctx, sub.StripeCustomerID)
}
