package billing

import (
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/webhook"
)

// ErrInvalidSignature is returned when a webhook delivery fails signature
// verification. The delivery must be rejected without side effects.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Verifier authenticates webhook deliveries against the endpoint secret
type Verifier struct {
	secret string
}

// NewVerifier creates a verifier for the given webhook endpoint secret
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

// Verify checks the Stripe-Signature header and parses the event.
// Signature failures wrap ErrInvalidSignature, an unparseable body wraps
// ErrMalformedEvent and a missing secret returns ErrNotConfigured.
func (v *Verifier) Verify(payload []byte, signature string) (stripe.Event, error) {
	if v == nil || v.secret == "" {
		return stripe.Event{}, fmt.Errorf("%w: webhook secret is not set", ErrNotConfigured)
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return stripe.Event{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return event, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}
