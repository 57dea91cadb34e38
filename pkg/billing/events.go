package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v79"

	"github.com/quantipackai/quantipack/pkg/entitlements"
)

// SubjectMetadataKey is the subscription and customer metadata entry holding
// the owner's identity subject
const SubjectMetadataKey = "user_subject"

// Stripe event types handled by the reconciler
const (
	EventSubscriptionCreated     = "customer.subscription.created"
	EventSubscriptionUpdated     = "customer.subscription.updated"
	EventSubscriptionDeleted     = "customer.subscription.deleted"
	EventInvoicePaymentSucceeded = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    = "invoice.payment_failed"
)

// ErrMalformedEvent is returned when a verified event carries a payload that
// cannot be decoded into its variant
var ErrMalformedEvent = errors.New("malformed billing event")

// Event is a decoded billing webhook event. The concrete type is one of
// *SubscriptionChanged, *SubscriptionDeleted, *InvoicePaymentSucceeded,
// *InvoicePaymentFailed or *Ignored.
type Event interface {
	EventID() string
	EventType() string
	isEvent()
}

// Envelope holds the fields shared by every event
type Envelope struct {
	ID   string
	Type string
}

// EventID returns the provider's event id
func (e Envelope) EventID() string { return e.ID }

// EventType returns the provider's event type
func (e Envelope) EventType() string { return e.Type }

func (Envelope) isEvent() {}

// SubscriptionChanged is a created or updated subscription
type SubscriptionChanged struct {
	Envelope
	SubscriptionID string
	CustomerID     string
	Subject        string
	PriceID        string
	Status         entitlements.SubscriptionStatus
	ProviderStatus string
	PeriodEnd      *time.Time
}

// SubscriptionDeleted is a subscription that ended
type SubscriptionDeleted struct {
	Envelope
	SubscriptionID string
	CustomerID     string
	Subject        string
}

// InvoicePaymentSucceeded is a paid invoice
type InvoicePaymentSucceeded struct {
	Envelope
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	AmountPaid     int64
}

// InvoicePaymentFailed is a failed invoice payment attempt
type InvoicePaymentFailed struct {
	Envelope
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
	AttemptCount   int64
}

// Ignored is any event type without a handler
type Ignored struct {
	Envelope
}

// Decode converts a verified Stripe event into its Event variant
func Decode(event stripe.Event) (Event, error) {
	env := Envelope{ID: event.ID, Type: string(event.Type)}

	switch env.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		sub, err := decodeSubscription(event)
		if err != nil {
			return nil, err
		}
		return &SubscriptionChanged{
			Envelope:       env,
			SubscriptionID: sub.ID,
			CustomerID:     customerID(sub.Customer),
			Subject:        sub.Metadata[SubjectMetadataKey],
			PriceID:        firstPriceID(sub),
			Status:         MapStatus(sub.Status),
			ProviderStatus: string(sub.Status),
			PeriodEnd:      unixTime(sub.CurrentPeriodEnd),
		}, nil

	case EventSubscriptionDeleted:
		sub, err := decodeSubscription(event)
		if err != nil {
			return nil, err
		}
		return &SubscriptionDeleted{
			Envelope:       env,
			SubscriptionID: sub.ID,
			CustomerID:     customerID(sub.Customer),
			Subject:        sub.Metadata[SubjectMetadataKey],
		}, nil

	case EventInvoicePaymentSucceeded:
		inv, err := decodeInvoice(event)
		if err != nil {
			return nil, err
		}
		return &InvoicePaymentSucceeded{
			Envelope:       env,
			InvoiceID:      inv.ID,
			CustomerID:     customerID(inv.Customer),
			SubscriptionID: subscriptionID(inv.Subscription),
			AmountPaid:     inv.AmountPaid,
		}, nil

	case EventInvoicePaymentFailed:
		inv, err := decodeInvoice(event)
		if err != nil {
			return nil, err
		}
		return &InvoicePaymentFailed{
			Envelope:       env,
			InvoiceID:      inv.ID,
			CustomerID:     customerID(inv.Customer),
			SubscriptionID: subscriptionID(inv.Subscription),
			AttemptCount:   inv.AttemptCount,
		}, nil
	}

	return &Ignored{Envelope: env}, nil
}

// MapStatus folds Stripe's subscription statuses into the ledger's five
func MapStatus(status stripe.SubscriptionStatus) entitlements.SubscriptionStatus {
	switch status {
	case stripe.SubscriptionStatusActive:
		return entitlements.SubscriptionStatusActive
	case stripe.SubscriptionStatusTrialing:
		return entitlements.SubscriptionStatusTrialing
	case stripe.SubscriptionStatusPastDue, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusPaused:
		return entitlements.SubscriptionStatusPastDue
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusIncompleteExpired:
		return entitlements.SubscriptionStatusCanceled
	default:
		return entitlements.SubscriptionStatusIncomplete
	}
}

func decodeSubscription(event stripe.Event) (*stripe.Subscription, error) {
	if event.Data == nil {
		return nil, fmt.Errorf("%w: %s has no data", ErrMalformedEvent, event.ID)
	}
	var sub stripe.Subscription
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: failed to parse subscription: %v", ErrMalformedEvent, err)
	}
	return &sub, nil
}

func decodeInvoice(event stripe.Event) (*stripe.Invoice, error) {
	if event.Data == nil {
		return nil, fmt.Errorf("%w: %s has no data", ErrMalformedEvent, event.ID)
	}
	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		return nil, fmt.Errorf("%w: failed to parse invoice: %v", ErrMalformedEvent, err)
	}
	return &inv, nil
}

func firstPriceID(sub *stripe.Subscription) string {
	if sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil && item.Price.ID != "" {
			return item.Price.ID
		}
	}
	return ""
}

func customerID(c *stripe.Customer) string {
	if c == nil {
		return ""
	}
	return c.ID
}

func subscriptionID(s *stripe.Subscription) string {
	if s == nil {
		return ""
	}
	return s.ID
}

func unixTime(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
