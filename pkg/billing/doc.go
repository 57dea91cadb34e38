// Package billing talks to the payment provider (Stripe).
//
// # Overview
//
// NewProvider builds the provider once from configuration. With a secret key
// it returns a *StripeProvider; without one it returns Unconfigured, whose
// session methods fail with ErrNotConfigured while webhook verification keeps
// working as long as a webhook secret is set.
//
// # Webhook events
//
// Verify checks the Stripe-Signature header and Decode turns the verified
// event into one of the Event variants:
//
//	switch ev := ev.(type) {
//	case *billing.SubscriptionChanged:
//		// created or updated
//	case *billing.SubscriptionDeleted:
//	case *billing.InvoicePaymentSucceeded:
//	case *billing.InvoicePaymentFailed:
//	case *billing.Ignored:
//	}
//
// Subscriptions identify their owner through the SubjectMetadataKey metadata
// entry, which checkout copies onto every subscription it creates.
//
// # Related Packages
//
//   - pkg/reconciler: applies decoded events to the entitlement ledger
//   - pkg/plans: maps price ids to plan tiers
package billing
