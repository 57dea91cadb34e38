// Package reconciler applies billing webhook events to the entitlement ledger.
//
// HandleWebhook verifies the delivery, decodes it into a billing.Event and
// dispatches on the variant:
//
//   - subscription created or updated: the price id selects the plan, the
//     subscription is upserted and the token balance reset to the plan's
//     allotment
//   - subscription deleted: the subscription is canceled and the balance reset
//     to the free allotment
//   - invoice events: logged, no ledger change
//   - anything else: ignored
//
// Both writes of a subscription event run inside one Ledger.Transact call.
// Applied event ids are recorded in an EventStore so redeliveries of the same
// event are reported as duplicates instead of resetting the balance again.
package reconciler
