package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v79"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/quantipackai/quantipack/pkg/billing"
	"github.com/quantipackai/quantipack/pkg/entitlements"
	"github.com/quantipackai/quantipack/pkg/observability"
	"github.com/quantipackai/quantipack/pkg/plans"
	"github.com/quantipackai/quantipack/pkg/users"
)

// ErrInvalidSignature is returned for deliveries that fail verification.
// Nothing is mutated and the delivery must not be retried as is.
var ErrInvalidSignature = billing.ErrInvalidSignature

// ErrMalformedEvent is returned for verified deliveries that cannot be decoded
var ErrMalformedEvent = billing.ErrMalformedEvent

// settleTimeout bounds the event store write that closes a delivery
const settleTimeout = 5 * time.Second

// Outcome is how a delivery was settled
type Outcome string

const (
	// OutcomeApplied means the ledger was updated
	OutcomeApplied Outcome = "applied"
	// OutcomeIgnored means the event type requires no ledger change
	OutcomeIgnored Outcome = "ignored"
	// OutcomeDropped means the event could not be attributed to a user or plan
	OutcomeDropped Outcome = "dropped"
	// OutcomeDuplicate means the event was already applied
	OutcomeDuplicate Outcome = "duplicate"
)

// Result describes a settled delivery
type Result struct {
	EventID   string  `json:"event_id"`
	EventType string  `json:"event_type"`
	Outcome   Outcome `json:"outcome"`
	Reason    string  `json:"reason,omitempty"`
	UserID    int64   `json:"-"`
}

// Verifier authenticates and parses webhook deliveries.
// billing.Provider satisfies it.
type Verifier interface {
	Verify(payload []byte, signature string) (stripe.Event, error)
}

// PlanCatalog resolves price ids. plans.Store satisfies it.
type PlanCatalog interface {
	Lookup(priceID string) (plans.Plan, bool)
	FreeTokens() int64
}

// Deps are the collaborators of a Reconciler
type Deps struct {
	Verifier Verifier
	Ledger   entitlements.Ledger
	Users    users.Resolver
	Plans    PlanCatalog
	Events   EventStore
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// Reconciler applies billing provider events to the entitlement ledger
type Reconciler struct {
	verifier Verifier
	ledger   entitlements.Ledger
	users    users.Resolver
	plans    PlanCatalog
	events   EventStore
	logger   *observability.Logger
	metrics  *observability.Metrics
	now      func() time.Time
}

// New creates a Reconciler. Events and Logger are optional.
func New(deps Deps) *Reconciler {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	events := deps.Events
	if events == nil {
		events = NewMemoryEventStore(0, 72*time.Hour)
	}
	return &Reconciler{
		verifier: deps.Verifier,
		ledger:   deps.Ledger,
		users:    deps.Users,
		plans:    deps.Plans,
		events:   events,
		logger:   logger.WithField("component", "reconciler"),
		metrics:  deps.Metrics,
		now:      time.Now,
	}
}

// HandleWebhook verifies, decodes and applies one webhook delivery.
//
// A non-nil error means the delivery was not settled: ErrInvalidSignature and
// ErrMalformedEvent are terminal, anything else is a storage failure the
// provider should redeliver. Events that cannot be attributed are dropped
// with a warning and reported through Result, not as errors.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signature string) (Result, error) {
	start := time.Now()
	ctx, span := observability.Tracer().Start(ctx, "reconciler.HandleWebhook")
	defer span.End()

	raw, err := r.verifier.Verify(payload, signature)
	if err != nil {
		r.reject(err)
		span.SetStatus(codes.Error, "verification failed")
		return Result{}, err
	}

	event, err := billing.Decode(raw)
	if err != nil {
		r.reject(err)
		span.SetStatus(codes.Error, "decode failed")
		return Result{EventID: raw.ID, EventType: string(raw.Type)}, err
	}

	span.SetAttributes(
		attribute.String("billing.event_id", event.EventID()),
		attribute.String("billing.event_type", event.EventType()),
	)
	logger := r.logger.WithFields(map[string]interface{}{
		"event_id":   event.EventID(),
		"event_type": event.EventType(),
	})

	result, err := r.process(ctx, logger, event)
	r.observe(event, result, err, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "reconcile failed")
		logger.WithError(err).Error("Failed to reconcile billing event")
		return result, err
	}

	span.SetAttributes(attribute.String("reconciler.outcome", string(result.Outcome)))
	return result, nil
}

// process guards dispatch with the event store
func (r *Reconciler) process(ctx context.Context, logger *observability.Logger, event billing.Event) (Result, error) {
	result := Result{EventID: event.EventID(), EventType: event.EventType()}

	if _, ok := event.(*billing.Ignored); ok {
		logger.Debug("Ignoring unhandled billing event type")
		result.Outcome = OutcomeIgnored
		return result, nil
	}

	claimed, err := r.events.Claim(ctx, event.EventID())
	tracked := err == nil
	if err != nil {
		logger.WithError(err).Warn("Event store unavailable, processing without dedupe")
	} else if !claimed {
		logger.Info("Skipping already processed billing event")
		result.Outcome = OutcomeDuplicate
		return result, nil
	}

	if tracked {
		// A panic in dispatch must not leave the claim behind either.
		settled := false
		defer func() {
			if !settled {
				r.settle(ctx, logger, event.EventID(), false)
			}
		}()
		result, err = r.dispatch(ctx, logger, event, result)
		settled = true
		r.settle(ctx, logger, event.EventID(), err == nil && result.Outcome == OutcomeApplied)
		return result, err
	}

	return r.dispatch(ctx, logger, event, result)
}

// settle completes or releases a claim. It runs detached from the request
// context so a provider hanging up mid-delivery still frees the claim for
// its redelivery.
func (r *Reconciler) settle(ctx context.Context, logger *observability.Logger, eventID string, applied bool) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if applied {
		if err := r.events.Complete(ctx, eventID); err != nil {
			logger.WithError(err).Warn("Failed to record applied billing event")
		}
		return
	}
	if err := r.events.Release(ctx, eventID); err != nil {
		logger.WithError(err).Warn("Failed to release billing event claim")
	}
}

func (r *Reconciler) dispatch(ctx context.Context, logger *observability.Logger, event billing.Event, result Result) (Result, error) {
	switch ev := event.(type) {
	case *billing.SubscriptionChanged:
		return r.applySubscriptionChanged(ctx, logger, ev, result)

	case *billing.SubscriptionDeleted:
		return r.applySubscriptionDeleted(ctx, logger, ev, result)

	case *billing.InvoicePaymentSucceeded:
		// Renewals reset the balance through the subscription update that follows.
		logger.WithFields(map[string]interface{}{
			"invoice_id":  ev.InvoiceID,
			"customer_id": ev.CustomerID,
			"amount_paid": ev.AmountPaid,
		}).Info("Invoice paid")
		result.Outcome = OutcomeIgnored
		return result, nil

	case *billing.InvoicePaymentFailed:
		logger.WithFields(map[string]interface{}{
			"invoice_id":      ev.InvoiceID,
			"customer_id":     ev.CustomerID,
			"subscription_id": ev.SubscriptionID,
			"attempt_count":   ev.AttemptCount,
		}).Warn("Invoice payment failed")
		result.Outcome = OutcomeIgnored
		return result, nil
	}

	result.Outcome = OutcomeIgnored
	return result, nil
}

func (r *Reconciler) applySubscriptionChanged(ctx context.Context, logger *observability.Logger, ev *billing.SubscriptionChanged, result Result) (Result, error) {
	if ev.Subject == "" {
		return r.drop(logger, result, "subscription has no user subject"), nil
	}

	plan, ok := r.plans.Lookup(ev.PriceID)
	if !ok {
		logger = logger.WithField("price_id", ev.PriceID)
		return r.drop(logger, result, "unknown price id"), nil
	}

	userID, dropped, err := r.resolve(ctx, ev.Subject)
	if err != nil {
		return result, err
	}
	if dropped {
		return r.drop(logger.WithField("subject", ev.Subject), result, "unknown user subject"), nil
	}
	result.UserID = userID

	update := entitlements.SubscriptionUpdate{
		Status:               ev.Status,
		Plan:                 plan.Tier,
		MonthlyTokens:        plan.MonthlyTokens,
		PeriodEnd:            ev.PeriodEnd,
		StripeSubscriptionID: ev.SubscriptionID,
		StripeCustomerID:     ev.CustomerID,
	}
	resetAt := entitlements.NextReset(r.now())

	err = r.ledger.Transact(ctx, func(tx entitlements.Ledger) error {
		if _, err := tx.UpsertSubscription(ctx, userID, update); err != nil {
			return err
		}
		_, err := tx.ResetTokenBalance(ctx, userID, plan.MonthlyTokens, resetAt)
		return err
	})
	if err != nil {
		return result, fmt.Errorf("failed to apply subscription change for user %d: %w", userID, err)
	}

	logger.WithFields(map[string]interface{}{
		"user_id":        userID,
		"plan":           plan.Tier,
		"status":         ev.Status,
		"monthly_tokens": plan.MonthlyTokens,
	}).Info("Subscription applied")
	result.Outcome = OutcomeApplied
	return result, nil
}

func (r *Reconciler) applySubscriptionDeleted(ctx context.Context, logger *observability.Logger, ev *billing.SubscriptionDeleted, result Result) (Result, error) {
	if ev.Subject == "" {
		return r.drop(logger, result, "subscription has no user subject"), nil
	}

	userID, dropped, err := r.resolve(ctx, ev.Subject)
	if err != nil {
		return result, err
	}
	if dropped {
		return r.drop(logger.WithField("subject", ev.Subject), result, "unknown user subject"), nil
	}
	result.UserID = userID

	freeTokens := r.plans.FreeTokens()
	resetAt := entitlements.NextReset(r.now())

	err = r.ledger.Transact(ctx, func(tx entitlements.Ledger) error {
		if err := tx.SetSubscriptionStatus(ctx, userID, entitlements.SubscriptionStatusCanceled); err != nil {
			return err
		}
		_, err := tx.ResetTokenBalance(ctx, userID, freeTokens, resetAt)
		return err
	})
	if errors.Is(err, entitlements.ErrNotFound) {
		return r.drop(logger.WithField("user_id", userID), result, "user has no subscription"), nil
	}
	if err != nil {
		return result, fmt.Errorf("failed to cancel subscription for user %d: %w", userID, err)
	}

	logger.WithFields(map[string]interface{}{
		"user_id":     userID,
		"free_tokens": freeTokens,
	}).Info("Subscription canceled")
	result.Outcome = OutcomeApplied
	return result, nil
}

// resolve maps a subject to a user id. dropped reports subjects that do not
// belong to any user.
func (r *Reconciler) resolve(ctx context.Context, subject string) (userID int64, dropped bool, err error) {
	userID, err = r.users.ResolveSubject(ctx, subject)
	if errors.Is(err, users.ErrNotFound) || errors.Is(err, users.ErrEmptySubject) {
		return 0, true, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to resolve subject: %w", err)
	}
	return userID, false, nil
}

func (r *Reconciler) drop(logger *observability.Logger, result Result, reason string) Result {
	logger.WithField("reason", reason).Warn("Dropping billing event")
	result.Outcome = OutcomeDropped
	result.Reason = reason
	return result
}

func (r *Reconciler) reject(err error) {
	reason := "malformed"
	switch {
	case errors.Is(err, ErrInvalidSignature):
		reason = "signature"
		r.logger.WithError(err).Warn("Rejected webhook with invalid signature")
	case errors.Is(err, billing.ErrNotConfigured):
		reason = "not_configured"
		r.logger.WithError(err).Error("Webhook received but no webhook secret is configured")
	default:
		r.logger.WithError(err).Warn("Rejected malformed webhook")
	}

	if r.metrics != nil {
		r.metrics.WebhookRejectionsTotal.WithLabelValues(reason).Inc()
	}
}

func (r *Reconciler) observe(event billing.Event, result Result, err error, start time.Time) {
	if r.metrics == nil {
		return
	}

	eventType := event.EventType()
	if _, ok := event.(*billing.Ignored); ok {
		eventType = "other"
	}
	outcome := string(result.Outcome)
	if err != nil {
		outcome = "failed"
	}

	r.metrics.WebhookEventsTotal.WithLabelValues(eventType, outcome).Inc()
	r.metrics.WebhookEventDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
}
