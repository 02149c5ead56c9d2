// Package activation owns the single path a subscription takes from
// pending to active. All three reconciliation triggers (provider webhook,
// browser return redirect, scheduled sweep) funnel into Activate, which
// is safe to invoke repeatedly and concurrently for the same logical
// subscription.
package activation

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/casafresca/subscription-reconciler/internal/config"
	"github.com/casafresca/subscription-reconciler/internal/idempotency"
	"github.com/casafresca/subscription-reconciler/internal/logger"
	"github.com/casafresca/subscription-reconciler/internal/matcher"
	"github.com/casafresca/subscription-reconciler/internal/models"
	"github.com/casafresca/subscription-reconciler/internal/provider"
	"github.com/casafresca/subscription-reconciler/internal/store"
)

// Matcher resolves partial signals to an internal subscription.
type Matcher interface {
	Search(ctx context.Context, c matcher.Criteria) (*matcher.Result, error)
}

// Gateway fetches payment state from the billing provider.
type Gateway interface {
	GetPayment(ctx context.Context, id string) (*provider.Payment, error)
	GetPreapproval(ctx context.Context, id string) (*provider.Preapproval, error)
}

// Store is the subset of persistence the activator needs.
type Store interface {
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	ActivateSubscription(ctx context.Context, upd store.ActivationUpdate) error
	InsertBillingHistory(ctx context.Context, entry *models.BillingHistoryEntry) error
	AppendSyncLog(ctx context.Context, entry *models.SyncLogEntry) error
}

// Notifier dispatches the confirmation message. Best-effort: a failed
// notification never fails an activation.
type Notifier interface {
	SendConfirmationAsync(email, productName, subscriptionType string, amount float64)
}

// Events receives reconciliation outcomes for the observability feed.
// May be nil.
type Events interface {
	Broadcast(eventType string, data interface{})
}

// Target carries whatever identifiers the trigger has for the
// subscription to activate.
type Target struct {
	ExternalReference string
	UserID            string
	ProductID         string
	PayerEmail        string
	CollectionID      string
	PaymentID         string
	PreferenceID      string
	// ReturnStatus is the status query parameter from a browser return
	// redirect; accepted as secondary evidence of approval when the
	// provider cannot be queried directly.
	ReturnStatus string
	Source       string
}

// ReturnParams are the query parameters the browser return page receives.
type ReturnParams struct {
	ExternalReference string
	CollectionID      string
	PaymentID         string
	PreferenceID      string
	Status            string
	UserID            string
	UserEmail         string
}

// Result is the structured outcome of an activation attempt. Benign
// non-activations (not found, not approved yet, already active, lock
// timeout, low-confidence match) are reported here, never as errors.
type Result struct {
	Success         bool                 `json:"success"`
	AlreadyActive   bool                 `json:"already_active"`
	PaymentApproved bool                 `json:"payment_approved"`
	NotFound        bool                 `json:"not_found"`
	LowConfidence   bool                 `json:"low_confidence"`
	LockTimeout     bool                 `json:"lock_timeout"`
	MatchedBy       string               `json:"matched_by,omitempty"`
	Subscription    *models.Subscription `json:"subscription,omitempty"`
	Error           string               `json:"error,omitempty"`
}

// transitionResult is what the guarded operation returns; it is what the
// idempotency layer caches and replays.
type transitionResult struct {
	SubscriptionID  string    `json:"subscription_id"`
	AlreadyActive   bool      `json:"already_active"`
	Activated       bool      `json:"activated"`
	NextBillingDate time.Time `json:"next_billing_date"`
}

// Activator orchestrates match, approval verification and the
// lock-protected transition.
type Activator struct {
	matcher     Matcher
	gateway     Gateway
	store       Store
	coordinator *idempotency.Coordinator
	notifier    Notifier
	events      Events
	lockTuning  config.LockTuning
	log         *logger.Logger
	now         func() time.Time
}

// New creates an activator. events may be nil.
func New(m Matcher, g Gateway, s Store, coord *idempotency.Coordinator, n Notifier, e Events, lockTuning config.LockTuning, log *logger.Logger) *Activator {
	return &Activator{
		matcher:     m,
		gateway:     g,
		store:       s,
		coordinator: coord,
		notifier:    n,
		events:      e,
		lockTuning:  lockTuning,
		log:         log,
		now:         time.Now,
	}
}

// ActivateFromWebhook handles an inbound provider webhook for a payment.
// The payment is fetched first so its external reference and payer email
// enrich the matching signals.
func (a *Activator) ActivateFromWebhook(ctx context.Context, paymentID, externalReference string) (*Result, error) {
	target := Target{
		ExternalReference: externalReference,
		PaymentID:         paymentID,
		Source:            models.SourceWebhook,
	}

	if payment, err := a.gateway.GetPayment(ctx, paymentID); err == nil {
		if target.ExternalReference == "" {
			target.ExternalReference = payment.ExternalReference
		}
		target.PayerEmail = payment.Payer.Email
	} else {
		a.log.Warn("webhook payment lookup failed, matching on supplied identifiers only",
			"payment_id", paymentID, "error", err)
	}

	return a.Activate(ctx, target, paymentID)
}

// ActivateReturnFlow handles the browser return redirect after checkout.
func (a *Activator) ActivateReturnFlow(ctx context.Context, params ReturnParams) (*Result, error) {
	paymentID := params.CollectionID
	if paymentID == "" {
		paymentID = params.PaymentID
	}

	target := Target{
		ExternalReference: params.ExternalReference,
		UserID:            params.UserID,
		PayerEmail:        params.UserEmail,
		CollectionID:      params.CollectionID,
		PaymentID:         params.PaymentID,
		PreferenceID:      params.PreferenceID,
		ReturnStatus:      params.Status,
		Source:            models.SourceReturnFlow,
	}

	return a.Activate(ctx, target, paymentID)
}

// Activate resolves the target, verifies provider-side approval and
// performs the idempotent transition to active.
func (a *Activator) Activate(ctx context.Context, target Target, providerPaymentID string) (*Result, error) {
	start := a.now()

	match, err := a.matcher.Search(ctx, matcher.Criteria{
		ExternalReference: target.ExternalReference,
		UserID:            target.UserID,
		ProductID:         target.ProductID,
		PayerEmail:        target.PayerEmail,
		CollectionID:      target.CollectionID,
		PaymentID:         target.PaymentID,
		PreferenceID:      target.PreferenceID,
	})
	if err != nil {
		return nil, err
	}

	if !match.Found {
		a.audit(ctx, "activation_not_found", target.Source, "", false, start, map[string]interface{}{
			"external_reference": target.ExternalReference,
		})
		return &Result{NotFound: true}, nil
	}

	sub := match.Subscription

	if sub.Status == models.SubscriptionStatusActive {
		return &Result{
			Success:         true,
			AlreadyActive:   true,
			PaymentApproved: true,
			MatchedBy:       match.MatchedBy,
			Subscription:    sub,
		}, nil
	}

	if !match.AutoApplicable() {
		a.audit(ctx, "activation_low_confidence", target.Source, sub.ID, false, start, map[string]interface{}{
			"matched_by": match.MatchedBy,
			"score":      match.Score,
		})
		return &Result{LowConfidence: true, MatchedBy: match.MatchedBy}, nil
	}

	approved, payment := a.verifyApproval(ctx, providerPaymentID, target)
	if !approved {
		a.audit(ctx, "payment_not_approved", target.Source, sub.ID, false, start, map[string]interface{}{
			"provider_payment_id": providerPaymentID,
		})
		return &Result{PaymentApproved: false, MatchedBy: match.MatchedBy, Subscription: sub}, nil
	}

	if payment != nil && payment.ExternalReference != "" && payment.ExternalReference != sub.ExternalReference {
		a.log.Warn("provider external reference differs from matched subscription",
			"subscription_id", sub.ID,
			"subscription_reference", sub.ExternalReference,
			"payment_reference", payment.ExternalReference)
	}

	outcome, err := a.coordinator.Execute(ctx, idempotency.Config{
		Key:           "activate:" + sub.ID,
		TTL:           a.lockTuning.TTL(),
		ResultTTL:     a.lockTuning.ResultTTL(),
		MaxRetries:    a.lockTuning.MaxRetries,
		RetryInterval: a.lockTuning.RetryInterval(),
		Source:        target.Source,
		Subscription: idempotency.SubscriptionData{
			SubscriptionID:    sub.ID,
			ExternalReference: sub.ExternalReference,
			UserID:            sub.UserID,
			ProductID:         sub.ProductID,
		},
	}, func(ctx context.Context) (interface{}, error) {
		return a.transition(ctx, sub.ID, target, match.MatchedBy, providerPaymentID)
	})
	if err != nil {
		// Failure after the lock was held: store writes may be partial.
		// Logged with full context and propagated, unlike the benign
		// outcomes above.
		a.log.Error("activation transition failed",
			"subscription_id", sub.ID, "source", target.Source, "error", err)
		return &Result{MatchedBy: match.MatchedBy, Error: err.Error()}, err
	}

	if !outcome.Processed {
		return &Result{LockTimeout: true, MatchedBy: match.MatchedBy}, nil
	}

	var tr transitionResult
	if len(outcome.Result) > 0 {
		if err := json.Unmarshal(outcome.Result, &tr); err != nil {
			return nil, err
		}
	}

	fresh, err := a.store.GetSubscription(ctx, sub.ID)
	if err != nil {
		return nil, err
	}

	if tr.AlreadyActive || outcome.Replayed {
		return &Result{
			Success:         true,
			AlreadyActive:   true,
			PaymentApproved: true,
			MatchedBy:       match.MatchedBy,
			Subscription:    fresh,
		}, nil
	}

	a.notifier.SendConfirmationAsync(fresh.Customer.Email, fresh.ProductName, fresh.Type, fresh.DiscountedPrice)
	if a.events != nil {
		a.events.Broadcast("subscription_activated", fresh)
	}
	a.audit(ctx, "activation_completed", target.Source, fresh.ID, true, start, map[string]interface{}{
		"matched_by":          match.MatchedBy,
		"provider_payment_id": providerPaymentID,
	})

	return &Result{
		Success:         true,
		PaymentApproved: true,
		MatchedBy:       match.MatchedBy,
		Subscription:    fresh,
	}, nil
}

// transition runs under the idempotency lock. It re-reads the
// subscription so a racer that just activated it turns this call into a
// no-op.
func (a *Activator) transition(ctx context.Context, subscriptionID string, target Target, matchedBy, providerPaymentID string) (*transitionResult, error) {
	fresh, err := a.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}

	if fresh.Status == models.SubscriptionStatusActive {
		return &transitionResult{SubscriptionID: fresh.ID, AlreadyActive: true}, nil
	}

	now := a.now()
	next := NextBillingDate(now, fresh.Type)

	metadata := map[string]interface{}{
		"activation_source":   target.Source,
		"search_method":       matchedBy,
		"provider_payment_id": providerPaymentID,
	}
	if target.PreferenceID != "" {
		metadata["preference_id"] = target.PreferenceID
	}
	if target.CollectionID != "" {
		metadata["collection_id"] = target.CollectionID
	}

	err = a.store.ActivateSubscription(ctx, store.ActivationUpdate{
		ID:                     fresh.ID,
		ProviderSubscriptionID: providerPaymentID,
		ActivatedAt:            now,
		LastBillingDate:        now,
		NextBillingDate:        next,
		Metadata:               metadata,
	})
	if err != nil {
		return nil, err
	}

	amount := fresh.DiscountedPrice
	if amount == 0 {
		amount = fresh.Price
	}

	err = a.store.InsertBillingHistory(ctx, &models.BillingHistoryEntry{
		SubscriptionID:    fresh.ID,
		Amount:            amount,
		Currency:          fresh.Currency,
		Status:            models.BillingStatusCompleted,
		ProviderPaymentID: providerPaymentID,
		PeriodStart:       now,
		PeriodEnd:         next,
	})
	if err != nil {
		return nil, err
	}

	return &transitionResult{
		SubscriptionID:  fresh.ID,
		Activated:       true,
		NextBillingDate: next,
	}, nil
}

// verifyApproval confirms the payment with the provider. A provider
// outage or timeout degrades to the return-URL status as secondary
// evidence; with neither, approval is not confirmed.
func (a *Activator) verifyApproval(ctx context.Context, providerPaymentID string, target Target) (bool, *provider.Payment) {
	if providerPaymentID != "" {
		payment, err := a.gateway.GetPayment(ctx, providerPaymentID)
		if err == nil {
			return payment.Approved(), payment
		}

		if errors.Is(err, provider.ErrNotFound) {
			// The id may identify a recurring preapproval instead.
			if pre, preErr := a.gateway.GetPreapproval(ctx, providerPaymentID); preErr == nil {
				return pre.Status == provider.StatusAuthorized || pre.Status == provider.StatusApproved, nil
			}
			return false, nil
		}

		a.log.Warn("provider approval lookup failed, falling back to return status",
			"payment_id", providerPaymentID, "error", err)
	}

	return returnStatusApproved(target.ReturnStatus), nil
}

func returnStatusApproved(status string) bool {
	switch status {
	case provider.StatusApproved, provider.StatusAuthorized, provider.StatusPaid, "success":
		return true
	default:
		return false
	}
}

func (a *Activator) audit(ctx context.Context, eventType, source, subscriptionID string, success bool, start time.Time, detail map[string]interface{}) {
	entry := &models.SyncLogEntry{
		EventType:      eventType,
		Source:         source,
		SubscriptionID: subscriptionID,
		Success:        success,
		DurationMs:     time.Since(start).Milliseconds(),
		Detail:         detail,
	}
	if err := a.store.AppendSyncLog(ctx, entry); err != nil {
		a.log.Warn("failed to append audit entry", "event", eventType, "error", err)
	}
}
