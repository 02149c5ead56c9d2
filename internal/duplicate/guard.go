// Package duplicate decides, at checkout time, whether a new subscription
// record is needed or an existing one can be reused. It also backs the
// idempotency layer's pre-validation hook.
package duplicate

import (
	"context"
	"errors"
	"fmt"

	"github.com/casafresca/subscription-reconciler/internal/idempotency"
	"github.com/casafresca/subscription-reconciler/internal/logger"
	"github.com/casafresca/subscription-reconciler/internal/models"
	"github.com/casafresca/subscription-reconciler/internal/store"
)

// Store is the subset of persistence queries the guard needs.
type Store interface {
	GetSubscriptionByReference(ctx context.Context, externalReference string) (*models.Subscription, error)
	FindByUserProductName(ctx context.Context, userID, productName string) ([]models.Subscription, error)
	FindByPayerEmailAndProduct(ctx context.Context, payerEmail, productID string) ([]models.Subscription, error)
	UpdateExternalReference(ctx context.Context, id, externalReference string) error
}

// ActivateFunc resumes activation of a reused subscription once fresh
// provider evidence is in hand. Injected so the guard stays decoupled
// from the activation package.
type ActivateFunc func(ctx context.Context, subscriptionID, providerPaymentID, source string) error

// Match describes an existing subscription that overlaps the one being
// created.
type Match struct {
	SubscriptionID    string `json:"subscription_id"`
	Status            string `json:"status"`
	ExternalReference string `json:"external_reference"`
	// CanReuse is true for pending or processing records, which a new
	// checkout may take over instead of creating a sibling row. An
	// active match can never be reused; the caller should refuse the
	// new checkout instead.
	CanReuse bool `json:"can_reuse"`
}

// Guard answers duplicate queries against the subscription store.
type Guard struct {
	store    Store
	activate ActivateFunc
	log      *logger.Logger
}

// New creates a guard. activate may be nil if reactivation is not wired.
func New(s Store, activate ActivateFunc, log *logger.Logger) *Guard {
	return &Guard{store: s, activate: activate, log: log}
}

// FindReusable looks for an existing subscription that the new checkout
// described by the arguments would duplicate. Returns nil when there is
// no overlap. The external reference check wins over the user+product
// check because it is exact.
func (g *Guard) FindReusable(ctx context.Context, userID, productName, externalReference string) (*Match, error) {
	if externalReference != "" {
		sub, err := g.store.GetSubscriptionByReference(ctx, externalReference)
		if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
			return nil, fmt.Errorf("duplicate check by reference: %w", err)
		}
		if sub != nil {
			return matchFor(sub), nil
		}
	}

	if userID == "" || productName == "" {
		return nil, nil
	}

	subs, err := g.store.FindByUserProductName(ctx, userID, productName)
	if err != nil {
		return nil, fmt.Errorf("duplicate check by user and product: %w", err)
	}
	if len(subs) == 0 {
		return nil, nil
	}

	// Rows come back newest first. Prefer an active match so the caller
	// refuses the duplicate rather than quietly reusing a pending row
	// next to a live subscription.
	for i := range subs {
		if subs[i].Status == models.SubscriptionStatusActive {
			return matchFor(&subs[i]), nil
		}
	}
	return matchFor(&subs[0]), nil
}

// Reactivate points an existing reusable subscription at a new external
// reference and resumes the activation flow with the supplied provider
// payment. Returns false instead of an error so callers can fall back to
// creating a fresh record.
func (g *Guard) Reactivate(ctx context.Context, subscriptionID, externalReference, providerPaymentID string) bool {
	if err := g.store.UpdateExternalReference(ctx, subscriptionID, externalReference); err != nil {
		g.log.Warn("reactivation reference update failed",
			"subscription_id", subscriptionID, "error", err)
		return false
	}

	if g.activate == nil {
		return true
	}
	if err := g.activate(ctx, subscriptionID, providerPaymentID, models.SourceManual); err != nil {
		g.log.Warn("reactivation activate failed",
			"subscription_id", subscriptionID, "error", err)
		return false
	}
	return true
}

// CheckDuplicate satisfies the idempotency pre-validation hook. It only
// reports a duplicate when the overlapping subscription is a different
// record than the one the guarded operation concerns.
func (g *Guard) CheckDuplicate(ctx context.Context, data idempotency.SubscriptionData) (bool, string, error) {
	match, err := g.FindReusable(ctx, data.UserID, data.ProductName, data.ExternalReference)
	if err != nil {
		return false, "", err
	}
	if match != nil && match.SubscriptionID != data.SubscriptionID {
		return true, fmt.Sprintf("overlaps subscription %s (%s)", match.SubscriptionID, match.Status), nil
	}

	if data.PayerEmail != "" && data.ProductID != "" {
		subs, err := g.store.FindByPayerEmailAndProduct(ctx, data.PayerEmail, data.ProductID)
		if err != nil {
			return false, "", err
		}
		for i := range subs {
			if subs[i].ID != data.SubscriptionID && subs[i].Status == models.SubscriptionStatusActive {
				return true, fmt.Sprintf("payer already has active subscription %s", subs[i].ID), nil
			}
		}
	}

	return false, "", nil
}

func matchFor(sub *models.Subscription) *Match {
	canReuse := false
	for _, status := range models.ReusableStatuses {
		if sub.Status == status {
			canReuse = true
			break
		}
	}
	return &Match{
		SubscriptionID:    sub.ID,
		Status:            sub.Status,
		ExternalReference: sub.ExternalReference,
		CanReuse:          canReuse,
	}
}
