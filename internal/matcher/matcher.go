// Package matcher resolves which internal subscription a set of partial
// provider-side signals refers to. Callers hand it whatever identifiers
// they have (correlation id, user, product, payer email, provider ids)
// and get back the best candidate with a confidence level.
package matcher

import (
	"context"
	"errors"

	"github.com/casafresca/subscription-reconciler/internal/config"
	"github.com/casafresca/subscription-reconciler/internal/logger"
	"github.com/casafresca/subscription-reconciler/internal/models"
	"github.com/casafresca/subscription-reconciler/internal/store"
)

// Confidence bands. Only high and medium matches are auto-applied by the
// activator; low matches are logged for manual follow-up so a payment is
// never credited to the wrong user's subscription.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Strategy names recorded in match results and audit entries.
const (
	MatchByExternalReference = "external_reference"
	MatchByUserProduct       = "user_product"
	MatchByPayerEmail        = "payer_email"
	MatchByMetadata          = "metadata_reference"
	MatchByLatestPending     = "latest_pending_for_user"
)

// Criteria are the partial signals available to a search. Any subset may
// be set.
type Criteria struct {
	ExternalReference string
	UserID            string
	ProductID         string
	PayerEmail        string
	CollectionID      string
	PaymentID         string
	PreferenceID      string
}

// Result is the outcome of a search.
type Result struct {
	Found        bool
	Subscription *models.Subscription
	MatchedBy    string
	Score        int
	Confidence   Confidence
}

// Store is the subset of subscription queries the matcher needs.
type Store interface {
	GetSubscriptionByReference(ctx context.Context, externalReference string) (*models.Subscription, error)
	FindPendingByUserProduct(ctx context.Context, userID, productID string) ([]models.Subscription, error)
	FindByPayerEmailAndProduct(ctx context.Context, payerEmail, productID string) ([]models.Subscription, error)
	FindByMetadataReference(ctx context.Context, value string) ([]models.Subscription, error)
	LatestPendingForUser(ctx context.Context, userID string) (*models.Subscription, error)
}

// Matcher runs the ranked strategy list.
type Matcher struct {
	store  Store
	tuning config.MatcherTuning
	log    *logger.Logger
}

// New creates a matcher with the given score/band tuning.
func New(s Store, tuning config.MatcherTuning, log *logger.Logger) *Matcher {
	return &Matcher{store: s, tuning: tuning, log: log}
}

// Search tries the strategies in rank order and returns the first
// confident hit. A direct external-reference match is authoritative and
// short-circuits everything else. Weaker strategies return candidate
// lists already ordered most-recent-first, so equal-score ties resolve to
// the newest record.
func (m *Matcher) Search(ctx context.Context, c Criteria) (*Result, error) {
	// Strategy 1: direct external reference. Unique index, no ambiguity.
	if c.ExternalReference != "" {
		sub, err := m.store.GetSubscriptionByReference(ctx, c.ExternalReference)
		if err == nil {
			return &Result{
				Found:        true,
				Subscription: sub,
				MatchedBy:    MatchByExternalReference,
				Score:        100,
				Confidence:   ConfidenceHigh,
			}, nil
		}
		if !errors.Is(err, store.ErrSubscriptionNotFound) {
			return nil, err
		}
	}

	// Strategy 2: user + product against pending/processing records.
	if c.UserID != "" && c.ProductID != "" {
		subs, err := m.store.FindPendingByUserProduct(ctx, c.UserID, c.ProductID)
		if err != nil {
			return nil, err
		}
		if len(subs) > 0 {
			return m.scored(&subs[0], MatchByUserProduct, m.tuning.UserProductScore), nil
		}
	}

	// Strategy 3: payer email from the customer snapshot + product.
	if c.PayerEmail != "" && c.ProductID != "" {
		subs, err := m.store.FindByPayerEmailAndProduct(ctx, c.PayerEmail, c.ProductID)
		if err != nil {
			return nil, err
		}
		if len(subs) > 0 {
			return m.scored(&subs[0], MatchByPayerEmail, m.tuning.PayerEmailScore), nil
		}
	}

	// Strategy 4: provider-side ids embedded in the metadata bag at
	// checkout time.
	for _, value := range []string{c.PreferenceID, c.CollectionID, c.PaymentID} {
		if value == "" {
			continue
		}
		subs, err := m.store.FindByMetadataReference(ctx, value)
		if err != nil {
			return nil, err
		}
		if len(subs) > 0 {
			return m.scored(&subs[0], MatchByMetadata, m.tuning.MetadataScore), nil
		}
	}

	// Strategy 5: most recent pending record for the user. Weakest
	// signal; only reached when nothing else identified the product.
	if c.UserID != "" {
		sub, err := m.store.LatestPendingForUser(ctx, c.UserID)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			return m.scored(sub, MatchByLatestPending, m.tuning.LatestUserScore), nil
		}
	}

	return &Result{Found: false}, nil
}

func (m *Matcher) scored(sub *models.Subscription, matchedBy string, score int) *Result {
	confidence := m.confidenceFor(score)
	if confidence == ConfidenceLow {
		m.log.Warn("low-confidence subscription match, not eligible for auto-activation",
			"subscription_id", sub.ID, "matched_by", matchedBy, "score", score)
	}

	return &Result{
		Found:        true,
		Subscription: sub,
		MatchedBy:    matchedBy,
		Score:        score,
		Confidence:   confidence,
	}
}

func (m *Matcher) confidenceFor(score int) Confidence {
	switch {
	case score >= m.tuning.HighBand:
		return ConfidenceHigh
	case score >= m.tuning.MediumBand:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

// AutoApplicable reports whether a match is strong enough for the
// activator to act on without additional corroboration.
func (r *Result) AutoApplicable() bool {
	return r.Found && (r.Confidence == ConfidenceHigh || r.Confidence == ConfidenceMedium)
}
