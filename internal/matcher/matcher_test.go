package matcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casafresca/subscription-reconciler/internal/config"
	"github.com/casafresca/subscription-reconciler/internal/logger"
	"github.com/casafresca/subscription-reconciler/internal/models"
	"github.com/casafresca/subscription-reconciler/internal/store"
)

// fakeStore serves canned subscriptions keyed by the lookup path.
type fakeStore struct {
	byReference map[string]*models.Subscription
	byUserProd  []models.Subscription
	byEmail     []models.Subscription
	byMetadata  []models.Subscription
	latest      *models.Subscription
}

func (f *fakeStore) GetSubscriptionByReference(ctx context.Context, ref string) (*models.Subscription, error) {
	if sub, ok := f.byReference[ref]; ok {
		return sub, nil
	}
	return nil, store.ErrSubscriptionNotFound
}

func (f *fakeStore) FindPendingByUserProduct(ctx context.Context, userID, productID string) ([]models.Subscription, error) {
	return f.byUserProd, nil
}

func (f *fakeStore) FindByPayerEmailAndProduct(ctx context.Context, email, productID string) ([]models.Subscription, error) {
	return f.byEmail, nil
}

func (f *fakeStore) FindByMetadataReference(ctx context.Context, value string) ([]models.Subscription, error) {
	return f.byMetadata, nil
}

func (f *fakeStore) LatestPendingForUser(ctx context.Context, userID string) (*models.Subscription, error) {
	return f.latest, nil
}

func newTestMatcher(s Store) *Matcher {
	return New(s, config.DefaultTuning().Matcher, logger.New("test"))
}

func pendingSub(id string, createdAt time.Time) models.Subscription {
	return models.Subscription{
		ID:        id,
		Status:    models.SubscriptionStatusPending,
		CreatedAt: createdAt,
	}
}

func TestSearchDirectReferenceWinsOverWeakerStrategies(t *testing.T) {
	direct := &models.Subscription{ID: "sub-direct", ExternalReference: "ref-1"}
	weaker := pendingSub("sub-weaker", time.Now())

	fs := &fakeStore{
		byReference: map[string]*models.Subscription{"ref-1": direct},
		byUserProd:  []models.Subscription{weaker},
	}

	result, err := newTestMatcher(fs).Search(context.Background(), Criteria{
		ExternalReference: "ref-1",
		UserID:            "u1",
		ProductID:         "p1",
	})

	require.NoError(t, err)
	require.True(t, result.Found)
	assert.Equal(t, "sub-direct", result.Subscription.ID)
	assert.Equal(t, MatchByExternalReference, result.MatchedBy)
	assert.Equal(t, ConfidenceHigh, result.Confidence)
}

func TestSearchUserProductIsHighConfidence(t *testing.T) {
	fs := &fakeStore{
		byReference: map[string]*models.Subscription{},
		byUserProd:  []models.Subscription{pendingSub("sub-up", time.Now())},
	}

	result, err := newTestMatcher(fs).Search(context.Background(), Criteria{
		ExternalReference: "unknown-ref",
		UserID:            "u1",
		ProductID:         "p1",
	})

	require.NoError(t, err)
	require.True(t, result.Found)
	assert.Equal(t, MatchByUserProduct, result.MatchedBy)
	assert.Equal(t, 90, result.Score)
	assert.Equal(t, ConfidenceHigh, result.Confidence)
	assert.True(t, result.AutoApplicable())
}

func TestSearchPayerEmailIsMediumConfidence(t *testing.T) {
	fs := &fakeStore{
		byEmail: []models.Subscription{pendingSub("sub-email", time.Now())},
	}

	result, err := newTestMatcher(fs).Search(context.Background(), Criteria{
		PayerEmail: "payer@example.com",
		ProductID:  "p1",
	})

	require.NoError(t, err)
	require.True(t, result.Found)
	assert.Equal(t, MatchByPayerEmail, result.MatchedBy)
	assert.Equal(t, ConfidenceMedium, result.Confidence)
	assert.True(t, result.AutoApplicable())
}

func TestSearchTieBreakPicksMostRecent(t *testing.T) {
	older := pendingSub("sub-old", time.Now().Add(-time.Hour))
	newer := pendingSub("sub-new", time.Now())

	// The store returns candidates ordered most recent first.
	fs := &fakeStore{byUserProd: []models.Subscription{newer, older}}

	result, err := newTestMatcher(fs).Search(context.Background(), Criteria{
		UserID:    "u1",
		ProductID: "p1",
	})

	require.NoError(t, err)
	assert.Equal(t, "sub-new", result.Subscription.ID)
}

func TestSearchMetadataAndLatestPendingAreLowConfidence(t *testing.T) {
	t.Run("metadata", func(t *testing.T) {
		fs := &fakeStore{byMetadata: []models.Subscription{pendingSub("sub-meta", time.Now())}}

		result, err := newTestMatcher(fs).Search(context.Background(), Criteria{PreferenceID: "pref-1"})

		require.NoError(t, err)
		require.True(t, result.Found)
		assert.Equal(t, MatchByMetadata, result.MatchedBy)
		assert.Equal(t, ConfidenceLow, result.Confidence)
		assert.False(t, result.AutoApplicable())
	})

	t.Run("latest pending", func(t *testing.T) {
		latest := pendingSub("sub-latest", time.Now())
		fs := &fakeStore{latest: &latest}

		result, err := newTestMatcher(fs).Search(context.Background(), Criteria{UserID: "u1"})

		require.NoError(t, err)
		require.True(t, result.Found)
		assert.Equal(t, MatchByLatestPending, result.MatchedBy)
		assert.False(t, result.AutoApplicable())
	})
}

func TestSearchNothingFound(t *testing.T) {
	fs := &fakeStore{byReference: map[string]*models.Subscription{}}

	result, err := newTestMatcher(fs).Search(context.Background(), Criteria{
		ExternalReference: "ref-x",
		UserID:            "u1",
		ProductID:         "p1",
		PayerEmail:        "payer@example.com",
	})

	require.NoError(t, err)
	assert.False(t, result.Found)
	assert.False(t, result.AutoApplicable())
}

func TestConfidenceBandsAreConfigurable(t *testing.T) {
	tuning := config.DefaultTuning().Matcher
	tuning.PayerEmailScore = 90
	tuning.HighBand = 88

	fs := &fakeStore{byEmail: []models.Subscription{pendingSub("sub-email", time.Now())}}
	m := New(fs, tuning, logger.New("test"))

	result, err := m.Search(context.Background(), Criteria{PayerEmail: "payer@example.com", ProductID: "p1"})

	require.NoError(t, err)
	assert.Equal(t, ConfidenceHigh, result.Confidence)
}
