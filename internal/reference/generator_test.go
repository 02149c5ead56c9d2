package reference

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDeterministic(t *testing.T) {
	c := Components{UserID: "u1", ProductID: "p1", Type: "new"}
	o := Options{IncludeTimestamp: false}

	first := Generate(c, o)
	second := Generate(c, o)

	assert.Equal(t, first, second)
	assert.True(t, strings.HasPrefix(first, "sub-u1-p1-"))
}

func TestGenerateDistinctInputsDistinctReferences(t *testing.T) {
	o := Options{IncludeTimestamp: false}

	a := Generate(Components{UserID: "u1", ProductID: "p1", Type: "new"}, o)
	b := Generate(Components{UserID: "u1", ProductID: "p2", Type: "new"}, o)
	c := Generate(Components{UserID: "u2", ProductID: "p1", Type: "new"}, o)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestGenerateTimestampChangesReference(t *testing.T) {
	c := Components{UserID: "u1", ProductID: "p1", Type: "new"}

	c.Timestamp = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	first := Generate(c, Options{IncludeTimestamp: true})

	c.Timestamp = time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC)
	second := Generate(c, Options{IncludeTimestamp: true})

	assert.NotEqual(t, first, second)
}

func TestGenerateTimeBucketCollides(t *testing.T) {
	c := Components{UserID: "u1", ProductID: "p1", Type: "new"}
	o := Options{IncludeTimestamp: true, TimeBucket: 5 * time.Minute}

	c.Timestamp = time.Date(2024, 3, 1, 10, 1, 3, 0, time.UTC)
	first := Generate(c, o)

	// Same five-minute bucket: a double-submit should collide.
	c.Timestamp = time.Date(2024, 3, 1, 10, 3, 59, 0, time.UTC)
	second := Generate(c, o)

	assert.Equal(t, first, second)
}

func TestGenerateMaxLengthFallsBackToHashOnly(t *testing.T) {
	c := Components{
		UserID:    "user-with-a-very-long-identifier-0001",
		ProductID: "product-with-a-very-long-identifier-0002",
		Type:      "new",
	}

	ref := Generate(c, Options{MaxLength: 20})

	require.LessOrEqual(t, len(ref), 20)
	assert.True(t, strings.HasPrefix(ref, "sub-"))
	assert.NotContains(t, ref, c.UserID)
}

func TestReactivationReproducible(t *testing.T) {
	c := Components{UserID: "u1", ProductID: "p1", Type: "monthly", UserEmail: "Payer@Example.com"}

	first := Reactivation(c)

	// Email casing must not change the reference; the payer may type it
	// differently on the second attempt.
	c.UserEmail = "payer@example.com"
	second := Reactivation(c)

	assert.Equal(t, first, second)
}

func TestReactivationDependsOnEmail(t *testing.T) {
	a := Reactivation(Components{UserID: "u1", ProductID: "p1", Type: "monthly", UserEmail: "a@example.com"})
	b := Reactivation(Components{UserID: "u1", ProductID: "p1", Type: "monthly", UserEmail: "b@example.com"})

	assert.NotEqual(t, a, b)
}
