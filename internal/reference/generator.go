// Package reference derives the correlation identifiers shared with the
// billing provider. A reference is assigned to a subscription before any
// provider interaction and is the primary signal used to match the
// eventual payment confirmation back to the internal record.
package reference

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// hashLen is the number of hex characters kept from the digest.
	hashLen = 8

	defaultPrefix    = "sub"
	defaultMaxLength = 64

	// newSubscriptionBucket groups "definitely new" intents into short
	// windows so an immediate double-submit still collides, while a
	// genuinely later attempt gets a fresh reference.
	newSubscriptionBucket = 5 * time.Minute
)

// Components are the identity inputs a reference is derived from.
type Components struct {
	UserID    string
	ProductID string
	Type      string
	UserEmail string
	Timestamp time.Time
}

// Options control how the reference is assembled.
type Options struct {
	IncludeTimestamp bool
	IncludeUserEmail bool
	MaxLength        int
	Prefix           string
	// TimeBucket widens the timestamp so references repeat within the
	// bucket. Zero means the raw timestamp is used.
	TimeBucket time.Duration
}

// Generate builds a reference of the form <prefix>-<userID>-<productID>-<hash>.
// With IncludeTimestamp false the result is a pure function of the other
// inputs, which is what makes deduplication possible. If the formatted
// reference would exceed MaxLength, the hash-only form <prefix>-<hash> is
// returned instead.
func Generate(c Components, o Options) string {
	prefix := o.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	maxLength := o.MaxLength
	if maxLength <= 0 {
		maxLength = defaultMaxLength
	}

	parts := []string{c.UserID, c.ProductID, c.Type}
	if o.IncludeUserEmail && c.UserEmail != "" {
		parts = append(parts, strings.ToLower(c.UserEmail))
	}
	if o.IncludeTimestamp {
		ts := c.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		if o.TimeBucket > 0 {
			ts = ts.Truncate(o.TimeBucket)
		}
		parts = append(parts, strconv.FormatInt(ts.Unix(), 10))
	}

	digest := sha256.Sum256([]byte(strings.Join(parts, ":")))
	hash := hex.EncodeToString(digest[:])[:hashLen]

	ref := fmt.Sprintf("%s-%s-%s-%s", prefix, c.UserID, c.ProductID, hash)
	if len(ref) > maxLength {
		ref = fmt.Sprintf("%s-%s", prefix, hash)
	}

	return ref
}

// NewSubscription is the preset for first-time checkout intents: the
// reference changes per time bucket so a user can legitimately subscribe
// again later, but a duplicate submit inside the window collides.
func NewSubscription(c Components) string {
	return Generate(c, Options{
		IncludeTimestamp: true,
		TimeBucket:       newSubscriptionBucket,
	})
}

// Reactivation is the preset for reactivating a lapsed subscription. It is
// fully deterministic over (user, product, type, email) so a second attempt
// naturally collides with the first.
func Reactivation(c Components) string {
	return Generate(c, Options{
		IncludeTimestamp: false,
		IncludeUserEmail: true,
	})
}
