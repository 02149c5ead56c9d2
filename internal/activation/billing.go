package activation

import (
	"time"

	"github.com/casafresca/subscription-reconciler/internal/models"
)

// NextBillingDate advances one billing period of the subscription type
// from the given instant. Month-based periods clamp to the last day of
// the target month instead of overflowing (Jan 31 + 1 month is Feb 29 in
// a leap year, not Mar 2). Unrecognized types bill monthly.
func NextBillingDate(from time.Time, subscriptionType string) time.Time {
	switch subscriptionType {
	case models.SubscriptionTypeWeekly:
		return from.AddDate(0, 0, 7)
	case models.SubscriptionTypeBiweekly:
		return from.AddDate(0, 0, 14)
	case models.SubscriptionTypeQuarterly:
		return addMonthsClamped(from, 3)
	case models.SubscriptionTypeAnnual:
		return addMonthsClamped(from, 12)
	case models.SubscriptionTypeMonthly:
		return addMonthsClamped(from, 1)
	default:
		return addMonthsClamped(from, 1)
	}
}

// addMonthsClamped adds months keeping the day-of-month, clamped to the
// last day of the target month.
func addMonthsClamped(t time.Time, months int) time.Time {
	year, month, day := t.Date()
	hour, min, sec := t.Clock()

	firstOfTarget := time.Date(year, month+time.Month(months), 1, hour, min, sec, t.Nanosecond(), t.Location())
	lastDay := firstOfTarget.AddDate(0, 1, -1).Day()
	if day > lastDay {
		day = lastDay
	}

	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), day, hour, min, sec, t.Nanosecond(), t.Location())
}
