package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/casafresca/subscription-reconciler/internal/models"
)

const subscriptionColumns = `
	id, user_id, product_id, product_name, type, status,
	price, discount_percent, discounted_price, currency, charges_made,
	external_reference, COALESCE(provider_subscription_id, ''),
	customer, metadata,
	last_billing_date, next_billing_date, activated_at,
	created_at, updated_at`

func scanSubscription(row interface{ Scan(...interface{}) error }) (*models.Subscription, error) {
	var sub models.Subscription
	var customer, metadata []byte

	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.ProductID, &sub.ProductName, &sub.Type, &sub.Status,
		&sub.Price, &sub.DiscountPercent, &sub.DiscountedPrice, &sub.Currency, &sub.ChargesMade,
		&sub.ExternalReference, &sub.ProviderSubscriptionID,
		&customer, &metadata,
		&sub.LastBillingDate, &sub.NextBillingDate, &sub.ActivatedAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(customer) > 0 {
		if err := json.Unmarshal(customer, &sub.Customer); err != nil {
			return nil, fmt.Errorf("failed to decode customer snapshot: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &sub.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata: %w", err)
		}
	}

	return &sub, nil
}

// CreateSubscription inserts a new pending subscription record.
func (s *Store) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.New().String()
	}
	now := time.Now()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if sub.Status == "" {
		sub.Status = models.SubscriptionStatusPending
	}

	customer, err := json.Marshal(sub.Customer)
	if err != nil {
		return fmt.Errorf("failed to encode customer snapshot: %w", err)
	}
	metadata, err := json.Marshal(sub.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	if sub.Metadata == nil {
		metadata = []byte("{}")
	}

	query := `
		INSERT INTO subscriptions (
			id, user_id, product_id, product_name, type, status,
			price, discount_percent, discounted_price, currency, charges_made,
			external_reference, customer, metadata, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err = s.conn.ExecContext(ctx, query,
		sub.ID, sub.UserID, sub.ProductID, sub.ProductName, sub.Type, sub.Status,
		sub.Price, sub.DiscountPercent, sub.DiscountedPrice, sub.Currency, sub.ChargesMade,
		sub.ExternalReference, customer, metadata, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}

	return nil
}

// GetSubscription retrieves a subscription by internal id.
func (s *Store) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	sub, err := scanSubscription(s.conn.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}

	return sub, nil
}

// GetSubscriptionByReference retrieves a subscription by its external
// reference. The unique index makes this the authoritative lookup.
func (s *Store) GetSubscriptionByReference(ctx context.Context, externalReference string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE external_reference = $1`

	sub, err := scanSubscription(s.conn.QueryRowContext(ctx, query, externalReference))
	if err == sql.ErrNoRows {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription by reference: %w", err)
	}

	return sub, nil
}

func (s *Store) querySubscriptions(ctx context.Context, query string, args ...interface{}) ([]models.Subscription, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []models.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}

	return subs, rows.Err()
}

// FindPendingByUserProduct returns pending/processing subscriptions for a
// (user, product) pair, most recent first.
func (s *Store) FindPendingByUserProduct(ctx context.Context, userID, productID string) ([]models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND product_id = $2 AND status IN ('pending', 'processing')
		ORDER BY created_at DESC`

	return s.querySubscriptions(ctx, query, userID, productID)
}

// FindByUserProductName returns subscriptions for a (user, product name)
// pair regardless of status, most recent first. The duplicate guard needs
// active rows too, to report already-done instead of reusing them.
func (s *Store) FindByUserProductName(ctx context.Context, userID, productName string) ([]models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND product_name = $2 AND status IN ('pending', 'processing', 'active')
		ORDER BY created_at DESC`

	return s.querySubscriptions(ctx, query, userID, productName)
}

// FindByPayerEmailAndProduct matches the payer email against the customer
// snapshot. Email comparison is case-insensitive.
func (s *Store) FindByPayerEmailAndProduct(ctx context.Context, payerEmail, productID string) ([]models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE LOWER(customer->>'email') = $1 AND product_id = $2 AND status IN ('pending', 'processing')
		ORDER BY created_at DESC`

	return s.querySubscriptions(ctx, query, strings.ToLower(payerEmail), productID)
}

// FindByMetadataReference searches the metadata bag for a provider-side
// correlation value (preference id, collection id, or an embedded external
// reference) recorded during checkout.
func (s *Store) FindByMetadataReference(ctx context.Context, value string) ([]models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE (metadata->>'preference_id' = $1
			OR metadata->>'collection_id' = $1
			OR metadata->>'external_reference' = $1)
		ORDER BY created_at DESC`

	return s.querySubscriptions(ctx, query, value)
}

// LatestPendingForUser returns the most recently created pending
// subscription for a user, or nil when there is none.
func (s *Store) LatestPendingForUser(ctx context.Context, userID string) (*models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND status IN ('pending', 'processing')
		ORDER BY created_at DESC
		LIMIT 1`

	sub, err := scanSubscription(s.conn.QueryRowContext(ctx, query, userID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest pending subscription: %w", err)
	}

	return sub, nil
}

// ListPendingSince returns pending/processing subscriptions created after
// the cutoff, oldest first, bounded by limit. The sweeper pages through
// these.
func (s *Store) ListPendingSince(ctx context.Context, since time.Time, limit int) ([]models.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status IN ('pending', 'processing') AND created_at >= $1
		ORDER BY created_at ASC
		LIMIT $2`

	return s.querySubscriptions(ctx, query, since, limit)
}

// UpdateExternalReference repoints a reusable pending record at a new
// correlation id before it is pushed through activation again.
func (s *Store) UpdateExternalReference(ctx context.Context, id, externalReference string) error {
	query := `UPDATE subscriptions SET external_reference = $1, updated_at = NOW() WHERE id = $2`

	res, err := s.conn.ExecContext(ctx, query, externalReference, id)
	if err != nil {
		return fmt.Errorf("failed to update external reference: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubscriptionNotFound
	}

	return nil
}

// ActivationUpdate carries the full state transition applied when a
// subscription goes active.
type ActivationUpdate struct {
	ID                     string
	ProviderSubscriptionID string
	ActivatedAt            time.Time
	LastBillingDate        time.Time
	NextBillingDate        time.Time
	Metadata               map[string]interface{}
}

// ActivateSubscription transitions a subscription to active, stamps the
// provider id, increments the charge counter and merges the activation
// provenance into the metadata bag. Rows already active are not touched;
// callers rely on RowsAffected semantics via the returned error being nil
// only for a real transition.
func (s *Store) ActivateSubscription(ctx context.Context, upd ActivationUpdate) error {
	metadata, err := json.Marshal(upd.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode activation metadata: %w", err)
	}
	if upd.Metadata == nil {
		metadata = []byte("{}")
	}

	query := `
		UPDATE subscriptions SET
			status = 'active',
			activated_at = $1,
			charges_made = charges_made + 1,
			last_billing_date = $2,
			next_billing_date = $3,
			provider_subscription_id = COALESCE(NULLIF($4, ''), provider_subscription_id),
			metadata = metadata || $5::jsonb,
			updated_at = NOW()
		WHERE id = $6 AND status <> 'active'`

	res, err := s.conn.ExecContext(ctx, query,
		upd.ActivatedAt, upd.LastBillingDate, upd.NextBillingDate,
		upd.ProviderSubscriptionID, metadata, upd.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to activate subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Either missing or already active; distinguish for the caller.
		if _, getErr := s.GetSubscription(ctx, upd.ID); getErr != nil {
			return getErr
		}
		return nil
	}

	return nil
}

// DeleteSubscription removes a subscription row. Only records that never
// completed checkout may be deleted; active subscriptions are untouchable
// and the delete reports not found for them.
func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	query := `DELETE FROM subscriptions WHERE id = $1 AND status IN ('pending', 'processing')`

	res, err := s.conn.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete subscription: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSubscriptionNotFound
	}

	return nil
}

// InsertBillingHistory appends one billing record.
func (s *Store) InsertBillingHistory(ctx context.Context, entry *models.BillingHistoryEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO billing_history (
			id, subscription_id, amount, currency, status,
			provider_payment_id, period_start, period_end, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := s.conn.ExecContext(ctx, query,
		entry.ID, entry.SubscriptionID, entry.Amount, entry.Currency, entry.Status,
		entry.ProviderPaymentID, entry.PeriodStart, entry.PeriodEnd, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert billing history: %w", err)
	}

	return nil
}

// ListBillingHistory returns a subscription's billing records, newest
// first.
func (s *Store) ListBillingHistory(ctx context.Context, subscriptionID string) ([]models.BillingHistoryEntry, error) {
	query := `
		SELECT id, subscription_id, amount, currency, status,
			COALESCE(provider_payment_id, ''), period_start, period_end, created_at
		FROM billing_history
		WHERE subscription_id = $1
		ORDER BY created_at DESC`

	rows, err := s.conn.QueryContext(ctx, query, subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list billing history: %w", err)
	}
	defer rows.Close()

	var entries []models.BillingHistoryEntry
	for rows.Next() {
		var e models.BillingHistoryEntry
		err := rows.Scan(&e.ID, &e.SubscriptionID, &e.Amount, &e.Currency, &e.Status,
			&e.ProviderPaymentID, &e.PeriodStart, &e.PeriodEnd, &e.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan billing entry: %w", err)
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}
