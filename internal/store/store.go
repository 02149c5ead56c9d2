// Package store is the engine's persistence layer. All reconciliation
// state lives here: subscriptions, billing history, idempotency locks and
// cached results, and the sync audit log. The engine holds no in-memory
// state between invocations, so every operation is a fresh
// read-modify-write cycle against these tables.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/casafresca/subscription-reconciler/internal/database"
)

// Sentinel errors surfaced to callers that need to branch on them.
var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrResultNotFound       = errors.New("idempotency result not found")
)

// Store executes SQL against the reconciliation tables.
type Store struct {
	conn *sql.DB
}

// New wraps an established database connection.
func New(db *database.DB) *Store {
	return &Store{conn: db.Conn}
}

// EnsureSchema creates the reconciliation tables and indexes if they do
// not exist. The unique index on external_reference and the lock-key
// primary key are load-bearing: deduplication and lock acquisition both
// rely on them.
func (s *Store) EnsureSchema(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS subscriptions (
			id UUID PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			product_id VARCHAR(255) NOT NULL,
			product_name VARCHAR(255) NOT NULL,
			type VARCHAR(50) NOT NULL DEFAULT 'monthly',
			status VARCHAR(50) NOT NULL DEFAULT 'pending',
			price NUMERIC(12,2) NOT NULL DEFAULT 0,
			discount_percent NUMERIC(5,2) NOT NULL DEFAULT 0,
			discounted_price NUMERIC(12,2) NOT NULL DEFAULT 0,
			currency VARCHAR(10) NOT NULL DEFAULT 'ARS',
			charges_made INT NOT NULL DEFAULT 0,
			external_reference VARCHAR(255) NOT NULL,
			provider_subscription_id VARCHAR(255),
			customer JSONB NOT NULL DEFAULT '{}',
			metadata JSONB NOT NULL DEFAULT '{}',
			last_billing_date TIMESTAMPTZ,
			next_billing_date TIMESTAMPTZ,
			activated_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT valid_subscription_status CHECK (status IN ('pending', 'processing', 'active', 'paused', 'cancelled', 'refunded'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_subscriptions_external_reference ON subscriptions(external_reference);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_user_product ON subscriptions(user_id, product_id);
		CREATE INDEX IF NOT EXISTS idx_subscriptions_pending ON subscriptions(created_at) WHERE status IN ('pending', 'processing');

		CREATE TABLE IF NOT EXISTS billing_history (
			id UUID PRIMARY KEY,
			subscription_id UUID NOT NULL REFERENCES subscriptions(id),
			amount NUMERIC(12,2) NOT NULL,
			currency VARCHAR(10) NOT NULL,
			status VARCHAR(50) NOT NULL,
			provider_payment_id VARCHAR(255),
			period_start TIMESTAMPTZ NOT NULL,
			period_end TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_billing_history_subscription ON billing_history(subscription_id);

		CREATE TABLE IF NOT EXISTS idempotency_locks (
			lock_key VARCHAR(128) PRIMARY KEY,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS idempotency_results (
			key VARCHAR(255) PRIMARY KEY,
			result JSONB NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS sync_log (
			id UUID PRIMARY KEY,
			event_type VARCHAR(100) NOT NULL,
			source VARCHAR(50) NOT NULL,
			subscription_id VARCHAR(255),
			success BOOLEAN NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			detail JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_sync_log_created ON sync_log(created_at);
	`

	if _, err := s.conn.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to ensure schema: %w", err)
	}

	return nil
}
