package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// TryAcquireLock claims exclusive execution for a lock key using a
// conditional insert against the primary key. Expired locks are cleared
// first, so a crashed holder only blocks waiters until the TTL passes.
// Returns true when this caller now holds the lock.
func (s *Store) TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := time.Now()

	// Clear an abandoned lock before attempting the insert.
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM idempotency_locks WHERE lock_key = $1 AND expires_at < $2`,
		key, now,
	); err != nil {
		return false, fmt.Errorf("failed to clear expired lock: %w", err)
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO idempotency_locks (lock_key, expires_at, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (lock_key) DO NOTHING`,
		key, now.Add(ttl), now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read lock insert result: %w", err)
	}

	return n == 1, nil
}

// ReleaseLock removes a held lock. Safe to call for a lock that has
// already expired and been force-acquired by someone else only if the
// caller still believes it is the holder; the coordinator guarantees that.
func (s *Store) ReleaseLock(ctx context.Context, key string) error {
	if _, err := s.conn.ExecContext(ctx,
		`DELETE FROM idempotency_locks WHERE lock_key = $1`, key,
	); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	return nil
}

// GetResult returns the cached outcome for an idempotency key, or
// ErrResultNotFound when absent or expired.
func (s *Store) GetResult(ctx context.Context, key string) (json.RawMessage, error) {
	var result []byte
	err := s.conn.QueryRowContext(ctx,
		`SELECT result FROM idempotency_results WHERE key = $1 AND expires_at > NOW()`,
		key,
	).Scan(&result)

	if err == sql.ErrNoRows {
		return nil, ErrResultNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency result: %w", err)
	}

	return json.RawMessage(result), nil
}

// SaveResult persists the outcome of a completed operation. Writing twice
// for the same key keeps the newer payload; that only happens when a
// previous result already expired.
func (s *Store) SaveResult(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	now := time.Now()

	_, err := s.conn.ExecContext(ctx, `
		INSERT INTO idempotency_results (key, result, expires_at, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO UPDATE SET result = $2, expires_at = $3`,
		key, payload, now.Add(ttl), now,
	)
	if err != nil {
		return fmt.Errorf("failed to save idempotency result: %w", err)
	}

	return nil
}
