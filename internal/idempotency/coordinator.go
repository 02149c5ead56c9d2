// Package idempotency serializes state-changing operations that may be
// triggered redundantly from independent paths (webhook delivery, browser
// return redirect, scheduled sweep). A guarded operation executes at most
// once per key: concurrent callers either replay the cached result or
// report a lock timeout, never run the operation twice.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/casafresca/subscription-reconciler/internal/logger"
	"github.com/casafresca/subscription-reconciler/internal/models"
)

// LockStore provides the conditional-insert lock primitive.
type LockStore interface {
	TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, key string) error
}

// ResultStore persists operation outcomes keyed by idempotency key.
type ResultStore interface {
	GetResult(ctx context.Context, key string) (json.RawMessage, error)
	SaveResult(ctx context.Context, key string, payload []byte, ttl time.Duration) error
}

// DuplicateChecker is consulted before execution when pre-validation is
// enabled. A found duplicate aborts the operation.
type DuplicateChecker interface {
	CheckDuplicate(ctx context.Context, data SubscriptionData) (found bool, detail string, err error)
}

// AuditLog records every attempt, successful or not.
type AuditLog interface {
	AppendSyncLog(ctx context.Context, entry *models.SyncLogEntry) error
}

// SubscriptionData identifies the subscription an operation concerns,
// for duplicate pre-validation and for salting the lock key.
type SubscriptionData struct {
	SubscriptionID    string
	ExternalReference string
	UserID            string
	ProductID         string
	ProductName       string
	PayerEmail        string
}

// Config controls one guarded execution.
type Config struct {
	Key                 string
	TTL                 time.Duration
	ResultTTL           time.Duration
	MaxRetries          int
	RetryInterval       time.Duration
	EnablePreValidation bool
	Subscription        SubscriptionData
	Source              string
}

// Operation is the state-changing work to guard. The returned value is
// serialized and cached for replay.
type Operation func(ctx context.Context) (interface{}, error)

// Outcome describes how a guarded execution resolved. Exactly one of the
// terminal conditions holds: Processed (executed or replayed),
// DuplicateFound, or a lock timeout (Processed false, LockAcquired false).
type Outcome struct {
	Processed        bool            `json:"processed"`
	Replayed         bool            `json:"replayed"`
	Result           json.RawMessage `json:"result,omitempty"`
	LockAcquired     bool            `json:"lock_acquired"`
	DuplicateFound   bool            `json:"duplicate_found"`
	ValidationErrors []string        `json:"validation_errors,omitempty"`
}

// Coordinator wires the lock and result stores together. The optional
// cache is checked before the result store on the replay path and written
// through on success.
type Coordinator struct {
	locks      LockStore
	results    ResultStore
	cache      ResultStore
	duplicates DuplicateChecker
	audit      AuditLog
	log        *logger.Logger
}

// New creates a coordinator. cache, duplicates and audit may be nil.
func New(locks LockStore, results ResultStore, cache ResultStore, duplicates DuplicateChecker, audit AuditLog, log *logger.Logger) *Coordinator {
	return &Coordinator{
		locks:      locks,
		results:    results,
		cache:      cache,
		duplicates: duplicates,
		audit:      audit,
		log:        log,
	}
}

// Execute runs op under the idempotency guard described by cfg.
//
// Lock-layer store errors are swallowed and treated as "not acquired":
// when in doubt the coordinator blocks rather than risking a double
// execution. Operation errors propagate to the caller after the lock is
// released.
func (c *Coordinator) Execute(ctx context.Context, cfg Config, op Operation) (*Outcome, error) {
	start := time.Now()

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}

	// Step 1: duplicate pre-validation.
	if cfg.EnablePreValidation && c.duplicates != nil {
		found, detail, err := c.duplicates.CheckDuplicate(ctx, cfg.Subscription)
		if err != nil {
			c.log.Warn("duplicate pre-validation failed, continuing", "key", cfg.Key, "error", err)
		} else if found {
			c.logAttempt(ctx, cfg, "duplicate_abort", false, start, map[string]interface{}{"detail": detail})
			return &Outcome{DuplicateFound: true, ValidationErrors: []string{detail}}, nil
		}
	}

	// Step 2: cached-result fast path.
	if cached := c.lookupResult(ctx, cfg.Key); cached != nil {
		c.logAttempt(ctx, cfg, "replay", true, start, nil)
		return &Outcome{Processed: true, Replayed: true, Result: cached}, nil
	}

	// Step 3: lock acquisition, with bounded waiting.
	lockKey := deriveLockKey(cfg.Key, cfg.Subscription)
	acquired := c.tryAcquire(ctx, lockKey, cfg.TTL)
	for attempt := 0; !acquired && attempt < cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.RetryInterval):
		}

		// The holder may have finished; prefer replaying its result over
		// re-running the operation.
		if cached := c.lookupResult(ctx, cfg.Key); cached != nil {
			c.logAttempt(ctx, cfg, "replay_after_wait", true, start, nil)
			return &Outcome{Processed: true, Replayed: true, Result: cached}, nil
		}

		acquired = c.tryAcquire(ctx, lockKey, cfg.TTL)
	}

	if !acquired {
		c.log.Warn("lock wait exhausted", "key", cfg.Key, "retries", cfg.MaxRetries)
		c.logAttempt(ctx, cfg, "lock_timeout", false, start, nil)
		return &Outcome{Processed: false, LockAcquired: false}, nil
	}

	defer func() {
		if err := c.locks.ReleaseLock(ctx, lockKey); err != nil {
			c.log.Error("failed to release lock", "key", cfg.Key, "error", err)
		}
	}()

	// Step 4: final duplicate re-check now that we hold the lock; a
	// duplicate may have been created between steps 1 and 3.
	if cfg.EnablePreValidation && c.duplicates != nil {
		found, detail, err := c.duplicates.CheckDuplicate(ctx, cfg.Subscription)
		if err == nil && found {
			c.logAttempt(ctx, cfg, "duplicate_abort_locked", false, start, map[string]interface{}{"detail": detail})
			return &Outcome{LockAcquired: true, DuplicateFound: true, ValidationErrors: []string{detail}}, nil
		}
	}

	// A racer that held the lock before us may have completed and
	// released between our fast-path check and acquisition.
	if cached := c.lookupResult(ctx, cfg.Key); cached != nil {
		c.logAttempt(ctx, cfg, "replay_after_lock", true, start, nil)
		return &Outcome{Processed: true, Replayed: true, LockAcquired: true, Result: cached}, nil
	}

	// Step 5: execute.
	value, err := op(ctx)
	if err != nil {
		c.logAttempt(ctx, cfg, "operation_error", false, start, map[string]interface{}{"error": err.Error()})
		return &Outcome{LockAcquired: true}, err
	}

	payload, err := json.Marshal(value)
	if err != nil {
		c.logAttempt(ctx, cfg, "result_encode_error", false, start, map[string]interface{}{"error": err.Error()})
		return &Outcome{LockAcquired: true}, fmt.Errorf("failed to encode operation result: %w", err)
	}

	c.storeResult(ctx, cfg.Key, payload, cfg.ResultTTL)

	c.logAttempt(ctx, cfg, "executed", true, start, nil)
	return &Outcome{Processed: true, LockAcquired: true, Result: payload}, nil
}

func (c *Coordinator) tryAcquire(ctx context.Context, lockKey string, ttl time.Duration) bool {
	acquired, err := c.locks.TryAcquireLock(ctx, lockKey, ttl)
	if err != nil {
		// Fail closed: an unreachable lock store must block execution,
		// not allow it.
		c.log.Error("lock acquisition error, treating as not acquired", "error", err)
		return false
	}
	return acquired
}

func (c *Coordinator) lookupResult(ctx context.Context, key string) json.RawMessage {
	if c.cache != nil {
		if cached, err := c.cache.GetResult(ctx, key); err == nil && cached != nil {
			return cached
		}
	}

	cached, err := c.results.GetResult(ctx, key)
	if err != nil || cached == nil {
		return nil
	}
	return cached
}

func (c *Coordinator) storeResult(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	if err := c.results.SaveResult(ctx, key, payload, ttl); err != nil {
		c.log.Error("failed to persist idempotency result", "key", key, "error", err)
	}
	if c.cache != nil {
		if err := c.cache.SaveResult(ctx, key, payload, ttl); err != nil {
			c.log.Warn("failed to cache idempotency result", "key", key, "error", err)
		}
	}
}

func (c *Coordinator) logAttempt(ctx context.Context, cfg Config, eventType string, success bool, start time.Time, detail map[string]interface{}) {
	if c.audit == nil {
		return
	}

	if detail == nil {
		detail = map[string]interface{}{}
	}
	detail["key"] = cfg.Key

	entry := &models.SyncLogEntry{
		EventType:      "idempotency_" + eventType,
		Source:         cfg.Source,
		SubscriptionID: cfg.Subscription.SubscriptionID,
		Success:        success,
		DurationMs:     time.Since(start).Milliseconds(),
		Detail:         detail,
	}
	if err := c.audit.AppendSyncLog(ctx, entry); err != nil {
		c.log.Warn("failed to append audit entry", "event", eventType, "error", err)
	}
}

// deriveLockKey hashes the idempotency key together with the subscription
// identity so the lock table never stores raw references or emails.
func deriveLockKey(key string, data SubscriptionData) string {
	composite := fmt.Sprintf("%s|%s|%s|%s|%s",
		key, data.SubscriptionID, data.ExternalReference, data.UserID, data.ProductID)
	digest := sha256.Sum256([]byte(composite))
	return "lock:" + hex.EncodeToString(digest[:])
}
