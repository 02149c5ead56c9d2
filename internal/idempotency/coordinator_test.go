package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casafresca/subscription-reconciler/internal/logger"
	"github.com/casafresca/subscription-reconciler/internal/models"
)

type memLockStore struct {
	mu     sync.Mutex
	locks  map[string]time.Time
	broken bool
}

func newMemLockStore() *memLockStore {
	return &memLockStore{locks: make(map[string]time.Time)}
}

func (m *memLockStore) TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.broken {
		return false, errors.New("lock store unavailable")
	}

	if expiry, held := m.locks[key]; held && time.Now().Before(expiry) {
		return false, nil
	}
	m.locks[key] = time.Now().Add(ttl)
	return true, nil
}

func (m *memLockStore) ReleaseLock(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, key)
	return nil
}

type memResultStore struct {
	mu      sync.Mutex
	results map[string][]byte
}

func newMemResultStore() *memResultStore {
	return &memResultStore{results: make(map[string][]byte)}
}

func (m *memResultStore) GetResult(ctx context.Context, key string) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if payload, ok := m.results[key]; ok {
		return payload, nil
	}
	return nil, errors.New("not found")
}

func (m *memResultStore) SaveResult(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results[key] = payload
	return nil
}

type stubChecker struct {
	found  bool
	detail string
}

func (s *stubChecker) CheckDuplicate(ctx context.Context, data SubscriptionData) (bool, string, error) {
	return s.found, s.detail, nil
}

type memAudit struct {
	mu      sync.Mutex
	entries []models.SyncLogEntry
}

func (m *memAudit) AppendSyncLog(ctx context.Context, entry *models.SyncLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memAudit) eventTypes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	types := make([]string, 0, len(m.entries))
	for _, e := range m.entries {
		types = append(types, e.EventType)
	}
	return types
}

func newTestCoordinator(locks LockStore, results ResultStore, checker DuplicateChecker, audit AuditLog) *Coordinator {
	return New(locks, results, nil, checker, audit, logger.New("test"))
}

func TestExecuteRunsOperationOnce(t *testing.T) {
	coord := newTestCoordinator(newMemLockStore(), newMemResultStore(), nil, nil)

	var counter int
	cfg := Config{Key: "op-1", TTL: time.Second}
	op := func(ctx context.Context) (interface{}, error) {
		counter++
		return map[string]int{"counter": counter}, nil
	}

	first, err := coord.Execute(context.Background(), cfg, op)
	require.NoError(t, err)
	assert.True(t, first.Processed)
	assert.True(t, first.LockAcquired)
	assert.False(t, first.Replayed)

	second, err := coord.Execute(context.Background(), cfg, op)
	require.NoError(t, err)
	assert.True(t, second.Processed)
	assert.True(t, second.Replayed)

	assert.Equal(t, 1, counter)
	assert.JSONEq(t, string(first.Result), string(second.Result))
}

func TestExecuteConcurrentCallersSingleExecution(t *testing.T) {
	coord := newTestCoordinator(newMemLockStore(), newMemResultStore(), nil, nil)

	var counter int64
	cfg := Config{Key: "op-race", TTL: 5 * time.Second, MaxRetries: 10, RetryInterval: 20 * time.Millisecond}
	op := func(ctx context.Context) (interface{}, error) {
		time.Sleep(50 * time.Millisecond)
		atomic.AddInt64(&counter, 1)
		return "done", nil
	}

	var wg sync.WaitGroup
	outcomes := make([]*Outcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := coord.Execute(context.Background(), cfg, op)
			assert.NoError(t, err)
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	// Exactly one execution; the loser either replayed the winner's
	// result or timed out waiting, but never ran the operation.
	assert.Equal(t, int64(1), atomic.LoadInt64(&counter))
	for _, out := range outcomes {
		require.NotNil(t, out)
		if out.Processed && !out.Replayed {
			assert.True(t, out.LockAcquired)
		}
	}
}

func TestExecuteLockTimeoutBlocksExecution(t *testing.T) {
	locks := newMemLockStore()
	coord := newTestCoordinator(locks, newMemResultStore(), nil, nil)

	// Simulate a concurrent holder that never finishes within the wait window.
	held, err := locks.TryAcquireLock(context.Background(), deriveLockKey("op-held", SubscriptionData{}), time.Minute)
	require.NoError(t, err)
	require.True(t, held)

	executed := false
	out, err := coord.Execute(context.Background(),
		Config{Key: "op-held", TTL: time.Second, MaxRetries: 2, RetryInterval: 10 * time.Millisecond},
		func(ctx context.Context) (interface{}, error) {
			executed = true
			return nil, nil
		})

	require.NoError(t, err)
	assert.False(t, out.Processed)
	assert.False(t, out.LockAcquired)
	assert.False(t, executed)
}

func TestExecuteLockStoreErrorFailsClosed(t *testing.T) {
	locks := newMemLockStore()
	locks.broken = true
	coord := newTestCoordinator(locks, newMemResultStore(), nil, nil)

	executed := false
	out, err := coord.Execute(context.Background(),
		Config{Key: "op-broken", MaxRetries: 1, RetryInterval: time.Millisecond},
		func(ctx context.Context) (interface{}, error) {
			executed = true
			return nil, nil
		})

	require.NoError(t, err)
	assert.False(t, out.Processed)
	assert.False(t, executed)
}

func TestExecuteDuplicatePreValidationAborts(t *testing.T) {
	checker := &stubChecker{found: true, detail: "pending subscription exists for user"}
	audit := &memAudit{}
	coord := newTestCoordinator(newMemLockStore(), newMemResultStore(), checker, audit)

	executed := false
	out, err := coord.Execute(context.Background(),
		Config{Key: "op-dup", EnablePreValidation: true, Subscription: SubscriptionData{UserID: "u1"}},
		func(ctx context.Context) (interface{}, error) {
			executed = true
			return nil, nil
		})

	require.NoError(t, err)
	assert.True(t, out.DuplicateFound)
	assert.False(t, out.Processed)
	assert.False(t, executed)
	assert.Contains(t, audit.eventTypes(), "idempotency_duplicate_abort")
}

func TestExecuteOperationErrorReleasesLock(t *testing.T) {
	locks := newMemLockStore()
	coord := newTestCoordinator(locks, newMemResultStore(), nil, nil)

	opErr := errors.New("store write failed")
	cfg := Config{Key: "op-err", TTL: time.Minute}

	_, err := coord.Execute(context.Background(), cfg, func(ctx context.Context) (interface{}, error) {
		return nil, opErr
	})
	assert.ErrorIs(t, err, opErr)

	// The lock must have been released: a retry can proceed immediately.
	out, err := coord.Execute(context.Background(), cfg, func(ctx context.Context) (interface{}, error) {
		return "recovered", nil
	})
	require.NoError(t, err)
	assert.True(t, out.Processed)
	assert.False(t, out.Replayed)
}

func TestExecuteFailedOperationNotCached(t *testing.T) {
	results := newMemResultStore()
	coord := newTestCoordinator(newMemLockStore(), results, nil, nil)

	cfg := Config{Key: "op-fail-then-ok"}
	_, err := coord.Execute(context.Background(), cfg, func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("transient")
	})
	require.Error(t, err)

	count := 0
	out, err := coord.Execute(context.Background(), cfg, func(ctx context.Context) (interface{}, error) {
		count++
		return "ok", nil
	})
	require.NoError(t, err)
	assert.True(t, out.Processed)
	assert.Equal(t, 1, count)
}

func TestExecuteAuditsEveryAttempt(t *testing.T) {
	audit := &memAudit{}
	coord := newTestCoordinator(newMemLockStore(), newMemResultStore(), nil, audit)

	cfg := Config{Key: "op-audit", Source: models.SourceWebhook}
	_, err := coord.Execute(context.Background(), cfg, func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	_, err = coord.Execute(context.Background(), cfg, func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})
	require.NoError(t, err)

	types := audit.eventTypes()
	assert.Contains(t, types, "idempotency_executed")
	assert.Contains(t, types, "idempotency_replay")
}
