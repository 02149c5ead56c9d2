package sweeper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casafresca/subscription-reconciler/internal/activation"
	"github.com/casafresca/subscription-reconciler/internal/config"
	"github.com/casafresca/subscription-reconciler/internal/logger"
	"github.com/casafresca/subscription-reconciler/internal/models"
	"github.com/casafresca/subscription-reconciler/internal/provider"
)

type fakeStore struct {
	pending []models.Subscription
	logs    []*models.SyncLogEntry
	listErr error
}

func (f *fakeStore) ListPendingSince(ctx context.Context, since time.Time, limit int) ([]models.Subscription, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.pending, nil
}

func (f *fakeStore) AppendSyncLog(ctx context.Context, entry *models.SyncLogEntry) error {
	f.logs = append(f.logs, entry)
	return nil
}

type fakeGateway struct {
	byReference map[string][]provider.Payment
	byEmail     map[string][]provider.Payment
	err         error
}

func (f *fakeGateway) SearchPayments(ctx context.Context, params provider.SearchParams) ([]provider.Payment, error) {
	if f.err != nil {
		return nil, f.err
	}
	if params.ExternalReference != "" {
		return f.byReference[params.ExternalReference], nil
	}
	return f.byEmail[params.PayerEmail], nil
}

type fakeActivator struct {
	mu      sync.Mutex
	calls   []string
	results map[string]*activation.Result
	err     error
}

func (f *fakeActivator) Activate(ctx context.Context, target activation.Target, providerPaymentID string) (*activation.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, target.ExternalReference)
	if f.err != nil {
		return nil, f.err
	}
	if res, ok := f.results[target.ExternalReference]; ok {
		return res, nil
	}
	return &activation.Result{Success: true}, nil
}

type fakeAlerter struct {
	mu       sync.Mutex
	severity string
	calls    int
}

func (f *fakeAlerter) SendAlertAsync(severity, title, message string, detail map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.severity = severity
	f.calls++
}

func pendingSub(id string) models.Subscription {
	return models.Subscription{
		ID:                id,
		UserID:            "user-" + id,
		ProductID:         "prod-1",
		Status:            models.SubscriptionStatusPending,
		Price:             50,
		DiscountedPrice:   45,
		ExternalReference: "ref-" + id,
		Customer:          models.CustomerSnapshot{Email: id + "@example.com"},
		CreatedAt:         time.Now().Add(-2 * time.Hour),
	}
}

func approved(id, ref string, amount float64) provider.Payment {
	return provider.Payment{ID: id, Status: provider.StatusApproved, ExternalReference: ref, TransactionAmount: amount}
}

func newTestSweeper(st *fakeStore, gw *fakeGateway, act *fakeActivator, al *fakeAlerter) *Sweeper {
	s := New(st, gw, act, al, nil, config.DefaultTuning().Sweep, 100, logger.New("sweeper-test"))
	s.sleep = func(ctx context.Context, d time.Duration) {}
	return s
}

func TestRunActivatesConfirmedPayments(t *testing.T) {
	sub := pendingSub("sub-1")
	st := &fakeStore{pending: []models.Subscription{sub}}
	gw := &fakeGateway{byReference: map[string][]provider.Payment{
		"ref-sub-1": {approved("pay-1", "ref-sub-1", 45)},
	}}
	act := &fakeActivator{}

	result, err := newTestSweeper(st, gw, act, nil).Run(context.Background(), 48*time.Hour)

	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalProcessed)
	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 0, result.Failed)
	assert.Equal(t, []string{"ref-sub-1"}, act.calls)
	require.Len(t, result.Results, 1)
	assert.True(t, result.Results[0].Activated)

	require.Len(t, st.logs, 1)
	assert.Equal(t, "sweep_completed", st.logs[0].EventType)
}

func TestRunSkipsSubscriptionsWithoutPayment(t *testing.T) {
	st := &fakeStore{pending: []models.Subscription{pendingSub("sub-1")}}
	gw := &fakeGateway{}
	act := &fakeActivator{}

	result, err := newTestSweeper(st, gw, act, nil).Run(context.Background(), 48*time.Hour)

	require.NoError(t, err)
	assert.Equal(t, 1, result.TotalProcessed)
	assert.Equal(t, 0, result.Successful)
	assert.Equal(t, 0, result.Failed)
	assert.Empty(t, act.calls)
	assert.False(t, result.Results[0].PaymentFound)
}

func TestRunFallsBackToPayerEmailSearch(t *testing.T) {
	sub := pendingSub("sub-1")
	st := &fakeStore{pending: []models.Subscription{sub}}
	gw := &fakeGateway{byEmail: map[string][]provider.Payment{
		"sub-1@example.com": {
			// Wrong amount, then one inside the 1% tolerance.
			approved("pay-cheap", "", 12),
			approved("pay-right", "", 45.2),
		},
	}}
	act := &fakeActivator{}

	result, err := newTestSweeper(st, gw, act, nil).Run(context.Background(), 48*time.Hour)

	require.NoError(t, err)
	assert.Equal(t, 1, result.Successful)
	assert.True(t, result.Results[0].PaymentFound)
}

func TestRunLeavesInFlightPaymentsAlone(t *testing.T) {
	sub := pendingSub("sub-1")
	st := &fakeStore{pending: []models.Subscription{sub}}
	gw := &fakeGateway{byReference: map[string][]provider.Payment{
		"ref-sub-1": {{ID: "pay-1", Status: provider.StatusInProcess, ExternalReference: "ref-sub-1"}},
	}}
	act := &fakeActivator{}

	result, err := newTestSweeper(st, gw, act, nil).Run(context.Background(), 48*time.Hour)

	require.NoError(t, err)
	assert.True(t, result.Results[0].PaymentFound)
	assert.False(t, result.Results[0].Activated)
	assert.Empty(t, act.calls)
}

func TestRunSingleFlight(t *testing.T) {
	st := &fakeStore{}
	s := newTestSweeper(st, &fakeGateway{}, &fakeActivator{}, nil)

	require.True(t, s.flight.TryBegin())
	_, err := s.Run(context.Background(), time.Hour)
	assert.ErrorIs(t, err, ErrSweepInProgress)
	s.flight.End()

	_, err = s.Run(context.Background(), time.Hour)
	assert.NoError(t, err)
}

func runWithFailures(t *testing.T, failed, total int) (*SweepResult, *fakeAlerter) {
	t.Helper()
	require.LessOrEqual(t, failed, total)

	var pending []models.Subscription
	byRef := make(map[string][]provider.Payment)
	results := make(map[string]*activation.Result)
	for i := 0; i < total; i++ {
		sub := pendingSub(fmt.Sprintf("sub-%d", i))
		pending = append(pending, sub)
		byRef[sub.ExternalReference] = []provider.Payment{
			approved(fmt.Sprintf("pay-%d", i), sub.ExternalReference, 45),
		}
		if i < failed {
			results[sub.ExternalReference] = &activation.Result{Error: "store unavailable"}
		}
	}

	st := &fakeStore{pending: pending}
	gw := &fakeGateway{byReference: byRef}
	act := &fakeActivator{results: results}
	al := &fakeAlerter{}

	result, err := newTestSweeper(st, gw, act, al).Run(context.Background(), 48*time.Hour)
	require.NoError(t, err)
	return result, al
}

func TestAlertCriticalOnHighFailureRate(t *testing.T) {
	result, al := runWithFailures(t, 6, 10)
	assert.Equal(t, 6, result.Failed)
	assert.Equal(t, "critical", result.AlertLevel)
	assert.Equal(t, "critical", al.severity)
}

func TestAlertMediumOnAbsoluteFailureCount(t *testing.T) {
	result, al := runWithFailures(t, 6, 50)
	assert.Equal(t, "medium", result.AlertLevel)
	assert.Equal(t, "medium", al.severity)
}

func TestNoAlertBelowThresholds(t *testing.T) {
	result, al := runWithFailures(t, 2, 50)
	assert.Empty(t, result.AlertLevel)
	assert.Equal(t, 0, al.calls)
}

func TestRunListErrorPropagates(t *testing.T) {
	st := &fakeStore{listErr: errors.New("connection refused")}
	_, err := newTestSweeper(st, &fakeGateway{}, &fakeActivator{}, nil).Run(context.Background(), time.Hour)
	assert.Error(t, err)
}

func TestRunnerManualTrigger(t *testing.T) {
	sub := pendingSub("sub-1")
	st := &fakeStore{pending: []models.Subscription{sub}}
	gw := &fakeGateway{byReference: map[string][]provider.Payment{
		"ref-sub-1": {approved("pay-1", "ref-sub-1", 45)},
	}}
	s := newTestSweeper(st, gw, &fakeActivator{}, nil)
	r := NewRunner(s, time.Hour, 48*time.Hour, true, logger.New("sweeper-test"))

	result, err := r.TriggerManual(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Successful)

	status := r.Status()
	assert.NotNil(t, status.LastRun)
	assert.Equal(t, result, status.LastResult)
	assert.False(t, status.Running)
}

func TestRunnerStartStop(t *testing.T) {
	s := newTestSweeper(&fakeStore{}, &fakeGateway{}, &fakeActivator{}, nil)
	r := NewRunner(s, 50*time.Millisecond, time.Hour, false, logger.New("sweeper-test"))

	r.Start()
	assert.True(t, r.Status().Running)
	r.Stop()
	assert.False(t, r.Status().Running)
}
