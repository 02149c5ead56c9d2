// Package sweeper is the reconciliation safety net. It periodically finds
// subscriptions stuck in pending, asks the billing provider whether a
// matching payment was actually approved, and hands confirmed ones to the
// activation flow. Missed webhooks and abandoned return redirects are
// recovered here.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/casafresca/subscription-reconciler/internal/activation"
	"github.com/casafresca/subscription-reconciler/internal/config"
	"github.com/casafresca/subscription-reconciler/internal/logger"
	"github.com/casafresca/subscription-reconciler/internal/models"
	"github.com/casafresca/subscription-reconciler/internal/notify"
	"github.com/casafresca/subscription-reconciler/internal/provider"
	ws "github.com/casafresca/subscription-reconciler/internal/websocket"
)

// ErrSweepInProgress is returned when a sweep is requested while another
// one is still running. Sweeps never overlap.
var ErrSweepInProgress = errors.New("sweep already in progress")

// Store lists the pending subscriptions to examine.
type Store interface {
	ListPendingSince(ctx context.Context, since time.Time, limit int) ([]models.Subscription, error)
	AppendSyncLog(ctx context.Context, entry *models.SyncLogEntry) error
}

// Gateway searches provider payments.
type Gateway interface {
	SearchPayments(ctx context.Context, params provider.SearchParams) ([]provider.Payment, error)
}

// Activator performs the idempotent transition for a confirmed payment.
type Activator interface {
	Activate(ctx context.Context, target activation.Target, providerPaymentID string) (*activation.Result, error)
}

// Alerter notifies operators when a sweep crosses the failure thresholds.
type Alerter interface {
	SendAlertAsync(severity, title, message string, detail map[string]interface{})
}

// Events receives sweep outcomes for the observability feed. May be nil.
type Events interface {
	BroadcastEvent(msgType, event string, data interface{}) error
}

// SingleFlight guards against overlapping sweeps. TryBegin reports
// whether the caller may proceed; End must be called when it returned true.
type SingleFlight interface {
	TryBegin() bool
	End()
}

// NewSingleFlight returns the default in-process guard.
func NewSingleFlight() SingleFlight {
	return &mutexFlight{}
}

type mutexFlight struct {
	mu     sync.Mutex
	active bool
}

func (m *mutexFlight) TryBegin() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return false
	}
	m.active = true
	return true
}

func (m *mutexFlight) End() {
	m.mu.Lock()
	m.active = false
	m.mu.Unlock()
}

// ItemResult records what happened to one pending subscription.
type ItemResult struct {
	SubscriptionID    string `json:"subscription_id"`
	ExternalReference string `json:"external_reference"`
	PaymentFound      bool   `json:"payment_found"`
	Activated         bool   `json:"activated"`
	AlreadyActive     bool   `json:"already_active"`
	Error             string `json:"error,omitempty"`
}

// SweepResult summarizes one sweep run.
type SweepResult struct {
	StartedAt      time.Time    `json:"started_at"`
	FinishedAt     time.Time    `json:"finished_at"`
	TotalProcessed int          `json:"total_processed"`
	Successful     int          `json:"successful"`
	Failed         int          `json:"failed"`
	AlertLevel     string       `json:"alert_level"`
	Results        []ItemResult `json:"results"`
}

// Sweeper reconciles pending subscriptions against provider payment state.
type Sweeper struct {
	store     Store
	gateway   Gateway
	activator Activator
	alerter   Alerter
	events    Events
	flight    SingleFlight
	tuning    config.SweepTuning
	batchSize int
	log       *logger.Logger
	sleep     func(ctx context.Context, d time.Duration)
}

// New creates a sweeper. alerter and events may be nil.
func New(s Store, g Gateway, a Activator, alerter Alerter, events Events, tuning config.SweepTuning, batchSize int, log *logger.Logger) *Sweeper {
	return &Sweeper{
		store:     s,
		gateway:   g,
		activator: a,
		alerter:   alerter,
		events:    events,
		flight:    NewSingleFlight(),
		tuning:    tuning,
		batchSize: batchSize,
		log:       log,
		sleep:     sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Run sweeps all subscriptions that have been pending for up to maxAge.
// Only one sweep runs at a time; concurrent calls get ErrSweepInProgress.
func (s *Sweeper) Run(ctx context.Context, maxAge time.Duration) (*SweepResult, error) {
	if !s.flight.TryBegin() {
		return nil, ErrSweepInProgress
	}
	defer s.flight.End()

	result := &SweepResult{StartedAt: time.Now()}

	since := result.StartedAt.Add(-maxAge)
	subs, err := s.store.ListPendingSince(ctx, since, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending subscriptions: %w", err)
	}

	s.log.Info("sweep started", "pending", len(subs), "lookback", maxAge)

	for i := range subs {
		if ctx.Err() != nil {
			break
		}
		item := s.processItem(ctx, &subs[i])
		result.Results = append(result.Results, item)
		result.TotalProcessed++
		switch {
		case item.Error != "":
			result.Failed++
		case item.Activated || item.AlreadyActive:
			result.Successful++
		}
		if i < len(subs)-1 {
			s.sleep(ctx, s.tuning.ItemDelay())
		}
	}

	result.FinishedAt = time.Now()
	result.AlertLevel = s.evaluateAlert(result)
	s.recordRun(ctx, result)
	s.broadcast(result)

	s.log.Info("sweep finished",
		"processed", result.TotalProcessed,
		"successful", result.Successful,
		"failed", result.Failed,
		"alert", result.AlertLevel)

	return result, nil
}

func (s *Sweeper) processItem(ctx context.Context, sub *models.Subscription) ItemResult {
	item := ItemResult{
		SubscriptionID:    sub.ID,
		ExternalReference: sub.ExternalReference,
	}

	payment, err := s.findPayment(ctx, sub)
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("sweep provider search failed", "subscription_id", sub.ID, "error", err)
		return item
	}
	if payment == nil {
		return item
	}
	item.PaymentFound = true

	if !payment.Approved() {
		// Still pending on the provider side too. Leave it for a later sweep.
		return item
	}

	res, err := s.activator.Activate(ctx, activation.Target{
		ExternalReference: sub.ExternalReference,
		UserID:            sub.UserID,
		ProductID:         sub.ProductID,
		PayerEmail:        sub.Customer.Email,
		Source:            models.SourceSweep,
	}, payment.ID)
	if err != nil {
		item.Error = err.Error()
		return item
	}

	item.Activated = res.Success && !res.AlreadyActive
	item.AlreadyActive = res.AlreadyActive
	if res.Error != "" {
		item.Error = res.Error
	}
	return item
}

// findPayment looks the subscription up on the provider, first by its
// exact external reference, then by payer email constrained to a time
// window and amount tolerance. Returns nil when nothing plausible exists.
func (s *Sweeper) findPayment(ctx context.Context, sub *models.Subscription) (*provider.Payment, error) {
	if sub.ExternalReference != "" {
		payments, err := s.gateway.SearchPayments(ctx, provider.SearchParams{
			ExternalReference: sub.ExternalReference,
		})
		if err != nil {
			return nil, err
		}
		if best := pickBest(payments); best != nil {
			return best, nil
		}
	}

	if sub.Customer.Email == "" {
		return nil, nil
	}

	window := time.Duration(s.tuning.SearchWindowHours) * time.Hour
	payments, err := s.gateway.SearchPayments(ctx, provider.SearchParams{
		PayerEmail: sub.Customer.Email,
		BeginDate:  sub.CreatedAt.Add(-time.Hour),
		EndDate:    sub.CreatedAt.Add(window),
	})
	if err != nil {
		return nil, err
	}

	var candidates []provider.Payment
	for _, p := range payments {
		if s.amountMatches(sub, p.TransactionAmount) {
			candidates = append(candidates, p)
		}
	}
	return pickBest(candidates), nil
}

func (s *Sweeper) amountMatches(sub *models.Subscription, amount float64) bool {
	expected := sub.DiscountedPrice
	if expected == 0 {
		expected = sub.Price
	}
	if expected == 0 {
		return false
	}
	tolerance := expected * s.tuning.AmountTolerancePct / 100
	return math.Abs(amount-expected) <= tolerance
}

// pickBest prefers a confirmed payment, then an in-flight one. Rejected
// and cancelled payments are never candidates.
func pickBest(payments []provider.Payment) *provider.Payment {
	var pending *provider.Payment
	for i := range payments {
		switch payments[i].Status {
		case provider.StatusApproved, provider.StatusAuthorized, provider.StatusPaid:
			return &payments[i]
		case provider.StatusPending, provider.StatusInProcess:
			if pending == nil {
				pending = &payments[i]
			}
		}
	}
	return pending
}

// evaluateAlert grades a finished sweep against the configured thresholds
// and dispatches the operator alert when one is crossed.
func (s *Sweeper) evaluateAlert(result *SweepResult) string {
	if result.TotalProcessed == 0 || result.Failed == 0 {
		return ""
	}

	rate := float64(result.Failed) / float64(result.TotalProcessed)
	level := ""
	switch {
	case rate > s.tuning.CriticalFailureRate:
		level = notify.SeverityCritical
	case result.Failed > s.tuning.MediumFailedCount:
		level = notify.SeverityMedium
	}
	if level == "" {
		return ""
	}

	if s.alerter != nil {
		s.alerter.SendAlertAsync(level, "reconciliation sweep failures",
			fmt.Sprintf("%d of %d sweep items failed", result.Failed, result.TotalProcessed),
			map[string]interface{}{
				"failed":       result.Failed,
				"processed":    result.TotalProcessed,
				"failure_rate": rate,
			})
	}
	return level
}

func (s *Sweeper) broadcast(result *SweepResult) {
	if s.events == nil {
		return
	}
	err := s.events.BroadcastEvent(ws.TypeSweep, ws.EventSweepCompleted, ws.SweepData{
		TotalProcessed: result.TotalProcessed,
		Successful:     result.Successful,
		Failed:         result.Failed,
		AlertLevel:     result.AlertLevel,
		Duration:       result.FinishedAt.Sub(result.StartedAt).String(),
	})
	if err != nil {
		s.log.Warn("failed to broadcast sweep result", "error", err)
	}
}

func (s *Sweeper) recordRun(ctx context.Context, result *SweepResult) {
	entry := &models.SyncLogEntry{
		EventType:  "sweep_completed",
		Source:     models.SourceSweep,
		Success:    result.Failed == 0,
		DurationMs: result.FinishedAt.Sub(result.StartedAt).Milliseconds(),
		Detail: map[string]interface{}{
			"processed":   result.TotalProcessed,
			"successful":  result.Successful,
			"failed":      result.Failed,
			"alert_level": result.AlertLevel,
		},
	}
	if err := s.store.AppendSyncLog(ctx, entry); err != nil {
		s.log.Warn("failed to record sweep run", "error", err)
	}
}
