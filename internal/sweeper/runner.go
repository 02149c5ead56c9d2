package sweeper

import (
	"context"
	"sync"
	"time"

	"github.com/casafresca/subscription-reconciler/internal/logger"
)

// Runner drives the sweeper on a fixed interval.
type Runner struct {
	sweeper  *Sweeper
	interval time.Duration
	lookback time.Duration
	enabled  bool
	log      *logger.Logger

	running    bool
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.RWMutex
	lastRun    *time.Time
	nextRun    *time.Time
	lastResult *SweepResult
}

// NewRunner creates a runner. When enabled is false the ticker still runs
// but each tick is a no-op, so status stays queryable.
func NewRunner(s *Sweeper, interval, lookback time.Duration, enabled bool, log *logger.Logger) *Runner {
	return &Runner{
		sweeper:  s,
		interval: interval,
		lookback: lookback,
		enabled:  enabled,
		log:      log,
		stopCh:   make(chan struct{}),
	}
}

// Start begins background sweeping.
func (r *Runner) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	r.log.Info("sweep runner starting", "interval", r.interval, "lookback", r.lookback, "enabled", r.enabled)

	r.wg.Add(1)
	go r.run()
}

// Stop waits for a sweep in progress to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
	r.log.Info("sweep runner stopped")
}

func (r *Runner) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	next := time.Now().Add(r.interval)
	r.mu.Lock()
	r.nextRun = &next
	r.mu.Unlock()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			if r.enabled {
				r.tick()
			}
			next := time.Now().Add(r.interval)
			r.mu.Lock()
			r.nextRun = &next
			r.mu.Unlock()
		}
	}
}

func (r *Runner) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	now := time.Now()
	r.mu.Lock()
	r.lastRun = &now
	r.mu.Unlock()

	result, err := r.sweeper.Run(ctx, r.lookback)
	if err != nil {
		r.log.Error("scheduled sweep failed", "error", err)
		return
	}

	r.mu.Lock()
	r.lastResult = result
	r.mu.Unlock()
}

// TriggerManual runs one sweep outside the schedule.
func (r *Runner) TriggerManual(ctx context.Context, lookback time.Duration) (*SweepResult, error) {
	if lookback <= 0 {
		lookback = r.lookback
	}

	result, err := r.sweeper.Run(ctx, lookback)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	r.mu.Lock()
	r.lastRun = &now
	r.lastResult = result
	r.mu.Unlock()

	return result, nil
}

// Status describes the runner for the status endpoint.
type Status struct {
	Running    bool         `json:"running"`
	Enabled    bool         `json:"enabled"`
	Interval   string       `json:"interval"`
	LastRun    *time.Time   `json:"last_run,omitempty"`
	NextRun    *time.Time   `json:"next_run,omitempty"`
	LastResult *SweepResult `json:"last_result,omitempty"`
}

// Status returns a snapshot of the runner state.
func (r *Runner) Status() *Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Status{
		Running:    r.running,
		Enabled:    r.enabled,
		Interval:   r.interval.String(),
		LastRun:    r.lastRun,
		NextRun:    r.nextRun,
		LastResult: r.lastResult,
	}
}
