package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/casafresca/subscription-reconciler/internal/models"
)

// AppendSyncLog writes one audit entry. Audit failures are reported but
// callers treat them as best-effort; reconciliation never fails because
// the log write did.
func (s *Store) AppendSyncLog(ctx context.Context, entry *models.SyncLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	detail, err := json.Marshal(entry.Detail)
	if err != nil {
		return fmt.Errorf("failed to encode sync log detail: %w", err)
	}
	if entry.Detail == nil {
		detail = []byte("{}")
	}

	query := `
		INSERT INTO sync_log (
			id, event_type, source, subscription_id, success, duration_ms, detail, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err = s.conn.ExecContext(ctx, query,
		entry.ID, entry.EventType, entry.Source, entry.SubscriptionID,
		entry.Success, entry.DurationMs, detail, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append sync log: %w", err)
	}

	return nil
}

// SyncStats summarizes recent reconciliation activity for the status
// endpoint.
type SyncStats struct {
	TotalEvents   int     `json:"total_events"`
	Succeeded     int     `json:"succeeded"`
	Failed        int     `json:"failed"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// GetSyncStats aggregates sync log entries newer than the cutoff.
func (s *Store) GetSyncStats(ctx context.Context, since time.Time) (*SyncStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE success),
			COUNT(*) FILTER (WHERE NOT success),
			COALESCE(AVG(duration_ms), 0)
		FROM sync_log
		WHERE created_at >= $1`

	var stats SyncStats
	err := s.conn.QueryRowContext(ctx, query, since).Scan(
		&stats.TotalEvents, &stats.Succeeded, &stats.Failed, &stats.AvgDurationMs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get sync stats: %w", err)
	}

	if stats.TotalEvents > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.TotalEvents) * 100
	}

	return &stats, nil
}
