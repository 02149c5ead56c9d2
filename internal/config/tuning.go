package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Tuning holds the reconciliation knobs that operations may want to adjust
// without a redeploy: matcher scores and confidence bands, sweep alert
// thresholds, and idempotency lock behavior. Durations are expressed in
// integer units so the file stays plain YAML.
type Tuning struct {
	Matcher MatcherTuning `yaml:"matcher"`
	Sweep   SweepTuning   `yaml:"sweep"`
	Lock    LockTuning    `yaml:"lock"`
}

type MatcherTuning struct {
	UserProductScore int `yaml:"user_product_score"`
	PayerEmailScore  int `yaml:"payer_email_score"`
	MetadataScore    int `yaml:"metadata_score"`
	LatestUserScore  int `yaml:"latest_user_score"`
	HighBand         int `yaml:"high_band"`
	MediumBand       int `yaml:"medium_band"`
}

type SweepTuning struct {
	CriticalFailureRate float64 `yaml:"critical_failure_rate"`
	MediumFailedCount   int     `yaml:"medium_failed_count"`
	ItemDelayMs         int     `yaml:"item_delay_ms"`
	AmountTolerancePct  float64 `yaml:"amount_tolerance_pct"`
	SearchWindowHours   int     `yaml:"search_window_hours"`
}

type LockTuning struct {
	TTLSeconds      int `yaml:"ttl_seconds"`
	MaxRetries      int `yaml:"max_retries"`
	RetryIntervalMs int `yaml:"retry_interval_ms"`
	ResultTTLHours  int `yaml:"result_ttl_hours"`
}

// ItemDelay returns the pause between per-item provider calls.
func (s SweepTuning) ItemDelay() time.Duration {
	return time.Duration(s.ItemDelayMs) * time.Millisecond
}

// TTL returns the lock expiry as a duration.
func (l LockTuning) TTL() time.Duration {
	return time.Duration(l.TTLSeconds) * time.Second
}

// RetryInterval returns the lock-wait polling interval.
func (l LockTuning) RetryInterval() time.Duration {
	return time.Duration(l.RetryIntervalMs) * time.Millisecond
}

// ResultTTL returns how long cached idempotency results live.
func (l LockTuning) ResultTTL() time.Duration {
	return time.Duration(l.ResultTTLHours) * time.Hour
}

// DefaultTuning returns the values used when no tuning file is present.
func DefaultTuning() *Tuning {
	return &Tuning{
		Matcher: MatcherTuning{
			UserProductScore: 90,
			PayerEmailScore:  75,
			MetadataScore:    60,
			LatestUserScore:  40,
			HighBand:         85,
			MediumBand:       65,
		},
		Sweep: SweepTuning{
			CriticalFailureRate: 0.5,
			MediumFailedCount:   5,
			ItemDelayMs:         200,
			AmountTolerancePct:  1.0,
			SearchWindowHours:   72,
		},
		Lock: LockTuning{
			TTLSeconds:      30,
			MaxRetries:      5,
			RetryIntervalMs: 1000,
			ResultTTLHours:  24,
		},
	}
}

// LoadTuning reads the tuning file, filling in defaults for anything the
// file omits. A missing file is not an error.
func LoadTuning(path string) (*Tuning, error) {
	t := DefaultTuning()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("failed to read tuning file: %w", err)
	}

	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to parse tuning YAML: %w", err)
	}

	if t.Matcher.HighBand <= t.Matcher.MediumBand {
		return nil, fmt.Errorf("invalid confidence bands: high (%d) must exceed medium (%d)",
			t.Matcher.HighBand, t.Matcher.MediumBand)
	}

	return t, nil
}
