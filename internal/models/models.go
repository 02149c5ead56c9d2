package models

import (
	"time"
)

// Subscription is the central reconciliation entity. It is created in
// pending status by the checkout flow before the billing provider has
// confirmed anything, and is transitioned to active exactly once per
// confirmed payment.
type Subscription struct {
	ID                     string                 `json:"id" db:"id"`
	UserID                 string                 `json:"user_id" db:"user_id"`
	ProductID              string                 `json:"product_id" db:"product_id"`
	ProductName            string                 `json:"product_name" db:"product_name"`
	Type                   string                 `json:"type" db:"type"`
	Status                 string                 `json:"status" db:"status"`
	Price                  float64                `json:"price" db:"price"`
	DiscountPercent        float64                `json:"discount_percent" db:"discount_percent"`
	DiscountedPrice        float64                `json:"discounted_price" db:"discounted_price"`
	Currency               string                 `json:"currency" db:"currency"`
	ChargesMade            int                    `json:"charges_made" db:"charges_made"`
	ExternalReference      string                 `json:"external_reference" db:"external_reference"`
	ProviderSubscriptionID string                 `json:"provider_subscription_id,omitempty" db:"provider_subscription_id"`
	Customer               CustomerSnapshot       `json:"customer" db:"customer"`
	Metadata               map[string]interface{} `json:"metadata,omitempty" db:"metadata"`
	LastBillingDate        *time.Time             `json:"last_billing_date,omitempty" db:"last_billing_date"`
	NextBillingDate        *time.Time             `json:"next_billing_date,omitempty" db:"next_billing_date"`
	ActivatedAt            *time.Time             `json:"activated_at,omitempty" db:"activated_at"`
	CreatedAt              time.Time              `json:"created_at" db:"created_at"`
	UpdatedAt              time.Time              `json:"updated_at" db:"updated_at"`
}

// CustomerSnapshot is captured once at checkout and treated as immutable
// by the reconciliation engine. The payer email in here is one of the
// matching signals used when the external reference is missing.
type CustomerSnapshot struct {
	Email    string `json:"email"`
	Name     string `json:"name,omitempty"`
	Phone    string `json:"phone,omitempty"`
	Address  string `json:"address,omitempty"`
	City     string `json:"city,omitempty"`
	ZipCode  string `json:"zip_code,omitempty"`
	Document string `json:"document,omitempty"`
}

// BillingHistoryEntry is an append-only record written once per successful
// activation or charge. Never mutated after creation.
type BillingHistoryEntry struct {
	ID                string    `json:"id" db:"id"`
	SubscriptionID    string    `json:"subscription_id" db:"subscription_id"`
	Amount            float64   `json:"amount" db:"amount"`
	Currency          string    `json:"currency" db:"currency"`
	Status            string    `json:"status" db:"status"`
	ProviderPaymentID string    `json:"provider_payment_id,omitempty" db:"provider_payment_id"`
	PeriodStart       time.Time `json:"period_start" db:"period_start"`
	PeriodEnd         time.Time `json:"period_end" db:"period_end"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// SyncLogEntry is the append-only audit trail of reconciliation events.
// The engine only writes these; the status endpoint and alerting read them.
type SyncLogEntry struct {
	ID             string                 `json:"id" db:"id"`
	EventType      string                 `json:"event_type" db:"event_type"`
	Source         string                 `json:"source" db:"source"`
	SubscriptionID string                 `json:"subscription_id,omitempty" db:"subscription_id"`
	Success        bool                   `json:"success" db:"success"`
	DurationMs     int64                  `json:"duration_ms" db:"duration_ms"`
	Detail         map[string]interface{} `json:"detail,omitempty" db:"detail"`
	CreatedAt      time.Time              `json:"created_at" db:"created_at"`
}

// IdempotencyLock is an ephemeral claim on exclusive execution of one
// logical operation. An expired lock may be force-acquired by a later waiter.
type IdempotencyLock struct {
	LockKey   string    `json:"lock_key" db:"lock_key"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// IdempotencyResult is the cached outcome of a completed operation,
// replayed to duplicate invocations until it expires.
type IdempotencyResult struct {
	Key       string    `json:"key" db:"key"`
	Result    []byte    `json:"result" db:"result"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Constants for model values
const (
	// Subscription statuses
	SubscriptionStatusPending    = "pending"
	SubscriptionStatusProcessing = "processing"
	SubscriptionStatusActive     = "active"
	SubscriptionStatusPaused     = "paused"
	SubscriptionStatusCancelled  = "cancelled"
	SubscriptionStatusRefunded   = "refunded"

	// Subscription types (billing frequency)
	SubscriptionTypeWeekly    = "weekly"
	SubscriptionTypeBiweekly  = "biweekly"
	SubscriptionTypeMonthly   = "monthly"
	SubscriptionTypeQuarterly = "quarterly"
	SubscriptionTypeAnnual    = "annual"

	// Billing history statuses
	BillingStatusCompleted = "completed"
	BillingStatusFailed    = "failed"

	// Activation sources (provenance recorded in subscription metadata)
	SourceWebhook    = "webhook"
	SourceReturnFlow = "return_flow"
	SourceSweep      = "sweep"
	SourceManual     = "manual"
)

// ReusableStatuses are the subscription statuses a pending checkout record
// may be repurposed from during deduplication.
var ReusableStatuses = []string{SubscriptionStatusPending, SubscriptionStatusProcessing}
