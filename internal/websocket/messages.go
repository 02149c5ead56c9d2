package websocket

import (
	"encoding/json"
	"time"
)

// Message types for WebSocket events
const (
	TypeReconciliation = "reconciliation"
	TypeSweep          = "sweep"
	TypeHealth         = "health"
	TypeHeartbeat      = "heartbeat"
)

// Reconciliation events
const (
	EventSubscriptionActivated = "subscription_activated"
	EventAlreadyActive         = "already_active"
	EventActivationFailed      = "activation_failed"
	EventMatchNotFound         = "match_not_found"
)

// Sweep events
const (
	EventSweepStarted   = "sweep_started"
	EventSweepCompleted = "sweep_completed"
	EventAlertRaised    = "alert_raised"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType, event string, data interface{}) *Message {
	return &Message{
		Type:      msgType,
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// ToJSON serializes the message to JSON bytes
func (m *Message) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

// ActivationData is the payload broadcast when a subscription changes state.
type ActivationData struct {
	SubscriptionID    string  `json:"subscription_id"`
	UserID            string  `json:"user_id"`
	ProductName       string  `json:"product_name,omitempty"`
	ExternalReference string  `json:"external_reference,omitempty"`
	Amount            float64 `json:"amount,omitempty"`
	Currency          string  `json:"currency,omitempty"`
	Status            string  `json:"status"`
	Source            string  `json:"source,omitempty"`
	MatchedBy         string  `json:"matched_by,omitempty"`
}

// SweepData is the payload broadcast when a sweep finishes.
type SweepData struct {
	TotalProcessed int    `json:"total_processed"`
	Successful     int    `json:"successful"`
	Failed         int    `json:"failed"`
	AlertLevel     string `json:"alert_level,omitempty"`
	Duration       string `json:"duration,omitempty"`
}

// HeartbeatData represents heartbeat data
type HeartbeatData struct {
	ServerTime  time.Time `json:"server_time"`
	ClientCount int       `json:"client_count"`
}
