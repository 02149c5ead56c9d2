// Package notify delivers customer confirmations and operator alerts to
// the notification service. All delivery is fire and forget: a down
// notification service must never block or fail reconciliation.
package notify

import (
	"context"
	"time"

	"github.com/casafresca/subscription-reconciler/internal/httpclient"
	"github.com/casafresca/subscription-reconciler/internal/logger"
)

// Alert severities understood by the notification service.
const (
	SeverityCritical = "critical"
	SeverityMedium   = "medium"
	SeverityInfo     = "info"
)

// ConfirmationRequest is the payload for a subscription confirmation email.
type ConfirmationRequest struct {
	Email            string  `json:"email"`
	ProductName      string  `json:"product_name"`
	SubscriptionType string  `json:"subscription_type"`
	Amount           float64 `json:"amount"`
}

// AlertRequest is the payload for an operator alert.
type AlertRequest struct {
	Severity string                 `json:"severity"`
	Title    string                 `json:"title"`
	Message  string                 `json:"message"`
	Detail   map[string]interface{} `json:"detail,omitempty"`
}

// Client talks to the notification service.
type Client struct {
	http *httpclient.Client
	log  *logger.Logger
}

// New creates a notification client for the given base URL.
func New(baseURL string, log *logger.Logger) *Client {
	return &Client{
		http: httpclient.NewClient(baseURL, 5*time.Second),
		log:  log,
	}
}

// SendConfirmation delivers a subscription confirmation synchronously.
func (c *Client) SendConfirmation(ctx context.Context, req ConfirmationRequest) error {
	return c.http.Post(ctx, "/notifications/subscription-confirmation", req, nil)
}

// SendConfirmationAsync delivers a confirmation without blocking the
// caller. Failures are logged and dropped.
func (c *Client) SendConfirmationAsync(email, productName, subscriptionType string, amount float64) {
	req := ConfirmationRequest{
		Email:            email,
		ProductName:      productName,
		SubscriptionType: subscriptionType,
		Amount:           amount,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.SendConfirmation(ctx, req); err != nil {
			c.log.Warn("confirmation delivery failed", "email", email, "error", err)
		}
	}()
}

// SendAlert delivers an operator alert synchronously.
func (c *Client) SendAlert(ctx context.Context, req AlertRequest) error {
	return c.http.Post(ctx, "/notifications/alerts", req, nil)
}

// SendAlertAsync delivers an operator alert without blocking the caller.
func (c *Client) SendAlertAsync(severity, title, message string, detail map[string]interface{}) {
	req := AlertRequest{
		Severity: severity,
		Title:    title,
		Message:  message,
		Detail:   detail,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.SendAlert(ctx, req); err != nil {
			c.log.Warn("alert delivery failed", "severity", severity, "title", title, "error", err)
		}
	}()
}
