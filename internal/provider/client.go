// Package provider is the HTTP gateway to the external recurring-billing
// provider. Only the fields the engine actually reads are declared;
// anything else in a response is ignored rather than treated as contract.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Payment statuses the provider reports. Approved, authorized and paid
// all count as confirmation.
const (
	StatusApproved   = "approved"
	StatusAuthorized = "authorized"
	StatusPaid       = "paid"
	StatusPending    = "pending"
	StatusInProcess  = "in_process"
	StatusRejected   = "rejected"
	StatusCancelled  = "cancelled"
)

// ErrNotFound is returned when the provider has no record for the id.
var ErrNotFound = errors.New("provider: not found")

// Error represents a provider-side failure (HTTP 4xx/5xx or a malformed
// response). Callers treat it as "could not confirm", not a hard failure.
type Error struct {
	StatusCode int
	Endpoint   string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s returned %d: %s", e.Endpoint, e.StatusCode, e.Message)
}

// Payment is a one-time payment object from the provider.
type Payment struct {
	ID                string    `json:"id"`
	Status            string    `json:"status"`
	TransactionAmount float64   `json:"transaction_amount"`
	CurrencyID        string    `json:"currency_id"`
	PaymentTypeID     string    `json:"payment_type_id"`
	PaymentMethodID   string    `json:"payment_method_id"`
	ExternalReference string    `json:"external_reference"`
	Payer             Payer     `json:"payer"`
	DateCreated       time.Time `json:"date_created"`
}

type Payer struct {
	Email string `json:"email"`
}

// Approved reports whether the payment status counts as confirmation.
func (p *Payment) Approved() bool {
	return p.Status == StatusApproved || p.Status == StatusAuthorized || p.Status == StatusPaid
}

// Preapproval is a recurring subscription object from the provider.
type Preapproval struct {
	ID                string        `json:"id"`
	Status            string        `json:"status"`
	ExternalReference string        `json:"external_reference"`
	PayerEmail        string        `json:"payer_email"`
	AutoRecurring     AutoRecurring `json:"auto_recurring"`
}

type AutoRecurring struct {
	Frequency         int     `json:"frequency"`
	FrequencyType     string  `json:"frequency_type"`
	TransactionAmount float64 `json:"transaction_amount"`
	CurrencyID        string  `json:"currency_id"`
}

// SearchParams narrow a payment search. Zero-value fields are omitted.
type SearchParams struct {
	ExternalReference string
	PayerEmail        string
	BeginDate         time.Time
	EndDate           time.Time
}

type searchResponse struct {
	Results []Payment `json:"results"`
}

// Client calls the provider API with bearer-token auth.
type Client struct {
	baseURL     string
	accessToken string
	httpClient  *http.Client
}

// NewClient creates a provider client. The timeout bounds every call so a
// slow upstream cannot block a reconciliation trigger indefinitely.
func NewClient(baseURL, accessToken string, timeout time.Duration) *Client {
	return &Client{
		baseURL:     baseURL,
		accessToken: accessToken,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GetPayment fetches a payment by id.
func (c *Client) GetPayment(ctx context.Context, id string) (*Payment, error) {
	var payment Payment
	if err := c.get(ctx, "/v1/payments/"+url.PathEscape(id), &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

// SearchPayments queries payments by external reference and/or payer email
// within an optional date window.
func (c *Client) SearchPayments(ctx context.Context, params SearchParams) ([]Payment, error) {
	values := url.Values{}
	if params.ExternalReference != "" {
		values.Set("external_reference", params.ExternalReference)
	}
	if params.PayerEmail != "" {
		values.Set("payer.email", params.PayerEmail)
	}
	if !params.BeginDate.IsZero() {
		values.Set("begin_date", params.BeginDate.UTC().Format(time.RFC3339))
	}
	if !params.EndDate.IsZero() {
		values.Set("end_date", params.EndDate.UTC().Format(time.RFC3339))
	}

	var resp searchResponse
	if err := c.get(ctx, "/v1/payments/search?"+values.Encode(), &resp); err != nil {
		return nil, err
	}

	return resp.Results, nil
}

// GetPreapproval fetches a recurring subscription by id.
func (c *Client) GetPreapproval(ctx context.Context, id string) (*Preapproval, error) {
	var pre Preapproval
	if err := c.get(ctx, "/preapproval/"+url.PathEscape(id), &pre); err != nil {
		return nil, err
	}
	return &pre, nil
}

func (c *Client) get(ctx context.Context, endpoint string, response interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read provider response: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode >= 400 {
		return &Error{
			StatusCode: resp.StatusCode,
			Endpoint:   endpoint,
			Message:    string(body),
		}
	}

	if err := json.Unmarshal(body, response); err != nil {
		return &Error{
			StatusCode: resp.StatusCode,
			Endpoint:   endpoint,
			Message:    "malformed response: " + err.Error(),
		}
	}

	return nil
}
