package provider

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetPayment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/pay-123", r.URL.Path)
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "pay-123",
			"status": "approved",
			"transaction_amount": 49.90,
			"currency_id": "ARS",
			"external_reference": "sub-u1-p1-abcd1234",
			"payer": {"email": "payer@example.com"},
			"date_created": "2024-03-01T10:00:00Z",
			"some_future_field": {"ignored": true}
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-token", 5*time.Second)
	payment, err := client.GetPayment(context.Background(), "pay-123")

	require.NoError(t, err)
	assert.Equal(t, "pay-123", payment.ID)
	assert.True(t, payment.Approved())
	assert.Equal(t, 49.90, payment.TransactionAmount)
	assert.Equal(t, "sub-u1-p1-abcd1234", payment.ExternalReference)
	assert.Equal(t, "payer@example.com", payment.Payer.Email)
}

func TestGetPaymentNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message": "payment not found"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-token", 5*time.Second)
	_, err := client.GetPayment(context.Background(), "missing")

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetPaymentServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream unavailable"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-token", 5*time.Second)
	_, err := client.GetPayment(context.Background(), "pay-123")

	var provErr *Error
	require.True(t, errors.As(err, &provErr))
	assert.Equal(t, http.StatusBadGateway, provErr.StatusCode)
}

func TestSearchPayments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/payments/search", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "sub-u1-p1-abcd1234", q.Get("external_reference"))
		assert.Equal(t, "payer@example.com", q.Get("payer.email"))
		assert.NotEmpty(t, q.Get("begin_date"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"results": [
			{"id": "pay-1", "status": "pending"},
			{"id": "pay-2", "status": "approved"}
		]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-token", 5*time.Second)
	payments, err := client.SearchPayments(context.Background(), SearchParams{
		ExternalReference: "sub-u1-p1-abcd1234",
		PayerEmail:        "payer@example.com",
		BeginDate:         time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		EndDate:           time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC),
	})

	require.NoError(t, err)
	require.Len(t, payments, 2)
	assert.False(t, payments[0].Approved())
	assert.True(t, payments[1].Approved())
}

func TestGetPreapproval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/preapproval/pre-9", r.URL.Path)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "pre-9",
			"status": "authorized",
			"external_reference": "sub-u1-p1-abcd1234",
			"auto_recurring": {"frequency": 1, "frequency_type": "months", "transaction_amount": 49.90}
		}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-token", 5*time.Second)
	pre, err := client.GetPreapproval(context.Background(), "pre-9")

	require.NoError(t, err)
	assert.Equal(t, "authorized", pre.Status)
	assert.Equal(t, "months", pre.AutoRecurring.FrequencyType)
}

func TestMalformedResponseIsProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<html>not json</html>"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "test-token", 5*time.Second)
	_, err := client.GetPayment(context.Background(), "pay-123")

	var provErr *Error
	require.True(t, errors.As(err, &provErr))
}
