package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/casafresca/subscription-reconciler/internal/activation"
	"github.com/casafresca/subscription-reconciler/internal/cache"
	"github.com/casafresca/subscription-reconciler/internal/database"
	"github.com/casafresca/subscription-reconciler/internal/duplicate"
	"github.com/casafresca/subscription-reconciler/internal/logger"
	"github.com/casafresca/subscription-reconciler/internal/models"
	"github.com/casafresca/subscription-reconciler/internal/reference"
	"github.com/casafresca/subscription-reconciler/internal/store"
	"github.com/casafresca/subscription-reconciler/internal/sweeper"
	ws "github.com/casafresca/subscription-reconciler/internal/websocket"
)

// Handler holds dependencies for HTTP handlers
type Handler struct {
	store     *store.Store
	db        *database.DB
	cache     *cache.Client
	activator *activation.Activator
	guard     *duplicate.Guard
	runner    *sweeper.Runner
	hub       *ws.Hub
	lookback  time.Duration
	log       *logger.Logger
}

// NewHandler creates a new handler with dependencies
func NewHandler(st *store.Store, db *database.DB, cache *cache.Client, activator *activation.Activator, guard *duplicate.Guard, runner *sweeper.Runner, hub *ws.Hub, lookback time.Duration, log *logger.Logger) *Handler {
	return &Handler{
		store:     st,
		db:        db,
		cache:     cache,
		activator: activator,
		guard:     guard,
		runner:    runner,
		hub:       hub,
		lookback:  lookback,
		log:       log,
	}
}

// ErrorResponse is the JSON error envelope
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, status int, message string, code string) {
	respondJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}

// ============== Checkout Intake ==============

// CreateSubscriptionRequest is the checkout intake payload.
type CreateSubscriptionRequest struct {
	UserID          string                  `json:"user_id"`
	ProductID       string                  `json:"product_id"`
	ProductName     string                  `json:"product_name"`
	Type            string                  `json:"type"`
	Price           float64                 `json:"price"`
	DiscountPercent float64                 `json:"discount_percent"`
	Currency        string                  `json:"currency"`
	Customer        models.CustomerSnapshot `json:"customer"`
}

// CreateSubscriptionResponse wraps the created or reused record.
type CreateSubscriptionResponse struct {
	Subscription *models.Subscription `json:"subscription"`
	Reused       bool                 `json:"reused"`
}

var validTypes = map[string]bool{
	models.SubscriptionTypeWeekly:    true,
	models.SubscriptionTypeBiweekly:  true,
	models.SubscriptionTypeMonthly:   true,
	models.SubscriptionTypeQuarterly: true,
	models.SubscriptionTypeAnnual:    true,
}

// CreateSubscription handles POST /subscriptions. It assigns the external
// reference and reuses an existing pending record instead of creating a
// sibling when the checkout is a duplicate.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST")
		return
	}
	if req.UserID == "" || req.ProductID == "" || req.ProductName == "" {
		respondError(w, http.StatusBadRequest, "user_id, product_id and product_name are required", "INVALID_REQUEST")
		return
	}
	if !validTypes[req.Type] {
		respondError(w, http.StatusBadRequest, "Unknown subscription type", "INVALID_TYPE")
		return
	}
	if req.Price <= 0 {
		respondError(w, http.StatusBadRequest, "Price must be positive", "INVALID_PRICE")
		return
	}

	ref := reference.NewSubscription(reference.Components{
		UserID:    req.UserID,
		ProductID: req.ProductID,
		Type:      req.Type,
	})

	match, err := h.guard.FindReusable(ctx, req.UserID, req.ProductName, ref)
	if err != nil {
		h.log.Error("duplicate check failed", "user_id", req.UserID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to check for duplicates", "INTERNAL_ERROR")
		return
	}
	if match != nil {
		if !match.CanReuse {
			respondError(w, http.StatusConflict, "An active subscription for this product already exists", "ALREADY_SUBSCRIBED")
			return
		}
		existing, err := h.store.GetSubscription(ctx, match.SubscriptionID)
		if err != nil {
			h.log.Error("failed to load reusable subscription", "subscription_id", match.SubscriptionID, "error", err)
			respondError(w, http.StatusInternalServerError, "Failed to load subscription", "INTERNAL_ERROR")
			return
		}
		respondJSON(w, http.StatusOK, CreateSubscriptionResponse{Subscription: existing, Reused: true})
		return
	}

	discounted := req.Price * (1 - req.DiscountPercent/100)
	currency := req.Currency
	if currency == "" {
		currency = "ARS"
	}

	sub := &models.Subscription{
		ID:                uuid.New().String(),
		UserID:            req.UserID,
		ProductID:         req.ProductID,
		ProductName:       req.ProductName,
		Type:              req.Type,
		Status:            models.SubscriptionStatusPending,
		Price:             req.Price,
		DiscountPercent:   req.DiscountPercent,
		DiscountedPrice:   discounted,
		Currency:          currency,
		ExternalReference: ref,
		Customer:          req.Customer,
	}

	if err := h.store.CreateSubscription(ctx, sub); err != nil {
		h.log.Error("failed to create subscription", "user_id", req.UserID, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to create subscription", "INTERNAL_ERROR")
		return
	}

	respondJSON(w, http.StatusCreated, CreateSubscriptionResponse{Subscription: sub, Reused: false})
}

// ReactivateRequest carries the provider evidence for a reactivation.
type ReactivateRequest struct {
	PaymentID string `json:"payment_id"`
}

// Reactivate handles POST /subscriptions/{id}/reactivate. The record gets
// a deterministic reactivation reference so a repeated attempt collides
// with the first, then goes back through the activation flow.
func (h *Handler) Reactivate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	var req ReactivateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", "INVALID_REQUEST")
		return
	}
	if req.PaymentID == "" {
		respondError(w, http.StatusBadRequest, "payment_id is required", "INVALID_REQUEST")
		return
	}

	sub, err := h.store.GetSubscription(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			respondError(w, http.StatusNotFound, "Subscription not found", "NOT_FOUND")
			return
		}
		h.log.Error("failed to load subscription for reactivation", "subscription_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to load subscription", "INTERNAL_ERROR")
		return
	}
	if sub.Status == models.SubscriptionStatusActive {
		respondError(w, http.StatusConflict, "Subscription is already active", "ALREADY_ACTIVE")
		return
	}

	ref := reference.Reactivation(reference.Components{
		UserID:    sub.UserID,
		ProductID: sub.ProductID,
		Type:      sub.Type,
		UserEmail: sub.Customer.Email,
	})

	if !h.guard.Reactivate(ctx, sub.ID, ref, req.PaymentID) {
		respondError(w, http.StatusUnprocessableEntity, "Reactivation could not be completed", "REACTIVATION_FAILED")
		return
	}

	fresh, err := h.store.GetSubscription(ctx, sub.ID)
	if err != nil {
		h.log.Error("failed to reload reactivated subscription", "subscription_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to load subscription", "INTERNAL_ERROR")
		return
	}

	respondJSON(w, http.StatusOK, fresh)
}

// GetSubscription handles GET /subscriptions/{id}
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	sub, err := h.store.GetSubscription(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			respondError(w, http.StatusNotFound, "Subscription not found", "NOT_FOUND")
			return
		}
		h.log.Error("failed to get subscription", "subscription_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to get subscription", "INTERNAL_ERROR")
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

// GetBillingHistory returns the billing records for a subscription, newest
// first.
func (h *Handler) GetBillingHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if _, err := h.store.GetSubscription(ctx, id); err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			respondError(w, http.StatusNotFound, "Subscription not found", "NOT_FOUND")
			return
		}
		h.log.Error("failed to get subscription", "subscription_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to get subscription", "INTERNAL_ERROR")
		return
	}

	entries, err := h.store.ListBillingHistory(ctx, id)
	if err != nil {
		h.log.Error("failed to list billing history", "subscription_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to list billing history", "INTERNAL_ERROR")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"subscription_id": id,
		"entries":         entries,
		"count":           len(entries),
	})
}

// DeleteSubscription abandons a checkout that never completed. Active
// subscriptions cannot be deleted this way.
func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if err := h.store.DeleteSubscription(ctx, id); err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			respondError(w, http.StatusNotFound, "No pending subscription to delete", "NOT_FOUND")
			return
		}
		h.log.Error("failed to delete subscription", "subscription_id", id, "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to delete subscription", "INTERNAL_ERROR")
		return
	}

	h.log.Info("pending subscription deleted", "subscription_id", id)
	respondJSON(w, http.StatusOK, map[string]interface{}{"deleted": true, "id": id})
}

// ============== Reconciliation Triggers ==============

// webhookEnvelope is the notification body the provider posts. Older
// notifications carry only the topic/id query parameters instead.
type webhookEnvelope struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID string `json:"id"`
	} `json:"data"`
}

// PaymentWebhook handles POST /webhooks/payments. The response is always
// an acknowledgment unless reconciliation failed mid-write, in which case
// a 500 asks the provider to redeliver.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var envelope webhookEnvelope
	// Body may be empty for query-parameter notifications.
	_ = json.NewDecoder(r.Body).Decode(&envelope)

	topic := envelope.Type
	if topic == "" {
		topic = r.URL.Query().Get("topic")
	}
	if topic != "" && topic != "payment" {
		respondJSON(w, http.StatusOK, map[string]interface{}{"ignored": true, "topic": topic})
		return
	}

	paymentID := envelope.Data.ID
	if paymentID == "" {
		paymentID = r.URL.Query().Get("id")
	}
	if paymentID == "" {
		paymentID = r.URL.Query().Get("data.id")
	}
	if paymentID == "" {
		respondError(w, http.StatusBadRequest, "Missing payment id", "INVALID_WEBHOOK")
		return
	}

	result, err := h.activator.ActivateFromWebhook(ctx, paymentID, r.URL.Query().Get("external_reference"))
	if err != nil {
		h.log.Error("webhook reconciliation failed", "payment_id", paymentID, "error", err)
		respondError(w, http.StatusInternalServerError, "Reconciliation failed", "RECONCILIATION_ERROR")
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// ReturnFlow handles GET /subscriptions/return, the redirect target after
// provider checkout.
func (h *Handler) ReturnFlow(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	params := activation.ReturnParams{
		ExternalReference: q.Get("external_reference"),
		CollectionID:      q.Get("collection_id"),
		PaymentID:         q.Get("payment_id"),
		PreferenceID:      q.Get("preference_id"),
		Status:            q.Get("status"),
		UserID:            q.Get("user_id"),
		UserEmail:         q.Get("email"),
	}
	if params.ExternalReference == "" && params.CollectionID == "" && params.PaymentID == "" && params.UserID == "" {
		respondError(w, http.StatusBadRequest, "No identifiers supplied", "INVALID_RETURN")
		return
	}

	result, err := h.activator.ActivateReturnFlow(ctx, params)
	if err != nil {
		h.log.Error("return flow reconciliation failed", "external_reference", params.ExternalReference, "error", err)
		respondError(w, http.StatusInternalServerError, "Reconciliation failed", "RECONCILIATION_ERROR")
		return
	}

	status := http.StatusOK
	if result.NotFound {
		status = http.StatusNotFound
	}
	respondJSON(w, status, result)
}

// RunSweep handles POST /internal/sync/run
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	lookback := h.lookback
	if hours := r.URL.Query().Get("lookback_hours"); hours != "" {
		parsed, err := strconv.Atoi(hours)
		if err != nil || parsed <= 0 {
			respondError(w, http.StatusBadRequest, "lookback_hours must be a positive integer", "INVALID_REQUEST")
			return
		}
		lookback = time.Duration(parsed) * time.Hour
	}

	result, err := h.runner.TriggerManual(r.Context(), lookback)
	if err != nil {
		if errors.Is(err, sweeper.ErrSweepInProgress) {
			respondError(w, http.StatusConflict, "A sweep is already running", "SWEEP_IN_PROGRESS")
			return
		}
		h.log.Error("manual sweep failed", "error", err)
		respondError(w, http.StatusInternalServerError, "Sweep failed", "SWEEP_ERROR")
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// ============== Observability ==============

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	deps := map[string]string{
		"database": "healthy",
		"redis":    "disabled",
	}
	if err := h.db.Ping(); err != nil {
		deps["database"] = "unhealthy"
	}
	if h.cache != nil {
		deps["redis"] = "healthy"
		if err := h.cache.HealthCheck(); err != nil {
			deps["redis"] = "unhealthy"
		}
	}

	status := http.StatusOK
	overall := "healthy"
	if deps["database"] == "unhealthy" {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}

	respondJSON(w, status, map[string]interface{}{
		"service":      "reconciler",
		"status":       overall,
		"timestamp":    time.Now(),
		"dependencies": deps,
	})
}

// Status handles GET /status
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.store.GetSyncStats(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		h.log.Error("failed to load sync stats", "error", err)
		respondError(w, http.StatusInternalServerError, "Failed to load stats", "INTERNAL_ERROR")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"sweep":      h.runner.Status(),
		"last_24h":   stats,
		"ws_clients": h.hub.ClientCount(),
	})
}

// WsStats handles GET /ws/stats
func (h *Handler) WsStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.hub.GetStats())
}
