/**
 * @description
 * HTTP handlers for the billing-service: internal usage billing and balance
 * endpoints, the dashboard checkout/portal endpoints and the Stripe webhook.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/thankdonors/backend/billing-service/internal/app"
	"github.com/thankdonors/backend/billing-service/internal/domain"
	"github.com/thankdonors/backend/billing-service/internal/store"
	"github.com/thankdonors/backend/pkg/middleware"
)

// BillingService is the application surface the handlers call.
type BillingService interface {
	BillPostcardUsage(ctx context.Context, postcardID string) (*app.UsageResult, error)
	SweepUnbilledPostcards(ctx context.Context) (*app.SweepResult, error)
	ReconcileUsage(ctx context.Context) (*app.ReconcileResult, error)
	HandleBalance(ctx context.Context, req app.BalanceRequest) (*app.BalanceResult, error)
	CreateCheckout(ctx context.Context, profileID, planID, cancelURL string) (string, error)
	CreatePortal(ctx context.Context, profileID string) (string, error)
	GetSubscription(ctx context.Context, profileID string) (*domain.UserSubscription, error)
	GetBalanceHistory(ctx context.Context, profileID string, limit int) (*app.BalanceHistory, error)

	HandleCheckoutCompleted(ctx context.Context, evt app.CheckoutCompleted) error
	HandleSubscriptionUpdated(ctx context.Context, change app.SubscriptionChange) error
	HandleSubscriptionDeleted(ctx context.Context, stripeSubscriptionID string) error
	HandleInvoicePayment(ctx context.Context, stripeSubscriptionID string, succeeded bool) error
}

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service       BillingService
	webhookSecret string
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service BillingService, webhookSecret string) *Handler {
	return &Handler{service: service, webhookSecret: webhookSecret}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) handleBillPostcardUsage(w http.ResponseWriter, r *http.Request) {
	postcardID := chi.URLParam(r, "postcardID")
	if postcardID == "" {
		respondWithError(w, http.StatusBadRequest, "postcard id is required")
		return
	}

	result, err := h.service.BillPostcardUsage(r.Context(), postcardID)
	if err != nil {
		log.Printf("Error billing usage for postcard %s: %v", postcardID, err)
		respondWithError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleSweepPostcards(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.SweepUnbilledPostcards(r.Context())
	if err != nil {
		log.Printf("Error sweeping unbilled postcards: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to sweep unbilled postcards")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleReconcileUsage(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.ReconcileUsage(r.Context())
	if err != nil {
		log.Printf("Error reconciling usage: %v", err)
		respondWithError(w, http.StatusInternalServerError, "Failed to reconcile usage")
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleBalance(w http.ResponseWriter, r *http.Request) {
	var req app.BalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.service.HandleBalance(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidUserID), errors.Is(err, app.ErrInvalidAmount), errors.Is(err, app.ErrUnknownBalanceAction):
			respondWithError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrInsufficientBalance):
			respondWithError(w, http.StatusPaymentRequired, "Insufficient balance")
		case errors.Is(err, app.ErrNoSavedPaymentMethod):
			respondWithError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			log.Printf("Error handling balance action %q for %s: %v", req.Action, req.UserID, err)
			respondWithError(w, http.StatusInternalServerError, "Failed to process balance request")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

type checkoutRequest struct {
	PlanID    string `json:"planId"`
	CancelURL string `json:"cancelUrl,omitempty"`
}

type urlResponse struct {
	URL string `json:"url"`
}

func (h *Handler) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PlanID == "" {
		respondWithError(w, http.StatusBadRequest, "planId is required")
		return
	}

	url, err := h.service.CreateCheckout(r.Context(), userID, req.PlanID, req.CancelURL)
	if err != nil {
		if errors.Is(err, store.ErrPlanNotFound) {
			respondWithError(w, http.StatusNotFound, "Plan not found")
			return
		}
		if errors.Is(err, app.ErrPlanNotPurchasable) {
			respondWithError(w, http.StatusBadRequest, "Plan is not available for checkout")
			return
		}
		log.Printf("Error creating checkout for user %s: %v", userID, err)
		respondWithError(w, http.StatusBadGateway, "Failed to create checkout session")
		return
	}
	respondWithJSON(w, http.StatusOK, urlResponse{URL: url})
}

func (h *Handler) handleCreatePortal(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	url, err := h.service.CreatePortal(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			respondWithError(w, http.StatusNotFound, "No billing account found")
			return
		}
		log.Printf("Error creating portal session for user %s: %v", userID, err)
		respondWithError(w, http.StatusBadGateway, "Failed to create portal session")
		return
	}
	respondWithJSON(w, http.StatusOK, urlResponse{URL: url})
}

func (h *Handler) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	sub, err := h.service.GetSubscription(r.Context(), userID)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			respondWithError(w, http.StatusNotFound, "No subscription found")
			return
		}
		log.Printf("Error loading subscription for user %s: %v", userID, err)
		respondWithError(w, http.StatusInternalServerError, "Failed to load subscription")
		return
	}
	respondWithJSON(w, http.StatusOK, sub)
}

func (h *Handler) handleGetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondWithError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	history, err := h.service.GetBalanceHistory(r.Context(), userID, limit)
	if err != nil {
		log.Printf("Error loading balance for user %s: %v", userID, err)
		respondWithError(w, http.StatusInternalServerError, "Failed to load balance")
		return
	}
	respondWithJSON(w, http.StatusOK, history)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, errorResponse{Error: message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
