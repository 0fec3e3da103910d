/**
 * @description
 * HTTP handlers for the account-service.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/thankdonors/backend/account-service/internal/app"
	"github.com/thankdonors/backend/account-service/internal/domain"
	"github.com/thankdonors/backend/account-service/internal/store"
	"github.com/thankdonors/backend/pkg/middleware"
)

// AccountService is the application surface the handlers call.
type AccountService interface {
	ProvisionWebhook(ctx context.Context, profileID string) (*domain.WebhookProvisioning, error)
	DeprovisionWebhook(ctx context.Context, profileID string) error
	DeleteAccount(ctx context.Context, profileID string) error
}

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service AccountService
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service AccountService) *Handler {
	return &Handler{service: service}
}

type errorResponse struct {
	Error string `json:"error"`
}

type successResponse struct {
	Success bool `json:"success"`
}

func (h *Handler) handleProvisionWebhook(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	result, err := h.service.ProvisionWebhook(r.Context(), userID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrProfileNotFound):
			respondWithError(w, http.StatusNotFound, "Profile not found")
		case errors.Is(err, app.ErrIncompleteRouting), errors.Is(err, app.ErrRoutingService):
			log.Printf("Error provisioning webhook for %s: %v", userID, err)
			respondWithError(w, http.StatusBadGateway, err.Error())
		default:
			log.Printf("Error provisioning webhook for %s: %v", userID, err)
			respondWithError(w, http.StatusInternalServerError, "Failed to provision webhook")
		}
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) handleDeprovisionWebhook(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if err := h.service.DeprovisionWebhook(r.Context(), userID); err != nil {
		if errors.Is(err, store.ErrProfileNotFound) {
			respondWithError(w, http.StatusNotFound, "Profile not found")
			return
		}
		log.Printf("Error removing webhook for %s: %v", userID, err)
		respondWithError(w, http.StatusInternalServerError, "Failed to remove webhook")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse{Success: true})
}

func (h *Handler) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	if err := h.service.DeleteAccount(r.Context(), userID); err != nil {
		log.Printf("Error deleting account %s: %v", userID, err)
		respondWithError(w, http.StatusInternalServerError, "Failed to delete account")
		return
	}
	respondWithJSON(w, http.StatusOK, successResponse{Success: true})
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
