/**
 * @description
 * HTTP handlers for the intake-service. The ActBlue webhook is relayed by
 * Hookdeck and authenticated with the per-profile Basic-Auth credential.
 */
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/thankdonors/backend/intake-service/internal/app"
	"github.com/thankdonors/backend/intake-service/internal/domain"
)

const maxWebhookBodyBytes = 1 << 20

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service app.Service
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service app.Service) *Handler {
	return &Handler{service: service}
}

type errorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details,omitempty"`
}

func (h *Handler) handleActBlueWebhook(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "profileID")

	username, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="thankdonors"`)
		respondWithJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
		return
	}
	if err := h.service.Authenticate(r.Context(), profileID, username, password); err != nil {
		if errors.Is(err, app.ErrUnauthorized) {
			respondWithJSON(w, http.StatusUnauthorized, errorResponse{Error: "Unauthorized"})
			return
		}
		log.Printf("Error authenticating webhook for profile %s: %v", profileID, err)
		respondWithJSON(w, http.StatusInternalServerError, errorResponse{Error: "Internal server error"})
		return
	}

	if retryAfter, err := h.service.CheckDeliveryQuota(r.Context(), profileID); err != nil {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		respondWithJSON(w, http.StatusTooManyRequests, errorResponse{Error: "Too many requests"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes)
	var payload domain.ContributionWebhook
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		respondWithJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid payload", Details: []string{"body is not valid JSON"}})
		return
	}

	result, err := h.service.IngestDonation(r.Context(), profileID, payload)
	if err != nil {
		var vErr *app.ValidationError
		if errors.As(err, &vErr) {
			respondWithJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid payload", Details: vErr.Details})
			return
		}
		log.Printf("Error ingesting donation for profile %s: %v", profileID, err)
		respondWithJSON(w, http.StatusInternalServerError, errorResponse{Error: "Failed to store donation"})
		return
	}

	respondWithJSON(w, http.StatusOK, result)
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
