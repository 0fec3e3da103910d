package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/thankdonors/backend/pkg/middleware"
)

// NewRouter creates a new Chi router and registers account routes behind Supabase auth.
func NewRouter(h *Handler, auth middleware.SupabaseAuthConfig, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"https://*", "http://*"}
	}

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Account service is healthy"))
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.SupabaseAuthMiddleware(auth))
		r.Post("/webhooks/provision", h.handleProvisionWebhook)
		r.Delete("/webhooks", h.handleDeprovisionWebhook)
		r.Post("/account/delete", h.handleDeleteAccount)
	})

	return r
}
