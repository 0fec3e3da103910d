/**
 * @description
 * HTTP router setup for the billing-service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/thankdonors/backend/pkg/middleware"
)

// RouterConfig carries the auth settings the router needs.
type RouterConfig struct {
	InternalAPIKey string
	SupabaseAuth   middleware.SupabaseAuthConfig
	AllowedOrigins []string
}

// NewRouter creates a new Chi router and registers billing routes.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"https://*", "http://*"}
	}

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Internal-API-Key"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Billing service is healthy"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhooks/stripe", h.handleStripeWebhook)

	r.Route("/internal/billing", func(r chi.Router) {
		r.Use(middleware.InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/postcards/{postcardID}/usage", h.handleBillPostcardUsage)
		r.Post("/postcards/sweep", h.handleSweepPostcards)
		r.Post("/usage/reconcile", h.handleReconcileUsage)
		r.Post("/balance", h.handleBalance)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.SupabaseAuthMiddleware(cfg.SupabaseAuth))
		r.Post("/billing/checkout", h.handleCreateCheckout)
		r.Post("/billing/portal", h.handleCreatePortal)
		r.Get("/billing/subscription", h.handleGetSubscription)
		r.Get("/billing/balance", h.handleGetBalance)
	})

	return r
}
