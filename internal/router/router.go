package router

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/creditsledger/backend/internal/handlers"
	mW "github.com/creditsledger/backend/internal/middleware"
	"github.com/creditsledger/backend/internal/webhook"
)

type Deps struct {
	Credits        *handlers.CreditsHandler
	Webhooks       *handlers.WebhookHandler
	Verifier       mW.SignatureVerifier
	JWTSecret      string
	InternalAPIKey string
	AllowedOrigins []string
	RequestTimeout time.Duration
	// Ready reports whether storage is reachable; nil means always ready.
	Ready func(ctx context.Context) error
}

// New returns an http.Handler that serves the API under /api/v1.
func New(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	if d.RequestTimeout > 0 {
		r.Use(middleware.Timeout(d.RequestTimeout))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   d.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", mW.InternalAPIKeyHeader, webhook.SignatureHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if d.Ready != nil {
			if err := d.Ready(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy"})
				return
			}
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	r.Route("/api/v1", func(r chi.Router) {
		// Read API for the signed-in user
		r.Group(func(r chi.Router) {
			r.Use(mW.Auth(d.JWTSecret))

			r.Get("/credits/balance", d.Credits.GetBalance)
			r.Get("/credits/transactions", d.Credits.ListTransactions)
			r.Get("/credits/stats", d.Credits.GetStats)
			r.Post("/credits/deduct", d.Credits.Deduct)
		})

		// Internal write API
		r.Group(func(r chi.Router) {
			r.Use(mW.InternalAPIKey(d.InternalAPIKey))

			r.Post("/credits", d.Credits.AddCredits)
			r.Post("/credits/debit", d.Credits.Debit)
		})

		// Signed webhooks
		r.Group(func(r chi.Router) {
			r.Use(mW.WebhookSignature(d.Verifier))

			r.Post("/credits/webhook", d.Webhooks.CreditFromWebhook)
			r.Post("/webhooks/payments", d.Webhooks.PaymentEvent)
		})
	})

	return r
}
