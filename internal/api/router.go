/**
 * @description
 * This file sets up the HTTP router for the Blink backend. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * paywall, CORS, authentication and rate-limit middleware.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling, exposing the x402 headers to browsers.
 * - github.com/prometheus/client_golang: The /metrics endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danielabrahamx/blink/internal/domain"
	"github.com/danielabrahamx/blink/internal/paywall"
	"github.com/danielabrahamx/blink/pkg/x402"
)

const adminRateLimitScope = "admin_settlement"

// RouterConfig carries the middleware settings of the router.
type RouterConfig struct {
	Paywall                 *paywall.Paywall
	AllowedOrigins          []string
	AdminJWTSecret          string
	AdminLimiter            AdminLimiter
	AdminRateLimitPerMinute int
}

// Routes creates and returns the router for the Blink backend.
func Routes(h *Handlers, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", x402.HeaderPaymentSignature},
		ExposedHeaders: []string{x402.HeaderPaymentRequired, x402.HeaderPaymentResponse},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.HealthHandler)
		r.Get("/status", h.StatusHandler)
		r.Get("/balance/{address}", h.BalanceHandler)

		// Paid coverage, one request per metered second.
		r.With(cfg.Paywall.Require(domain.ActiveRate, "Per-second active-use coverage")).
			Get("/insure/active", h.InsureHandler(domain.ModeActive))
		r.With(cfg.Paywall.Require(domain.IdleRate, "Per-second idle coverage")).
			Get("/insure/idle", h.InsureHandler(domain.ModeIdle))

		r.Post("/webhooks/custody", h.CustodyWebhookHandler)

		r.Route("/admin", func(r chi.Router) {
			r.Use(AdminAuthMiddleware(cfg.AdminJWTSecret))
			r.Use(RateLimitMiddleware(cfg.AdminLimiter, adminRateLimitScope, cfg.AdminRateLimitPerMinute))

			r.Post("/deposit-reserve", h.DepositReserveHandler)
			r.Post("/trigger-claim", h.TriggerClaimHandler)
			r.Get("/settlements", h.ListSettlementsHandler)
		})
	})

	return r
}
