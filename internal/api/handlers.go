/**
 * @description
 * This file contains the HTTP handlers for the Blink backend. Handlers decode and
 * validate the request, call into the app layer and encode the response. They
 * hold no state of their own.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: URL parameters.
 * - internal/app: Coverage, status and settlement services.
 * - internal/paywall: Payment details of requests that passed the x402 paywall.
 */

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/danielabrahamx/blink/internal/app"
	"github.com/danielabrahamx/blink/internal/domain"
	"github.com/danielabrahamx/blink/internal/paywall"
	"github.com/danielabrahamx/blink/internal/store"
	"github.com/danielabrahamx/blink/pkg/rabbitmq"
)

// Handlers holds the services the HTTP surface calls into.
type Handlers struct {
	coverage    *app.CoverageService
	status      *app.StatusService
	settlements *app.SettlementService
	consumer    *app.SettlementStatusConsumer
	repo        store.Repository
	events      rabbitmq.Publisher
	webhooks    WebhookVerifier
}

// Dependencies groups the constructor arguments of Handlers. Repo and Events
// may be nil. Without Webhooks every custody notification is rejected.
type Dependencies struct {
	Coverage    *app.CoverageService
	Status      *app.StatusService
	Settlements *app.SettlementService
	Consumer    *app.SettlementStatusConsumer
	Repo        store.Repository
	Events      rabbitmq.Publisher
	Webhooks    WebhookVerifier
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(deps Dependencies) *Handlers {
	events := deps.Events
	if events == nil {
		events = &rabbitmq.EventProducerFallback{}
	}
	return &Handlers{
		coverage:    deps.Coverage,
		status:      deps.Status,
		settlements: deps.Settlements,
		consumer:    deps.Consumer,
		repo:        deps.Repo,
		events:      events,
		webhooks:    deps.Webhooks,
	}
}

type healthResponse struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthHandler reports liveness.
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		Message:   "Blink backend service is running",
		Timestamp: time.Now().UTC(),
	})
}

// StatusHandler reports the seller identity and pool totals.
func (h *Handlers) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Status(r.Context()))
}

// BalanceHandler returns the USDC and USYC balances of an address.
func (h *Handlers) BalanceHandler(w http.ResponseWriter, r *http.Request) {
	balances, err := h.status.Balances(r.Context(), chi.URLParam(r, "address"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, balances)
}

// InsureHandler returns the handler for one paid coverage mode. It must sit
// behind the paywall, which has already settled the payment.
func (h *Handlers) InsureHandler(mode domain.CoverageMode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payment, ok := paywall.FromContext(r.Context())
		if !ok {
			log.Error().Str("component", "api").Str("mode", string(mode)).Msg("paid handler reached without a settled payment")
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "payment context missing"})
			return
		}

		resp := h.coverage.Collect(r.Context(), mode, app.PaidSecond{
			Payer:       payment.Payer,
			Amount:      payment.Amount,
			Network:     payment.Network,
			Transaction: payment.Transaction,
		})
		writeJSON(w, http.StatusOK, resp)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Str("component", "api").Msg("failed to encode response")
	}
}

// writeError maps the domain error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	var validation *domain.ValidationError
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: validation.Message})
	case errors.Is(err, domain.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		log.Error().Err(err).Str("component", "api").Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
	}
}
