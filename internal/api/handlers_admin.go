package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/danielabrahamx/blink/internal/domain"
)

const maxAdminBodyBytes = 1 << 16

// DepositReserveHandler moves USYC from the custodial wallet into the pool reserve.
func (h *Handlers) DepositReserveHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.ReserveDepositRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}

	result, err := h.settlements.DepositReserve(r.Context(), req.AmountUsyc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// TriggerClaimHandler pays a claim in USDC to the recipient.
func (h *Handlers) TriggerClaimHandler(w http.ResponseWriter, r *http.Request) {
	var req domain.ClaimRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAdminBodyBytes)).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return
	}

	result, err := h.settlements.TriggerClaim(r.Context(), req.RecipientAddress, req.AmountUsdc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type settlementListResponse struct {
	Settlements []domain.Settlement `json:"settlements"`
}

// ListSettlementsHandler returns the most recent settlement audit records.
func (h *Handlers) ListSettlementsHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	resp := settlementListResponse{Settlements: []domain.Settlement{}}
	if h.repo != nil {
		settlements, err := h.repo.ListSettlements(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		if settlements != nil {
			resp.Settlements = settlements
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
