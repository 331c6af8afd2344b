package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SettlementKind identifies which admin flow produced a settlement record.
type SettlementKind string

const (
	SettlementReserveDeposit SettlementKind = "reserve_deposit"
	SettlementClaimPayout    SettlementKind = "claim_payout"
)

// Settlement statuses. A record is written once the flow finishes (submitted or
// failed) and moves to confirmed/failed when custody reports a terminal state.
const (
	SettlementSubmitted = "submitted"
	SettlementConfirmed = "confirmed"
	SettlementFailed    = "failed"
)

// ReserveDepositRequest is the admin request to move USYC into the pool reserve.
type ReserveDepositRequest struct {
	AmountUsyc decimal.Decimal `json:"amountUsyc"`
}

// ClaimRequest is the admin request to pay a claim in USDC.
type ClaimRequest struct {
	RecipientAddress string          `json:"recipientAddress"`
	AmountUsdc       decimal.Decimal `json:"amountUsdc"`
}

// ReserveDepositResult is returned once both deposit steps were accepted.
type ReserveDepositResult struct {
	Success     bool        `json:"success"`
	TxID        string      `json:"txId"`
	AmountUsyc  json.Number `json:"amountUsyc"`
	ApprovalTx  string      `json:"-"`
	AmountUnits string      `json:"-"`
}

// ClaimResult is returned once the claim transfer was accepted.
type ClaimResult struct {
	Success          bool        `json:"success"`
	TxID             string      `json:"txId"`
	AmountUsdc       json.Number `json:"amountUsdc"`
	RecipientAddress string      `json:"recipientAddress"`
	AmountUnits      string      `json:"-"`
}

// Settlement is the audit record of one admin settlement attempt. It maps to
// the `settlements` table.
type Settlement struct {
	ID            uuid.UUID       `json:"id"`
	Kind          SettlementKind  `json:"kind"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	AmountUnits   string          `json:"amount_units"`
	Recipient     *string         `json:"recipient,omitempty"`
	ApprovalTxID  *string         `json:"approval_tx_id,omitempty"`
	CustodyTxID   *string         `json:"custody_tx_id,omitempty"`
	TxHash        *string         `json:"tx_hash,omitempty"`
	FailedStep    *string         `json:"failed_step,omitempty"`
	FailureReason *string         `json:"failure_reason,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// LedgerSnapshot is a consistent read of the process-wide accumulators.
type LedgerSnapshot struct {
	TotalPremiumsCollected decimal.Decimal `json:"total_premiums_collected"`
	TotalReserveDeposited  decimal.Decimal `json:"total_reserve_deposited"`
}

// StatusResponse is served by GET /api/status.
type StatusResponse struct {
	Service             string `json:"service"`
	SellerAddress       string `json:"sellerAddress"`
	Network             string `json:"network"`
	ContractUsdcPool    string `json:"contractUsdcPool"`
	ContractUsycReserve string `json:"contractUsycReserve"`
}

// TokenBalances is served by GET /api/balance/{address}.
type TokenBalances struct {
	Usdc string `json:"usdc"`
	Usyc string `json:"usyc"`
}
