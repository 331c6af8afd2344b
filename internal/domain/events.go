package domain

import "time"

// CustodyTransactionEvent is the normalised form of a custody transaction-state
// notification, carried over RabbitMQ to the settlement status consumer.
type CustodyTransactionEvent struct {
	EventID         string    `json:"event_id"`
	TransactionID   string    `json:"transaction_id"`
	State           string    `json:"state"`
	TxHash          string    `json:"tx_hash"`
	ContractAddress string    `json:"contract_address"`
	ErrorReason     string    `json:"error_reason"`
	OccurredAt      time.Time `json:"occurred_at"`
}

// PremiumCollectedEvent is published after a paid coverage second settles.
type PremiumCollectedEvent struct {
	Mode        CoverageMode `json:"mode"`
	Amount      string       `json:"amount"`
	Payer       string       `json:"payer"`
	Transaction string       `json:"transaction"`
	Network     string       `json:"network"`
	OccurredAt  time.Time    `json:"occurred_at"`
}

// SettlementEvent is published when an admin settlement flow finishes.
type SettlementEvent struct {
	SettlementID string         `json:"settlement_id"`
	Kind         SettlementKind `json:"kind"`
	Status       string         `json:"status"`
	Amount       string         `json:"amount"`
	Recipient    string         `json:"recipient,omitempty"`
	TxID         string         `json:"tx_id,omitempty"`
	FailedStep   string         `json:"failed_step,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	OccurredAt   time.Time      `json:"occurred_at"`
}
