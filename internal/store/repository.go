/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for the
 * settlement audit trail. Every reserve deposit and claim payout attempt is recorded,
 * and custody status updates move records to their terminal state.
 *
 * @dependencies
 * - internal/domain: For the settlement model.
 */

package store

import (
	"context"

	"github.com/danielabrahamx/blink/internal/domain"
)

// SettlementUpdate carries the fields a custody status update may change.
type SettlementUpdate struct {
	Status        string
	TxHash        *string
	FailureReason *string
}

// Repository defines the set of methods for interacting with the settlement store.
type Repository interface {
	CreateSettlement(ctx context.Context, s *domain.Settlement) error
	// UpdateSettlementByCustodyTx applies update to the still-submitted record
	// whose main custody transaction is custodyTxID. It returns
	// domain.ErrSettlementNotFound when no submitted record matches, which makes
	// repeated notifications a no-op.
	UpdateSettlementByCustodyTx(ctx context.Context, custodyTxID string, update SettlementUpdate) (*domain.Settlement, error)
	ListSettlements(ctx context.Context, limit int) ([]domain.Settlement, error)
	ListSettlementsByStatus(ctx context.Context, status string, limit int) ([]domain.Settlement, error)
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// NormalizeLimit clamps a caller-supplied page size.
func NormalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
