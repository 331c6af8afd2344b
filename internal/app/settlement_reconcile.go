package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/danielabrahamx/blink/internal/domain"
	"github.com/danielabrahamx/blink/internal/store"
	"github.com/danielabrahamx/blink/pkg/custody"
)

const (
	defaultReconcileLimit = 100
	reconcileRunTimeout   = 45 * time.Second
)

// TransactionGetter looks up a custody transaction by id.
type TransactionGetter interface {
	GetTransaction(ctx context.Context, id string) (*custody.Transaction, error)
}

// ReconcileSummary reports one reconcile pass.
type ReconcileSummary struct {
	Checked   int `json:"checked"`
	Confirmed int `json:"confirmed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

// SettlementReconciler finalises settlements whose custody notification never
// arrived by polling custody directly.
type SettlementReconciler struct {
	repo     store.Repository
	custody  TransactionGetter
	consumer *SettlementStatusConsumer
}

func NewSettlementReconciler(repo store.Repository, custodyClient TransactionGetter, consumer *SettlementStatusConsumer) *SettlementReconciler {
	return &SettlementReconciler{repo: repo, custody: custodyClient, consumer: consumer}
}

// ReconcileSubmitted checks up to limit submitted settlements, oldest first.
func (r *SettlementReconciler) ReconcileSubmitted(ctx context.Context, limit int) (*ReconcileSummary, error) {
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	pending, err := r.repo.ListSettlementsByStatus(ctx, domain.SettlementSubmitted, limit)
	if err != nil {
		return nil, fmt.Errorf("list submitted settlements: %w", err)
	}

	summary := &ReconcileSummary{}
	for _, s := range pending {
		if s.CustodyTxID == nil {
			continue
		}
		summary.Checked++

		tx, err := r.custody.GetTransaction(ctx, *s.CustodyTxID)
		if err != nil {
			summary.Errors++
			log.Warn().Err(err).Str("component", "settlement_reconcile").Str("settlement_id", s.ID.String()).Msg("custody lookup failed")
			continue
		}

		updated, err := r.consumer.Process(ctx, domain.CustodyTransactionEvent{
			TransactionID:   tx.ID,
			State:           tx.State,
			TxHash:          tx.TxHash,
			ContractAddress: tx.ContractAddress,
			ErrorReason:     tx.ErrorReason,
			OccurredAt:      tx.UpdateDate,
		})
		switch {
		case err != nil:
			summary.Errors++
			log.Warn().Err(err).Str("component", "settlement_reconcile").Str("settlement_id", s.ID.String()).Msg("apply custody state failed")
		case updated == nil:
			summary.Pending++
		case updated.Status == domain.SettlementConfirmed:
			summary.Confirmed++
		default:
			summary.Failed++
		}
	}
	return summary, nil
}

// Start schedules ReconcileSubmitted on a cron schedule such as "@every 1m". The
// returned scheduler must be stopped by the caller.
func (r *SettlementReconciler) Start(schedule string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), reconcileRunTimeout)
		defer cancel()

		summary, err := r.ReconcileSubmitted(ctx, defaultReconcileLimit)
		if err != nil {
			log.Error().Err(err).Str("component", "settlement_reconcile").Msg("reconcile run failed")
			return
		}
		if summary.Checked > 0 {
			log.Info().Str("component", "settlement_reconcile").
				Int("checked", summary.Checked).Int("confirmed", summary.Confirmed).
				Int("failed", summary.Failed).Int("pending", summary.Pending).Int("errors", summary.Errors).
				Msg("reconcile run finished")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid reconcile schedule %q: %w", schedule, err)
	}
	c.Start()
	return c, nil
}
