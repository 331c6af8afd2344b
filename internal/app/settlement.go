/**
 * @description
 * This file contains the admin settlement flows: moving USYC into the pool's
 * reserve and paying a claim in USDC. Both are executed as contract calls through
 * the custodial wallet.
 *
 * Key features:
 * - Input is validated before any custody call is made.
 * - The reserve deposit waits for the approval to become final by polling its
 *   custody status with exponential backoff, bounded by attempts and a timeout.
 * - Every attempt is written to the settlement audit trail and published as an event.
 *
 * @notes
 * - The two steps are not transactional. A failed deposit step leaves the
 *   approval in place and the ledger untouched.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/danielabrahamx/blink/internal/domain"
	"github.com/danielabrahamx/blink/internal/metrics"
	"github.com/danielabrahamx/blink/internal/store"
	"github.com/danielabrahamx/blink/pkg/chain"
	"github.com/danielabrahamx/blink/pkg/custody"
	"github.com/danielabrahamx/blink/pkg/rabbitmq"
)

const (
	FlowReserveDeposit = "reserve_deposit"
	FlowClaimPayout    = "claim_payout"

	StepApprove              = "approve"
	StepApprovalConfirmation = "approval_confirmation"
	StepDepositReserve       = "deposit_reserve"
	StepTransfer             = "transfer"
)

// maxAllowance is 2^256-1, the allowance granted to the pool on every deposit.
var maxAllowance = new(uint256.Int).SetAllOne().ToBig().String()

// CustodyExecutor is the subset of the custody client the settlement flows need.
type CustodyExecutor interface {
	ExecuteContract(ctx context.Context, exec custody.ContractExecution) (*custody.Transaction, error)
	GetTransaction(ctx context.Context, id string) (*custody.Transaction, error)
}

// ConfirmationPolicy bounds how long a flow waits for a custody transaction to
// become final.
type ConfirmationPolicy struct {
	Timeout        time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
}

// DefaultConfirmationPolicy is used when a zero policy is supplied.
func DefaultConfirmationPolicy() ConfirmationPolicy {
	return ConfirmationPolicy{
		Timeout:        60 * time.Second,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     8 * time.Second,
		MaxAttempts:    12,
	}
}

func (p ConfirmationPolicy) normalized() ConfirmationPolicy {
	def := DefaultConfirmationPolicy()
	if p.Timeout <= 0 {
		p.Timeout = def.Timeout
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff * 16
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// SettlementContracts are the on-chain addresses the flows call.
type SettlementContracts struct {
	Pool string
	USDC string
	USYC string
}

// SettlementService runs the admin settlement flows.
type SettlementService struct {
	custody   CustodyExecutor
	ledger    *Ledger
	repo      store.Repository
	events    rabbitmq.Publisher
	contracts SettlementContracts
	policy    ConfirmationPolicy
	now       func() time.Time
}

// NewSettlementService wires the settlement flows. repo and events may be nil.
func NewSettlementService(
	custodyClient CustodyExecutor,
	ledger *Ledger,
	repo store.Repository,
	events rabbitmq.Publisher,
	contracts SettlementContracts,
	policy ConfirmationPolicy,
) *SettlementService {
	if events == nil {
		events = &rabbitmq.EventProducerFallback{}
	}
	return &SettlementService{
		custody:   custodyClient,
		ledger:    ledger,
		repo:      repo,
		events:    events,
		contracts: contracts,
		policy:    policy.normalized(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// DepositReserve approves the pool to pull USYC and then calls depositReserve.
// The ledger reserve grows only after both steps were accepted.
func (s *SettlementService) DepositReserve(ctx context.Context, amount decimal.Decimal) (*domain.ReserveDepositResult, error) {
	if err := domain.ValidatePositiveAmount("amountUsyc", amount); err != nil {
		return nil, err
	}
	units := domain.ToBaseUnits(amount).String()
	logger := log.With().Str("component", "settlement").Str("flow", FlowReserveDeposit).Str("amount_units", units).Logger()

	record := s.newRecord(domain.SettlementReserveDeposit, amount, units, "")

	approval, err := s.execute(ctx, FlowReserveDeposit, StepApprove, custody.ContractExecution{
		ContractAddress:      s.contracts.USYC,
		AbiFunctionSignature: chain.ApproveSignature,
		AbiParameters:        []string{s.contracts.Pool, maxAllowance},
	})
	if err != nil {
		return nil, s.fail(ctx, record, err)
	}
	record.ApprovalTxID = stringPtr(approval.ID)
	logger.Info().Str("approval_tx_id", approval.ID).Msg("reserve approval submitted")

	if _, err := s.waitForConfirmation(ctx, approval.ID); err != nil {
		metrics.RecordSettlementStep(FlowReserveDeposit, StepApprovalConfirmation, err)
		return nil, s.fail(ctx, record, &domain.StepError{Flow: FlowReserveDeposit, Step: StepApprovalConfirmation, Err: err})
	}
	metrics.RecordSettlementStep(FlowReserveDeposit, StepApprovalConfirmation, nil)

	deposit, err := s.execute(ctx, FlowReserveDeposit, StepDepositReserve, custody.ContractExecution{
		ContractAddress:      s.contracts.Pool,
		AbiFunctionSignature: chain.DepositReserveSignature,
		AbiParameters:        []string{units},
	})
	if err != nil {
		return nil, s.fail(ctx, record, err)
	}

	snap := s.ledger.RecordReserveDeposit(amount)
	logger.Info().Str("tx_id", deposit.ID).Str("total_reserve", snap.TotalReserveDeposited.String()).Msg("reserve deposit submitted")

	record.CustodyTxID = stringPtr(deposit.ID)
	s.submitted(ctx, record, rabbitmq.RoutingReserveDeposited)

	return &domain.ReserveDepositResult{
		Success:     true,
		TxID:        deposit.ID,
		AmountUsyc:  json.Number(amount.String()),
		ApprovalTx:  approval.ID,
		AmountUnits: units,
	}, nil
}

// TriggerClaim transfers amount USDC from the custodial wallet to recipient.
func (s *SettlementService) TriggerClaim(ctx context.Context, recipient string, amount decimal.Decimal) (*domain.ClaimResult, error) {
	recipient = strings.TrimSpace(recipient)
	if !domain.IsAddress(recipient) {
		return nil, domain.NewValidationError("recipientAddress", "Valid recipientAddress required")
	}
	if err := domain.ValidatePositiveAmount("amountUsdc", amount); err != nil {
		return nil, err
	}
	units := domain.ToBaseUnits(amount).String()

	record := s.newRecord(domain.SettlementClaimPayout, amount, units, recipient)

	tx, err := s.execute(ctx, FlowClaimPayout, StepTransfer, custody.ContractExecution{
		ContractAddress:      s.contracts.USDC,
		AbiFunctionSignature: chain.TransferSignature,
		AbiParameters:        []string{recipient, units},
	})
	if err != nil {
		return nil, s.fail(ctx, record, err)
	}
	log.Info().Str("component", "settlement").Str("flow", FlowClaimPayout).
		Str("tx_id", tx.ID).Str("recipient", recipient).Str("amount_units", units).Msg("claim payout submitted")

	record.CustodyTxID = stringPtr(tx.ID)
	s.submitted(ctx, record, rabbitmq.RoutingClaimSubmitted)

	return &domain.ClaimResult{
		Success:          true,
		TxID:             tx.ID,
		AmountUsdc:       json.Number(amount.String()),
		RecipientAddress: recipient,
		AmountUnits:      units,
	}, nil
}

func (s *SettlementService) execute(ctx context.Context, flow, step string, exec custody.ContractExecution) (*custody.Transaction, error) {
	tx, err := s.custody.ExecuteContract(ctx, exec)
	metrics.RecordSettlementStep(flow, step, err)
	if err != nil {
		return nil, &domain.StepError{Flow: flow, Step: step, Err: err}
	}
	return tx, nil
}

// waitForConfirmation polls the custody transaction until it is final. A
// terminal failure state ends the wait immediately. Lookup errors are retried
// within the same attempt budget.
func (s *SettlementService) waitForConfirmation(ctx context.Context, txID string) (*custody.Transaction, error) {
	started := time.Now()
	defer func() {
		metrics.SettlementConfirmationSeconds.Observe(time.Since(started).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, s.policy.Timeout)
	defer cancel()

	backoff := s.policy.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= s.policy.MaxAttempts; attempt++ {
		tx, err := s.custody.GetTransaction(ctx, txID)
		switch {
		case err != nil:
			lastErr = err
			log.Warn().Err(err).Str("component", "settlement").Str("tx_id", txID).Int("attempt", attempt).Msg("custody status lookup failed")
		case tx.Failed():
			return nil, fmt.Errorf("custody transaction %s %s: %s", txID, strings.ToLower(tx.State), tx.ErrorReason)
		case tx.Final():
			return tx, nil
		default:
			lastErr = fmt.Errorf("custody transaction %s still %s", txID, tx.State)
		}

		if attempt == s.policy.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for custody transaction %s: %w (last: %v)", txID, ctx.Err(), lastErr)
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.policy.MaxBackoff {
			backoff = s.policy.MaxBackoff
		}
	}
	return nil, fmt.Errorf("custody transaction %s not final after %d attempts: %w", txID, s.policy.MaxAttempts, lastErr)
}

func (s *SettlementService) newRecord(kind domain.SettlementKind, amount decimal.Decimal, units, recipient string) *domain.Settlement {
	now := s.now()
	record := &domain.Settlement{
		ID:          uuid.New(),
		Kind:        kind,
		Amount:      amount,
		AmountUnits: units,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if recipient != "" {
		record.Recipient = stringPtr(recipient)
	}
	return record
}

func (s *SettlementService) submitted(ctx context.Context, record *domain.Settlement, routingKey string) {
	record.Status = domain.SettlementSubmitted
	s.persist(ctx, record)
	s.publish(ctx, routingKey, record)
}

// fail records the failed attempt and returns err unchanged.
func (s *SettlementService) fail(ctx context.Context, record *domain.Settlement, err error) error {
	record.Status = domain.SettlementFailed
	record.FailureReason = stringPtr(err.Error())
	var stepErr *domain.StepError
	if errors.As(err, &stepErr) {
		record.FailedStep = stringPtr(stepErr.Step)
	}
	log.Error().Err(err).Str("component", "settlement").Str("kind", string(record.Kind)).
		Str("settlement_id", record.ID.String()).Msg("settlement flow failed")

	s.persist(ctx, record)
	s.publish(ctx, rabbitmq.RoutingSettlementFailed, record)
	return err
}

// persist writes the audit record. The custody side has already happened, so a
// store failure is logged rather than returned.
func (s *SettlementService) persist(ctx context.Context, record *domain.Settlement) {
	if s.repo == nil {
		return
	}
	if err := s.repo.CreateSettlement(context.WithoutCancel(ctx), record); err != nil {
		log.Error().Err(err).Str("component", "settlement").Str("settlement_id", record.ID.String()).Msg("failed to record settlement")
	}
}

func (s *SettlementService) publish(ctx context.Context, routingKey string, record *domain.Settlement) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.events.PublishSettlementEvent(ctx, routingKey, settlementEvent(record, s.now())); err != nil {
		log.Warn().Err(err).Str("component", "settlement").Str("routing_key", routingKey).Msg("failed to publish settlement event")
	}
}

func settlementEvent(record *domain.Settlement, at time.Time) domain.SettlementEvent {
	return domain.SettlementEvent{
		SettlementID: record.ID.String(),
		Kind:         record.Kind,
		Status:       record.Status,
		Amount:       domain.FormatAmount(record.Amount),
		Recipient:    derefString(record.Recipient),
		TxID:         derefString(record.CustodyTxID),
		FailedStep:   derefString(record.FailedStep),
		Reason:       derefString(record.FailureReason),
		OccurredAt:   at,
	}
}

// normalizeAddress returns the checksummed form of a valid address.
func normalizeAddress(raw string) string {
	return common.HexToAddress(raw).Hex()
}

func stringPtr(value string) *string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return &value
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
