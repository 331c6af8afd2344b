package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/danielabrahamx/blink/internal/domain"
	"github.com/danielabrahamx/blink/internal/metrics"
	"github.com/danielabrahamx/blink/pkg/rabbitmq"
)

// PaidSecond describes a coverage second the paywall has already settled.
type PaidSecond struct {
	Payer       string
	Amount      string
	Network     string
	Transaction string
}

// CoverageService books settled premium payments.
type CoverageService struct {
	ledger *Ledger
	events rabbitmq.Publisher
	now    func() time.Time
}

// NewCoverageService creates a CoverageService. events may be nil.
func NewCoverageService(ledger *Ledger, events rabbitmq.Publisher) *CoverageService {
	if events == nil {
		events = &rabbitmq.EventProducerFallback{}
	}
	return &CoverageService{ledger: ledger, events: events, now: func() time.Time { return time.Now().UTC() }}
}

// Collect adds the mode's rate to the premium pool and returns the coverage
// confirmation for the paid second.
func (s *CoverageService) Collect(ctx context.Context, mode domain.CoverageMode, paid PaidSecond) domain.CoverageResponse {
	now := s.now()
	snap := s.ledger.RecordPremium(mode.Rate())
	metrics.PremiumsCollectedTotal.WithLabelValues(string(mode)).Inc()

	amount := paid.Amount
	if amount == "" {
		amount = domain.FormatAmount(mode.Rate())
	}

	log.Debug().Str("component", "coverage").Str("mode", string(mode)).Str("payer", paid.Payer).
		Str("total_premiums", snap.TotalPremiumsCollected.String()).Msg("premium collected")

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.events.PublishPremiumCollected(pubCtx, domain.PremiumCollectedEvent{
		Mode:        mode,
		Amount:      amount,
		Payer:       paid.Payer,
		Transaction: paid.Transaction,
		Network:     paid.Network,
		OccurredAt:  now,
	}); err != nil {
		log.Warn().Err(err).Str("component", "coverage").Msg("failed to publish premium event")
	}

	return domain.CoverageResponse{
		Covered:     true,
		Mode:        mode,
		Timestamp:   now,
		Duration:    "1s",
		Payer:       paid.Payer,
		Amount:      amount,
		Network:     paid.Network,
		Transaction: paid.Transaction,
	}
}
