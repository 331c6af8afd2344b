package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Premium collection
	PremiumsCollectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blink_premiums_collected_total",
			Help: "Number of paid coverage seconds by mode",
		},
		[]string{"mode"},
	)

	PaymentRequiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blink_payment_required_total",
			Help: "Requests to paid endpoints rejected by the paywall, by reason",
		},
		[]string{"reason"}, // missing, invalid, settle_failed
	)

	// Settlement flows
	SettlementStepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "blink_settlement_steps_total",
			Help: "Settlement steps by flow, step and outcome",
		},
		[]string{"flow", "step", "outcome"},
	)

	SettlementConfirmationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "blink_settlement_confirmation_seconds",
			Help:    "Time spent waiting for a custody transaction to become final",
			Buckets: []float64{0.5, 1, 2, 3, 5, 10, 20, 30, 60, 120},
		},
	)

	// Ledger
	LedgerPremiums = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blink_ledger_premiums_usdc",
			Help: "Premiums collected since process start, in USDC",
		},
	)

	LedgerReserve = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "blink_ledger_reserve_usyc",
			Help: "Reserve deposited since process start, in USYC",
		},
	)
)

// RecordSettlementStep counts one step outcome ("ok" or "error").
func RecordSettlementStep(flow, step string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	SettlementStepsTotal.WithLabelValues(flow, step, outcome).Inc()
}
