package app

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/danielabrahamx/blink/internal/domain"
	"github.com/danielabrahamx/blink/internal/metrics"
)

// Ledger holds the process-wide premium and reserve accumulators. It starts at
// zero and lives only as long as the process.
type Ledger struct {
	mu       sync.Mutex
	premiums decimal.Decimal
	reserve  decimal.Decimal
}

// NewLedger returns a zeroed Ledger.
func NewLedger() *Ledger {
	return &Ledger{premiums: decimal.Zero, reserve: decimal.Zero}
}

// RecordPremium adds one settled premium payment.
func (l *Ledger) RecordPremium(amount decimal.Decimal) domain.LedgerSnapshot {
	return l.mutate(func() { l.premiums = l.premiums.Add(amount) })
}

// RecordReserveDeposit adds a confirmed reserve deposit.
func (l *Ledger) RecordReserveDeposit(amount decimal.Decimal) domain.LedgerSnapshot {
	return l.mutate(func() { l.reserve = l.reserve.Add(amount) })
}

// Snapshot returns both totals read under the same lock.
func (l *Ledger) Snapshot() domain.LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshotLocked()
}

// mutate is the only write path into the ledger.
func (l *Ledger) mutate(apply func()) domain.LedgerSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	apply()
	snap := l.snapshotLocked()
	metrics.LedgerPremiums.Set(snap.TotalPremiumsCollected.InexactFloat64())
	metrics.LedgerReserve.Set(snap.TotalReserveDeposited.InexactFloat64())
	return snap
}

func (l *Ledger) snapshotLocked() domain.LedgerSnapshot {
	return domain.LedgerSnapshot{
		TotalPremiumsCollected: l.premiums,
		TotalReserveDeposited:  l.reserve,
	}
}
