package metering

import (
	"time"

	"github.com/shopspring/decimal"
)

// Balance is the gateway balance as shown to the user. Projected moves as soon
// as an attempt is fired; Confirmed only moves on a refresh from the gateway.
type Balance struct {
	Projected   decimal.Decimal
	Confirmed   decimal.Decimal
	RefreshedAt time.Time
}

// Drift is how far the projection has moved away from the last confirmed value.
func (b Balance) Drift() decimal.Decimal {
	return b.Confirmed.Sub(b.Projected)
}

func (b *Balance) debit(amount decimal.Decimal) {
	b.Projected = b.Projected.Sub(amount)
}

func (b *Balance) reconcile(confirmed decimal.Decimal, at time.Time) {
	b.Projected = confirmed
	b.Confirmed = confirmed
	b.RefreshedAt = at
}
