/**
 * @description
 * This file defines the policy-side domain models: coverage modes and their fixed
 * per-second premium rates, the configuration of a policy run, the run states and
 * the receipt recorded for every successfully settled metering tick.
 *
 * @notes
 * - Amounts are shopspring decimals; on-chain calls use integer base units (see amounts.go).
 * - Rates are fixed per mode and are not user-configurable.
 */

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CoverageMode selects which metered resource a policy pays for.
type CoverageMode string

const (
	ModeActive CoverageMode = "active"
	ModeIdle   CoverageMode = "idle"
)

var (
	// ActiveRate is the per-second premium for active-use coverage, in USDC.
	ActiveRate = decimal.RequireFromString("0.000005")
	// IdleRate is the per-second premium for idle/stored coverage, in USDC.
	IdleRate = decimal.RequireFromString("0.00001")
)

// ParseCoverageMode normalises user input into a CoverageMode.
func ParseCoverageMode(raw string) (CoverageMode, error) {
	switch CoverageMode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeActive:
		return ModeActive, nil
	case ModeIdle:
		return ModeIdle, nil
	default:
		return "", NewValidationError("mode", fmt.Sprintf("unknown coverage mode %q", raw))
	}
}

// Valid reports whether m is one of the known coverage modes.
func (m CoverageMode) Valid() bool {
	return m == ModeActive || m == ModeIdle
}

// Rate returns the fixed per-second premium for the mode.
func (m CoverageMode) Rate() decimal.Decimal {
	if m == ModeIdle {
		return IdleRate
	}
	return ActiveRate
}

// Path returns the paid endpoint path that meters this mode.
func (m CoverageMode) Path() string {
	return "/api/insure/" + string(m)
}

// PolicyState is the lifecycle state of a metering run.
type PolicyState string

const (
	PolicyIdle     PolicyState = "idle"
	PolicyRunning  PolicyState = "running"
	PolicyComplete PolicyState = "complete"
)

// PolicyConfig is what the user chooses before starting a policy. It is not
// modified once a run starts.
type PolicyConfig struct {
	Mode            CoverageMode    `json:"mode"`
	DurationSeconds int             `json:"duration_seconds"`
	CoverageAmount  decimal.Decimal `json:"coverage_amount"`
}

// Validate checks the configuration before a run is created.
func (c PolicyConfig) Validate() error {
	if !c.Mode.Valid() {
		return NewValidationError("mode", fmt.Sprintf("unknown coverage mode %q", c.Mode))
	}
	if c.DurationSeconds < 1 {
		return NewValidationError("duration_seconds", "duration must be at least 1 second")
	}
	if c.CoverageAmount.IsNegative() {
		return NewValidationError("coverage_amount", "coverage amount cannot be negative")
	}
	return nil
}

// Rate returns the per-second premium for the configured mode.
func (c PolicyConfig) Rate() decimal.Decimal {
	return c.Mode.Rate()
}

// EstimatedCost is the premium owed if every tick of the run settles.
func (c PolicyConfig) EstimatedCost() decimal.Decimal {
	return c.Rate().Mul(decimal.NewFromInt(int64(c.DurationSeconds)))
}

// PaymentReceipt records one successfully settled metering tick.
type PaymentReceipt struct {
	Sequence    int          `json:"second"`
	Mode        CoverageMode `json:"mode"`
	Amount      string       `json:"amount"`
	Transaction string       `json:"transaction"`
	Timestamp   time.Time    `json:"timestamp"`
}

// CoverageResponse is returned by the paid insurance endpoints for each settled second.
type CoverageResponse struct {
	Covered     bool         `json:"covered"`
	Mode        CoverageMode `json:"mode"`
	Timestamp   time.Time    `json:"timestamp"`
	Duration    string       `json:"duration"`
	Payer       string       `json:"payer"`
	Amount      string       `json:"amount"`
	Network     string       `json:"network"`
	Transaction string       `json:"transaction"`
}
