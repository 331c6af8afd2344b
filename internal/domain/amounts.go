package domain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// TokenDecimals is the fixed scale used for USDC and USYC base units.
const TokenDecimals = 6

// ToBaseUnits converts a decimal token amount into integer base units, rounding
// half away from zero.
func ToBaseUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(TokenDecimals).Round(0).BigInt()
}

// FromBaseUnits converts integer base units back into a decimal token amount.
func FromBaseUnits(units *big.Int) decimal.Decimal {
	if units == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(units, -TokenDecimals)
}

// FormatAmount renders a token amount with the fixed six-decimal scale.
func FormatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(TokenDecimals)
}

// FormatBaseUnits renders base units as a six-decimal token amount.
func FormatBaseUnits(units *big.Int) string {
	return FormatAmount(FromBaseUnits(units))
}

// IsAddress reports whether raw is a 20-byte hex address. Mixed-case input must
// carry a valid EIP-55 checksum; all-lower or all-upper input is accepted as is.
func IsAddress(raw string) bool {
	if !common.IsHexAddress(raw) {
		return false
	}
	hexPart := strings.TrimPrefix(strings.TrimPrefix(raw, "0x"), "0X")
	if hexPart == strings.ToLower(hexPart) || hexPart == strings.ToUpper(hexPart) {
		return true
	}
	return common.HexToAddress(raw).Hex() == "0x"+hexPart
}

// ValidatePositiveAmount rejects zero and negative amounts for field.
func ValidatePositiveAmount(field string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return NewValidationError(field, field+" required and must be > 0")
	}
	if ToBaseUnits(amount).Sign() <= 0 {
		return NewValidationError(field, field+" is smaller than one base unit")
	}
	return nil
}
