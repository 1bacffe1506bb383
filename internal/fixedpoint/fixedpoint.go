// Package fixedpoint converts between the protocol's scaled-integer wire
// representations and decimal values. Loan-book amounts and timestamps are
// emitted as integers with an implied 8-decimal scale; the oracle price and
// the settlement token use 18 decimals. Conversions happen once at the
// boundary so nothing downstream touches raw scaled integers.
package fixedpoint

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// SecondsPerYear is the accrual year used by the protocol (365.25 days).
const SecondsPerYear = 31_557_600

var (
	scale8  = decimal.New(1, 8)
	scale18 = decimal.New(1, 18)
)

// ParseScaled8 parses a decimal integer string carrying the protocol's
// 8-decimal implied scale.
func ParseScaled8(s string) (decimal.Decimal, error) {
	raw, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse scaled value %q: %w", s, err)
	}
	if !raw.IsInteger() {
		return decimal.Decimal{}, fmt.Errorf("scaled value %q is not an integer", s)
	}
	return raw.Div(scale8), nil
}

// FromBig8 descales an 8-decimal fixed-point big integer.
func FromBig8(x *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(x, -8)
}

// FromBig18 descales an 18-decimal fixed-point big integer.
func FromBig18(x *big.Int) decimal.Decimal {
	return decimal.NewFromBigInt(x, -18)
}

// ToBig8 rescales a decimal to the protocol's 8-decimal integer form,
// truncating any sub-scale remainder.
func ToBig8(d decimal.Decimal) *big.Int {
	return d.Mul(scale8).Truncate(0).BigInt()
}

// ToBig18 rescales a decimal to an 18-decimal token amount.
func ToBig18(d decimal.Decimal) *big.Int {
	return d.Mul(scale18).Truncate(0).BigInt()
}
