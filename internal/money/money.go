// Package money provides fixed-point amount handling for escrow payments.
//
// Amounts are stored as int64 in minor currency units (centavos, cents).
// Percent arithmetic goes through shopspring/decimal and always truncates
// toward zero, never rounds up, so a custody split can never allocate more
// than the payment amount.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount  = errors.New("money: amount must be greater than zero")
	ErrInvalidPercent = errors.New("money: percent must be between 0 and 100")
)

// minorUnits is the number of decimal places for supported currencies.
// MXN and USD both use 2.
const minorUnits = 2

// Parse converts a decimal string (e.g. "1500.50") to minor units (150050).
// Fractional digits beyond the minor unit are rejected, not silently dropped.
func Parse(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("money: invalid amount %q", s)
	}
	if d.Exponent() < -minorUnits {
		return 0, fmt.Errorf("money: amount %q has more than %d decimal places", s, minorUnits)
	}
	scaled := d.Shift(minorUnits)
	if !scaled.IsInteger() {
		return 0, fmt.Errorf("money: amount %q has more than %d decimal places", s, minorUnits)
	}
	return scaled.IntPart(), nil
}

// Format converts minor units to a decimal string with two places
// (e.g. 150050 -> "1500.50").
func Format(amount int64) string {
	return decimal.New(amount, -minorUnits).StringFixed(minorUnits)
}

// Split is the custody/release breakdown of a payment amount.
type Split struct {
	Custody    int64 // held back until the custody deadline
	Release    int64 // released on dual approval
	Commission int64 // platform commission
}

// ComputeSplit divides amount (minor units) into custody, commission and
// release portions. Custody and commission are truncated toward zero; the
// release amount absorbs the remainder so the three parts always sum to
// the original amount exactly.
func ComputeSplit(amount int64, custodyPercent, commissionPercent float64) (Split, error) {
	if amount <= 0 {
		return Split{}, ErrInvalidAmount
	}
	if custodyPercent < 0 || custodyPercent > 100 {
		return Split{}, ErrInvalidPercent
	}
	if commissionPercent < 0 || commissionPercent > 100 {
		return Split{}, ErrInvalidPercent
	}

	amt := decimal.New(amount, 0)
	custody := amt.Mul(decimal.NewFromFloat(custodyPercent)).Div(decimal.New(100, 0)).Truncate(0).IntPart()
	commission := amt.Mul(decimal.NewFromFloat(commissionPercent)).Div(decimal.New(100, 0)).Truncate(0).IntPart()

	release := amount - custody - commission
	if release < 0 {
		// Truncation makes this unreachable for valid percents, but a
		// negative release amount must never be persisted.
		return Split{}, ErrInvalidPercent
	}

	return Split{Custody: custody, Release: release, Commission: commission}, nil
}

// USDEquivalent converts a minor-unit amount using the given FX rate
// (units of USD per unit of the source currency), truncating to minor units.
func USDEquivalent(amount int64, rate string) (int64, error) {
	r, err := decimal.NewFromString(rate)
	if err != nil || r.Sign() <= 0 {
		return 0, fmt.Errorf("money: invalid fx rate %q", rate)
	}
	return decimal.New(amount, 0).Mul(r).Truncate(0).IntPart(), nil
}
