package strategy

import (
	"github.com/shopspring/decimal"
)

var (
	// tafPerShare is the FINRA Trading Activity Fee, charged on sells.
	tafPerShare = decimal.RequireFromString("0.000166")
	tafCap      = decimal.RequireFromString("8.30")
	// catPerShare is the Consolidated Audit Trail fee, charged on both legs.
	catPerShare = decimal.RequireFromString("0.0000265")
)

// FeeModel selects which regulatory fees a simulated round trip pays.
type FeeModel struct {
	TAF bool `yaml:"taf" json:"taf"`
	CAT bool `yaml:"cat" json:"cat"`
}

// DefaultFees charges both TAF and CAT.
func DefaultFees() FeeModel {
	return FeeModel{TAF: true, CAT: true}
}

// TAFFee returns the sell-side TAF for shares, rounded up to the cent and capped.
func TAFFee(shares float64) decimal.Decimal {
	if shares <= 0 {
		return decimal.Zero
	}
	fee := decimal.NewFromFloat(shares).Mul(tafPerShare).RoundCeil(2)
	if fee.GreaterThan(tafCap) {
		return tafCap
	}
	return fee
}

// CATFee returns the CAT fee of one leg.
func CATFee(shares float64) decimal.Decimal {
	if shares <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(shares).Mul(catPerShare)
}

// RoundTrip returns the total fees of buying and then selling shares.
func (m FeeModel) RoundTrip(shares float64) decimal.Decimal {
	total := decimal.Zero
	if m.CAT {
		total = total.Add(CATFee(shares).Mul(decimal.NewFromInt(2)))
	}
	if m.TAF {
		total = total.Add(TAFFee(shares))
	}
	return total
}

// PnL returns (exit - entry) * shares - fees in exact decimal arithmetic.
func PnL(entry, exit, shares, fees float64) decimal.Decimal {
	return decimal.NewFromFloat(exit).
		Sub(decimal.NewFromFloat(entry)).
		Mul(decimal.NewFromFloat(shares)).
		Sub(decimal.NewFromFloat(fees))
}
