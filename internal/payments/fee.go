package payments

import "github.com/shopspring/decimal"

// MinorUnits converts a decimal currency amount to integer minor units
// (cents). All arithmetic at the payment boundary happens in minor units;
// floating point never touches money here.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// FromMinorUnits converts integer cents back to a decimal currency amount.
func FromMinorUnits(cents int64) decimal.Decimal {
	return decimal.NewFromInt(cents).Shift(-2)
}

// SplitFee computes the platform fee for a gross amount in minor units.
// The fee is feePercent of the gross, rounded half-up; the transfer is the
// remainder, so fee + transfer always equals gross exactly. Any rounding
// remainder lands in the fee, never the transfer.
func SplitFee(gross int64, feePercent decimal.Decimal) (fee, transfer int64) {
	fee = decimal.NewFromInt(gross).
		Mul(feePercent).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
	if fee < 0 {
		fee = 0
	}
	if fee > gross {
		fee = gross
	}
	transfer = gross - fee
	return fee, transfer
}
