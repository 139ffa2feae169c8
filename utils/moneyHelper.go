package utils

import "github.com/shopspring/decimal"

var decimalOneHundred = decimal.NewFromInt(100)

// CalculateInclusiveTaxAmount extracts the tax portion of a gross total:
// (total / (100 + rate)) * rate. Rates are whole percentages (e.g. 5 for 5%).
func CalculateInclusiveTaxAmount(totalAmount decimal.Decimal, taxRate decimal.Decimal) decimal.Decimal {
	if taxRate.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return totalAmount.DivRound(taxRate.Add(decimalOneHundred), 4).Mul(taxRate).Round(2)
}

// CalculateExclusiveTaxAmount computes tax on top of a net amount:
// (amount / 100) * rate.
func CalculateExclusiveTaxAmount(netAmount decimal.Decimal, taxRate decimal.Decimal) decimal.Decimal {
	if taxRate.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return netAmount.DivRound(decimalOneHundred, 4).Mul(taxRate).Round(2)
}

// CalculateDiscountAmount applies a fractional rate (0.05 = 5%) to a subtotal.
func CalculateDiscountAmount(subTotal decimal.Decimal, discountRate decimal.Decimal) decimal.Decimal {
	if discountRate.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}
	return subTotal.Mul(discountRate).Round(2)
}
