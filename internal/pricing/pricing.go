// Package pricing holds the exact monetary arithmetic shared by carts and orders.
package pricing

import "github.com/shopspring/decimal"

// Scale is the number of fractional digits kept for money.
const Scale = 2

var hundred = decimal.NewFromInt(100)

// SpecialPrice returns price minus discount percent, rounded to cents.
func SpecialPrice(price, discountPercent decimal.Decimal) decimal.Decimal {
	off := price.Mul(discountPercent).Div(hundred)
	return price.Sub(off).Round(Scale)
}

// LineTotal returns unitPrice * quantity.
func LineTotal(unitPrice decimal.Decimal, quantity int) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity))).Round(Scale)
}

// Sum adds amounts exactly.
func Sum(amounts ...decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a)
	}
	return total
}
