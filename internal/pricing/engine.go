// Package pricing turns cart lines into register totals. Everything here is
// a pure function of its input: totals are recomputed from the cart on every
// read and never patched incrementally.
package pricing

import (
	"github.com/shopspring/decimal"

	"cajapos/backend/internal/domain"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

type Input struct {
	Lines         []domain.CartLine
	OrderDiscount *domain.Discount
	ApplyTax      bool
	EmergencyMode bool
}

type LineTotal struct {
	ProductRef         string          `json:"product_ref"`
	EffectiveUnitPrice decimal.Decimal `json:"effective_unit_price"`
	LineTotal          decimal.Decimal `json:"line_total"`
	TaxableAmount      decimal.Decimal `json:"taxable_amount"`
	Tax                decimal.Decimal `json:"tax"`
}

type Totals struct {
	Lines               []LineTotal     `json:"lines"`
	Subtotal            decimal.Decimal `json:"subtotal"`
	OrderDiscountAmount decimal.Decimal `json:"order_discount_amount"`
	NetSubtotal         decimal.Decimal `json:"net_subtotal"`
	Tax                 decimal.Decimal `json:"tax"`
	Total               decimal.Decimal `json:"total"`
}

// Money rounds to cents, half away from zero.
func Money(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// ClampPercent bounds a percentage discount value to [0, 100].
func ClampPercent(v decimal.Decimal) decimal.Decimal {
	if v.IsNegative() {
		return decimal.Zero
	}
	if v.GreaterThan(hundred) {
		return hundred
	}
	return v
}

// ApplyDiscount returns price after d. The result is never negative.
func ApplyDiscount(price decimal.Decimal, d *domain.Discount) decimal.Decimal {
	if d == nil || !d.Value.IsPositive() {
		return nonNegative(price)
	}
	switch d.Kind {
	case domain.KindPercentage:
		return nonNegative(price.Mul(one.Sub(ClampPercent(d.Value).Div(hundred))))
	case domain.KindFixed:
		return nonNegative(price.Sub(d.Value))
	default:
		return nonNegative(price)
	}
}

// DiscountAmount is the amount d takes off base, rounded to cents and capped
// at base.
func DiscountAmount(base decimal.Decimal, d *domain.Discount) decimal.Decimal {
	if !base.IsPositive() {
		return decimal.Zero
	}
	amount := Money(base.Sub(ApplyDiscount(base, d)))
	return decimal.Min(amount, base)
}

func EffectiveUnitPrice(line domain.CartLine) decimal.Decimal {
	return ApplyDiscount(line.UnitPrice, line.Discount)
}

func LineAmount(line domain.CartLine) decimal.Decimal {
	return Money(EffectiveUnitPrice(line).Mul(decimal.NewFromInt(int64(line.Quantity))))
}

func Compute(in Input) Totals {
	totals := Totals{Lines: make([]LineTotal, len(in.Lines))}

	subtotal := decimal.Zero
	for i, line := range in.Lines {
		amount := LineAmount(line)
		totals.Lines[i] = LineTotal{
			ProductRef:         line.ProductRef,
			EffectiveUnitPrice: EffectiveUnitPrice(line),
			LineTotal:          amount,
		}
		subtotal = subtotal.Add(amount)
	}

	orderDiscount := DiscountAmount(subtotal, in.OrderDiscount)
	net := nonNegative(subtotal.Sub(orderDiscount))

	// The order discount is spread over the lines by their share of the
	// subtotal, so each line is taxed on its own discounted base.
	tax := decimal.Zero
	for i, line := range in.Lines {
		amount := totals.Lines[i].LineTotal
		taxable := amount
		if orderDiscount.IsPositive() && subtotal.IsPositive() {
			taxable = nonNegative(amount.Sub(orderDiscount.Mul(amount).Div(subtotal)))
		}
		totals.Lines[i].TaxableAmount = Money(taxable)
		totals.Lines[i].Tax = decimal.Zero
		if !in.ApplyTax || (in.EmergencyMode && line.TaxExempt) {
			continue
		}
		lineTax := taxable.Mul(line.IVARate)
		totals.Lines[i].Tax = Money(lineTax)
		tax = tax.Add(lineTax)
	}

	totals.Subtotal = subtotal
	totals.OrderDiscountAmount = orderDiscount
	totals.NetSubtotal = net
	totals.Tax = Money(tax)
	totals.Total = net.Add(totals.Tax)
	return totals
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
