// Package totals computes line-item and order-level monetary figures.
// All arithmetic is decimal; callers never hand-set derived amounts.
package totals

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/facturio/facturio/internal/shared"
)

// LineInput is one order line as entered by the caller.
type LineInput struct {
	Quantity        int64
	UnitPrice       decimal.Decimal
	DiscountPercent decimal.Decimal
	TaxPercent      decimal.Decimal
}

// LineTotals are the derived amounts for one line.
type LineTotals struct {
	Net   decimal.Decimal
	Tax   decimal.Decimal
	Gross decimal.Decimal
}

// Totals aggregates an order's derived amounts.
type Totals struct {
	Net   decimal.Decimal
	Tax   decimal.Decimal
	Gross decimal.Decimal
	Lines []LineTotals
}

var hundred = decimal.NewFromInt(100)

// Compute derives per-line and aggregate totals. Tax accrues on each line's
// discounted net BEFORE the global discount; the global discount reduces net
// only. This asymmetry matches the billing rules the engine is committed to
// and must not be "fixed" without a product decision.
func Compute(lines []LineInput, globalDiscountPercent decimal.Decimal) (Totals, error) {
	if err := validatePercent("global_discount_percent", globalDiscountPercent); err != nil {
		return Totals{}, err
	}

	out := Totals{Lines: make([]LineTotals, 0, len(lines))}
	sumNet := decimal.Zero
	sumTax := decimal.Zero

	for i, line := range lines {
		if err := validateLine(i, line); err != nil {
			return Totals{}, err
		}

		base := line.UnitPrice.Mul(decimal.NewFromInt(line.Quantity))
		lineNet := base.Mul(discountFactor(line.DiscountPercent))
		lineTax := lineNet.Mul(line.TaxPercent.Div(hundred))

		out.Lines = append(out.Lines, LineTotals{
			Net:   lineNet,
			Tax:   lineTax,
			Gross: lineNet.Add(lineTax),
		})
		sumNet = sumNet.Add(lineNet)
		sumTax = sumTax.Add(lineTax)
	}

	out.Net = sumNet.Mul(discountFactor(globalDiscountPercent))
	out.Tax = sumTax
	out.Gross = out.Net.Add(out.Tax)
	return out, nil
}

func discountFactor(percent decimal.Decimal) decimal.Decimal {
	return hundred.Sub(percent).Div(hundred)
}

func validateLine(i int, line LineInput) error {
	field := func(name string) string { return fmt.Sprintf("lines[%d].%s", i, name) }
	if line.Quantity < 0 {
		return shared.Invalidf(field("quantity"), "must not be negative")
	}
	if line.UnitPrice.IsNegative() {
		return shared.Invalidf(field("unit_price"), "must not be negative")
	}
	if err := validatePercent(field("discount_percent"), line.DiscountPercent); err != nil {
		return err
	}
	return validatePercent(field("tax_percent"), line.TaxPercent)
}

func validatePercent(field string, p decimal.Decimal) error {
	if p.IsNegative() || p.GreaterThan(hundred) {
		return shared.Invalidf(field, "must be between 0 and 100")
	}
	return nil
}
