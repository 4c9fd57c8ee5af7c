package totals

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/facturio/facturio/internal/shared"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestComputeSingleLine(t *testing.T) {
	// 2 x 100 at 19% tax, no discounts.
	got, err := Compute([]LineInput{
		{Quantity: 2, UnitPrice: d("100"), DiscountPercent: decimal.Zero, TaxPercent: d("19")},
	}, decimal.Zero)
	require.NoError(t, err)

	require.True(t, got.Net.Equal(d("200")), "net=%s", got.Net)
	require.True(t, got.Tax.Equal(d("38")), "tax=%s", got.Tax)
	require.True(t, got.Gross.Equal(d("238")), "gross=%s", got.Gross)

	require.Len(t, got.Lines, 1)
	require.True(t, got.Lines[0].Net.Equal(d("200")))
	require.True(t, got.Lines[0].Tax.Equal(d("38")))
	require.True(t, got.Lines[0].Gross.Equal(d("238")))
}

func TestComputeLineDiscount(t *testing.T) {
	got, err := Compute([]LineInput{
		{Quantity: 4, UnitPrice: d("25"), DiscountPercent: d("10"), TaxPercent: d("20")},
	}, decimal.Zero)
	require.NoError(t, err)

	// 100 - 10% = 90 net, 18 tax.
	require.True(t, got.Net.Equal(d("90")))
	require.True(t, got.Tax.Equal(d("18")))
	require.True(t, got.Gross.Equal(d("108")))
}

func TestComputeGlobalDiscountLeavesTaxUntouched(t *testing.T) {
	// Tax is accrued on pre-global-discount line nets.
	got, err := Compute([]LineInput{
		{Quantity: 1, UnitPrice: d("100"), TaxPercent: d("19")},
	}, d("50"))
	require.NoError(t, err)

	require.True(t, got.Net.Equal(d("50")), "net=%s", got.Net)
	require.True(t, got.Tax.Equal(d("19")), "tax=%s", got.Tax)
	require.True(t, got.Gross.Equal(d("69")), "gross=%s", got.Gross)
}

func TestComputeGrossIsNetPlusTax(t *testing.T) {
	lines := []LineInput{
		{Quantity: 3, UnitPrice: d("19.99"), DiscountPercent: d("5"), TaxPercent: d("19")},
		{Quantity: 1, UnitPrice: d("0.01"), TaxPercent: d("7")},
		{Quantity: 10, UnitPrice: d("123.456"), DiscountPercent: d("33.33"), TaxPercent: d("19")},
	}
	for _, discount := range []string{"0", "1", "12.5", "99.99", "100"} {
		got, err := Compute(lines, d(discount))
		require.NoError(t, err)
		require.True(t, got.Gross.Equal(got.Net.Add(got.Tax)), "discount=%s", discount)
	}
}

func TestComputeNetMonotonicInGlobalDiscount(t *testing.T) {
	lines := []LineInput{
		{Quantity: 7, UnitPrice: d("14.30"), DiscountPercent: d("2"), TaxPercent: d("19")},
	}
	prev, err := Compute(lines, decimal.Zero)
	require.NoError(t, err)
	for _, discount := range []string{"10", "25", "50", "75", "100"} {
		got, err := Compute(lines, d(discount))
		require.NoError(t, err)
		require.True(t, got.Net.LessThanOrEqual(prev.Net), "discount=%s", discount)
		prev = got
	}
}

func TestComputeZeroQuantityAllowed(t *testing.T) {
	got, err := Compute([]LineInput{
		{Quantity: 0, UnitPrice: d("10"), TaxPercent: d("19")},
	}, decimal.Zero)
	require.NoError(t, err)
	require.True(t, got.Gross.IsZero())
}

func TestComputeRejectsBadInput(t *testing.T) {
	cases := map[string]struct {
		lines          []LineInput
		globalDiscount decimal.Decimal
	}{
		"negative quantity": {
			lines: []LineInput{{Quantity: -1, UnitPrice: d("10")}},
		},
		"negative price": {
			lines: []LineInput{{Quantity: 1, UnitPrice: d("-10")}},
		},
		"line discount above 100": {
			lines: []LineInput{{Quantity: 1, UnitPrice: d("10"), DiscountPercent: d("101")}},
		},
		"negative tax": {
			lines: []LineInput{{Quantity: 1, UnitPrice: d("10"), TaxPercent: d("-1")}},
		},
		"global discount below 0": {
			lines:          []LineInput{{Quantity: 1, UnitPrice: d("10")}},
			globalDiscount: d("-5"),
		},
		"global discount above 100": {
			lines:          []LineInput{{Quantity: 1, UnitPrice: d("10")}},
			globalDiscount: d("100.01"),
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Compute(tc.lines, tc.globalDiscount)
			require.ErrorIs(t, err, shared.ErrValidation)
		})
	}
}

func TestComputeEmptyLines(t *testing.T) {
	got, err := Compute(nil, d("10"))
	require.NoError(t, err)
	require.True(t, got.Net.IsZero())
	require.True(t, got.Tax.IsZero())
	require.True(t, got.Gross.IsZero())
	require.Empty(t, got.Lines)
}
