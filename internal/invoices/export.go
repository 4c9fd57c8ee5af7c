package invoices

import (
	"encoding/csv"
	"io"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// WriteCSV streams invoices as CSV. Amounts are formatted for the requested
// BCP 47 locale; an empty or unparseable locale falls back to English.
func WriteCSV(w io.Writer, items []Invoice, locale string) error {
	tag := language.English
	if locale != "" {
		if parsed, err := language.Parse(locale); err == nil {
			tag = parsed
		}
	}
	printer := message.NewPrinter(tag)

	cw := csv.NewWriter(w)
	if err := cw.Write([]string{
		"number", "order_id", "direction", "counterparty_id", "status", "payment_method",
		"net", "tax", "gross", "amount_paid", "amount_remaining",
		"issued_at", "due_date",
	}); err != nil {
		return err
	}

	for i := range items {
		inv := &items[i]
		counterparty := ""
		if inv.ClientID != nil {
			counterparty = printer.Sprintf("%d", *inv.ClientID)
		} else if inv.SupplierID != nil {
			counterparty = printer.Sprintf("%d", *inv.SupplierID)
		}
		record := []string{
			inv.Number,
			printer.Sprintf("%d", inv.OrderID),
			string(inv.Direction),
			counterparty,
			string(inv.Status),
			string(inv.PaymentMethod),
			formatAmount(printer, inv.Net),
			formatAmount(printer, inv.Tax),
			formatAmount(printer, inv.Gross),
			formatAmount(printer, inv.AmountPaid),
			formatAmount(printer, inv.AmountRemaining),
			inv.IssuedAt.Format(time.RFC3339),
			inv.DueDate.Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}

	cw.Flush()
	return cw.Error()
}

func formatAmount(p *message.Printer, d decimal.Decimal) string {
	f, _ := d.Round(2).Float64()
	return p.Sprintf("%.2f", f)
}
