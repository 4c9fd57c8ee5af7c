package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/facturio/facturio/internal/invoices"
)

// OverdueSource lists unsettled invoices past their due date.
type OverdueSource interface {
	ListOverdue(ctx context.Context, asOf time.Time) ([]invoices.Invoice, error)
}

// OverdueScanJob sweeps for overdue invoices and reports them. It mutates
// nothing: the settlement state stays ledger-driven, the sweep only makes
// overdue receivables visible in the logs.
type OverdueScanJob struct {
	source OverdueSource
	logger *slog.Logger
	now    func() time.Time
}

// NewOverdueScanJob constructs the job.
func NewOverdueScanJob(source OverdueSource, logger *slog.Logger) *OverdueScanJob {
	return &OverdueScanJob{source: source, logger: logger, now: time.Now}
}

// Handle processes TaskTypeOverdueScan tasks.
func (j *OverdueScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	var payload OverdueScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	asOf := payload.AsOf
	if asOf.IsZero() {
		asOf = j.now()
	}

	overdue, err := j.source.ListOverdue(ctx, asOf)
	if err != nil {
		return err
	}

	for i := range overdue {
		inv := &overdue[i]
		j.logger.Warn("invoice overdue",
			slog.String("number", inv.Number),
			slog.Int64("order_id", inv.OrderID),
			slog.String("status", string(inv.Status)),
			slog.String("amount_remaining", inv.AmountRemaining.String()),
			slog.Time("due_date", inv.DueDate),
		)
	}
	j.logger.Info("overdue scan finished",
		slog.Time("as_of", asOf),
		slog.Int("overdue", len(overdue)),
	)
	return nil
}
