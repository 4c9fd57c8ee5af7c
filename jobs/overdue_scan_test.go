package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/facturio/facturio/internal/invoices"
)

type fakeOverdueSource struct {
	asOf time.Time
	out  []invoices.Invoice
	err  error
}

func (f *fakeOverdueSource) ListOverdue(_ context.Context, asOf time.Time) ([]invoices.Invoice, error) {
	f.asOf = asOf
	return f.out, f.err
}

func overdueTask(t *testing.T, payload OverdueScanPayload) *asynq.Task {
	t.Helper()
	task, err := NewOverdueScanTask(payload)
	require.NoError(t, err)
	return task
}

func TestOverdueScanUsesPayloadTime(t *testing.T) {
	src := &fakeOverdueSource{out: []invoices.Invoice{
		{Number: "INV-2608-0001", OrderID: 1, Status: invoices.StatusPartiallyPaid,
			AmountRemaining: decimal.NewFromInt(138), DueDate: time.Now().AddDate(0, 0, -3)},
	}}
	job := NewOverdueScanJob(src, slog.New(slog.NewTextHandler(io.Discard, nil)))

	asOf := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, job.Handle(context.Background(), overdueTask(t, OverdueScanPayload{AsOf: asOf})))
	assert.Equal(t, asOf, src.asOf)
}

func TestOverdueScanDefaultsToNow(t *testing.T) {
	src := &fakeOverdueSource{}
	job := NewOverdueScanJob(src, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Date(2026, 8, 30, 8, 0, 0, 0, time.UTC)
	job.now = func() time.Time { return now }

	require.NoError(t, job.Handle(context.Background(), overdueTask(t, OverdueScanPayload{})))
	assert.Equal(t, now, src.asOf)
}

func TestOverdueScanPropagatesSourceError(t *testing.T) {
	src := &fakeOverdueSource{err: errors.New("db down")}
	job := NewOverdueScanJob(src, slog.New(slog.NewTextHandler(io.Discard, nil)))

	err := job.Handle(context.Background(), overdueTask(t, OverdueScanPayload{}))
	require.Error(t, err)
}

func TestOverdueScanSkipsRetryOnBadPayload(t *testing.T) {
	job := NewOverdueScanJob(&fakeOverdueSource{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	task := asynq.NewTask(TaskTypeOverdueScan, []byte("not json"))

	err := job.Handle(context.Background(), task)
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestOverdueScanPayloadRoundTrip(t *testing.T) {
	asOf := time.Date(2026, 8, 30, 0, 0, 0, 0, time.UTC)
	task := overdueTask(t, OverdueScanPayload{AsOf: asOf})

	var decoded OverdueScanPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &decoded))
	assert.True(t, decoded.AsOf.Equal(asOf))
}
