package projection

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordingWriter struct {
	name  string
	calls *[]string
	err   error
}

func (w *recordingWriter) Name() string { return w.name }

func (w *recordingWriter) RunIncremental(_ context.Context, orgID string) (Result, error) {
	*w.calls = append(*w.calls, w.name+":incremental:"+orgID)
	return Result{Projection: w.name, Written: w.err == nil}, w.err
}

type rebuildingWriter struct {
	recordingWriter
}

func (w *rebuildingWriter) Rebuild(_ context.Context, orgID string) (Result, error) {
	*w.calls = append(*w.calls, w.name+":rebuild:"+orgID)
	return Result{Projection: w.name, Written: true}, w.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCoordinatorRunsLedgerBeforeIndex(t *testing.T) {
	var calls []string
	ledger := &recordingWriter{name: "ledger", calls: &calls}
	index := &recordingWriter{name: "document_index", calls: &calls}
	c := NewCoordinator(ledger, index, quietLogger())

	report, err := c.RunIncremental(context.Background(), "org-1")
	require.NoError(t, err)
	require.Equal(t, []string{"ledger:incremental:org-1", "document_index:incremental:org-1"}, calls)
	require.Len(t, report.Results, 2)
	require.Equal(t, "ledger", report.Results[0].Projection)
}

func TestCoordinatorStopsAtFirstFailure(t *testing.T) {
	var calls []string
	boom := &InvalidEventError{Projection: "ledger", EventID: "e1", EventType: "PaymentRecorded", Reason: "amount must be > 0"}
	ledger := &recordingWriter{name: "ledger", calls: &calls, err: boom}
	index := &recordingWriter{name: "document_index", calls: &calls}
	c := NewCoordinator(ledger, index, quietLogger())

	report, err := c.RunIncremental(context.Background(), "org-1")
	require.Error(t, err)
	require.ErrorIs(t, err, ErrInvalidEvent)
	require.Contains(t, err.Error(), "projection: ledger incremental: ledger projection failed at event e1")
	require.Equal(t, []string{"ledger:incremental:org-1"}, calls)
	require.Empty(t, report.Results)
}

func TestCoordinatorRequiresOrg(t *testing.T) {
	var calls []string
	w := &recordingWriter{name: "ledger", calls: &calls}
	c := NewCoordinator(w, w, nil)
	_, err := c.RunIncremental(context.Background(), "")
	require.Error(t, err)
	_, err = c.RebuildAll(context.Background(), "")
	require.Error(t, err)
	require.Empty(t, calls)
}

func TestCoordinatorRebuildSkipsUnsupportedWriters(t *testing.T) {
	var calls []string
	ledger := &recordingWriter{name: "ledger", calls: &calls}
	index := &rebuildingWriter{recordingWriter{name: "document_index", calls: &calls}}
	c := NewCoordinator(ledger, index, quietLogger())

	report, err := c.RebuildAll(context.Background(), "org-1")
	require.NoError(t, err)
	require.Equal(t, []string{"document_index:rebuild:org-1"}, calls)
	require.Equal(t, []string{"ledger"}, report.Skipped)
	require.Len(t, report.Results, 1)
}

func TestCoordinatorRebuildOrderAndFailure(t *testing.T) {
	var calls []string
	ledger := &rebuildingWriter{recordingWriter{name: "ledger", calls: &calls, err: errors.New("db down")}}
	index := &rebuildingWriter{recordingWriter{name: "document_index", calls: &calls}}
	c := NewCoordinator(ledger, index, quietLogger())

	_, err := c.RebuildAll(context.Background(), "org-1")
	require.EqualError(t, err, "projection: ledger rebuild: db down")
	require.Equal(t, []string{"ledger:rebuild:org-1"}, calls)
}

func TestInvalidEventErrorMatchesCause(t *testing.T) {
	cause := errors.New("document missing")
	err := &InvalidEventError{Projection: "document_index", EventID: "e9", EventType: "InvoiceCancelled", Reason: "x", Err: cause}
	require.ErrorIs(t, err, ErrInvalidEvent)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "document_index projection failed at event e9 (InvoiceCancelled): x", err.Error())
}
