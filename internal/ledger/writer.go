package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/odyssey-erp/verity/internal/eventlog"
	"github.com/odyssey-erp/verity/internal/projection"
)

// Batch is everything one run persists: touched balances, new entries and
// the cursor, written together or not at all.
type Batch struct {
	Balances []BalanceRow
	Entries  []Entry
	Cursor   projection.Cursor
}

// Store is the ledger's projection store. The writer is its only mutator.
type Store interface {
	LatestCursor(ctx context.Context, orgID string) (projection.Cursor, bool, error)
	Balances(ctx context.Context, orgID string, customerIDs []string) (map[string]int64, error)
	// UpsertAll replaces the given balances, inserts the entries and
	// advances the cursor atomically. Other customers are untouched.
	UpsertAll(ctx context.Context, orgID string, batch Batch) error
	// ReplaceAll swaps the organization's whole projection atomically.
	ReplaceAll(ctx context.Context, orgID string, batch Batch) error
}

// Writer keeps the ledger projection of each organization caught up with
// the event log.
type Writer struct {
	events eventlog.Reader
	store  Store
	mapper *Mapper
	logger *slog.Logger
}

// NewWriter constructs the ledger projection writer.
func NewWriter(events eventlog.Reader, store Store, mapper *Mapper, logger *slog.Logger) *Writer {
	if mapper == nil {
		mapper = NewMapper()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{events: events, store: store, mapper: mapper, logger: logger}
}

// Name implements projection.Writer.
func (w *Writer) Name() string {
	return ProjectionName
}

// RunIncremental applies every event newer than the stored cursor. An
// invalid event aborts the run with nothing persisted.
func (w *Writer) RunIncremental(ctx context.Context, orgID string) (projection.Result, error) {
	result := projection.Result{Projection: ProjectionName}

	cursor, hasCursor, err := w.store.LatestCursor(ctx, orgID)
	if err != nil {
		return result, fmt.Errorf("ledger: read cursor: %w", err)
	}
	result.Cursor = cursor

	events, err := projection.PendingEvents(ctx, w.events, orgID, cursor, hasCursor)
	if err != nil {
		return result, fmt.Errorf("ledger: fetch events: %w", err)
	}
	if len(events) == 0 {
		return result, nil
	}

	inputs, next, err := w.collect(events)
	result.Examined = len(events)
	if err != nil {
		return result, err
	}
	result.Applied = len(inputs)
	if len(inputs) == 0 {
		return result, nil
	}

	customerIDs := touchedCustomers(inputs)
	persisted, err := w.store.Balances(ctx, orgID, customerIDs)
	if err != nil {
		return result, fmt.Errorf("ledger: load balances: %w", err)
	}
	base := Empty()
	for _, id := range customerIDs {
		if balance, ok := persisted[id]; ok {
			base.BalancesByCustomer[id] = balance
		}
	}

	state := ReplayFrom(base, inputs)
	batch := Batch{Balances: balanceRows(state), Entries: state.Entries, Cursor: next}
	if err := w.store.UpsertAll(ctx, orgID, batch); err != nil {
		return result, fmt.Errorf("ledger: persist batch: %w", err)
	}

	result.Written = true
	result.Cursor = next
	w.logger.Info("ledger projection advanced",
		slog.String("org_id", orgID),
		slog.Int("events", len(events)),
		slog.Int("entries", len(batch.Entries)),
		slog.Int("customers", len(batch.Balances)),
		slog.Int64("cursor_occurred_at", next.OccurredAt),
		slog.String("cursor_event_id", next.EventID))
	return result, nil
}

// Rebuild replays the organization's full history and replaces the stored
// projection with the result.
func (w *Writer) Rebuild(ctx context.Context, orgID string) (projection.Result, error) {
	result := projection.Result{Projection: ProjectionName}

	events, err := projection.AllEvents(ctx, w.events, orgID)
	if err != nil {
		return result, fmt.Errorf("ledger: fetch events: %w", err)
	}
	inputs, next, err := w.collect(events)
	result.Examined = len(events)
	if err != nil {
		return result, err
	}
	result.Applied = len(inputs)
	if len(inputs) == 0 {
		next = projection.Cursor{}
	}

	state := Replay(inputs)
	batch := Batch{Balances: balanceRows(state), Entries: state.Entries, Cursor: next}
	if err := w.store.ReplaceAll(ctx, orgID, batch); err != nil {
		return result, fmt.Errorf("ledger: replace projection: %w", err)
	}

	result.Written = true
	result.Cursor = next
	w.logger.Info("ledger projection rebuilt",
		slog.String("org_id", orgID),
		slog.Int("events", len(events)),
		slog.Int("customers", len(batch.Balances)))
	return result, nil
}

// collect maps events in order. The returned cursor is the position of the
// last event examined.
func (w *Writer) collect(events []eventlog.Envelope) ([]ReplayInput, projection.Cursor, error) {
	var (
		inputs []ReplayInput
		next   projection.Cursor
	)
	for _, evt := range events {
		switch res := w.mapper.Map(evt).(type) {
		case NonFinancial:
		case Financial:
			inputs = append(inputs, res.Input)
		case Invalid:
			return nil, projection.Cursor{}, &projection.InvalidEventError{
				Projection: ProjectionName,
				EventID:    evt.EventID,
				EventType:  evt.EventType,
				Reason:     res.Reason,
			}
		default:
			return nil, projection.Cursor{}, fmt.Errorf("ledger: unhandled mapping result %T", res)
		}
		next = projection.CursorOf(evt)
	}
	return inputs, next, nil
}

func touchedCustomers(inputs []ReplayInput) []string {
	seen := make(map[string]struct{}, len(inputs))
	ids := make([]string, 0, len(inputs))
	for _, in := range inputs {
		if _, ok := seen[in.CustomerID]; ok {
			continue
		}
		seen[in.CustomerID] = struct{}{}
		ids = append(ids, in.CustomerID)
	}
	sort.Strings(ids)
	return ids
}

func balanceRows(state State) []BalanceRow {
	rows := make([]BalanceRow, 0, len(state.BalancesByCustomer))
	for customerID, balance := range state.BalancesByCustomer {
		rows = append(rows, BalanceRow{CustomerID: customerID, Balance: balance})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CustomerID < rows[j].CustomerID })
	return rows
}

var (
	_ projection.Writer    = (*Writer)(nil)
	_ projection.Rebuilder = (*Writer)(nil)
)
