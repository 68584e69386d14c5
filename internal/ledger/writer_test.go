package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/verity/internal/eventlog"
	"github.com/odyssey-erp/verity/internal/projection"
)

type memoryEvents struct {
	events []eventlog.Envelope
	err    error
}

func (m *memoryEvents) add(evts ...eventlog.Envelope) {
	m.events = append(m.events, evts...)
	sort.Slice(m.events, func(i, j int) bool { return m.events[i].Before(m.events[j]) })
}

func (m *memoryEvents) AllForOrg(ctx context.Context, orgID string) ([]eventlog.Envelope, error) {
	return m.EventsAfter(ctx, orgID, -1<<62)
}

func (m *memoryEvents) EventsAfter(_ context.Context, orgID string, occurredAfter int64) ([]eventlog.Envelope, error) {
	if m.err != nil {
		return nil, m.err
	}
	var out []eventlog.Envelope
	for _, evt := range m.events {
		if evt.OrgID == orgID && evt.OccurredAt > occurredAfter {
			out = append(out, evt)
		}
	}
	return out, nil
}

type memoryStore struct {
	balances  map[string]int64
	entries   []Entry
	cursor    projection.Cursor
	hasCursor bool
	upserts   int
	replaces  int
	err       error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{balances: map[string]int64{}}
}

func (m *memoryStore) LatestCursor(context.Context, string) (projection.Cursor, bool, error) {
	return m.cursor, m.hasCursor, nil
}

func (m *memoryStore) Balances(_ context.Context, _ string, customerIDs []string) (map[string]int64, error) {
	out := map[string]int64{}
	for _, id := range customerIDs {
		if b, ok := m.balances[id]; ok {
			out[id] = b
		}
	}
	return out, nil
}

func (m *memoryStore) UpsertAll(_ context.Context, _ string, batch Batch) error {
	if m.err != nil {
		return m.err
	}
	m.upserts++
	for _, row := range batch.Balances {
		m.balances[row.CustomerID] = row.Balance
	}
	m.entries = append(m.entries, batch.Entries...)
	m.cursor, m.hasCursor = batch.Cursor, true
	return nil
}

func (m *memoryStore) ReplaceAll(_ context.Context, _ string, batch Batch) error {
	if m.err != nil {
		return m.err
	}
	m.replaces++
	m.balances = map[string]int64{}
	for _, row := range batch.Balances {
		m.balances[row.CustomerID] = row.Balance
	}
	m.entries = append([]Entry(nil), batch.Entries...)
	m.cursor, m.hasCursor = batch.Cursor, !batch.Cursor.IsZero()
	return nil
}

func newTestWriter(events *memoryEvents, store *memoryStore) *Writer {
	return NewWriter(events, store, NewMapper(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestWriterNoEventsIsNoop(t *testing.T) {
	store := newMemoryStore()
	w := newTestWriter(&memoryEvents{}, store)

	res, err := w.RunIncremental(context.Background(), "org-1")
	require.NoError(t, err)
	require.False(t, res.Written)
	require.Zero(t, res.Examined)
	require.Zero(t, store.upserts)
	require.False(t, store.hasCursor)
}

func TestWriterAppliesAndAdvancesCursor(t *testing.T) {
	events := &memoryEvents{}
	events.add(
		financialEvent("e1", EventInvoiceFinalized, 100, `{"customerId":"c1","amount":500}`),
		financialEvent("e2", "ChallanIssued", 110, `{"documentId":"d1"}`),
		financialEvent("e3", EventPaymentRecorded, 120, `{"customerId":"c1","amount":200}`),
	)
	store := newMemoryStore()
	w := newTestWriter(events, store)

	res, err := w.RunIncremental(context.Background(), "org-1")
	require.NoError(t, err)
	require.True(t, res.Written)
	require.Equal(t, 3, res.Examined)
	require.Equal(t, 2, res.Applied)
	require.Equal(t, projection.Cursor{OccurredAt: 120, EventID: "e3"}, res.Cursor)
	require.Equal(t, map[string]int64{"c1": 300}, store.balances)
	require.Len(t, store.entries, 2)
	require.Equal(t, projection.Cursor{OccurredAt: 120, EventID: "e3"}, store.cursor)

	res, err = w.RunIncremental(context.Background(), "org-1")
	require.NoError(t, err)
	require.False(t, res.Written)
	require.Equal(t, 1, store.upserts)
}

func TestWriterMergesWithPersistedBalances(t *testing.T) {
	events := &memoryEvents{}
	events.add(
		financialEvent("e1", EventInvoiceFinalized, 100, `{"customerId":"c1","amount":500}`),
		financialEvent("e2", EventInvoiceFinalized, 101, `{"customerId":"c2","amount":80}`),
	)
	store := newMemoryStore()
	w := newTestWriter(events, store)
	_, err := w.RunIncremental(context.Background(), "org-1")
	require.NoError(t, err)

	events.add(financialEvent("e3", EventPaymentRecorded, 200, `{"customerId":"c1","amount":150}`))
	res, err := w.RunIncremental(context.Background(), "org-1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Examined)
	require.Equal(t, map[string]int64{"c1": 350, "c2": 80}, store.balances)
	require.Len(t, store.entries, 3)
}

func TestWriterInvalidEventAbortsWithoutWriting(t *testing.T) {
	events := &memoryEvents{}
	events.add(
		financialEvent("e1", EventInvoiceFinalized, 100, `{"customerId":"c1","amount":500}`),
		financialEvent("e2", EventPaymentRecorded, 110, `{"customerId":"c1","amount":0}`),
	)
	store := newMemoryStore()
	w := newTestWriter(events, store)

	_, err := w.RunIncremental(context.Background(), "org-1")
	require.Error(t, err)
	require.ErrorIs(t, err, projection.ErrInvalidEvent)
	var invalid *projection.InvalidEventError
	require.True(t, errors.As(err, &invalid))
	require.Equal(t, "e2", invalid.EventID)
	require.Equal(t, ProjectionName, invalid.Projection)
	require.Contains(t, err.Error(), "ledger projection failed at event e2")
	require.Zero(t, store.upserts)
	require.Empty(t, store.balances)
	require.False(t, store.hasCursor)
}

func TestWriterCatchesUpEventsSharingCursorTimestamp(t *testing.T) {
	events := &memoryEvents{}
	events.add(financialEvent("e2", EventInvoiceFinalized, 100, `{"customerId":"c1","amount":10}`))
	store := newMemoryStore()
	w := newTestWriter(events, store)
	_, err := w.RunIncremental(context.Background(), "org-1")
	require.NoError(t, err)

	events.add(financialEvent("e3", EventInvoiceFinalized, 100, `{"customerId":"c1","amount":5}`))
	res, err := w.RunIncremental(context.Background(), "org-1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Examined)
	require.Equal(t, int64(15), store.balances["c1"])
	require.Equal(t, projection.Cursor{OccurredAt: 100, EventID: "e3"}, store.cursor)
}

// collatedEvents returns events in the order given, like a store that sorts
// event ids with a case-insensitive collation.
type collatedEvents struct {
	events []eventlog.Envelope
}

func (c *collatedEvents) AllForOrg(context.Context, string) ([]eventlog.Envelope, error) {
	return append([]eventlog.Envelope(nil), c.events...), nil
}

func (c *collatedEvents) EventsAfter(_ context.Context, _ string, occurredAfter int64) ([]eventlog.Envelope, error) {
	var out []eventlog.Envelope
	for _, evt := range c.events {
		if evt.OccurredAt > occurredAfter {
			out = append(out, evt)
		}
	}
	return out, nil
}

func TestWriterMixedCaseIDsSharingTimestampApplyOnce(t *testing.T) {
	events := &collatedEvents{events: []eventlog.Envelope{
		financialEvent("evt-a", EventInvoiceFinalized, 1000, `{"customerId":"c1","amount":100}`),
		financialEvent("evt-B", "ChallanIssued", 1000, `{}`),
	}}
	store := newMemoryStore()
	w := NewWriter(events, store, NewMapper(), slog.New(slog.NewTextHandler(io.Discard, nil)))

	res, err := w.RunIncremental(context.Background(), "org-1")
	require.NoError(t, err)
	require.Equal(t, 2, res.Examined)
	require.Equal(t, int64(100), store.balances["c1"])
	require.Equal(t, projection.Cursor{OccurredAt: 1000, EventID: "evt-a"}, store.cursor)

	for i := 0; i < 2; i++ {
		res, err = w.RunIncremental(context.Background(), "org-1")
		require.NoError(t, err)
		require.Zero(t, res.Examined)
		require.False(t, res.Written)
	}
	require.Equal(t, int64(100), store.balances["c1"])
	require.Len(t, store.entries, 1)
	require.Equal(t, 1, store.upserts)

	rebuilt := newMemoryStore()
	_, err = NewWriter(events, rebuilt, NewMapper(), slog.New(slog.NewTextHandler(io.Discard, nil))).Rebuild(context.Background(), "org-1")
	require.NoError(t, err)
	require.Equal(t, store.cursor, rebuilt.cursor)
}

func TestWriterNonFinancialBatchLeavesCursor(t *testing.T) {
	events := &memoryEvents{}
	events.add(financialEvent("e1", "ChallanIssued", 100, `{}`))
	store := newMemoryStore()
	w := newTestWriter(events, store)

	res, err := w.RunIncremental(context.Background(), "org-1")
	require.NoError(t, err)
	require.Equal(t, 1, res.Examined)
	require.False(t, res.Written)
	require.False(t, store.hasCursor)
}

func TestWriterPropagatesReadErrors(t *testing.T) {
	store := newMemoryStore()
	w := newTestWriter(&memoryEvents{err: errors.New("boom")}, store)
	_, err := w.RunIncremental(context.Background(), "org-1")
	require.ErrorContains(t, err, "ledger: fetch events: boom")
	require.NotErrorIs(t, err, projection.ErrInvalidEvent)
}

func TestWriterPersistFailureLeavesStore(t *testing.T) {
	events := &memoryEvents{}
	events.add(financialEvent("e1", EventInvoiceFinalized, 100, `{"customerId":"c1","amount":10}`))
	store := newMemoryStore()
	store.err = errors.New("disk full")
	w := newTestWriter(events, store)
	_, err := w.RunIncremental(context.Background(), "org-1")
	require.ErrorContains(t, err, "ledger: persist batch")
	require.False(t, store.hasCursor)
}

func TestWriterRebuildMatchesIncremental(t *testing.T) {
	events := &memoryEvents{}
	events.add(
		financialEvent("e1", EventInvoiceFinalized, 100, `{"customerId":"c1","amount":500}`),
		financialEvent("e2", EventPaymentRecorded, 120, `{"customerId":"c1","amount":200}`),
		financialEvent("e3", EventInvoiceFinalized, 130, `{"customerId":"c2","amount":40}`),
	)
	incremental := newMemoryStore()
	_, err := newTestWriter(events, incremental).RunIncremental(context.Background(), "org-1")
	require.NoError(t, err)

	rebuilt := newMemoryStore()
	rebuilt.balances["stale"] = 999
	res, err := newTestWriter(events, rebuilt).Rebuild(context.Background(), "org-1")
	require.NoError(t, err)
	require.True(t, res.Written)
	require.Equal(t, 1, rebuilt.replaces)
	require.Equal(t, incremental.balances, rebuilt.balances)
	require.Equal(t, incremental.entries, rebuilt.entries)
	require.Equal(t, incremental.cursor, rebuilt.cursor)
}

func TestWriterRebuildWithoutFinancialHistoryClears(t *testing.T) {
	events := &memoryEvents{}
	events.add(financialEvent("e1", "ChallanIssued", 100, `{}`))
	store := newMemoryStore()
	store.balances["c1"] = 10
	store.cursor, store.hasCursor = projection.Cursor{OccurredAt: 5, EventID: "x"}, true

	res, err := newTestWriter(events, store).Rebuild(context.Background(), "org-1")
	require.NoError(t, err)
	require.True(t, res.Written)
	require.True(t, res.Cursor.IsZero())
	require.Empty(t, store.balances)
	require.False(t, store.hasCursor)
}

func TestWriterRebuildInvalidEventKeepsStore(t *testing.T) {
	events := &memoryEvents{}
	events.add(financialEvent("e1", EventInvoiceFinalized, 100, `{"amount":10}`))
	store := newMemoryStore()
	store.balances["c1"] = 10

	_, err := newTestWriter(events, store).Rebuild(context.Background(), "org-1")
	require.ErrorIs(t, err, projection.ErrInvalidEvent)
	require.Zero(t, store.replaces)
	require.Equal(t, int64(10), store.balances["c1"])
}
