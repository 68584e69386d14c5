package docindex

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/odyssey-erp/verity/internal/eventlog"
	"github.com/odyssey-erp/verity/internal/projection"
)

// Batch is one atomic write: the touched document rows and the cursor.
type Batch struct {
	Rows   []StoredRow
	Cursor projection.Cursor
}

// Store is the document index projection store. The writer is its only
// mutator.
type Store interface {
	LatestCursor(ctx context.Context, orgID string) (projection.Cursor, bool, error)
	Documents(ctx context.Context, orgID string, documentIDs []string) (map[string]Row, error)
	UpsertAll(ctx context.Context, orgID string, batch Batch) error
	ReplaceAll(ctx context.Context, orgID string, batch Batch) error
}

// Writer keeps the document index of each organization caught up with the
// event log.
type Writer struct {
	events eventlog.Reader
	store  Store
	mapper *Mapper
	logger *slog.Logger
}

// NewWriter constructs the document index writer.
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

// RunIncremental applies every document event newer than the stored
// cursor on top of the rows those events touch.
func (w *Writer) RunIncremental(ctx context.Context, orgID string) (projection.Result, error) {
	result := projection.Result{Projection: ProjectionName}

	cursor, hasCursor, err := w.store.LatestCursor(ctx, orgID)
	if err != nil {
		return result, fmt.Errorf("docindex: read cursor: %w", err)
	}
	result.Cursor = cursor

	events, err := projection.PendingEvents(ctx, w.events, orgID, cursor, hasCursor)
	if err != nil {
		return result, fmt.Errorf("docindex: fetch events: %w", err)
	}
	if len(events) == 0 {
		return result, nil
	}

	mutations, next, err := w.collect(events)
	result.Examined = len(events)
	if err != nil {
		return result, err
	}
	result.Applied = len(mutations)
	if len(mutations) == 0 {
		return result, nil
	}

	documentIDs := touchedDocuments(mutations)
	base, err := w.store.Documents(ctx, orgID, documentIDs)
	if err != nil {
		return result, fmt.Errorf("docindex: load documents: %w", err)
	}
	state, err := ReplayFrom(State{DocumentsByID: base}, mutations)
	if err != nil {
		return result, replayFailure(err, events)
	}

	batch := Batch{Rows: storedRows(state, mutations), Cursor: next}
	if err := w.store.UpsertAll(ctx, orgID, batch); err != nil {
		return result, fmt.Errorf("docindex: persist batch: %w", err)
	}

	result.Written = true
	result.Cursor = next
	w.logger.Info("document index advanced",
		slog.String("org_id", orgID),
		slog.Int("events", len(events)),
		slog.Int("documents", len(batch.Rows)),
		slog.Int64("cursor_occurred_at", next.OccurredAt),
		slog.String("cursor_event_id", next.EventID))
	return result, nil
}

// Rebuild replays the organization's whole history and atomically replaces
// the index. An organization without document events ends up empty.
func (w *Writer) Rebuild(ctx context.Context, orgID string) (projection.Result, error) {
	result := projection.Result{Projection: ProjectionName}

	events, err := projection.AllEvents(ctx, w.events, orgID)
	if err != nil {
		return result, fmt.Errorf("docindex: fetch events: %w", err)
	}
	mutations, next, err := w.collect(events)
	result.Examined = len(events)
	if err != nil {
		return result, err
	}
	result.Applied = len(mutations)
	if len(mutations) == 0 {
		next = projection.Cursor{}
	}

	state, err := Replay(mutations)
	if err != nil {
		return result, replayFailure(err, events)
	}

	batch := Batch{Rows: storedRows(state, mutations), Cursor: next}
	if err := w.store.ReplaceAll(ctx, orgID, batch); err != nil {
		return result, fmt.Errorf("docindex: replace projection: %w", err)
	}

	result.Written = true
	result.Cursor = next
	w.logger.Info("document index rebuilt",
		slog.String("org_id", orgID),
		slog.Int("events", len(events)),
		slog.Int("documents", len(batch.Rows)))
	return result, nil
}

func (w *Writer) collect(events []eventlog.Envelope) ([]Mutation, projection.Cursor, error) {
	var (
		mutations []Mutation
		next      projection.Cursor
	)
	for _, evt := range events {
		switch res := w.mapper.Map(evt).(type) {
		case NonIndexable:
		case Mapped:
			mutations = append(mutations, res.Mutation)
		case Invalid:
			return nil, projection.Cursor{}, &projection.InvalidEventError{
				Projection: ProjectionName,
				EventID:    evt.EventID,
				EventType:  evt.EventType,
				Reason:     res.Reason,
			}
		default:
			return nil, projection.Cursor{}, fmt.Errorf("docindex: unhandled mapping result %T", res)
		}
		next = projection.CursorOf(evt)
	}
	return mutations, next, nil
}

func replayFailure(err error, events []eventlog.Envelope) error {
	var orphan *OrphanStatusError
	if !errors.As(err, &orphan) {
		return fmt.Errorf("docindex: replay: %w", err)
	}
	invalid := &projection.InvalidEventError{
		Projection: ProjectionName,
		EventID:    orphan.EventID,
		Reason:     orphan.Error(),
		Err:        err,
	}
	for _, evt := range events {
		if evt.EventID == orphan.EventID {
			invalid.EventType = evt.EventType
			break
		}
	}
	return invalid
}

func touchedDocuments(mutations []Mutation) []string {
	seen := make(map[string]struct{}, len(mutations))
	ids := make([]string, 0, len(mutations))
	for _, m := range mutations {
		id := m.DocumentKey()
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// storedRows flattens every document a mutation touched, stamped with the
// last event that touched it.
func storedRows(state State, mutations []Mutation) []StoredRow {
	lastEvent := make(map[string]string, len(mutations))
	for _, m := range mutations {
		lastEvent[m.DocumentKey()] = m.Position().EventID
	}
	rows := make([]StoredRow, 0, len(lastEvent))
	for id, eventID := range lastEvent {
		row, ok := state.DocumentsByID[id]
		if !ok {
			continue
		}
		rows = append(rows, StoredRow{Row: row, LastEventID: eventID})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].DocumentID < rows[j].DocumentID })
	return rows
}

var (
	_ projection.Writer    = (*Writer)(nil)
	_ projection.Rebuilder = (*Writer)(nil)
)
