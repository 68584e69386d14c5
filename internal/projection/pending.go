package projection

import (
	"context"

	"github.com/odyssey-erp/verity/internal/eventlog"
)

// AllEvents returns the organization's whole history in replay order.
func AllEvents(ctx context.Context, reader eventlog.Reader, orgID string) ([]eventlog.Envelope, error) {
	events, err := reader.AllForOrg(ctx, orgID)
	if err != nil {
		return nil, err
	}
	eventlog.SortReplayOrder(events)
	return events, nil
}

// PendingEvents returns the events an incremental run has to examine, in
// replay order. Without a stored cursor that is the whole history. With one,
// the store is asked for everything from the cursor's millisecond onwards
// and events the cursor already covers are dropped, so events sharing the
// cursor's timestamp with a larger event id are not lost.
func PendingEvents(ctx context.Context, reader eventlog.Reader, orgID string, cursor Cursor, hasCursor bool) ([]eventlog.Envelope, error) {
	if !hasCursor {
		return AllEvents(ctx, reader, orgID)
	}
	events, err := reader.EventsAfter(ctx, orgID, cursor.OccurredAt-1)
	if err != nil {
		return nil, err
	}
	eventlog.SortReplayOrder(events)
	pending := make([]eventlog.Envelope, 0, len(events))
	for _, evt := range events {
		if cursor.Covers(evt) {
			continue
		}
		pending = append(pending, evt)
	}
	return pending, nil
}
