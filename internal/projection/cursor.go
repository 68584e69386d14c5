// Package projection holds what every projection shares: the replay cursor,
// the fail-loud error types and the coordinator that orders writers.
package projection

import "github.com/odyssey-erp/verity/internal/eventlog"

// Cursor is the (occurredAt, eventId) watermark of the last event a
// projection has applied. The zero value means "from the beginning".
type Cursor struct {
	OccurredAt int64
	EventID    string
}

// CursorOf returns the position of evt in the total replay order.
func CursorOf(evt eventlog.Envelope) Cursor {
	return Cursor{OccurredAt: evt.OccurredAt, EventID: evt.EventID}
}

// IsZero reports whether the cursor points before the first event.
func (c Cursor) IsZero() bool {
	return c.OccurredAt == 0 && c.EventID == ""
}

// Compare orders cursors by occurredAt then eventId.
func (c Cursor) Compare(other Cursor) int {
	switch {
	case c.OccurredAt < other.OccurredAt:
		return -1
	case c.OccurredAt > other.OccurredAt:
		return 1
	case c.EventID < other.EventID:
		return -1
	case c.EventID > other.EventID:
		return 1
	}
	return 0
}

// Covers reports whether evt is at or before the cursor, i.e. has already
// been examined by a run that stored this cursor.
func (c Cursor) Covers(evt eventlog.Envelope) bool {
	return CursorOf(evt).Compare(c) <= 0
}
