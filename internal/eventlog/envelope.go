// Package eventlog holds the append-only event log: the envelope every
// projection reads and the Postgres store that produces it in replay order.
package eventlog

import (
	"cmp"
	"encoding/json"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Envelope is the storage-agnostic view of one stored fact. Replay code only
// ever sees this shape; persistence formats adapt to it.
type Envelope struct {
	EventID      string
	OrgID        string
	EventType    string
	EventVersion int
	// OccurredAt is business time in Unix milliseconds.
	OccurredAt int64
	Payload    json.RawMessage
}

// Source values recorded alongside an event.
const (
	SourceLocal  = "local"
	SourceSync   = "sync"
	SourceImport = "import"
)

// Record is an event row as persisted. RecordedAt, Source and CorrelationID
// are diagnostics; replay never reads them.
type Record struct {
	Envelope
	RecordedAt    time.Time
	Source        string
	CorrelationID string
}

// NewEventID returns a fresh globally unique event identifier.
func NewEventID() string {
	return uuid.NewString()
}

// Before reports whether e sorts strictly before other in replay order.
func (e Envelope) Before(other Envelope) bool {
	return compareReplayOrder(e, other) < 0
}

// SortReplayOrder sorts events in place by occurred_at, then by the byte
// order of event ids, whatever collation the store used.
func SortReplayOrder(events []Envelope) {
	slices.SortStableFunc(events, compareReplayOrder)
}

func compareReplayOrder(a, b Envelope) int {
	if c := cmp.Compare(a.OccurredAt, b.OccurredAt); c != 0 {
		return c
	}
	return strings.Compare(a.EventID, b.EventID)
}
