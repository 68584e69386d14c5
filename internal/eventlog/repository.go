package eventlog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/verity/internal/platform/db"
)

// Reader is the read side of the event log consumed by projection writers.
// Both methods return events ordered by (occurred_at, event_id) ascending.
type Reader interface {
	AllForOrg(ctx context.Context, orgID string) ([]Envelope, error)
	EventsAfter(ctx context.Context, orgID string, occurredAfter int64) ([]Envelope, error)
}

// ErrInvalidRecord is returned by Append for records missing identity fields.
var ErrInvalidRecord = errors.New("eventlog: invalid record")

const createEventsTableSQL = `
CREATE TABLE IF NOT EXISTS events (
  event_id text COLLATE "C" PRIMARY KEY,
  org_id text NOT NULL,
  event_type text NOT NULL,
  event_version integer NOT NULL,
  occurred_at bigint NOT NULL,
  recorded_at timestamptz NOT NULL DEFAULT now(),
  payload jsonb NOT NULL,
  source text NOT NULL DEFAULT 'local',
  correlation_id text
)`

const createEventsOrderIndexSQL = `
CREATE INDEX IF NOT EXISTS events_org_order_idx ON events (org_id, occurred_at, event_id COLLATE "C")`

const insertEventSQL = `
INSERT INTO events (
  event_id, org_id, event_type, event_version, occurred_at,
  recorded_at, payload, source, correlation_id
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''))
ON CONFLICT (event_id) DO NOTHING`

const selectAllForOrgSQL = `
SELECT event_id, org_id, event_type, event_version, occurred_at, payload
FROM events
WHERE org_id = $1
ORDER BY occurred_at ASC, event_id COLLATE "C" ASC`

const selectEventsAfterSQL = `
SELECT event_id, org_id, event_type, event_version, occurred_at, payload
FROM events
WHERE org_id = $1
  AND occurred_at > $2
ORDER BY occurred_at ASC, event_id COLLATE "C" ASC`

const selectOrgIDsSQL = `SELECT DISTINCT org_id FROM events ORDER BY org_id`

// Repository is the Postgres-backed event log. Rows are insert-only.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewRepository constructs the event log repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureSchema creates the events table when missing.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createEventsTableSQL, createEventsOrderIndexSQL} {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("eventlog: ensure schema: %w", err)
		}
	}
	return nil
}

// Append inserts records in one transaction. Records whose event id already
// exists are ignored so retried writes are safe. It returns how many rows
// were actually inserted.
func (r *Repository) Append(ctx context.Context, records ...Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	for _, rec := range records {
		if err := validateRecord(rec); err != nil {
			return 0, err
		}
	}
	inserted := 0
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, rec := range records {
			recordedAt := rec.RecordedAt
			if recordedAt.IsZero() {
				recordedAt = r.now()
			}
			source := rec.Source
			if source == "" {
				source = SourceLocal
			}
			batch.Queue(insertEventSQL,
				rec.EventID,
				rec.OrgID,
				rec.EventType,
				rec.EventVersion,
				rec.OccurredAt,
				recordedAt,
				[]byte(rec.Payload),
				source,
				rec.CorrelationID,
			)
		}
		results := tx.SendBatch(ctx, batch)
		for range records {
			tag, err := results.Exec()
			if err != nil {
				_ = results.Close()
				return fmt.Errorf("eventlog: insert event: %w", err)
			}
			inserted += int(tag.RowsAffected())
		}
		return results.Close()
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// AllForOrg returns the complete history of an organization in replay order.
func (r *Repository) AllForOrg(ctx context.Context, orgID string) ([]Envelope, error) {
	rows, err := r.pool.Query(ctx, selectAllForOrgSQL, orgID)
	if err != nil {
		return nil, fmt.Errorf("eventlog: all for org: %w", err)
	}
	return collectEnvelopes(rows)
}

// EventsAfter returns events with occurred_at strictly greater than
// occurredAfter, in replay order.
func (r *Repository) EventsAfter(ctx context.Context, orgID string, occurredAfter int64) ([]Envelope, error) {
	rows, err := r.pool.Query(ctx, selectEventsAfterSQL, orgID, occurredAfter)
	if err != nil {
		return nil, fmt.Errorf("eventlog: events after: %w", err)
	}
	return collectEnvelopes(rows)
}

// OrgIDs lists every organization that has at least one event.
func (r *Repository) OrgIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, selectOrgIDsSQL)
	if err != nil {
		return nil, fmt.Errorf("eventlog: org ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("eventlog: org ids: %w", err)
	}
	return ids, nil
}

func collectEnvelopes(rows pgx.Rows) ([]Envelope, error) {
	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Envelope, error) {
		var (
			evt     Envelope
			payload []byte
		)
		if err := row.Scan(&evt.EventID, &evt.OrgID, &evt.EventType, &evt.EventVersion, &evt.OccurredAt, &payload); err != nil {
			return Envelope{}, err
		}
		evt.Payload = payload
		return evt, nil
	})
	if err != nil {
		return nil, fmt.Errorf("eventlog: scan events: %w", err)
	}
	return events, nil
}

func validateRecord(rec Record) error {
	switch {
	case strings.TrimSpace(rec.EventID) == "":
		return fmt.Errorf("%w: event id required", ErrInvalidRecord)
	case strings.TrimSpace(rec.OrgID) == "":
		return fmt.Errorf("%w: org id required for event %s", ErrInvalidRecord, rec.EventID)
	case strings.TrimSpace(rec.EventType) == "":
		return fmt.Errorf("%w: event type required for event %s", ErrInvalidRecord, rec.EventID)
	case len(rec.Payload) == 0:
		return fmt.Errorf("%w: payload required for event %s", ErrInvalidRecord, rec.EventID)
	}
	return nil
}
