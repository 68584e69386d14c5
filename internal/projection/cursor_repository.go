package projection

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx shared by pools and transactions.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const createCursorsTableSQL = `
CREATE TABLE IF NOT EXISTS projection_cursors (
  projection text NOT NULL,
  org_id text NOT NULL,
  last_applied_occurred_at bigint NOT NULL,
  last_applied_event_id text COLLATE "C" NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (projection, org_id)
)`

const selectCursorSQL = `
SELECT last_applied_occurred_at, last_applied_event_id
FROM projection_cursors
WHERE projection = $1 AND org_id = $2`

// The WHERE guard keeps the stored cursor monotonic even if two writers for
// the same pair were ever run concurrently.
const advanceCursorSQL = `
INSERT INTO projection_cursors (projection, org_id, last_applied_occurred_at, last_applied_event_id, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (projection, org_id) DO UPDATE
SET last_applied_occurred_at = EXCLUDED.last_applied_occurred_at,
    last_applied_event_id = EXCLUDED.last_applied_event_id,
    updated_at = now()
WHERE (projection_cursors.last_applied_occurred_at, projection_cursors.last_applied_event_id COLLATE "C")
    < (EXCLUDED.last_applied_occurred_at, EXCLUDED.last_applied_event_id COLLATE "C")`

const replaceCursorSQL = `
INSERT INTO projection_cursors (projection, org_id, last_applied_occurred_at, last_applied_event_id, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (projection, org_id) DO UPDATE
SET last_applied_occurred_at = EXCLUDED.last_applied_occurred_at,
    last_applied_event_id = EXCLUDED.last_applied_event_id,
    updated_at = now()`

const deleteCursorSQL = `DELETE FROM projection_cursors WHERE projection = $1 AND org_id = $2`

// EnsureCursorSchema creates the cursor table when missing.
func EnsureCursorSchema(ctx context.Context, q Querier) error {
	if _, err := q.Exec(ctx, createCursorsTableSQL); err != nil {
		return fmt.Errorf("projection: ensure cursor schema: %w", err)
	}
	return nil
}

// LoadCursor reads the stored cursor of a projection for an organization.
// The boolean is false when no cursor has been written yet.
func LoadCursor(ctx context.Context, q Querier, name, orgID string) (Cursor, bool, error) {
	var c Cursor
	err := q.QueryRow(ctx, selectCursorSQL, name, orgID).Scan(&c.OccurredAt, &c.EventID)
	if errors.Is(err, pgx.ErrNoRows) {
		return Cursor{}, false, nil
	}
	if err != nil {
		return Cursor{}, false, fmt.Errorf("projection: load %s cursor: %w", name, err)
	}
	return c, true, nil
}

// AdvanceCursor moves the stored cursor forward. It must run inside the
// transaction that writes the rows the cursor accounts for.
func AdvanceCursor(ctx context.Context, tx pgx.Tx, name, orgID string, c Cursor) error {
	if _, err := tx.Exec(ctx, advanceCursorSQL, name, orgID, c.OccurredAt, c.EventID); err != nil {
		return fmt.Errorf("projection: advance %s cursor: %w", name, err)
	}
	return nil
}

// ResetCursor overwrites the stored cursor, or deletes it when c is zero.
// Used by full rebuilds only.
func ResetCursor(ctx context.Context, tx pgx.Tx, name, orgID string, c Cursor) error {
	var err error
	if c.IsZero() {
		_, err = tx.Exec(ctx, deleteCursorSQL, name, orgID)
	} else {
		_, err = tx.Exec(ctx, replaceCursorSQL, name, orgID, c.OccurredAt, c.EventID)
	}
	if err != nil {
		return fmt.Errorf("projection: reset %s cursor: %w", name, err)
	}
	return nil
}
