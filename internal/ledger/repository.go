package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/verity/internal/platform/db"
	"github.com/odyssey-erp/verity/internal/projection"
)

const createBalancesTableSQL = `
CREATE TABLE IF NOT EXISTS ledger_balances (
  org_id text NOT NULL,
  customer_id text NOT NULL,
  balance bigint NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (org_id, customer_id)
)`

const createEntriesTableSQL = `
CREATE TABLE IF NOT EXISTS ledger_entries (
  event_id text COLLATE "C" PRIMARY KEY,
  org_id text NOT NULL,
  customer_id text NOT NULL,
  amount bigint NOT NULL,
  entry_type text NOT NULL,
  occurred_at bigint NOT NULL
)`

const createEntriesCustomerIndexSQL = `
CREATE INDEX IF NOT EXISTS ledger_entries_customer_idx ON ledger_entries (org_id, customer_id, occurred_at, event_id COLLATE "C")`

const upsertBalanceSQL = `
INSERT INTO ledger_balances (org_id, customer_id, balance, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (org_id, customer_id) DO UPDATE
SET balance = EXCLUDED.balance, updated_at = EXCLUDED.updated_at`

const insertEntrySQL = `
INSERT INTO ledger_entries (event_id, org_id, customer_id, amount, entry_type, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (event_id) DO NOTHING`

const selectBalancesForSQL = `
SELECT customer_id, balance
FROM ledger_balances
WHERE org_id = $1 AND customer_id = ANY($2)`

const selectBalanceSQL = `
SELECT customer_id, balance, updated_at
FROM ledger_balances
WHERE org_id = $1 AND customer_id = $2`

const listBalancesSQL = `
SELECT customer_id, balance, updated_at
FROM ledger_balances
WHERE org_id = $1
ORDER BY customer_id`

const listEntriesSQL = `
SELECT event_id, customer_id, amount, occurred_at, entry_type
FROM ledger_entries
WHERE org_id = $1 AND customer_id = $2
ORDER BY occurred_at, event_id COLLATE "C"`

// Repository is the Postgres store behind the ledger projection.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewRepository constructs the ledger repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureSchema creates the ledger tables and the shared cursor table.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createBalancesTableSQL, createEntriesTableSQL, createEntriesCustomerIndexSQL} {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: ensure schema: %w", err)
		}
	}
	return projection.EnsureCursorSchema(ctx, r.pool)
}

// LatestCursor implements Store.
func (r *Repository) LatestCursor(ctx context.Context, orgID string) (projection.Cursor, bool, error) {
	return projection.LoadCursor(ctx, r.pool, ProjectionName, orgID)
}

// Balances implements Store. Customers without a row are absent from the map.
func (r *Repository) Balances(ctx context.Context, orgID string, customerIDs []string) (map[string]int64, error) {
	out := make(map[string]int64, len(customerIDs))
	if len(customerIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, selectBalancesForSQL, orgID, customerIDs)
	if err != nil {
		return nil, fmt.Errorf("ledger: load balances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			customerID string
			balance    int64
		)
		if err := rows.Scan(&customerID, &balance); err != nil {
			return nil, fmt.Errorf("ledger: scan balance: %w", err)
		}
		out[customerID] = balance
	}
	return out, rows.Err()
}

// UpsertAll implements Store.
func (r *Repository) UpsertAll(ctx context.Context, orgID string, batch Batch) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := r.writeRows(ctx, tx, orgID, batch); err != nil {
			return err
		}
		return projection.AdvanceCursor(ctx, tx, ProjectionName, orgID, batch.Cursor)
	})
}

// ReplaceAll implements Store.
func (r *Repository) ReplaceAll(ctx context.Context, orgID string, batch Batch) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM ledger_entries WHERE org_id = $1`, orgID); err != nil {
			return fmt.Errorf("ledger: clear entries: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM ledger_balances WHERE org_id = $1`, orgID); err != nil {
			return fmt.Errorf("ledger: clear balances: %w", err)
		}
		if err := r.writeRows(ctx, tx, orgID, batch); err != nil {
			return err
		}
		return projection.ResetCursor(ctx, tx, ProjectionName, orgID, batch.Cursor)
	})
}

func (r *Repository) writeRows(ctx context.Context, tx pgx.Tx, orgID string, batch Batch) error {
	if len(batch.Balances) == 0 && len(batch.Entries) == 0 {
		return nil
	}
	now := r.now()
	queued := &pgx.Batch{}
	for _, row := range batch.Balances {
		queued.Queue(upsertBalanceSQL, orgID, row.CustomerID, row.Balance, now)
	}
	for _, e := range batch.Entries {
		queued.Queue(insertEntrySQL, e.EventID, orgID, e.CustomerID, e.Amount, string(e.Type), e.OccurredAt)
	}
	results := tx.SendBatch(ctx, queued)
	for i := 0; i < queued.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("ledger: write rows: %w", err)
		}
	}
	return results.Close()
}

// Balance returns one customer's balance.
func (r *Repository) Balance(ctx context.Context, orgID, customerID string) (BalanceRow, error) {
	var row BalanceRow
	err := r.pool.QueryRow(ctx, selectBalanceSQL, orgID, customerID).Scan(&row.CustomerID, &row.Balance, &row.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return BalanceRow{}, ErrNotFound
	}
	if err != nil {
		return BalanceRow{}, fmt.Errorf("ledger: balance: %w", err)
	}
	return row, nil
}

// ListBalances returns every customer balance of the organization.
func (r *Repository) ListBalances(ctx context.Context, orgID string) ([]BalanceRow, error) {
	rows, err := r.pool.Query(ctx, listBalancesSQL, orgID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list balances: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (BalanceRow, error) {
		var b BalanceRow
		err := row.Scan(&b.CustomerID, &b.Balance, &b.UpdatedAt)
		return b, err
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: list balances: %w", err)
	}
	return out, nil
}

// ListEntries returns a customer's entries in replay order.
func (r *Repository) ListEntries(ctx context.Context, orgID, customerID string) ([]Entry, error) {
	rows, err := r.pool.Query(ctx, listEntriesSQL, orgID, customerID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list entries: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var (
			e         Entry
			entryType string
		)
		err := row.Scan(&e.EventID, &e.CustomerID, &e.Amount, &e.OccurredAt, &entryType)
		e.Type = EntryType(entryType)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: list entries: %w", err)
	}
	return out, nil
}

var _ Store = (*Repository)(nil)
