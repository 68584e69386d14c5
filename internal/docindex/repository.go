package docindex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/verity/internal/platform/db"
	"github.com/odyssey-erp/verity/internal/projection"
)

const createDocumentIndexTableSQL = `
CREATE TABLE IF NOT EXISTS document_index (
  org_id text NOT NULL,
  document_id text NOT NULL,
  document_type text NOT NULL,
  document_number text NOT NULL,
  customer_id text NOT NULL,
  customer_name text NOT NULL,
  document_date bigint NOT NULL,
  total_amount bigint NOT NULL,
  status text NOT NULL,
  last_event_id text NOT NULL,
  updated_at timestamptz NOT NULL DEFAULT now(),
  PRIMARY KEY (org_id, document_id)
)`

const createDocumentIndexListIndexSQL = `
CREATE INDEX IF NOT EXISTS document_index_list_idx ON document_index (org_id, document_date DESC, document_id)`

const upsertDocumentSQL = `
INSERT INTO document_index (
  org_id, document_id, document_type, document_number, customer_id,
  customer_name, document_date, total_amount, status, last_event_id, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (org_id, document_id) DO UPDATE
SET document_type = EXCLUDED.document_type,
    document_number = EXCLUDED.document_number,
    customer_id = EXCLUDED.customer_id,
    customer_name = EXCLUDED.customer_name,
    document_date = EXCLUDED.document_date,
    total_amount = EXCLUDED.total_amount,
    status = EXCLUDED.status,
    last_event_id = EXCLUDED.last_event_id,
    updated_at = EXCLUDED.updated_at`

const documentColumns = `document_id, document_type, document_number, customer_id, customer_name,
  document_date, total_amount, status, org_id, last_event_id, updated_at`

// Repository is the Postgres store behind the document index.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewRepository constructs the document index repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// EnsureSchema creates the document_index table and the shared cursor table.
func (r *Repository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createDocumentIndexTableSQL, createDocumentIndexListIndexSQL} {
		if _, err := r.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("docindex: ensure schema: %w", err)
		}
	}
	return projection.EnsureCursorSchema(ctx, r.pool)
}

// LatestCursor implements Store.
func (r *Repository) LatestCursor(ctx context.Context, orgID string) (projection.Cursor, bool, error) {
	return projection.LoadCursor(ctx, r.pool, ProjectionName, orgID)
}

// Documents implements Store.
func (r *Repository) Documents(ctx context.Context, orgID string, documentIDs []string) (map[string]Row, error) {
	out := make(map[string]Row, len(documentIDs))
	if len(documentIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM document_index WHERE org_id = $1 AND document_id = ANY($2)`,
		orgID, documentIDs)
	if err != nil {
		return nil, fmt.Errorf("docindex: load documents: %w", err)
	}
	stored, err := pgx.CollectRows(rows, scanStoredRow)
	if err != nil {
		return nil, fmt.Errorf("docindex: load documents: %w", err)
	}
	for _, row := range stored {
		out[row.DocumentID] = row.Row
	}
	return out, nil
}

// UpsertAll implements Store.
func (r *Repository) UpsertAll(ctx context.Context, orgID string, batch Batch) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if err := r.writeRows(ctx, tx, orgID, batch.Rows); err != nil {
			return err
		}
		return projection.AdvanceCursor(ctx, tx, ProjectionName, orgID, batch.Cursor)
	})
}

// ReplaceAll implements Store.
func (r *Repository) ReplaceAll(ctx context.Context, orgID string, batch Batch) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM document_index WHERE org_id = $1`, orgID); err != nil {
			return fmt.Errorf("docindex: clear: %w", err)
		}
		if err := r.writeRows(ctx, tx, orgID, batch.Rows); err != nil {
			return err
		}
		return projection.ResetCursor(ctx, tx, ProjectionName, orgID, batch.Cursor)
	})
}

func (r *Repository) writeRows(ctx context.Context, tx pgx.Tx, orgID string, rows []StoredRow) error {
	if len(rows) == 0 {
		return nil
	}
	now := r.now()
	queued := &pgx.Batch{}
	for _, row := range rows {
		queued.Queue(upsertDocumentSQL,
			orgID,
			row.DocumentID,
			string(row.DocumentType),
			row.DocumentNumber,
			row.CustomerID,
			row.CustomerName,
			row.DocumentDate,
			row.TotalAmount,
			string(row.Status),
			row.LastEventID,
			now,
		)
	}
	results := tx.SendBatch(ctx, queued)
	for range rows {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("docindex: upsert document: %w", err)
		}
	}
	return results.Close()
}

// Get returns one indexed document.
func (r *Repository) Get(ctx context.Context, orgID, documentID string) (StoredRow, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+documentColumns+` FROM document_index WHERE org_id = $1 AND document_id = $2`,
		orgID, documentID)
	if err != nil {
		return StoredRow{}, fmt.Errorf("docindex: get: %w", err)
	}
	row, err := pgx.CollectExactlyOneRow(rows, scanStoredRow)
	if errors.Is(err, pgx.ErrNoRows) {
		return StoredRow{}, ErrNotFound
	}
	if err != nil {
		return StoredRow{}, fmt.Errorf("docindex: get: %w", err)
	}
	return row, nil
}

// List returns the organization's documents, newest document date first.
func (r *Repository) List(ctx context.Context, orgID string, filter ListFilter) ([]StoredRow, error) {
	var (
		conds = []string{"org_id = $1"}
		args  = []any{orgID}
	)
	if filter.DocumentType != "" {
		args = append(args, string(filter.DocumentType))
		conds = append(conds, fmt.Sprintf("document_type = $%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.CustomerID != "" {
		args = append(args, filter.CustomerID)
		conds = append(conds, fmt.Sprintf("customer_id = $%d", len(args)))
	}
	query := `SELECT ` + documentColumns + ` FROM document_index WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY document_date DESC, document_id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("docindex: list: %w", err)
	}
	out, err := pgx.CollectRows(rows, scanStoredRow)
	if err != nil {
		return nil, fmt.Errorf("docindex: list: %w", err)
	}
	return out, nil
}

func scanStoredRow(row pgx.CollectableRow) (StoredRow, error) {
	var (
		s       StoredRow
		docType string
		status  string
	)
	err := row.Scan(&s.DocumentID, &docType, &s.DocumentNumber, &s.CustomerID, &s.CustomerName,
		&s.DocumentDate, &s.TotalAmount, &status, &s.OrgID, &s.LastEventID, &s.UpdatedAt)
	s.DocumentType = DocumentType(docType)
	s.Status = Status(status)
	return s, err
}

var _ Store = (*Repository)(nil)
