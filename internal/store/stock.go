package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/shelfsync/internal/ledger"
)

// stockQuery is the single source of truth for stock. Quantities are derived
// from committed transactions only: lines add when their note is inbound or a
// reconciliation note, subtract otherwise. Stock is never materialized.
const stockQuery = `
	SELECT
		bt.isbn,
		bt.warehouse_id,
		SUM(CASE WHEN n.warehouse_id != 'all' OR n.is_reconciliation_note = 1
			THEN bt.quantity ELSE -bt.quantity END) AS net
	FROM book_transaction bt
	JOIN note n ON bt.note_id = n.id
	WHERE n.committed = 1
`

// StockFilter narrows a stock listing. Zero values match everything.
type StockFilter struct {
	WarehouseID string
	ISBN        string
}

// GetStock lists net per-(isbn, warehouse) quantities over committed notes.
// Rows that net to zero are omitted; negative rows (forced withdrawals not
// yet reconciled) are kept so they stay visible.
func (s *Store) GetStock(ctx context.Context, filter StockFilter) ([]ledger.StockEntry, error) {
	query := stockQuery
	var args []any
	if filter.WarehouseID != "" {
		query += ` AND bt.warehouse_id = ?`
		args = append(args, filter.WarehouseID)
	}
	if filter.ISBN != "" {
		query += ` AND bt.isbn = ?`
		args = append(args, filter.ISBN)
	}
	query += `
	GROUP BY bt.isbn, bt.warehouse_id
	HAVING net != 0
	ORDER BY bt.isbn ASC, bt.warehouse_id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get stock: %w", err)
	}
	defer rows.Close()

	var entries []ledger.StockEntry
	for rows.Next() {
		var e ledger.StockEntry
		if err := rows.Scan(&e.ISBN, &e.WarehouseID, &e.Quantity); err != nil {
			return nil, fmt.Errorf("scan stock entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stock: %w", err)
	}

	if err := s.fillWarehouseNames(ctx, entries); err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []ledger.StockEntry{}
	}
	return entries, nil
}

func (s *Store) fillWarehouseNames(ctx context.Context, entries []ledger.StockEntry) error {
	rows, err := s.db.QueryContext(ctx, `SELECT id, display_name FROM warehouse`)
	if err != nil {
		return fmt.Errorf("warehouse names: %w", err)
	}
	defer rows.Close()

	names := map[string]string{}
	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return fmt.Errorf("warehouse names: %w", err)
		}
		names[id] = name
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("warehouse names: %w", err)
	}

	for i := range entries {
		entries[i].WarehouseName = names[entries[i].WarehouseID]
	}
	return nil
}

// Quantity returns the committed net quantity of one isbn in one warehouse.
// Absent combinations report zero.
func (s *Store) Quantity(ctx context.Context, warehouseID, isbn string) (int, error) {
	qty, err := quantityIn(ctx, s.db, warehouseID, isbn)
	if err != nil {
		return 0, fmt.Errorf("quantity: %w", err)
	}
	return qty, nil
}

// querier lets quantity checks run against the pool or inside a tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func quantityIn(ctx context.Context, q querier, warehouseID, isbn string) (int, error) {
	var qty sql.NullInt64
	err := q.QueryRowContext(ctx, `
		SELECT SUM(CASE WHEN n.warehouse_id != 'all' OR n.is_reconciliation_note = 1
			THEN bt.quantity ELSE -bt.quantity END)
		FROM book_transaction bt
		JOIN note n ON bt.note_id = n.id
		WHERE n.committed = 1 AND bt.warehouse_id = ? AND bt.isbn = ?
	`, warehouseID, isbn).Scan(&qty)
	if err != nil {
		return 0, err
	}
	return int(qty.Int64), nil
}

// outOfStockLines checks an outbound note's resolved, non-forced lines
// against current committed stock, grouped per (isbn, warehouse). Forced
// lines are excluded: they are allowed to drive stock negative.
func outOfStockLines(ctx context.Context, tx *sql.Tx, noteID string) ([]ledger.OutOfStockLine, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT bt.isbn, bt.warehouse_id, COALESCE(w.display_name, ''), SUM(bt.quantity)
		FROM book_transaction bt
		LEFT JOIN warehouse w ON bt.warehouse_id = w.id
		WHERE bt.note_id = ? AND bt.warehouse_id != '' AND bt.forced = 0
		GROUP BY bt.isbn, bt.warehouse_id
		ORDER BY bt.isbn ASC, bt.warehouse_id ASC
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("out of stock check: %w", err)
	}
	defer rows.Close()

	var claims []ledger.OutOfStockLine
	for rows.Next() {
		var c ledger.OutOfStockLine
		if err := rows.Scan(&c.ISBN, &c.WarehouseID, &c.WarehouseName, &c.Requested); err != nil {
			return nil, fmt.Errorf("out of stock check: %w", err)
		}
		claims = append(claims, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("out of stock check: %w", err)
	}

	var short []ledger.OutOfStockLine
	for _, c := range claims {
		available, err := quantityIn(ctx, tx, c.WarehouseID, c.ISBN)
		if err != nil {
			return nil, fmt.Errorf("out of stock check: %w", err)
		}
		if c.Requested > available {
			c.Available = available
			short = append(short, c)
		}
	}
	return short, nil
}
