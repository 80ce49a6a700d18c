package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/shelfsync/internal/ledger"
)

// HistoryFilter narrows a history listing. Zero values match everything;
// From/To bound the note commit time (inclusive / exclusive).
type HistoryFilter struct {
	From        time.Time
	To          time.Time
	ISBN        string
	WarehouseID string
}

// History lists committed transactions joined with their note metadata,
// newest first. Lines of deleted warehouses keep their warehouse id with an
// empty name; history is append-only and survives warehouse deletion.
func (s *Store) History(ctx context.Context, filter HistoryFilter) ([]ledger.HistoryEntry, error) {
	query := `
		SELECT bt.isbn, bt.quantity, bt.warehouse_id,
		       n.id, n.display_name, n.warehouse_id, n.is_reconciliation_note,
		       n.committed_at, COALESCE(w.display_name, '')
		FROM book_transaction bt
		JOIN note n ON bt.note_id = n.id
		LEFT JOIN warehouse w ON bt.warehouse_id = w.id
		WHERE n.committed = 1
	`
	var args []any
	if !filter.From.IsZero() {
		query += ` AND n.committed_at >= ?`
		args = append(args, filter.From.UnixMilli())
	}
	if !filter.To.IsZero() {
		query += ` AND n.committed_at < ?`
		args = append(args, filter.To.UnixMilli())
	}
	if filter.ISBN != "" {
		query += ` AND bt.isbn = ?`
		args = append(args, filter.ISBN)
	}
	if filter.WarehouseID != "" {
		query += ` AND bt.warehouse_id = ?`
		args = append(args, filter.WarehouseID)
	}
	query += ` ORDER BY n.committed_at DESC, bt.isbn ASC, bt.id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var entries []ledger.HistoryEntry
	for rows.Next() {
		var e ledger.HistoryEntry
		var noteWarehouse string
		var reconciliation bool
		var committedAt sql.NullInt64
		if err := rows.Scan(&e.ISBN, &e.Quantity, &e.WarehouseID,
			&e.NoteID, &e.NoteName, &noteWarehouse, &reconciliation,
			&committedAt, &e.WarehouseName); err != nil {
			return nil, fmt.Errorf("scan history entry: %w", err)
		}
		e.NoteType = ledger.NoteTypeInbound
		if noteWarehouse == ledger.AllWarehouses && !reconciliation {
			e.NoteType = ledger.NoteTypeOutbound
		}
		e.CommittedAt = time.UnixMilli(committedAt.Int64)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}

	if entries == nil {
		entries = []ledger.HistoryEntry{}
	}
	return entries, nil
}
