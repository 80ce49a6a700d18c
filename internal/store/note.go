package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/shelfsync/internal/ledger"
)

// CreateInboundNote creates a draft inbound note owned by warehouseID.
// The display name comes from the naming sequence, computed in-tx. The
// owning warehouse is created implicitly if it does not exist yet.
func (s *Store) CreateInboundNote(ctx context.Context, id, warehouseID string) (ledger.Note, error) {
	if warehouseID == "" || warehouseID == ledger.AllWarehouses {
		return ledger.Note{}, fmt.Errorf("create inbound note: invalid warehouse id %q", warehouseID)
	}

	var note ledger.Note
	err := s.withCapture(ctx, func(ct *captureTx) error {
		if err := ensureWarehouse(ct, warehouseID); err != nil {
			return err
		}

		name, err := nextNoteName(ct.ctx, ct.tx, false)
		if err != nil {
			return err
		}
		note = ledger.Note{
			ID:          id,
			DisplayName: name,
			WarehouseID: warehouseID,
			CreatedAt:   time.UnixMilli(ct.nowMillis),
			UpdatedAt:   time.UnixMilli(ct.nowMillis),
		}
		return ct.upsertRow("note", id, []colval{
			{"display_name", str(name)},
			{"warehouse_id", str(warehouseID)},
			{"created_at", i64(ct.nowMillis)},
			{"updated_at", i64(ct.nowMillis)},
		})
	})
	if err != nil {
		return ledger.Note{}, fmt.Errorf("create inbound note: %w", err)
	}
	return note, nil
}

// CreateOutboundNote creates a draft outbound note. Outbound notes carry the
// "all" sentinel warehouse; their lines name source warehouses individually.
func (s *Store) CreateOutboundNote(ctx context.Context, id string) (ledger.Note, error) {
	var note ledger.Note
	err := s.withCapture(ctx, func(ct *captureTx) error {
		name, err := nextNoteName(ct.ctx, ct.tx, true)
		if err != nil {
			return err
		}
		note = ledger.Note{
			ID:          id,
			DisplayName: name,
			WarehouseID: ledger.AllWarehouses,
			CreatedAt:   time.UnixMilli(ct.nowMillis),
			UpdatedAt:   time.UnixMilli(ct.nowMillis),
		}
		return ct.upsertRow("note", id, []colval{
			{"display_name", str(name)},
			{"warehouse_id", str(ledger.AllWarehouses)},
			{"created_at", i64(ct.nowMillis)},
			{"updated_at", i64(ct.nowMillis)},
		})
	})
	if err != nil {
		return ledger.Note{}, fmt.Errorf("create outbound note: %w", err)
	}
	return note, nil
}

// ensureWarehouse creates the named warehouse with a default display name
// if it does not exist. First reference creates the row.
func ensureWarehouse(ct *captureTx, id string) error {
	var one int
	err := ct.tx.QueryRowContext(ct.ctx, `SELECT 1 FROM warehouse WHERE id = ?`, id).Scan(&one)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("check warehouse: %w", err)
	}

	name, err := nextWarehouseName(ct.ctx, ct.tx)
	if err != nil {
		return err
	}
	return ct.upsertRow("warehouse", id, []colval{
		{"display_name", str(name)},
		{"discount", i64(0)},
	})
}

// GetNote retrieves a note by id. Returns ledger.ErrNotFound if absent.
func (s *Store) GetNote(ctx context.Context, id string) (ledger.Note, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, warehouse_id, default_warehouse,
		       committed, is_reconciliation_note, created_at, updated_at, committed_at
		FROM note WHERE id = ?
	`, id)
	return scanNote(row)
}

func scanNote(row *sql.Row) (ledger.Note, error) {
	var n ledger.Note
	var created, updated int64
	var committedAt sql.NullInt64
	err := row.Scan(&n.ID, &n.DisplayName, &n.WarehouseID, &n.DefaultWarehouse,
		&n.Committed, &n.ReconciliationNote, &created, &updated, &committedAt)
	if err == sql.ErrNoRows {
		return ledger.Note{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Note{}, fmt.Errorf("scan note: %w", err)
	}
	n.CreatedAt = time.UnixMilli(created)
	n.UpdatedAt = time.UnixMilli(updated)
	if committedAt.Valid {
		t := time.UnixMilli(committedAt.Int64)
		n.CommittedAt = &t
	}
	return n, nil
}

// ListInboundNotes returns all draft inbound notes with warehouse names and
// book totals, for the warehouse-grouped inbound list view.
func (s *Store) ListInboundNotes(ctx context.Context) ([]ledger.NoteListItem, error) {
	return s.listNotes(ctx, `
		SELECT
			n.id, n.display_name, n.warehouse_id,
			COALESCE(w.display_name, ''),
			COALESCE(SUM(bt.quantity), 0),
			n.updated_at
		FROM note n
		LEFT JOIN warehouse w ON n.warehouse_id = w.id
		LEFT JOIN book_transaction bt ON n.id = bt.note_id
		WHERE n.warehouse_id != 'all' AND n.committed = 0
		GROUP BY n.id
		ORDER BY n.updated_at DESC, n.id ASC
	`)
}

// ListOutboundNotes returns all draft outbound notes with book totals.
func (s *Store) ListOutboundNotes(ctx context.Context) ([]ledger.NoteListItem, error) {
	return s.listNotes(ctx, `
		SELECT
			n.id, n.display_name, n.warehouse_id,
			'',
			COALESCE(SUM(bt.quantity), 0),
			n.updated_at
		FROM note n
		LEFT JOIN book_transaction bt ON n.id = bt.note_id
		WHERE n.warehouse_id = 'all' AND n.is_reconciliation_note = 0 AND n.committed = 0
		GROUP BY n.id
		ORDER BY n.updated_at DESC, n.id ASC
	`)
}

func (s *Store) listNotes(ctx context.Context, query string) ([]ledger.NoteListItem, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var items []ledger.NoteListItem
	for rows.Next() {
		var it ledger.NoteListItem
		var updated int64
		if err := rows.Scan(&it.ID, &it.DisplayName, &it.WarehouseID,
			&it.WarehouseName, &it.TotalBooks, &updated); err != nil {
			return nil, fmt.Errorf("scan note list item: %w", err)
		}
		it.UpdatedAt = time.UnixMilli(updated)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notes: %w", err)
	}

	if items == nil {
		items = []ledger.NoteListItem{}
	}
	return items, nil
}

// NoteUpdate names the note fields a caller may change after creation.
// Nil fields are left untouched.
type NoteUpdate struct {
	DisplayName      *string
	DefaultWarehouse *string
}

// UpdateNote changes a note's display name and/or default warehouse.
//
// Commit is a hard gate enforced here, not only in callers: on a committed
// note only the display name change is honored; everything else is dropped
// and the stored note returned unchanged, with no change log entries for the
// rejected fields.
func (s *Store) UpdateNote(ctx context.Context, id string, upd NoteUpdate) (ledger.Note, error) {
	var out ledger.Note
	err := s.withCapture(ctx, func(ct *captureTx) error {
		note, err := getNoteTx(ct, id)
		if err != nil {
			return err
		}

		cols := []colval{}
		if upd.DisplayName != nil && *upd.DisplayName != note.DisplayName {
			note.DisplayName = *upd.DisplayName
			cols = append(cols, colval{"display_name", str(*upd.DisplayName)})
		}
		if !note.Committed && upd.DefaultWarehouse != nil && *upd.DefaultWarehouse != note.DefaultWarehouse {
			note.DefaultWarehouse = *upd.DefaultWarehouse
			cols = append(cols, colval{"default_warehouse", str(*upd.DefaultWarehouse)})
		}

		if len(cols) == 0 {
			out = note
			return nil
		}

		if !note.Committed {
			note.UpdatedAt = time.UnixMilli(ct.nowMillis)
			cols = append(cols, colval{"updated_at", i64(ct.nowMillis)})
		}
		out = note
		return ct.upsertRow("note", id, cols)
	})
	if err != nil {
		return ledger.Note{}, fmt.Errorf("update note: %w", err)
	}
	return out, nil
}

// getNoteTx re-reads a note inside a capture transaction; the committed
// flag read here gates the rest of the transaction.
func getNoteTx(ct *captureTx, id string) (ledger.Note, error) {
	row := ct.tx.QueryRowContext(ct.ctx, `
		SELECT id, display_name, warehouse_id, default_warehouse,
		       committed, is_reconciliation_note, created_at, updated_at, committed_at
		FROM note WHERE id = ?
	`, id)
	return scanNote(row)
}

// CommitNote transitions a draft note to its terminal, stock-affecting
// state after validating its lines:
//   - every line must have a warehouse selected (NoWarehouseSelectedError),
//   - non-forced outbound lines must be covered by current committed stock
//     (OutOfStockError); forced lines pass and surface later as negative
//     stock until a reconciliation note trues it up.
//
// Committing an already-committed note is a no-op.
func (s *Store) CommitNote(ctx context.Context, id string) error {
	err := s.withCapture(ctx, func(ct *captureTx) error {
		note, err := getNoteTx(ct, id)
		if err != nil {
			return err
		}
		if note.Committed {
			return nil
		}

		unresolved, err := unresolvedLines(ct.ctx, ct.tx, id)
		if err != nil {
			return err
		}
		if len(unresolved) > 0 {
			return &ledger.NoWarehouseSelectedError{NoteID: id, Lines: unresolved}
		}

		if note.Type() == ledger.NoteTypeOutbound {
			short, err := outOfStockLines(ct.ctx, ct.tx, id)
			if err != nil {
				return err
			}
			if len(short) > 0 {
				return &ledger.OutOfStockError{NoteID: id, Lines: short}
			}
		}

		return ct.upsertRow("note", id, []colval{
			{"committed", boolVal(true)},
			{"committed_at", i64(ct.nowMillis)},
		})
	})
	if err != nil {
		return fmt.Errorf("commit note: %w", err)
	}
	return nil
}

// DeleteNote removes a draft note and its lines. Deleting a committed note
// is a no-op: Committed is terminal for content, only drafts are deletable.
func (s *Store) DeleteNote(ctx context.Context, id string) error {
	err := s.withCapture(ctx, func(ct *captureTx) error {
		note, err := getNoteTx(ct, id)
		if err == ledger.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if note.Committed {
			return nil
		}

		for _, tbl := range []string{"book_transaction", "custom_item"} {
			ids, err := childIDs(ct.ctx, ct.tx, tbl, id)
			if err != nil {
				return err
			}
			for _, child := range ids {
				if err := ct.deleteRow(tbl, child); err != nil {
					return err
				}
			}
		}
		return ct.deleteRow("note", id)
	})
	if err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}

func childIDs(ctx context.Context, tx *sql.Tx, tbl, noteID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		fmt.Sprintf(`SELECT id FROM %s WHERE note_id = ? ORDER BY id ASC`, tbl), noteID)
	if err != nil {
		return nil, fmt.Errorf("child ids %s: %w", tbl, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("child ids %s: %w", tbl, err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("child ids %s: %w", tbl, err)
	}
	return ids, nil
}

// CreateReconciliationNote creates and immediately commits an inbound note
// that trues up stock after a forced withdrawal. Lines and note commit as
// one transaction; validation is skipped by construction (every line names
// its warehouse and inbound lines cannot be out of stock).
func (s *Store) CreateReconciliationNote(ctx context.Context, id string, lines []ledger.Txn) (ledger.Note, error) {
	var note ledger.Note
	err := s.withCapture(ctx, func(ct *captureTx) error {
		displayName := fmt.Sprintf("Reconciliation note: %s",
			time.UnixMilli(ct.nowMillis).UTC().Format(time.RFC3339))

		for _, line := range lines {
			if line.Quantity <= 0 {
				return &ledger.InvariantError{
					Code:    ledger.ErrCodeBadQuantity,
					Message: fmt.Sprintf("quantity %d for isbn %s", line.Quantity, line.ISBN),
					NoteID:  id,
				}
			}
			if line.WarehouseID == "" {
				return &ledger.NoWarehouseSelectedError{NoteID: id, Lines: []ledger.Txn{line}}
			}
			if err := ensureWarehouse(ct, line.WarehouseID); err != nil {
				return err
			}
			lineID := line.ID
			if lineID == "" {
				lineID = uuid.NewString()
			}
			if err := ct.upsertRow("book_transaction", lineID, []colval{
				{"note_id", str(id)},
				{"isbn", str(line.ISBN)},
				{"warehouse_id", str(line.WarehouseID)},
				{"quantity", i64(int64(line.Quantity))},
				{"updated_at", i64(ct.nowMillis)},
			}); err != nil {
				return err
			}
		}

		now := time.UnixMilli(ct.nowMillis)
		note = ledger.Note{
			ID:                 id,
			DisplayName:        displayName,
			WarehouseID:        ledger.AllWarehouses,
			Committed:          true,
			ReconciliationNote: true,
			CreatedAt:          now,
			UpdatedAt:          now,
			CommittedAt:        &now,
		}
		return ct.upsertRow("note", id, []colval{
			{"display_name", str(displayName)},
			{"warehouse_id", str(ledger.AllWarehouses)},
			{"is_reconciliation_note", boolVal(true)},
			{"committed", boolVal(true)},
			{"created_at", i64(ct.nowMillis)},
			{"updated_at", i64(ct.nowMillis)},
			{"committed_at", i64(ct.nowMillis)},
		})
	})
	if err != nil {
		return ledger.Note{}, fmt.Errorf("create reconciliation note: %w", err)
	}
	return note, nil
}
