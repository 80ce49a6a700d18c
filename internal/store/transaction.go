package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/shelfsync/internal/ledger"
)

// VolumeInput is one scan added to a note.
type VolumeInput struct {
	ISBN        string
	Quantity    int
	WarehouseID string
}

// AddVolumes records book scans on a draft note.
//
// Inbound notes aggregate: the warehouse is always the note's own and a
// repeated isbn bumps the existing row's quantity. Outbound notes never
// aggregate; every call appends a fresh row so split allocations stay
// visible, with the warehouse taken from the input, falling back to the
// note's default warehouse, else left unresolved.
//
// Adding to a committed note is a no-op.
func (s *Store) AddVolumes(ctx context.Context, noteID string, volumes ...VolumeInput) error {
	err := s.withCapture(ctx, func(ct *captureTx) error {
		note, err := getNoteTx(ct, noteID)
		if err != nil {
			return err
		}
		if note.Committed {
			return nil
		}

		for _, v := range volumes {
			if v.Quantity <= 0 {
				return &ledger.InvariantError{
					Code:    ledger.ErrCodeBadQuantity,
					Message: fmt.Sprintf("quantity %d for isbn %s", v.Quantity, v.ISBN),
					NoteID:  noteID,
				}
			}
			if note.Type() == ledger.NoteTypeInbound {
				if err := addInboundVolume(ct, note, v); err != nil {
					return err
				}
				continue
			}
			if err := addOutboundVolume(ct, note, v); err != nil {
				return err
			}
		}
		return touchNote(ct, noteID)
	})
	if err != nil {
		return fmt.Errorf("add volumes: %w", err)
	}
	return nil
}

func addInboundVolume(ct *captureTx, note ledger.Note, v VolumeInput) error {
	var id string
	var qty int
	err := ct.tx.QueryRowContext(ct.ctx, `
		SELECT id, quantity FROM book_transaction
		WHERE note_id = ? AND isbn = ? AND warehouse_id = ?
		ORDER BY id ASC LIMIT 1
	`, note.ID, v.ISBN, note.WarehouseID).Scan(&id, &qty)
	if err == sql.ErrNoRows {
		return ct.upsertRow("book_transaction", uuid.NewString(), []colval{
			{"note_id", str(note.ID)},
			{"isbn", str(v.ISBN)},
			{"warehouse_id", str(note.WarehouseID)},
			{"quantity", i64(int64(v.Quantity))},
			{"updated_at", i64(ct.nowMillis)},
		})
	}
	if err != nil {
		return fmt.Errorf("find inbound line: %w", err)
	}
	return ct.upsertRow("book_transaction", id, []colval{
		{"quantity", i64(int64(qty + v.Quantity))},
		{"updated_at", i64(ct.nowMillis)},
	})
}

func addOutboundVolume(ct *captureTx, note ledger.Note, v VolumeInput) error {
	warehouse := v.WarehouseID
	if warehouse == "" {
		warehouse = note.DefaultWarehouse
	}
	return ct.upsertRow("book_transaction", uuid.NewString(), []colval{
		{"note_id", str(note.ID)},
		{"isbn", str(v.ISBN)},
		{"warehouse_id", str(warehouse)},
		{"quantity", i64(int64(v.Quantity))},
		{"updated_at", i64(ct.nowMillis)},
	})
}

func touchNote(ct *captureTx, noteID string) error {
	return ct.upsertRow("note", noteID, []colval{
		{"updated_at", i64(ct.nowMillis)},
	})
}

// TxnUpdate names the line fields a caller may change. Nil fields are left
// untouched.
type TxnUpdate struct {
	Quantity    *int
	WarehouseID *string
}

// UpdateTxn changes a line's quantity and/or warehouse. On an inbound note a
// warehouse move that lands on an existing (isbn, warehouse) row folds the
// quantities together instead of leaving two rows for the same key.
//
// Updating a line of a committed note is a no-op.
func (s *Store) UpdateTxn(ctx context.Context, noteID, txnID string, upd TxnUpdate) error {
	err := s.withCapture(ctx, func(ct *captureTx) error {
		note, err := getNoteTx(ct, noteID)
		if err != nil {
			return err
		}
		if note.Committed {
			return nil
		}

		txn, err := getTxnTx(ct, txnID)
		if err != nil {
			return err
		}
		if txn.NoteID != noteID {
			return &ledger.InvariantError{
				Code:    ledger.ErrCodeTxnMismatch,
				Message: fmt.Sprintf("line %s belongs to note %s", txnID, txn.NoteID),
				NoteID:  noteID,
			}
		}

		quantity := txn.Quantity
		if upd.Quantity != nil {
			if *upd.Quantity <= 0 {
				return &ledger.InvariantError{
					Code:    ledger.ErrCodeBadQuantity,
					Message: fmt.Sprintf("quantity %d for isbn %s", *upd.Quantity, txn.ISBN),
					NoteID:  noteID,
				}
			}
			quantity = *upd.Quantity
		}

		warehouse := txn.WarehouseID
		if upd.WarehouseID != nil {
			warehouse = *upd.WarehouseID
		}

		if note.Type() == ledger.NoteTypeInbound && warehouse != txn.WarehouseID {
			folded, err := foldInboundMove(ct, txn, warehouse, quantity)
			if err != nil {
				return err
			}
			if folded {
				return touchNote(ct, noteID)
			}
		}

		cols := []colval{
			{"quantity", i64(int64(quantity))},
			{"warehouse_id", str(warehouse)},
			{"updated_at", i64(ct.nowMillis)},
		}
		if warehouse != txn.WarehouseID {
			// Moving a line clears any prior forced allocation.
			cols = append(cols, colval{"forced", boolVal(false)})
		}
		if err := ct.upsertRow("book_transaction", txnID, cols); err != nil {
			return err
		}
		return touchNote(ct, noteID)
	})
	if err != nil {
		return fmt.Errorf("update txn: %w", err)
	}
	return nil
}

// foldInboundMove merges a moved inbound line into an existing row for the
// target (isbn, warehouse), if one exists. Returns true when it folded.
func foldInboundMove(ct *captureTx, txn ledger.Txn, warehouse string, quantity int) (bool, error) {
	var id string
	var qty int
	err := ct.tx.QueryRowContext(ct.ctx, `
		SELECT id, quantity FROM book_transaction
		WHERE note_id = ? AND isbn = ? AND warehouse_id = ? AND id != ?
		ORDER BY id ASC LIMIT 1
	`, txn.NoteID, txn.ISBN, warehouse, txn.ID).Scan(&id, &qty)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find target line: %w", err)
	}

	if err := ct.upsertRow("book_transaction", id, []colval{
		{"quantity", i64(int64(qty + quantity))},
		{"updated_at", i64(ct.nowMillis)},
	}); err != nil {
		return false, err
	}
	return true, ct.deleteRow("book_transaction", txn.ID)
}

// RemoveTxn deletes a line from a draft note. Removing from a committed note,
// or removing an already-absent line, is a no-op.
func (s *Store) RemoveTxn(ctx context.Context, noteID, txnID string) error {
	err := s.withCapture(ctx, func(ct *captureTx) error {
		note, err := getNoteTx(ct, noteID)
		if err != nil {
			return err
		}
		if note.Committed {
			return nil
		}

		txn, err := getTxnTx(ct, txnID)
		if err == ledger.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		if txn.NoteID != noteID {
			return &ledger.InvariantError{
				Code:    ledger.ErrCodeTxnMismatch,
				Message: fmt.Sprintf("line %s belongs to note %s", txnID, txn.NoteID),
				NoteID:  noteID,
			}
		}

		if err := ct.deleteRow("book_transaction", txnID); err != nil {
			return err
		}
		return touchNote(ct, noteID)
	})
	if err != nil {
		return fmt.Errorf("remove txn: %w", err)
	}
	return nil
}

func getTxnTx(ct *captureTx, id string) (ledger.Txn, error) {
	row := ct.tx.QueryRowContext(ct.ctx, `
		SELECT id, note_id, isbn, warehouse_id, quantity, forced, updated_at
		FROM book_transaction WHERE id = ?
	`, id)

	var t ledger.Txn
	var updated int64
	err := row.Scan(&t.ID, &t.NoteID, &t.ISBN, &t.WarehouseID, &t.Quantity, &t.Forced, &updated)
	if err == sql.ErrNoRows {
		return ledger.Txn{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Txn{}, fmt.Errorf("scan txn: %w", err)
	}
	t.UpdatedAt = time.UnixMilli(updated)
	return t, nil
}

// NoteEntries returns a note's lines joined with warehouse display names,
// oldest first.
func (s *Store) NoteEntries(ctx context.Context, noteID string) ([]ledger.TxnEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT bt.id, bt.note_id, bt.isbn, bt.warehouse_id, bt.quantity,
		       bt.forced, bt.updated_at, COALESCE(w.display_name, '')
		FROM book_transaction bt
		LEFT JOIN warehouse w ON bt.warehouse_id = w.id
		WHERE bt.note_id = ?
		ORDER BY bt.updated_at ASC, bt.id ASC
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("note entries: %w", err)
	}
	defer rows.Close()

	var entries []ledger.TxnEntry
	for rows.Next() {
		var e ledger.TxnEntry
		var updated int64
		if err := rows.Scan(&e.ID, &e.NoteID, &e.ISBN, &e.WarehouseID, &e.Quantity,
			&e.Forced, &updated, &e.WarehouseName); err != nil {
			return nil, fmt.Errorf("scan note entry: %w", err)
		}
		e.UpdatedAt = time.UnixMilli(updated)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate note entries: %w", err)
	}

	if entries == nil {
		entries = []ledger.TxnEntry{}
	}
	return entries, nil
}

// unresolvedLines returns the note's lines with no warehouse selected.
func unresolvedLines(ctx context.Context, tx *sql.Tx, noteID string) ([]ledger.Txn, error) {
	rows, err := tx.QueryContext(ctx, `
		SELECT id, note_id, isbn, warehouse_id, quantity, forced, updated_at
		FROM book_transaction
		WHERE note_id = ? AND warehouse_id = ''
		ORDER BY id ASC
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("unresolved lines: %w", err)
	}
	defer rows.Close()

	var lines []ledger.Txn
	for rows.Next() {
		var t ledger.Txn
		var updated int64
		if err := rows.Scan(&t.ID, &t.NoteID, &t.ISBN, &t.WarehouseID,
			&t.Quantity, &t.Forced, &updated); err != nil {
			return nil, fmt.Errorf("scan unresolved line: %w", err)
		}
		t.UpdatedAt = time.UnixMilli(updated)
		lines = append(lines, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("unresolved lines: %w", err)
	}
	return lines, nil
}

// UpsertCustomItem adds or updates a non-book line on a draft outbound note.
// Custom items never touch stock; they exist for receipts only.
func (s *Store) UpsertCustomItem(ctx context.Context, noteID string, item ledger.CustomItem) error {
	err := s.withCapture(ctx, func(ct *captureTx) error {
		note, err := getNoteTx(ct, noteID)
		if err != nil {
			return err
		}
		if note.Committed {
			return nil
		}

		id := item.ID
		if id == "" {
			id = uuid.NewString()
		}
		if err := ct.upsertRow("custom_item", id, []colval{
			{"note_id", str(noteID)},
			{"title", str(item.Title)},
			{"price", f64(item.Price)},
			{"updated_at", i64(ct.nowMillis)},
		}); err != nil {
			return err
		}
		return touchNote(ct, noteID)
	})
	if err != nil {
		return fmt.Errorf("upsert custom item: %w", err)
	}
	return nil
}

// CustomItems returns a note's custom items, oldest first.
func (s *Store) CustomItems(ctx context.Context, noteID string) ([]ledger.CustomItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, note_id, title, price, updated_at
		FROM custom_item WHERE note_id = ?
		ORDER BY updated_at ASC, id ASC
	`, noteID)
	if err != nil {
		return nil, fmt.Errorf("custom items: %w", err)
	}
	defer rows.Close()

	var items []ledger.CustomItem
	for rows.Next() {
		var it ledger.CustomItem
		var updated int64
		if err := rows.Scan(&it.ID, &it.NoteID, &it.Title, &it.Price, &updated); err != nil {
			return nil, fmt.Errorf("scan custom item: %w", err)
		}
		it.UpdatedAt = time.UnixMilli(updated)
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate custom items: %w", err)
	}

	if items == nil {
		items = []ledger.CustomItem{}
	}
	return items, nil
}

// RemoveCustomItem deletes a custom item from a draft note. No-op when the
// note is committed or the item is gone.
func (s *Store) RemoveCustomItem(ctx context.Context, noteID, itemID string) error {
	err := s.withCapture(ctx, func(ct *captureTx) error {
		note, err := getNoteTx(ct, noteID)
		if err != nil {
			return err
		}
		if note.Committed {
			return nil
		}

		var owner string
		err = ct.tx.QueryRowContext(ct.ctx,
			`SELECT note_id FROM custom_item WHERE id = ?`, itemID).Scan(&owner)
		if err == sql.ErrNoRows {
			return nil
		}
		if err != nil {
			return fmt.Errorf("find custom item: %w", err)
		}
		if owner != noteID {
			return nil
		}

		if err := ct.deleteRow("custom_item", itemID); err != nil {
			return err
		}
		return touchNote(ct, noteID)
	})
	if err != nil {
		return fmt.Errorf("remove custom item: %w", err)
	}
	return nil
}
