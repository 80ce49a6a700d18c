package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/shelfsync/internal/ledger"
)

// Candidates lists the warehouses able to cover an outbound line for isbn,
// with the stock remaining after the note's other claims on the same isbn.
// excludeLine names the line being (re)allocated so its own current claim is
// not counted against itself. Warehouses with nothing remaining are omitted;
// the caller always picks - there is no auto-selection, even for a single
// candidate.
func (s *Store) Candidates(ctx context.Context, noteID, isbn, excludeLine string) ([]ledger.AllocationCandidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stock.warehouse_id, COALESCE(w.display_name, ''),
		       stock.net - COALESCE(claims.claimed, 0) AS remaining
		FROM (`+stockQuery+` AND bt.isbn = ?
			GROUP BY bt.warehouse_id
			HAVING net > 0) stock
		LEFT JOIN warehouse w ON stock.warehouse_id = w.id
		LEFT JOIN (
			SELECT warehouse_id, SUM(quantity) AS claimed
			FROM book_transaction
			WHERE note_id = ? AND isbn = ? AND id != ?
			GROUP BY warehouse_id
		) claims ON stock.warehouse_id = claims.warehouse_id
		WHERE stock.net - COALESCE(claims.claimed, 0) > 0
		ORDER BY stock.warehouse_id ASC
	`, isbn, noteID, isbn, excludeLine)
	if err != nil {
		return nil, fmt.Errorf("allocation candidates: %w", err)
	}
	defer rows.Close()

	var candidates []ledger.AllocationCandidate
	for rows.Next() {
		var c ledger.AllocationCandidate
		if err := rows.Scan(&c.WarehouseID, &c.WarehouseName, &c.Remaining); err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate candidates: %w", err)
	}

	if candidates == nil {
		candidates = []ledger.AllocationCandidate{}
	}
	return candidates, nil
}

// Resolve assigns a warehouse to an outbound line, clearing any forced flag.
// It fails with OutOfStockError when the warehouse cannot cover the line on
// top of the note's other claims; use ForceWithdraw to override.
//
// Resolving a line of a committed note is a no-op.
func (s *Store) Resolve(ctx context.Context, noteID, lineID, warehouseID string) error {
	err := s.allocate(ctx, noteID, lineID, warehouseID, false)
	if err != nil {
		return fmt.Errorf("resolve: %w", err)
	}
	return nil
}

// ForceWithdraw assigns a warehouse to an outbound line regardless of stock,
// marking the line forced so commit validation skips it. Selecting the
// already-selected warehouse is a no-op and does not set the flag.
//
// Forcing a line of a committed note is a no-op.
func (s *Store) ForceWithdraw(ctx context.Context, noteID, lineID, warehouseID string) error {
	err := s.allocate(ctx, noteID, lineID, warehouseID, true)
	if err != nil {
		return fmt.Errorf("force withdraw: %w", err)
	}
	return nil
}

func (s *Store) allocate(ctx context.Context, noteID, lineID, warehouseID string, forced bool) error {
	if warehouseID == "" || warehouseID == ledger.AllWarehouses {
		return fmt.Errorf("invalid warehouse id %q", warehouseID)
	}

	return s.withCapture(ctx, func(ct *captureTx) error {
		note, err := getNoteTx(ct, noteID)
		if err != nil {
			return err
		}
		if note.Committed {
			return nil
		}
		if note.Type() != ledger.NoteTypeOutbound {
			return &ledger.InvariantError{
				Code:    ledger.ErrCodeTxnMismatch,
				Message: "allocation applies to outbound notes only",
				NoteID:  noteID,
			}
		}

		txn, err := getTxnTx(ct, lineID)
		if err != nil {
			return err
		}
		if txn.NoteID != noteID {
			return &ledger.InvariantError{
				Code:    ledger.ErrCodeTxnMismatch,
				Message: fmt.Sprintf("line %s belongs to note %s", lineID, txn.NoteID),
				NoteID:  noteID,
			}
		}

		if txn.WarehouseID == warehouseID {
			return nil
		}

		if err := ensureWarehouse(ct, warehouseID); err != nil {
			return err
		}

		if !forced {
			remaining, err := remainingAfter(ct.ctx, ct.tx, noteID, txn.ISBN, warehouseID, lineID)
			if err != nil {
				return err
			}
			if remaining-txn.Quantity < 0 {
				name, err := warehouseName(ct.ctx, ct.tx, warehouseID)
				if err != nil {
					return err
				}
				return &ledger.OutOfStockError{
					NoteID: noteID,
					Lines: []ledger.OutOfStockLine{{
						ISBN:          txn.ISBN,
						WarehouseID:   warehouseID,
						WarehouseName: name,
						Requested:     txn.Quantity,
						Available:     remaining,
					}},
				}
			}
		}

		if err := ct.upsertRow("book_transaction", lineID, []colval{
			{"warehouse_id", str(warehouseID)},
			{"forced", boolVal(forced)},
			{"updated_at", i64(ct.nowMillis)},
		}); err != nil {
			return err
		}
		return touchNote(ct, noteID)
	})
}

// remainingAfter computes warehouse stock for isbn minus the note's other
// claims on it, excluding the line being allocated.
func remainingAfter(ctx context.Context, tx *sql.Tx, noteID, isbn, warehouseID, excludeLine string) (int, error) {
	available, err := quantityIn(ctx, tx, warehouseID, isbn)
	if err != nil {
		return 0, fmt.Errorf("stock for %s/%s: %w", warehouseID, isbn, err)
	}

	var claimed sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT SUM(quantity) FROM book_transaction
		WHERE note_id = ? AND isbn = ? AND warehouse_id = ? AND id != ?
	`, noteID, isbn, warehouseID, excludeLine).Scan(&claimed)
	if err != nil {
		return 0, fmt.Errorf("claims for %s/%s: %w", warehouseID, isbn, err)
	}
	return available - int(claimed.Int64), nil
}

func warehouseName(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var name string
	err := tx.QueryRowContext(ctx, `SELECT display_name FROM warehouse WHERE id = ?`, id).Scan(&name)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("warehouse name: %w", err)
	}
	return name, nil
}
