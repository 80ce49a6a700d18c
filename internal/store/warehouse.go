package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/shelfsync/internal/ledger"
)

// UpsertWarehouse creates or updates a warehouse. A blank display name on
// creation is filled from the naming sequence, computed inside the same
// transaction. On update, zero-value fields are left untouched only for the
// display name; discount is written as given.
func (s *Store) UpsertWarehouse(ctx context.Context, w ledger.Warehouse) (ledger.Warehouse, error) {
	if w.ID == "" {
		return ledger.Warehouse{}, fmt.Errorf("warehouse must have an id")
	}
	if w.ID == ledger.AllWarehouses {
		return ledger.Warehouse{}, fmt.Errorf("warehouse id %q is reserved", ledger.AllWarehouses)
	}

	err := s.withCapture(ctx, func(ct *captureTx) error {
		name := w.DisplayName
		if name == "" {
			var existing string
			err := ct.tx.QueryRowContext(ct.ctx,
				`SELECT display_name FROM warehouse WHERE id = ?`, w.ID).Scan(&existing)
			switch {
			case err == sql.ErrNoRows:
				seq, err := nextWarehouseName(ct.ctx, ct.tx)
				if err != nil {
					return err
				}
				name = seq
			case err != nil:
				return fmt.Errorf("read warehouse: %w", err)
			default:
				name = existing
			}
		}
		w.DisplayName = name

		return ct.upsertRow("warehouse", w.ID, []colval{
			{"display_name", str(w.DisplayName)},
			{"discount", i64(int64(w.Discount))},
		})
	})
	if err != nil {
		return ledger.Warehouse{}, fmt.Errorf("upsert warehouse: %w", err)
	}
	return w, nil
}

// GetWarehouse retrieves a warehouse by id.
// Returns ledger.ErrNotFound if no row exists.
func (s *Store) GetWarehouse(ctx context.Context, id string) (ledger.Warehouse, error) {
	var w ledger.Warehouse
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, discount FROM warehouse WHERE id = ?
	`, id).Scan(&w.ID, &w.DisplayName, &w.Discount)
	if err == sql.ErrNoRows {
		return ledger.Warehouse{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Warehouse{}, fmt.Errorf("get warehouse: %w", err)
	}
	return w, nil
}

// ListWarehouses returns all warehouses with their committed book totals.
// The totals are computed separately from the warehouse rows so a warehouse
// whose only notes are drafts still appears, with a zero total.
func (s *Store) ListWarehouses(ctx context.Context) ([]ledger.WarehouseListItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			w.id, w.display_name, w.discount, COALESCE(tb.total, 0)
		FROM warehouse w
		LEFT JOIN (
			SELECT
				bt.warehouse_id AS id,
				SUM(CASE WHEN n.warehouse_id != 'all' OR n.is_reconciliation_note = 1
					THEN bt.quantity ELSE -bt.quantity END) AS total
			FROM book_transaction bt
			JOIN note n ON bt.note_id = n.id
			WHERE n.committed = 1
			GROUP BY bt.warehouse_id
		) tb ON w.id = tb.id
		ORDER BY w.id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list warehouses: %w", err)
	}
	defer rows.Close()

	var items []ledger.WarehouseListItem
	for rows.Next() {
		var it ledger.WarehouseListItem
		if err := rows.Scan(&it.ID, &it.DisplayName, &it.Discount, &it.TotalBooks); err != nil {
			return nil, fmt.Errorf("scan warehouse: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate warehouses: %w", err)
	}

	if items == nil {
		items = []ledger.WarehouseListItem{}
	}
	return items, nil
}

// DeleteWarehouse removes the warehouse row unconditionally. Historical
// transactions keep their warehouse_id string for audit and history views,
// so committed notes referencing the warehouse stay intact.
func (s *Store) DeleteWarehouse(ctx context.Context, id string) error {
	err := s.withCapture(ctx, func(ct *captureTx) error {
		return ct.deleteRow("warehouse", id)
	})
	if err != nil {
		return fmt.Errorf("delete warehouse: %w", err)
	}
	return nil
}
