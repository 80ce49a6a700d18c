package ledger

import "time"

// AllWarehouses is the sentinel warehouse id carried by outbound notes.
// It represents "stock leaving the system" and never holds stock itself.
const AllWarehouses = "all"

// NoteType distinguishes stock arriving from stock leaving.
type NoteType string

const (
	NoteTypeInbound  NoteType = "inbound"
	NoteTypeOutbound NoteType = "outbound"
)

// Warehouse is a logical grouping of books ("New Books", "Used Books", ...).
// Discount is a whole percentage (0-100) applied to every book it holds.
type Warehouse struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Discount    int    `json:"discount"`
}

// WarehouseListItem is a warehouse row joined with its committed book total.
type WarehouseListItem struct {
	Warehouse
	TotalBooks int `json:"total_books"`
}

// Note is a batch of book movements with a draft -> committed lifecycle.
//
// Inbound notes belong to the warehouse receiving the books. Outbound notes
// carry the AllWarehouses sentinel; each of their lines names the warehouse
// the books come from. Reconciliation notes are inbound notes created (and
// committed) to true up stock after a forced withdrawal.
//
// Once committed, only DisplayName may change.
type Note struct {
	ID                 string     `json:"id"`
	DisplayName        string     `json:"display_name"`
	WarehouseID        string     `json:"warehouse_id"`
	DefaultWarehouse   string     `json:"default_warehouse,omitempty"`
	Committed          bool       `json:"committed"`
	ReconciliationNote bool       `json:"reconciliation_note"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
	CommittedAt        *time.Time `json:"committed_at,omitempty"`
}

// Type derives the note type. Reconciliation notes are always inbound.
func (n Note) Type() NoteType {
	if n.WarehouseID == AllWarehouses && !n.ReconciliationNote {
		return NoteTypeOutbound
	}
	return NoteTypeInbound
}

// NoteListItem is a note row with its warehouse name and book total, as
// consumed by list views.
type NoteListItem struct {
	ID            string    `json:"id"`
	DisplayName   string    `json:"display_name"`
	WarehouseID   string    `json:"warehouse_id"`
	WarehouseName string    `json:"warehouse_name,omitempty"`
	TotalBooks    int       `json:"total_books"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Txn is one book line of a note.
//
// Inbound lines are aggregated per (note, isbn, warehouse). Outbound lines
// are never aggregated - each scan produces a fresh row so that split
// allocations stay visible as separate rows. An outbound line starts with an
// empty WarehouseID (unresolved) until allocation assigns one; Forced marks
// an allocation recorded despite insufficient (or absent) stock.
type Txn struct {
	ID          string    `json:"id"`
	NoteID      string    `json:"note_id"`
	ISBN        string    `json:"isbn"`
	Quantity    int       `json:"quantity"`
	WarehouseID string    `json:"warehouse_id"`
	Forced      bool      `json:"forced"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TxnEntry is a Txn joined with its warehouse name for display.
type TxnEntry struct {
	Txn
	WarehouseName string `json:"warehouse_name,omitempty"`
}

// CustomItem is a non-book line on an outbound note (receipt extras).
// Custom items never participate in stock aggregation.
type CustomItem struct {
	ID        string    `json:"id"`
	NoteID    string    `json:"note_id"`
	Title     string    `json:"title"`
	Price     float64   `json:"price"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StockEntry is a derived per-(warehouse, isbn) quantity. Stock is never
// materialized; it is always recomputed from the committed transaction set.
type StockEntry struct {
	ISBN          string `json:"isbn"`
	WarehouseID   string `json:"warehouse_id"`
	WarehouseName string `json:"warehouse_name,omitempty"`
	Quantity      int    `json:"quantity"`
}

// AllocationCandidate is a warehouse able to cover (part of) an outbound
// line, with the stock remaining after the note's other claims on the isbn.
type AllocationCandidate struct {
	WarehouseID   string `json:"warehouse_id"`
	WarehouseName string `json:"warehouse_name"`
	Remaining     int    `json:"remaining"`
}

// HistoryEntry is a committed transaction joined with its note metadata,
// consumed by history/reporting views.
type HistoryEntry struct {
	ISBN          string    `json:"isbn"`
	Quantity      int       `json:"quantity"`
	WarehouseID   string    `json:"warehouse_id"`
	NoteID        string    `json:"note_id"`
	NoteName      string    `json:"note_name"`
	NoteType      NoteType  `json:"note_type"`
	CommittedAt   time.Time `json:"committed_at"`
	WarehouseName string    `json:"warehouse_name,omitempty"`
}
