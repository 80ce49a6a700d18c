package ledger

// DeleteSentinel is the column id of a row tombstone in the change log.
// A tombstone carries no value; its causal length is even (deleted).
const DeleteSentinel = "-del-"

// Change is one per-row-per-column change log entry.
//
// Table/PK/ColumnID locate the cell. ColVersion is monotonic per cell,
// incremented on every local write. DBVersion is monotonic per replica,
// stamped once per local transaction; Seq orders entries within one
// DBVersion. SiteID is the stable identity of the replica that produced the
// write. CL is the row's causal length: odd while the row is alive, bumped
// on every delete and resurrection, used to total-order delete/recreate
// races.
//
// Entries are immutable once produced; applying the same entry twice is a
// no-op.
type Change struct {
	Table      string  `json:"table"`
	PK         string  `json:"pk"`
	ColumnID   string  `json:"cid"`
	Value      *string `json:"val"`
	ColVersion int64   `json:"col_version"`
	DBVersion  int64   `json:"db_version"`
	SiteID     string  `json:"site_id"`
	CL         int64   `json:"cl"`
	Seq        int64   `json:"seq"`
}

// IsDelete reports whether the entry is a row tombstone.
func (c Change) IsDelete() bool { return c.ColumnID == DeleteSentinel }

// VersionVector maps a site id to the highest db_version received from it.
type VersionVector map[string]int64
