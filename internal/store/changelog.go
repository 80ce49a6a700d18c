package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"

	"github.com/roach88/shelfsync/internal/ledger"
)

// tableColumns allowlists the replicated columns per entity table. Entries
// naming any other table or column are rejected as a schema mismatch.
var tableColumns = map[string]map[string]bool{
	"warehouse": {
		"display_name": true,
		"discount":     true,
	},
	"note": {
		"display_name":           true,
		"warehouse_id":           true,
		"default_warehouse":      true,
		"committed":              true,
		"is_reconciliation_note": true,
		"created_at":             true,
		"updated_at":             true,
		"committed_at":           true,
	},
	"book_transaction": {
		"note_id":      true,
		"isbn":         true,
		"warehouse_id": true,
		"quantity":     true,
		"forced":       true,
		"updated_at":   true,
	},
	"custom_item": {
		"note_id":    true,
		"title":      true,
		"price":      true,
		"updated_at": true,
	},
}

// colval is one column write inside a captured transaction. Order of the
// containing slice fixes the seq stamped on each entry.
type colval struct {
	name string
	val  *string
}

func str(v string) *string { return &v }

func i64(v int64) *string {
	s := strconv.FormatInt(v, 10)
	return &s
}

func boolVal(v bool) *string {
	if v {
		return str("1")
	}
	return str("0")
}

func f64(v float64) *string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	return &s
}

// captureTx is a single local transaction with change capture. Every column
// it touches is stamped with one freshly allocated db_version; seq orders
// the writes within it.
type captureTx struct {
	ctx       context.Context
	tx        *sql.Tx
	site      string
	dbVersion int64
	seq       int64
	nowMillis int64
}

// withCapture runs fn inside one transaction, allocating the next local
// db_version up front. The entity change and its change_log entries commit
// (or roll back) as a unit; listeners are notified only after commit.
func (s *Store) withCapture(ctx context.Context, fn func(*captureTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	version, err := nextDBVersion(ctx, tx)
	if err != nil {
		return err
	}

	ct := &captureTx{
		ctx:       ctx,
		tx:        tx,
		site:      s.siteID,
		dbVersion: version,
		nowMillis: s.now().UnixMilli(),
	}

	if err := fn(ct); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.listeners.notify(Event{Kind: EventLocal})
	return nil
}

// nextDBVersion bumps and returns the replica-local transaction counter.
func nextDBVersion(ctx context.Context, tx *sql.Tx) (int64, error) {
	var current int64
	err := tx.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = 'db_version'`).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("read db_version: %w", err)
	}

	next := current + 1
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value) VALUES ('db_version', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, strconv.FormatInt(next, 10))
	if err != nil {
		return 0, fmt.Errorf("write db_version: %w", err)
	}
	return next, nil
}

// rowState returns the causal length of a row and whether the stored state
// is a tombstone. cl == 0 means the change log has never seen the row.
func rowState(ctx context.Context, tx *sql.Tx, tbl, pk string) (cl int64, deleted bool, err error) {
	var cid string
	err = tx.QueryRowContext(ctx, `
		SELECT cl, cid FROM change_log WHERE tbl = ? AND pk = ? LIMIT 1
	`, tbl, pk).Scan(&cl, &cid)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("row state %s/%s: %w", tbl, pk, err)
	}
	return cl, cid == ledger.DeleteSentinel, nil
}

// upsertRow writes cols to the entity row pk of tbl and captures one
// change_log entry per column. Creating a row (or resurrecting a deleted
// one) bumps the causal length to the next odd value.
func (ct *captureTx) upsertRow(tbl, pk string, cols []colval) error {
	cl, deleted, err := rowState(ct.ctx, ct.tx, tbl, pk)
	if err != nil {
		return err
	}
	switch {
	case cl == 0:
		cl = 1
	case deleted:
		// Resurrection: drop the tombstone, restart column history.
		if _, err := ct.tx.ExecContext(ct.ctx,
			`DELETE FROM change_log WHERE tbl = ? AND pk = ?`, tbl, pk); err != nil {
			return fmt.Errorf("drop tombstone %s/%s: %w", tbl, pk, err)
		}
		cl++
	}

	if err := ct.upsertEntity(tbl, pk, cols); err != nil {
		return err
	}

	for _, c := range cols {
		if !tableColumns[tbl][c.name] {
			return fmt.Errorf("capture: unknown column %s.%s", tbl, c.name)
		}
		var colVersion int64
		err := ct.tx.QueryRowContext(ct.ctx, `
			SELECT col_version FROM change_log WHERE tbl = ? AND pk = ? AND cid = ?
		`, tbl, pk, c.name).Scan(&colVersion)
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("read col version %s.%s: %w", tbl, c.name, err)
		}

		_, err = ct.tx.ExecContext(ct.ctx, `
			INSERT OR REPLACE INTO change_log
			(tbl, pk, cid, val, col_version, db_version, site_id, cl, seq)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, tbl, pk, c.name, c.val, colVersion+1, ct.dbVersion, ct.site, cl, ct.seq)
		if err != nil {
			return fmt.Errorf("capture %s.%s: %w", tbl, c.name, err)
		}
		ct.seq++
	}

	return nil
}

// upsertEntity applies the column writes to the entity table itself.
func (ct *captureTx) upsertEntity(tbl, pk string, cols []colval) error {
	insertCols := "id"
	placeholders := "?"
	args := []any{pk}
	updates := ""
	for i, c := range cols {
		insertCols += ", " + c.name
		placeholders += ", ?"
		args = append(args, c.val)
		if i > 0 {
			updates += ", "
		}
		updates += c.name + " = excluded." + c.name
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s`,
		tbl, insertCols, placeholders, updates,
	)
	if _, err := ct.tx.ExecContext(ct.ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", tbl, pk, err)
	}
	return nil
}

// deleteRow removes the entity row and replaces its column entries with a
// tombstone at the next even causal length. Deleting an already-deleted or
// unknown row that the log has a tombstone for is a no-op.
func (ct *captureTx) deleteRow(tbl, pk string) error {
	cl, deleted, err := rowState(ct.ctx, ct.tx, tbl, pk)
	if err != nil {
		return err
	}
	if deleted {
		return nil
	}
	if cl == 0 {
		cl = 1
	}

	if _, err := ct.tx.ExecContext(ct.ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, tbl), pk); err != nil {
		return fmt.Errorf("delete %s/%s: %w", tbl, pk, err)
	}
	if _, err := ct.tx.ExecContext(ct.ctx,
		`DELETE FROM change_log WHERE tbl = ? AND pk = ?`, tbl, pk); err != nil {
		return fmt.Errorf("clear log %s/%s: %w", tbl, pk, err)
	}

	_, err = ct.tx.ExecContext(ct.ctx, `
		INSERT INTO change_log
		(tbl, pk, cid, val, col_version, db_version, site_id, cl, seq)
		VALUES (?, ?, ?, NULL, 1, ?, ?, ?, ?)
	`, tbl, pk, ledger.DeleteSentinel, ct.dbVersion, ct.site, cl+1, ct.seq)
	if err != nil {
		return fmt.Errorf("tombstone %s/%s: %w", tbl, pk, err)
	}
	ct.seq++
	return nil
}

// LocalChanges returns this replica's own writes with db_version > since,
// ordered by (db_version, seq). It never returns entries received from
// other sites - re-shipping them is the puller's job, keyed by origin.
func (s *Store) LocalChanges(ctx context.Context, since int64) ([]ledger.Change, error) {
	return s.queryChanges(ctx, `
		SELECT tbl, pk, cid, val, col_version, db_version, site_id, cl, seq
		FROM change_log
		WHERE site_id = ? AND db_version > ?
		ORDER BY db_version ASC, seq ASC
	`, s.siteID, since)
}

// ChangesSince returns every stored entry whose origin site is not exclude
// and whose origin db_version exceeds the requester's vector entry for that
// site. This is the pull-side query: it forwards third-party entries, so a
// relay needs no protocol of its own.
func (s *Store) ChangesSince(ctx context.Context, vector ledger.VersionVector, exclude string) ([]ledger.Change, error) {
	sites, err := s.originSites(ctx, exclude)
	if err != nil {
		return nil, err
	}

	// One indexed range scan per origin site keeps a delta pull
	// proportional to the delta, not to the stored history.
	out := []ledger.Change{}
	for _, site := range sites {
		chunk, err := s.queryChanges(ctx, `
			SELECT tbl, pk, cid, val, col_version, db_version, site_id, cl, seq
			FROM change_log
			WHERE site_id = ? AND db_version > ?
			ORDER BY db_version ASC, seq ASC
		`, site, vector[site])
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
	}
	return out, nil
}

// originSites lists the distinct origin sites present in the change log,
// except the excluded one, in ascending order.
func (s *Store) originSites(ctx context.Context, exclude string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT site_id FROM change_log
		WHERE site_id != ?
		ORDER BY site_id ASC
	`, exclude)
	if err != nil {
		return nil, fmt.Errorf("origin sites: %w", err)
	}
	defer rows.Close()

	var sites []string
	for rows.Next() {
		var site string
		if err := rows.Scan(&site); err != nil {
			return nil, fmt.Errorf("scan origin site: %w", err)
		}
		sites = append(sites, site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("origin sites: %w", err)
	}
	return sites, nil
}

func (s *Store) queryChanges(ctx context.Context, query string, args ...any) ([]ledger.Change, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query changes: %w", err)
	}
	defer rows.Close()

	var changes []ledger.Change
	for rows.Next() {
		var c ledger.Change
		if err := rows.Scan(&c.Table, &c.PK, &c.ColumnID, &c.Value,
			&c.ColVersion, &c.DBVersion, &c.SiteID, &c.CL, &c.Seq); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate changes: %w", err)
	}

	if changes == nil {
		changes = []ledger.Change{}
	}
	return changes, nil
}

// DBVersion returns the local transaction counter.
func (s *Store) DBVersion(ctx context.Context) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = 'db_version'`).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read db_version: %w", err)
	}
	return v, nil
}

// PeerDBVersion answers "what is the highest db_version I have already
// received from this site", enabling delta pulls instead of full history.
func (s *Store) PeerDBVersion(ctx context.Context, siteID string) (int64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM peer_version WHERE site_id = ?`, siteID).Scan(&v)
	if err == nil {
		return v, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("read peer version: %w", err)
	}

	// Fall back to what the change log itself retains.
	err = s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(db_version), 0) FROM change_log WHERE site_id = ?`, siteID).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read peer version: %w", err)
	}
	return v, nil
}

// Vector returns, per known site, the highest db_version this replica has
// seen - stored winners overlaid with the receive cursors (entries that
// lost a merge are tracked by cursor only).
func (s *Store) Vector(ctx context.Context) (ledger.VersionVector, error) {
	vector := ledger.VersionVector{}

	rows, err := s.db.QueryContext(ctx,
		`SELECT site_id, MAX(db_version) FROM change_log GROUP BY site_id`)
	if err != nil {
		return nil, fmt.Errorf("vector: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var site string
		var v int64
		if err := rows.Scan(&site, &v); err != nil {
			return nil, fmt.Errorf("vector scan: %w", err)
		}
		vector[site] = v
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("vector iterate: %w", err)
	}

	cursors, err := s.db.QueryContext(ctx, `SELECT site_id, version FROM peer_version`)
	if err != nil {
		return nil, fmt.Errorf("vector cursors: %w", err)
	}
	defer cursors.Close()
	for cursors.Next() {
		var site string
		var v int64
		if err := cursors.Scan(&site, &v); err != nil {
			return nil, fmt.Errorf("vector cursor scan: %w", err)
		}
		if v > vector[site] {
			vector[site] = v
		}
	}
	if err := cursors.Err(); err != nil {
		return nil, fmt.Errorf("vector cursors iterate: %w", err)
	}

	return vector, nil
}

// ApplyChanges merges a batch of remote entries into the store inside one
// transaction: a reader never observes a partially merged batch.
//
// Merge rules, applied per entry:
//   - row rule first: a lower causal length than the stored row is stale and
//     dropped; a higher one deletes or resurrects the row;
//   - at equal causal length, per-column last-writer-wins: strictly greater
//     col_version wins, ties break to the lexicographically greater site id.
//
// Re-applying an already-applied batch is a no-op: nothing in it can exceed
// the stored versions. Receive cursors advance for every entry seen, won or
// lost, in the same transaction.
func (s *Store) ApplyChanges(ctx context.Context, entries []ledger.Change) error {
	if len(entries) == 0 {
		return nil
	}

	// Deterministic application order regardless of transport order.
	sorted := make([]ledger.Change, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.SiteID != b.SiteID {
			return a.SiteID < b.SiteID
		}
		if a.DBVersion != b.DBVersion {
			return a.DBVersion < b.DBVersion
		}
		return a.Seq < b.Seq
	})

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply changes: begin tx: %w", err)
	}
	defer tx.Rollback()

	cursors := ledger.VersionVector{}
	for _, e := range sorted {
		if err := mergeEntry(ctx, tx, e); err != nil {
			return err
		}
		if e.SiteID != s.siteID && e.DBVersion > cursors[e.SiteID] {
			cursors[e.SiteID] = e.DBVersion
		}
	}

	for site, version := range cursors {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO peer_version (site_id, version) VALUES (?, ?)
			ON CONFLICT(site_id) DO UPDATE SET version = MAX(version, excluded.version)
		`, site, version)
		if err != nil {
			return fmt.Errorf("apply changes: cursor %s: %w", site, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply changes: commit: %w", err)
	}

	s.listeners.notify(Event{Kind: EventMerge})
	return nil
}

// mergeEntry applies one remote entry under the merge rules.
func mergeEntry(ctx context.Context, tx *sql.Tx, e ledger.Change) error {
	cols, ok := tableColumns[e.Table]
	if !ok {
		return fmt.Errorf("apply changes: unknown table %s", e.Table)
	}
	if !e.IsDelete() && !cols[e.ColumnID] {
		return fmt.Errorf("apply changes: unknown column %s.%s", e.Table, e.ColumnID)
	}

	localCL, _, err := rowState(ctx, tx, e.Table, e.PK)
	if err != nil {
		return err
	}

	switch {
	case e.CL < localCL:
		// Stale delete or stale resurrection from a slow replica.
		return nil

	case e.CL > localCL:
		if e.IsDelete() {
			return applyDelete(ctx, tx, e)
		}
		return applyResurrect(ctx, tx, e)

	default: // equal causal length
		if e.IsDelete() {
			// Same deletion already recorded.
			return nil
		}
		return applyColumn(ctx, tx, e)
	}
}

func applyDelete(ctx context.Context, tx *sql.Tx, e ledger.Change) error {
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, e.Table), e.PK); err != nil {
		return fmt.Errorf("merge delete %s/%s: %w", e.Table, e.PK, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM change_log WHERE tbl = ? AND pk = ?`, e.Table, e.PK); err != nil {
		return fmt.Errorf("merge delete log %s/%s: %w", e.Table, e.PK, err)
	}
	return storeEntry(ctx, tx, e)
}

// applyResurrect handles the first column entry arriving at a causal length
// above the stored row: earlier-generation state loses wholesale.
func applyResurrect(ctx context.Context, tx *sql.Tx, e ledger.Change) error {
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM change_log WHERE tbl = ? AND pk = ?`, e.Table, e.PK); err != nil {
		return fmt.Errorf("merge resurrect log %s/%s: %w", e.Table, e.PK, err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, e.Table), e.PK); err != nil {
		return fmt.Errorf("merge resurrect %s/%s: %w", e.Table, e.PK, err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR IGNORE INTO %s (id) VALUES (?)`, e.Table), e.PK); err != nil {
		return fmt.Errorf("merge create %s/%s: %w", e.Table, e.PK, err)
	}
	return setColumn(ctx, tx, e)
}

func applyColumn(ctx context.Context, tx *sql.Tx, e ledger.Change) error {
	var localVersion int64
	var localSite string
	err := tx.QueryRowContext(ctx, `
		SELECT col_version, site_id FROM change_log WHERE tbl = ? AND pk = ? AND cid = ?
	`, e.Table, e.PK, e.ColumnID).Scan(&localVersion, &localSite)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("merge read %s.%s: %w", e.Table, e.ColumnID, err)
	}

	if err == nil {
		wins := e.ColVersion > localVersion ||
			(e.ColVersion == localVersion && e.SiteID > localSite)
		if !wins {
			return nil
		}
	}

	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT OR IGNORE INTO %s (id) VALUES (?)`, e.Table), e.PK); err != nil {
		return fmt.Errorf("merge create %s/%s: %w", e.Table, e.PK, err)
	}
	return setColumn(ctx, tx, e)
}

// setColumn writes the entry's value into the entity table and records the
// entry verbatim as the cell's new winner, origin metadata and all.
func setColumn(ctx context.Context, tx *sql.Tx, e ledger.Change) error {
	query := fmt.Sprintf(`UPDATE %s SET %s = ? WHERE id = ?`, e.Table, e.ColumnID)
	if _, err := tx.ExecContext(ctx, query, e.Value, e.PK); err != nil {
		return fmt.Errorf("merge set %s.%s: %w", e.Table, e.ColumnID, err)
	}
	return storeEntry(ctx, tx, e)
}

func storeEntry(ctx context.Context, tx *sql.Tx, e ledger.Change) error {
	_, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO change_log
		(tbl, pk, cid, val, col_version, db_version, site_id, cl, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.Table, e.PK, e.ColumnID, e.Value, e.ColVersion, e.DBVersion, e.SiteID, e.CL, e.Seq)
	if err != nil {
		return fmt.Errorf("store entry %s/%s/%s: %w", e.Table, e.PK, e.ColumnID, err)
	}
	return nil
}
