package store

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// Sequence naming: new entities get "New Warehouse", "New Warehouse (2)",
// "New Warehouse (3)", ... The next number is derived from the
// lexicographically greatest existing name still matching the default
// pattern; renamed entities fall out of the scan. Renaming every default
// therefore resets the sequence to the bare name.
//
// The scan runs inside the creating transaction and is never cached: with
// concurrent creations on two offline replicas both may mint the same
// default name, which is a display collision, not a correctness violation.

var seqSuffix = regexp.MustCompile(`^ \((\d+)\)$`)

// nextSeqName computes the next default display name for the given base
// ("New Warehouse", "New Note") among names returned by the scope query.
func nextSeqName(ctx context.Context, tx *sql.Tx, base, scopeQuery string, args ...any) (string, error) {
	rows, err := tx.QueryContext(ctx, scopeQuery, args...)
	if err != nil {
		return "", fmt.Errorf("sequence scan: %w", err)
	}
	defer rows.Close()

	normBase := norm.NFC.String(base)
	max := ""
	maxSeq := 0
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", fmt.Errorf("sequence scan: %w", err)
		}
		name = norm.NFC.String(name)

		n, ok := seqNumber(normBase, name)
		if !ok {
			continue
		}
		if max == "" || name > max {
			max = name
			maxSeq = n
		}
	}
	if err := rows.Err(); err != nil {
		return "", fmt.Errorf("sequence scan: %w", err)
	}

	if max == "" {
		return base, nil
	}
	return fmt.Sprintf("%s (%d)", base, maxSeq+1), nil
}

// seqNumber extracts the sequence number of a default-pattern name.
// The bare base counts as 1; anything not matching the pattern is excluded.
func seqNumber(base, name string) (int, bool) {
	if name == base {
		return 1, true
	}
	if len(name) <= len(base) || name[:len(base)] != base {
		return 0, false
	}
	m := seqSuffix.FindStringSubmatch(name[len(base):])
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}

const warehouseNameBase = "New Warehouse"

func nextWarehouseName(ctx context.Context, tx *sql.Tx) (string, error) {
	return nextSeqName(ctx, tx, warehouseNameBase, `
		SELECT display_name FROM warehouse
		WHERE display_name LIKE 'New Warehouse%'
	`)
}

const noteNameBase = "New Note"

// nextNoteName scopes the scan to the note's direction: inbound and
// outbound note sequences run independently.
func nextNoteName(ctx context.Context, tx *sql.Tx, outbound bool) (string, error) {
	op := "!="
	if outbound {
		op = "="
	}
	query := fmt.Sprintf(`
		SELECT display_name FROM note
		WHERE display_name LIKE 'New Note%%'
		AND warehouse_id %s 'all'
	`, op)
	return nextSeqName(ctx, tx, noteNameBase, query)
}
