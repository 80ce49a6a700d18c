package ledger

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an operation targets a warehouse, note or
// transaction id with no backing row. Callers that prefer "doesn't exist"
// over a hard error check for it with errors.Is.
var ErrNotFound = errors.New("not found")

// InvariantError reports an attempted mutation that the ledger's state
// machine forbids, such as editing the content of a committed note.
// It is surfaced synchronously to the caller, never silently swallowed.
type InvariantError struct {
	Code    InvariantCode
	Message string
	NoteID  string
}

// InvariantCode categorizes invariant violations.
type InvariantCode string

const (
	// ErrCodeNoteCommitted indicates a content mutation on a committed note.
	ErrCodeNoteCommitted InvariantCode = "NOTE_COMMITTED"

	// ErrCodeTxnMismatch indicates a note/line mismatch on a transaction update.
	ErrCodeTxnMismatch InvariantCode = "TXN_MISMATCH"

	// ErrCodeBadQuantity indicates a non-positive line quantity.
	ErrCodeBadQuantity InvariantCode = "BAD_QUANTITY"
)

func (e *InvariantError) Error() string {
	if e.NoteID != "" {
		return fmt.Sprintf("%s: %s (note=%s)", e.Code, e.Message, e.NoteID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NoWarehouseSelectedError reports an attempt to commit an outbound note
// while one or more lines are still unresolved.
type NoWarehouseSelectedError struct {
	NoteID string
	Lines  []Txn
}

func (e *NoWarehouseSelectedError) Error() string {
	return fmt.Sprintf("note %s has %d line(s) with no warehouse selected", e.NoteID, len(e.Lines))
}

// OutOfStockLine describes one line requesting more than the warehouse holds.
type OutOfStockLine struct {
	ISBN          string
	WarehouseID   string
	WarehouseName string
	Requested     int
	Available     int
}

// OutOfStockError reports non-forced outbound lines that would drive stock
// negative. Forced lines never contribute to it.
type OutOfStockError struct {
	NoteID string
	Lines  []OutOfStockLine
}

func (e *OutOfStockError) Error() string {
	return fmt.Sprintf("note %s would oversell %d line(s)", e.NoteID, len(e.Lines))
}

// IsCommittedNoteError returns true if err is an invariant violation caused
// by mutating a committed note. Uses errors.As to handle wrapped errors.
func IsCommittedNoteError(err error) bool {
	var ie *InvariantError
	if errors.As(err, &ie) {
		return ie.Code == ErrCodeNoteCommitted
	}
	return false
}
