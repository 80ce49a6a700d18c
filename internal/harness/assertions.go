package harness

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/shelfsync/internal/ledger"
	"github.com/roach88/shelfsync/internal/store"
)

// AssertionContext provides assertions access to the final store state.
type AssertionContext struct {
	Store *store.Store
	Ctx   context.Context
}

// EvaluateAssertions checks every assertion against the result and the final
// store state. Returns one message per failed assertion; an empty slice
// means all assertions held.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var failures []string
	for i, a := range assertions {
		var err error
		switch a.Type {
		case AssertStock:
			err = assertStock(actx, &a)
		case AssertNoteState:
			err = assertNoteState(actx, &a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return failures
}

// assertStock checks the net quantity of one (warehouse, isbn) pair. A pair
// absent from the stock listing nets to zero.
func assertStock(actx *AssertionContext, a *Assertion) error {
	qty, err := actx.Store.Quantity(actx.Ctx, a.Warehouse, a.ISBN)
	if err != nil {
		return fmt.Errorf("stock %s/%s: %w", a.Warehouse, a.ISBN, err)
	}
	if qty != a.Quantity {
		return fmt.Errorf("stock %s/%s: expected %d, got %d", a.Warehouse, a.ISBN, a.Quantity, qty)
	}
	return nil
}

func assertNoteState(actx *AssertionContext, a *Assertion) error {
	note, err := actx.Store.GetNote(actx.Ctx, a.Note)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return fmt.Errorf("note %s: does not exist", a.Note)
		}
		return fmt.Errorf("note %s: %w", a.Note, err)
	}

	if a.Committed != nil && note.Committed != *a.Committed {
		return fmt.Errorf("note %s: expected committed=%v, got %v", a.Note, *a.Committed, note.Committed)
	}
	if a.Name != "" && note.DisplayName != a.Name {
		return fmt.Errorf("note %s: expected name %q, got %q", a.Note, a.Name, note.DisplayName)
	}
	return nil
}
