package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/roach88/shelfsync/internal/ledger"
	"github.com/roach88/shelfsync/internal/store"
)

// Harness executes scenario steps against a store.
type Harness struct {
	store  *store.Store
	logger *slog.Logger
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory database for isolation. The
// scenario chooses every id itself, so the resulting trace and stock
// listing are deterministic.
func Run(scenario *Scenario) (*Result, error) {
	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:  st,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	ctx := context.Background()
	result := NewResult()

	for i, step := range scenario.Steps {
		if err := h.executeStep(ctx, i, step, result); err != nil {
			return nil, err
		}
	}

	stock, err := st.GetStock(ctx, store.StockFilter{})
	if err != nil {
		return nil, fmt.Errorf("final stock: %w", err)
	}
	result.Stock = stock

	actx := &AssertionContext{Store: st, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

// executeStep runs one step, records its trace event and checks the expect
// clause. Step execution errors beyond the known outcome set abort the run.
func (h *Harness) executeStep(ctx context.Context, index int, step Step, result *Result) error {
	err := h.apply(ctx, step)
	outcome, known := outcomeOf(err)
	if !known {
		return fmt.Errorf("steps[%d] (%s): %w", index, step.Op, err)
	}

	detail := ""
	if err != nil {
		detail = err.Error()
	}
	result.AddStep(step.Op, step.Note, outcome, detail)

	expected := step.Expect
	if expected == "" {
		expected = OutcomeOK
	}
	if outcome != expected {
		result.AddError(fmt.Sprintf("steps[%d] (%s): expected outcome %q, got %q", index, step.Op, expected, outcome))
	}
	return nil
}

func (h *Harness) apply(ctx context.Context, step Step) error {
	st := h.store
	switch step.Op {
	case "upsert_warehouse":
		_, err := st.UpsertWarehouse(ctx, ledger.Warehouse{
			ID:          step.Warehouse,
			DisplayName: step.Name,
			Discount:    step.Discount,
		})
		return err
	case "create_inbound":
		_, err := st.CreateInboundNote(ctx, step.Note, step.Warehouse)
		return err
	case "create_outbound":
		_, err := st.CreateOutboundNote(ctx, step.Note)
		return err
	case "add_volumes":
		return st.AddVolumes(ctx, step.Note, store.VolumeInput{
			ISBN:     step.ISBN,
			Quantity: step.Quantity,
		})
	case "resolve":
		lineID, err := h.unresolvedLine(ctx, step.Note, step.ISBN)
		if err != nil {
			return err
		}
		return st.Resolve(ctx, step.Note, lineID, step.Warehouse)
	case "force_withdraw":
		lineID, err := h.unresolvedLine(ctx, step.Note, step.ISBN)
		if err != nil {
			return err
		}
		return st.ForceWithdraw(ctx, step.Note, lineID, step.Warehouse)
	case "commit":
		return st.CommitNote(ctx, step.Note)
	case "rename_note":
		_, err := st.UpdateNote(ctx, step.Note, store.NoteUpdate{DisplayName: &step.Name})
		return err
	case "delete_note":
		return st.DeleteNote(ctx, step.Note)
	case "reconcile":
		_, err := st.CreateReconciliationNote(ctx, step.Note, []ledger.Txn{{
			ISBN:        step.ISBN,
			Quantity:    step.Quantity,
			WarehouseID: step.Warehouse,
		}})
		return err
	}
	return fmt.Errorf("unknown op %q", step.Op)
}

// unresolvedLine finds the newest line of the note for the isbn that has no
// warehouse assigned yet.
func (h *Harness) unresolvedLine(ctx context.Context, noteID, isbn string) (string, error) {
	entries, err := h.store.NoteEntries(ctx, noteID)
	if err != nil {
		return "", err
	}
	lineID := ""
	for _, e := range entries {
		if e.ISBN == isbn && e.WarehouseID == "" {
			lineID = e.ID
		}
	}
	if lineID == "" {
		return "", fmt.Errorf("no unresolved line for isbn %s: %w", isbn, ledger.ErrNotFound)
	}
	return lineID, nil
}

// outcomeOf maps a step error to its named outcome. The second return is
// false for errors outside the known set, which abort the scenario.
func outcomeOf(err error) (string, bool) {
	if err == nil {
		return OutcomeOK, true
	}

	var oos *ledger.OutOfStockError
	if errors.As(err, &oos) {
		return OutcomeOutOfStock, true
	}
	var nws *ledger.NoWarehouseSelectedError
	if errors.As(err, &nws) {
		return OutcomeNoWarehouse, true
	}
	var ie *ledger.InvariantError
	if errors.As(err, &ie) {
		switch ie.Code {
		case ledger.ErrCodeBadQuantity:
			return OutcomeBadQuantity, true
		case ledger.ErrCodeTxnMismatch:
			return OutcomeTxnMismatch, true
		}
	}
	if errors.Is(err, ledger.ErrNotFound) {
		return OutcomeNotFound, true
	}
	return "", false
}
