package harness

import "github.com/roach88/shelfsync/internal/ledger"

// Step outcome names, as they appear in traces and expect clauses.
const (
	OutcomeOK          = "ok"
	OutcomeOutOfStock  = "out_of_stock"
	OutcomeNoWarehouse = "no_warehouse_selected"
	OutcomeBadQuantity = "bad_quantity"
	OutcomeTxnMismatch = "txn_mismatch"
	OutcomeNotFound    = "not_found"
)

// StepEvent is one executed step in the trace.
type StepEvent struct {
	Seq     int    `json:"seq"`
	Op      string `json:"op"`
	Note    string `json:"note,omitempty"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains all executed steps in order.
	Trace []StepEvent `json:"trace"`

	// Errors contains expectation and assertion failures. Empty if Pass.
	Errors []string `json:"errors,omitempty"`

	// Stock is the final stock listing, ordered by isbn then warehouse.
	Stock []ledger.StockEntry `json:"stock"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:  true,
		Trace: []StepEvent{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(msg string) {
	r.Errors = append(r.Errors, msg)
	r.Pass = false
}

// AddStep appends a step event to the trace.
func (r *Result) AddStep(op, note, outcome, detail string) {
	r.Trace = append(r.Trace, StepEvent{
		Seq:     len(r.Trace),
		Op:      op,
		Note:    note,
		Outcome: outcome,
		Detail:  detail,
	})
}
