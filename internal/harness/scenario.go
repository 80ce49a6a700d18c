package harness

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Scenario defines a ledger test scenario: a sequence of operations with
// expected outcomes, plus assertions on the final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It is also the golden file
	// name when the scenario is snapshotted.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Steps contains the operations to execute in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final stock and note state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one ledger operation. Op selects the operation; the remaining
// fields are its arguments. Ids are chosen by the scenario so that traces
// stay stable across runs.
type Step struct {
	// Op is one of: upsert_warehouse, create_inbound, create_outbound,
	// add_volumes, resolve, force_withdraw, commit, rename_note,
	// delete_note, reconcile.
	Op string `yaml:"op"`

	Warehouse string `yaml:"warehouse,omitempty"`
	Name      string `yaml:"name,omitempty"`
	Discount  int    `yaml:"discount,omitempty"`
	Note      string `yaml:"note,omitempty"`
	ISBN      string `yaml:"isbn,omitempty"`
	Quantity  int    `yaml:"quantity,omitempty"`

	// Expect is the expected outcome. Empty means "ok".
	Expect string `yaml:"expect,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type is "stock" or "note_state".
	Type string `yaml:"type"`

	// Warehouse and ISBN select the stock row (type "stock").
	Warehouse string `yaml:"warehouse,omitempty"`
	ISBN      string `yaml:"isbn,omitempty"`

	// Quantity is the expected net quantity (type "stock"). A row that
	// nets to zero is asserted with quantity 0.
	Quantity int `yaml:"quantity,omitempty"`

	// Note selects the note (type "note_state").
	Note string `yaml:"note,omitempty"`

	// Committed is the expected committed flag (type "note_state").
	Committed *bool `yaml:"committed,omitempty"`

	// Name is the expected display name (type "note_state"). Empty skips
	// the check.
	Name string `yaml:"name,omitempty"`
}

// Assertion type constants.
const (
	AssertStock     = "stock"
	AssertNoteState = "note_state"
)

// knownOps lists the operations a step may name.
var knownOps = map[string]bool{
	"upsert_warehouse": true,
	"create_inbound":   true,
	"create_outbound":  true,
	"add_volumes":      true,
	"resolve":          true,
	"force_withdraw":   true,
	"commit":           true,
	"rename_note":      true,
	"delete_note":      true,
	"reconcile":        true,
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly instead of silently skipping a check.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}
	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s *Step) error {
	if s.Op == "" {
		return fmt.Errorf("steps[%d]: op is required", index)
	}
	if !knownOps[s.Op] {
		return fmt.Errorf("steps[%d]: unknown op %q", index, s.Op)
	}

	need := func(field, value string) error {
		if value == "" {
			return fmt.Errorf("steps[%d] (%s): %s is required", index, s.Op, field)
		}
		return nil
	}

	switch s.Op {
	case "upsert_warehouse":
		return need("warehouse", s.Warehouse)
	case "create_inbound":
		if err := need("note", s.Note); err != nil {
			return err
		}
		return need("warehouse", s.Warehouse)
	case "create_outbound", "commit", "delete_note":
		return need("note", s.Note)
	case "rename_note":
		if err := need("note", s.Note); err != nil {
			return err
		}
		return need("name", s.Name)
	case "add_volumes":
		if err := need("note", s.Note); err != nil {
			return err
		}
		return need("isbn", s.ISBN)
	case "resolve", "force_withdraw":
		if err := need("note", s.Note); err != nil {
			return err
		}
		if err := need("isbn", s.ISBN); err != nil {
			return err
		}
		return need("warehouse", s.Warehouse)
	case "reconcile":
		if err := need("note", s.Note); err != nil {
			return err
		}
		if err := need("isbn", s.ISBN); err != nil {
			return err
		}
		return need("warehouse", s.Warehouse)
	}
	return nil
}

func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case AssertStock:
		if a.ISBN == "" {
			return fmt.Errorf("assertions[%d]: isbn is required for stock", index)
		}
		if a.Warehouse == "" {
			return fmt.Errorf("assertions[%d]: warehouse is required for stock", index)
		}
	case AssertNoteState:
		if a.Note == "" {
			return fmt.Errorf("assertions[%d]: note is required for note_state", index)
		}
		if a.Committed == nil && a.Name == "" {
			return fmt.Errorf("assertions[%d]: note_state needs committed or name", index)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
