package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/shelfsync/internal/config"
	"github.com/roach88/shelfsync/internal/ledger"
	"github.com/roach88/shelfsync/internal/store"
)

// LoadOptions holds flags for the load command.
type LoadOptions struct {
	*RootOptions
	Database string
	File     string
}

// Fixture is the YAML document consumed by the load command.
type Fixture struct {
	Warehouses []FixtureWarehouse `yaml:"warehouses"`
	Notes      []FixtureNote      `yaml:"notes"`
}

// FixtureWarehouse seeds one warehouse.
type FixtureWarehouse struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Discount int    `yaml:"discount"`
}

// FixtureNote seeds one note, optionally committed.
type FixtureNote struct {
	Type      string        `yaml:"type"` // inbound or outbound
	Name      string        `yaml:"name"`
	Warehouse string        `yaml:"warehouse"` // inbound only
	Committed bool          `yaml:"committed"`
	Lines     []FixtureLine `yaml:"lines"`
}

// FixtureLine seeds one book line. Warehouse resolves an outbound line
// against the named warehouse; inbound lines inherit the note's warehouse.
type FixtureLine struct {
	ISBN      string `yaml:"isbn"`
	Quantity  int    `yaml:"quantity"`
	Warehouse string `yaml:"warehouse"`
	Forced    bool   `yaml:"forced"`
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "load <fixture.yaml>",
		Short: "Load warehouses and notes from a YAML fixture",
		Long: `Load warehouses and notes from a YAML fixture into the local database.

Fixture format:
  warehouses:
    - id: main
      name: Main Warehouse
      discount: 80
  notes:
    - type: inbound
      warehouse: main
      committed: true
      lines:
        - isbn: "9780000000001"
          quantity: 5

Outbound note lines name the warehouse the books leave from; a line with
forced: true is recorded even without sufficient stock.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.File = args[0]
			return runLoad(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to local SQLite database (default from config)")

	return cmd
}

func runLoad(ctx context.Context, cmd *cobra.Command, opts *LoadOptions) error {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database == "" {
		opts.Database = cfg.DBPath
	}

	raw, err := os.ReadFile(opts.File)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read fixture", err)
	}
	var fx Fixture
	if err := yaml.Unmarshal(raw, &fx); err != nil {
		return WrapExitError(ExitCommandError, "failed to parse fixture", err)
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	notes, err := loadFixture(ctx, st, fx)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load fixture", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if formatter.JSON() {
		return formatter.Success(map[string]int{
			"warehouses": len(fx.Warehouses),
			"notes":      notes,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "loaded %d warehouse(s), %d note(s)\n", len(fx.Warehouses), notes)
	return nil
}

// loadFixture seeds the store and returns the number of notes created.
func loadFixture(ctx context.Context, st *store.Store, fx Fixture) (int, error) {
	ids := map[string]string{} // fixture warehouse id -> store id
	for _, w := range fx.Warehouses {
		created, err := st.UpsertWarehouse(ctx, ledger.Warehouse{
			ID:          uuid.NewString(),
			DisplayName: w.Name,
			Discount:    w.Discount,
		})
		if err != nil {
			return 0, fmt.Errorf("warehouse %q: %w", w.ID, err)
		}
		if w.ID != "" {
			ids[w.ID] = created.ID
		}
	}

	resolve := func(ref string) string {
		if id, ok := ids[ref]; ok {
			return id
		}
		return ref
	}

	for i, n := range fx.Notes {
		if err := loadNote(ctx, st, n, resolve); err != nil {
			return 0, fmt.Errorf("note %d: %w", i, err)
		}
	}
	return len(fx.Notes), nil
}

func loadNote(ctx context.Context, st *store.Store, n FixtureNote, resolve func(string) string) error {
	id := uuid.NewString()

	var note ledger.Note
	var err error
	switch n.Type {
	case "inbound", "":
		note, err = st.CreateInboundNote(ctx, id, resolve(n.Warehouse))
	case "outbound":
		note, err = st.CreateOutboundNote(ctx, id)
	default:
		return fmt.Errorf("unknown note type %q", n.Type)
	}
	if err != nil {
		return err
	}

	if n.Name != "" {
		if _, err := st.UpdateNote(ctx, note.ID, store.NoteUpdate{DisplayName: &n.Name}); err != nil {
			return err
		}
	}

	for _, line := range n.Lines {
		if err := loadLine(ctx, st, note, line, resolve); err != nil {
			return fmt.Errorf("isbn %s: %w", line.ISBN, err)
		}
	}

	if n.Committed {
		if err := st.CommitNote(ctx, note.ID); err != nil {
			return err
		}
	}
	return nil
}

func loadLine(ctx context.Context, st *store.Store, note ledger.Note, line FixtureLine, resolve func(string) string) error {
	if err := st.AddVolumes(ctx, note.ID, store.VolumeInput{
		ISBN:     line.ISBN,
		Quantity: line.Quantity,
	}); err != nil {
		return err
	}
	if note.Type() != ledger.NoteTypeOutbound || line.Warehouse == "" {
		return nil
	}

	// Outbound lines resolve against the named warehouse. AddVolumes made a
	// fresh row for this scan, so pick the note's newest unresolved line.
	entries, err := st.NoteEntries(ctx, note.ID)
	if err != nil {
		return err
	}
	var lineID string
	for _, e := range entries {
		if e.ISBN == line.ISBN && e.WarehouseID == "" {
			lineID = e.ID
		}
	}
	if lineID == "" {
		return fmt.Errorf("no unresolved line to allocate")
	}
	if line.Forced {
		return st.ForceWithdraw(ctx, note.ID, lineID, resolve(line.Warehouse))
	}
	return st.Resolve(ctx, note.ID, lineID, resolve(line.Warehouse))
}
