package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/shelfsync/internal/config"
	"github.com/roach88/shelfsync/internal/ledger"
	"github.com/roach88/shelfsync/internal/store"
)

// StockOptions holds flags for the stock command.
type StockOptions struct {
	*RootOptions
	Database  string
	Warehouse string
	ISBN      string
}

// NewStockCommand creates the stock command.
func NewStockCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StockOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stock",
		Short: "List per-warehouse stock over committed notes",
		Long: `List net per-(isbn, warehouse) quantities over committed notes.

Rows that net to zero are omitted. Negative rows mark forced withdrawals
that have not been reconciled yet.

Example:
  shelfsync stock --db ./shop.db
  shelfsync stock --warehouse <id> --isbn 9780000000001`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStock(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to local SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.Warehouse, "warehouse", "", "restrict to one warehouse id")
	cmd.Flags().StringVar(&opts.ISBN, "isbn", "", "restrict to one isbn")

	return cmd
}

func runStock(ctx context.Context, cmd *cobra.Command, opts *StockOptions) error {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database == "" {
		opts.Database = cfg.DBPath
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	entries, err := st.GetStock(ctx, store.StockFilter{
		WarehouseID: opts.Warehouse,
		ISBN:        opts.ISBN,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read stock", err)
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if formatter.JSON() {
		return formatter.Success(entries)
	}
	return writeStockTable(cmd.OutOrStdout(), entries)
}

func writeStockTable(w io.Writer, entries []ledger.StockEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ISBN\tWAREHOUSE\tQUANTITY")
	for _, e := range entries {
		name := e.WarehouseName
		if name == "" {
			name = e.WarehouseID
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\n", e.ISBN, name, e.Quantity)
	}
	return tw.Flush()
}
