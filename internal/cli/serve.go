package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/shelfsync/internal/config"
	"github.com/roach88/shelfsync/internal/relay"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr    string
	DataDir string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync relay",
		Long: `Run the sync relay that replicas exchange changes through.

The relay keeps one ledger database per database id under the data
directory and serves three endpoints: a websocket sync endpoint, a
snapshot download for bootstrapping new replicas, and a health check.

Example:
  shelfsync serve --addr 0.0.0.0:8044 --data ./relay-data`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&opts.DataDir, "data", "", "relay database directory (default from config)")

	return cmd
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Addr == "" {
		opts.Addr = cfg.Relay.Addr
	}
	if opts.DataDir == "" {
		opts.DataDir = cfg.Relay.DataDir
	}

	log := opts.newLogger(nil)
	srv := relay.NewServer(opts.DataDir, log)
	defer srv.Close()

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.ListenAndServe(ctx, opts.Addr); err != nil {
		return WrapExitError(ExitFailure, "relay stopped", err)
	}
	return nil
}
