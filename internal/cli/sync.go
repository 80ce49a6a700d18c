package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/shelfsync/internal/bootstrap"
	"github.com/roach88/shelfsync/internal/config"
	"github.com/roach88/shelfsync/internal/store"
	"github.com/roach88/shelfsync/internal/sync"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Database  string
	URL       string
	DBID      string
	Live      bool
	Bootstrap bool
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync the local replica against a relay",
		Long: `Sync the local ledger database against a relay.

By default performs one push/pull round trip and exits. With --live the
session stays open: local writes push immediately and relay notifies
trigger pulls, until interrupted.

With --bootstrap an empty local database is initialized from a relay
snapshot before syncing; if no snapshot is available the command falls
back to a full incremental sync.

Example:
  shelfsync sync --db ./shop.db --url ws://relay:8044 --database bookstore
  shelfsync sync --db ./shop.db --url ws://relay:8044 --live --bootstrap`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSync(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to local SQLite database (default from config)")
	cmd.Flags().StringVar(&opts.URL, "url", "", "relay base url, ws:// or wss:// (default from config)")
	cmd.Flags().StringVar(&opts.DBID, "database", "", "relay database id (default from config)")
	cmd.Flags().BoolVar(&opts.Live, "live", false, "keep syncing until interrupted")
	cmd.Flags().BoolVar(&opts.Bootstrap, "bootstrap", false, "initialize an empty local database from a relay snapshot")

	return cmd
}

func runSync(ctx context.Context, opts *SyncOptions) error {
	cfg, err := config.Load(opts.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database == "" {
		opts.Database = cfg.DBPath
	}
	if opts.URL == "" {
		opts.URL = cfg.Sync.URL
	}
	if opts.DBID == "" {
		opts.DBID = cfg.Sync.Database
	}
	if opts.URL == "" {
		return WrapExitError(ExitCommandError, "no relay url configured", nil)
	}

	log := opts.newLogger(nil)

	if opts.Bootstrap {
		err := bootstrap.NewTransfer(nil, log).Run(ctx, httpBase(opts.URL), opts.DBID, opts.Database)
		switch {
		case err == nil:
		case errors.Is(err, bootstrap.ErrSnapshotUnavailable):
			log.Warn("no snapshot available, falling back to incremental sync", "error", err)
		case errors.Is(err, bootstrap.ErrNotEmpty):
			log.Info("local database already initialized, skipping bootstrap")
		default:
			return WrapExitError(ExitFailure, "bootstrap failed", err)
		}
	}

	st, err := store.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err)
	}
	defer st.Close()

	client := sync.NewClient(st, syncURL(opts.URL, opts.DBID), log, sync.ClientOptions{
		DialTimeout:      time.Duration(cfg.Sync.DialTimeoutSecs) * time.Second,
		Backoff:          cfg.Sync.Backoff,
		RetryInterval:    time.Duration(cfg.Sync.RetrySecs) * time.Second,
		MaxRetryInterval: time.Duration(cfg.Sync.MaxRetrySecs) * time.Second,
	})

	if !opts.Live {
		if err := client.SyncOnce(ctx); err != nil {
			return WrapExitError(ExitFailure, "sync failed", err)
		}
		log.Info("sync complete")
		return nil
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = client.Live(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "live sync stopped", err)
	}
	return nil
}

// syncURL joins the relay base url and database id into the websocket
// endpoint.
func syncURL(base, dbid string) string {
	return fmt.Sprintf("%s/dbs/%s/sync", strings.TrimSuffix(base, "/"), dbid)
}

// httpBase rewrites a ws:// or wss:// relay url to its http(s) counterpart
// for the snapshot download.
func httpBase(base string) string {
	base = strings.TrimSuffix(base, "/")
	switch {
	case strings.HasPrefix(base, "ws://"):
		return "http://" + strings.TrimPrefix(base, "ws://")
	case strings.HasPrefix(base, "wss://"):
		return "https://" + strings.TrimPrefix(base, "wss://")
	}
	return base
}
