// Package bootstrap initializes a fresh replica from a relay snapshot
// instead of replaying the full change history.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
)

// sqliteMagic is the 16-byte header of every sqlite database file.
const sqliteMagic = "SQLite format 3\x00"

// ErrSnapshotUnavailable means no usable snapshot could be fetched. The
// local database is untouched; the caller falls back to incremental sync.
var ErrSnapshotUnavailable = errors.New("snapshot unavailable")

// ErrNotEmpty means the local database already has history. Bootstrapping
// would discard local writes, so it is only allowed on fresh databases.
var ErrNotEmpty = errors.New("local database is not empty")

// SwapError means the snapshot was fetched but installing it failed midway.
// The local database state is suspect; this is fatal, not a degrade.
type SwapError struct {
	Path string
	Err  error
}

func (e *SwapError) Error() string {
	return fmt.Sprintf("snapshot swap at %s: %v", e.Path, e.Err)
}

func (e *SwapError) Unwrap() error { return e.Err }

// Transfer fetches a database snapshot and installs it atomically.
type Transfer struct {
	client *http.Client
	log    *slog.Logger
}

func NewTransfer(client *http.Client, log *slog.Logger) *Transfer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Transfer{client: client, log: log}
}

// Run downloads the snapshot for dbid from the relay at baseURL and installs
// it at path. The store at path must be closed and must be empty or absent
// (checked with Empty by the caller, re-checked here).
//
// The download lands in a temp file next to path so the final os.Rename is
// a same-filesystem atomic swap. Any failure before the rename leaves path
// untouched and reports ErrSnapshotUnavailable; a failure during the swap is
// a SwapError.
//
// The installed copy carries the relay's replica identity, which the new
// replica must not reuse: the site id is cleared so the next Open mints a
// fresh one while all change history keeps its origin attribution.
func (t *Transfer) Run(ctx context.Context, baseURL, dbid, path string) error {
	empty, err := Empty(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}
	if !empty {
		return ErrNotEmpty
	}

	url := fmt.Sprintf("%s/dbs/%s/file", baseURL, dbid)
	tmp, err := t.fetch(ctx, url, filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}
	defer os.Remove(tmp)

	if err := resetSiteID(tmp); err != nil {
		return fmt.Errorf("%w: %v", ErrSnapshotUnavailable, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return &SwapError{Path: path, Err: err}
	}
	t.log.Info("bootstrapped from snapshot", "dbid", dbid, "path", path)
	return nil
}

// fetch downloads the snapshot into a temp file in dir and validates the
// sqlite header before handing it back.
func (t *Transfer) fetch(ctx context.Context, url, dir string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	f, err := os.CreateTemp(dir, ".bootstrap-*")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	tmp := f.Name()

	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("download: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("flush temp: %w", err)
	}

	if err := validateHeader(tmp); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return tmp, nil
}

func validateHeader(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	header := make([]byte, len(sqliteMagic))
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("snapshot too short: %w", err)
	}
	if string(header) != sqliteMagic {
		return fmt.Errorf("not a sqlite database")
	}
	return nil
}

// resetSiteID drops the donor's replica identity from the snapshot.
func resetSiteID(path string) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer db.Close()

	if _, err := db.Exec(`DELETE FROM sync_meta WHERE key = 'site_id'`); err != nil {
		return fmt.Errorf("reset site id: %w", err)
	}
	return nil
}

// Empty reports whether the database at path is absent or has no change
// history, i.e. is safe to overwrite with a snapshot.
func Empty(path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return true, nil
	} else if err != nil {
		return false, fmt.Errorf("stat %s: %w", path, err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return false, fmt.Errorf("open %s: %w", path, err)
	}
	defer db.Close()

	var count int
	err = db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'change_log'
	`).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("inspect %s: %w", path, err)
	}
	if count == 0 {
		return true, nil
	}

	if err := db.QueryRow(`SELECT COUNT(*) FROM change_log`).Scan(&count); err != nil {
		return false, fmt.Errorf("inspect %s: %w", path, err)
	}
	return count == 0, nil
}
