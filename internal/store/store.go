package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added (isbn, warehouse_id) index on book_transaction
const currentSchemaVersion = 1

// SchemaName identifies the ledger schema in the sync handshake. Two
// replicas only exchange changes when name and version agree.
const (
	SchemaName    = "shelfsync"
	SchemaVersion = currentSchemaVersion
)

// Store is the ledger's durable storage: typed access to warehouses, notes
// and transactions over SQLite, with every mutation captured in the change
// log inside the same transaction.
//
// Uses WAL mode for concurrent read access and a single-writer connection
// pool: all local mutations serialize through one transactional connection.
type Store struct {
	db     *sql.DB
	path   string
	siteID string
	now    func() time.Time

	listeners *listenerRegistry
}

// Open creates or opens the ledger database at the given path.
// Applies required pragmas, the schema, and migrations automatically.
// A fresh database is assigned a random site id; an existing one keeps its
// identity across restarts.
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	siteID, err := ensureSiteID(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize site id: %w", err)
	}

	return &Store{
		db:        db,
		path:      path,
		siteID:    siteID,
		now:       time.Now,
		listeners: newListenerRegistry(),
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the filesystem path of the backing database file.
func (s *Store) Path() string { return s.path }

// SiteID returns this replica's stable identity.
func (s *Store) SiteID() string { return s.siteID }

// Snapshot writes a point-in-time copy of the database to dst using
// VACUUM INTO. The copy is a complete, consistent database file suitable
// for bootstrapping a new replica.
func (s *Store) Snapshot(ctx context.Context, dst string) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dst); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
		version = 1
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 adds the (isbn, warehouse_id) index for databases created
// before it appeared in schema.sql. CREATE INDEX IF NOT EXISTS is a no-op
// when the index already exists.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_book_transaction_isbn_warehouse
		ON book_transaction(isbn, warehouse_id)
	`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// ensureSiteID reads the replica identity from sync_meta, minting one for
// fresh databases.
func ensureSiteID(db *sql.DB) (string, error) {
	var siteID string
	err := db.QueryRow(`SELECT value FROM sync_meta WHERE key = 'site_id'`).Scan(&siteID)
	if err == nil {
		return siteID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("read site id: %w", err)
	}

	siteID = uuid.NewString()
	if _, err := db.Exec(`INSERT INTO sync_meta (key, value) VALUES ('site_id', ?)`, siteID); err != nil {
		return "", fmt.Errorf("write site id: %w", err)
	}
	return siteID, nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
