package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// newTestStore opens a fresh store in a temp dir with a deterministic clock.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	base := time.UnixMilli(1700000000000)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{"warehouse", "note", "book_transaction", "custom_item", "change_log", "sync_meta", "peer_version"}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}
}

func TestOpen_Pragmas(t *testing.T) {
	s := newTestStore(t)

	checks := map[string]string{
		"journal_mode": "wal",
		"foreign_keys": "1",
	}
	for name, expected := range checks {
		if err := s.verifyPragma(name, expected); err != nil {
			t.Errorf("pragma check failed: %v", err)
		}
	}
}

func TestOpen_SiteIDStableAcrossReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	site := s1.SiteID()
	s1.Close()

	if site == "" {
		t.Fatal("fresh store has empty site id")
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()

	if s2.SiteID() != site {
		t.Errorf("site id changed across reopen: %q -> %q", site, s2.SiteID())
	}
}

func TestOpen_DistinctSiteIDs(t *testing.T) {
	a := newTestStore(t)
	b := newTestStore(t)

	if a.SiteID() == b.SiteID() {
		t.Errorf("two fresh stores share site id %q", a.SiteID())
	}
}

func TestSnapshot_ProducesOpenableCopy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.CreateInboundNote(ctx, "note-1", "wh-1"); err != nil {
		t.Fatalf("CreateInboundNote() failed: %v", err)
	}

	dst := filepath.Join(t.TempDir(), "snapshot.db")
	if err := s.Snapshot(ctx, dst); err != nil {
		t.Fatalf("Snapshot() failed: %v", err)
	}

	copy, err := Open(dst)
	if err != nil {
		t.Fatalf("Open(snapshot) failed: %v", err)
	}
	defer copy.Close()

	if copy.SiteID() != s.SiteID() {
		t.Errorf("snapshot site id %q, want %q", copy.SiteID(), s.SiteID())
	}
	if _, err := copy.GetNote(ctx, "note-1"); err != nil {
		t.Errorf("note missing from snapshot: %v", err)
	}
}
