package bootstrap

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shelfsync/internal/ledger"
	"github.com/roach88/shelfsync/internal/relay"
	"github.com/roach88/shelfsync/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newSeededRelay starts a relay whose "bookstore" database holds one
// committed inbound note, and returns its base URL plus the relay store.
func newSeededRelay(t *testing.T) (string, *store.Store) {
	t.Helper()
	ctx := context.Background()

	srv := relay.NewServer(t.TempDir(), discardLogger())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Close()
	})

	st, err := srv.Store("bookstore")
	require.NoError(t, err)
	_, err = st.CreateInboundNote(ctx, "in-1", "wh-1")
	require.NoError(t, err)
	require.NoError(t, st.AddVolumes(ctx, "in-1", store.VolumeInput{ISBN: "1111111111", Quantity: 3}))
	require.NoError(t, st.CommitNote(ctx, "in-1"))

	return ts.URL, st
}

func TestRun_InstallsSnapshot(t *testing.T) {
	ctx := context.Background()
	baseURL, relayStore := newSeededRelay(t)

	path := filepath.Join(t.TempDir(), "replica.db")
	tr := NewTransfer(nil, discardLogger())
	require.NoError(t, tr.Run(ctx, baseURL, "bookstore", path))

	s, err := store.Open(path)
	require.NoError(t, err)
	defer s.Close()

	// Full state arrived without incremental sync.
	qty, err := s.Quantity(ctx, "wh-1", "1111111111")
	require.NoError(t, err)
	assert.Equal(t, 3, qty)

	// The new replica minted its own identity.
	assert.NotEqual(t, relayStore.SiteID(), s.SiteID())
}

func TestRun_RefusesNonEmptyDatabase(t *testing.T) {
	ctx := context.Background()
	baseURL, _ := newSeededRelay(t)

	path := filepath.Join(t.TempDir(), "replica.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	_, err = s.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-local", DisplayName: "Local"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	tr := NewTransfer(nil, discardLogger())
	err = tr.Run(ctx, baseURL, "bookstore", path)
	assert.ErrorIs(t, err, ErrNotEmpty)

	// Local data untouched.
	s, err = store.Open(path)
	require.NoError(t, err)
	defer s.Close()
	_, err = s.GetWarehouse(ctx, "wh-local")
	assert.NoError(t, err)
}

func TestRun_UnreachableRelayDegrades(t *testing.T) {
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "replica.db")
	tr := NewTransfer(nil, discardLogger())
	err := tr.Run(ctx, "http://127.0.0.1:1", "bookstore", path)
	assert.ErrorIs(t, err, ErrSnapshotUnavailable)
}

func TestRun_RejectsNonSQLitePayload(t *testing.T) {
	ctx := context.Background()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<html>not a database</html>")
	}))
	defer ts.Close()

	dir := t.TempDir()
	path := filepath.Join(dir, "replica.db")
	tr := NewTransfer(nil, discardLogger())
	err := tr.Run(ctx, ts.URL, "bookstore", path)
	assert.ErrorIs(t, err, ErrSnapshotUnavailable)

	// No temp litter left behind.
	leftovers, err := filepath.Glob(filepath.Join(dir, ".bootstrap-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestEmpty(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	empty, err := Empty(filepath.Join(dir, "missing.db"))
	require.NoError(t, err)
	assert.True(t, empty, "absent file is empty")

	path := filepath.Join(dir, "fresh.db")
	s, err := store.Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	empty, err = Empty(path)
	require.NoError(t, err)
	assert.True(t, empty, "schema without history is empty")

	s, err = store.Open(path)
	require.NoError(t, err)
	_, err = s.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "X"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	empty, err = Empty(path)
	require.NoError(t, err)
	assert.False(t, empty, "history makes it non-empty")
}
