package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shelfsync/internal/ledger"
	"github.com/roach88/shelfsync/internal/store"
)

// seedStockDB builds a database with fixed warehouse ids so the listing
// order is stable.
func seedStockDB(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "shop.db")

	st, err := store.Open(dbPath)
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	_, err = st.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-new", DisplayName: "New Books"})
	require.NoError(t, err)
	_, err = st.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-used", DisplayName: "Used Books", Discount: 50})
	require.NoError(t, err)

	inbound := func(id, warehouse string, volumes ...store.VolumeInput) {
		_, err := st.CreateInboundNote(ctx, id, warehouse)
		require.NoError(t, err)
		require.NoError(t, st.AddVolumes(ctx, id, volumes...))
		require.NoError(t, st.CommitNote(ctx, id))
	}
	inbound("note-1", "wh-new",
		store.VolumeInput{ISBN: "9780000000001", Quantity: 5},
		store.VolumeInput{ISBN: "9780000000002", Quantity: 3},
	)
	inbound("note-2", "wh-used", store.VolumeInput{ISBN: "9780000000001", Quantity: 2})

	_, err = st.CreateOutboundNote(ctx, "note-3")
	require.NoError(t, err)
	require.NoError(t, st.AddVolumes(ctx, "note-3", store.VolumeInput{ISBN: "9780000000001", Quantity: 1}))
	entries, err := st.NoteEntries(ctx, "note-3")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NoError(t, st.Resolve(ctx, "note-3", entries[0].ID, "wh-new"))
	require.NoError(t, st.CommitNote(ctx, "note-3"))

	return dbPath
}

func TestStockCommandText(t *testing.T) {
	dbPath := seedStockDB(t)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewStockCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--db", dbPath})

	require.NoError(t, cmd.Execute())

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "stock_text", buf.Bytes())
}

func TestStockCommandJSON(t *testing.T) {
	dbPath := seedStockDB(t)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "json"}
	cmd := NewStockCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--db", dbPath})

	require.NoError(t, cmd.Execute())

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "stock_json", buf.Bytes())
}

func TestStockCommandFilters(t *testing.T) {
	dbPath := seedStockDB(t)

	buf := &bytes.Buffer{}
	rootOpts := &RootOptions{Format: "text"}
	cmd := NewStockCommand(rootOpts)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--db", dbPath, "--warehouse", "wh-used"})

	require.NoError(t, cmd.Execute())

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, "stock_used_only", buf.Bytes())
}
