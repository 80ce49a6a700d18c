package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/shelfsync/internal/ledger"
)

func TestSeqNumber(t *testing.T) {
	cases := []struct {
		name string
		n    int
		ok   bool
	}{
		{"New Warehouse", 1, true},
		{"New Warehouse (2)", 2, true},
		{"New Warehouse (10)", 10, true},
		{"New Warehouse (2", 0, false},
		{"New Warehouse 2", 0, false},
		{"New Warehouse (two)", 0, false},
		{"Old Warehouse", 0, false},
		{"New Warehouses", 0, false},
	}
	for _, tc := range cases {
		n, ok := seqNumber("New Warehouse", tc.name)
		if ok != tc.ok || n != tc.n {
			t.Errorf("seqNumber(%q) = (%d, %v), want (%d, %v)", tc.name, n, ok, tc.n, tc.ok)
		}
	}
}

func TestWarehouseNaming_Sequence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	for i, want := range []string{"New Warehouse", "New Warehouse (2)", "New Warehouse (3)"} {
		w, err := s.UpsertWarehouse(ctx, ledger.Warehouse{ID: fmt.Sprintf("wh-%d", i)})
		require.NoError(t, err)
		require.Equal(t, want, w.DisplayName)
	}
}

func TestWarehouseNaming_RenameResetsSequence(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1"})
	require.NoError(t, err)
	_, err = s.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-2"})
	require.NoError(t, err)

	// Rename both away from the default pattern.
	_, err = s.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "Fiction"})
	require.NoError(t, err)
	_, err = s.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-2", DisplayName: "Non-fiction"})
	require.NoError(t, err)

	// Sequence restarts at the bare name.
	w, err := s.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-3"})
	require.NoError(t, err)
	require.Equal(t, "New Warehouse", w.DisplayName)
}

func TestWarehouseNaming_LexicographicMax(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	// Seed names out of numeric order; the scan picks the lexicographically
	// greatest match, so "(9)" beats "(10)".
	_, err := s.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-a", DisplayName: "New Warehouse (10)"})
	require.NoError(t, err)
	_, err = s.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-b", DisplayName: "New Warehouse (9)"})
	require.NoError(t, err)

	w, err := s.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-c"})
	require.NoError(t, err)
	require.Equal(t, "New Warehouse (10)", w.DisplayName)
}

func TestNoteNaming_InboundAndOutboundScopedSeparately(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	in1, err := s.CreateInboundNote(ctx, "in-1", "wh-1")
	require.NoError(t, err)
	require.Equal(t, "New Note", in1.DisplayName)

	out1, err := s.CreateOutboundNote(ctx, "out-1")
	require.NoError(t, err)
	require.Equal(t, "New Note", out1.DisplayName)

	in2, err := s.CreateInboundNote(ctx, "in-2", "wh-1")
	require.NoError(t, err)
	require.Equal(t, "New Note (2)", in2.DisplayName)

	out2, err := s.CreateOutboundNote(ctx, "out-2")
	require.NoError(t, err)
	require.Equal(t, "New Note (2)", out2.DisplayName)
}
