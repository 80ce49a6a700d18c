package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shelfsync/internal/ledger"
)

func TestGetStock_SplitsByWarehouse(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seedStock(t, s, "wh-1", "1111111111", 5)
	seedStock(t, s, "wh-2", "1111111111", 3)
	seedStock(t, s, "wh-1", "2222222222", 1)

	stock, err := s.GetStock(ctx, StockFilter{})
	require.NoError(t, err)
	require.Len(t, stock, 3)

	byKey := map[[2]string]int{}
	for _, e := range stock {
		byKey[[2]string{e.WarehouseID, e.ISBN}] = e.Quantity
	}
	assert.Equal(t, 5, byKey[[2]string{"wh-1", "1111111111"}])
	assert.Equal(t, 3, byKey[[2]string{"wh-2", "1111111111"}])
	assert.Equal(t, 1, byKey[[2]string{"wh-1", "2222222222"}])
}

func TestGetStock_Filters(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seedStock(t, s, "wh-1", "1111111111", 5)
	seedStock(t, s, "wh-2", "1111111111", 3)

	stock, err := s.GetStock(ctx, StockFilter{WarehouseID: "wh-2"})
	require.NoError(t, err)
	require.Len(t, stock, 1)
	assert.Equal(t, "wh-2", stock[0].WarehouseID)

	stock, err = s.GetStock(ctx, StockFilter{ISBN: "1111111111"})
	require.NoError(t, err)
	assert.Len(t, stock, 2)
}

func TestGetStock_OmitsZeroKeepsNegative(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seedStock(t, s, "wh-1", "1111111111", 2)
	seedStock(t, s, "wh-1", "2222222222", 2)

	// Sell out 1111111111 exactly; oversell 2222222222 by force.
	_, err := s.CreateOutboundNote(ctx, "out-1")
	require.NoError(t, err)
	require.NoError(t, s.AddVolumes(ctx, "out-1",
		VolumeInput{ISBN: "1111111111", Quantity: 2, WarehouseID: "wh-1"},
		VolumeInput{ISBN: "2222222222", Quantity: 3},
	))
	entries, err := s.NoteEntries(ctx, "out-1")
	require.NoError(t, err)
	for _, e := range entries {
		if e.ISBN == "2222222222" {
			require.NoError(t, s.ForceWithdraw(ctx, "out-1", e.ID, "wh-1"))
		}
	}
	require.NoError(t, s.CommitNote(ctx, "out-1"))

	stock, err := s.GetStock(ctx, StockFilter{})
	require.NoError(t, err)
	require.Len(t, stock, 1, "zero rows omitted, negative rows kept")
	assert.Equal(t, "2222222222", stock[0].ISBN)
	assert.Equal(t, -1, stock[0].Quantity)
	assert.Equal(t, "New Warehouse", stock[0].WarehouseName)
}

// Stock is a pure function of the committed set: the order in which notes
// commit must not matter.
func TestStock_CommitOrderIrrelevant(t *testing.T) {
	ctx := context.Background()

	build := func(commitOrder []string) map[string]int {
		s := newTestStore(t)

		_, err := s.CreateInboundNote(ctx, "in-1", "wh-1")
		require.NoError(t, err)
		require.NoError(t, s.AddVolumes(ctx, "in-1", VolumeInput{ISBN: "1111111111", Quantity: 5}))

		_, err = s.CreateInboundNote(ctx, "in-2", "wh-1")
		require.NoError(t, err)
		require.NoError(t, s.AddVolumes(ctx, "in-2", VolumeInput{ISBN: "1111111111", Quantity: 2}))

		for _, id := range commitOrder {
			require.NoError(t, s.CommitNote(ctx, id))
		}

		stock, err := s.GetStock(ctx, StockFilter{})
		require.NoError(t, err)
		out := map[string]int{}
		for _, e := range stock {
			out[e.WarehouseID+"/"+e.ISBN] = e.Quantity
		}
		return out
	}

	a := build([]string{"in-1", "in-2"})
	b := build([]string{"in-2", "in-1"})
	assert.Equal(t, a, b)
	assert.Equal(t, 7, a["wh-1/1111111111"])
}

func TestListWarehouses_Totals(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seedStock(t, s, "wh-1", "1111111111", 5)

	// A warehouse with only a draft note still lists, with zero total.
	_, err := s.CreateInboundNote(ctx, "draft", "wh-2")
	require.NoError(t, err)
	require.NoError(t, s.AddVolumes(ctx, "draft", VolumeInput{ISBN: "1111111111", Quantity: 9}))

	items, err := s.ListWarehouses(ctx)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, 5, items[0].TotalBooks)
	assert.Equal(t, 0, items[1].TotalBooks)
}

func TestHistory(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seedStock(t, s, "wh-1", "1111111111", 5)

	_, err := s.CreateOutboundNote(ctx, "out-1")
	require.NoError(t, err)
	require.NoError(t, s.AddVolumes(ctx, "out-1",
		VolumeInput{ISBN: "1111111111", Quantity: 2, WarehouseID: "wh-1"}))
	require.NoError(t, s.CommitNote(ctx, "out-1"))

	entries, err := s.History(ctx, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// Newest first: the outbound line leads.
	assert.Equal(t, ledger.NoteTypeOutbound, entries[0].NoteType)
	assert.Equal(t, ledger.NoteTypeInbound, entries[1].NoteType)
	assert.Equal(t, "New Warehouse", entries[0].WarehouseName)

	entries, err = s.History(ctx, HistoryFilter{ISBN: "2222222222"})
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestHistory_SurvivesWarehouseDeletion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	seedStock(t, s, "wh-1", "1111111111", 5)
	require.NoError(t, s.DeleteWarehouse(ctx, "wh-1"))

	entries, err := s.History(ctx, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "wh-1", entries[0].WarehouseID)
	assert.Equal(t, "", entries[0].WarehouseName)
}
