package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/shelfsync/internal/ledger"
)

func TestLocalChanges_CaptureWithinMutationTx(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "Fiction", Discount: 10})
	require.NoError(t, err)

	changes, err := s.LocalChanges(ctx, 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)

	for _, c := range changes {
		assert.Equal(t, "warehouse", c.Table)
		assert.Equal(t, "wh-1", c.PK)
		assert.Equal(t, s.SiteID(), c.SiteID)
		assert.Equal(t, int64(1), c.DBVersion)
		assert.Equal(t, int64(1), c.CL)
	}
	assert.Equal(t, "display_name", changes[0].ColumnID)
	require.NotNil(t, changes[0].Value)
	assert.Equal(t, "Fiction", *changes[0].Value)
	assert.Equal(t, "discount", changes[1].ColumnID)
}

func TestLocalChanges_SinceFiltersByDBVersion(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, err := s.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "A"})
	require.NoError(t, err)
	cut, err := s.DBVersion(ctx)
	require.NoError(t, err)
	_, err = s.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-2", DisplayName: "B"})
	require.NoError(t, err)

	changes, err := s.LocalChanges(ctx, cut)
	require.NoError(t, err)
	require.NotEmpty(t, changes)
	for _, c := range changes {
		assert.Equal(t, "wh-2", c.PK)
	}
}

func TestApplyChanges_Convergence(t *testing.T) {
	ctx := context.Background()
	a := newTestStore(t)
	b := newTestStore(t)

	_, err := a.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "Fiction", Discount: 5})
	require.NoError(t, err)
	_, err = b.CreateInboundNote(ctx, "in-1", "wh-2")
	require.NoError(t, err)

	exchange(t, a, b)

	// Both replicas hold both entities.
	_, err = b.GetWarehouse(ctx, "wh-1")
	assert.NoError(t, err)
	_, err = a.GetNote(ctx, "in-1")
	assert.NoError(t, err)

	assertSameState(t, a, b)
}

func TestApplyChanges_Idempotent(t *testing.T) {
	ctx := context.Background()
	a := newTestStore(t)
	b := newTestStore(t)

	_, err := a.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "Fiction"})
	require.NoError(t, err)

	changes, err := a.LocalChanges(ctx, 0)
	require.NoError(t, err)

	require.NoError(t, b.ApplyChanges(ctx, changes))
	require.NoError(t, b.ApplyChanges(ctx, changes))
	require.NoError(t, b.ApplyChanges(ctx, changes))

	w, err := b.GetWarehouse(ctx, "wh-1")
	require.NoError(t, err)
	assert.Equal(t, "Fiction", w.DisplayName)

	// Re-application must not inflate the stored versions.
	stored, err := b.ChangesSince(ctx, ledger.VersionVector{}, b.SiteID())
	require.NoError(t, err)
	for _, c := range stored {
		assert.Equal(t, int64(1), c.ColVersion)
	}
}

func TestApplyChanges_ColumnLWW(t *testing.T) {
	ctx := context.Background()
	a := newTestStore(t)
	b := newTestStore(t)

	// Shared baseline.
	_, err := a.CreateOutboundNote(ctx, "out-1")
	require.NoError(t, err)
	exchange(t, a, b)

	// Concurrent edits to different columns merge cleanly.
	wh := "wh-9"
	_, err = a.UpdateNote(ctx, "out-1", NoteUpdate{DefaultWarehouse: &wh})
	require.NoError(t, err)
	name := "Renamed"
	_, err = b.UpdateNote(ctx, "out-1", NoteUpdate{DisplayName: &name})
	require.NoError(t, err)

	exchange(t, a, b)

	na, err := a.GetNote(ctx, "out-1")
	require.NoError(t, err)
	nb, err := b.GetNote(ctx, "out-1")
	require.NoError(t, err)
	assert.Equal(t, na, nb)
	assert.Equal(t, "Renamed", na.DisplayName)
	assert.Equal(t, "wh-9", na.DefaultWarehouse)
}

func TestApplyChanges_ConcurrentSameColumnDeterministic(t *testing.T) {
	ctx := context.Background()
	a := newTestStore(t)
	b := newTestStore(t)

	_, err := a.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "Start"})
	require.NoError(t, err)
	exchange(t, a, b)

	// Same column edited on both sides at the same col_version: the greater
	// site id must win on both replicas.
	_, err = a.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "From A"})
	require.NoError(t, err)
	_, err = b.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "From B"})
	require.NoError(t, err)

	exchange(t, a, b)

	wa, err := a.GetWarehouse(ctx, "wh-1")
	require.NoError(t, err)
	wb, err := b.GetWarehouse(ctx, "wh-1")
	require.NoError(t, err)
	assert.Equal(t, wa.DisplayName, wb.DisplayName)

	want := "From A"
	if b.SiteID() > a.SiteID() {
		want = "From B"
	}
	assert.Equal(t, want, wa.DisplayName)
}

func TestApplyChanges_DeleteWins(t *testing.T) {
	ctx := context.Background()
	a := newTestStore(t)
	b := newTestStore(t)

	_, err := a.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "Fiction"})
	require.NoError(t, err)
	exchange(t, a, b)

	// a deletes while b edits concurrently: the higher causal length wins.
	require.NoError(t, a.DeleteWarehouse(ctx, "wh-1"))
	_, err = b.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "Renamed"})
	require.NoError(t, err)

	exchange(t, a, b)

	_, err = a.GetWarehouse(ctx, "wh-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
	_, err = b.GetWarehouse(ctx, "wh-1")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestApplyChanges_ResurrectionBeatsDelete(t *testing.T) {
	ctx := context.Background()
	a := newTestStore(t)
	b := newTestStore(t)

	_, err := a.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "Fiction"})
	require.NoError(t, err)
	exchange(t, a, b)

	// a deletes, syncs, then b recreates: undelete is a later generation.
	require.NoError(t, a.DeleteWarehouse(ctx, "wh-1"))
	exchange(t, a, b)

	_, err = b.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "Back"})
	require.NoError(t, err)
	exchange(t, a, b)

	w, err := a.GetWarehouse(ctx, "wh-1")
	require.NoError(t, err)
	assert.Equal(t, "Back", w.DisplayName)
}

func TestChangesSince_ForwardsThirdPartyEntries(t *testing.T) {
	ctx := context.Background()
	a := newTestStore(t)
	relay := newTestStore(t)
	c := newTestStore(t)

	_, err := a.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "Fiction"})
	require.NoError(t, err)

	// a pushes to the relay; c pulls from the relay and receives a's entries
	// with their origin metadata intact.
	pushTo(t, a, relay)

	vector, err := c.Vector(ctx)
	require.NoError(t, err)
	forwarded, err := relay.ChangesSince(ctx, vector, c.SiteID())
	require.NoError(t, err)
	require.NotEmpty(t, forwarded)
	for _, ch := range forwarded {
		assert.Equal(t, a.SiteID(), ch.SiteID, "forwarded entries keep their origin site")
	}

	require.NoError(t, c.ApplyChanges(ctx, forwarded))
	_, err = c.GetWarehouse(ctx, "wh-1")
	assert.NoError(t, err)

	// A second pull with the advanced vector is empty.
	vector, err = c.Vector(ctx)
	require.NoError(t, err)
	again, err := relay.ChangesSince(ctx, vector, c.SiteID())
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestChangesSince_ExcludesRequester(t *testing.T) {
	ctx := context.Background()
	a := newTestStore(t)
	b := newTestStore(t)

	_, err := a.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "Fiction"})
	require.NoError(t, err)
	pushTo(t, a, b)

	// b must not echo a's own entries back at it.
	changes, err := b.ChangesSince(ctx, ledger.VersionVector{}, a.SiteID())
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestChangesSince_HonorsPerSiteCursors(t *testing.T) {
	ctx := context.Background()
	a := newTestStore(t)
	b := newTestStore(t)
	relay := newTestStore(t)
	c := newTestStore(t)

	_, err := a.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-a", DisplayName: "Fiction"})
	require.NoError(t, err)
	_, err = b.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-b", DisplayName: "Poetry"})
	require.NoError(t, err)
	pushTo(t, a, relay)
	pushTo(t, b, relay)

	// A vector already caught up on a must only yield b's entries.
	aMax, err := relay.PeerDBVersion(ctx, a.SiteID())
	require.NoError(t, err)
	vector := ledger.VersionVector{a.SiteID(): aMax}

	changes, err := relay.ChangesSince(ctx, vector, c.SiteID())
	require.NoError(t, err)
	require.NotEmpty(t, changes)
	for _, ch := range changes {
		assert.Equal(t, b.SiteID(), ch.SiteID, "entries below a site's cursor are filtered out")
	}

	// Advancing b's cursor too drains the pull completely.
	bMax, err := relay.PeerDBVersion(ctx, b.SiteID())
	require.NoError(t, err)
	vector[b.SiteID()] = bMax
	changes, err = relay.ChangesSince(ctx, vector, c.SiteID())
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestVector_TracksLosingEntries(t *testing.T) {
	ctx := context.Background()
	a := newTestStore(t)
	b := newTestStore(t)

	_, err := a.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "A1"})
	require.NoError(t, err)
	pushTo(t, a, b)

	// b overwrites the cell, then receives a stale entry from a; the entry
	// loses the merge but the cursor still advances past it.
	_, err = b.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "B1"})
	require.NoError(t, err)
	_, err = b.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "B2"})
	require.NoError(t, err)

	_, err = a.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "A2"})
	require.NoError(t, err)
	pushTo(t, a, b)

	aVersion, err := a.DBVersion(ctx)
	require.NoError(t, err)
	vector, err := b.Vector(ctx)
	require.NoError(t, err)
	assert.Equal(t, aVersion, vector[a.SiteID()])
}

func TestPeerDBVersion(t *testing.T) {
	ctx := context.Background()
	a := newTestStore(t)
	b := newTestStore(t)

	v, err := b.PeerDBVersion(ctx, a.SiteID())
	require.NoError(t, err)
	assert.Equal(t, int64(0), v)

	_, err = a.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "Fiction"})
	require.NoError(t, err)
	pushTo(t, a, b)

	v, err = b.PeerDBVersion(ctx, a.SiteID())
	require.NoError(t, err)
	aVersion, err := a.DBVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, aVersion, v)
}

func TestSubscribe_NotifiesOnLocalAndMerge(t *testing.T) {
	ctx := context.Background()
	a := newTestStore(t)
	b := newTestStore(t)

	var events []EventKind
	unsubscribe := b.Subscribe(func(e Event) { events = append(events, e.Kind) })
	defer unsubscribe()

	_, err := b.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-1", DisplayName: "Local"})
	require.NoError(t, err)

	_, err = a.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-2", DisplayName: "Remote"})
	require.NoError(t, err)
	pushTo(t, a, b)

	require.Len(t, events, 2)
	assert.Equal(t, EventLocal, events[0])
	assert.Equal(t, EventMerge, events[1])

	unsubscribe()
	_, err = b.UpsertWarehouse(ctx, ledger.Warehouse{ID: "wh-3", DisplayName: "After"})
	require.NoError(t, err)
	assert.Len(t, events, 2, "unsubscribed listener must not fire")
}

// pushTo ships src's own unseen writes to dst.
func pushTo(t *testing.T, src, dst *Store) {
	t.Helper()
	ctx := context.Background()

	since, err := dst.PeerDBVersion(ctx, src.SiteID())
	require.NoError(t, err)
	changes, err := src.LocalChanges(ctx, since)
	require.NoError(t, err)
	require.NoError(t, dst.ApplyChanges(ctx, changes))
}

// exchange syncs both directions until quiescent.
func exchange(t *testing.T, a, b *Store) {
	t.Helper()
	pushTo(t, a, b)
	pushTo(t, b, a)
	pushTo(t, a, b)
}

// assertSameState compares the replicated state of two stores cell by cell.
func assertSameState(t *testing.T, a, b *Store) {
	t.Helper()
	ctx := context.Background()

	av, err := a.ChangesSince(ctx, ledger.VersionVector{}, "")
	require.NoError(t, err)
	bv, err := b.ChangesSince(ctx, ledger.VersionVector{}, "")
	require.NoError(t, err)
	assert.Equal(t, av, bv)
}
