package lottery

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBoltSnapshotStore(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "nested", "raffle.db")

	store, err := OpenBoltSnapshotStore(dbPath, nil)
	require.NoError(t, err)

	got, err := store.Load(ctx, snapshotRaffle)
	require.NoError(t, err)
	assert.Nil(t, got)

	snap := newTestSnapshot()
	require.NoError(t, store.Save(ctx, snap))

	other := newTestSnapshot()
	other.Address = "0x00000000000000000000000000000000000000a1"
	require.NoError(t, store.Save(ctx, other))

	got, err = store.Load(ctx, snapshotRaffle)
	require.NoError(t, err)
	assertSameSnapshot(t, snap, got)

	addrs, err := store.Addresses()
	require.NoError(t, err)
	assert.Equal(t, []Address{other.Address, snapshotRaffle}, addrs)

	t.Run("survives_reopen", func(t *testing.T) {
		require.NoError(t, store.Close())

		reopened, err := OpenBoltSnapshotStore(dbPath, NewSilentLogger())
		require.NoError(t, err)
		store = reopened

		got, err := store.Load(ctx, snapshotRaffle)
		require.NoError(t, err)
		assertSameSnapshot(t, snap, got)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, snapshotRaffle))

		got, err := store.Load(ctx, snapshotRaffle)
		require.NoError(t, err)
		assert.Nil(t, got)

		addrs, err := store.Addresses()
		require.NoError(t, err)
		assert.Equal(t, []Address{other.Address}, addrs)
	})

	t.Run("rejects_invalid_input", func(t *testing.T) {
		_, err := store.Load(ctx, ZeroAddress)
		assert.ErrorIs(t, err, ErrInvalidParameters)

		bad := newTestSnapshot()
		bad.PendingRequestID = 0
		assert.ErrorIs(t, store.Save(ctx, bad), ErrStateCorrupted)

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		assert.ErrorIs(t, store.Save(cctx, newTestSnapshot()), context.Canceled)
	})

	require.NoError(t, store.Close())
}

func TestBoltSnapshotStore_RaffleRecover(t *testing.T) {
	ctx := context.Background()
	store, err := OpenBoltSnapshotStore(filepath.Join(t.TempDir(), "raffle.db"), nil)
	require.NoError(t, err)
	defer store.Close()

	f := newRaffleFixture(t, 10, 30*time.Second)
	f.raffle.store = store
	f.enterPlayers(t, 3)
	require.NoError(t, f.raffle.Checkpoint(ctx))

	restored, err := NewRaffle(&f.raffle.config, f.oracle,
		WithRaffleAddress(f.raffle.Address()),
		WithClock(f.clock),
		WithLogger(NewSilentLogger()),
		WithSnapshotStore(store))
	require.NoError(t, err)

	found, err := restored.Recover(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 3, restored.NumberOfPlayers())
	assert.Equal(t, uint64(30), restored.Balance())
}
