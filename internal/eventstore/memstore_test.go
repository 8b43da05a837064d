package eventstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/positionengine/internal/errs"
	"github.com/chidi150c/positionengine/internal/trade"
)

func TestMemStore_AppendEvent_AssignsIncrementingVersions(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	first, err := store.AppendEvent(ctx, trade.EventRecord{PositionKey: "pk-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), first.EventVer)

	second, err := store.AppendEvent(ctx, trade.EventRecord{PositionKey: "pk-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), second.EventVer)
}

func TestMemStore_AppendEvent_IgnoresCallerSuppliedVersion(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	rec, err := store.AppendEvent(ctx, trade.EventRecord{PositionKey: "pk-1", EventVer: 999})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.EventVer, "store assigns the authoritative version regardless of the caller's guess")
}

func TestMemStore_LoadEvents_OrderedByVersion(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	_, _ = store.AppendEvent(ctx, trade.EventRecord{PositionKey: "pk-1"})
	_, _ = store.AppendEvent(ctx, trade.EventRecord{PositionKey: "pk-1"})

	events, err := store.LoadEvents(ctx, "pk-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(1), events[0].EventVer)
	assert.Equal(t, int64(2), events[1].EventVer)
}

func TestMemStore_UpsertSnapshot_FirstWriteRequiresVersionZero(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	saved, err := store.UpsertSnapshot(ctx, trade.SnapshotRecord{PositionKey: "pk-1"}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	_, found, err := store.GetSnapshot(ctx, "pk-1")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestMemStore_UpsertSnapshot_ConflictOnVersionMismatch(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()

	_, err := store.UpsertSnapshot(ctx, trade.SnapshotRecord{PositionKey: "pk-1"}, 0)
	require.NoError(t, err)

	_, err = store.UpsertSnapshot(ctx, trade.SnapshotRecord{PositionKey: "pk-1"}, 0)
	require.Error(t, err)
	assert.Equal(t, errs.KindOptimisticConflict, errs.KindOf(err))
}

func TestMemStore_GetSnapshot_NotFound(t *testing.T) {
	store := NewMemStore()
	_, found, err := store.GetSnapshot(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemStore_FindByUTI_MatchesAnotherKey(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	_, err := store.UpsertSnapshot(ctx, trade.SnapshotRecord{PositionKey: "pk-2", UTI: "uti-1"}, 0)
	require.NoError(t, err)

	key, found, err := store.FindByUTI(ctx, "uti-1", "pk-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "pk-2", key)
}

func TestMemStore_FindByUTI_ExcludesOwnKey(t *testing.T) {
	store := NewMemStore()
	ctx := context.Background()
	_, err := store.UpsertSnapshot(ctx, trade.SnapshotRecord{PositionKey: "pk-1", UTI: "uti-1"}, 0)
	require.NoError(t, err)

	_, found, err := store.FindByUTI(ctx, "uti-1", "pk-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemStore_FindByUTI_NoMatch(t *testing.T) {
	store := NewMemStore()
	_, found, err := store.FindByUTI(context.Background(), "uti-missing", "pk-1")
	require.NoError(t, err)
	assert.False(t, found)
}
