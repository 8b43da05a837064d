package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/chidi150c/positionengine/internal/trade"
)

func TestInMemory_PutThenGet(t *testing.T) {
	c := NewInMemory(time.Minute)
	ctx := context.Background()

	snap := trade.SnapshotRecord{PositionKey: "pk-1", Status: trade.Active}
	c.Put(ctx, snap)

	got, ok := c.Get(ctx, "pk-1")
	assert.True(t, ok)
	assert.Equal(t, trade.Active, got.Status)
}

func TestInMemory_MissOnUnknownKey(t *testing.T) {
	c := NewInMemory(time.Minute)
	_, ok := c.Get(context.Background(), "missing")
	assert.False(t, ok)
}

func TestInMemory_EntryExpiresAfterTTL(t *testing.T) {
	c := NewInMemory(time.Millisecond)
	ctx := context.Background()
	c.Put(ctx, trade.SnapshotRecord{PositionKey: "pk-1"})

	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(ctx, "pk-1")
	assert.False(t, ok, "cache is advisory and must expire per its ttl")
}

func TestInMemory_Invalidate(t *testing.T) {
	c := NewInMemory(time.Minute)
	ctx := context.Background()
	c.Put(ctx, trade.SnapshotRecord{PositionKey: "pk-1"})
	c.Invalidate(ctx, "pk-1")

	_, ok := c.Get(ctx, "pk-1")
	assert.False(t, ok)
}
