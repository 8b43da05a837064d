package upihistory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/positionengine/internal/trade"
)

func TestMemRecorder_RecordAppendsInOrder(t *testing.T) {
	r := NewMemRecorder()
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, trade.UPIHistoryRecord{PositionKey: "pk-1", ChangeType: trade.UPICreated}))
	require.NoError(t, r.Record(ctx, trade.UPIHistoryRecord{PositionKey: "pk-1", ChangeType: trade.UPITerminated}))

	rows := r.All()
	require.Len(t, rows, 2)
	assert.Equal(t, trade.UPICreated, rows[0].ChangeType)
	assert.Equal(t, trade.UPITerminated, rows[1].ChangeType)
}

func TestMemRecorder_ForPositionKeyFilters(t *testing.T) {
	r := NewMemRecorder()
	ctx := context.Background()

	require.NoError(t, r.Record(ctx, trade.UPIHistoryRecord{PositionKey: "pk-1", ChangeType: trade.UPICreated}))
	require.NoError(t, r.Record(ctx, trade.UPIHistoryRecord{PositionKey: "pk-2", ChangeType: trade.UPICreated}))

	rows := r.ForPositionKey("pk-1")
	require.Len(t, rows, 1)
	assert.Equal(t, "pk-1", rows[0].PositionKey)
}

func TestMemRecorder_AllReturnsDefensiveCopy(t *testing.T) {
	r := NewMemRecorder()
	require.NoError(t, r.Record(context.Background(), trade.UPIHistoryRecord{PositionKey: "pk-1"}))

	rows := r.All()
	rows[0].PositionKey = "mutated"

	again := r.All()
	assert.Equal(t, "pk-1", again[0].PositionKey, "mutating a returned slice must not affect internal state")
}
