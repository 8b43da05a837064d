package snapshotcodec

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/positionengine/internal/trade"
)

func TestCompressInflate_RoundTrips(t *testing.T) {
	lots := []trade.TaxLot{
		{
			LotID:           "lot-1",
			TradeDate:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			OriginalQty:     decimal.NewFromInt(10),
			RemainingQty:    decimal.NewFromInt(4),
			OriginalPrice:   decimal.NewFromInt(100),
			CurrentRefPrice: decimal.NewFromInt(105),
		},
		{
			LotID:           "lot-2",
			TradeDate:       time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
			OriginalQty:     decimal.NewFromInt(5),
			RemainingQty:    decimal.NewFromInt(5),
			OriginalPrice:   decimal.NewFromInt(110),
			CurrentRefPrice: decimal.NewFromInt(110),
		},
	}

	compressed := Compress(lots)
	inflated, err := Inflate(compressed)
	require.NoError(t, err)
	require.Len(t, inflated, 2)
	assert.Equal(t, lots[0].LotID, inflated[0].LotID)
	assert.True(t, inflated[0].RemainingQty.Equal(lots[0].RemainingQty))
	assert.True(t, inflated[1].OriginalQty.Equal(lots[1].OriginalQty))
}

func TestInflate_Empty(t *testing.T) {
	inflated, err := Inflate(trade.CompressedLots{})
	require.NoError(t, err)
	assert.Nil(t, inflated)
}

func TestInflate_MismatchedArraysFail(t *testing.T) {
	c := trade.CompressedLots{
		IDs:    []string{"a", "b"},
		Dates:  []time.Time{time.Now()},
		Prices: []decimal.Decimal{decimal.Zero, decimal.Zero},
		Qtys:   []decimal.Decimal{decimal.Zero, decimal.Zero},
	}
	_, err := Inflate(c)
	assert.Error(t, err)
}
