package positionkey

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/chidi150c/positionengine/internal/trade"
)

func TestGenerate_Deterministic(t *testing.T) {
	a := Generate("acct-1", "AAPL", "USD", trade.Long)
	b := Generate("acct-1", "AAPL", "USD", trade.Long)
	assert.Equal(t, a, b)
	assert.Len(t, a, 16)
}

func TestGenerate_CaseInsensitive(t *testing.T) {
	a := Generate("acct-1", "aapl", "usd", trade.Long)
	b := Generate("ACCT-1", "AAPL", "USD", trade.Long)
	assert.Equal(t, a, b)
}

func TestGenerate_DirectionChangesKey(t *testing.T) {
	long := Generate("acct-1", "AAPL", "USD", trade.Long)
	short := Generate("acct-1", "AAPL", "USD", trade.Short)
	assert.NotEqual(t, long, short)
}

func TestDirectionFromQty(t *testing.T) {
	assert.Equal(t, trade.Long, DirectionFromQty(decimal.NewFromInt(5)))
	assert.Equal(t, trade.Short, DirectionFromQty(decimal.NewFromInt(-5)))
	assert.Equal(t, trade.Long, DirectionFromQty(decimal.Zero))
}

func TestForTrade_ExplicitKeyWins(t *testing.T) {
	tr := trade.TradeEvent{PositionKey: "explicit-key", Account: "a", Instrument: "i", Currency: "USD", Quantity: decimal.NewFromInt(1)}
	assert.Equal(t, "explicit-key", ForTrade(tr))
}

func TestForTrade_DerivesFromSign(t *testing.T) {
	tr := trade.TradeEvent{Account: "a", Instrument: "i", Currency: "USD", Quantity: decimal.NewFromInt(-1)}
	assert.Equal(t, Generate("a", "i", "USD", trade.Short), ForTrade(tr))
}
