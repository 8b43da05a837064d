package hotpath

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chidi150c/positionengine/internal/bus"
	"github.com/chidi150c/positionengine/internal/cache"
	"github.com/chidi150c/positionengine/internal/config"
	"github.com/chidi150c/positionengine/internal/contractrules"
	"github.com/chidi150c/positionengine/internal/errs"
	"github.com/chidi150c/positionengine/internal/eventstore"
	"github.com/chidi150c/positionengine/internal/idempotency"
	"github.com/chidi150c/positionengine/internal/positionkey"
	"github.com/chidi150c/positionengine/internal/trade"
	"github.com/chidi150c/positionengine/internal/upihistory"
)

func day(n int) time.Time {
	return time.Date(2026, time.January, n, 0, 0, 0, 0, time.UTC)
}

func testConfig() config.Config {
	return config.Config{
		HotpathMaxAttempts:      3,
		HotpathBackoffBase:      time.Millisecond,
		HotpathBackoffMult:      1.5,
		HotpathBackoffCap:       10 * time.Millisecond,
		ValidatorMaxPrice:       decimal.NewFromInt(1_000_000),
		ValidatorMaxFutureYears: 1,

		TopicTrades:                      "trades",
		TopicBackdatedTrades:             "backdated-trades",
		TopicTradeApplied:                "trade-applied-events",
		TopicProvisionalTrade:            "provisional-trade-events",
		TopicHistoricalPositionCorrected: "historical-position-corrected-events",
		TopicRegulatorySubmissions:       "regulatory-submissions",
		TopicDLQ:                         "trades.dlq",
	}
}

type harness struct {
	applier *Applier
	store   *eventstore.MemStore
	idem    *idempotency.MemRegistry
	upi     *upihistory.MemRecorder
	pub     *bus.RecordingPublisher
}

func newHarness() *harness {
	store := eventstore.NewMemStore()
	idem := idempotency.NewMemRegistry()
	upi := upihistory.NewMemRecorder()
	rules := contractrules.NewStatic(trade.FIFO)
	snapCache := cache.NewInMemory(time.Minute)
	pub := &bus.RecordingPublisher{}
	applier := New(store, idem, upi, rules, snapCache, pub, testConfig(), zap.NewNop())
	return &harness{applier: applier, store: store, idem: idem, upi: upi, pub: pub}
}

func baseTrade(tradeID string, qty decimal.Decimal, tt trade.TradeType, tradeDate time.Time) trade.TradeEvent {
	return trade.TradeEvent{
		TradeID:    tradeID,
		Account:    "acct-1",
		Instrument: "AAPL",
		Currency:   "USD",
		TradeType:  tt,
		Quantity:   qty,
		Price:      decimal.NewFromInt(100),
		TradeDate:  tradeDate,
	}
}

func TestApply_NewTradeCreatesPosition(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	tr := baseTrade("t-1", decimal.NewFromInt(10), trade.NewTrade, day(1))
	snap, err := h.applier.Apply(ctx, tr)
	require.NoError(t, err)

	assert.Equal(t, trade.Active, snap.Status)
	assert.Equal(t, "t-1", snap.UTI)
	assert.Equal(t, trade.Reconciled, snap.ReconciliationStatus)
	assert.Equal(t, int64(1), snap.LastVer)
	require.Len(t, h.upi.All(), 1)
	assert.Equal(t, trade.UPICreated, h.upi.All()[0].ChangeType)
}

func TestApply_IncreaseAddsLot(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	key := positionkey.Generate("acct-1", "AAPL", "USD", trade.Long)
	_, err := h.applier.Apply(ctx, baseTrade("t-1", decimal.NewFromInt(10), trade.NewTrade, day(1)))
	require.NoError(t, err)

	inc := baseTrade("t-2", decimal.NewFromInt(5), trade.Increase, day(2))
	inc.PositionKey = key
	snap, err := h.applier.Apply(ctx, inc)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.LastVer)
	assert.True(t, snap.SummaryMetrics.TotalQty.Equal(decimal.NewFromInt(15)))
	assert.Equal(t, trade.Active, snap.Status)
}

func TestApply_FullDecreaseTerminatesPosition(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	key := positionkey.Generate("acct-1", "AAPL", "USD", trade.Long)
	_, err := h.applier.Apply(ctx, baseTrade("t-1", decimal.NewFromInt(10), trade.NewTrade, day(1)))
	require.NoError(t, err)

	dec := baseTrade("t-2", decimal.NewFromInt(-10), trade.Decrease, day(2))
	dec.PositionKey = key
	snap, err := h.applier.Apply(ctx, dec)
	require.NoError(t, err)
	assert.Equal(t, trade.Terminated, snap.Status)
	assert.Equal(t, "t-1", snap.UTI, "UTI is preserved across termination")
	assert.True(t, snap.SummaryMetrics.TotalQty.IsZero())
}

func TestApply_PartialDecrease_FIFO(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	key := positionkey.Generate("acct-1", "AAPL", "USD", trade.Long)
	first := baseTrade("t-1", decimal.NewFromInt(10), trade.NewTrade, day(1))
	first.Price = decimal.NewFromInt(90)
	_, err := h.applier.Apply(ctx, first)
	require.NoError(t, err)

	second := baseTrade("t-2", decimal.NewFromInt(10), trade.Increase, day(2))
	second.PositionKey = key
	second.Price = decimal.NewFromInt(110)
	_, err = h.applier.Apply(ctx, second)
	require.NoError(t, err)

	dec := baseTrade("t-3", decimal.NewFromInt(-10), trade.Decrease, day(3))
	dec.PositionKey = key
	dec.Price = decimal.NewFromInt(120)
	snap, err := h.applier.Apply(ctx, dec)
	require.NoError(t, err)

	// The day(1) lot (bought at 90) should have closed first under FIFO,
	// leaving the day(2) lot (bought at 110) still open.
	assert.True(t, snap.SummaryMetrics.TotalQty.Equal(decimal.NewFromInt(10)))
	events, err := h.store.LoadEvents(ctx, key)
	require.NoError(t, err)
	lastEvent := events[len(events)-1]
	require.Len(t, lastEvent.MetaLots.Entries, 1)
	assert.True(t, lastEvent.MetaLots.Entries[0].RealizedPnL.Equal(decimal.NewFromInt(300)), "(120-90)*10")
}

func TestApply_DecreaseOverflowTriggersSignChangeSplit(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	key := positionkey.Generate("acct-1", "AAPL", "USD", trade.Long)
	_, err := h.applier.Apply(ctx, baseTrade("t-1", decimal.NewFromInt(10), trade.NewTrade, day(1)))
	require.NoError(t, err)

	dec := baseTrade("t-2", decimal.NewFromInt(-15), trade.Decrease, day(2))
	dec.PositionKey = key
	snap, err := h.applier.Apply(ctx, dec)
	require.NoError(t, err)

	shortKey := positionkey.Generate("acct-1", "AAPL", "USD", trade.Short)
	assert.Equal(t, shortKey, snap.PositionKey)
	assert.True(t, snap.SummaryMetrics.TotalQty.Equal(decimal.NewFromInt(-5)))
	assert.Equal(t, "t-2", snap.UTI, "the landing episode's UTI is the original trigger trade_id, not the suffixed split event id")

	oldSnap, found, err := h.store.GetSnapshot(ctx, key)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, trade.Terminated, oldSnap.Status)

	rec, found, err := h.idem.Get(ctx, "t-2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, shortKey, rec.PositionKey, "trigger trade_id's idempotency row points at the landing position")
}

func TestApply_DuplicateTradeIDShortCircuits(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	tr := baseTrade("t-1", decimal.NewFromInt(10), trade.NewTrade, day(1))
	first, err := h.applier.Apply(ctx, tr)
	require.NoError(t, err)

	second, err := h.applier.Apply(ctx, tr)
	require.NoError(t, err)
	assert.Equal(t, first.LastVer, second.LastVer, "duplicate delivery must not re-append an event")

	events, err := h.store.LoadEvents(ctx, first.PositionKey)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestApply_ValidationFailureRoutesToDLQ(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	tr := baseTrade("t-1", decimal.NewFromInt(10), trade.NewTrade, day(1))
	tr.Account = ""

	_, err := h.applier.Apply(ctx, tr)
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))

	require.Len(t, h.pub.Published, 1)
	assert.Equal(t, "trades.dlq", h.pub.Published[0].Subject)

	rec, found, err := h.idem.Get(ctx, "t-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, trade.Failed, rec.Status)
}

func TestApply_BackdatedTradeProducesProvisionalSnapshot(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	key := positionkey.Generate("acct-1", "AAPL", "USD", trade.Long)
	_, err := h.applier.Apply(ctx, baseTrade("t-1", decimal.NewFromInt(10), trade.NewTrade, day(5)))
	require.NoError(t, err)

	backdated := baseTrade("t-2", decimal.NewFromInt(5), trade.Increase, day(1))
	backdated.PositionKey = key
	snap, err := h.applier.Apply(ctx, backdated)
	require.NoError(t, err)

	assert.Equal(t, trade.Provisional, snap.ReconciliationStatus)
	assert.Equal(t, "t-2", snap.ProvisionalTradeID)

	events, err := h.store.LoadEvents(ctx, key)
	require.NoError(t, err)
	assert.Len(t, events, 1, "backdated trades do not append an event on the hotpath")

	found := false
	for _, p := range h.pub.Published {
		if p.Subject == "backdated-trades" {
			found = true
		}
	}
	assert.True(t, found, "backdated trade must be republished for coldpath pickup")
}
