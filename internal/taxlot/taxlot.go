// Package taxlot implements the pure tax-lot engine (C2): addLot and
// reduceLots over a position's open lots, with FIFO/LIFO/HIFO ordering and
// realized P&L. Neither function performs I/O; both operate purely on the
// PositionState passed in.
package taxlot

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/chidi150c/positionengine/internal/errs"
	"github.com/chidi150c/positionengine/internal/trade"
)

// AddLot appends a new lot to state.OpenLots for the given signed qty and
// price, and returns the single-entry allocation result.
func AddLot(state *trade.PositionState, qty, price decimal.Decimal, tradeDate time.Time, settlementDate *time.Time) (trade.AllocationResult, error) {
	lot := trade.TaxLot{
		LotID:           uuid.New().String(),
		TradeDate:       tradeDate,
		OriginalQty:     qty,
		RemainingQty:    qty,
		OriginalPrice:   price,
		CurrentRefPrice: price,
		SettlementDate:  settlementDate,
	}
	state.OpenLots = append(state.OpenLots, lot)
	return trade.AllocationResult{
		Entries: []trade.AllocationEntry{{
			LotID: lot.LotID,
			Qty:   qty,
			Price: price,
		}},
		RemainingQuantity: decimal.Zero,
	}, nil
}

// ReduceLots consumes qtyToReduce (> 0) of magnitude from state's open lots
// in the order dictated by method, recording realized P&L per lot touched.
// If qtyToReduce exceeds the magnitude available across all open lots, the
// returned AllocationResult carries a negative RemainingQuantity signalling
// overflow into the opposite direction; ReduceLots itself never errors for
// that case — only the caller (the hotpath applier) decides what to do
// with the signal.
func ReduceLots(state *trade.PositionState, qtyToReduce decimal.Decimal, method trade.TaxLotMethod, closePrice decimal.Decimal) (trade.AllocationResult, error) {
	if !qtyToReduce.IsPositive() {
		return trade.AllocationResult{}, errs.Wrap(errs.KindInvalidArgument, "qty_to_reduce must be > 0", nil)
	}

	idx := openLotIndices(state)
	if len(idx) == 0 {
		return trade.AllocationResult{}, errs.Wrap(errs.KindNoOpenLots, "no open lots to reduce", nil)
	}
	sortIndices(state, idx, method)

	var entries []trade.AllocationEntry
	remaining := qtyToReduce
	for _, i := range idx {
		if !remaining.IsPositive() {
			break
		}
		lot := &state.OpenLots[i]
		lotAbs := lot.RemainingQty.Abs()
		if lotAbs.IsZero() {
			continue
		}
		closed := decimal.Min(remaining, lotAbs)

		var pnl decimal.Decimal
		if lot.RemainingQty.IsPositive() {
			lot.RemainingQty = lot.RemainingQty.Sub(closed)
			pnl = closePrice.Sub(lot.OriginalPrice).Mul(closed)
		} else {
			lot.RemainingQty = lot.RemainingQty.Add(closed)
			pnl = lot.OriginalPrice.Sub(closePrice).Mul(closed)
		}
		remaining = remaining.Sub(closed)

		entries = append(entries, trade.AllocationEntry{
			LotID:       lot.LotID,
			Qty:         closed,
			Price:       closePrice,
			RealizedPnL: &pnl,
		})
	}

	result := trade.AllocationResult{Entries: entries}
	if remaining.IsPositive() {
		// Overflow into the opposite direction: signal via negation.
		result.RemainingQuantity = remaining.Neg()
	} else {
		result.RemainingQuantity = decimal.Zero
	}
	return result, nil
}

func openLotIndices(state *trade.PositionState) []int {
	var idx []int
	for i := range state.OpenLots {
		if !state.OpenLots[i].RemainingQty.IsZero() {
			idx = append(idx, i)
		}
	}
	return idx
}

func sortIndices(state *trade.PositionState, idx []int, method trade.TaxLotMethod) {
	lots := state.OpenLots
	switch method {
	case trade.LIFO:
		sort.SliceStable(idx, func(a, b int) bool {
			ia, ib := idx[a], idx[b]
			if !lots[ia].TradeDate.Equal(lots[ib].TradeDate) {
				return lots[ia].TradeDate.After(lots[ib].TradeDate)
			}
			return lots[ia].LotID < lots[ib].LotID
		})
	case trade.HIFO:
		sort.SliceStable(idx, func(a, b int) bool {
			ia, ib := idx[a], idx[b]
			if !lots[ia].CurrentRefPrice.Equal(lots[ib].CurrentRefPrice) {
				return lots[ia].CurrentRefPrice.GreaterThan(lots[ib].CurrentRefPrice)
			}
			return lots[ia].TradeDate.Before(lots[ib].TradeDate)
		})
	default: // FIFO
		sort.SliceStable(idx, func(a, b int) bool {
			ia, ib := idx[a], idx[b]
			if !lots[ia].TradeDate.Equal(lots[ib].TradeDate) {
				return lots[ia].TradeDate.Before(lots[ib].TradeDate)
			}
			return lots[ia].LotID < lots[ib].LotID
		})
	}
}
