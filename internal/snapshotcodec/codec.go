// Package snapshotcodec compresses/inflates a position's open-lots array
// to/from the columnar JSON form persisted on the snapshot record (C3).
package snapshotcodec

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/chidi150c/positionengine/internal/errs"
	"github.com/chidi150c/positionengine/internal/trade"
)

// Compress converts an open-lots slice into parallel columnar arrays.
// Closed lots (remaining_qty = 0) are included; Inflate reconstructs them
// the same way a live lot is reconstructed, treating qty=0 as closed.
func Compress(lots []trade.TaxLot) trade.CompressedLots {
	c := trade.CompressedLots{
		IDs:            make([]string, 0, len(lots)),
		Dates:          make([]time.Time, 0, len(lots)),
		Prices:         make([]decimal.Decimal, 0, len(lots)),
		Qtys:           make([]decimal.Decimal, 0, len(lots)),
		OriginalPrices: make([]decimal.Decimal, 0, len(lots)),
		OriginalQtys:   make([]decimal.Decimal, 0, len(lots)),
	}
	for _, l := range lots {
		c.IDs = append(c.IDs, l.LotID)
		c.Dates = append(c.Dates, l.TradeDate)
		c.Prices = append(c.Prices, l.CurrentRefPrice)
		c.Qtys = append(c.Qtys, l.RemainingQty)
		c.OriginalPrices = append(c.OriginalPrices, l.OriginalPrice)
		c.OriginalQtys = append(c.OriginalQtys, l.OriginalQty)
	}
	return c
}

// Inflate reconstructs a lot slice from the columnar form. An empty/blank
// snapshot inflates to an empty slice; a non-empty snapshot whose arrays
// are misaligned is a fatal decompression failure for the caller.
func Inflate(c trade.CompressedLots) ([]trade.TaxLot, error) {
	n := len(c.IDs)
	if n == 0 {
		return nil, nil
	}
	if len(c.Dates) != n || len(c.Prices) != n || len(c.Qtys) != n ||
		len(c.OriginalPrices) != n || len(c.OriginalQtys) != n {
		return nil, errs.Wrap(errs.KindSerialization, "compressed lot arrays have mismatched lengths", nil)
	}
	lots := make([]trade.TaxLot, n)
	for i := 0; i < n; i++ {
		lots[i] = trade.TaxLot{
			LotID:           c.IDs[i],
			TradeDate:       c.Dates[i],
			OriginalQty:     c.OriginalQtys[i],
			RemainingQty:    c.Qtys[i],
			OriginalPrice:   c.OriginalPrices[i],
			CurrentRefPrice: c.Prices[i],
		}
	}
	return lots, nil
}
