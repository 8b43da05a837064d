// Package classifier decides CURRENT_DATED / FORWARD_DATED / BACKDATED
// for an inbound trade (C6).
package classifier

import (
	"time"

	"github.com/chidi150c/positionengine/internal/trade"
)

// Classify compares the trade's effective date against today and the
// latest known snapshot date (the max trade_date across open lots, or nil
// if the position has none yet).
func Classify(effectiveDate, today time.Time, latestSnapshotDate *time.Time) trade.Classification {
	if effectiveDate.After(today) {
		return trade.ForwardDated
	}
	if latestSnapshotDate != nil && effectiveDate.Before(*latestSnapshotDate) {
		return trade.BackDated
	}
	return trade.CurrentDated
}
