// Package positionkey derives the deterministic position identity (C1):
// hash(account, instrument, currency, direction).
package positionkey

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/chidi150c/positionengine/internal/trade"
)

// Generate returns the 16-hex-char position key for the given quadruple.
// Different direction values always yield different keys.
func Generate(account, instrument, currency string, direction trade.Direction) string {
	joined := strings.ToUpper(account) + "|" +
		strings.ToUpper(instrument) + "|" +
		strings.ToUpper(currency) + "|" +
		strings.ToUpper(string(direction))
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:8])
}

// DirectionFromQty derives LONG/SHORT from a signed quantity. Zero is
// treated as LONG (callers should not invoke a new position with qty=0;
// the validator rejects zero quantities before this is ever relevant).
func DirectionFromQty(qty decimal.Decimal) trade.Direction {
	if qty.IsNegative() {
		return trade.Short
	}
	return trade.Long
}

// ForTrade resolves the position key for an inbound trade: the caller's
// explicit PositionKey wins; otherwise it is derived from the trade's own
// fields and sign-derived direction (a brand-new position).
func ForTrade(t trade.TradeEvent) string {
	if t.PositionKey != "" {
		return t.PositionKey
	}
	return Generate(t.Account, t.Instrument, t.Currency, DirectionFromQty(t.Quantity))
}

// ForExistingState resolves the key for a position whose current direction
// is already known (read from snapshot state) rather than re-derived from
// the incoming trade's sign.
func ForExistingState(account, instrument, currency string, direction trade.Direction) string {
	return Generate(account, instrument, currency, direction)
}
