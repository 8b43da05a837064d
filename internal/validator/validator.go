// Package validator performs field/bound checks and direction-boundary
// sanity on inbound trades (C7).
package validator

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chidi150c/positionengine/internal/errs"
	"github.com/chidi150c/positionengine/internal/trade"
)

// Config holds the validator's configurable bounds.
type Config struct {
	MaxPrice        decimal.Decimal // validator.max_price, default 1,000,000
	MaxFutureYears  int             // validator.max_future_years, default 1
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxPrice:       decimal.NewFromInt(1_000_000),
		MaxFutureYears: 1,
	}
}

// Validate checks the standalone fields of a trade, independent of any
// position state.
func Validate(t trade.TradeEvent, now time.Time, cfg Config) error {
	if strings.TrimSpace(t.TradeID) == "" {
		return fieldErr("trade_id is required")
	}
	if strings.TrimSpace(t.Account) == "" {
		return fieldErr("account is required")
	}
	if strings.TrimSpace(t.Instrument) == "" {
		return fieldErr("instrument is required")
	}
	if strings.TrimSpace(t.Currency) == "" {
		return fieldErr("currency is required")
	}
	if t.Quantity.IsZero() {
		return fieldErr("quantity must be non-zero")
	}
	if !t.Price.IsPositive() {
		return fieldErr("price must be > 0")
	}
	if t.Price.GreaterThan(cfg.MaxPrice) {
		return fieldErr("price exceeds validator.max_price")
	}
	if t.TradeDate.IsZero() {
		return fieldErr("trade_date is required")
	}
	maxFuture := now.AddDate(cfg.MaxFutureYears, 0, 0)
	if t.TradeDate.After(maxFuture) {
		return fieldErr("trade_date exceeds today + validator.max_future_years")
	}
	effective := t.EffectiveDateOrDefault()
	if effective.After(maxFuture) {
		return fieldErr("effective_date exceeds today + validator.max_future_years")
	}
	return nil
}

// ValidateAgainstState checks a trade against the current position state.
// A same-direction DECREASE may not exceed the available magnitude unless
// allowSignChangeSplit is true (the default).
func ValidateAgainstState(t trade.TradeEvent, state *trade.PositionState, allowSignChangeSplit bool) error {
	if state == nil || t.TradeType != trade.Decrease {
		return nil
	}
	if allowSignChangeSplit {
		return nil
	}
	available := state.TotalQty().Abs()
	if t.Quantity.Abs().GreaterThan(available) {
		return fieldErr("decrease exceeds available magnitude and sign-change split is disabled")
	}
	return nil
}

func fieldErr(msg string) error {
	return errs.Wrap(errs.KindValidation, msg, nil)
}
