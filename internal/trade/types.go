// Package trade holds the domain types shared by every component of the
// position and tax-lot engine: trade events, tax lots, position state,
// event/snapshot/idempotency/UPI records, and the small closed enums that
// drive routing and replay.
package trade

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the sign-derived side of a position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// TradeType classifies the trade's intent against the current position.
type TradeType string

const (
	NewTrade TradeType = "NEW_TRADE"
	Increase TradeType = "INCREASE"
	Decrease TradeType = "DECREASE"
)

// TaxLotMethod selects lot-closing order.
type TaxLotMethod string

const (
	FIFO TaxLotMethod = "FIFO"
	LIFO TaxLotMethod = "LIFO"
	HIFO TaxLotMethod = "HIFO"
)

// Classification is the hotpath/coldpath routing decision.
type Classification string

const (
	CurrentDated Classification = "CURRENT_DATED"
	ForwardDated Classification = "FORWARD_DATED"
	BackDated    Classification = "BACKDATED"
)

// ReconciliationStatus marks whether a snapshot is authoritative.
type ReconciliationStatus string

const (
	Reconciled  ReconciliationStatus = "RECONCILED"
	Provisional ReconciliationStatus = "PROVISIONAL"
)

// PositionStatus is the lifecycle status of a position episode.
type PositionStatus string

const (
	Active     PositionStatus = "ACTIVE"
	Terminated PositionStatus = "TERMINATED"
)

// IdempotencyStatus is the outcome recorded for a trade_id.
type IdempotencyStatus string

const (
	Processed IdempotencyStatus = "PROCESSED"
	Failed    IdempotencyStatus = "FAILED"
)

// UPIChangeType enumerates position-identity lifecycle transitions.
type UPIChangeType string

const (
	UPICreated    UPIChangeType = "CREATED"
	UPITerminated UPIChangeType = "TERMINATED"
	UPIReopened   UPIChangeType = "REOPENED"
	UPIInvalidated UPIChangeType = "INVALIDATED"
	UPIRestored   UPIChangeType = "RESTORED"
	UPIMerged     UPIChangeType = "MERGED"
)

// EventType labels what an event record represents.
type EventType string

const (
	EventNewTrade               EventType = "NEW_TRADE"
	EventIncrease               EventType = "INCREASE"
	EventDecrease                EventType = "DECREASE"
	EventHistoricalCorrection    EventType = "HISTORICAL_POSITION_CORRECTED"
)

// TradeEvent is the immutable inbound message.
type TradeEvent struct {
	TradeID        string          `json:"trade_id"`
	PositionKey    string          `json:"position_key,omitempty"`
	Account        string          `json:"account"`
	Instrument     string          `json:"instrument"`
	Currency       string          `json:"currency"`
	TradeType      TradeType       `json:"trade_type"`
	Quantity       decimal.Decimal `json:"quantity"`
	Price          decimal.Decimal `json:"price"`
	TradeDate      time.Time       `json:"trade_date"`
	SettlementDate *time.Time      `json:"settlement_date,omitempty"`
	EffectiveDate  time.Time       `json:"effective_date"`
	ContractID     string          `json:"contract_id,omitempty"`
	CorrelationID  string          `json:"correlation_id,omitempty"`
	CausationID    string          `json:"causation_id,omitempty"`
	UserID         string          `json:"user_id,omitempty"`
}

// EffectiveDateOrDefault returns EffectiveDate, defaulting to TradeDate.
func (t TradeEvent) EffectiveDateOrDefault() time.Time {
	if t.EffectiveDate.IsZero() {
		return t.TradeDate
	}
	return t.EffectiveDate
}

// Direction derives the side implied by the trade's signed quantity.
func (t TradeEvent) Direction() Direction {
	if t.Quantity.IsNegative() {
		return Short
	}
	return Long
}

// TaxLot is an acquisition cohort with its own cost basis and remaining qty.
type TaxLot struct {
	LotID            string          `json:"lot_id"`
	TradeDate        time.Time       `json:"trade_date"`
	OriginalQty      decimal.Decimal `json:"original_qty"`
	RemainingQty     decimal.Decimal `json:"remaining_qty"`
	OriginalPrice    decimal.Decimal `json:"original_price"`
	CurrentRefPrice  decimal.Decimal `json:"current_ref_price"`
	SettlementDate   *time.Time      `json:"settlement_date,omitempty"`
	SettledQuantity  *decimal.Decimal `json:"settled_quantity,omitempty"`
}

// Closed reports whether the lot has been fully consumed.
func (l TaxLot) Closed() bool { return l.RemainingQty.IsZero() }

// PriceQuantityEntry is one row of a position's price/quantity schedule,
// keyed by trade_date in PositionState.PriceQuantitySchedule.
type PriceQuantityEntry struct {
	SettlementDate  *time.Time      `json:"settlement_date,omitempty"`
	EffectiveQty    decimal.Decimal `json:"effective_qty"`
	SettledQty      decimal.Decimal `json:"settled_qty"`
	WeightedAvgPrice decimal.Decimal `json:"weighted_avg_price"`
}

// PositionState is the materialized, mutable view of a position used by
// both the hotpath applier and the coldpath replay.
type PositionState struct {
	PositionKey             string
	Account                 string
	Instrument              string
	Currency                string
	Direction               Direction
	LastVer                 int64
	OpenLots                []TaxLot
	PriceQuantitySchedule   map[string]PriceQuantityEntry // keyed by trade_date (RFC3339 date)
	UTI                     string
	Status                  PositionStatus
}

// TotalQty sums remaining_qty across all open lots.
func (p *PositionState) TotalQty() decimal.Decimal {
	total := decimal.Zero
	for _, l := range p.OpenLots {
		total = total.Add(l.RemainingQty)
	}
	return total
}

// Exposure sums remaining_qty * current_ref_price across all open lots.
func (p *PositionState) Exposure() decimal.Decimal {
	total := decimal.Zero
	for _, l := range p.OpenLots {
		total = total.Add(l.RemainingQty.Mul(l.CurrentRefPrice))
	}
	return total
}

// LotCount counts open lots with non-zero remaining quantity.
func (p *PositionState) LotCount() int {
	n := 0
	for _, l := range p.OpenLots {
		if !l.RemainingQty.IsZero() {
			n++
		}
	}
	return n
}

// PruneClosedLots drops fully-closed lots, as done on snapshot upsert.
func (p *PositionState) PruneClosedLots() {
	kept := p.OpenLots[:0]
	for _, l := range p.OpenLots {
		if !l.Closed() {
			kept = append(kept, l)
		}
	}
	p.OpenLots = kept
}

// LatestLotDate returns the max trade_date among open lots, used as the
// "snapshot date" for classification; nil if there are no open lots.
func (p *PositionState) LatestLotDate() *time.Time {
	var latest *time.Time
	for i := range p.OpenLots {
		d := p.OpenLots[i].TradeDate
		if latest == nil || d.After(*latest) {
			cp := d
			latest = &cp
		}
	}
	return latest
}

// SummaryMetrics is the derived snapshot summary persisted alongside lots.
type SummaryMetrics struct {
	TotalQty  decimal.Decimal `json:"total_qty"`
	Exposure  decimal.Decimal `json:"exposure"`
	LotCount  int             `json:"lot_count"`
}

// CompressedLots is the columnar on-disk form of an open-lots array.
type CompressedLots struct {
	IDs            []string          `json:"ids"`
	Dates          []time.Time       `json:"dates"`
	Prices         []decimal.Decimal `json:"prices"`
	Qtys           []decimal.Decimal `json:"qtys"`
	OriginalPrices []decimal.Decimal `json:"original_prices"`
	OriginalQtys   []decimal.Decimal `json:"original_qtys"`
}

// SnapshotRecord is the single persisted row per position key.
type SnapshotRecord struct {
	PositionKey           string
	LastVer               int64
	UTI                   string
	Status                PositionStatus
	ReconciliationStatus  ReconciliationStatus
	ProvisionalTradeID    string
	TaxLotsCompressed     CompressedLots
	SummaryMetrics        SummaryMetrics
	PriceQuantitySchedule map[string]PriceQuantityEntry
	Version               int64
	LastUpdatedAt         time.Time
}

// AllocationEntry records how a trade touched a single lot.
type AllocationEntry struct {
	LotID       string           `json:"lot_id"`
	Qty         decimal.Decimal  `json:"qty"`
	Price       decimal.Decimal  `json:"price"`
	RealizedPnL *decimal.Decimal `json:"realized_pnl,omitempty"`
}

// AllocationResult is the pure tax-lot engine's output: which lots were
// touched, and — for reduceLots — any quantity that overflowed into the
// opposite direction (the sign-change signal).
type AllocationResult struct {
	Entries           []AllocationEntry
	RemainingQuantity decimal.Decimal
}

// EventRecord is one immutable row of the append-only event log.
type EventRecord struct {
	PositionKey   string
	EventVer      int64
	EventType     EventType
	EffectiveDate time.Time
	OccurredAt    time.Time
	Payload       TradeEvent
	MetaLots      AllocationResult
	CorrelationID string
	CausationID   string
	ContractID    string
}

// IdempotencyRecord is the at-most-once guard row keyed by trade_id.
type IdempotencyRecord struct {
	TradeID      string
	PositionKey  string
	EventVersion int64
	Status       IdempotencyStatus
	ProcessedAt  time.Time
	ErrorMessage string
}

// UPIHistoryRecord is one append-only audit row of a position-identity
// lifecycle transition.
type UPIHistoryRecord struct {
	PositionKey            string
	UPI                    string
	PreviousUPI            string
	Status                 PositionStatus
	PreviousStatus         PositionStatus
	ChangeType             UPIChangeType
	TriggeringTradeID      string
	BackdatedTradeID       string
	EffectiveDate          time.Time
	OccurredAt             time.Time
	MergedFromPositionKey  string
	Reason                 string
}
