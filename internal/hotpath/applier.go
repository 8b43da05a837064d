// Package hotpath implements the synchronous per-trade applier (C8):
// validate, idempotency-gate, classify, apply via the tax-lot engine,
// append the event, upsert the snapshot, and publish — with a bounded
// retry loop around the two concurrency-conflict signals the event store
// can raise. A DECREASE that overflows the position's open lots triggers
// a sign-change split onto a freshly derived position key.
package hotpath

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/chidi150c/positionengine/internal/bus"
	"github.com/chidi150c/positionengine/internal/cache"
	"github.com/chidi150c/positionengine/internal/classifier"
	"github.com/chidi150c/positionengine/internal/config"
	"github.com/chidi150c/positionengine/internal/contractrules"
	"github.com/chidi150c/positionengine/internal/errs"
	"github.com/chidi150c/positionengine/internal/eventstore"
	"github.com/chidi150c/positionengine/internal/idempotency"
	"github.com/chidi150c/positionengine/internal/metrics"
	"github.com/chidi150c/positionengine/internal/moneymath"
	"github.com/chidi150c/positionengine/internal/positionkey"
	"github.com/chidi150c/positionengine/internal/snapshotcodec"
	"github.com/chidi150c/positionengine/internal/taxlot"
	"github.com/chidi150c/positionengine/internal/trade"
	"github.com/chidi150c/positionengine/internal/upihistory"
	"github.com/chidi150c/positionengine/internal/validator"
)

// Applier wires the event store, idempotency registry, UPI recorder,
// contract-rules lookup, advisory cache and outbound bus into the
// transactional per-trade sequence.
type Applier struct {
	store        eventstore.Store
	idem         idempotency.Registry
	upi          upihistory.Recorder
	rules        contractrules.Lookup
	cache        cache.PositionSnapshotCache
	publisher    bus.Publisher
	cfg          config.Config
	validatorCfg validator.Config
	logger       *zap.Logger
}

// New builds an Applier from its collaborators.
func New(
	store eventstore.Store,
	idem idempotency.Registry,
	upi upihistory.Recorder,
	rules contractrules.Lookup,
	snapCache cache.PositionSnapshotCache,
	publisher bus.Publisher,
	cfg config.Config,
	logger *zap.Logger,
) *Applier {
	return &Applier{
		store:     store,
		idem:      idem,
		upi:       upi,
		rules:     rules,
		cache:     snapCache,
		publisher: publisher,
		cfg:       cfg,
		validatorCfg: validator.Config{
			MaxPrice:       cfg.ValidatorMaxPrice,
			MaxFutureYears: cfg.ValidatorMaxFutureYears,
		},
		logger: logger,
	}
}

type dlqPayload struct {
	Trade   trade.TradeEvent `json:"trade"`
	Reasons []string         `json:"reasons"`
}

// Apply runs the full hotpath sequence for t, retrying on concurrency
// and optimistic-conflict signals only, per hotpath.max_attempts /
// hotpath.backoff_ms.
func (a *Applier) Apply(ctx context.Context, t trade.TradeEvent) (trade.SnapshotRecord, error) {
	start := time.Now()
	defer func() { metrics.HotpathLatency.Observe(time.Since(start).Seconds()) }()

	var result trade.SnapshotRecord
	op := func() error {
		r, err := a.applyOnce(ctx, t)
		if err != nil {
			if errs.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		result = r
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = a.cfg.HotpathBackoffBase
	eb.Multiplier = a.cfg.HotpathBackoffMult
	eb.MaxInterval = a.cfg.HotpathBackoffCap
	eb.MaxElapsedTime = 0

	extraRetries := a.cfg.HotpathMaxAttempts - 1
	if extraRetries < 0 {
		extraRetries = 0
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(extraRetries)), ctx)

	if err := backoff.Retry(op, bo); err != nil {
		if errs.IsRetryable(err) {
			if markErr := a.idem.MarkFailed(ctx, t.TradeID, err.Error()); markErr != nil {
				a.logger.Warn("mark idempotency failed after retry exhaustion", zap.Error(markErr))
			}
			return trade.SnapshotRecord{}, errs.Wrap(errs.KindSystemUnavailable, "hotpath retries exhausted", err)
		}
		return trade.SnapshotRecord{}, err
	}
	return result, nil
}

func (a *Applier) applyOnce(ctx context.Context, t trade.TradeEvent) (trade.SnapshotRecord, error) {
	now := time.Now().UTC()

	if err := validator.Validate(t, now, a.validatorCfg); err != nil {
		a.rejectToDLQ(ctx, t, err)
		return trade.SnapshotRecord{}, err
	}

	if rec, found, err := a.idem.Get(ctx, t.TradeID); err != nil {
		return trade.SnapshotRecord{}, errs.Wrap(errs.KindDownstreamUnavail, "idempotency lookup", err)
	} else if found && rec.Status == trade.Processed {
		metrics.IdempotentDuplicates.Inc()
		snap, snapFound, err := a.store.GetSnapshot(ctx, rec.PositionKey)
		if err != nil {
			return trade.SnapshotRecord{}, errs.Wrap(errs.KindDownstreamUnavail, "load snapshot for duplicate", err)
		}
		if !snapFound {
			return trade.SnapshotRecord{}, errs.Wrap(errs.KindDataInvariant, "idempotency row PROCESSED but snapshot missing", nil)
		}
		return snap, nil
	}

	positionKey := positionkey.ForTrade(t)
	snapRec, found, err := a.store.GetSnapshot(ctx, positionKey)
	if err != nil {
		return trade.SnapshotRecord{}, errs.Wrap(errs.KindDownstreamUnavail, "load snapshot", err)
	}

	state, err := stateFromSnapshot(positionKey, t, snapRec, found)
	if err != nil {
		return trade.SnapshotRecord{}, err
	}

	if err := validator.ValidateAgainstState(t, state, true); err != nil {
		a.rejectToDLQ(ctx, t, err)
		return trade.SnapshotRecord{}, err
	}

	effectiveDate := t.EffectiveDateOrDefault()
	cls := classifier.Classify(effectiveDate, now, state.LatestLotDate())

	method, err := a.rules.MethodFor(ctx, t.ContractID)
	if err != nil {
		method = trade.FIFO
	}

	if cls == trade.BackDated {
		return a.handleBackdated(ctx, t, state, snapRec, found, method)
	}

	result, newState, overflow, err := a.applyTrade(state, t, method)
	if err != nil {
		return trade.SnapshotRecord{}, err
	}

	if !overflow.IsZero() {
		return a.applySignChangeSplit(ctx, t, state, newState, result, snapRec, found, overflow)
	}

	return a.commit(ctx, t, newState, result, snapRec, found, trade.Reconciled, "", "")
}

func (a *Applier) rejectToDLQ(ctx context.Context, t trade.TradeEvent, cause error) {
	metrics.ValidationFailures.Inc()
	if err := a.publisher.Publish(ctx, a.cfg.TopicDLQ, dlqPayload{Trade: t, Reasons: []string{cause.Error()}}); err != nil {
		a.logger.Warn("publish to dlq failed", zap.Error(err))
	}
	if err := a.idem.MarkFailed(ctx, t.TradeID, cause.Error()); err != nil {
		a.logger.Warn("mark idempotency failed after validation rejection", zap.Error(err))
	}
}

// applyTrade runs the pure tax-lot engine against a clone of state,
// returning the allocation result, the resulting state, and — for a
// DECREASE whose magnitude exceeds the open lots — the positive overflow
// magnitude signalling a sign-change split.
func (a *Applier) applyTrade(state *trade.PositionState, t trade.TradeEvent, method trade.TaxLotMethod) (trade.AllocationResult, *trade.PositionState, decimal.Decimal, error) {
	s := cloneState(state)
	switch t.TradeType {
	case trade.NewTrade, trade.Increase:
		res, err := taxlot.AddLot(s, t.Quantity, t.Price, t.TradeDate, t.SettlementDate)
		if err != nil {
			return trade.AllocationResult{}, nil, decimal.Zero, err
		}
		if s.Direction == "" {
			s.Direction = positionkey.DirectionFromQty(t.Quantity)
		}
		return res, s, decimal.Zero, nil
	case trade.Decrease:
		res, err := taxlot.ReduceLots(s, t.Quantity.Abs(), method, t.Price)
		if err != nil {
			return trade.AllocationResult{}, nil, decimal.Zero, err
		}
		if !res.RemainingQuantity.IsZero() {
			return res, s, res.RemainingQuantity.Abs(), nil
		}
		return res, s, decimal.Zero, nil
	default:
		return trade.AllocationResult{}, nil, decimal.Zero, errs.New(errs.KindValidation, "unknown trade_type")
	}
}

func (a *Applier) handleBackdated(ctx context.Context, t trade.TradeEvent, state *trade.PositionState, snapRec trade.SnapshotRecord, found bool, method trade.TaxLotMethod) (trade.SnapshotRecord, error) {
	if err := a.publisher.Publish(ctx, a.cfg.TopicBackdatedTrades, t); err != nil {
		a.logger.Warn("publish backdated trade failed", zap.Error(err))
	}

	// No sign-change split on the provisional path: a backdated DECREASE
	// that overflows closes every lot on this key and the overflow is not
	// carried anywhere. The coldpath replay does not split either.
	_, newState, _, err := a.applyTrade(state, t, method)
	if err != nil {
		return trade.SnapshotRecord{}, err
	}

	compressedLots := snapshotcodec.Compress(newState.OpenLots)
	provisional := trade.SnapshotRecord{
		PositionKey:           newState.PositionKey,
		LastVer:               state.LastVer,
		UTI:                   state.UTI,
		Status:                state.Status,
		ReconciliationStatus:  trade.Provisional,
		ProvisionalTradeID:    t.TradeID,
		TaxLotsCompressed:     compressedLots,
		SummaryMetrics:        summaryOf(newState),
		PriceQuantitySchedule: newState.PriceQuantitySchedule,
	}
	if !found {
		provisional.UTI = t.TradeID
		provisional.Status = trade.Active
	}

	expectedVersion := int64(0)
	if found {
		expectedVersion = snapRec.Version
	}
	saved, err := a.store.UpsertSnapshot(ctx, provisional, expectedVersion)
	if err != nil {
		if errs.KindOf(err) == errs.KindOptimisticConflict {
			metrics.IncConcurrencyConflict("snapshot_upsert")
		}
		return trade.SnapshotRecord{}, err
	}

	a.cache.Put(ctx, saved)
	if err := a.publisher.Publish(ctx, a.cfg.TopicProvisionalTrade, saved); err != nil {
		a.logger.Warn("publish provisional trade event failed", zap.Error(err))
	}
	if err := a.idem.MarkProcessed(ctx, t.TradeID, saved.PositionKey, saved.LastVer); err != nil {
		a.logger.Warn("mark idempotency processed (provisional) failed", zap.Error(err))
	}
	metrics.IncTradesApplied("hotpath", "provisional")
	return saved, nil
}

func (a *Applier) applySignChangeSplit(ctx context.Context, t trade.TradeEvent, oldState, reducedState *trade.PositionState, result trade.AllocationResult, prevSnap trade.SnapshotRecord, found bool, overflow decimal.Decimal) (trade.SnapshotRecord, error) {
	metrics.SignChangeSplits.Inc()

	// (a) close out the current position; ReduceLots already drove every
	// lot's remaining_qty to zero, leaving the overflow unconsumed.
	if _, err := a.commit(ctx, t, reducedState, result, prevSnap, found, trade.Reconciled, "", ""); err != nil {
		return trade.SnapshotRecord{}, err
	}

	// (b) open the new position on the opposite direction.
	oldDirection := deriveDirection(oldState, trade.Long)
	newDirection := trade.Long
	if oldDirection == trade.Long {
		newDirection = trade.Short
	}
	newKey := positionkey.ForExistingState(t.Account, t.Instrument, t.Currency, newDirection)

	newQty := overflow
	if newDirection == trade.Short {
		newQty = overflow.Neg()
	}

	newState := &trade.PositionState{
		PositionKey:           newKey,
		Account:                t.Account,
		Instrument:             t.Instrument,
		Currency:               t.Currency,
		Direction:              newDirection,
		PriceQuantitySchedule:  map[string]trade.PriceQuantityEntry{},
		Status:                 trade.Active,
	}
	addResult, err := taxlot.AddLot(newState, newQty, t.Price, t.TradeDate, t.SettlementDate)
	if err != nil {
		return trade.SnapshotRecord{}, err
	}

	// (c) synthesize the NEW_TRADE event on the new key. Only the event's
	// own trade_id is suffixed, to disambiguate its idempotency row from
	// the triggering trade's; the landing episode's UTI stays the
	// original trade_id per the split contract.
	splitTrade := t
	splitTrade.TradeID = t.TradeID + "#split"
	splitTrade.PositionKey = newKey
	splitTrade.TradeType = trade.NewTrade
	splitTrade.Quantity = newQty

	newSnap, newFound, err := a.store.GetSnapshot(ctx, newKey)
	if err != nil {
		return trade.SnapshotRecord{}, errs.Wrap(errs.KindDownstreamUnavail, "load snapshot for split key", err)
	}

	committed, err := a.commit(ctx, splitTrade, newState, addResult, newSnap, newFound, trade.Reconciled, "", t.TradeID)
	if err != nil {
		return trade.SnapshotRecord{}, err
	}

	// The triggering trade_id's idempotency row ultimately points at the
	// position its net effect landed on.
	if err := a.idem.MarkProcessed(ctx, t.TradeID, newKey, committed.LastVer); err != nil {
		a.logger.Warn("mark idempotency processed (split trigger) failed", zap.Error(err))
	}
	return committed, nil
}

// commit appends the event, upserts the snapshot, runs the status
// machine, marks idempotency, and publishes — the shared tail of the
// normal-apply and sign-change-split paths. uti, when non-empty,
// overrides t.TradeID as the identity a freshly CREATED/REOPENED episode
// takes on — needed because a sign-change split's synthesized event
// carries a suffixed trade_id (for idempotency) while the landing
// episode's UTI must be the original trigger trade_id.
func (a *Applier) commit(ctx context.Context, t trade.TradeEvent, state *trade.PositionState, result trade.AllocationResult, prevSnap trade.SnapshotRecord, found bool, recStatus trade.ReconciliationStatus, provisionalTradeID string, uti string) (trade.SnapshotRecord, error) {
	eventVer := state.LastVer + 1
	rec := trade.EventRecord{
		PositionKey:   state.PositionKey,
		EventVer:      eventVer,
		EventType:     eventTypeFor(t.TradeType),
		EffectiveDate: t.EffectiveDateOrDefault(),
		OccurredAt:    time.Now().UTC(),
		Payload:       t,
		MetaLots:      result,
		CorrelationID: t.CorrelationID,
		CausationID:   t.CausationID,
		ContractID:    t.ContractID,
	}
	applied, err := a.store.AppendEvent(ctx, rec)
	if err != nil {
		if errs.KindOf(err) == errs.KindConcurrencyConflict {
			metrics.IncConcurrencyConflict("event_append")
		}
		return trade.SnapshotRecord{}, err
	}
	state.LastVer = applied.EventVer
	updatePriceQuantitySchedule(state, t)

	prevStatus := trade.Active
	prevUTI := ""
	if found {
		prevStatus = prevSnap.Status
		prevUTI = prevSnap.UTI
	}
	if uti == "" {
		uti = t.TradeID
	}
	changeType, changed := a.statusTransition(t, uti, prevStatus, prevUTI, found, state)

	state.PruneClosedLots()
	snap := trade.SnapshotRecord{
		PositionKey:           state.PositionKey,
		LastVer:               state.LastVer,
		UTI:                   state.UTI,
		Status:                state.Status,
		ReconciliationStatus:  recStatus,
		ProvisionalTradeID:    provisionalTradeID,
		TaxLotsCompressed:     snapshotcodec.Compress(state.OpenLots),
		SummaryMetrics:        summaryOf(state),
		PriceQuantitySchedule: state.PriceQuantitySchedule,
	}
	expectedVersion := int64(0)
	if found {
		expectedVersion = prevSnap.Version
	}
	saved, err := a.store.UpsertSnapshot(ctx, snap, expectedVersion)
	if err != nil {
		if errs.KindOf(err) == errs.KindOptimisticConflict {
			metrics.IncConcurrencyConflict("snapshot_upsert")
		}
		return trade.SnapshotRecord{}, err
	}

	if changed {
		if err := a.upi.Record(ctx, trade.UPIHistoryRecord{
			PositionKey:       state.PositionKey,
			UPI:                state.UTI,
			PreviousUPI:        prevUTI,
			Status:             state.Status,
			PreviousStatus:     prevStatus,
			ChangeType:         changeType,
			TriggeringTradeID:  t.TradeID,
			EffectiveDate:      t.EffectiveDateOrDefault(),
			OccurredAt:         time.Now().UTC(),
		}); err != nil {
			a.logger.Warn("upi history record failed", zap.Error(err))
		}
	}

	if err := a.idem.MarkProcessed(ctx, t.TradeID, state.PositionKey, state.LastVer); err != nil {
		a.logger.Warn("mark idempotency processed failed", zap.Error(err))
	}

	a.cache.Put(ctx, saved)
	metrics.SetOpenLots(state.PositionKey, state.LotCount())
	metrics.IncTradesApplied("hotpath", "applied")

	if err := a.publisher.Publish(ctx, a.cfg.TopicTradeApplied, saved); err != nil {
		a.logger.Warn("publish trade-applied failed", zap.Error(err))
	}
	if err := a.publisher.Publish(ctx, a.cfg.TopicRegulatorySubmissions, saved); err != nil {
		a.logger.Warn("publish regulatory mirror failed", zap.Error(err))
	}

	return saved, nil
}

func (a *Applier) statusTransition(t trade.TradeEvent, uti string, prevStatus trade.PositionStatus, prevUTI string, found bool, newState *trade.PositionState) (trade.UPIChangeType, bool) {
	newTotal := newState.TotalQty()
	switch {
	case !found:
		newState.Status = trade.Active
		newState.UTI = uti
		return trade.UPICreated, true
	case prevStatus == trade.Active && newTotal.IsZero():
		newState.Status = trade.Terminated
		newState.UTI = prevUTI
		return trade.UPITerminated, true
	case prevStatus == trade.Terminated && t.TradeType == trade.NewTrade:
		newState.Status = trade.Active
		newState.UTI = uti
		return trade.UPIReopened, true
	default:
		newState.Status = prevStatus
		newState.UTI = prevUTI
		return "", false
	}
}

func stateFromSnapshot(positionKey string, t trade.TradeEvent, snap trade.SnapshotRecord, found bool) (*trade.PositionState, error) {
	if !found {
		return &trade.PositionState{
			PositionKey:           positionKey,
			Account:                t.Account,
			Instrument:             t.Instrument,
			Currency:               t.Currency,
			Direction:              positionkey.DirectionFromQty(t.Quantity),
			PriceQuantitySchedule:  map[string]trade.PriceQuantityEntry{},
			Status:                 trade.Active,
		}, nil
	}
	lots, err := snapshotcodec.Inflate(snap.TaxLotsCompressed)
	if err != nil {
		return nil, errs.Wrap(errs.KindDataInvariant, "inflate snapshot lots", err)
	}
	sched := snap.PriceQuantitySchedule
	if sched == nil {
		sched = map[string]trade.PriceQuantityEntry{}
	}
	state := &trade.PositionState{
		PositionKey:            positionKey,
		Account:                 t.Account,
		Instrument:              t.Instrument,
		Currency:                t.Currency,
		LastVer:                 snap.LastVer,
		OpenLots:                lots,
		PriceQuantitySchedule:   sched,
		UTI:                     snap.UTI,
		Status:                  snap.Status,
	}
	state.Direction = deriveDirection(state, positionkey.DirectionFromQty(t.Quantity))
	return state, nil
}

func deriveDirection(s *trade.PositionState, fallback trade.Direction) trade.Direction {
	if len(s.OpenLots) > 0 {
		if s.OpenLots[0].OriginalQty.IsNegative() {
			return trade.Short
		}
		return trade.Long
	}
	return fallback
}

func cloneState(s *trade.PositionState) *trade.PositionState {
	lots := make([]trade.TaxLot, len(s.OpenLots))
	copy(lots, s.OpenLots)
	sched := make(map[string]trade.PriceQuantityEntry, len(s.PriceQuantitySchedule))
	for k, v := range s.PriceQuantitySchedule {
		sched[k] = v
	}
	return &trade.PositionState{
		PositionKey:           s.PositionKey,
		Account:                s.Account,
		Instrument:             s.Instrument,
		Currency:               s.Currency,
		Direction:              s.Direction,
		LastVer:                s.LastVer,
		OpenLots:               lots,
		PriceQuantitySchedule:  sched,
		UTI:                    s.UTI,
		Status:                 s.Status,
	}
}

func summaryOf(state *trade.PositionState) trade.SummaryMetrics {
	return trade.SummaryMetrics{
		TotalQty: state.TotalQty(),
		Exposure: state.Exposure(),
		LotCount: state.LotCount(),
	}
}

func eventTypeFor(tt trade.TradeType) trade.EventType {
	switch tt {
	case trade.Increase:
		return trade.EventIncrease
	case trade.Decrease:
		return trade.EventDecrease
	default:
		return trade.EventNewTrade
	}
}

func updatePriceQuantitySchedule(state *trade.PositionState, t trade.TradeEvent) {
	key := t.TradeDate.UTC().Format("2006-01-02")
	entry := state.PriceQuantitySchedule[key]
	prevQty := entry.EffectiveQty
	prevAvg := entry.WeightedAvgPrice
	newQty := prevQty.Add(t.Quantity)

	var newAvg decimal.Decimal
	switch {
	case newQty.IsZero():
		newAvg = decimal.Zero
	case prevQty.IsZero():
		newAvg = t.Price
	default:
		numerator := prevAvg.Mul(prevQty.Abs()).Add(t.Price.Mul(t.Quantity.Abs()))
		denom := prevQty.Abs().Add(t.Quantity.Abs())
		newAvg = moneymath.DivBankers(numerator, denom, moneymath.MinScale)
	}

	state.PriceQuantitySchedule[key] = trade.PriceQuantityEntry{
		SettlementDate:   t.SettlementDate,
		EffectiveQty:     newQty,
		SettledQty:       entry.SettledQty,
		WeightedAvgPrice: newAvg,
	}
}
