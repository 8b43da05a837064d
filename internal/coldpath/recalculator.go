// Package coldpath implements the asynchronous chronological recalculator
// (C9): inject a backdated trade's event at its correct sort position,
// replay the whole stream from empty state, and atomically override the
// snapshot with the corrected result.
package coldpath

import (
	"context"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/chidi150c/positionengine/internal/bus"
	"github.com/chidi150c/positionengine/internal/cache"
	"github.com/chidi150c/positionengine/internal/config"
	"github.com/chidi150c/positionengine/internal/contractrules"
	"github.com/chidi150c/positionengine/internal/errs"
	"github.com/chidi150c/positionengine/internal/eventstore"
	"github.com/chidi150c/positionengine/internal/idempotency"
	"github.com/chidi150c/positionengine/internal/metrics"
	"github.com/chidi150c/positionengine/internal/snapshotcodec"
	"github.com/chidi150c/positionengine/internal/taxlot"
	"github.com/chidi150c/positionengine/internal/trade"
	"github.com/chidi150c/positionengine/internal/upihistory"
)

// Recalculator consumes one backdated trade at a time and brings its
// position key's snapshot back into agreement with a full chronological
// replay of the event stream.
type Recalculator struct {
	store     eventstore.Store
	idem      idempotency.Registry
	upi       upihistory.Recorder
	rules     contractrules.Lookup
	cache     cache.PositionSnapshotCache
	publisher bus.Publisher
	cfg       config.Config
	logger    *zap.Logger
}

// New builds a Recalculator from its collaborators.
func New(
	store eventstore.Store,
	idem idempotency.Registry,
	upi upihistory.Recorder,
	rules contractrules.Lookup,
	snapCache cache.PositionSnapshotCache,
	publisher bus.Publisher,
	cfg config.Config,
	logger *zap.Logger,
) *Recalculator {
	return &Recalculator{
		store:     store,
		idem:      idem,
		upi:       upi,
		rules:     rules,
		cache:     snapCache,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// correctedEvent is the payload published on historical-position-corrected-events.
type correctedEvent struct {
	PositionKey      string    `json:"position_key"`
	BackdatedTradeID string    `json:"backdated_trade_id"`
	PreviousVersion  int64     `json:"previous_version"`
	CorrectedVersion int64     `json:"corrected_version"`
	QtyDelta         string    `json:"qty_delta"`
	ExposureDelta    string    `json:"exposure_delta"`
	LotCountDelta    int       `json:"lot_count_delta"`
	CorrectedAt      time.Time `json:"corrected_at"`
}

// Recalculate injects t into its position key's event stream (if not
// already present), replays the full stream in chronological order, and
// compare-and-sets the corrected snapshot.
func (r *Recalculator) Recalculate(ctx context.Context, t trade.TradeEvent) error {
	start := time.Now()
	defer func() { metrics.ColdpathLatency.Observe(time.Since(start).Seconds()) }()

	positionKey := t.PositionKey
	if positionKey == "" {
		return errs.New(errs.KindValidation, "backdated trade missing position_key")
	}

	if err := r.injectEvent(ctx, positionKey, t); err != nil {
		return err
	}

	events, err := r.store.LoadEvents(ctx, positionKey)
	if err != nil {
		return errs.Wrap(errs.KindDownstreamUnavail, "reload events for replay", err)
	}
	sortForReplay(events)

	replayed, err := r.replay(ctx, events)
	if err != nil {
		return err
	}

	prevSnap, found, err := r.store.GetSnapshot(ctx, positionKey)
	if err != nil {
		return errs.Wrap(errs.KindDownstreamUnavail, "load current snapshot", err)
	}
	prevSummary := trade.SummaryMetrics{}
	prevVersion := int64(0)
	if found {
		prevSummary = prevSnap.SummaryMetrics
		prevVersion = prevSnap.Version
	}

	corrected := trade.SnapshotRecord{
		PositionKey:           positionKey,
		LastVer:               int64(len(events)),
		UTI:                   replayed.UTI,
		Status:                replayed.Status,
		ReconciliationStatus:  trade.Reconciled,
		TaxLotsCompressed:     snapshotcodec.Compress(replayed.OpenLots),
		SummaryMetrics:        summaryOf(replayed),
		PriceQuantitySchedule: replayed.PriceQuantitySchedule,
	}

	saved, err := r.compareAndSetWithRetry(ctx, corrected, prevVersion)
	if err != nil {
		return err
	}

	if err := r.idem.MarkProcessed(ctx, t.TradeID, positionKey, saved.LastVer); err != nil {
		r.logger.Warn("mark idempotency processed (coldpath) failed", zap.Error(err))
	}

	r.cache.Put(ctx, saved)
	metrics.IncTradesApplied("coldpath", "corrected")

	delta := correctedEvent{
		PositionKey:      positionKey,
		BackdatedTradeID: t.TradeID,
		PreviousVersion:  prevVersion,
		CorrectedVersion: saved.Version,
		QtyDelta:         saved.SummaryMetrics.TotalQty.Sub(prevSummary.TotalQty).String(),
		ExposureDelta:    saved.SummaryMetrics.Exposure.Sub(prevSummary.Exposure).String(),
		LotCountDelta:    saved.SummaryMetrics.LotCount - prevSummary.LotCount,
		CorrectedAt:      time.Now().UTC(),
	}
	if err := r.publisher.Publish(ctx, r.cfg.TopicHistoricalPositionCorrected, delta); err != nil {
		r.logger.Warn("publish historical correction event failed", zap.Error(err))
	}
	if err := r.publisher.Publish(ctx, r.cfg.TopicRegulatorySubmissions, delta); err != nil {
		r.logger.Warn("publish regulatory mirror failed", zap.Error(err))
	}

	r.detectMerge(ctx, positionKey, replayed.UTI, t)
	return nil
}

// injectEvent appends t's event at the next free version unless an event
// carrying the same trade_id already exists in the stream (idempotent
// injection). Backdated events are stamped occurred_at at effective-date
// midnight UTC so they sort before same-date current events on replay.
func (r *Recalculator) injectEvent(ctx context.Context, positionKey string, t trade.TradeEvent) error {
	events, err := r.store.LoadEvents(ctx, positionKey)
	if err != nil {
		return errs.Wrap(errs.KindDownstreamUnavail, "load events for injection check", err)
	}
	for _, e := range events {
		if e.Payload.TradeID == t.TradeID {
			return nil
		}
	}

	occurredAt := time.Now().UTC()
	effective := t.EffectiveDateOrDefault()
	if effective.Before(occurredAt) {
		occurredAt = time.Date(effective.Year(), effective.Month(), effective.Day(), 0, 0, 0, 0, time.UTC)
	}

	rec := trade.EventRecord{
		PositionKey:   positionKey,
		EventType:     eventTypeFor(t.TradeType),
		EffectiveDate: effective,
		OccurredAt:    occurredAt,
		Payload:       t,
		CorrelationID: t.CorrelationID,
		CausationID:   t.CausationID,
		ContractID:    t.ContractID,
	}
	if _, err := r.store.AppendEvent(ctx, rec); err != nil {
		return errs.Wrap(errs.KindDownstreamUnavail, "append injected event", err)
	}
	return nil
}

// PositionAsOf reconstructs positionKey's state using only events with
// effective_date <= asOf (the event log's documented as-of read), without
// touching the stored snapshot. Used by the read-only position-history
// admin endpoint, not by the hotpath/coldpath apply sequence itself.
func (r *Recalculator) PositionAsOf(ctx context.Context, positionKey string, asOf time.Time) (*trade.PositionState, error) {
	events, err := r.store.LoadEventsAsOf(ctx, positionKey, asOf)
	if err != nil {
		return nil, errs.Wrap(errs.KindDownstreamUnavail, "load events as of", err)
	}
	sortForReplay(events)
	return r.replay(ctx, events)
}

func sortForReplay(events []trade.EventRecord) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.EffectiveDate.Equal(b.EffectiveDate) {
			return a.EffectiveDate.Before(b.EffectiveDate)
		}
		if !a.OccurredAt.Equal(b.OccurredAt) {
			return a.OccurredAt.Before(b.OccurredAt)
		}
		return a.EventVer < b.EventVer
	})
}

// replay rebuilds a PositionState from empty by applying every event in
// replay order through the pure tax-lot engine, tracking UTI/status
// transitions the same way the hotpath applier's status machine does.
// The price/quantity schedule keeps the latest trade's price per date
// rather than the hotpath's weighted average. A DECREASE that overflows
// the open lots closes all of them; the overflow is not carried to an
// opposite-direction position key (no sign-change split on replay).
func (r *Recalculator) replay(ctx context.Context, events []trade.EventRecord) (*trade.PositionState, error) {
	if len(events) == 0 {
		return &trade.PositionState{PriceQuantitySchedule: map[string]trade.PriceQuantityEntry{}}, nil
	}

	state := &trade.PositionState{
		PositionKey:           events[0].PositionKey,
		Account:                events[0].Payload.Account,
		Instrument:             events[0].Payload.Instrument,
		Currency:               events[0].Payload.Currency,
		PriceQuantitySchedule:  map[string]trade.PriceQuantityEntry{},
	}

	for _, ev := range events {
		t := ev.Payload
		method, err := r.rules.MethodFor(ctx, t.ContractID)
		if err != nil {
			method = trade.FIFO
		}

		switch ev.EventType {
		case trade.EventNewTrade, trade.EventIncrease:
			if _, err := taxlot.AddLot(state, t.Quantity, t.Price, t.TradeDate, t.SettlementDate); err != nil {
				return nil, errs.Wrap(errs.KindDataInvariant, "replay add lot", err)
			}
		case trade.EventDecrease:
			if _, err := taxlot.ReduceLots(state, t.Quantity.Abs(), method, t.Price); err != nil {
				if errs.KindOf(err) == errs.KindNoOpenLots {
					continue
				}
				return nil, errs.Wrap(errs.KindDataInvariant, "replay reduce lots", err)
			}
		default:
			continue
		}

		updateScheduleOnReplay(state, t)

		wasActive := state.Status == trade.Active
		switch {
		case state.UTI == "":
			state.UTI = t.TradeID
			state.Status = trade.Active
		case wasActive && state.TotalQty().IsZero():
			state.Status = trade.Terminated
		case state.Status == trade.Terminated && ev.EventType == trade.EventNewTrade:
			state.Status = trade.Active
			state.UTI = t.TradeID
		}
		state.PruneClosedLots()
	}
	return state, nil
}

func updateScheduleOnReplay(state *trade.PositionState, t trade.TradeEvent) {
	key := t.TradeDate.UTC().Format("2006-01-02")
	entry := state.PriceQuantitySchedule[key]
	state.PriceQuantitySchedule[key] = trade.PriceQuantityEntry{
		SettlementDate:   t.SettlementDate,
		EffectiveQty:     entry.EffectiveQty.Add(t.Quantity),
		SettledQty:       entry.SettledQty,
		WeightedAvgPrice: t.Price,
	}
}

// compareAndSetWithRetry upserts corrected under optimistic concurrency,
// reloading and retrying up to coldpath.max_attempts times with a
// 100ms*attempt backoff on optimistic conflict.
func (r *Recalculator) compareAndSetWithRetry(ctx context.Context, corrected trade.SnapshotRecord, expectedVersion int64) (trade.SnapshotRecord, error) {
	var result trade.SnapshotRecord
	attempt := 0
	op := func() error {
		attempt++
		expected := expectedVersion
		if attempt > 1 {
			if latest, latestFound, err := r.store.GetSnapshot(ctx, corrected.PositionKey); err == nil && latestFound {
				expected = latest.Version
			}
		}
		saved, err := r.store.UpsertSnapshot(ctx, corrected, expected)
		if err != nil {
			if errs.KindOf(err) == errs.KindOptimisticConflict {
				metrics.IncConcurrencyConflict("snapshot_upsert")
				return err
			}
			return backoff.Permanent(err)
		}
		result = saved
		return nil
	}

	maxRetries := r.cfg.ColdpathMaxAttempts - 1
	if maxRetries < 0 {
		maxRetries = 0
	}
	bo := backoff.WithContext(&linearBackoff{unit: r.cfg.ColdpathBackoffUnit}, ctx)
	bo2 := backoff.WithMaxRetries(bo, uint64(maxRetries))

	if err := backoff.Retry(op, bo2); err != nil {
		return trade.SnapshotRecord{}, errs.Wrap(errs.KindSystemUnavailable, "coldpath compare-and-set exhausted retries", err)
	}
	return result, nil
}

// linearBackoff implements 100ms * attempt per the coldpath.backoff_ms
// configuration (a plain exponential/constant backoff from the library
// doesn't express this linear growth).
type linearBackoff struct {
	unit    time.Duration
	attempt int
}

func (b *linearBackoff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.unit
}

func (b *linearBackoff) Reset() { b.attempt = 0 }

// detectMerge implements the merge-detection condition: after correction
// the position's UTI matches the current UTI of another position key.
// The store indexes snapshots by uti (position_snapshots_by_uti) so
// this lookup doesn't need to scan every key.
func (r *Recalculator) detectMerge(ctx context.Context, positionKey, uti string, t trade.TradeEvent) {
	if uti == "" {
		return
	}
	other, found, err := r.store.FindByUTI(ctx, uti, positionKey)
	if err != nil {
		r.logger.Warn("find by uti for merge detection failed", zap.Error(err))
		return
	}
	if !found {
		return
	}
	if err := r.upi.Record(ctx, trade.UPIHistoryRecord{
		PositionKey:           positionKey,
		UPI:                   uti,
		Status:                trade.Active,
		ChangeType:            trade.UPIMerged,
		TriggeringTradeID:     t.TradeID,
		BackdatedTradeID:      t.TradeID,
		EffectiveDate:         t.EffectiveDateOrDefault(),
		OccurredAt:            time.Now().UTC(),
		MergedFromPositionKey: other,
		Reason:                "uti collision detected during coldpath recalculation",
	}); err != nil {
		r.logger.Warn("upi merge history record failed", zap.Error(err))
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
