package eventstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/chidi150c/positionengine/internal/errs"
	"github.com/chidi150c/positionengine/internal/trade"
)

//go:embed schema.sql
var Schema string

// PgStore is the production Store backed by Postgres via pgx.
type PgStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPgStore wraps an already-configured pgxpool.Pool.
func NewPgStore(pool *pgxpool.Pool, logger *zap.Logger) *PgStore {
	return &PgStore{pool: pool, logger: logger}
}

// Migrate applies schema.sql. Intended for the `positionengine migrate`
// admin subcommand, not for the hot path.
func (s *PgStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	if err != nil {
		return errs.Wrap(errs.KindDownstreamUnavail, "apply schema", err)
	}
	return nil
}

func (s *PgStore) AppendEvent(ctx context.Context, rec trade.EventRecord) (trade.EventRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return trade.EventRecord{}, errs.Wrap(errs.KindDownstreamUnavail, "begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize next-version assignment per position key so two writers
	// racing for the same next event_ver don't both attempt the same insert.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, rec.PositionKey); err != nil {
		return trade.EventRecord{}, errs.Wrap(errs.KindDownstreamUnavail, "advisory lock", err)
	}

	var maxVer int64
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE(MAX(event_ver), 0) FROM position_events WHERE position_key = $1`,
		rec.PositionKey,
	).Scan(&maxVer); err != nil {
		return trade.EventRecord{}, errs.Wrap(errs.KindDownstreamUnavail, "select max event_ver", err)
	}
	rec.EventVer = maxVer + 1

	payloadJSON, err := json.Marshal(rec.Payload)
	if err != nil {
		return trade.EventRecord{}, errs.Wrap(errs.KindSerialization, "marshal payload", err)
	}
	metaJSON, err := json.Marshal(rec.MetaLots)
	if err != nil {
		return trade.EventRecord{}, errs.Wrap(errs.KindSerialization, "marshal meta_lots", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO position_events (
			position_key, event_ver, event_type, effective_date, occurred_at,
			payload, meta_lots, correlation_id, causation_id, contract_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.PositionKey, rec.EventVer, rec.EventType, rec.EffectiveDate, rec.OccurredAt,
		payloadJSON, metaJSON, nullableStr(rec.CorrelationID), nullableStr(rec.CausationID), nullableStr(rec.ContractID),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return trade.EventRecord{}, errs.Wrap(errs.KindConcurrencyConflict, "event_ver collision", err)
		}
		return trade.EventRecord{}, errs.Wrap(errs.KindDownstreamUnavail, "insert event", err)
	}

	if err := tx.Commit(ctx); err != nil {
		if isUniqueViolation(err) {
			return trade.EventRecord{}, errs.Wrap(errs.KindConcurrencyConflict, "event_ver collision on commit", err)
		}
		return trade.EventRecord{}, errs.Wrap(errs.KindDownstreamUnavail, "commit tx", err)
	}
	return rec, nil
}

func (s *PgStore) LoadEvents(ctx context.Context, positionKey string) ([]trade.EventRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_ver, event_type, effective_date, occurred_at, payload, meta_lots,
		       COALESCE(correlation_id, ''), COALESCE(causation_id, ''), COALESCE(contract_id, '')
		FROM position_events
		WHERE position_key = $1
		ORDER BY event_ver ASC`, positionKey)
	if err != nil {
		return nil, errs.Wrap(errs.KindDownstreamUnavail, "query events", err)
	}
	defer rows.Close()
	return scanEvents(rows, positionKey)
}

func (s *PgStore) LoadEventsAsOf(ctx context.Context, positionKey string, asOf time.Time) ([]trade.EventRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT event_ver, event_type, effective_date, occurred_at, payload, meta_lots,
		       COALESCE(correlation_id, ''), COALESCE(causation_id, ''), COALESCE(contract_id, '')
		FROM position_events
		WHERE position_key = $1 AND effective_date <= $2
		ORDER BY event_ver ASC`, positionKey, asOf)
	if err != nil {
		return nil, errs.Wrap(errs.KindDownstreamUnavail, "query events as-of", err)
	}
	defer rows.Close()
	return scanEvents(rows, positionKey)
}

func scanEvents(rows pgx.Rows, positionKey string) ([]trade.EventRecord, error) {
	var out []trade.EventRecord
	for rows.Next() {
		var rec trade.EventRecord
		var payloadJSON, metaJSON []byte
		rec.PositionKey = positionKey
		if err := rows.Scan(&rec.EventVer, &rec.EventType, &rec.EffectiveDate, &rec.OccurredAt,
			&payloadJSON, &metaJSON, &rec.CorrelationID, &rec.CausationID, &rec.ContractID); err != nil {
			return nil, errs.Wrap(errs.KindDownstreamUnavail, "scan event row", err)
		}
		if err := json.Unmarshal(payloadJSON, &rec.Payload); err != nil {
			return nil, errs.Wrap(errs.KindSerialization, "unmarshal stored event payload", err)
		}
		if err := json.Unmarshal(metaJSON, &rec.MetaLots); err != nil {
			return nil, errs.Wrap(errs.KindSerialization, "unmarshal stored event meta_lots", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.KindDownstreamUnavail, "iterate event rows", err)
	}
	return out, nil
}

func (s *PgStore) GetSnapshot(ctx context.Context, positionKey string) (trade.SnapshotRecord, bool, error) {
	var snap trade.SnapshotRecord
	var lotsJSON, summaryJSON, scheduleJSON []byte
	snap.PositionKey = positionKey

	err := s.pool.QueryRow(ctx, `
		SELECT last_ver, uti, status, reconciliation_status, COALESCE(provisional_trade_id, ''),
		       tax_lots_compressed, summary_metrics, price_quantity_schedule, version, last_updated_at
		FROM position_snapshots WHERE position_key = $1`, positionKey,
	).Scan(&snap.LastVer, &snap.UTI, &snap.Status, &snap.ReconciliationStatus, &snap.ProvisionalTradeID,
		&lotsJSON, &summaryJSON, &scheduleJSON, &snap.Version, &snap.LastUpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return trade.SnapshotRecord{}, false, nil
	}
	if err != nil {
		return trade.SnapshotRecord{}, false, errs.Wrap(errs.KindDownstreamUnavail, "query snapshot", err)
	}

	if err := json.Unmarshal(lotsJSON, &snap.TaxLotsCompressed); err != nil {
		return trade.SnapshotRecord{}, false, errs.Wrap(errs.KindSerialization, "unmarshal tax_lots_compressed", err)
	}
	if err := json.Unmarshal(summaryJSON, &snap.SummaryMetrics); err != nil {
		return trade.SnapshotRecord{}, false, errs.Wrap(errs.KindSerialization, "unmarshal summary_metrics", err)
	}
	if err := json.Unmarshal(scheduleJSON, &snap.PriceQuantitySchedule); err != nil {
		return trade.SnapshotRecord{}, false, errs.Wrap(errs.KindSerialization, "unmarshal price_quantity_schedule", err)
	}
	return snap, true, nil
}

func (s *PgStore) FindByUTI(ctx context.Context, uti, excludePositionKey string) (string, bool, error) {
	if uti == "" {
		return "", false, nil
	}
	var positionKey string
	err := s.pool.QueryRow(ctx, `
		SELECT position_key FROM position_snapshots
		WHERE uti = $1 AND position_key != $2
		LIMIT 1`, uti, excludePositionKey,
	).Scan(&positionKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Wrap(errs.KindDownstreamUnavail, "query snapshot by uti", err)
	}
	return positionKey, true, nil
}

func (s *PgStore) UpsertSnapshot(ctx context.Context, snap trade.SnapshotRecord, expectedVersion int64) (trade.SnapshotRecord, error) {
	lotsJSON, err := json.Marshal(snap.TaxLotsCompressed)
	if err != nil {
		return trade.SnapshotRecord{}, errs.Wrap(errs.KindSerialization, "marshal tax_lots_compressed", err)
	}
	summaryJSON, err := json.Marshal(snap.SummaryMetrics)
	if err != nil {
		return trade.SnapshotRecord{}, errs.Wrap(errs.KindSerialization, "marshal summary_metrics", err)
	}
	scheduleJSON, err := json.Marshal(snap.PriceQuantitySchedule)
	if err != nil {
		return trade.SnapshotRecord{}, errs.Wrap(errs.KindSerialization, "marshal price_quantity_schedule", err)
	}

	snap.Version = expectedVersion + 1
	snap.LastUpdatedAt = time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return trade.SnapshotRecord{}, errs.Wrap(errs.KindDownstreamUnavail, "begin tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var tag pgconn.CommandTag
	if expectedVersion == 0 {
		tag, err = tx.Exec(ctx, `
			INSERT INTO position_snapshots (
				position_key, last_ver, uti, status, reconciliation_status, provisional_trade_id,
				tax_lots_compressed, summary_metrics, price_quantity_schedule, version, last_updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (position_key) DO NOTHING`,
			snap.PositionKey, snap.LastVer, snap.UTI, snap.Status, snap.ReconciliationStatus,
			nullableStr(snap.ProvisionalTradeID), lotsJSON, summaryJSON, scheduleJSON, snap.Version, snap.LastUpdatedAt)
	} else {
		tag, err = tx.Exec(ctx, `
			UPDATE position_snapshots SET
				last_ver = $2, uti = $3, status = $4, reconciliation_status = $5,
				provisional_trade_id = $6, tax_lots_compressed = $7, summary_metrics = $8,
				price_quantity_schedule = $9, version = $10, last_updated_at = $11
			WHERE position_key = $1 AND version = $12`,
			snap.PositionKey, snap.LastVer, snap.UTI, snap.Status, snap.ReconciliationStatus,
			nullableStr(snap.ProvisionalTradeID), lotsJSON, summaryJSON, scheduleJSON, snap.Version, snap.LastUpdatedAt,
			expectedVersion)
	}
	if err != nil {
		return trade.SnapshotRecord{}, errs.Wrap(errs.KindDownstreamUnavail, "upsert snapshot", err)
	}
	if tag.RowsAffected() == 0 {
		return trade.SnapshotRecord{}, errs.Wrap(errs.KindOptimisticConflict, "snapshot version mismatch", nil)
	}

	if err := tx.Commit(ctx); err != nil {
		return trade.SnapshotRecord{}, errs.Wrap(errs.KindDownstreamUnavail, "commit tx", err)
	}
	return snap, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
