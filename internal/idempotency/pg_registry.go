package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chidi150c/positionengine/internal/errs"
	"github.com/chidi150c/positionengine/internal/trade"
)

// PgRegistry is the production Registry backed by Postgres.
type PgRegistry struct {
	pool *pgxpool.Pool
}

func NewPgRegistry(pool *pgxpool.Pool) *PgRegistry {
	return &PgRegistry{pool: pool}
}

func (r *PgRegistry) Get(ctx context.Context, tradeID string) (trade.IdempotencyRecord, bool, error) {
	var rec trade.IdempotencyRecord
	var positionKey, errMsg *string
	var eventVersion *int64
	rec.TradeID = tradeID

	err := r.pool.QueryRow(ctx, `
		SELECT position_key, event_version, status, processed_at, error_message
		FROM trade_idempotency WHERE trade_id = $1`, tradeID,
	).Scan(&positionKey, &eventVersion, &rec.Status, &rec.ProcessedAt, &errMsg)
	if errors.Is(err, pgx.ErrNoRows) {
		return trade.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return trade.IdempotencyRecord{}, false, errs.Wrap(errs.KindDownstreamUnavail, "query idempotency", err)
	}
	if positionKey != nil {
		rec.PositionKey = *positionKey
	}
	if eventVersion != nil {
		rec.EventVersion = *eventVersion
	}
	if errMsg != nil {
		rec.ErrorMessage = *errMsg
	}
	return rec, true, nil
}

func (r *PgRegistry) MarkProcessed(ctx context.Context, tradeID, positionKey string, eventVersion int64) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO trade_idempotency (trade_id, position_key, event_version, status, processed_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (trade_id) DO UPDATE SET
			position_key = EXCLUDED.position_key,
			event_version = EXCLUDED.event_version,
			status = EXCLUDED.status,
			processed_at = EXCLUDED.processed_at,
			error_message = NULL`,
		tradeID, positionKey, eventVersion, trade.Processed, time.Now().UTC())
	if err != nil {
		return errs.Wrap(errs.KindDownstreamUnavail, "mark processed", err)
	}
	return nil
}

func (r *PgRegistry) MarkFailed(ctx context.Context, tradeID, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO trade_idempotency (trade_id, status, processed_at, error_message)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (trade_id) DO UPDATE SET
			status = EXCLUDED.status,
			processed_at = EXCLUDED.processed_at,
			error_message = EXCLUDED.error_message`,
		tradeID, trade.Failed, time.Now().UTC(), errMsg)
	if err != nil {
		return errs.Wrap(errs.KindDownstreamUnavail, "mark failed", err)
	}
	return nil
}
