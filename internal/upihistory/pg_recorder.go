package upihistory

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chidi150c/positionengine/internal/errs"
	"github.com/chidi150c/positionengine/internal/trade"
)

// PgRecorder is the production Recorder backed by Postgres.
type PgRecorder struct {
	pool *pgxpool.Pool
}

func NewPgRecorder(pool *pgxpool.Pool) *PgRecorder {
	return &PgRecorder{pool: pool}
}

func (r *PgRecorder) Record(ctx context.Context, rec trade.UPIHistoryRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO upi_history (
			position_key, upi, previous_upi, status, previous_status, change_type,
			triggering_trade_id, backdated_trade_id, effective_date, occurred_at,
			merged_from_position_key, reason
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		rec.PositionKey, rec.UPI, nullableStr(rec.PreviousUPI), rec.Status, nullableStr(string(rec.PreviousStatus)),
		rec.ChangeType, rec.TriggeringTradeID, nullableStr(rec.BackdatedTradeID), rec.EffectiveDate, rec.OccurredAt,
		nullableStr(rec.MergedFromPositionKey), nullableStr(rec.Reason))
	if err != nil {
		return errs.Wrap(errs.KindDownstreamUnavail, "insert upi_history", err)
	}
	return nil
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
