// Package eventstore defines the append-only event log and snapshot table
// (C4): composite primary key (position_key, event_ver) on events,
// optimistic-locked upsert on the single-row-per-key snapshot table.
package eventstore

import (
	"context"
	"time"

	"github.com/chidi150c/positionengine/internal/trade"
)

// Store is the persistence surface the hotpath/coldpath components use.
// Implementations: pgstore (production, Postgres via pgx) and memstore
// (tests, local dev — no external dependency).
type Store interface {
	// AppendEvent assigns event_ver = max(event_ver|position_key)+1 within
	// a single transaction and inserts the row. A concurrent writer racing
	// for the same next version surfaces as errs.KindConcurrencyConflict.
	AppendEvent(ctx context.Context, rec trade.EventRecord) (trade.EventRecord, error)

	// LoadEvents returns all events for positionKey ordered by event_ver asc.
	LoadEvents(ctx context.Context, positionKey string) ([]trade.EventRecord, error)

	// LoadEventsAsOf returns events with effective_date <= asOf, ordered by
	// event_ver asc.
	LoadEventsAsOf(ctx context.Context, positionKey string, asOf time.Time) ([]trade.EventRecord, error)

	// GetSnapshot returns the snapshot row, or found=false if none exists.
	GetSnapshot(ctx context.Context, positionKey string) (snap trade.SnapshotRecord, found bool, err error)

	// UpsertSnapshot writes snap under optimistic concurrency: expectedVersion
	// must match the currently-stored version (0 for "doesn't exist yet").
	// On success the returned record's Version is incremented by one. A
	// mismatch surfaces as errs.KindOptimisticConflict.
	UpsertSnapshot(ctx context.Context, snap trade.SnapshotRecord, expectedVersion int64) (trade.SnapshotRecord, error)

	// FindByUTI returns the position_key of a snapshot carrying uti, other
	// than excludePositionKey, if one exists. Used for merge detection: two
	// independently-created position keys whose snapshots carry the same
	// UTI are a merge candidate.
	FindByUTI(ctx context.Context, uti, excludePositionKey string) (positionKey string, found bool, err error)
}
