// Package idempotency implements the at-most-once guard keyed by trade_id
// (C5): a PROCESSED row short-circuits retries; FAILED rows never block
// retry.
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/chidi150c/positionengine/internal/trade"
)

// Registry is the idempotency-table surface used by hotpath/coldpath.
type Registry interface {
	Get(ctx context.Context, tradeID string) (trade.IdempotencyRecord, bool, error)
	MarkProcessed(ctx context.Context, tradeID, positionKey string, eventVersion int64) error
	MarkFailed(ctx context.Context, tradeID, errMsg string) error
}

// MemRegistry is an in-memory Registry for tests and local dev.
type MemRegistry struct {
	mu   sync.Mutex
	rows map[string]trade.IdempotencyRecord
}

func NewMemRegistry() *MemRegistry {
	return &MemRegistry{rows: make(map[string]trade.IdempotencyRecord)}
}

func (r *MemRegistry) Get(_ context.Context, tradeID string) (trade.IdempotencyRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.rows[tradeID]
	return rec, ok, nil
}

func (r *MemRegistry) MarkProcessed(_ context.Context, tradeID, positionKey string, eventVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[tradeID] = trade.IdempotencyRecord{
		TradeID:      tradeID,
		PositionKey:  positionKey,
		EventVersion: eventVersion,
		Status:       trade.Processed,
		ProcessedAt:  time.Now().UTC(),
	}
	return nil
}

func (r *MemRegistry) MarkFailed(_ context.Context, tradeID, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows[tradeID] = trade.IdempotencyRecord{
		TradeID:      tradeID,
		Status:       trade.Failed,
		ProcessedAt:  time.Now().UTC(),
		ErrorMessage: errMsg,
	}
	return nil
}
