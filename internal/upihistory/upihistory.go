// Package upihistory audits position-identity lifecycle transitions (C10):
// append-only records of CREATED/TERMINATED/REOPENED/INVALIDATED/RESTORED/
// MERGED changes.
package upihistory

import (
	"context"
	"sync"

	"github.com/chidi150c/positionengine/internal/trade"
)

// Recorder appends UPI history rows. Never mutated once written.
type Recorder interface {
	Record(ctx context.Context, rec trade.UPIHistoryRecord) error
}

// MemRecorder is an in-memory Recorder for tests and local dev.
type MemRecorder struct {
	mu   sync.Mutex
	rows []trade.UPIHistoryRecord
}

func NewMemRecorder() *MemRecorder { return &MemRecorder{} }

func (r *MemRecorder) Record(_ context.Context, rec trade.UPIHistoryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rows = append(r.rows, rec)
	return nil
}

// All returns a snapshot copy of every recorded row, oldest first.
func (r *MemRecorder) All() []trade.UPIHistoryRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]trade.UPIHistoryRecord(nil), r.rows...)
}

// ForPositionKey filters All() to rows for a single position key.
func (r *MemRecorder) ForPositionKey(positionKey string) []trade.UPIHistoryRecord {
	var out []trade.UPIHistoryRecord
	for _, row := range r.All() {
		if row.PositionKey == positionKey {
			out = append(out, row)
		}
	}
	return out
}
