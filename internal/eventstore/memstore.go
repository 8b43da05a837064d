package eventstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chidi150c/positionengine/internal/errs"
	"github.com/chidi150c/positionengine/internal/trade"
)

// MemStore is an in-memory Store used by unit tests and local dev runs
// without a Postgres instance.
type MemStore struct {
	mu        sync.Mutex
	events    map[string][]trade.EventRecord
	snapshots map[string]trade.SnapshotRecord
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		events:    make(map[string][]trade.EventRecord),
		snapshots: make(map[string]trade.SnapshotRecord),
	}
}

func (m *MemStore) AppendEvent(_ context.Context, rec trade.EventRecord) (trade.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.events[rec.PositionKey]
	var maxVer int64
	for _, e := range existing {
		if e.EventVer > maxVer {
			maxVer = e.EventVer
		}
	}
	rec.EventVer = maxVer + 1
	m.events[rec.PositionKey] = append(existing, rec)
	return rec, nil
}

func (m *MemStore) LoadEvents(_ context.Context, positionKey string) ([]trade.EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]trade.EventRecord(nil), m.events[positionKey]...)
	sort.Slice(out, func(i, j int) bool { return out[i].EventVer < out[j].EventVer })
	return out, nil
}

func (m *MemStore) LoadEventsAsOf(ctx context.Context, positionKey string, asOf time.Time) ([]trade.EventRecord, error) {
	all, err := m.LoadEvents(ctx, positionKey)
	if err != nil {
		return nil, err
	}
	out := make([]trade.EventRecord, 0, len(all))
	for _, e := range all {
		if !e.EffectiveDate.After(asOf) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MemStore) GetSnapshot(_ context.Context, positionKey string) (trade.SnapshotRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snapshots[positionKey]
	return snap, ok, nil
}

func (m *MemStore) FindByUTI(_ context.Context, uti, excludePositionKey string) (string, bool, error) {
	if uti == "" {
		return "", false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, snap := range m.snapshots {
		if key == excludePositionKey {
			continue
		}
		if snap.UTI == uti {
			return key, true, nil
		}
	}
	return "", false, nil
}

func (m *MemStore) UpsertSnapshot(_ context.Context, snap trade.SnapshotRecord, expectedVersion int64) (trade.SnapshotRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.snapshots[snap.PositionKey]
	var currentVersion int64
	if ok {
		currentVersion = current.Version
	}
	if currentVersion != expectedVersion {
		return trade.SnapshotRecord{}, errs.Wrap(errs.KindOptimisticConflict, "snapshot version mismatch", nil)
	}
	snap.Version = expectedVersion + 1
	m.snapshots[snap.PositionKey] = snap
	return snap, nil
}
