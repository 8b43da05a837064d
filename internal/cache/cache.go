// Package cache provides the advisory, lossy caches named in the
// concurrency model: a position-snapshot cache (cache.ttl, default 24h)
// and the contract-rules/entitlements caches live in their own packages.
// Every cache here must be treated as a hint — callers always fall back
// to eventstore/contractrules/entitlements on a miss.
package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chidi150c/positionengine/internal/trade"
)

// PositionSnapshotCache is the advisory cache keyed by position_key,
// put after a successful hotpath apply.
type PositionSnapshotCache interface {
	Get(ctx context.Context, positionKey string) (trade.SnapshotRecord, bool)
	Put(ctx context.Context, snap trade.SnapshotRecord)
	Invalidate(ctx context.Context, positionKey string)
}

// InMemory is a process-local PositionSnapshotCache, used where no Redis
// is configured (single-process dev/test runs).
type InMemory struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]inMemoryEntry
}

type inMemoryEntry struct {
	snap    trade.SnapshotRecord
	expires time.Time
}

func NewInMemory(ttl time.Duration) *InMemory {
	return &InMemory{ttl: ttl, entries: make(map[string]inMemoryEntry)}
}

func (c *InMemory) Get(_ context.Context, positionKey string) (trade.SnapshotRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[positionKey]
	if !ok || time.Now().After(e.expires) {
		return trade.SnapshotRecord{}, false
	}
	return e.snap, true
}

func (c *InMemory) Put(_ context.Context, snap trade.SnapshotRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[snap.PositionKey] = inMemoryEntry{snap: snap, expires: time.Now().Add(c.ttl)}
}

func (c *InMemory) Invalidate(_ context.Context, positionKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, positionKey)
}

// Redis is a PositionSnapshotCache backed by go-redis. Any Redis error is
// treated as a cache miss — the cache is advisory, never load-bearing.
type Redis struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, ttl: ttl}
}

func (c *Redis) key(positionKey string) string { return "position:snapshot:" + positionKey }

func (c *Redis) Get(ctx context.Context, positionKey string) (trade.SnapshotRecord, bool) {
	raw, err := c.rdb.Get(ctx, c.key(positionKey)).Bytes()
	if err != nil {
		return trade.SnapshotRecord{}, false
	}
	var snap trade.SnapshotRecord
	if err := json.Unmarshal(raw, &snap); err != nil {
		return trade.SnapshotRecord{}, false
	}
	return snap, true
}

func (c *Redis) Put(ctx context.Context, snap trade.SnapshotRecord) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	_ = c.rdb.Set(ctx, c.key(snap.PositionKey), raw, c.ttl).Err()
}

func (c *Redis) Invalidate(ctx context.Context, positionKey string) {
	_ = c.rdb.Del(ctx, c.key(positionKey)).Err()
}
