// Package contractrules resolves a contract's tax-lot method. Static falls
// back to its configured default method (FIFO when none is given) for an
// unseeded contract; CachedRedis returns FIFO for an empty contract_id or
// an upstream error.
package contractrules

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chidi150c/positionengine/internal/trade"
)

// Lookup resolves the tax-lot method configured for a contract.
type Lookup interface {
	MethodFor(ctx context.Context, contractID string) (trade.TaxLotMethod, error)
}

// Static is a fixed-map Lookup, useful for tests and small deployments
// where contract rules are seeded at startup rather than fetched remotely.
type Static struct {
	mu            sync.RWMutex
	methods       map[string]trade.TaxLotMethod
	defaultMethod trade.TaxLotMethod
}

// NewStatic builds an empty Static lookup that falls back to defaultMethod
// for any contract_id with no seeded rule (config's default_tax_lot_method).
func NewStatic(defaultMethod trade.TaxLotMethod) *Static {
	if defaultMethod == "" {
		defaultMethod = trade.FIFO
	}
	return &Static{methods: make(map[string]trade.TaxLotMethod), defaultMethod: defaultMethod}
}

func (s *Static) Set(contractID string, method trade.TaxLotMethod) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[contractID] = method
}

func (s *Static) MethodFor(_ context.Context, contractID string) (trade.TaxLotMethod, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if contractID == "" {
		return s.defaultMethod, nil
	}
	if m, ok := s.methods[contractID]; ok {
		return m, nil
	}
	return s.defaultMethod, nil
}

// CachedRedis wraps an upstream Lookup with a Redis-backed TTL cache, per
// cache.ttl in the documented configuration. A Redis miss or error falls
// back to calling upstream directly rather than failing the trade.
type CachedRedis struct {
	upstream Lookup
	rdb      *redis.Client
	ttl      time.Duration
}

func NewCachedRedis(upstream Lookup, rdb *redis.Client, ttl time.Duration) *CachedRedis {
	return &CachedRedis{upstream: upstream, rdb: rdb, ttl: ttl}
}

func (c *CachedRedis) MethodFor(ctx context.Context, contractID string) (trade.TaxLotMethod, error) {
	if contractID == "" {
		return trade.FIFO, nil
	}
	key := "contractrules:method:" + contractID
	if c.rdb != nil {
		if v, err := c.rdb.Get(ctx, key).Result(); err == nil && v != "" {
			return trade.TaxLotMethod(v), nil
		}
	}
	method, err := c.upstream.MethodFor(ctx, contractID)
	if err != nil {
		return trade.FIFO, nil
	}
	if c.rdb != nil {
		_ = c.rdb.Set(ctx, key, string(method), c.ttl).Err()
	}
	return method, nil
}
