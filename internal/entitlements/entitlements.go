// Package entitlements is the IAM/entitlements external collaborator
// contract: hasEntitlement(user_id, function), hasAccountAccess(user_id,
// account). Fails closed in production — an upstream error denies access
// rather than granting it.
package entitlements

import (
	"context"
	"sync"
	"time"
)

// Service is the entitlements surface the engine calls before admin-level
// operations (not on the hotpath trade-apply flow itself, which is
// system-to-system and pre-authorized at the transport layer).
type Service interface {
	HasEntitlement(ctx context.Context, userID, function string) (bool, error)
	HasAccountAccess(ctx context.Context, userID, account string) (bool, error)
}

// cacheEntry is a single TTL-bound cached answer.
type cacheEntry struct {
	allowed bool
	expires time.Time
}

// CachingFailClosed wraps an upstream Service with an iam.cache.ttl TTL
// cache (default 5m) and fails closed: any upstream error, or a cold cache
// with no upstream configured, denies access.
type CachingFailClosed struct {
	upstream Service
	ttl      time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

func NewCachingFailClosed(upstream Service, ttl time.Duration) *CachingFailClosed {
	return &CachingFailClosed{upstream: upstream, ttl: ttl, cache: make(map[string]cacheEntry)}
}

func (c *CachingFailClosed) HasEntitlement(ctx context.Context, userID, function string) (bool, error) {
	return c.check(ctx, "ent:"+userID+":"+function, func() (bool, error) {
		return c.upstream.HasEntitlement(ctx, userID, function)
	})
}

func (c *CachingFailClosed) HasAccountAccess(ctx context.Context, userID, account string) (bool, error) {
	return c.check(ctx, "acct:"+userID+":"+account, func() (bool, error) {
		return c.upstream.HasAccountAccess(ctx, userID, account)
	})
}

func (c *CachingFailClosed) check(_ context.Context, key string, call func() (bool, error)) (bool, error) {
	c.mu.Lock()
	if entry, ok := c.cache[key]; ok && time.Now().Before(entry.expires) {
		c.mu.Unlock()
		return entry.allowed, nil
	}
	c.mu.Unlock()

	if c.upstream == nil {
		return false, nil
	}
	allowed, err := call()
	if err != nil {
		return false, nil // fail closed
	}
	c.mu.Lock()
	c.cache[key] = cacheEntry{allowed: allowed, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return allowed, nil
}

// AllowAll is a permissive stub Service for local dev and tests.
type AllowAll struct{}

func (AllowAll) HasEntitlement(context.Context, string, string) (bool, error)  { return true, nil }
func (AllowAll) HasAccountAccess(context.Context, string, string) (bool, error) { return true, nil }
