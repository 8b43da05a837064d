package entitlements

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubService struct {
	allowed bool
	err     error
	calls   int
}

func (s *stubService) HasEntitlement(context.Context, string, string) (bool, error) {
	s.calls++
	return s.allowed, s.err
}

func (s *stubService) HasAccountAccess(context.Context, string, string) (bool, error) {
	s.calls++
	return s.allowed, s.err
}

func TestCachingFailClosed_GrantsOnUpstreamAllow(t *testing.T) {
	stub := &stubService{allowed: true}
	c := NewCachingFailClosed(stub, time.Minute)

	ok, err := c.HasEntitlement(context.Background(), "user-1", "close_position")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCachingFailClosed_DeniesOnUpstreamError(t *testing.T) {
	stub := &stubService{allowed: true, err: errors.New("iam unreachable")}
	c := NewCachingFailClosed(stub, time.Minute)

	ok, err := c.HasEntitlement(context.Background(), "user-1", "close_position")
	require.NoError(t, err)
	assert.False(t, ok, "upstream error must fail closed, not surface as an error")
}

func TestCachingFailClosed_DeniesWithNoUpstream(t *testing.T) {
	c := NewCachingFailClosed(nil, time.Minute)
	ok, err := c.HasAccountAccess(context.Background(), "user-1", "acct-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCachingFailClosed_CachesAllowedAnswer(t *testing.T) {
	stub := &stubService{allowed: true}
	c := NewCachingFailClosed(stub, time.Minute)

	_, err := c.HasEntitlement(context.Background(), "user-1", "close_position")
	require.NoError(t, err)
	_, err = c.HasEntitlement(context.Background(), "user-1", "close_position")
	require.NoError(t, err)

	assert.Equal(t, 1, stub.calls, "second call within ttl must hit the cache")
}

func TestCachingFailClosed_CacheExpiresAfterTTL(t *testing.T) {
	stub := &stubService{allowed: true}
	c := NewCachingFailClosed(stub, time.Millisecond)

	_, err := c.HasEntitlement(context.Background(), "user-1", "close_position")
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = c.HasEntitlement(context.Background(), "user-1", "close_position")
	require.NoError(t, err)

	assert.Equal(t, 2, stub.calls, "expired entry must re-query upstream")
}

func TestAllowAll_AlwaysGrants(t *testing.T) {
	a := AllowAll{}
	ok, err := a.HasEntitlement(context.Background(), "anyone", "anything")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.HasAccountAccess(context.Background(), "anyone", "anything")
	require.NoError(t, err)
	assert.True(t, ok)
}
