package contractrules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chidi150c/positionengine/internal/trade"
)

func TestStatic_FallsBackToDefaultMethod(t *testing.T) {
	s := NewStatic(trade.LIFO)
	method, err := s.MethodFor(context.Background(), "unseeded-contract")
	require.NoError(t, err)
	assert.Equal(t, trade.LIFO, method)
}

func TestStatic_EmptyDefaultFallsBackToFIFO(t *testing.T) {
	s := NewStatic("")
	method, err := s.MethodFor(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, trade.FIFO, method)
}

func TestStatic_SeededContractOverridesDefault(t *testing.T) {
	s := NewStatic(trade.FIFO)
	s.Set("contract-a", trade.HIFO)

	method, err := s.MethodFor(context.Background(), "contract-a")
	require.NoError(t, err)
	assert.Equal(t, trade.HIFO, method)

	method, err = s.MethodFor(context.Background(), "contract-b")
	require.NoError(t, err)
	assert.Equal(t, trade.FIFO, method)
}

func TestCachedRedis_NoClientFallsThroughToUpstream(t *testing.T) {
	upstream := NewStatic(trade.LIFO)
	upstream.Set("contract-a", trade.HIFO)

	c := NewCachedRedis(upstream, nil, time.Minute)

	method, err := c.MethodFor(context.Background(), "contract-a")
	require.NoError(t, err)
	assert.Equal(t, trade.HIFO, method)

	method, err = c.MethodFor(context.Background(), "contract-b")
	require.NoError(t, err)
	assert.Equal(t, trade.LIFO, method)
}

func TestCachedRedis_EmptyContractIDShortCircuitsToFIFO(t *testing.T) {
	c := NewCachedRedis(NewStatic(trade.LIFO), nil, time.Minute)
	method, err := c.MethodFor(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, trade.FIFO, method)
}
