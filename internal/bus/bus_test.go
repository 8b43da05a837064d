package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNullPublisher_AlwaysSucceeds(t *testing.T) {
	var p NullPublisher
	err := p.Publish(context.Background(), "trades", map[string]string{"a": "b"})
	require.NoError(t, err)
}

func TestRecordingPublisher_CapturesEveryCall(t *testing.T) {
	p := &RecordingPublisher{}
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, "trades", "payload-1"))
	require.NoError(t, p.Publish(ctx, "trades.dlq", "payload-2"))

	require.Len(t, p.Published, 2)
	assert.Equal(t, "trades", p.Published[0].Subject)
	assert.Equal(t, "payload-1", p.Published[0].Value)
	assert.Equal(t, "trades.dlq", p.Published[1].Subject)
	assert.Equal(t, "payload-2", p.Published[1].Value)
}
