package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	var got [][]byte
	unsubscribe, err := b.Subscribe("topic-a", func(payload []byte) {
		got = append(got, payload)
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "topic-a", []byte("one")))
	require.NoError(t, b.Publish(ctx, "topic-a", []byte("two")))

	// Other topics stay silent.
	require.NoError(t, b.Publish(ctx, "topic-b", []byte("stray")))

	require.Len(t, got, 2)
	assert.Equal(t, "one", string(got[0]))
	assert.Equal(t, "two", string(got[1]))

	unsubscribe()
	require.NoError(t, b.Publish(ctx, "topic-a", []byte("three")))
	assert.Len(t, got, 2)
}

func TestMemoryBusMultipleSubscribers(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	first, second := 0, 0
	_, err := b.Subscribe("topic", func([]byte) { first++ })
	require.NoError(t, err)
	unsub, err := b.Subscribe("topic", func([]byte) { second++ })
	require.NoError(t, err)

	require.NoError(t, b.Publish(ctx, "topic", []byte("x")))
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)

	unsub()
	require.NoError(t, b.Publish(ctx, "topic", []byte("y")))
	assert.Equal(t, 2, first)
	assert.Equal(t, 1, second)
}

func TestMemoryBusUnsubscribeIdempotent(t *testing.T) {
	b := NewMemoryBus()

	unsub, err := b.Subscribe("topic", func([]byte) {})
	require.NoError(t, err)

	unsub()
	unsub() // second call must be harmless
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	calls := 0
	_, err := b.Subscribe("topic", func([]byte) { calls++ })
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Publish(ctx, "topic", []byte("x")))
	assert.Zero(t, calls)

	// Subscriptions after close are inert.
	unsub, err := b.Subscribe("topic", func([]byte) { calls++ })
	require.NoError(t, err)
	unsub()
	require.NoError(t, b.Publish(ctx, "topic", []byte("x")))
	assert.Zero(t, calls)
}
