package transport

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"psync/internal/psync"
)

func TestMemory_PublishSubscribe(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), "psync::policy")
	require.NoError(t, err)
	defer sub.Close()

	err = bus.Publish(context.Background(), "psync::policy", []byte("r1"))
	require.NoError(t, err)

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "psync::policy", msg.Channel)
		assert.Equal(t, []byte("r1"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}
}

func TestMemory_ChannelIsolation(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), "psync::policy")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, bus.Publish(context.Background(), "psync::data", []byte("other")))

	select {
	case msg := <-sub.Messages():
		t.Fatalf("unexpected delivery from channel %s", msg.Channel)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemory_FanOutToAllSubscribers(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()

	a, err := bus.Subscribe(context.Background(), "psync::policy")
	require.NoError(t, err)
	b, err := bus.Subscribe(context.Background(), "psync::policy")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "psync::policy", []byte("r1")))

	for _, sub := range []psync.Subscription{a, b} {
		select {
		case msg := <-sub.Messages():
			assert.Equal(t, []byte("r1"), msg.Payload)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the broadcast")
		}
	}
}

func TestMemory_OrderPreserved(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), "psync::policy")
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(context.Background(), "psync::policy", []byte(fmt.Sprintf("r%d", i))))
	}

	for i := 0; i < 10; i++ {
		select {
		case msg := <-sub.Messages():
			assert.Equal(t, fmt.Sprintf("r%d", i), string(msg.Payload))
		case <-time.After(time.Second):
			t.Fatal("delivery stalled")
		}
	}
}

func TestMemory_OverflowSignalsResync(t *testing.T) {
	bus := NewMemory()
	defer bus.Close()

	sub, err := bus.Subscribe(context.Background(), "psync::policy")
	require.NoError(t, err)

	// Fill the buffer without consuming, then push one more.
	for i := 0; i <= memorySubscriptionBuffer; i++ {
		require.NoError(t, bus.Publish(context.Background(), "psync::policy", []byte("x")))
	}

	select {
	case <-sub.Resync():
	case <-time.After(time.Second):
		t.Fatal("overflow did not raise a resync signal")
	}
}

func TestMemory_PublishAfterCloseFails(t *testing.T) {
	bus := NewMemory()
	require.NoError(t, bus.Close())

	err := bus.Publish(context.Background(), "psync::policy", []byte("r1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, psync.ErrTransportUnavailable)
}

func TestMemory_CloseEndsSubscriptions(t *testing.T) {
	bus := NewMemory()

	sub, err := bus.Subscribe(context.Background(), "psync::policy")
	require.NoError(t, err)

	require.NoError(t, bus.Close())

	select {
	case _, ok := <-sub.Messages():
		assert.False(t, ok, "message channel should be closed")
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
}

func TestNew_UnknownScheme(t *testing.T) {
	_, err := New(context.Background(), "kafka://broker", nil)
	require.Error(t, err)
}

func TestNew_Memory(t *testing.T) {
	bus, err := New(context.Background(), "mem://", nil)
	require.NoError(t, err)
	defer bus.Close()

	_, ok := bus.(*Memory)
	assert.True(t, ok)
}
