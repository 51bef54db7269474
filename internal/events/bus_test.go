package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitDeliversToMatchingAndAllSubscribers(t *testing.T) {
	bus := NewEventBus()

	typed := bus.Subscribe("kernel.acquired")
	defer bus.Unsubscribe(typed)
	all := bus.Subscribe()
	defer bus.Unsubscribe(all)
	other := bus.Subscribe("execution.failed")
	defer bus.Unsubscribe(other)

	bus.Emit("kernel.acquired", "kernelbroker.pool", "kernel-1", map[string]interface{}{"attempt": 1})

	select {
	case ev := <-typed:
		assert.Equal(t, "kernel.acquired", ev.Type)
		assert.Equal(t, "kernel-1", ev.Subject)
		assert.Equal(t, "1.0", ev.SpecVersion)
	case <-time.After(time.Second):
		t.Fatal("expected event on type-specific subscriber")
	}

	select {
	case ev := <-all:
		assert.Equal(t, "kernel.acquired", ev.Type)
	case <-time.After(time.Second):
		t.Fatal("expected event on catch-all subscriber")
	}

	select {
	case <-other:
		t.Fatal("subscriber for a different event type should not receive this event")
	default:
	}

	assert.Equal(t, 3, bus.SubscriberCount())
}

func TestUnsubscribeStopsDeliveryAndClosesChannel(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe("execution.completed")

	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.SubscriberCount())

	_, ok := <-ch
	assert.False(t, ok, "channel should be closed after unsubscribe")
}

func TestPublishDropsRatherThanBlocksWhenSubscriberBufferIsFull(t *testing.T) {
	bus := NewEventBus()
	bus.bufferSize = 1
	ch := bus.Subscribe("execution.started")
	defer bus.Unsubscribe(ch)

	bus.Emit("execution.started", "kernelbroker.engine", "kernel-1", nil)
	bus.Emit("execution.started", "kernelbroker.engine", "kernel-1", nil) // would block without the default case

	assert.Len(t, ch, 1)
}

func TestSSEFormatIncludesTypeAndID(t *testing.T) {
	ev := NewCloudEvent("kernel.evicted", "kernelbroker.pool", "kernel-9", map[string]interface{}{"reason": "probe failed"})

	data, err := ev.SSEFormat()
	require.NoError(t, err)
	s := string(data)
	assert.Contains(t, s, "event: kernel.evicted\n")
	assert.Contains(t, s, "id: "+ev.ID)
	assert.Contains(t, s, "\"subject\":\"kernel-9\"")
}
